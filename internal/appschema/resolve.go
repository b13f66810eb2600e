package appschema

import (
	"context"
	"fmt"
	"net/url"
)

// Fetcher retrieves a schema document.
type Fetcher func(ctx context.Context, loc *url.URL) ([]byte, error)

// namespaces covered by the built-in GML table or irrelevant to feature
// content; their imports are never fetched
var skipNamespaces = map[string]bool{
	NSGML:                                  true,
	NSXSD:                                  true,
	"http://www.w3.org/1999/xlink":         true,
	"http://www.w3.org/XML/1998/namespace": true,
	"http://www.isotc211.org/2005/gmd":     true,
}

const maxSchemaDocs = 64

// Resolve fetches the schema at loc and, transitively, every document it
// imports or includes, then indexes them all.
func Resolve(ctx context.Context, fetch Fetcher, loc *url.URL) (*Schema, error) {
	seen := map[string]bool{loc.String(): true}
	queue := []*url.URL{loc}
	var docs [][]byte
	for len(queue) > 0 {
		if len(docs) >= maxSchemaDocs {
			return nil, fmt.Errorf("more than %d schema documents", maxSchemaDocs)
		}
		u := queue[0]
		queue = queue[1:]
		doc, err := fetch(ctx, u)
		if err != nil {
			return nil, fmt.Errorf("fetch schema %s: %w", u.Redacted(), err)
		}
		part, err := Load(doc)
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", u.Redacted(), err)
		}
		docs = append(docs, doc)
		for _, imp := range part.Imports() {
			if imp.Location == "" || skipNamespaces[imp.Namespace] {
				continue
			}
			ref, err := url.Parse(imp.Location)
			if err != nil {
				return nil, fmt.Errorf("schema location %q: %w", imp.Location, err)
			}
			next := u.ResolveReference(ref)
			if key := next.String(); !seen[key] {
				seen[key] = true
				queue = append(queue, next)
			}
		}
	}
	return Load(docs...)
}
