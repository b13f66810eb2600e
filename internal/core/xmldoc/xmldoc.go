// Package xmldoc parses and queries XML documents exchanged with a WFS and
// builds the request entities sent to it.
package xmldoc

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"aqwari.net/xml/xmltree"
)

var ErrEmptyDocument = errors.New("empty xml document")

// Parse reads an XML document into a namespace-aware element tree.
func Parse(doc []byte) (*xmltree.Element, error) {
	if len(bytes.TrimSpace(doc)) == 0 {
		return nil, ErrEmptyDocument
	}
	root, err := xmltree.Parse(doc)
	if err != nil {
		return nil, fmt.Errorf("parse xml: %w", err)
	}
	return root, nil
}

func ParseFile(path string) (*xmltree.Element, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(b)
}

// Text returns the string value of an element: the concatenation of all
// character data it contains, in document order.
func Text(el *xmltree.Element) string {
	if el == nil || len(el.Content) == 0 {
		return ""
	}
	var buf bytes.Buffer
	buf.WriteString("<x>")
	buf.Write(el.Content)
	buf.WriteString("</x>")

	d := xml.NewDecoder(&buf)
	d.Strict = false
	d.Entity = xml.HTMLEntity

	var out strings.Builder
	for {
		tok, err := d.Token()
		if err != nil {
			break
		}
		if cd, ok := tok.(xml.CharData); ok {
			out.Write(cd)
		}
	}
	return out.String()
}

// TrimmedText is Text with surrounding white space removed.
func TrimmedText(el *xmltree.Element) string {
	return strings.TrimSpace(Text(el))
}

// Children returns the direct children of el with the given name. An empty
// space matches any namespace.
func Children(el *xmltree.Element, space, local string) []*xmltree.Element {
	if el == nil {
		return nil
	}
	var out []*xmltree.Element
	for i := range el.Children {
		c := &el.Children[i]
		if c.Name.Local != local {
			continue
		}
		if space != "" && c.Name.Space != space {
			continue
		}
		out = append(out, c)
	}
	return out
}

func Child(el *xmltree.Element, space, local string) *xmltree.Element {
	if cs := Children(el, space, local); len(cs) > 0 {
		return cs[0]
	}
	return nil
}

// FirstChild returns the first element child of el, or nil.
func FirstChild(el *xmltree.Element) *xmltree.Element {
	if el == nil || len(el.Children) == 0 {
		return nil
	}
	return &el.Children[0]
}

// Descendants returns every element below el (el excluded) with the given
// name, in document order.
func Descendants(el *xmltree.Element, space, local string) []*xmltree.Element {
	if el == nil {
		return nil
	}
	return el.Search(space, local)
}

// Is reports whether el has the given qualified name.
func Is(el *xmltree.Element, name xml.Name) bool {
	return el != nil && el.Name.Space == name.Space && el.Name.Local == name.Local
}

// ResolveQName resolves a prefixed (or unprefixed) name against the
// namespace declarations in scope at el. An unprefixed name takes the default
// namespace, if one is declared.
func ResolveQName(el *xmltree.Element, qname string) (xml.Name, error) {
	qname = strings.TrimSpace(qname)
	if qname == "" {
		return xml.Name{}, errors.New("empty qualified name")
	}
	name := el.Resolve(qname)
	prefix, _, prefixed := strings.Cut(qname, ":")
	if prefixed && (name.Space == "" || name.Space == prefix) {
		return xml.Name{}, fmt.Errorf("unbound namespace prefix %q in %q", prefix, qname)
	}
	return name, nil
}

// Write encodes a parsed element as a standalone document.
func Write(w io.Writer, el *xmltree.Element) error {
	return xmltree.Encode(w, el)
}

// WriteFile writes el to path with an XML declaration.
func WriteFile(path string, el *xmltree.Element) error {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if err := xmltree.Encode(&buf, el); err != nil {
		return fmt.Errorf("encode %s: %w", el.Name.Local, err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}

// String renders a name in Clark notation, {namespace}local.
func String(name xml.Name) string {
	if name.Space == "" {
		return name.Local
	}
	return "{" + name.Space + "}" + name.Local
}
