// Package keys builds the memoization keys used while deriving facts from
// sample data.
package keys

import (
	"encoding/xml"
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

const maxLabelLen = 160

// FeatureType keys a fact about a whole feature type.
func FeatureType(kind string, ft xml.Name) string {
	return build(kind, ft)
}

// Property keys a fact about one property of a feature type. The value type
// is part of the key: the same element may be declared with different types
// in different feature types.
func Property(kind string, ft, prop, valueType xml.Name) string {
	return build(kind, ft, prop, valueType)
}

// build renders kind:label:h=<hex64>. The label holds the local names and is
// only for reading; the hash covers the full qualified names.
func build(kind string, names ...xml.Name) string {
	var canon, label strings.Builder
	for i, n := range names {
		if i > 0 {
			canon.WriteByte(0)
			label.WriteByte('.')
		}
		canon.WriteString(n.Space)
		canon.WriteByte('|')
		canon.WriteString(n.Local)
		label.WriteString(n.Local)
	}

	safe := sanitizeForKey(label.String())
	if len(safe) > maxLabelLen {
		safe = safe[:maxLabelLen]
	}
	sum := xxhash.Sum64String(canon.String())

	return fmt.Sprintf("%s:%s:h=%016x", sanitizeForKey(strings.TrimSpace(kind)), safe, sum)
}

func sanitizeForKey(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))

	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == '.' || r == '_' || r == '-':
			out = r
		default:
			// Any other rune (including non-ASCII) becomes '-'
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r < unicode.MaxASCII && unicode.IsDigit(r))
}
