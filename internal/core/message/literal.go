package message

import (
	"encoding/xml"

	"github.com/opengeospatial/ets-wfs20/internal/core/xmldoc"
)

// Literal is the value of a filter literal, stored query parameter or
// updated property: either character data or an XML fragment.
type Literal interface {
	apply(el *xmldoc.Node)
}

// Text is a character data literal. NS optionally binds the prefix used by a
// QName value.
type Text struct {
	Value string
	NS    *xmldoc.NS
}

func (t Text) apply(el *xmldoc.Node) {
	if t.NS != nil {
		el.Declare(t.NS.Prefix, t.NS.URI)
	}
	el.SetText(t.Value)
}

// Structured is an XML fragment literal such as a GML geometry or time
// primitive. The fragment is copied when applied.
type Structured struct {
	Node *xmldoc.Node
}

func (s Structured) apply(el *xmldoc.Node) {
	if s.Node != nil {
		el.Append(s.Node.Clone())
	}
}

// QNameText is a Text literal naming a qualified name with the tns prefix.
func QNameText(name xml.Name) Text {
	if name.Space == "" {
		return Text{Value: name.Local}
	}
	return Text{Value: "tns:" + name.Local, NS: &xmldoc.NS{Prefix: "tns", URI: name.Space}}
}

// LiteralNode renders a literal as the content of a fes:Literal element.
func LiteralNode(lit Literal) *xmldoc.Node {
	el := xmldoc.Elem(nsFES, "Literal")
	if lit != nil {
		lit.apply(el)
	}
	return el
}
