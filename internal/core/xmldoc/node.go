package xmldoc

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"

	"aqwari.net/xml/xmltree"
)

// NS is a namespace declaration on a Node.
type NS struct {
	Prefix string
	URI    string
}

// Node is a mutable element used to build request entities. Unlike a parsed
// xmltree.Element it carries unescaped text and explicit namespace
// declarations, so the same tree can be serialized as a POST body, wrapped
// in a SOAP envelope or flattened to KVP.
type Node struct {
	Name     xml.Name
	Attrs    []xml.Attr
	Decls    []NS
	Children []*Node
	Text     string
}

// Elem creates a node; children may be added later with Append.
func Elem(space, local string, children ...*Node) *Node {
	return &Node{Name: xml.Name{Space: space, Local: local}, Children: children}
}

func (n *Node) Append(children ...*Node) *Node {
	n.Children = append(n.Children, children...)
	return n
}

func (n *Node) SetText(s string) *Node {
	n.Text = s
	return n
}

// SetAttr sets or replaces an attribute. Unqualified attributes use an empty
// space.
func (n *Node) SetAttr(space, local, value string) *Node {
	for i := range n.Attrs {
		if n.Attrs[i].Name.Space == space && n.Attrs[i].Name.Local == local {
			n.Attrs[i].Value = value
			return n
		}
	}
	n.Attrs = append(n.Attrs, xml.Attr{Name: xml.Name{Space: space, Local: local}, Value: value})
	return n
}

func (n *Node) Attr(space, local string) string {
	for _, a := range n.Attrs {
		if a.Name.Space == space && a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

func (n *Node) RemoveAttr(space, local string) {
	out := n.Attrs[:0]
	for _, a := range n.Attrs {
		if a.Name.Space == space && a.Name.Local == local {
			continue
		}
		out = append(out, a)
	}
	n.Attrs = out
}

// Declare binds prefix to uri on this node. A prefix that is already
// declared on the node is rebound.
func (n *Node) Declare(prefix, uri string) *Node {
	for i := range n.Decls {
		if n.Decls[i].Prefix == prefix {
			n.Decls[i].URI = uri
			return n
		}
	}
	n.Decls = append(n.Decls, NS{Prefix: prefix, URI: uri})
	return n
}

// PrefixFor returns a prefix declared on this node for uri.
func (n *Node) PrefixFor(uri string) (string, bool) {
	for _, d := range n.Decls {
		if d.URI == uri {
			return d.Prefix, true
		}
	}
	return "", false
}

// Child returns the first child with the given name.
func (n *Node) Child(space, local string) *Node {
	for _, c := range n.Children {
		if c.Name.Local == local && (space == "" || c.Name.Space == space) {
			return c
		}
	}
	return nil
}

func (n *Node) ChildrenNamed(space, local string) []*Node {
	var out []*Node
	for _, c := range n.Children {
		if c.Name.Local == local && (space == "" || c.Name.Space == space) {
			out = append(out, c)
		}
	}
	return out
}

// Clone returns a deep copy; the transport never mutates a caller's tree.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	cp := &Node{Name: n.Name, Text: n.Text}
	cp.Attrs = append([]xml.Attr(nil), n.Attrs...)
	cp.Decls = append([]NS(nil), n.Decls...)
	for _, c := range n.Children {
		cp.Children = append(cp.Children, c.Clone())
	}
	return cp
}

// FromTree converts a parsed element (and its subtree) into a Node.
func FromTree(el *xmltree.Element) *Node {
	if el == nil {
		return nil
	}
	n := &Node{Name: el.Name}
	for _, a := range el.StartElement.Attr {
		switch {
		case a.Name.Space == "xmlns":
			n.Decls = append(n.Decls, NS{Prefix: a.Name.Local, URI: a.Value})
		case a.Name.Space == "" && a.Name.Local == "xmlns":
			n.Decls = append(n.Decls, NS{URI: a.Value})
		default:
			n.Attrs = append(n.Attrs, a)
		}
	}
	if len(el.Children) == 0 {
		n.Text = Text(el)
		return n
	}
	for i := range el.Children {
		n.Children = append(n.Children, FromTree(&el.Children[i]))
	}
	return n
}

// well-known prefixes used when a namespace has no declaration in scope
var preferredPrefix = map[string]string{}

// RegisterPrefix records the prefix used for uri when the encoder has to
// declare it on its own.
func RegisterPrefix(uri, prefix string) {
	preferredPrefix[uri] = prefix
}

type scope struct {
	byURI    map[string]string
	byPrefix map[string]string
}

func (s scope) child() scope {
	c := scope{byURI: make(map[string]string, len(s.byURI)), byPrefix: make(map[string]string, len(s.byPrefix))}
	for k, v := range s.byURI {
		c.byURI[k] = v
	}
	for k, v := range s.byPrefix {
		c.byPrefix[k] = v
	}
	return c
}

func (s scope) bind(prefix, uri string) {
	if old, ok := s.byPrefix[prefix]; ok && s.byURI[old] == prefix {
		delete(s.byURI, old)
	}
	s.byPrefix[prefix] = uri
	s.byURI[uri] = prefix
}

// Marshal serializes a node tree without an XML declaration.
func Marshal(n *Node) []byte {
	var buf bytes.Buffer
	_ = Encode(&buf, n)
	return buf.Bytes()
}

// Encode writes a node tree. Namespaces used by element or attribute names
// but not declared by an ancestor are declared on the element that first
// needs them.
func Encode(w io.Writer, n *Node) error {
	e := &encoder{w: w}
	e.encode(n, scope{byURI: map[string]string{}, byPrefix: map[string]string{}})
	return e.err
}

type encoder struct {
	w   io.Writer
	err error
	gen int
}

func (e *encoder) write(s string) {
	if e.err != nil {
		return
	}
	_, e.err = io.WriteString(e.w, s)
}

func (e *encoder) escape(s string) {
	if e.err != nil {
		return
	}
	var buf bytes.Buffer
	if err := xml.EscapeText(&buf, []byte(s)); err != nil {
		e.err = err
		return
	}
	_, e.err = e.w.Write(buf.Bytes())
}

func (e *encoder) prefixFor(sc scope, uri string, attr bool, pending *[]NS) string {
	if uri == "" {
		return ""
	}
	if uri == "http://www.w3.org/XML/1998/namespace" {
		return "xml"
	}
	if p, ok := sc.byURI[uri]; ok && (p != "" || !attr) {
		return p
	}
	p := preferredPrefix[uri]
	if p == "" {
		e.gen++
		p = "ns" + strconv.Itoa(e.gen)
	}
	for {
		if _, taken := sc.byPrefix[p]; !taken {
			break
		}
		e.gen++
		p = "ns" + strconv.Itoa(e.gen)
	}
	sc.bind(p, uri)
	*pending = append(*pending, NS{Prefix: p, URI: uri})
	return p
}

func qualified(prefix, local string) string {
	if prefix == "" {
		return local
	}
	return prefix + ":" + local
}

func (e *encoder) encode(n *Node, parent scope) {
	sc := parent.child()
	decls := append([]NS(nil), n.Decls...)
	for _, d := range n.Decls {
		sc.bind(d.Prefix, d.URI)
	}
	var pending []NS
	tag := qualified(e.prefixFor(sc, n.Name.Space, false, &pending), n.Name.Local)
	attrs := make([]string, 0, len(n.Attrs))
	vals := make([]string, 0, len(n.Attrs))
	for _, a := range n.Attrs {
		attrs = append(attrs, qualified(e.prefixFor(sc, a.Name.Space, true, &pending), a.Name.Local))
		vals = append(vals, a.Value)
	}
	decls = append(decls, pending...)

	e.write("<" + tag)
	sort.SliceStable(decls, func(i, j int) bool { return decls[i].Prefix < decls[j].Prefix })
	for _, d := range decls {
		if d.Prefix == "" {
			e.write(` xmlns="`)
		} else {
			e.write(" xmlns:" + d.Prefix + `="`)
		}
		e.escape(d.URI)
		e.write(`"`)
	}
	for i := range attrs {
		e.write(" " + attrs[i] + `="`)
		e.escape(vals[i])
		e.write(`"`)
	}
	if len(n.Children) == 0 && n.Text == "" {
		e.write("/>")
		return
	}
	e.write(">")
	if n.Text != "" {
		e.escape(n.Text)
	}
	for _, c := range n.Children {
		e.encode(c, sc)
	}
	e.write("</" + tag + ">")
}

// ToTree re-parses a node into an xmltree element, e.g. to compare a request
// entity with a response document.
func ToTree(n *Node) (*xmltree.Element, error) {
	el, err := Parse(Marshal(n))
	if err != nil {
		return nil, fmt.Errorf("reparse %s: %w", n.Name.Local, err)
	}
	return el, nil
}
