// Package appschema indexes the XML Schema of a service's feature types and
// answers structural questions about their properties.
package appschema

import (
	_ "embed"
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"aqwari.net/xml/xmltree"

	"github.com/opengeospatial/ets-wfs20/internal/core/xmldoc"
)

const (
	NSXSD = "http://www.w3.org/2001/XMLSchema"
	NSGML = "http://www.opengis.net/gml/3.2"
)

//go:embed gml.xsd
var gmlSchema []byte

var (
	ErrNotSchema = errors.New("not an XML schema document")

	AnyType       = xml.Name{Space: NSXSD, Local: "anyType"}
	AnySimpleType = xml.Name{Space: NSXSD, Local: "anySimpleType"}
)

// Unbounded is the MaxOccurs of a repeating particle.
const Unbounded = -1

// ElementDecl is an element declaration. A declaration obtained from a
// content model carries the occurrence constraints of its particle.
type ElementDecl struct {
	Name              xml.Name
	Type              xml.Name
	Nillable          bool
	Abstract          bool
	SubstitutionGroup xml.Name
	MinOccurs         int
	MaxOccurs         int
}

func (d *ElementDecl) String() string {
	return fmt.Sprintf("%s (%s)", xmldoc.String(d.Name), xmldoc.String(d.Type))
}

// TypeDef is a simple or complex type definition.
type TypeDef struct {
	Name   xml.Name
	Simple bool
	// Base is the type this one derives from; zero for xsd:anyType.
	Base          xml.Name
	Extension     bool
	SimpleContent bool
	Abstract      bool
	particles     []particle
}

type particle struct {
	ref       xml.Name
	group     xml.Name
	decl      *ElementDecl
	minOccurs int
	maxOccurs int
}

// Schema is an index of element, type and group definitions drawn from one
// or more schema documents.
type Schema struct {
	elements map[xml.Name]*ElementDecl
	types    map[xml.Name]*TypeDef
	groups   map[xml.Name][]particle
	imports  []Import
	anon     int
}

// Import is an xs:import or xs:include found while loading.
type Import struct {
	Namespace string
	Location  string
}

// Load indexes the given schema documents. The GML 3.2 base types are always
// available; documents that define GML types themselves take precedence.
func Load(docs ...[]byte) (*Schema, error) {
	s := &Schema{
		elements: map[xml.Name]*ElementDecl{},
		types:    map[xml.Name]*TypeDef{},
		groups:   map[xml.Name][]particle{},
	}
	if err := s.add(gmlSchema); err != nil {
		return nil, fmt.Errorf("gml base schema: %w", err)
	}
	s.imports = nil
	for i, doc := range docs {
		if err := s.add(doc); err != nil {
			return nil, fmt.Errorf("schema document %d: %w", i, err)
		}
	}
	return s, nil
}

// Imports lists the imports and includes of the loaded documents.
func (s *Schema) Imports() []Import {
	return append([]Import(nil), s.imports...)
}

func (s *Schema) Element(name xml.Name) *ElementDecl { return s.elements[name] }

func (s *Schema) Type(name xml.Name) *TypeDef { return s.types[name] }

type docCtx struct {
	tns       string
	qualified bool
}

func (s *Schema) add(doc []byte) error {
	root, err := xmldoc.Parse(doc)
	if err != nil {
		return err
	}
	if root.Name.Space != NSXSD || root.Name.Local != "schema" {
		return fmt.Errorf("%w: root is %s", ErrNotSchema, xmldoc.String(root.Name))
	}
	dc := docCtx{
		tns:       root.Attr("", "targetNamespace"),
		qualified: root.Attr("", "elementFormDefault") == "qualified",
	}
	for i := range root.Children {
		el := &root.Children[i]
		if el.Name.Space != NSXSD {
			continue
		}
		name := xml.Name{Space: dc.tns, Local: el.Attr("", "name")}
		switch el.Name.Local {
		case "element":
			decl, err := s.parseElement(dc, el, true)
			if err != nil {
				return err
			}
			s.elements[decl.Name] = decl
		case "complexType":
			if _, err := s.parseComplex(dc, el, name); err != nil {
				return err
			}
		case "simpleType":
			if _, err := s.parseSimple(el, name); err != nil {
				return err
			}
		case "group":
			ps, err := s.parseModel(dc, el)
			if err != nil {
				return err
			}
			s.groups[name] = ps
		case "import", "include":
			ns := el.Attr("", "namespace")
			if el.Name.Local == "include" {
				ns = dc.tns
			}
			s.imports = append(s.imports, Import{Namespace: ns, Location: el.Attr("", "schemaLocation")})
		}
	}
	return nil
}

func (s *Schema) qname(el *xmltree.Element, attr string) (xml.Name, error) {
	v := el.Attr("", attr)
	if v == "" {
		return xml.Name{}, nil
	}
	name, err := xmldoc.ResolveQName(el, v)
	if err != nil {
		return xml.Name{}, fmt.Errorf("%s/@%s: %w", el.Name.Local, attr, err)
	}
	return name, nil
}

func (s *Schema) anonName(dc docCtx, owner string) xml.Name {
	s.anon++
	return xml.Name{Space: dc.tns, Local: owner + "#type" + strconv.Itoa(s.anon)}
}

func (s *Schema) parseElement(dc docCtx, el *xmltree.Element, global bool) (*ElementDecl, error) {
	local := el.Attr("", "name")
	decl := &ElementDecl{
		Name:      xml.Name{Local: local},
		Nillable:  el.Attr("", "nillable") == "true",
		Abstract:  el.Attr("", "abstract") == "true",
		MinOccurs: 1,
		MaxOccurs: 1,
	}
	form := el.Attr("", "form")
	if global || form == "qualified" || (form == "" && dc.qualified) {
		decl.Name.Space = dc.tns
	}
	var err error
	if decl.SubstitutionGroup, err = s.qname(el, "substitutionGroup"); err != nil {
		return nil, err
	}
	if decl.Type, err = s.qname(el, "type"); err != nil {
		return nil, err
	}
	if decl.Type.Local == "" {
		decl.Type = AnyType
		for i := range el.Children {
			c := &el.Children[i]
			switch {
			case c.Name.Space != NSXSD:
			case c.Name.Local == "complexType":
				t, err := s.parseComplex(dc, c, s.anonName(dc, local))
				if err != nil {
					return nil, err
				}
				decl.Type = t.Name
			case c.Name.Local == "simpleType":
				t, err := s.parseSimple(c, s.anonName(dc, local))
				if err != nil {
					return nil, err
				}
				decl.Type = t.Name
			}
		}
	}
	return decl, nil
}

func (s *Schema) parseComplex(dc docCtx, el *xmltree.Element, name xml.Name) (*TypeDef, error) {
	t := &TypeDef{Name: name, Base: AnyType, Abstract: el.Attr("", "abstract") == "true"}
	for i := range el.Children {
		c := &el.Children[i]
		if c.Name.Space != NSXSD {
			continue
		}
		switch c.Name.Local {
		case "sequence", "choice", "all", "group":
			ps, err := s.parseModel(dc, &xmltree.Element{Children: []xmltree.Element{*c}})
			if err != nil {
				return nil, err
			}
			t.particles = append(t.particles, ps...)
		case "complexContent", "simpleContent":
			t.SimpleContent = c.Name.Local == "simpleContent"
			for j := range c.Children {
				d := &c.Children[j]
				if d.Name.Space != NSXSD || (d.Name.Local != "extension" && d.Name.Local != "restriction") {
					continue
				}
				base, err := s.qname(d, "base")
				if err != nil {
					return nil, err
				}
				if base.Local != "" {
					t.Base = base
				}
				t.Extension = d.Name.Local == "extension"
				ps, err := s.parseModel(dc, d)
				if err != nil {
					return nil, err
				}
				t.particles = append(t.particles, ps...)
			}
		}
	}
	s.types[name] = t
	return t, nil
}

func (s *Schema) parseSimple(el *xmltree.Element, name xml.Name) (*TypeDef, error) {
	t := &TypeDef{Name: name, Simple: true, Base: AnySimpleType}
	for i := range el.Children {
		c := &el.Children[i]
		if c.Name.Space != NSXSD || c.Name.Local != "restriction" {
			continue
		}
		base, err := s.qname(c, "base")
		if err != nil {
			return nil, err
		}
		if base.Local != "" {
			t.Base = base
			continue
		}
		if inner := xmldoc.Child(c, NSXSD, "simpleType"); inner != nil {
			bt, err := s.parseSimple(inner, xml.Name{Space: name.Space, Local: name.Local + "#base"})
			if err != nil {
				return nil, err
			}
			t.Base = bt.Name
		}
	}
	s.types[name] = t
	return t, nil
}

// parseModel collects the element particles of the model groups directly
// under el, flattening nested groups. Elements inside a choice of several
// alternatives are optional.
func (s *Schema) parseModel(dc docCtx, el *xmltree.Element) ([]particle, error) {
	var out []particle
	for i := range el.Children {
		c := &el.Children[i]
		if c.Name.Space != NSXSD {
			continue
		}
		minOcc, maxOcc := occurs(c)
		switch c.Name.Local {
		case "element":
			p := particle{minOccurs: minOcc, maxOccurs: maxOcc}
			ref, err := s.qname(c, "ref")
			if err != nil {
				return nil, err
			}
			if ref.Local != "" {
				p.ref = ref
			} else {
				decl, err := s.parseElement(dc, c, false)
				if err != nil {
					return nil, err
				}
				p.decl = decl
			}
			out = append(out, p)
		case "group":
			ref, err := s.qname(c, "ref")
			if err != nil {
				return nil, err
			}
			if ref.Local != "" {
				out = append(out, particle{group: ref, minOccurs: minOcc, maxOccurs: maxOcc})
				continue
			}
			ps, err := s.parseModel(dc, c)
			if err != nil {
				return nil, err
			}
			out = append(out, ps...)
		case "sequence", "all", "choice":
			ps, err := s.parseModel(dc, c)
			if err != nil {
				return nil, err
			}
			optional := minOcc == 0 || (c.Name.Local == "choice" && len(ps) > 1)
			for _, p := range ps {
				if optional {
					p.minOccurs = 0
				}
				if maxOcc == Unbounded {
					p.maxOccurs = Unbounded
				}
				out = append(out, p)
			}
		}
	}
	return out, nil
}

func occurs(el *xmltree.Element) (int, int) {
	minOcc, maxOcc := 1, 1
	if v := strings.TrimSpace(el.Attr("", "minOccurs")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			minOcc = n
		}
	}
	switch v := strings.TrimSpace(el.Attr("", "maxOccurs")); v {
	case "":
	case "unbounded":
		maxOcc = Unbounded
	default:
		if n, err := strconv.Atoi(v); err == nil {
			maxOcc = n
		}
	}
	return minOcc, maxOcc
}

const maxDepth = 64

// content returns the element declarations of a complex type's content
// model, base type content first for extensions.
func (s *Schema) content(typeName xml.Name) []*ElementDecl {
	return s.contentAt(typeName, 0)
}

func (s *Schema) contentAt(typeName xml.Name, depth int) []*ElementDecl {
	t := s.types[typeName]
	if t == nil || t.Simple || depth > maxDepth {
		return nil
	}
	var out []*ElementDecl
	if t.Extension && !t.SimpleContent {
		out = append(out, s.contentAt(t.Base, depth+1)...)
	}
	return append(out, s.expand(t.particles, depth)...)
}

func (s *Schema) expand(ps []particle, depth int) []*ElementDecl {
	var out []*ElementDecl
	for _, p := range ps {
		switch {
		case p.group.Local != "":
			if depth > maxDepth {
				continue
			}
			for _, d := range s.expand(s.groups[p.group], depth+1) {
				if p.minOccurs == 0 {
					d.MinOccurs = 0
				}
				out = append(out, d)
			}
		case p.decl != nil:
			d := *p.decl
			d.MinOccurs, d.MaxOccurs = p.minOccurs, p.maxOccurs
			out = append(out, &d)
		default:
			g := s.elements[p.ref]
			if g == nil {
				g = &ElementDecl{Name: p.ref, Type: AnyType}
			}
			d := *g
			d.MinOccurs, d.MaxOccurs = p.minOccurs, p.maxOccurs
			out = append(out, &d)
		}
	}
	return out
}
