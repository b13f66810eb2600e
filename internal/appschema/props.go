package appschema

import (
	"encoding/xml"
	"sort"

	"aqwari.net/xml/xsd"
)

var (
	AbstractGeometryType               = xml.Name{Space: NSGML, Local: "AbstractGeometryType"}
	AbstractTimeGeometricPrimitiveType = xml.Name{Space: NSGML, Local: "AbstractTimeGeometricPrimitiveType"}
	AbstractFeature                    = xml.Name{Space: NSGML, Local: "AbstractFeature"}
	BoundedBy                          = xml.Name{Space: NSGML, Local: "boundedBy"}

	deprecatedGML = map[xml.Name]bool{
		{Space: NSGML, Local: "metaDataProperty"}: true,
		{Space: NSGML, Local: "location"}:         true,
	}
)

// SimpleTemporalTypes are the built-in datatypes of simple temporal values.
var SimpleTemporalTypes = []xml.Name{
	xsd.DateTime.Name(), xsd.Date.Name(), xsd.GYearMonth.Name(), xsd.GYear.Name(),
}

// builtinBase is the derivation hierarchy of the XML Schema built-in types.
var builtinBase = map[xsd.Builtin]xsd.Builtin{
	xsd.AnySimpleType:      xsd.AnyType,
	xsd.String:             xsd.AnySimpleType,
	xsd.Boolean:            xsd.AnySimpleType,
	xsd.Decimal:            xsd.AnySimpleType,
	xsd.Float:              xsd.AnySimpleType,
	xsd.Double:             xsd.AnySimpleType,
	xsd.Duration:           xsd.AnySimpleType,
	xsd.DateTime:           xsd.AnySimpleType,
	xsd.Time:               xsd.AnySimpleType,
	xsd.Date:               xsd.AnySimpleType,
	xsd.GYearMonth:         xsd.AnySimpleType,
	xsd.GYear:              xsd.AnySimpleType,
	xsd.GMonthDay:          xsd.AnySimpleType,
	xsd.GDay:               xsd.AnySimpleType,
	xsd.GMonth:             xsd.AnySimpleType,
	xsd.HexBinary:          xsd.AnySimpleType,
	xsd.Base64Binary:       xsd.AnySimpleType,
	xsd.AnyURI:             xsd.AnySimpleType,
	xsd.QName:              xsd.AnySimpleType,
	xsd.NOTATION:           xsd.AnySimpleType,
	xsd.NormalizedString:   xsd.String,
	xsd.Token:              xsd.NormalizedString,
	xsd.Language:           xsd.Token,
	xsd.NMTOKEN:            xsd.Token,
	xsd.Name:               xsd.Token,
	xsd.NCName:             xsd.Name,
	xsd.ID:                 xsd.NCName,
	xsd.IDREF:              xsd.NCName,
	xsd.ENTITY:             xsd.NCName,
	xsd.NMTOKENS:           xsd.AnySimpleType,
	xsd.IDREFS:             xsd.AnySimpleType,
	xsd.ENTITIES:           xsd.AnySimpleType,
	xsd.Integer:            xsd.Decimal,
	xsd.NonPositiveInteger: xsd.Integer,
	xsd.NegativeInteger:    xsd.NonPositiveInteger,
	xsd.Long:               xsd.Integer,
	xsd.Int:                xsd.Long,
	xsd.Short:              xsd.Int,
	xsd.Byte:               xsd.Short,
	xsd.NonNegativeInteger: xsd.Integer,
	xsd.UnsignedLong:       xsd.NonNegativeInteger,
	xsd.UnsignedInt:        xsd.UnsignedLong,
	xsd.UnsignedShort:      xsd.UnsignedInt,
	xsd.UnsignedByte:       xsd.UnsignedShort,
	xsd.PositiveInteger:    xsd.NonNegativeInteger,
}

// base returns the type t derives from, and false at the root of the
// hierarchy or for an unknown type.
func (s *Schema) base(t xml.Name) (xml.Name, bool) {
	if td := s.types[t]; td != nil {
		if td.Base.Local == "" {
			return AnyType, t != AnyType
		}
		return td.Base, true
	}
	b, err := xsd.ParseBuiltin(t)
	if err != nil || b == xsd.AnyType {
		return xml.Name{}, false
	}
	parent, ok := builtinBase[b]
	if !ok {
		return xml.Name{}, false
	}
	return parent.Name(), true
}

// DerivesFrom reports whether type t is target or derives from it by any
// chain of extensions and restrictions.
func (s *Schema) DerivesFrom(t, target xml.Name) bool {
	if target == AnyType {
		return true
	}
	for i := 0; i <= maxDepth; i++ {
		if t == target {
			return true
		}
		next, ok := s.base(t)
		if !ok {
			return false
		}
		t = next
	}
	return false
}

// IsSimple reports whether t names a simple type definition.
func (s *Schema) IsSimple(t xml.Name) bool {
	if td := s.types[t]; td != nil {
		return td.Simple
	}
	b, err := xsd.ParseBuiltin(t)
	return err == nil && b != xsd.AnyType
}

// HasSimpleContent reports whether values of type t are character data: a
// simple type or a complex type with simple content.
func (s *Schema) HasSimpleContent(t xml.Name) bool {
	if s.IsSimple(t) {
		return true
	}
	td := s.types[t]
	return td != nil && td.SimpleContent
}

func (s *Schema) featureContent(featureType xml.Name) []*ElementDecl {
	decl := s.elements[featureType]
	if decl == nil {
		return nil
	}
	return s.content(decl.Type)
}

// FeatureTypes lists the global element declarations that can substitute
// for gml:AbstractFeature.
func (s *Schema) FeatureTypes() []xml.Name {
	var out []xml.Name
	for name, decl := range s.elements {
		if decl.Abstract || name.Space == NSGML {
			continue
		}
		if s.substitutes(decl, AbstractFeature) {
			out = append(out, name)
		}
	}
	sortNames(out)
	return out
}

func (s *Schema) substitutes(decl *ElementDecl, head xml.Name) bool {
	for i := 0; decl != nil && i <= maxDepth; i++ {
		if decl.SubstitutionGroup == head {
			return true
		}
		decl = s.elements[decl.SubstitutionGroup]
	}
	return false
}

// AllFeatureProperties returns every property of a feature type in content
// model order, inherited properties first.
func (s *Schema) AllFeatureProperties(featureType xml.Name) []*ElementDecl {
	return s.featureContent(featureType)
}

// FeaturePropertiesByType returns the properties of a feature type whose
// value is of the target type or derived from it. A simple property matches
// on its own type. A complex property matches when the type of one of its
// child elements derives from a complex target, or when the property type
// itself derives from a simple target. Deprecated GML properties never
// match, and GML properties are ignored for simple targets.
func (s *Schema) FeaturePropertiesByType(featureType, target xml.Name) []*ElementDecl {
	simpleTarget := s.IsSimple(target)
	var out []*ElementDecl
	for _, prop := range s.featureContent(featureType) {
		if deprecatedGML[prop.Name] || (simpleTarget && prop.Name.Space == NSGML) {
			continue
		}
		if s.IsSimple(prop.Type) {
			if simpleTarget && s.DerivesFrom(prop.Type, target) {
				out = append(out, prop)
			}
			continue
		}
		if !simpleTarget {
			for _, v := range s.content(prop.Type) {
				if s.DerivesFrom(v.Type, target) {
					out = append(out, prop)
					break
				}
			}
			continue
		}
		if s.DerivesFrom(prop.Type, target) {
			out = append(out, prop)
		}
	}
	return out
}

// NillableProperties returns the properties declared nillable.
func (s *Schema) NillableProperties(featureType xml.Name) []*ElementDecl {
	var out []*ElementDecl
	for _, prop := range s.featureContent(featureType) {
		if prop.Nillable {
			out = append(out, prop)
		}
	}
	return out
}

// SimpleFeatureProperties returns the non-GML properties whose values are
// character data.
func (s *Schema) SimpleFeatureProperties(featureType xml.Name) []*ElementDecl {
	var out []*ElementDecl
	for _, prop := range s.featureContent(featureType) {
		if prop.Name.Space == NSGML {
			continue
		}
		if s.HasSimpleContent(prop.Type) {
			out = append(out, prop)
		}
	}
	return out
}

// RequiredFeatureProperties returns the properties with minOccurs > 0.
func (s *Schema) RequiredFeatureProperties(featureType xml.Name) []*ElementDecl {
	var out []*ElementDecl
	for _, prop := range s.featureContent(featureType) {
		if prop.MinOccurs > 0 {
			out = append(out, prop)
		}
	}
	return out
}

// GeometryProperties returns the properties whose value is a GML geometry.
func (s *Schema) GeometryProperties(featureType xml.Name) []*ElementDecl {
	return s.FeaturePropertiesByType(featureType, AbstractGeometryType)
}

// TemporalProperties returns the properties whose value is a GML temporal
// primitive or a simple temporal value.
func (s *Schema) TemporalProperties(featureType xml.Name) []*ElementDecl {
	out := s.FeaturePropertiesByType(featureType, AbstractTimeGeometricPrimitiveType)
	for _, dt := range SimpleTemporalTypes {
		out = append(out, s.FeaturePropertiesByType(featureType, dt)...)
	}
	return out
}

// ComplexPropertyValue returns the declaration of the value element of a
// complex property, or nil for a simple property.
func (s *Schema) ComplexPropertyValue(prop *ElementDecl) *ElementDecl {
	if s.HasSimpleContent(prop.Type) {
		return nil
	}
	if vs := s.content(prop.Type); len(vs) > 0 {
		return vs[0]
	}
	return nil
}

// nearestBuiltin walks up from t to the first XML Schema built-in type.
func (s *Schema) nearestBuiltin(t xml.Name) (xsd.Builtin, bool) {
	for i := 0; i <= maxDepth; i++ {
		if b, err := xsd.ParseBuiltin(t); err == nil {
			return b, true
		}
		next, ok := s.base(t)
		if !ok {
			return 0, false
		}
		t = next
	}
	return 0, false
}

// BuiltInDatatype maps the type of a simple property (or the simple content
// of a complex one) to one of double, float, decimal, integer, string,
// boolean, date or dateTime. Any other type maps to string.
func (s *Schema) BuiltInDatatype(prop *ElementDecl) xml.Name {
	b, ok := s.nearestBuiltin(prop.Type)
	if !ok {
		return xsd.String.Name()
	}
	switch b {
	case xsd.Double, xsd.Float, xsd.Decimal, xsd.String, xsd.DateTime, xsd.Date, xsd.Boolean:
		return b.Name()
	case xsd.Integer, xsd.Byte, xsd.UnsignedByte, xsd.Int, xsd.UnsignedInt, xsd.Long,
		xsd.UnsignedLong, xsd.NegativeInteger, xsd.PositiveInteger, xsd.NonNegativeInteger,
		xsd.NonPositiveInteger, xsd.Short, xsd.UnsignedShort:
		return xsd.Integer.Name()
	}
	return xsd.String.Name()
}

// PrimitiveDatatype returns the primitive built-in type underlying a
// property value, e.g. xsd:date for a restriction of xsd:date.
func (s *Schema) PrimitiveDatatype(prop *ElementDecl) xml.Name {
	b, ok := s.nearestBuiltin(prop.Type)
	if !ok {
		return xsd.String.Name()
	}
	for i := 0; i <= maxDepth; i++ {
		parent, ok := builtinBase[b]
		if !ok || parent == xsd.AnySimpleType || parent == xsd.AnyType {
			break
		}
		b = parent
	}
	return b.Name()
}

func sortNames(names []xml.Name) {
	sort.Slice(names, func(i, j int) bool {
		if names[i].Space != names[j].Space {
			return names[i].Space < names[j].Space
		}
		return names[i].Local < names[j].Local
	})
}
