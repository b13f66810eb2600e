package message

import (
	"encoding/xml"

	"github.com/opengeospatial/ets-wfs20/internal/core/ogc"
	"github.com/opengeospatial/ets-wfs20/internal/core/xmldoc"
	"github.com/opengeospatial/ets-wfs20/internal/spatial"
	"github.com/opengeospatial/ets-wfs20/internal/temporal"
)

const nsFES = ogc.NSFES

// NewResourceIDFilter builds a fes:Filter selecting features by identifier.
func NewResourceIDFilter(ids ...string) *xmldoc.Node {
	filter := xmldoc.Elem(nsFES, "Filter")
	for _, id := range ids {
		filter.Append(xmldoc.Elem(nsFES, "ResourceId").SetAttr("", "rid", id))
	}
	return filter
}

// ValueReference names a property with the tns prefix declared on the
// element itself.
func ValueReference(prop xml.Name) *xmldoc.Node {
	ref := xmldoc.Elem(nsFES, "ValueReference")
	QNameText(prop).apply(ref)
	return ref
}

func binary(op string, valueRef *xmldoc.Node, lit Literal) *xmldoc.Node {
	return xmldoc.Elem(nsFES, op, valueRef, LiteralNode(lit))
}

func PropertyIsEqualTo(valueRef *xmldoc.Node, lit Literal) *xmldoc.Node {
	return binary("PropertyIsEqualTo", valueRef, lit)
}

func PropertyIsNotEqualTo(valueRef *xmldoc.Node, lit Literal) *xmldoc.Node {
	return binary("PropertyIsNotEqualTo", valueRef, lit)
}

func PropertyIsLessThan(valueRef *xmldoc.Node, lit Literal) *xmldoc.Node {
	return binary("PropertyIsLessThan", valueRef, lit)
}

func PropertyIsGreaterThan(valueRef *xmldoc.Node, lit Literal) *xmldoc.Node {
	return binary("PropertyIsGreaterThan", valueRef, lit)
}

func PropertyIsNil(valueRef *xmldoc.Node) *xmldoc.Node {
	return xmldoc.Elem(nsFES, "PropertyIsNil", valueRef)
}

// PropertyIsLike matches a pattern with * as wildcard, . as single char and
// \ as escape.
func PropertyIsLike(valueRef *xmldoc.Node, pattern string) *xmldoc.Node {
	return binary("PropertyIsLike", valueRef, Text{Value: pattern}).
		SetAttr("", "wildCard", "*").
		SetAttr("", "singleChar", ".").
		SetAttr("", "escapeChar", "\\")
}

func And(predicates ...*xmldoc.Node) *xmldoc.Node {
	return xmldoc.Elem(nsFES, "And", predicates...)
}

func Or(predicates ...*xmldoc.Node) *xmldoc.Node {
	return xmldoc.Elem(nsFES, "Or", predicates...)
}

func Not(predicate *xmldoc.Node) *xmldoc.Node {
	return xmldoc.Elem(nsFES, "Not", predicate)
}

// TemporalPredicate builds a temporal operator (During, After, ...) on a
// GML time primitive. A nil valueRef applies it to every temporal property.
func TemporalPredicate(op string, valueRef, gmlTime *xmldoc.Node) *xmldoc.Node {
	pred := xmldoc.Elem(nsFES, op)
	if valueRef != nil {
		pred.Append(valueRef)
	}
	return pred.Append(gmlTime.Clone())
}

func During(valueRef *xmldoc.Node, p temporal.Period) *xmldoc.Node {
	return TemporalPredicate("During", valueRef, temporal.PeriodAsGML(p))
}

func After(valueRef *xmldoc.Node, i temporal.Instant) *xmldoc.Node {
	return TemporalPredicate("After", valueRef, temporal.InstantAsGML(i))
}

func Before(valueRef *xmldoc.Node, i temporal.Instant) *xmldoc.Node {
	return TemporalPredicate("Before", valueRef, temporal.InstantAsGML(i))
}

// SpatialPredicate builds a binary spatial operator (Intersects, Within,
// ...) against a GML geometry or envelope.
func SpatialPredicate(op string, valueRef, geometry *xmldoc.Node) *xmldoc.Node {
	pred := xmldoc.Elem(nsFES, op)
	if valueRef != nil {
		pred.Append(valueRef)
	}
	return pred.Append(geometry.Clone())
}

// BBOX tests the geometry property (or the default geometry when valueRef
// is nil) against an envelope.
func BBOX(valueRef *xmldoc.Node, env *spatial.Envelope) *xmldoc.Node {
	return SpatialPredicate("BBOX", valueRef, env.AsGML())
}
