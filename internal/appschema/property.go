package appschema

import (
	"encoding/xml"
	"fmt"

	"github.com/opengeospatial/ets-wfs20/internal/core/xmldoc"
)

// FeatureProperty identifies a property of a feature type together with its
// value type. Values are comparable and usable as map keys.
type FeatureProperty struct {
	FeatureType xml.Name
	Name        xml.Name
	ValueType   xml.Name
}

// NewFeatureProperty derives the identity of a property declaration. The
// value type of a complex property is the type of its value element.
func (s *Schema) NewFeatureProperty(featureType xml.Name, prop *ElementDecl) FeatureProperty {
	fp := FeatureProperty{FeatureType: featureType, Name: prop.Name, ValueType: prop.Type}
	if v := s.ComplexPropertyValue(prop); v != nil {
		fp.ValueType = v.Type
	}
	return fp
}

func (p FeatureProperty) String() string {
	return fmt.Sprintf("%s/%s (%s)", xmldoc.String(p.FeatureType), xmldoc.String(p.Name), xmldoc.String(p.ValueType))
}
