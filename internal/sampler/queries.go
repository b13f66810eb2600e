package sampler

import (
	"context"
	"encoding/xml"
	"errors"
	"math/rand"
	"strings"

	"aqwari.net/xml/xmltree"

	"github.com/opengeospatial/ets-wfs20/internal/appschema"
	"github.com/opengeospatial/ets-wfs20/internal/cache/keys"
	"github.com/opengeospatial/ets-wfs20/internal/core/ogc"
	"github.com/opengeospatial/ets-wfs20/internal/core/xmldoc"
	"github.com/opengeospatial/ets-wfs20/internal/logger"
	"github.com/opengeospatial/ets-wfs20/internal/spatial"
	"github.com/opengeospatial/ets-wfs20/internal/temporal"
)

var boundedBy = ogc.Name(ogc.NSGML, "boundedBy")

func isNil(el *xmltree.Element) bool {
	v := strings.TrimSpace(el.Attr(ogc.NSXSI, "nil"))
	return v == "true" || v == "1"
}

func gmlID(el *xmltree.Element) string {
	return el.Attr(ogc.NSGML, "id")
}

// memberIDs lists the gml:id of every sampled instance of ft, in document
// order and without duplicates.
func (s *Sampler) memberIDs(ft xml.Name) []string {
	seen := map[string]bool{}
	var ids []string
	for _, f := range s.features(ft) {
		if id := gmlID(f); id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

// SelectRandomIdentifiers picks up to n distinct feature identifiers from the
// sample of ft, uniformly and without replacement.
func (s *Sampler) SelectRandomIdentifiers(ft xml.Name, n int) []string {
	ids := s.memberIDs(ft)
	if n <= 0 || len(ids) == 0 {
		return nil
	}
	rand.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	if n < len(ids) {
		ids = ids[:n]
	}
	return ids
}

// SimplePropertyValues returns the values of a simple property in document
// order, optionally restricted to the feature with the given id. Nil values
// are skipped.
func (s *Sampler) SimplePropertyValues(ft, prop xml.Name, id string) []string {
	var out []string
	for _, f := range s.features(ft) {
		if id != "" && gmlID(f) != id {
			continue
		}
		for _, v := range xmldoc.Children(f, prop.Space, prop.Local) {
			if isNil(v) {
				continue
			}
			out = append(out, xmldoc.TrimmedText(v))
		}
	}
	return out
}

// SpatialExtent is the envelope of the first geometry property of ft that has
// values in the sample. The result, nil included, is cached for the run.
func (s *Sampler) SpatialExtent(ctx context.Context, schema *appschema.Schema, ft xml.Name) (*spatial.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	env, err := remember(s.current(), "spatial_extent", keys.FeatureType("spatial", ft), func() (*spatial.Envelope, error) {
		features := s.features(ft)
		if len(features) == 0 {
			return nil, nil
		}
		for _, decl := range schema.GeometryProperties(ft) {
			var geoms []*xmltree.Element
			for _, f := range features {
				for _, p := range xmldoc.Children(f, decl.Name.Space, decl.Name.Local) {
					if g := xmldoc.FirstChild(p); g != nil {
						geoms = append(geoms, g)
					}
				}
			}
			if len(geoms) == 0 {
				continue
			}
			env, err := spatial.FromGeometries(geoms)
			if errors.Is(err, spatial.ErrNoCoordinates) {
				continue
			}
			return env, err
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	if env != nil {
		s.mu.Lock()
		if info := s.infos[ft]; info != nil {
			info.Extent = env
		}
		s.mu.Unlock()
	}
	return env, nil
}

// TemporalExtentOfProperty is the smallest period covering every value of a
// temporal property in the sample of ft, or nil if there are none. Values
// that do not parse are logged and skipped. The result is cached per
// feature property for the run.
func (s *Sampler) TemporalExtentOfProperty(ctx context.Context, schema *appschema.Schema, ft xml.Name, decl *appschema.ElementDecl) (*temporal.Period, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fp := schema.NewFeatureProperty(ft, decl)
	key := keys.Property("temporal", fp.FeatureType, fp.Name, fp.ValueType)
	return remember(s.current(), "temporal_extent", key, func() (*temporal.Period, error) {
		lctx := logger.WithFeatureType(ctx, xmldoc.String(ft))
		simple := schema.HasSimpleContent(decl.Type)
		var builtin xml.Name
		if simple {
			builtin = schema.PrimitiveDatatype(decl)
		}

		var prims []temporal.Primitive
		for _, f := range s.features(ft) {
			for _, v := range xmldoc.Children(f, decl.Name.Space, decl.Name.Local) {
				if isNil(v) {
					continue
				}
				var (
					p   temporal.Primitive
					err error
				)
				if simple {
					p, err = temporal.ParseValue(xmldoc.TrimmedText(v), builtin)
				} else {
					p, err = temporal.FromGML(xmldoc.FirstChild(v))
				}
				if err != nil {
					s.logger.WarnContext(lctx, "invalid temporal value",
						"property", xmldoc.String(decl.Name),
						"feature", gmlID(f),
						"err", err)
					continue
				}
				prims = append(prims, p)
			}
		}
		return temporal.Extent(prims...), nil
	})
}

// NillableInstantiatedProperties lists the nillable properties of ft, other
// than gml:boundedBy, that are nil in at least one sampled instance.
func (s *Sampler) NillableInstantiatedProperties(ctx context.Context, schema *appschema.Schema, ft xml.Name) ([]xml.Name, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return remember(s.current(), "nillable", keys.FeatureType("nillable", ft), func() ([]xml.Name, error) {
		features := s.features(ft)
		var out []xml.Name
		for _, decl := range schema.NillableProperties(ft) {
			if decl.Name == boundedBy {
				continue
			}
			if anyNil(features, decl.Name) {
				out = append(out, decl.Name)
			}
		}
		return out, nil
	})
}

func anyNil(features []*xmltree.Element, prop xml.Name) bool {
	for _, f := range features {
		for _, v := range xmldoc.Children(f, prop.Space, prop.Local) {
			if isNil(v) {
				return true
			}
		}
	}
	return false
}

// FeatureByID finds a sampled feature of any type by its gml:id.
func (s *Sampler) FeatureByID(id string) *xmltree.Element {
	for _, ft := range s.desc.FeatureTypes() {
		for _, f := range s.features(ft) {
			if gmlID(f) == id {
				return f
			}
		}
	}
	return nil
}

// FeatureID returns the first feature identifier of the first instantiated
// type that is ft (match) or is not ft (!match); "" when there is none.
func (s *Sampler) FeatureID(ft xml.Name, match bool) string {
	for _, t := range s.desc.FeatureTypes() {
		if (t == ft) != match {
			continue
		}
		for _, f := range s.features(t) {
			if id := gmlID(f); id != "" {
				return id
			}
		}
	}
	return ""
}
