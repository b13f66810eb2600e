package suite

import (
	"context"
	"encoding/xml"
	"sort"
	"time"

	"github.com/opengeospatial/ets-wfs20/internal/appschema"
	"github.com/opengeospatial/ets-wfs20/internal/core/capabilities"
	"github.com/opengeospatial/ets-wfs20/internal/core/ogc"
	"github.com/opengeospatial/ets-wfs20/internal/core/xmldoc"
	"github.com/opengeospatial/ets-wfs20/internal/sampler"
)

const sampleIDCount = 3

type Report struct {
	Version      string              `json:"version"`
	Conformance  []string            `json:"conformance"`
	Bindings     map[string][]string `json:"bindings"`
	FeatureTypes []FeatureTypeReport `json:"featureTypes"`
}

// Instantiated counts the feature types with sample data.
func (r *Report) Instantiated() int {
	n := 0
	for _, ft := range r.FeatureTypes {
		if ft.Instantiated {
			n++
		}
	}
	return n
}

type FeatureTypeReport struct {
	Name         string            `json:"name"`
	DefaultCRS   string            `json:"defaultCRS"`
	Instantiated bool              `json:"instantiated"`
	Attempts     []AttemptReport   `json:"attempts"`
	Extent       *EnvelopeReport   `json:"extent,omitempty"`
	Temporal     []TemporalReport  `json:"temporal,omitempty"`
	Nillable     []string          `json:"nillable,omitempty"`
	SampleIDs    []string          `json:"sampleIds,omitempty"`
	Simple       map[string]string `json:"simple,omitempty"`
}

type AttemptReport struct {
	Binding string `json:"binding"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

type EnvelopeReport struct {
	CRS   string    `json:"crs"`
	Lower []float64 `json:"lower"`
	Upper []float64 `json:"upper"`
}

type TemporalReport struct {
	Property string    `json:"property"`
	Begin    time.Time `json:"begin"`
	End      time.Time `json:"end"`
}

var reportedOps = []string{
	ogc.GetCapabilities, ogc.DescribeFeatureType, ogc.ListStoredQueries,
	ogc.GetFeature, ogc.GetPropertyValue, ogc.Transaction,
}

func buildReport(ctx context.Context, desc *capabilities.ServiceDescription, schema *appschema.Schema, s *sampler.Sampler) (*Report, error) {
	rep := &Report{Version: desc.Version(), Bindings: map[string][]string{}}
	for _, cc := range desc.ConformanceClaims() {
		rep.Conformance = append(rep.Conformance, string(cc))
	}
	for _, op := range reportedOps {
		bs := desc.OperationBindings(op)
		if bs.Empty() {
			continue
		}
		for _, b := range bs.Slice() {
			rep.Bindings[op] = append(rep.Bindings[op], b.String())
		}
	}

	for _, ft := range desc.FeatureTypes() {
		ftr, err := featureTypeReport(ctx, schema, s, ft)
		if err != nil {
			return nil, err
		}
		rep.FeatureTypes = append(rep.FeatureTypes, ftr)
	}
	return rep, nil
}

func featureTypeReport(ctx context.Context, schema *appschema.Schema, s *sampler.Sampler, ft xml.Name) (FeatureTypeReport, error) {
	info := s.FeatureTypeInfo()[ft]
	out := FeatureTypeReport{
		Name:         xmldoc.String(ft),
		DefaultCRS:   info.DefaultCRS(),
		Instantiated: info.Instantiated,
	}
	for _, a := range s.Attempts(ft) {
		ar := AttemptReport{Binding: a.Binding.String(), Outcome: string(a.Outcome)}
		if a.Err != nil {
			ar.Error = a.Err.Error()
		}
		out.Attempts = append(out.Attempts, ar)
	}
	if !info.Instantiated {
		return out, nil
	}

	env, err := s.SpatialExtent(ctx, schema, ft)
	if err != nil {
		return out, err
	}
	if env != nil {
		out.Extent = &EnvelopeReport{CRS: env.CRS, Lower: env.Lower, Upper: env.Upper}
	}

	for _, decl := range schema.TemporalProperties(ft) {
		p, err := s.TemporalExtentOfProperty(ctx, schema, ft, decl)
		if err != nil {
			return out, err
		}
		if p != nil {
			out.Temporal = append(out.Temporal, TemporalReport{
				Property: xmldoc.String(decl.Name), Begin: p.Begin, End: p.End,
			})
		}
	}

	nillable, err := s.NillableInstantiatedProperties(ctx, schema, ft)
	if err != nil {
		return out, err
	}
	for _, n := range nillable {
		out.Nillable = append(out.Nillable, xmldoc.String(n))
	}

	out.SampleIDs = s.SelectRandomIdentifiers(ft, sampleIDCount)
	sort.Strings(out.SampleIDs)

	// first value of each simple property, as a hint for filter tests
	for _, decl := range schema.SimpleFeatureProperties(ft) {
		if vals := s.SimplePropertyValues(ft, decl.Name, ""); len(vals) > 0 {
			if out.Simple == nil {
				out.Simple = map[string]string{}
			}
			out.Simple[xmldoc.String(decl.Name)] = vals[0]
		}
	}
	return out, nil
}
