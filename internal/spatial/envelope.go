// Package spatial computes bounding envelopes of GML geometries found in
// sampled feature data.
package spatial

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"aqwari.net/xml/xmltree"

	"github.com/opengeospatial/ets-wfs20/internal/core/xmldoc"
)

const nsGML = "http://www.opengis.net/gml/3.2"

var ErrNoCoordinates = errors.New("no coordinates found")

// Envelope is an axis-aligned bounding box in some CRS. Lower and Upper have
// the same dimension and follow the axis order of the CRS.
type Envelope struct {
	CRS   string
	Lower []float64
	Upper []float64
}

func (e *Envelope) Dimension() int {
	if e == nil {
		return 0
	}
	return len(e.Lower)
}

// Include grows the envelope to cover a position. The first position fixes
// the dimension; positions of another dimension are ignored.
func (e *Envelope) Include(pos []float64) {
	if len(pos) == 0 {
		return
	}
	if len(e.Lower) == 0 {
		e.Lower = append([]float64(nil), pos...)
		e.Upper = append([]float64(nil), pos...)
		return
	}
	if len(pos) != len(e.Lower) {
		return
	}
	for i, v := range pos {
		e.Lower[i] = math.Min(e.Lower[i], v)
		e.Upper[i] = math.Max(e.Upper[i], v)
	}
}

// Union returns an envelope covering both e and o. Envelopes in different
// CRSs cannot be combined.
func (e *Envelope) Union(o *Envelope) (*Envelope, error) {
	if o == nil || o.Dimension() == 0 {
		return e, nil
	}
	if e == nil || e.Dimension() == 0 {
		return o, nil
	}
	if e.CRS != o.CRS {
		return nil, fmt.Errorf("union of envelopes in %q and %q", e.CRS, o.CRS)
	}
	out := &Envelope{CRS: e.CRS}
	out.Include(e.Lower)
	out.Include(e.Upper)
	out.Include(o.Lower)
	out.Include(o.Upper)
	return out, nil
}

func (e *Envelope) String() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s [%s, %s]", e.CRS, joinFloats(e.Lower), joinFloats(e.Upper))
}

// AsGML renders the envelope as a gml:Envelope element.
func (e *Envelope) AsGML() *xmldoc.Node {
	env := xmldoc.Elem(nsGML, "Envelope").Declare("gml", nsGML)
	if e.CRS != "" {
		env.SetAttr("", "srsName", e.CRS)
	}
	env.Append(
		xmldoc.Elem(nsGML, "lowerCorner").SetText(joinFloats(e.Lower)),
		xmldoc.Elem(nsGML, "upperCorner").SetText(joinFloats(e.Upper)),
	)
	return env
}

func joinFloats(fs []float64) string {
	parts := make([]string, len(fs))
	for i, f := range fs {
		parts[i] = strconv.FormatFloat(f, 'f', -1, 64)
	}
	return strings.Join(parts, " ")
}

// DomainOfValidity returns the area of use of a few well-known CRSs, used as
// the extent of feature types without data. Unknown CRSs yield nil.
func DomainOfValidity(crs string) *Envelope {
	code := normalizeCRS(crs)
	switch code {
	case "EPSG:4326":
		return &Envelope{CRS: crs, Lower: []float64{-90, -180}, Upper: []float64{90, 180}}
	case "CRS84":
		return &Envelope{CRS: crs, Lower: []float64{-180, -90}, Upper: []float64{180, 90}}
	case "EPSG:3857":
		return &Envelope{CRS: crs, Lower: []float64{-20037508.34, -20048966.1}, Upper: []float64{20037508.34, 20048966.1}}
	}
	return nil
}

func normalizeCRS(crs string) string {
	s := strings.TrimSpace(crs)
	switch {
	case strings.HasSuffix(s, "CRS84"):
		return "CRS84"
	case strings.HasPrefix(s, "urn:ogc:def:crs:EPSG::"):
		return "EPSG:" + strings.TrimPrefix(s, "urn:ogc:def:crs:EPSG::")
	case strings.HasPrefix(s, "http://www.opengis.net/def/crs/EPSG/0/"):
		return "EPSG:" + strings.TrimPrefix(s, "http://www.opengis.net/def/crs/EPSG/0/")
	case strings.HasPrefix(s, "http://www.opengis.net/gml/srs/epsg.xml#"):
		return "EPSG:" + strings.TrimPrefix(s, "http://www.opengis.net/gml/srs/epsg.xml#")
	}
	return strings.ToUpper(s)
}

// FromGeometries computes the envelope of a set of GML geometry elements.
// The CRS of the first geometry that declares one applies; geometries in a
// different CRS are skipped.
func FromGeometries(geoms []*xmltree.Element) (*Envelope, error) {
	var env *Envelope
	for _, g := range geoms {
		ge, err := FromGeometry(g)
		if err != nil {
			continue
		}
		if env == nil {
			env = ge
			continue
		}
		switch {
		case ge.CRS == "":
			ge.CRS = env.CRS
		case env.CRS == "":
			env.CRS = ge.CRS
		case ge.CRS != env.CRS:
			continue
		}
		if u, err := env.Union(ge); err == nil {
			env = u
		}
	}
	if env == nil {
		return nil, ErrNoCoordinates
	}
	return env, nil
}

// FromGeometry computes the envelope of a single GML geometry.
func FromGeometry(g *xmltree.Element) (*Envelope, error) {
	if g == nil {
		return nil, ErrNoCoordinates
	}
	env := &Envelope{CRS: g.Attr("", "srsName")}
	dim := atoiOr(g.Attr("", "srsDimension"), 2)

	var walk func(el *xmltree.Element, dim int) error
	walk = func(el *xmltree.Element, dim int) error {
		if el.Name.Space == nsGML {
			if env.CRS == "" {
				env.CRS = el.Attr("", "srsName")
			}
			dim = atoiOr(el.Attr("", "srsDimension"), dim)
			switch el.Name.Local {
			case "pos", "lowerCorner", "upperCorner":
				pos, err := parseFloats(xmldoc.TrimmedText(el))
				if err != nil {
					return err
				}
				env.Include(pos)
				return nil
			case "posList":
				vals, err := parseFloats(xmldoc.TrimmedText(el))
				if err != nil {
					return err
				}
				if dim <= 0 || len(vals)%dim != 0 {
					return fmt.Errorf("posList of %d values is not a multiple of dimension %d", len(vals), dim)
				}
				for i := 0; i < len(vals); i += dim {
					env.Include(vals[i : i+dim])
				}
				return nil
			case "coordinates":
				return parseCoordinates(el, env)
			}
		}
		for i := range el.Children {
			if err := walk(&el.Children[i], dim); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(g, dim); err != nil {
		return nil, fmt.Errorf("geometry %s: %w", g.Name.Local, err)
	}
	if env.Dimension() == 0 {
		return nil, ErrNoCoordinates
	}
	return env, nil
}

// gml:coordinates with its cs, ts and decimal separators
func parseCoordinates(el *xmltree.Element, env *Envelope) error {
	cs := valueOr(el.Attr("", "cs"), ",")
	ts := valueOr(el.Attr("", "ts"), " ")
	dec := valueOr(el.Attr("", "decimal"), ".")
	text := xmldoc.TrimmedText(el)
	tuples := strings.Split(text, ts)
	if ts == " " {
		tuples = strings.Fields(text)
	}
	for _, tuple := range tuples {
		tuple = strings.TrimSpace(tuple)
		if tuple == "" {
			continue
		}
		parts := strings.Split(tuple, cs)
		pos := make([]float64, 0, len(parts))
		for _, p := range parts {
			if dec != "." {
				p = strings.ReplaceAll(p, dec, ".")
			}
			f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return fmt.Errorf("coordinate %q: %w", p, err)
			}
			pos = append(pos, f)
		}
		env.Include(pos)
	}
	return nil
}

func parseFloats(s string) ([]float64, error) {
	fields := strings.Fields(s)
	out := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("coordinate %q: %w", f, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func atoiOr(s string, def int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil && n > 0 {
		return n
	}
	return def
}

func valueOr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
