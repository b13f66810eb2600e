// Package temporal parses temporal property values found in feature data
// into instants and periods and computes their extent.
package temporal

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
	"time"

	"aqwari.net/xml/xmltree"

	"github.com/opengeospatial/ets-wfs20/internal/core/xmldoc"
)

const nsGML = "http://www.opengis.net/gml/3.2"

var ErrUnsupportedType = errors.New("unsupported temporal datatype")

// Primitive is a temporal geometric primitive: an instant or a period.
type Primitive interface {
	Bounds() (begin, end time.Time)
}

type Instant struct {
	Time time.Time
}

func (i Instant) Bounds() (time.Time, time.Time) { return i.Time, i.Time }

func (i Instant) String() string { return i.Time.Format(time.RFC3339Nano) }

// Period is a closed interval.
type Period struct {
	Begin time.Time
	End   time.Time
}

func (p Period) Bounds() (time.Time, time.Time) { return p.Begin, p.End }

func (p Period) Duration() time.Duration { return p.End.Sub(p.Begin) }

func (p Period) String() string {
	return p.Begin.Format(time.RFC3339Nano) + "/" + p.End.Format(time.RFC3339Nano)
}

// Extent returns the smallest period covering every primitive, or nil if
// there are none.
func Extent(prims ...Primitive) *Period {
	var out *Period
	for _, p := range prims {
		if p == nil {
			continue
		}
		b, e := p.Bounds()
		if out == nil {
			out = &Period{Begin: b, End: e}
			continue
		}
		if b.Before(out.Begin) {
			out.Begin = b
		}
		if e.After(out.End) {
			out.End = e
		}
	}
	return out
}

// Split divides a period into n contiguous sub-periods of equal length.
func Split(p Period, n int) []Period {
	if n < 1 {
		return nil
	}
	step := p.Duration() / time.Duration(n)
	out := make([]Period, n)
	begin := p.Begin
	for i := range out {
		end := begin.Add(step)
		if i == n-1 {
			end = p.End
		}
		out[i] = Period{Begin: begin, End: end}
		begin = end
	}
	return out
}

// ParseValue parses a simple temporal value according to its built-in XML
// Schema datatype: dateTime yields an instant, date, gYearMonth and gYear a
// period covering the whole day, month or year. Values without a time zone
// are taken in local time.
func ParseValue(value string, builtin xml.Name) (Primitive, error) {
	value = strings.TrimSpace(value)
	switch builtin.Local {
	case "dateTime":
		t, err := parseDateTime(value)
		if err != nil {
			return nil, err
		}
		return Instant{Time: t}, nil
	case "date":
		start, err := parseZoned(value, "2006-01-02")
		if err != nil {
			return nil, err
		}
		return wholePeriod(start, start.AddDate(0, 0, 1)), nil
	case "gYearMonth":
		start, err := parseZoned(value, "2006-01")
		if err != nil {
			return nil, err
		}
		return wholePeriod(start, start.AddDate(0, 1, 0)), nil
	case "gYear":
		start, err := parseZoned(value, "2006")
		if err != nil {
			return nil, err
		}
		return wholePeriod(start, start.AddDate(1, 0, 0)), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, builtin.Local)
}

// the period is top-open: it ends one millisecond before the next unit
func wholePeriod(start, next time.Time) Period {
	return Period{Begin: start, End: next.Add(-time.Millisecond)}
}

func parseDateTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02T15:04:05", v, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid dateTime %q", v)
	}
	return t, nil
}

func parseZoned(v, layout string) (time.Time, error) {
	for _, zone := range []string{"Z07:00", "Z0700"} {
		if t, err := time.Parse(layout+zone, v); err == nil {
			return t, nil
		}
	}
	t, err := time.ParseInLocation(layout, v, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid value %q for layout %s", v, layout)
	}
	return t, nil
}

// parsePosition reads a gml:timePosition, trying the most specific form
// first.
func parsePosition(v string) (Primitive, error) {
	for _, local := range []string{"dateTime", "date", "gYearMonth", "gYear"} {
		if p, err := ParseValue(v, xml.Name{Local: local}); err == nil {
			return p, nil
		}
	}
	return nil, fmt.Errorf("invalid time position %q", v)
}

// FromGML converts a gml:TimeInstant or gml:TimePeriod element.
func FromGML(el *xmltree.Element) (Primitive, error) {
	if el == nil || el.Name.Space != nsGML {
		return nil, errors.New("not a GML temporal primitive")
	}
	switch el.Name.Local {
	case "TimeInstant":
		pos := xmldoc.Child(el, nsGML, "timePosition")
		if pos == nil {
			return nil, errors.New("TimeInstant without timePosition")
		}
		return parsePosition(xmldoc.TrimmedText(pos))
	case "TimePeriod":
		begin, err := periodBound(el, "begin")
		if err != nil {
			return nil, err
		}
		end, err := periodBound(el, "end")
		if err != nil {
			return nil, err
		}
		b, _ := begin.Bounds()
		_, e := end.Bounds()
		if e.Before(b) {
			return nil, fmt.Errorf("TimePeriod ends before it begins")
		}
		return Period{Begin: b, End: e}, nil
	}
	return nil, fmt.Errorf("unsupported GML temporal primitive %s", el.Name.Local)
}

// periodBound reads gml:beginPosition or gml:begin/gml:TimeInstant.
func periodBound(period *xmltree.Element, which string) (Primitive, error) {
	if pos := xmldoc.Child(period, nsGML, which+"Position"); pos != nil {
		return parsePosition(xmldoc.TrimmedText(pos))
	}
	if wrap := xmldoc.Child(period, nsGML, which); wrap != nil {
		return FromGML(xmldoc.Child(wrap, nsGML, "TimeInstant"))
	}
	return nil, fmt.Errorf("TimePeriod without %s", which)
}

// IntervalAsGML renders a gml:TimePeriod with UTC begin and end positions.
func IntervalAsGML(begin, end time.Time) *xmldoc.Node {
	id := fmt.Sprintf("TP-%d", begin.Unix())
	return xmldoc.Elem(nsGML, "TimePeriod",
		xmldoc.Elem(nsGML, "beginPosition").SetText(begin.UTC().Format(time.RFC3339Nano)),
		xmldoc.Elem(nsGML, "endPosition").SetText(end.UTC().Format(time.RFC3339Nano)),
	).Declare("gml", nsGML).SetAttr(nsGML, "id", id)
}

func PeriodAsGML(p Period) *xmldoc.Node {
	return IntervalAsGML(p.Begin, p.End)
}

func InstantAsGML(i Instant) *xmldoc.Node {
	id := fmt.Sprintf("TI-%d", i.Time.Unix())
	return xmldoc.Elem(nsGML, "TimeInstant",
		xmldoc.Elem(nsGML, "timePosition").SetText(i.Time.UTC().Format(time.RFC3339Nano)),
	).Declare("gml", nsGML).SetAttr(nsGML, "id", id)
}
