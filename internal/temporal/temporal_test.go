package temporal

import (
	"encoding/xml"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/opengeospatial/ets-wfs20/internal/core/xmldoc"
)

func builtin(local string) xml.Name {
	return xml.Name{Space: "http://www.w3.org/2001/XMLSchema", Local: local}
}

func TestParseValue_DateTime(t *testing.T) {
	p, err := ParseValue("2016-02-29T12:30:00.250Z", builtin("dateTime"))
	if err != nil {
		t.Fatalf("ParseValue: %v", err)
	}
	inst, ok := p.(Instant)
	if !ok {
		t.Fatalf("got %T want Instant", p)
	}
	want := time.Date(2016, 2, 29, 12, 30, 0, 250e6, time.UTC)
	if !inst.Time.Equal(want) {
		t.Fatalf("got %v want %v", inst.Time, want)
	}
}

func TestParseValue_DateTimeWithoutZoneIsLocal(t *testing.T) {
	p, err := ParseValue("2016-02-29T12:30:00", builtin("dateTime"))
	if err != nil {
		t.Fatalf("ParseValue: %v", err)
	}
	want := time.Date(2016, 2, 29, 12, 30, 0, 0, time.Local)
	if got := p.(Instant).Time; !got.Equal(want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestParseValue_DateIsWholeDay(t *testing.T) {
	p, err := ParseValue("2016-02-29Z", builtin("date"))
	if err != nil {
		t.Fatalf("ParseValue: %v", err)
	}
	per := p.(Period)
	if !per.Begin.Equal(time.Date(2016, 2, 29, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("begin got %v", per.Begin)
	}
	if !per.End.Equal(time.Date(2016, 2, 29, 23, 59, 59, 999e6, time.UTC)) {
		t.Fatalf("end got %v", per.End)
	}
}

func TestParseValue_YearAndMonth(t *testing.T) {
	p, err := ParseValue("2015-12Z", builtin("gYearMonth"))
	if err != nil {
		t.Fatalf("gYearMonth: %v", err)
	}
	if _, end := p.Bounds(); end.Month() != time.December || end.Day() != 31 {
		t.Fatalf("gYearMonth end got %v", end)
	}
	p, err = ParseValue("2015Z", builtin("gYear"))
	if err != nil {
		t.Fatalf("gYear: %v", err)
	}
	if b, e := p.Bounds(); b.Year() != 2015 || e.Year() != 2015 || e.YearDay() != 365 {
		t.Fatalf("gYear got %v/%v", b, e)
	}
}

func TestParseValue_Errors(t *testing.T) {
	if _, err := ParseValue("yesterday", builtin("dateTime")); err == nil {
		t.Fatalf("expected error for invalid dateTime")
	}
	if _, err := ParseValue("12:00:00", builtin("time")); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("err=%v want ErrUnsupportedType", err)
	}
}

func TestFromGML(t *testing.T) {
	doc := `<c xmlns:gml="http://www.opengis.net/gml/3.2">
  <gml:TimeInstant gml:id="t1"><gml:timePosition>2010-06-01T00:00:00Z</gml:timePosition></gml:TimeInstant>
  <gml:TimePeriod gml:id="t2">
    <gml:beginPosition>2010-01-01T00:00:00Z</gml:beginPosition>
    <gml:endPosition>2010-03-01</gml:endPosition>
  </gml:TimePeriod>
  <gml:TimePeriod gml:id="t3">
    <gml:begin><gml:TimeInstant gml:id="t4"><gml:timePosition>2011</gml:timePosition></gml:TimeInstant></gml:begin>
    <gml:end><gml:TimeInstant gml:id="t5"><gml:timePosition>2012-01-01T00:00:00Z</gml:timePosition></gml:TimeInstant></gml:end>
  </gml:TimePeriod>
</c>`
	root, err := xmldoc.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	var prims []Primitive
	for i := range root.Children {
		p, err := FromGML(&root.Children[i])
		if err != nil {
			t.Fatalf("FromGML %s: %v", root.Children[i].Name.Local, err)
		}
		prims = append(prims, p)
	}
	if _, ok := prims[0].(Instant); !ok {
		t.Fatalf("first got %T want Instant", prims[0])
	}
	ext := Extent(prims...)
	if !ext.Begin.Equal(time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("extent begin got %v", ext.Begin)
	}
	if !ext.End.Equal(time.Date(2012, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("extent end got %v", ext.End)
	}
}

func TestExtent_Empty(t *testing.T) {
	if Extent() != nil {
		t.Fatalf("empty extent should be nil")
	}
}

func TestSplit(t *testing.T) {
	begin := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	parts := Split(Period{Begin: begin, End: begin.Add(4 * time.Hour)}, 2)
	if len(parts) != 2 || !parts[0].End.Equal(begin.Add(2*time.Hour)) || !parts[1].Begin.Equal(parts[0].End) {
		t.Fatalf("Split got %v", parts)
	}
}

func TestPeriodAsGML(t *testing.T) {
	begin := time.Date(2020, 1, 1, 0, 0, 0, 0, time.FixedZone("CET", 3600))
	got := string(xmldoc.Marshal(PeriodAsGML(Period{Begin: begin, End: begin.Add(time.Hour)})))
	for _, want := range []string{
		"<gml:beginPosition>2019-12-31T23:00:00Z</gml:beginPosition>",
		"<gml:endPosition>2020-01-01T00:00:00Z</gml:endPosition>",
		`gml:id="TP-`,
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("PeriodAsGML %s missing %s", got, want)
		}
	}
}
