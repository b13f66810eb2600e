package sampler

import (
	"context"
	"encoding/xml"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/opengeospatial/ets-wfs20/internal/appschema"
	"github.com/opengeospatial/ets-wfs20/internal/core/capabilities"
	"github.com/opengeospatial/ets-wfs20/internal/core/ogc"
	"github.com/opengeospatial/ets-wfs20/internal/core/transport"
	"github.com/opengeospatial/ets-wfs20/internal/core/wfsclient"
	"github.com/opengeospatial/ets-wfs20/internal/core/xmldoc"
	"github.com/opengeospatial/ets-wfs20/internal/fakewfs"
)

const tn = "http://example.org/transport"

var (
	road   = xml.Name{Space: tn, Local: "Road"}
	bridge = xml.Name{Space: tn, Local: "Bridge"}
)

var roads = []string{
	`<tn:Road gml:id="r1"><tn:name>Main</tn:name><tn:opened>2020-03-01</tn:opened>` +
		`<tn:inspected><gml:TimeInstant gml:id="t1"><gml:timePosition>2021-06-01T10:00:00Z</gml:timePosition></gml:TimeInstant></tn:inspected>` +
		`<tn:centreline><gml:LineString gml:id="l1" srsName="urn:ogc:def:crs:EPSG::4326"><gml:posList>59 18 60 19</gml:posList></gml:LineString></tn:centreline></tn:Road>`,
	`<tn:Road gml:id="r2"><tn:name>High</tn:name><tn:opened>2019-01-15</tn:opened>` +
		`<tn:centreline><gml:LineString gml:id="l2" srsName="urn:ogc:def:crs:EPSG::4326"><gml:posList>58 17 59.5 18.5</gml:posList></gml:LineString></tn:centreline></tn:Road>`,
	`<tn:Road gml:id="r3"><tn:name xsi:nil="true"/><tn:opened>not-a-date</tn:opened></tn:Road>`,
}

type fixture struct {
	srv     *fakewfs.Server
	desc    *capabilities.ServiceDescription
	client  *wfsclient.Client
	schema  *appschema.Schema
	tempDir string
}

func newFixture(t *testing.T, opts fakewfs.Options) *fixture {
	t.Helper()
	opts.Namespace = tn
	if opts.Types == nil {
		opts.Types = []string{"Road", "Bridge"}
	}
	if opts.Features == nil {
		opts.Features = map[string][]string{"Road": roads}
	}
	srv := fakewfs.New(opts)
	t.Cleanup(srv.Close)

	desc, err := capabilities.Parse([]byte(srv.Capabilities()))
	if err != nil {
		t.Fatalf("capabilities: %v", err)
	}
	xsd, err := os.ReadFile(filepath.Join("testdata", "roads.xsd"))
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	schema, err := appschema.Load(xsd)
	if err != nil {
		t.Fatalf("load schema: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr := transport.New(logger, srv.Client(), 2*time.Second)
	return &fixture{
		srv:     srv,
		desc:    desc,
		client:  wfsclient.New(logger, desc, tr),
		schema:  schema,
		tempDir: t.TempDir(),
	}
}

func (f *fixture) sampler(opts ...Option) *Sampler {
	return New(f.desc, f.client, append([]Option{WithTempDir(f.tempDir)}, opts...)...)
}

func acquire(t *testing.T, s *Sampler) *SampleSet {
	t.Helper()
	set, err := s.AcquireFeatureData(context.Background())
	if err != nil {
		t.Fatalf("AcquireFeatureData: %v", err)
	}
	t.Cleanup(func() { _ = set.Close() })
	return set
}

func outcomes(as []Attempt) []string {
	out := make([]string, 0, len(as))
	for _, a := range as {
		out = append(out, a.Binding.String()+":"+string(a.Outcome))
	}
	return out
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestAcquire_TriesBindingsInPreferenceOrder(t *testing.T) {
	f := newFixture(t, fakewfs.Options{Empty: []ogc.ProtocolBinding{ogc.POST}})
	s := f.sampler()
	set := acquire(t, s)

	if diff := cmp.Diff([]string{"POST:empty", "SOAP:features"}, outcomes(s.Attempts(road))); diff != "" {
		t.Fatalf("Road attempts (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"POST:empty", "SOAP:empty", "GET:empty"}, outcomes(s.Attempts(bridge))); diff != "" {
		t.Fatalf("Bridge attempts (-want +got):\n%s", diff)
	}

	infos := s.FeatureTypeInfo()
	if !infos[road].Instantiated || infos[bridge].Instantiated {
		t.Fatalf("instantiated: road=%t bridge=%t", infos[road].Instantiated, infos[bridge].Instantiated)
	}
	path, ok := set.Path(road)
	if !ok || path != infos[road].SampleData {
		t.Fatalf("sample path %q (ok=%t) want %q", path, ok, infos[road].SampleData)
	}
	if filepath.Dir(path) != f.tempDir || !strings.HasPrefix(filepath.Base(path), "Road-") {
		t.Fatalf("unexpected sample file %s", path)
	}
	if _, ok := set.Path(bridge); ok {
		t.Fatalf("uninstantiated type has a sample file")
	}
}

func TestAcquire_UnreachableBindingIsRecorded(t *testing.T) {
	f := newFixture(t, fakewfs.Options{Unreachable: []ogc.ProtocolBinding{ogc.POST}})
	s := f.sampler()
	acquire(t, s)

	attempts := s.Attempts(road)
	if diff := cmp.Diff([]string{"POST:unreachable", "SOAP:features"}, outcomes(attempts)); diff != "" {
		t.Fatalf("Road attempts (-want +got):\n%s", diff)
	}
	var te *transport.Error
	if !errors.As(attempts[0].Err, &te) || te.Binding != ogc.POST {
		t.Fatalf("unreachable attempt err=%v want *transport.Error", attempts[0].Err)
	}
}

func TestSampleSetClose_RemovesFiles(t *testing.T) {
	f := newFixture(t, fakewfs.Options{})
	s := f.sampler()
	set, err := s.AcquireFeatureData(context.Background())
	if err != nil {
		t.Fatalf("AcquireFeatureData: %v", err)
	}
	if n := len(dirEntries(t, f.tempDir)); n != 1 {
		t.Fatalf("%d sample files want 1", n)
	}
	if err := set.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := dirEntries(t, f.tempDir); len(got) != 0 {
		t.Fatalf("files left after Close: %v", got)
	}
	if err := set.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if ids := s.SelectRandomIdentifiers(road, 5); ids != nil {
		t.Fatalf("released sample still answers: %v", ids)
	}
}

// cancelOnCall cancels the run when the given request is about to be sent.
type cancelOnCall struct {
	base   http.RoundTripper
	on     int32
	calls  atomic.Int32
	cancel context.CancelFunc
}

func (c *cancelOnCall) RoundTrip(r *http.Request) (*http.Response, error) {
	if c.calls.Add(1) == c.on {
		c.cancel()
		return nil, context.Canceled
	}
	return c.base.RoundTrip(r)
}

func TestAcquire_CancelReleasesPartialSet(t *testing.T) {
	f := newFixture(t, fakewfs.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hc := &http.Client{Transport: &cancelOnCall{base: f.srv.Client().Transport, on: 2, cancel: cancel}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := wfsclient.New(logger, f.desc, transport.New(logger, hc, 2*time.Second))
	s := New(f.desc, client, WithTempDir(f.tempDir))

	set, err := s.AcquireFeatureData(ctx)
	if !errors.Is(err, context.Canceled) || set != nil {
		t.Fatalf("got set=%v err=%v want context.Canceled", set, err)
	}
	if !strings.Contains(err.Error(), "Bridge") {
		t.Fatalf("error does not name the feature type: %v", err)
	}
	if got := dirEntries(t, f.tempDir); len(got) != 0 {
		t.Fatalf("partial sample not released: %v", got)
	}
}

func TestAcquire_SampleFileErrorAborts(t *testing.T) {
	f := newFixture(t, fakewfs.Options{})
	s := New(f.desc, f.client, WithTempDir(filepath.Join(f.tempDir, "missing")))
	if _, err := s.AcquireFeatureData(context.Background()); err == nil || !strings.Contains(err.Error(), "sample file") {
		t.Fatalf("err=%v want sample file error", err)
	}
}

func TestSelectRandomIdentifiers(t *testing.T) {
	f := newFixture(t, fakewfs.Options{})
	s := f.sampler()
	acquire(t, s)

	all := map[string]bool{"r1": true, "r2": true, "r3": true}
	for _, n := range []int{1, 2, 3, 10} {
		ids := s.SelectRandomIdentifiers(road, n)
		want := min(n, len(all))
		if len(ids) != want {
			t.Fatalf("n=%d: got %d ids want %d", n, len(ids), want)
		}
		seen := map[string]bool{}
		for _, id := range ids {
			if !all[id] || seen[id] {
				t.Fatalf("n=%d: unexpected or duplicate id %q in %v", n, id, ids)
			}
			seen[id] = true
		}
	}
	if ids := s.SelectRandomIdentifiers(road, 0); len(ids) != 0 {
		t.Fatalf("n=0 got %v", ids)
	}
	if ids := s.SelectRandomIdentifiers(bridge, 3); len(ids) != 0 {
		t.Fatalf("uninstantiated type got %v", ids)
	}
}

func TestBareFeatureSampleIsOneInstance(t *testing.T) {
	f := newFixture(t, fakewfs.Options{Bare: true})
	s := f.sampler()
	acquire(t, s)

	if got := outcomes(s.Attempts(road)); !cmp.Equal(got, []string{"POST:features"}) {
		t.Fatalf("attempts %v", got)
	}
	if diff := cmp.Diff([]string{"r1"}, s.SelectRandomIdentifiers(road, 5)); diff != "" {
		t.Fatalf("ids (-want +got):\n%s", diff)
	}
	if id := s.FeatureID(road, true); id != "r1" {
		t.Fatalf("FeatureID got %q want r1", id)
	}
	if s.FeatureByID("r1") == nil {
		t.Fatalf("FeatureByID(r1) not found")
	}
	if diff := cmp.Diff([]string{"Main"}, s.SimplePropertyValues(road, xml.Name{Space: tn, Local: "name"}, "")); diff != "" {
		t.Fatalf("values (-want +got):\n%s", diff)
	}
}

func TestSimplePropertyValues(t *testing.T) {
	f := newFixture(t, fakewfs.Options{})
	s := f.sampler()
	acquire(t, s)
	name := xml.Name{Space: tn, Local: "name"}

	if diff := cmp.Diff([]string{"Main", "High"}, s.SimplePropertyValues(road, name, "")); diff != "" {
		t.Fatalf("all values (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"High"}, s.SimplePropertyValues(road, name, "r2")); diff != "" {
		t.Fatalf("r2 values (-want +got):\n%s", diff)
	}
	if got := s.SimplePropertyValues(road, name, "r3"); len(got) != 0 {
		t.Fatalf("nil value returned: %v", got)
	}
}

func temporalDecl(t *testing.T, schema *appschema.Schema, local string) *appschema.ElementDecl {
	t.Helper()
	for _, d := range schema.TemporalProperties(road) {
		if d.Name.Local == local {
			return d
		}
	}
	t.Fatalf("no temporal property %s", local)
	return nil
}

func TestTemporalExtentOfProperty_SimpleValues(t *testing.T) {
	f := newFixture(t, fakewfs.Options{})
	s := f.sampler()
	set := acquire(t, s)
	ctx := context.Background()
	opened := temporalDecl(t, f.schema, "opened")

	got, err := s.TemporalExtentOfProperty(ctx, f.schema, road, opened)
	if err != nil {
		t.Fatalf("TemporalExtentOfProperty: %v", err)
	}
	begin := time.Date(2019, 1, 15, 0, 0, 0, 0, time.Local)
	end := time.Date(2020, 3, 2, 0, 0, 0, 0, time.Local).Add(-time.Millisecond)
	if got == nil || !got.Begin.Equal(begin) || !got.End.Equal(end) {
		t.Fatalf("extent got %v want %s/%s", got, begin, end)
	}

	// the cached period survives the sample file
	path, _ := set.Path(road)
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove sample: %v", err)
	}
	again, err := s.TemporalExtentOfProperty(ctx, f.schema, road, opened)
	if err != nil || again != got {
		t.Fatalf("second call got %p (%v) want cached %p", again, err, got)
	}
}

func TestTemporalExtentOfProperty_GMLInstant(t *testing.T) {
	f := newFixture(t, fakewfs.Options{})
	s := f.sampler()
	acquire(t, s)

	got, err := s.TemporalExtentOfProperty(context.Background(), f.schema, road, temporalDecl(t, f.schema, "inspected"))
	if err != nil {
		t.Fatalf("TemporalExtentOfProperty: %v", err)
	}
	want := time.Date(2021, 6, 1, 10, 0, 0, 0, time.UTC)
	if got == nil || !got.Begin.Equal(want) || !got.End.Equal(want) {
		t.Fatalf("extent got %v want instant %s", got, want)
	}
}

func TestTemporalExtentOfProperty_ConcurrentCallersShareResult(t *testing.T) {
	f := newFixture(t, fakewfs.Options{})
	s := f.sampler()
	acquire(t, s)
	opened := temporalDecl(t, f.schema, "opened")

	const n = 8
	var wg sync.WaitGroup
	results := make([]any, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := s.TemporalExtentOfProperty(context.Background(), f.schema, road, opened)
			if err != nil {
				t.Errorf("call %d: %v", i, err)
			}
			results[i] = p
		}(i)
	}
	wg.Wait()
	for i := 1; i < n; i++ {
		if results[i] != results[0] {
			t.Fatalf("call %d returned a different period", i)
		}
	}
}

func TestSpatialExtent(t *testing.T) {
	f := newFixture(t, fakewfs.Options{})
	s := f.sampler()
	acquire(t, s)

	env, err := s.SpatialExtent(context.Background(), f.schema, road)
	if err != nil {
		t.Fatalf("SpatialExtent: %v", err)
	}
	if env == nil {
		t.Fatalf("no extent")
	}
	if diff := cmp.Diff([]float64{58, 17}, env.Lower); diff != "" {
		t.Fatalf("lower (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{60, 19}, env.Upper); diff != "" {
		t.Fatalf("upper (-want +got):\n%s", diff)
	}
	if got := s.FeatureTypeInfo()[road].GeoExtent(); got.Lower[0] != 58 {
		t.Fatalf("feature type extent not updated: %v", got)
	}

	none, err := s.SpatialExtent(context.Background(), f.schema, bridge)
	if err != nil || none != nil {
		t.Fatalf("uninstantiated type got %v, %v", none, err)
	}
}

func TestNillableInstantiatedProperties(t *testing.T) {
	f := newFixture(t, fakewfs.Options{})
	s := f.sampler()
	acquire(t, s)

	got, err := s.NillableInstantiatedProperties(context.Background(), f.schema, road)
	if err != nil {
		t.Fatalf("NillableInstantiatedProperties: %v", err)
	}
	if diff := cmp.Diff([]xml.Name{{Space: tn, Local: "name"}}, got); diff != "" {
		t.Fatalf("nillable (-want +got):\n%s", diff)
	}
}

func TestFeatureLookup(t *testing.T) {
	f := newFixture(t, fakewfs.Options{})
	s := f.sampler()
	acquire(t, s)

	feat := s.FeatureByID("r2")
	if feat == nil || xmldoc.TrimmedText(xmldoc.Child(feat, tn, "name")) != "High" {
		t.Fatalf("FeatureByID(r2) got %v", feat)
	}
	if s.FeatureByID("nope") != nil {
		t.Fatalf("unknown id found")
	}
	if id := s.FeatureID(road, true); id != "r1" {
		t.Fatalf("FeatureID(road, true) got %q", id)
	}
	if id := s.FeatureID(road, false); id != "" {
		t.Fatalf("FeatureID(road, false) got %q want none", id)
	}
}

func TestMissingSampleFileIsNoData(t *testing.T) {
	f := newFixture(t, fakewfs.Options{})
	s := f.sampler(WithDocCacheSize(1))
	set := acquire(t, s)
	path, _ := set.Path(road)
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	s.docs.Purge()

	if got := s.SimplePropertyValues(road, xml.Name{Space: tn, Local: "name"}, ""); got != nil {
		t.Fatalf("values from removed sample: %v", got)
	}
	if s.FeatureByID("r1") != nil {
		t.Fatalf("feature from removed sample")
	}
}

func TestDeleteData(t *testing.T) {
	f := newFixture(t, fakewfs.Options{Types: []string{"Road", "Bridge"}, Features: map[string][]string{
		"Road":   roads,
		"Bridge": {`<tn:Bridge gml:id="b1"><tn:span>120.5</tn:span></tn:Bridge>`},
	}})
	s := f.sampler()
	acquire(t, s)

	files := dirEntries(t, f.tempDir)
	sort.Strings(files)
	if len(files) != 2 || !strings.HasPrefix(files[0], "Bridge-") || !strings.HasPrefix(files[1], "Road-") {
		t.Fatalf("sample files %v", files)
	}
	if !s.DeleteData() {
		t.Fatalf("DeleteData reported failure")
	}
	if got := dirEntries(t, f.tempDir); len(got) != 0 {
		t.Fatalf("files left: %v", got)
	}
	if id := s.FeatureID(road, false); id != "" {
		t.Fatalf("deleted sample still answers: %q", id)
	}
}
