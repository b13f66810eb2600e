package suite

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opengeospatial/ets-wfs20/internal/core/config"
	"github.com/opengeospatial/ets-wfs20/internal/core/ogc"
	"github.com/opengeospatial/ets-wfs20/internal/fakewfs"
)

const tn = "http://example.org/transport"

func newService(t *testing.T, opts fakewfs.Options) *fakewfs.Server {
	t.Helper()
	xsd, err := os.ReadFile(filepath.Join("testdata", "roads.xsd"))
	require.NoError(t, err)
	opts.Namespace = tn
	opts.Types = []string{"Road", "Bridge"}
	opts.Schema = xsd
	if opts.Features == nil {
		opts.Features = map[string][]string{"Road": {
			`<tn:Road gml:id="r2"><tn:name>High</tn:name><tn:opened>2019-01-15</tn:opened>` +
				`<tn:centreline><gml:LineString gml:id="l2" srsName="urn:ogc:def:crs:EPSG::4326"><gml:posList>58 17 59 18</gml:posList></gml:LineString></tn:centreline></tn:Road>`,
			`<tn:Road gml:id="r1"><tn:name xsi:nil="true"/><tn:opened>2020-03-01</tn:opened></tn:Road>`,
		}}
	}
	srv := fakewfs.New(opts)
	t.Cleanup(srv.Close)
	return srv
}

func newRunner(t *testing.T, srv *fakewfs.Server, tempDir string) *Runner {
	t.Helper()
	cfg := config.Config{
		WFSURL:         srv.Endpoint(),
		MaxFeatures:    10,
		RequestTimeout: 2 * time.Second,
		TempDir:        tempDir,
		DocCacheSize:   4,
	}
	return New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), srv.Client())
}

func TestRun_EndToEnd(t *testing.T) {
	srv := newService(t, fakewfs.Options{Empty: []ogc.ProtocolBinding{ogc.POST}})
	tempDir := t.TempDir()
	r := newRunner(t, srv, tempDir)

	ready, phase := r.Readiness()
	require.False(t, ready)
	require.Equal(t, PhaseIdle, phase)
	require.Empty(t, r.RunID())

	rep, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, r.RunID(), 16)

	require.Equal(t, ogc.V2_0_0, rep.Version)
	require.Contains(t, rep.Conformance, string(ogc.TransactionalWFS))
	require.Equal(t, []string{"POST", "SOAP", "GET"}, rep.Bindings[ogc.GetFeature])
	require.Equal(t, []string{"POST", "SOAP"}, rep.Bindings[ogc.Transaction])
	require.Equal(t, 1, rep.Instantiated())
	require.Len(t, rep.FeatureTypes, 2)

	road := rep.FeatureTypes[0]
	require.Equal(t, "{"+tn+"}Road", road.Name)
	require.True(t, road.Instantiated)
	require.Equal(t, []AttemptReport{
		{Binding: "POST", Outcome: "empty"},
		{Binding: "SOAP", Outcome: "features"},
	}, road.Attempts)
	require.NotNil(t, road.Extent)
	require.Equal(t, []float64{58, 17}, road.Extent.Lower)
	require.Equal(t, []float64{59, 18}, road.Extent.Upper)
	require.Len(t, road.Temporal, 1)
	require.Equal(t, "{"+tn+"}opened", road.Temporal[0].Property)
	require.Equal(t, []string{"{" + tn + "}name"}, road.Nillable)
	require.Equal(t, []string{"r1", "r2"}, road.SampleIDs)
	require.Equal(t, "High", road.Simple["{"+tn+"}name"])

	bridge := rep.FeatureTypes[1]
	require.False(t, bridge.Instantiated)
	require.Len(t, bridge.Attempts, 3)
	require.Nil(t, bridge.Extent)

	ready, phase = r.Readiness()
	require.True(t, ready)
	require.Equal(t, PhaseDone, phase)

	entries, err := os.ReadDir(tempDir)
	require.NoError(t, err)
	require.Empty(t, entries, "sample files must be removed after the run")

	b, err := json.Marshal(r.Snapshot())
	require.NoError(t, err)
	require.Contains(t, string(b), `"instantiated":true`)
}

func TestRun_UnreachableBindingFallsBack(t *testing.T) {
	srv := newService(t, fakewfs.Options{Unreachable: []ogc.ProtocolBinding{ogc.POST, ogc.SOAP}})
	rep, err := newRunner(t, srv, t.TempDir()).Run(context.Background())
	require.NoError(t, err)

	road := rep.FeatureTypes[0]
	require.True(t, road.Instantiated)
	require.Len(t, road.Attempts, 3)
	require.Equal(t, "unreachable", road.Attempts[0].Outcome)
	require.NotEmpty(t, road.Attempts[0].Error)
	require.Equal(t, "GET", road.Attempts[2].Binding)
	require.Equal(t, "features", road.Attempts[2].Outcome)
}

func TestRun_BadCapabilitiesLocation(t *testing.T) {
	cfg := config.Config{WFSURL: filepath.Join(t.TempDir(), "missing.xml"), MaxFeatures: 1, RequestTimeout: time.Second}
	r := New(cfg, nil, nil)
	_, err := r.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "capabilities")

	ready, phase := r.Readiness()
	require.False(t, ready)
	require.Equal(t, PhaseFailed, phase)
}

func TestServiceLabel(t *testing.T) {
	require.Equal(t, "wfs.example.org:8080", serviceLabel("http://wfs.example.org:8080/wfs?request=GetCapabilities"))
	require.Equal(t, "caps.xml", serviceLabel("/data/caps.xml"))
}
