// Package suite drives one preparation run against a WFS: read its
// capabilities, resolve its application schema, sample feature data and
// summarize what the sample reveals.
package suite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"sync"

	"github.com/opengeospatial/ets-wfs20/internal/appschema"
	"github.com/opengeospatial/ets-wfs20/internal/core/capabilities"
	"github.com/opengeospatial/ets-wfs20/internal/core/config"
	"github.com/opengeospatial/ets-wfs20/internal/core/observability"
	"github.com/opengeospatial/ets-wfs20/internal/core/transport"
	"github.com/opengeospatial/ets-wfs20/internal/core/wfsclient"
	"github.com/opengeospatial/ets-wfs20/internal/logger"
	"github.com/opengeospatial/ets-wfs20/internal/sampler"
)

// Phases of a run, in order.
const (
	PhaseIdle         = "idle"
	PhaseCapabilities = "capabilities"
	PhaseSchema       = "schema"
	PhaseSampling     = "sampling"
	PhaseAnalysis     = "analysis"
	PhaseDone         = "done"
	PhaseFailed       = "failed"
)

type Runner struct {
	cfg    config.Config
	logger *slog.Logger
	http   *http.Client

	mu     sync.RWMutex
	phase  string
	runID  string
	report *Report
}

func New(cfg config.Config, logger *slog.Logger, httpClient *http.Client) *Runner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Runner{cfg: cfg, logger: logger, http: httpClient, phase: PhaseIdle}
}

func (r *Runner) setPhase(p string) {
	r.mu.Lock()
	r.phase = p
	r.mu.Unlock()
}

// Readiness reports ready once a report is available.
func (r *Runner) Readiness() (bool, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.report != nil, r.phase
}

// RunID returns the id of the current sampling run, or "" before sampling.
func (r *Runner) RunID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.runID
}

// Snapshot returns the feature type summaries of the latest report, or an
// empty list while the run is in progress.
func (r *Runner) Snapshot() any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.report == nil {
		return []FeatureTypeReport{}
	}
	return r.report.FeatureTypes
}

// Run performs the whole preparation and returns its report. Sample files
// are removed before Run returns.
func (r *Runner) Run(ctx context.Context) (rep *Report, err error) {
	ctx = logger.WithComponent(ctx, "suite")
	defer func() {
		if err != nil {
			r.setPhase(PhaseFailed)
		}
	}()

	r.setPhase(PhaseCapabilities)
	desc, err := capabilities.Load(ctx, r.http, r.cfg.WFSURL)
	if err != nil {
		return nil, fmt.Errorf("capabilities %s: %w", r.cfg.WFSURL, err)
	}
	observability.SetService(serviceLabel(r.cfg.WFSURL))
	r.logger.InfoContext(ctx, "capabilities loaded",
		"version", desc.Version(),
		"feature_types", len(desc.FeatureTypes()),
		"bindings", desc.GlobalBindings().String())

	tr := transport.New(r.logger, r.http, r.cfg.RequestTimeout)
	client := wfsclient.New(r.logger, desc, tr)

	r.setPhase(PhaseSchema)
	schema, err := r.loadSchema(ctx, client)
	if err != nil {
		return nil, err
	}

	r.setPhase(PhaseSampling)
	s := sampler.New(desc, client,
		sampler.WithLogger(r.logger),
		sampler.WithMaxFeatures(r.cfg.MaxFeatures),
		sampler.WithTempDir(r.cfg.TempDir),
		sampler.WithDocCacheSize(r.cfg.DocCacheSize))
	set, err := s.AcquireFeatureData(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire feature data: %w", err)
	}
	defer func() {
		if cerr := set.Close(); cerr != nil {
			r.logger.WarnContext(ctx, "release sample data", "err", cerr)
		}
	}()

	r.mu.Lock()
	r.phase = PhaseAnalysis
	r.runID = set.RunID()
	r.mu.Unlock()
	ctx = logger.WithRunID(ctx, set.RunID())
	rep, err = buildReport(ctx, desc, schema, s)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.report = rep
	r.phase = PhaseDone
	r.mu.Unlock()
	r.logger.InfoContext(ctx, "run complete", "instantiated", rep.Instantiated())
	return rep, nil
}

func (r *Runner) loadSchema(ctx context.Context, client *wfsclient.Client) (*appschema.Schema, error) {
	var loc *url.URL
	if r.cfg.SchemaURL != "" {
		u, err := url.Parse(r.cfg.SchemaURL)
		if err != nil {
			return nil, fmt.Errorf("schema location: %w", err)
		}
		loc = u
	}
	schema, err := client.LoadSchema(ctx, loc)
	if err != nil {
		return nil, err
	}
	if len(schema.FeatureTypes()) == 0 {
		return nil, errors.New("application schema declares no feature types")
	}
	return schema, nil
}

// serviceLabel is the metrics label for a capabilities location: the host
// of a URL or the base name of a file.
func serviceLabel(ref string) string {
	if u, err := url.Parse(ref); err == nil && u.Host != "" {
		return u.Host
	}
	return filepath.Base(ref)
}
