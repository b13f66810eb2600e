// Package sampler obtains a small sample of features of every advertised
// feature type, persists it for the run, and answers derived queries (ids,
// simple values, spatial and temporal extents) over the sample.
package sampler

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"aqwari.net/xml/xmltree"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/opengeospatial/ets-wfs20/internal/core/capabilities"
	"github.com/opengeospatial/ets-wfs20/internal/core/observability"
	"github.com/opengeospatial/ets-wfs20/internal/core/ogc"
	"github.com/opengeospatial/ets-wfs20/internal/core/wfsclient"
	"github.com/opengeospatial/ets-wfs20/internal/core/xmldoc"
	"github.com/opengeospatial/ets-wfs20/internal/logger"
)

const (
	DefaultMaxFeatures  = 25
	DefaultDocCacheSize = 64
)

// Outcome classifies one sampling attempt.
type Outcome string

const (
	OutcomeFeatures    Outcome = "features"
	OutcomeEmpty       Outcome = "empty"
	OutcomeUnreachable Outcome = "unreachable"
)

// Attempt records what happened when a feature type was requested with one
// binding.
type Attempt struct {
	Binding ogc.ProtocolBinding
	Outcome Outcome
	Err     error
}

type Sampler struct {
	logger      *slog.Logger
	desc        *capabilities.ServiceDescription
	client      *wfsclient.Client
	maxFeatures int
	tempDir     string
	cacheSize   int

	docs *lru.Cache[string, *xmltree.Element]

	mu       sync.RWMutex
	infos    map[xml.Name]*capabilities.FeatureTypeInfo
	attempts map[xml.Name][]Attempt
	run      *run
}

type Option func(*Sampler)

// WithMaxFeatures limits the number of features requested per type; values
// below one keep the default.
func WithMaxFeatures(n int) Option {
	return func(s *Sampler) {
		if n > 0 {
			s.maxFeatures = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Sampler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTempDir sets where sample files are written; empty means os.TempDir.
func WithTempDir(dir string) Option {
	return func(s *Sampler) { s.tempDir = dir }
}

// WithDocCacheSize bounds the number of parsed sample documents kept in
// memory.
func WithDocCacheSize(n int) Option {
	return func(s *Sampler) {
		if n > 0 {
			s.cacheSize = n
		}
	}
}

func New(desc *capabilities.ServiceDescription, client *wfsclient.Client, opts ...Option) *Sampler {
	s := &Sampler{
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		desc:        desc,
		client:      client,
		maxFeatures: DefaultMaxFeatures,
		cacheSize:   DefaultDocCacheSize,
		infos:       desc.FeatureTypeInfo(),
		attempts:    map[xml.Name][]Attempt{},
		run:         newRun(),
	}
	for _, o := range opts {
		o(s)
	}
	docs, err := lru.New[string, *xmltree.Element](s.cacheSize)
	if err != nil {
		// lru.New only fails for size <= 0
		panic(err)
	}
	s.docs = docs
	return s
}

func (s *Sampler) MaxFeatures() int { return s.maxFeatures }

// SampleSet is the scoped handle on the sample files of one acquisition.
// Close removes them; it is safe to call more than once.
type SampleSet struct {
	s      *Sampler
	runID  string
	mu     sync.Mutex
	files  map[xml.Name]string
	closed bool
}

// Path returns the sample file of a feature type.
func (ss *SampleSet) Path(ft xml.Name) (string, bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	p, ok := ss.files[ft]
	return p, ok
}

// Files returns a copy of the type to sample file mapping.
func (ss *SampleSet) Files() map[xml.Name]string {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	out := make(map[xml.Name]string, len(ss.files))
	for k, v := range ss.files {
		out[k] = v
	}
	return out
}

func (ss *SampleSet) RunID() string { return ss.runID }

func (ss *SampleSet) add(ft xml.Name, path string) {
	ss.mu.Lock()
	ss.files[ft] = path
	ss.mu.Unlock()
}

func (ss *SampleSet) Close() error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closed {
		return nil
	}
	ss.closed = true
	var errs []error
	for _, p := range ss.files {
		ss.s.docs.Remove(p)
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AcquireFeatureData requests up to MaxFeatures instances of every advertised
// feature type, trying the GetFeature bindings in preference order until one
// yields features. Types without instances are left uninstantiated. On error
// the files written so far are removed.
func (s *Sampler) AcquireFeatureData(ctx context.Context) (*SampleSet, error) {
	r := newRun()
	s.mu.Lock()
	s.run = r
	s.attempts = map[xml.Name][]Attempt{}
	s.infos = s.desc.FeatureTypeInfo()
	s.mu.Unlock()
	s.docs.Purge()

	ctx = logger.WithRunID(ctx, r.id)
	set := &SampleSet{s: s, runID: r.id, files: map[xml.Name]string{}}
	bindings := s.desc.OperationBindings(ogc.GetFeature).Slice()

	for _, ft := range s.desc.FeatureTypes() {
		path, err := s.sampleType(ctx, ft, bindings)
		if err != nil {
			_ = set.Close()
			return nil, err
		}
		if path == "" {
			s.logger.InfoContext(logger.WithFeatureType(ctx, xmldoc.String(ft)), "no instances found")
			continue
		}
		set.add(ft, path)
		s.mu.Lock()
		if info := s.infos[ft]; info != nil {
			info.Instantiated = true
			info.SampleData = path
		}
		s.mu.Unlock()
	}
	s.logger.InfoContext(ctx, "feature data acquired",
		"types", len(s.desc.FeatureTypes()),
		"instantiated", len(set.Files()))
	return set, nil
}

// sampleType returns the sample file for ft, or "" if no binding produced
// instances.
func (s *Sampler) sampleType(ctx context.Context, ft xml.Name, bindings []ogc.ProtocolBinding) (string, error) {
	ctx = logger.WithFeatureType(ctx, xmldoc.String(ft))
	for _, b := range bindings {
		bctx := logger.WithBinding(ctx, b.String())
		doc, err := s.client.GetFeatureByType(bctx, ft, s.maxFeatures, b)
		if err != nil {
			if ctx.Err() != nil {
				return "", fmt.Errorf("sample %s via %s: %w", xmldoc.String(ft), b, ctx.Err())
			}
			s.record(ft, Attempt{Binding: b, Outcome: OutcomeUnreachable, Err: err})
			s.logger.WarnContext(bctx, "GetFeature failed", "err", err)
			continue
		}
		n := len(xmldoc.Descendants(doc, ft.Space, ft.Local))
		if xmldoc.Is(doc, ft) {
			n++
		}
		if n == 0 {
			s.record(ft, Attempt{Binding: b, Outcome: OutcomeEmpty})
			continue
		}
		path, err := s.persist(ft, doc)
		if err != nil {
			return "", fmt.Errorf("sample %s via %s: %w", xmldoc.String(ft), b, err)
		}
		s.record(ft, Attempt{Binding: b, Outcome: OutcomeFeatures})
		s.logger.DebugContext(bctx, "sample saved", "features", n, "path", path)
		return path, nil
	}
	return "", nil
}

func (s *Sampler) record(ft xml.Name, a Attempt) {
	observability.IncSamplingAttempt(a.Binding.String(), string(a.Outcome))
	s.mu.Lock()
	s.attempts[ft] = append(s.attempts[ft], a)
	s.mu.Unlock()
}

func (s *Sampler) persist(ft xml.Name, doc *xmltree.Element) (string, error) {
	f, err := os.CreateTemp(s.tempDir, ft.Local+"-*.xml")
	if err != nil {
		return "", fmt.Errorf("create sample file: %w", err)
	}
	path := f.Name()
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("create sample file: %w", err)
	}
	if err := xmldoc.WriteFile(path, doc); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("write sample file: %w", err)
	}
	return path, nil
}

// Attempts returns the sampling attempts made for a feature type, in order.
func (s *Sampler) Attempts(ft xml.Name) []Attempt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Attempt(nil), s.attempts[ft]...)
}

// FeatureTypeInfo returns a copy of the feature type registry as updated by
// sampling.
func (s *Sampler) FeatureTypeInfo() map[xml.Name]*capabilities.FeatureTypeInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[xml.Name]*capabilities.FeatureTypeInfo, len(s.infos))
	for k, v := range s.infos {
		cp := *v
		cp.CRS = append([]string(nil), v.CRS...)
		out[k] = &cp
	}
	return out
}

// DeleteData removes every sample file. It reports whether all of them were
// deleted; failures are logged.
func (s *Sampler) DeleteData() bool {
	s.mu.RLock()
	var paths []string
	for _, info := range s.infos {
		if info.SampleData != "" {
			paths = append(paths, info.SampleData)
		}
	}
	s.mu.RUnlock()

	ok := true
	for _, p := range paths {
		s.docs.Remove(p)
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("delete sample file", "path", p, "err", err)
			ok = false
		}
	}
	return ok
}

func (s *Sampler) current() *run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.run
}

func (s *Sampler) sampleFile(ft xml.Name) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if info := s.infos[ft]; info != nil && info.Instantiated {
		return info.SampleData
	}
	return ""
}

// document returns the parsed sample of ft, or nil when there is none. A
// missing file counts as no data.
func (s *Sampler) document(ft xml.Name) *xmltree.Element {
	path := s.sampleFile(ft)
	if path == "" {
		return nil
	}
	if doc, ok := s.docs.Get(path); ok {
		return doc
	}
	doc, err := xmldoc.ParseFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("read sample file", "path", path, "err", err)
		}
		return nil
	}
	s.docs.Add(path, doc)
	return doc
}

// features returns the sampled instances of ft. A sample whose root is the
// feature itself yields that feature.
func (s *Sampler) features(ft xml.Name) []*xmltree.Element {
	doc := s.document(ft)
	if doc == nil {
		return nil
	}
	if xmldoc.Is(doc, ft) {
		return []*xmltree.Element{doc}
	}
	return xmldoc.Descendants(doc, ft.Space, ft.Local)
}
