// Package backend defines what an inference backend must provide so the
// pipeline can run the same way against local helpers or cloud services.
package backend

import (
	"context"
	"strings"
	"sync"
	"time"

	"media-intelligence/pkg/apperr"
	"media-intelligence/pkg/models"
)

// Audio is a recording that has been acquired to local disk and probed.
type Audio struct {
	Ref      string
	Path     string
	Duration float64
}

// Backend produces the three annotation streams for one recording. Results
// must already satisfy the models constructors and be ordered by start time.
type Backend interface {
	Name() string
	Transcribe(ctx context.Context, audio Audio, opts models.Options) ([]models.TranscriptSegment, error)
	Diarize(ctx context.Context, audio Audio, opts models.Options) ([]models.DiarizationTurn, error)
	Classify(ctx context.Context, audio Audio, opts models.Options) ([]models.SituationWindow, error)
}

// CostEstimator is implemented by backends that bill per use.
type CostEstimator interface {
	EstimateCost(duration float64, opts models.Options) *models.CostEstimate
}

// Checker is implemented by backends and sources that can report readiness.
type Checker interface {
	Check(ctx context.Context) error
}

type SourceInfo struct {
	Ref  string
	Size int64
	// Fingerprint identifies the content; empty when the source cannot tell.
	Fingerprint string
	ModTime     time.Time
}

// Source is where input audio lives.
type Source interface {
	Stat(ctx context.Context, ref string) (SourceInfo, error)
	Acquire(ctx context.Context, ref string) (*Lease, error)
}

// Lease is a local path to acquired audio. Release must be called on every
// exit path; it is safe to call more than once.
type Lease struct {
	Path string

	once    sync.Once
	release func() error
	err     error
}

func NewLease(path string, release func() error) *Lease {
	return &Lease{Path: path, release: release}
}

func (l *Lease) Release() error {
	if l == nil {
		return nil
	}
	l.once.Do(func() {
		if l.release != nil {
			l.err = l.release()
		}
	})
	return l.err
}

// Router picks a Source by the scheme of the ref ("az" for az://...).
// Refs without a scheme go to the fallback.
type Router struct {
	schemes  map[string]Source
	fallback Source
}

func NewRouter(fallback Source) *Router {
	return &Router{schemes: make(map[string]Source), fallback: fallback}
}

func (r *Router) Handle(scheme string, s Source) *Router {
	r.schemes[scheme] = s
	return r
}

func (r *Router) pick(ref string) (Source, error) {
	if i := strings.Index(ref, "://"); i > 0 {
		if s, ok := r.schemes[ref[:i]]; ok {
			return s, nil
		}
		return nil, apperr.New(apperr.KindInvalidInput, "no source configured for %s://", ref[:i])
	}
	if r.fallback == nil {
		return nil, apperr.New(apperr.KindInvalidInput, "no source configured for local paths")
	}
	return r.fallback, nil
}

func (r *Router) Stat(ctx context.Context, ref string) (SourceInfo, error) {
	s, err := r.pick(ref)
	if err != nil {
		return SourceInfo{}, err
	}
	return s.Stat(ctx, ref)
}

func (r *Router) Acquire(ctx context.Context, ref string) (*Lease, error) {
	s, err := r.pick(ref)
	if err != nil {
		return nil, err
	}
	return s.Acquire(ctx, ref)
}

func (r *Router) Check(ctx context.Context) error {
	all := []Source{r.fallback}
	for _, s := range r.schemes {
		all = append(all, s)
	}
	for _, s := range all {
		if c, ok := s.(Checker); ok {
			if err := c.Check(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}
