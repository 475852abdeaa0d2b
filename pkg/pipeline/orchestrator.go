package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"media-intelligence/pkg/apperr"
	"media-intelligence/pkg/backend"
	"media-intelligence/pkg/config"
	"media-intelligence/pkg/fusion"
	"media-intelligence/pkg/media"
	"media-intelligence/pkg/models"
	"media-intelligence/pkg/retry"
	"media-intelligence/pkg/storage"
)

// runNamespace scopes run ids derived with UUIDv5.
var runNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("media-intelligence/run"))

// Artifact names under <output_location>/<run_id>/.
const (
	ResultFile     = "result.json"
	TranscriptFile = "transcript.txt"
	SituationFile  = "situations.txt"
)

// Prober reads the duration of acquired audio.
type Prober interface {
	Probe(ctx context.Context, path string) (media.Info, error)
}

// Deps are the collaborators an Orchestrator drives. Ledger may be nil.
type Deps struct {
	Backend   backend.Backend
	Source    backend.Source
	Prober    Prober
	Artifacts storage.ArtifactStore
	Ledger    storage.DiskStore
	Runs      storage.MemoryStore
	Log       *logrus.Entry
}

type Orchestrator struct {
	Deps
	cfg         config.PipelineConfig
	callPolicy  retry.Policy
	storePolicy retry.Policy
	inflight    singleflight.Group
}

// Outcome is what one Process call produced. Result is nil for reused,
// shared and failed runs.
type Outcome struct {
	Response models.Response
	Result   *models.ProcessingResult
}

func NewOrchestrator(deps Deps, cfg config.PipelineConfig) (*Orchestrator, error) {
	if deps.Backend == nil || deps.Source == nil || deps.Prober == nil || deps.Artifacts == nil {
		return nil, errors.New("orchestrator needs a backend, a source, a prober and an artifact store")
	}
	if deps.Runs == nil {
		deps.Runs = storage.NewMemoryStore()
	}
	if deps.Log == nil {
		deps.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	deps.Log = deps.Log.WithField("component", "orchestrator")
	if cfg.TopPredictions <= 0 {
		cfg.TopPredictions = fusion.DefaultTopN
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = media.DefaultMaxDuration
	}
	return &Orchestrator{
		Deps:        deps,
		cfg:         cfg,
		callPolicy:  cfg.Retry.Policy(),
		storePolicy: cfg.StorageRetry.Policy(),
	}, nil
}

// RunID derives the deterministic id of processing ref with opts. The
// fingerprint ties the id to the content when the source can provide one.
func RunID(ref string, opts models.Options, fingerprint string) string {
	key, _ := json.Marshal(struct {
		Ref         string         `json:"ref"`
		Options     models.Options `json:"options"`
		Fingerprint string         `json:"fingerprint,omitempty"`
	}{ref, opts, fingerprint})
	return uuid.NewSHA1(runNamespace, key).String()
}

// Process runs one request to completion. The returned Outcome always holds
// a response; err is the typed failure behind an error response.
func (o *Orchestrator) Process(ctx context.Context, req models.ProcessRequest) (*Outcome, error) {
	return o.process(ctx, req, nil)
}

func (o *Orchestrator) process(ctx context.Context, req models.ProcessRequest, onRun func(runID string)) (*Outcome, error) {
	start := time.Now()

	req, err := o.validate(req)
	if err != nil {
		return failed(req.SourceRef, "", err), err
	}

	info, err := retry.Value(ctx, o.storePolicy, "load", o.Log, func(ctx context.Context) (backend.SourceInfo, error) {
		return o.Source.Stat(ctx, req.SourceRef)
	})
	if err != nil {
		err = o.terminal(ctx, "load", err)
		return failed(req.SourceRef, "", err), err
	}

	runID := RunID(req.SourceRef, req.Options, info.Fingerprint)
	if onRun != nil {
		onRun(runID)
	}
	log := o.Log.WithFields(logrus.Fields{"run_id": runID, "source_ref": req.SourceRef})
	refs := o.artifactRefs(req.OutputLocation, runID)

	// Duplicate requests share one run. A run that failed because its
	// leader was cancelled is started again for callers still waiting.
	key := runID + "\x00" + refs.result
	for {
		v, err, shared := o.inflight.Do(key, func() (any, error) {
			if out, ok := o.reuse(ctx, log, runID, refs); ok {
				return out, nil
			}
			r := &run{
				id:    runID,
				req:   req,
				info:  info,
				start: start,
				refs:  refs,
				log:   log,
				o:     o,
				state: models.StateInitialized,
			}
			return r.execute(ctx)
		})
		if shared && ctx.Err() == nil && cancelledRun(err) {
			log.Info("shared run was cancelled by another caller, running again")
			continue
		}
		out := v.(*Outcome)
		if shared {
			log.Debug("joined an in-flight run for the same input")
			cp := *out
			cp.Result = nil
			out = &cp
		}
		return out, err
	}
}

// cancelledRun reports whether err ended a run because its caller's
// context was done.
func cancelledRun(err error) bool {
	if err == nil || apperr.KindOf(err) != apperr.KindInternal {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// validate normalizes the request and rejects it before anything is read.
func (o *Orchestrator) validate(req models.ProcessRequest) (models.ProcessRequest, error) {
	ref, err := media.SanitizeRef(req.SourceRef)
	if err != nil {
		return req, err
	}
	req.SourceRef = ref
	if err := media.CheckFormat(ref); err != nil {
		return req, err
	}

	opts := req.Options
	if opts.MinSpeakers != nil && *opts.MinSpeakers < 1 {
		return req, apperr.New(apperr.KindInvalidInput, "min_speakers must be at least 1")
	}
	if opts.MaxSpeakers != nil && *opts.MaxSpeakers < 1 {
		return req, apperr.New(apperr.KindInvalidInput, "max_speakers must be at least 1")
	}
	if opts.MinSpeakers != nil && opts.MaxSpeakers != nil && *opts.MinSpeakers > *opts.MaxSpeakers {
		return req, apperr.New(apperr.KindInvalidInput, "min_speakers %d exceeds max_speakers %d", *opts.MinSpeakers, *opts.MaxSpeakers)
	}

	if req.OutputLocation == "" {
		req.OutputLocation = o.cfg.OutputLocation
	}
	out, err := media.SanitizeRef(req.OutputLocation)
	if err != nil {
		return req, apperr.New(apperr.KindInvalidInput, "output_location: %v", errors.Unwrap(err))
	}
	if s, ok := o.Artifacts.(interface{ Supports(string) bool }); ok && !s.Supports(out) {
		return req, apperr.New(apperr.KindInvalidInput, "output_location %q is not a supported location", out)
	}
	if c, ok := o.Artifacts.(interface{ CheckRef(string) error }); ok {
		if err := c.CheckRef(out); err != nil {
			return req, err
		}
	}
	req.OutputLocation = out
	return req, nil
}

type artifactRefs struct {
	result, transcript, situation string
}

func (o *Orchestrator) artifactRefs(outputLocation, runID string) artifactRefs {
	base := o.Artifacts.Join(outputLocation, runID)
	return artifactRefs{
		result:     o.Artifacts.Join(base, ResultFile),
		transcript: o.Artifacts.Join(base, TranscriptFile),
		situation:  o.Artifacts.Join(base, SituationFile),
	}
}

// reuse returns the committed result of an earlier run with the same id.
// Any error while looking counts as a miss.
func (o *Orchestrator) reuse(ctx context.Context, log *logrus.Entry, runID string, refs artifactRefs) (*Outcome, bool) {
	resultRef := refs.result
	exists, err := o.Artifacts.Exists(ctx, resultRef)
	if err != nil {
		log.WithError(err).Warn("could not check for an existing result")
		return nil, false
	}
	if !exists {
		return nil, false
	}

	if o.Ledger != nil {
		if rec, err := o.Ledger.GetRecord(runID); err == nil && rec.Response.ResultRef == resultRef {
			resp := rec.Response
			resp.Reused = true
			log.Info("reusing completed run from ledger")
			return &Outcome{Response: resp}, true
		}
	}

	data, err := o.Artifacts.Read(ctx, resultRef)
	if err != nil {
		log.WithError(err).Warn("existing result could not be read")
		return nil, false
	}
	var result models.ProcessingResult
	if err := json.Unmarshal(data, &result); err != nil {
		log.WithError(err).Warn("existing result is not valid JSON, processing again")
		return nil, false
	}

	resp := models.Response{
		Status:         models.StatusSuccess,
		RunID:          runID,
		SourceRef:      result.SourceRef,
		ResultRef:      resultRef,
		TranscriptRef:  refs.transcript,
		ProcessingTime: result.ProcessingTime,
		CostEstimate:   result.CostEstimate,
		Summary:        result.Summary(),
		Reused:         true,
	}
	if ok, err := o.Artifacts.Exists(ctx, refs.situation); err == nil && ok {
		resp.SituationRef = refs.situation
	}
	log.Info("reusing completed run from stored result")
	return &Outcome{Response: resp}, true
}

// terminal fixes up an error that ends processing. Once the caller's
// context is done the failure is reported as cancellation whatever the
// stage saw.
func (o *Orchestrator) terminal(ctx context.Context, stage string, err error) *apperr.Error {
	e := apperr.AtStage(stage, err)
	if ctx.Err() == nil {
		return e
	}
	cp := *e
	cp.Kind = apperr.KindInternal
	if !errors.Is(e, ctx.Err()) {
		cp.Err = errors.Join(ctx.Err(), e.Err)
	}
	return &cp
}

func failed(ref, runID string, err error) *Outcome {
	return &Outcome{Response: errorResponse(ref, runID, err)}
}

func errorResponse(ref, runID string, err error) models.Response {
	return models.Response{
		Status:    models.StatusError,
		RunID:     runID,
		SourceRef: ref,
		Error:     apperr.Summary(err),
		ErrorKind: apperr.KindOf(err).WireKind(),
	}
}

// clampTranscript drops segments outside [0,duration] and trims the rest,
// words included.
func clampTranscript(segments []models.TranscriptSegment, duration float64) []models.TranscriptSegment {
	out := make([]models.TranscriptSegment, 0, len(segments))
	for _, s := range segments {
		s.Start = math.Max(s.Start, 0)
		s.End = math.Min(s.End, duration)
		if s.End <= s.Start {
			continue
		}
		words := make([]models.Word, 0, len(s.Words))
		for _, w := range s.Words {
			w.Start = math.Max(w.Start, s.Start)
			w.End = math.Min(w.End, s.End)
			if w.End < w.Start {
				continue
			}
			words = append(words, w)
		}
		s.Words = words
		out = append(out, s)
	}
	return out
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
