package pipeline

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"media-intelligence/pkg/apperr"
	"media-intelligence/pkg/backend"
	"media-intelligence/pkg/models"
	"media-intelligence/pkg/retry"
)

// transitions lists the legal successors of each state. Failed is reachable
// from every state that is not terminal.
var transitions = map[models.State][]models.State{
	models.StateInitialized:  {models.StateLoaded},
	models.StateLoaded:       {models.StateTranscribing},
	models.StateTranscribing: {models.StateDiarizing, models.StateClassifying, models.StateFusing},
	models.StateDiarizing:    {models.StateClassifying, models.StateFusing},
	models.StateClassifying:  {models.StateFusing},
	models.StateFusing:       {models.StatePersisting},
	models.StatePersisting:   {models.StateCompleted},
}

func allowed(from, to models.State) bool {
	if to == models.StateFailed {
		return !from.Terminal()
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// stageOf names the stage a state belongs to, as reported in errors.
var stageOf = map[models.State]string{
	models.StateLoaded:       "load",
	models.StateTranscribing: "transcription",
	models.StateDiarizing:    "diarization",
	models.StateClassifying:  "classification",
	models.StateFusing:       "fusion",
	models.StatePersisting:   "persist",
}

// run is one file moving through the state machine. It is driven by a
// single goroutine; only the concurrent analysis fans out, and it joins
// before the state moves on.
type run struct {
	id    string
	req   models.ProcessRequest
	info  backend.SourceInfo
	start time.Time
	refs  artifactRefs
	log   *logrus.Entry
	o     *Orchestrator

	state    models.State
	degraded []string
}

func (r *run) advance(to models.State) error {
	if !allowed(r.state, to) {
		return apperr.New(apperr.KindInternal, "illegal state transition %s -> %s", r.state, to)
	}
	r.log.WithFields(logrus.Fields{"from": r.state, "to": to}).Debug("state change")
	r.state = to
	if err := r.o.Runs.UpdateRunState(r.id, to, stageOf[to], 1); err != nil {
		r.log.WithError(err).Warn("failed to record run state")
	}
	return nil
}

// policy returns base with attempt reporting into the run status.
func (r *run) policy(base retry.Policy) retry.Policy {
	state := r.state
	base.OnRetry = func(stage string, attempt int, err error) {
		if uerr := r.o.Runs.UpdateRunState(r.id, state, stage, attempt+1); uerr != nil {
			r.log.WithError(uerr).Warn("failed to record retry")
		}
	}
	return base
}

func (r *run) execute(ctx context.Context) (*Outcome, error) {
	if err := r.o.Runs.StoreRun(&models.RunStatus{
		RunID:     r.id,
		SourceRef: r.req.SourceRef,
		State:     models.StateInitialized,
	}); err != nil {
		r.log.WithError(err).Warn("failed to record run")
	}
	r.log.WithFields(logrus.Fields{
		"backend":     r.o.Backend.Name(),
		"diarization": r.req.Options.DiarizationEnabled,
		"situation":   r.req.Options.SituationEnabled,
	}).Info("run started")

	out, err := r.steps(ctx)
	if err != nil {
		return r.fail(ctx, err)
	}
	return out, nil
}

func (r *run) steps(ctx context.Context) (*Outcome, error) {
	if err := r.advance(models.StateLoaded); err != nil {
		return nil, err
	}
	lease, err := retry.Value(ctx, r.policy(r.o.storePolicy), "load", r.log, func(ctx context.Context) (*backend.Lease, error) {
		return r.o.Source.Acquire(ctx, r.req.SourceRef)
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lease.Release(); err != nil {
			r.log.WithError(err).Warn("failed to release acquired audio")
		}
	}()

	audio, meta, err := r.load(ctx, lease)
	if err != nil {
		return nil, apperr.AtStage("load", err)
	}

	var a analysis
	if r.o.cfg.ConcurrentAnalysis {
		a, err = r.analyzeConcurrently(ctx, audio)
	} else {
		a, err = r.analyze(ctx, audio)
	}
	if err != nil {
		return nil, err
	}

	result, err := r.fuse(audio, a, meta)
	if err != nil {
		return nil, apperr.AtStage("fusion", err)
	}

	resp, err := r.persist(ctx, result, a.classified)
	if err != nil {
		return nil, err
	}
	if err := r.advance(models.StateCompleted); err != nil {
		return nil, err
	}
	if err := r.o.Runs.CompleteRun(r.id, models.StateCompleted, &resp); err != nil {
		r.log.WithError(err).Warn("failed to record run completion")
	}

	r.log.WithFields(logrus.Fields{
		"duration":          result.Duration,
		"speakers":          result.SpeakerCount,
		"overall_situation": result.OverallSituation,
		"processing_time":   result.ProcessingTime,
		"degraded_stages":   r.degraded,
	}).Info("run completed")
	return &Outcome{Response: resp, Result: result}, nil
}

func (r *run) fail(ctx context.Context, err error) (*Outcome, error) {
	e := r.o.terminal(ctx, stageOf[r.state], err)
	r.state = models.StateFailed

	resp := errorResponse(r.req.SourceRef, r.id, e)
	if uerr := r.o.Runs.CompleteRun(r.id, models.StateFailed, &resp); uerr != nil {
		r.log.WithError(uerr).Warn("failed to record run failure")
	}

	entry := r.log.WithFields(logrus.Fields{
		"stage":    e.Stage,
		"kind":     e.Kind,
		"attempts": e.Attempts,
	}).WithError(e.Err)
	if e.Alert {
		entry.WithField("alert", true).Error("run failed: upstream quota exhausted")
	} else {
		entry.Error("run failed")
	}
	return &Outcome{Response: resp}, e
}
