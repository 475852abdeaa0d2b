package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"media-intelligence/pkg/apperr"
	"media-intelligence/pkg/backend"
	"media-intelligence/pkg/fusion"
	"media-intelligence/pkg/media"
	"media-intelligence/pkg/models"
	"media-intelligence/pkg/output"
	"media-intelligence/pkg/retry"
	"media-intelligence/pkg/storage"
)

// analysis holds what the three external calls returned. diarized and
// classified are false when the stage was disabled or degraded.
type analysis struct {
	segments   []models.TranscriptSegment
	turns      []models.DiarizationTurn
	windows    []models.SituationWindow
	diarized   bool
	classified bool
}

func (r *run) load(ctx context.Context, lease *backend.Lease) (backend.Audio, media.Info, error) {
	info, err := r.o.Prober.Probe(ctx, lease.Path)
	if err != nil {
		return backend.Audio{}, info, err
	}
	if err := media.CheckDuration(info, r.o.cfg.MaxDuration); err != nil {
		return backend.Audio{}, info, err
	}
	r.log.WithFields(logrus.Fields{"duration": info.Duration, "prober": info.Prober}).Debug("audio loaded")
	return backend.Audio{Ref: r.req.SourceRef, Path: lease.Path, Duration: info.Duration}, info, nil
}

func (r *run) transcribe(ctx context.Context, audio backend.Audio) ([]models.TranscriptSegment, error) {
	return retry.Value(ctx, r.policy(r.o.callPolicy), "transcription", r.log, func(ctx context.Context) ([]models.TranscriptSegment, error) {
		return r.o.Backend.Transcribe(ctx, audio, r.req.Options)
	})
}

func (r *run) diarize(ctx context.Context, audio backend.Audio) ([]models.DiarizationTurn, error) {
	return retry.Value(ctx, r.policy(r.o.callPolicy), "diarization", r.log, func(ctx context.Context) ([]models.DiarizationTurn, error) {
		return r.o.Backend.Diarize(ctx, audio, r.req.Options)
	})
}

func (r *run) classify(ctx context.Context, audio backend.Audio) ([]models.SituationWindow, error) {
	return retry.Value(ctx, r.policy(r.o.callPolicy), "classification", r.log, func(ctx context.Context) ([]models.SituationWindow, error) {
		return r.o.Backend.Classify(ctx, audio, r.req.Options)
	})
}

// degradable reports whether an optional stage that failed with err may be
// dropped instead of failing the run.
func (r *run) degradable(ctx context.Context, err error) bool {
	if !r.o.cfg.DegradeOptionalStages || ctx.Err() != nil {
		return false
	}
	switch apperr.KindOf(err) {
	case apperr.KindUpstreamUnavailable, apperr.KindQuotaExceeded:
		return true
	}
	return false
}

func (r *run) markDegraded(stage string, err error) {
	r.degraded = append(r.degraded, stage)
	r.log.WithField("stage", stage).WithError(err).Warn("optional stage degraded, continuing without it")
}

// analyze runs the external calls one after another.
func (r *run) analyze(ctx context.Context, audio backend.Audio) (analysis, error) {
	var a analysis
	opts := r.req.Options

	if err := r.advance(models.StateTranscribing); err != nil {
		return a, err
	}
	segments, err := r.transcribe(ctx, audio)
	if err != nil {
		return a, err
	}
	a.segments = segments

	if opts.DiarizationEnabled {
		if err := r.advance(models.StateDiarizing); err != nil {
			return a, err
		}
		turns, err := r.diarize(ctx, audio)
		switch {
		case err == nil:
			a.turns, a.diarized = turns, true
		case r.degradable(ctx, err):
			r.markDegraded("diarization", err)
		default:
			return a, err
		}
	}

	if opts.SituationEnabled {
		if err := r.advance(models.StateClassifying); err != nil {
			return a, err
		}
		windows, err := r.classify(ctx, audio)
		switch {
		case err == nil:
			a.windows, a.classified = windows, true
		case r.degradable(ctx, err):
			r.markDegraded("classification", err)
		default:
			return a, err
		}
	}
	return a, nil
}

// analyzeConcurrently starts the enabled calls together and records their
// stages in order once all of them have returned. The first hard failure
// cancels the others.
func (r *run) analyzeConcurrently(ctx context.Context, audio backend.Audio) (analysis, error) {
	var a analysis
	opts := r.req.Options

	if err := r.advance(models.StateTranscribing); err != nil {
		return a, err
	}

	var diarizeErr, classifyErr error
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		segments, err := r.transcribe(gctx, audio)
		a.segments = segments
		return err
	})
	if opts.DiarizationEnabled {
		g.Go(func() error {
			turns, err := r.diarize(gctx, audio)
			if err != nil && r.degradable(gctx, err) {
				diarizeErr = err
				return nil
			}
			a.turns = turns
			return err
		})
	}
	if opts.SituationEnabled {
		g.Go(func() error {
			windows, err := r.classify(gctx, audio)
			if err != nil && r.degradable(gctx, err) {
				classifyErr = err
				return nil
			}
			a.windows = windows
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return a, err
	}

	if opts.DiarizationEnabled {
		if err := r.advance(models.StateDiarizing); err != nil {
			return a, err
		}
		if diarizeErr != nil {
			r.markDegraded("diarization", diarizeErr)
		} else {
			a.diarized = true
		}
	}
	if opts.SituationEnabled {
		if err := r.advance(models.StateClassifying); err != nil {
			return a, err
		}
		if classifyErr != nil {
			r.markDegraded("classification", classifyErr)
		} else {
			a.classified = true
		}
	}
	return a, nil
}

// fuse combines the analysis into the result. It does no I/O.
func (r *run) fuse(audio backend.Audio, a analysis, info media.Info) (*models.ProcessingResult, error) {
	if err := r.advance(models.StateFusing); err != nil {
		return nil, err
	}

	if !a.diarized {
		a.turns = nil
	}
	if !a.classified {
		a.windows = nil
	}
	segments := clampTranscript(a.segments, audio.Duration)
	segments = fusion.AssignSpeakers(segments, a.turns, a.diarized)
	agg := fusion.Aggregate(a.windows, audio.Duration, r.o.cfg.TopPredictions)

	result := &models.ProcessingResult{
		RunID:                      r.id,
		SourceRef:                  r.req.SourceRef,
		Duration:                   audio.Duration,
		TranscriptSegments:         segments,
		SituationSegments:          agg.Segments,
		OverallSituation:           agg.Overall,
		OverallSituationConfidence: agg.Confidence,
		SpeakerCount:               fusion.SpeakerCount(segments, a.diarized),
		Metadata:                   r.metadata(a, info, segments),
	}

	if est, ok := r.o.Backend.(backend.CostEstimator); ok {
		effective := r.req.Options
		effective.DiarizationEnabled = a.diarized
		effective.SituationEnabled = a.classified
		result.CostEstimate = est.EstimateCost(audio.Duration, effective)
	}
	result.ProcessingTime = round(time.Since(r.start).Seconds(), 3)

	if err := result.Validate(); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, fmt.Errorf("fused result is inconsistent: %w", err))
	}
	return result, nil
}

func (r *run) metadata(a analysis, info media.Info, segments []models.TranscriptSegment) map[string]any {
	opts := r.req.Options
	meta := map[string]any{
		"backend":             r.o.Backend.Name(),
		"diarization_enabled": a.diarized,
		"situation_enabled":   a.classified,
		"sample_rate":         info.SampleRate,
		"channels":            info.Channels,
		"prober":              info.Prober,
	}
	if opts.Language != "" {
		meta["language"] = opts.Language
	}
	if opts.ModelProfile != "" {
		meta["model_profile"] = opts.ModelProfile
	}
	if r.info.Fingerprint != "" {
		meta["fingerprint"] = r.info.Fingerprint
	}
	if stats := fusion.SpeakingTime(segments, a.diarized); len(stats) > 0 {
		for id, secs := range stats {
			stats[id] = round(secs, 3)
		}
		meta["speaker_stats"] = stats
	}
	if len(r.degraded) > 0 {
		meta["degraded_stages"] = append([]string(nil), r.degraded...)
	}
	return meta
}

// persist writes the text artifacts first and the result JSON last, so an
// existing result JSON means the whole run was committed.
func (r *run) persist(ctx context.Context, result *models.ProcessingResult, classified bool) (models.Response, error) {
	if err := r.advance(models.StatePersisting); err != nil {
		return models.Response{}, err
	}
	write := func(ref string, data []byte) error {
		return retry.Do(ctx, r.policy(r.o.storePolicy), "persist", r.log, func(ctx context.Context) error {
			return r.o.Artifacts.Write(ctx, ref, data)
		})
	}

	if err := write(r.refs.transcript, output.Transcript(result)); err != nil {
		return models.Response{}, err
	}
	situationRef := ""
	if classified {
		if err := write(r.refs.situation, output.SituationReport(result)); err != nil {
			return models.Response{}, err
		}
		situationRef = r.refs.situation
	}
	data, err := output.ResultJSON(result)
	if err != nil {
		return models.Response{}, apperr.AtStage("persist", apperr.Wrap(apperr.KindInternal, err))
	}
	if err := write(r.refs.result, data); err != nil {
		return models.Response{}, err
	}

	resp := models.Response{
		Status:         models.StatusSuccess,
		RunID:          r.id,
		SourceRef:      r.req.SourceRef,
		ResultRef:      r.refs.result,
		TranscriptRef:  r.refs.transcript,
		SituationRef:   situationRef,
		ProcessingTime: result.ProcessingTime,
		CostEstimate:   result.CostEstimate,
		Summary:        result.Summary(),
	}

	if r.o.Ledger != nil {
		err := r.o.Ledger.PutRecord(&storage.LedgerRecord{
			RunID:       r.id,
			SourceRef:   r.req.SourceRef,
			Fingerprint: r.info.Fingerprint,
			Response:    resp,
			CompletedAt: time.Now().UTC(),
		})
		if err != nil {
			r.log.WithError(err).Warn("failed to record run in ledger")
		}
	}
	return resp, nil
}
