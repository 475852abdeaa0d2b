package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"media-intelligence/pkg/backend"
	"media-intelligence/pkg/backend/cloud"
	"media-intelligence/pkg/backend/local"
	"media-intelligence/pkg/config"
	"media-intelligence/pkg/media"
	"media-intelligence/pkg/models"
	"media-intelligence/pkg/storage"
)

// fakeBackend serves a fixed 90 second meeting.
type fakeBackend struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error

	// When block is set, Transcribe signals entered and waits for block or
	// cancellation.
	block   chan struct{}
	entered chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{calls: map[string]int{}, fail: map[string]error{}}
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	return f.fail[op]
}

func (f *fakeBackend) failWith(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[op] = err
}

func (f *fakeBackend) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeBackend) Transcribe(ctx context.Context, audio backend.Audio, opts models.Options) ([]models.TranscriptSegment, error) {
	if err := f.record("transcribe"); err != nil {
		return nil, err
	}
	if f.block != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return []models.TranscriptSegment{
		{Start: 2, End: 8, Text: "hello everyone", Confidence: 0.9, Words: []models.Word{}},
		{Start: 25, End: 35, Text: "let us begin", Confidence: 0.8, Words: []models.Word{}},
		{Start: 62, End: 70, Text: "printer is jammed again", Confidence: 0.85, Words: []models.Word{}},
		{Start: 88, End: 95, Text: "bye", Confidence: 0.7, Words: []models.Word{{Text: "bye", Start: 88, End: 93, Confidence: 0.7}}},
	}, nil
}

func (f *fakeBackend) Diarize(ctx context.Context, audio backend.Audio, opts models.Options) ([]models.DiarizationTurn, error) {
	if err := f.record("diarize"); err != nil {
		return nil, err
	}
	return []models.DiarizationTurn{
		{Start: 0, End: 30, SpeakerID: "SPEAKER_00"},
		{Start: 30, End: 90, SpeakerID: "SPEAKER_01"},
	}, nil
}

func (f *fakeBackend) Classify(ctx context.Context, audio backend.Audio, opts models.Options) ([]models.SituationWindow, error) {
	if err := f.record("classify"); err != nil {
		return nil, err
	}
	return []models.SituationWindow{
		{Start: 0, End: 30, LabelScores: map[string]float64{"meeting": 0.9}},
		{Start: 30, End: 60, LabelScores: map[string]float64{"meeting": 0.8}},
		{Start: 60, End: 90, LabelScores: map[string]float64{"office": 0.95}},
	}, nil
}

func (f *fakeBackend) EstimateCost(duration float64, opts models.Options) *models.CostEstimate {
	return cloud.DefaultCostRates().Estimate(duration, opts)
}

type fakeProber struct {
	duration float64
}

func (p fakeProber) Probe(ctx context.Context, path string) (media.Info, error) {
	if _, err := os.Stat(path); err != nil {
		return media.Info{}, err
	}
	return media.Info{Duration: p.duration, SampleRate: 16000, Channels: 1, Prober: "fake"}, nil
}

// countingSource wraps a source and counts lease releases.
type countingSource struct {
	backend.Source
	acquired atomic.Int32
	released atomic.Int32
}

func (s *countingSource) Acquire(ctx context.Context, ref string) (*backend.Lease, error) {
	l, err := s.Source.Acquire(ctx, ref)
	if err != nil {
		return nil, err
	}
	s.acquired.Add(1)
	return backend.NewLease(l.Path, func() error {
		s.released.Add(1)
		return l.Release()
	}), nil
}

type harness struct {
	dir     string
	backend *fakeBackend
	source  *countingSource
	runs    storage.MemoryStore
	ledger  storage.DiskStore
	orch    *Orchestrator
	cfg     config.PipelineConfig
}

const meetingRef = "calls/meeting.wav"

func quietLog() *logrus.Entry {
	logger, _ := test.NewNullLogger()
	return logrus.NewEntry(logger)
}

func fastRetry() config.RetryConfig {
	return config.RetryConfig{
		MaxAttempts:      3,
		QuotaMaxAttempts: 2,
		BaseDelay:        time.Millisecond,
		MaxDelay:         2 * time.Millisecond,
	}
}

func newHarness(t *testing.T, mutate func(cfg *config.PipelineConfig)) *harness {
	t.Helper()
	dir := t.TempDir()
	in := filepath.Join(dir, "in")
	require.NoError(t, os.MkdirAll(filepath.Join(in, "calls"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(in, meetingRef), []byte("RIFF meeting"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(in, "calls", "other.wav"), []byte("RIFF other"), 0o644))

	ledger, err := storage.NewDiskStore(filepath.Join(dir, "ledger"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	cfg := config.PipelineConfig{
		Workers:        2,
		QueueSize:      4,
		FileTimeout:    10 * time.Second,
		OutputLocation: "out",
		TopPredictions: 5,
		Retry:          fastRetry(),
		StorageRetry:   fastRetry(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	h := &harness{
		dir:     dir,
		backend: newFakeBackend(),
		source:  &countingSource{Source: &local.FileSource{Root: in, HashContent: true}},
		runs:    storage.NewMemoryStore(),
		ledger:  ledger,
		cfg:     cfg,
	}
	h.orch, err = NewOrchestrator(Deps{
		Backend:   h.backend,
		Source:    h.source,
		Prober:    fakeProber{duration: 90},
		Artifacts: &storage.FSStore{Root: filepath.Join(dir, "artifacts")},
		Ledger:    ledger,
		Runs:      h.runs,
		Log:       quietLog(),
	}, cfg)
	require.NoError(t, err)
	return h
}

func (h *harness) artifact(ref string) string {
	return filepath.Join(h.dir, "artifacts", ref)
}
