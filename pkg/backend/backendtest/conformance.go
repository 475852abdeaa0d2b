// Package backendtest is the conformance suite every backend.Backend runs in
// its tests. Both backends serve the same fixture recording and must decode
// it into identical records.
package backendtest

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media-intelligence/pkg/apperr"
	"media-intelligence/pkg/backend"
	"media-intelligence/pkg/models"
)

// FixtureDuration is the length of the fixture recording in seconds.
const FixtureDuration = 10.0

// TranscriptSegmentWords is the fixture transcript with words nested in
// segments, as the faster-whisper helper prints it.
const TranscriptSegmentWords = `{
  "language": "en",
  "duration": 10.0,
  "segments": [
    {"start": 0.0, "end": 4.2, "text": " Good morning everyone.", "avg_logprob": -0.2,
     "words": [
       {"word": " Good", "start": 0.0, "end": 0.5, "probability": 0.9},
       {"word": " morning", "start": 0.5, "end": 1.1, "probability": 0.95},
       {"word": " everyone.", "start": 1.1, "end": 2.0, "probability": 0.8}
     ]},
    {"start": 5.0, "end": 9.5, "text": " Let's start with the agenda.", "avg_logprob": -0.3,
     "words": [
       {"word": " Let's", "start": 5.0, "end": 5.4, "probability": 0.85},
       {"word": " start", "start": 5.4, "end": 5.9, "probability": 0.9},
       {"word": " with", "start": 5.9, "end": 6.1, "probability": 0.99},
       {"word": " the", "start": 6.1, "end": 6.3, "probability": 0.99},
       {"word": " agenda.", "start": 6.3, "end": 7.0, "probability": 0.7}
     ]}
  ]
}`

// TranscriptTopLevelWords is the same transcript in the verbose_json shape
// of OpenAI-compatible services, with words listed beside the segments.
const TranscriptTopLevelWords = `{
  "task": "transcribe",
  "language": "english",
  "duration": 10.0,
  "text": "Good morning everyone. Let's start with the agenda.",
  "segments": [
    {"id": 0, "start": 0.0, "end": 4.2, "text": " Good morning everyone.", "avg_logprob": -0.2, "no_speech_prob": 0.01},
    {"id": 1, "start": 5.0, "end": 9.5, "text": " Let's start with the agenda.", "avg_logprob": -0.3, "no_speech_prob": 0.02}
  ],
  "words": [
    {"word": "Good", "start": 0.0, "end": 0.5, "probability": 0.9},
    {"word": "morning", "start": 0.5, "end": 1.1, "probability": 0.95},
    {"word": "everyone.", "start": 1.1, "end": 2.0, "probability": 0.8},
    {"word": "Let's", "start": 5.0, "end": 5.4, "probability": 0.85},
    {"word": "start", "start": 5.4, "end": 5.9, "probability": 0.9},
    {"word": "with", "start": 5.9, "end": 6.1, "probability": 0.99},
    {"word": "the", "start": 6.1, "end": 6.3, "probability": 0.99},
    {"word": "agenda.", "start": 6.3, "end": 7.0, "probability": 0.7}
  ]
}`

const Turns = `{"turns": [
  {"start": 4.8, "end": 10.0, "speaker": "SPEAKER_01"},
  {"start": 0.0, "end": 4.5, "speaker": "SPEAKER_00"}
]}`

const Windows = `{"windows": [
  {"start": 0.0, "end": 5.0, "predictions": [{"label": "Speech", "confidence": 0.82}, {"label": "Inside, small room", "confidence": 0.31}]},
  {"start": 5.0, "end": 10.0, "predictions": [{"label": "Speech", "confidence": 0.77}, {"label": "Typing", "confidence": 0.12}]}
]}`

func ExpectedTranscript() []models.TranscriptSegment {
	return []models.TranscriptSegment{
		{Start: 0, End: 4.2, Text: "Good morning everyone.", Confidence: math.Exp(-0.2), Words: []models.Word{
			{Text: "Good", Start: 0, End: 0.5, Confidence: 0.9},
			{Text: "morning", Start: 0.5, End: 1.1, Confidence: 0.95},
			{Text: "everyone.", Start: 1.1, End: 2.0, Confidence: 0.8},
		}},
		{Start: 5, End: 9.5, Text: "Let's start with the agenda.", Confidence: math.Exp(-0.3), Words: []models.Word{
			{Text: "Let's", Start: 5.0, End: 5.4, Confidence: 0.85},
			{Text: "start", Start: 5.4, End: 5.9, Confidence: 0.9},
			{Text: "with", Start: 5.9, End: 6.1, Confidence: 0.99},
			{Text: "the", Start: 6.1, End: 6.3, Confidence: 0.99},
			{Text: "agenda.", Start: 6.3, End: 7.0, Confidence: 0.7},
		}},
	}
}

func ExpectedTurns() []models.DiarizationTurn {
	return []models.DiarizationTurn{
		{Start: 0, End: 4.5, SpeakerID: "SPEAKER_00"},
		{Start: 4.8, End: 10, SpeakerID: "SPEAKER_01"},
	}
}

func ExpectedWindows() []models.SituationWindow {
	return []models.SituationWindow{
		{Start: 0, End: 5, LabelScores: map[string]float64{"Speech": 0.82, "Inside, small room": 0.31}},
		{Start: 5, End: 10, LabelScores: map[string]float64{"Speech": 0.77, "Typing": 0.12}},
	}
}

type Op string

const (
	OpTranscribe Op = "transcribe"
	OpDiarize    Op = "diarize"
	OpClassify   Op = "classify"
)

// Harness is one backend wired to serve the fixture recording.
type Harness struct {
	Backend backend.Backend
	Audio   backend.Audio
	// Fail makes every later call of op fail the way this backend reports
	// kind. Only transient, not found, invalid input and internal are asked for.
	Fail func(op Op, kind apperr.Kind)
}

func call(ctx context.Context, h *Harness, op Op) (any, error) {
	opts := models.DefaultOptions()
	switch op {
	case OpTranscribe:
		return h.Backend.Transcribe(ctx, h.Audio, opts)
	case OpDiarize:
		return h.Backend.Diarize(ctx, h.Audio, opts)
	default:
		return h.Backend.Classify(ctx, h.Audio, opts)
	}
}

// Run executes the suite. newHarness is called once per subtest.
func Run(t *testing.T, newHarness func(t *testing.T) *Harness) {
	ctx := context.Background()

	t.Run("transcribe matches fixture", func(t *testing.T) {
		h := newHarness(t)
		segs, err := h.Backend.Transcribe(ctx, h.Audio, models.DefaultOptions())
		require.NoError(t, err)
		assertSegmentsEqual(t, ExpectedTranscript(), segs)
	})

	t.Run("diarize matches fixture", func(t *testing.T) {
		h := newHarness(t)
		turns, err := h.Backend.Diarize(ctx, h.Audio, models.DefaultOptions())
		require.NoError(t, err)
		assert.Equal(t, ExpectedTurns(), turns)
	})

	t.Run("classify matches fixture", func(t *testing.T) {
		h := newHarness(t)
		windows, err := h.Backend.Classify(ctx, h.Audio, models.DefaultOptions())
		require.NoError(t, err)
		require.Len(t, windows, len(ExpectedWindows()))
		for i, want := range ExpectedWindows() {
			assert.Equal(t, want.Start, windows[i].Start)
			assert.Equal(t, want.End, windows[i].End)
			assert.InDeltaMapValues(t, want.LabelScores, windows[i].LabelScores, 1e-9)
		}
	})

	t.Run("concurrent calls share the backend safely", func(t *testing.T) {
		h := newHarness(t)
		var wg sync.WaitGroup
		errs := make([]error, 6)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = call(ctx, h, []Op{OpTranscribe, OpDiarize, OpClassify}[i%3])
			}(i)
		}
		wg.Wait()
		for _, err := range errs {
			assert.NoError(t, err)
		}
	})

	for _, op := range []Op{OpTranscribe, OpDiarize, OpClassify} {
		for _, kind := range []apperr.Kind{apperr.KindUpstreamTransient, apperr.KindNotFound, apperr.KindInvalidInput, apperr.KindInternal} {
			t.Run(string(op)+" reports "+string(kind), func(t *testing.T) {
				h := newHarness(t)
				h.Fail(op, kind)
				_, err := call(ctx, h, op)
				require.Error(t, err)
				assert.Equal(t, kind, apperr.KindOf(err), "%v", err)
			})
		}
	}

	t.Run("cancelled context stops the call", func(t *testing.T) {
		h := newHarness(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := h.Backend.Transcribe(cctx, h.Audio, models.DefaultOptions())
		assert.Error(t, err)
	})
}

func assertSegmentsEqual(t *testing.T, want, got []models.TranscriptSegment) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].Start, got[i].Start)
		assert.Equal(t, want[i].End, got[i].End)
		assert.Equal(t, want[i].Text, got[i].Text)
		assert.InDelta(t, want[i].Confidence, got[i].Confidence, 1e-12)
		assert.Equal(t, want[i].Words, got[i].Words, "segment %d words", i)
		assert.Empty(t, got[i].Speaker, "backends never set speakers")
	}
}
