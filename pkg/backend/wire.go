package backend

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"media-intelligence/pkg/apperr"
	"media-intelligence/pkg/fusion"
	"media-intelligence/pkg/models"
)

// Wire formats shared by the local helpers and the cloud services. Both
// backends decode through the functions below so their records match.

type WireWord struct {
	Word        string   `json:"word"`
	Text        string   `json:"text"`
	Start       float64  `json:"start"`
	End         float64  `json:"end"`
	Probability *float64 `json:"probability"`
	Confidence  *float64 `json:"confidence"`
}

type WireSegment struct {
	Start      float64    `json:"start"`
	End        float64    `json:"end"`
	Text       string     `json:"text"`
	Confidence *float64   `json:"confidence"`
	AvgLogprob *float64   `json:"avg_logprob"`
	Words      []WireWord `json:"words"`
}

// WireTranscript matches faster-whisper helper output and the OpenAI
// verbose_json response, where words may sit at the top level.
type WireTranscript struct {
	Language string        `json:"language"`
	Duration float64       `json:"duration"`
	Text     string        `json:"text"`
	Segments []WireSegment `json:"segments"`
	Words    []WireWord    `json:"words"`
}

type WireTurn struct {
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	Speaker   string  `json:"speaker"`
	SpeakerID string  `json:"speaker_id"`
}

type WireTurns struct {
	Turns []WireTurn `json:"turns"`
}

type WirePrediction struct {
	Label      string   `json:"label"`
	Confidence *float64 `json:"confidence"`
	Score      *float64 `json:"score"`
}

type WireWindow struct {
	Start       float64            `json:"start"`
	End         float64            `json:"end"`
	LabelScores map[string]float64 `json:"label_scores"`
	Predictions []WirePrediction   `json:"predictions"`
}

type WireWindows struct {
	Windows []WireWindow `json:"windows"`
}

func malformed(format string, args ...any) error {
	return apperr.New(apperr.KindInternal, "malformed backend output: "+format, args...)
}

// Unmarshal decodes helper or service JSON, reporting bad payloads as internal errors.
func Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return malformed("%v", err)
	}
	return nil
}

// DecodeTranscript validates a wire transcript into ordered segments.
// Zero-length segments are dropped and word times are clamped into their
// segment.
func DecodeTranscript(wt WireTranscript) ([]models.TranscriptSegment, error) {
	segs := make([]WireSegment, len(wt.Segments))
	copy(segs, wt.Segments)
	sort.SliceStable(segs, func(i, j int) bool { return segs[i].Start < segs[j].Start })

	out := make([]models.TranscriptSegment, 0, len(segs))
	for i, s := range segs {
		if s.End <= s.Start || s.End <= 0 {
			continue
		}
		words := s.Words
		if len(words) == 0 && len(wt.Words) > 0 {
			words = wordsWithin(wt.Words, s.Start, s.End, i == len(segs)-1)
		}
		seg, err := models.NewTranscriptSegment(math.Max(s.Start, 0), s.End, s.Text, segmentConfidence(s), decodeWords(words, math.Max(s.Start, 0), s.End))
		if err != nil {
			return nil, malformed("segment %d: %v", i, err)
		}
		out = append(out, seg)
	}
	return out, nil
}

func segmentConfidence(s WireSegment) float64 {
	switch {
	case s.Confidence != nil:
		return clamp01(*s.Confidence)
	case s.AvgLogprob != nil:
		return clamp01(math.Exp(*s.AvgLogprob))
	default:
		return 0
	}
}

func wordsWithin(words []WireWord, start, end float64, last bool) []WireWord {
	var out []WireWord
	for _, w := range words {
		if w.Start >= start && (w.Start < end || (last && w.Start <= end)) {
			out = append(out, w)
		}
	}
	return out
}

func decodeWords(words []WireWord, start, end float64) []models.Word {
	out := make([]models.Word, 0, len(words))
	for _, w := range words {
		text := w.Word
		if text == "" {
			text = w.Text
		}
		conf := 0.0
		if w.Probability != nil {
			conf = clamp01(*w.Probability)
		} else if w.Confidence != nil {
			conf = clamp01(*w.Confidence)
		}
		ws := math.Min(math.Max(w.Start, start), end)
		we := math.Min(math.Max(w.End, ws), end)
		out = append(out, models.Word{Text: strings.TrimSpace(text), Start: ws, End: we, Confidence: conf})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// DecodeTurns validates wire turns, ordered by start time.
func DecodeTurns(wt WireTurns) ([]models.DiarizationTurn, error) {
	out := make([]models.DiarizationTurn, 0, len(wt.Turns))
	for i, t := range wt.Turns {
		id := t.SpeakerID
		if id == "" {
			id = t.Speaker
		}
		turn, err := models.NewDiarizationTurn(t.Start, t.End, id)
		if err != nil {
			return nil, malformed("turn %d: %v", i, err)
		}
		out = append(out, turn)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out, nil
}

// DecodeWindows validates wire windows, ordered by start time. With a
// taxonomy the raw labels are mapped onto situations.
func DecodeWindows(ww WireWindows, tax *fusion.Taxonomy) ([]models.SituationWindow, error) {
	out := make([]models.SituationWindow, 0, len(ww.Windows))
	for i, w := range ww.Windows {
		scores := make(map[string]float64, len(w.LabelScores)+len(w.Predictions))
		for l, s := range w.LabelScores {
			scores[l] = s
		}
		for _, p := range w.Predictions {
			switch {
			case p.Confidence != nil:
				scores[p.Label] = *p.Confidence
			case p.Score != nil:
				scores[p.Label] = *p.Score
			}
		}
		if tax != nil {
			scores = tax.Map(scores)
		}
		win, err := models.NewSituationWindow(w.Start, w.End, scores)
		if err != nil {
			return nil, malformed("window %d: %v", i, err)
		}
		out = append(out, win)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out, nil
}

// Windows is the sliding window layout a classifier should use.
type Windows struct {
	Length float64
	Stride float64
}

func (w Windows) String() string {
	return fmt.Sprintf("%gs/%gs", w.Length, w.Stride)
}

func clamp01(v float64) float64 {
	return math.Min(math.Max(v, 0), 1)
}

