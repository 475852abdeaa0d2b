package models

import (
	"fmt"
	"strings"
)

const (
	UnassignedSpeaker = "unassigned"
	UnknownSituation  = "unknown"
)

type Word struct {
	Text       string  `json:"text"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

type TranscriptSegment struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	Speaker    string  `json:"speaker"`
	Confidence float64 `json:"confidence"`
	Words      []Word  `json:"words"`
}

type DiarizationTurn struct {
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	SpeakerID string  `json:"speaker_id"`
}

type SituationWindow struct {
	Start       float64            `json:"start"`
	End         float64            `json:"end"`
	LabelScores map[string]float64 `json:"label_scores"`
}

type Prediction struct {
	Label string  `json:"label"`
	Score float64 `json:"confidence"`
}

type SituationSegment struct {
	Start          float64      `json:"start"`
	End            float64      `json:"end"`
	Situation      string       `json:"situation"`
	Confidence     float64      `json:"confidence"`
	TopPredictions []Prediction `json:"top_predictions"`
}

type CostEstimate struct {
	SpeechToText            float64 `json:"speech_to_text"`
	SituationClassification float64 `json:"situation_classification"`
	Storage                 float64 `json:"storage"`
	Total                   float64 `json:"total"`
}

// NewTranscriptSegment trims the text and checks time bounds, confidence and
// word ordering. Backends build every segment through it.
func NewTranscriptSegment(start, end float64, text string, confidence float64, words []Word) (TranscriptSegment, error) {
	if end <= start {
		return TranscriptSegment{}, fmt.Errorf("segment end %.3f must be after start %.3f", end, start)
	}
	if start < 0 {
		return TranscriptSegment{}, fmt.Errorf("segment start %.3f is negative", start)
	}
	if confidence < 0 || confidence > 1 {
		return TranscriptSegment{}, fmt.Errorf("segment confidence %.3f outside [0,1]", confidence)
	}

	prev := start
	for i, w := range words {
		if w.End < w.Start {
			return TranscriptSegment{}, fmt.Errorf("word %d ends before it starts", i)
		}
		if w.Start < prev {
			return TranscriptSegment{}, fmt.Errorf("word %d starts at %.3f, before %.3f", i, w.Start, prev)
		}
		if w.End > end {
			return TranscriptSegment{}, fmt.Errorf("word %d ends at %.3f, after segment end %.3f", i, w.End, end)
		}
		if w.Confidence < 0 || w.Confidence > 1 {
			return TranscriptSegment{}, fmt.Errorf("word %d confidence %.3f outside [0,1]", i, w.Confidence)
		}
		prev = w.Start
	}

	if words == nil {
		words = []Word{}
	}

	return TranscriptSegment{
		Start:      start,
		End:        end,
		Text:       strings.TrimSpace(text),
		Confidence: confidence,
		Words:      words,
	}, nil
}

func NewDiarizationTurn(start, end float64, speakerID string) (DiarizationTurn, error) {
	if end < start {
		return DiarizationTurn{}, fmt.Errorf("turn end %.3f before start %.3f", end, start)
	}
	speakerID = strings.TrimSpace(speakerID)
	if speakerID == "" {
		return DiarizationTurn{}, fmt.Errorf("turn at %.3f has no speaker id", start)
	}
	return DiarizationTurn{Start: start, End: end, SpeakerID: speakerID}, nil
}

func NewSituationWindow(start, end float64, scores map[string]float64) (SituationWindow, error) {
	if end <= start {
		return SituationWindow{}, fmt.Errorf("window end %.3f must be after start %.3f", end, start)
	}
	copied := make(map[string]float64, len(scores))
	for label, score := range scores {
		if score < 0 || score > 1 {
			return SituationWindow{}, fmt.Errorf("window %.3f label %q score %.3f outside [0,1]", start, label, score)
		}
		copied[label] = score
	}
	return SituationWindow{Start: start, End: end, LabelScores: copied}, nil
}

// Duration is the window length in seconds.
func (w SituationWindow) Duration() float64 {
	return w.End - w.Start
}

func (s TranscriptSegment) Midpoint() float64 {
	return (s.Start + s.End) / 2
}

func (t DiarizationTurn) Midpoint() float64 {
	return (t.Start + t.End) / 2
}
