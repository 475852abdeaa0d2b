package models

import (
	"fmt"
	"math"
)

// boundaryTolerance absorbs float noise when comparing segment edges.
const boundaryTolerance = 1e-6

type ProcessingResult struct {
	RunID                      string              `json:"run_id"`
	SourceRef                  string              `json:"source_ref"`
	Duration                   float64             `json:"duration"`
	TranscriptSegments         []TranscriptSegment `json:"transcript_segments"`
	SituationSegments          []SituationSegment  `json:"situation_segments"`
	OverallSituation           string              `json:"overall_situation"`
	OverallSituationConfidence float64             `json:"overall_situation_confidence"`
	SpeakerCount               int                 `json:"speaker_count"`
	ProcessingTime             float64             `json:"processing_time"`
	Metadata                   map[string]any      `json:"metadata"`
	CostEstimate               *CostEstimate       `json:"cost_estimate"`
}

// Validate checks the properties every persisted result must hold.
func (r *ProcessingResult) Validate() error {
	if r.Duration <= 0 {
		return fmt.Errorf("duration %.3f must be positive", r.Duration)
	}

	for i, s := range r.TranscriptSegments {
		if s.Start < -boundaryTolerance || s.End > r.Duration+boundaryTolerance {
			return fmt.Errorf("transcript segment %d [%.3f,%.3f] outside [0,%.3f]", i, s.Start, s.End, r.Duration)
		}
		if i > 0 && s.Start < r.TranscriptSegments[i-1].Start {
			return fmt.Errorf("transcript segment %d out of order", i)
		}
	}

	if len(r.SituationSegments) == 0 {
		return fmt.Errorf("no situation segments")
	}
	cursor := 0.0
	for i, s := range r.SituationSegments {
		if math.Abs(s.Start-cursor) > boundaryTolerance {
			return fmt.Errorf("situation segment %d starts at %.3f, expected %.3f", i, s.Start, cursor)
		}
		if s.End <= s.Start {
			return fmt.Errorf("situation segment %d is empty", i)
		}
		cursor = s.End
	}
	if math.Abs(cursor-r.Duration) > boundaryTolerance {
		return fmt.Errorf("situation segments end at %.3f, expected %.3f", cursor, r.Duration)
	}

	speakers := map[string]struct{}{}
	for _, s := range r.TranscriptSegments {
		if s.Speaker != "" && s.Speaker != UnassignedSpeaker {
			speakers[s.Speaker] = struct{}{}
		}
	}
	if len(speakers) != r.SpeakerCount {
		return fmt.Errorf("speaker_count %d does not match %d distinct speakers", r.SpeakerCount, len(speakers))
	}
	return nil
}

// Summary is the compact view returned to callers.
func (r *ProcessingResult) Summary() *Summary {
	return &Summary{
		Duration:                   r.Duration,
		SpeakerCount:               r.SpeakerCount,
		OverallSituation:           r.OverallSituation,
		OverallSituationConfidence: r.OverallSituationConfidence,
		SegmentCount:               len(r.TranscriptSegments),
	}
}
