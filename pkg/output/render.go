// Package output renders a ProcessingResult into the persisted artifacts.
package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"

	"media-intelligence/pkg/fusion"
	"media-intelligence/pkg/models"
)

// ReportPredictions is how many predictions the situation report lists per segment.
const ReportPredictions = 3

var rule = strings.Repeat("=", 80)

// ResultJSON is the indented result document. Encoding the same result
// twice gives identical bytes.
func ResultJSON(r *models.ProcessingResult) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(r); err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return buf.Bytes(), nil
}

// Transcript renders one "[start - end] speaker: text" line per segment,
// ordered by start time, under a short header.
func Transcript(r *models.ProcessingResult) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "Transcript: %s\n", baseName(r.SourceRef))
	fmt.Fprintf(&b, "Duration: %.2fs\n", r.Duration)
	fmt.Fprintf(&b, "Overall Situation: %s\n", r.OverallSituation)
	if r.SpeakerCount > 0 {
		fmt.Fprintf(&b, "Speakers: %s\n", speakingTime(r.TranscriptSegments))
	}
	b.WriteString(rule + "\n\n")

	segs := make([]models.TranscriptSegment, len(r.TranscriptSegments))
	copy(segs, r.TranscriptSegments)
	sort.SliceStable(segs, func(i, j int) bool { return segs[i].Start < segs[j].Start })

	for _, s := range segs {
		speaker := s.Speaker
		if speaker == "" {
			speaker = models.UnassignedSpeaker
		}
		fmt.Fprintf(&b, "[%s - %s] %s: %s\n", Timestamp(s.Start), Timestamp(s.End), speaker, s.Text)
	}
	return []byte(b.String())
}

func speakingTime(segments []models.TranscriptSegment) string {
	stats := fusion.SpeakingTime(segments, true)
	ids := make([]string, 0, len(stats))
	for id := range stats {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%s %.2fs", id, stats[id])
	}
	return strings.Join(parts, ", ")
}

// SituationReport lists every situation segment with its top predictions.
func SituationReport(r *models.ProcessingResult) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "Situation Analysis: %s\n", baseName(r.SourceRef))
	fmt.Fprintf(&b, "Overall: %s (confidence: %.3f)\n", strings.ToUpper(r.OverallSituation), r.OverallSituationConfidence)
	b.WriteString(rule + "\n\n")

	for _, s := range r.SituationSegments {
		fmt.Fprintf(&b, "[%.1fs - %.1fs] %s (confidence: %.3f)\n", s.Start, s.End, strings.ToUpper(s.Situation), s.Confidence)
		preds := s.TopPredictions
		if len(preds) > ReportPredictions {
			preds = preds[:ReportPredictions]
		}
		if len(preds) > 0 {
			b.WriteString("  Top predictions:\n")
			for _, p := range preds {
				fmt.Fprintf(&b, "    - %s: %.3f\n", p.Label, p.Score)
			}
		}
		b.WriteString("\n")
	}
	return []byte(b.String())
}

// Timestamp formats seconds as HH:MM:SS.mmm.
func Timestamp(sec float64) string {
	if sec < 0 {
		sec = 0
	}
	ms := int64(sec*1000 + 0.5)
	h := ms / 3_600_000
	m := (ms / 60_000) % 60
	s := (ms / 1000) % 60
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms%1000)
}

func baseName(ref string) string {
	if i := strings.Index(ref, "://"); i >= 0 {
		ref = ref[i+3:]
	}
	return path.Base(strings.ReplaceAll(ref, "\\", "/"))
}
