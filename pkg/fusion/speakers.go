// Package fusion reconciles the transcript, diarization and situation streams
// produced by a backend into one time-ordered record.
package fusion

import (
	"math"

	"media-intelligence/pkg/models"
)

// AssignSpeakers returns a copy of segments with the speaker field set.
//
// A segment takes the speaker of the turn it overlaps most. Ties go to the
// turn whose midpoint is nearer the segment's, then to the turn that starts
// first. A segment that overlaps nothing but sits in a silence gap between
// turns takes the nearest turn by the same rule; any other segment, and every
// segment when diarization did not run, gets models.UnassignedSpeaker.
func AssignSpeakers(segments []models.TranscriptSegment, turns []models.DiarizationTurn, diarized bool) []models.TranscriptSegment {
	out := make([]models.TranscriptSegment, len(segments))
	copy(out, segments)

	if !diarized {
		for i := range out {
			out[i].Speaker = models.UnassignedSpeaker
		}
		return out
	}

	usable := make([]models.DiarizationTurn, 0, len(turns))
	for _, t := range turns {
		if t.End > t.Start {
			usable = append(usable, t)
		}
	}

	for i := range out {
		out[i].Speaker = attribute(out[i], usable)
	}
	return out
}

func attribute(seg models.TranscriptSegment, turns []models.DiarizationTurn) string {
	best := -1
	bestOverlap := 0.0
	for i, t := range turns {
		ov := overlap(seg, t)
		if ov <= 0 {
			continue
		}
		if best < 0 || ov > bestOverlap || (ov == bestOverlap && closer(seg, t, turns[best])) {
			best, bestOverlap = i, ov
		}
	}
	if best >= 0 {
		return turns[best].SpeakerID
	}

	if !inSilenceGap(seg, turns) {
		return models.UnassignedSpeaker
	}
	for i, t := range turns {
		if best < 0 || closer(seg, t, turns[best]) {
			best = i
		}
	}
	return turns[best].SpeakerID
}

func overlap(seg models.TranscriptSegment, t models.DiarizationTurn) float64 {
	return math.Max(0, math.Min(seg.End, t.End)-math.Max(seg.Start, t.Start))
}

// closer reports whether a beats b for seg once overlap is tied.
func closer(seg models.TranscriptSegment, a, b models.DiarizationTurn) bool {
	mid := seg.Midpoint()
	da := math.Abs(a.Midpoint() - mid)
	db := math.Abs(b.Midpoint() - mid)
	if da != db {
		return da < db
	}
	if a.Start != b.Start {
		return a.Start < b.Start
	}
	return a.SpeakerID < b.SpeakerID
}

// inSilenceGap reports whether some turn ends at or before seg and another
// starts at or after it.
func inSilenceGap(seg models.TranscriptSegment, turns []models.DiarizationTurn) bool {
	before, after := false, false
	for _, t := range turns {
		if t.End <= seg.Start {
			before = true
		}
		if t.Start >= seg.End {
			after = true
		}
	}
	return before && after
}

// SpeakerCount is the number of distinct speakers across segments, not
// counting the unassigned sentinel. It is 0 when diarization did not run.
func SpeakerCount(segments []models.TranscriptSegment, diarized bool) int {
	if !diarized {
		return 0
	}
	seen := make(map[string]struct{})
	for _, s := range segments {
		if s.Speaker == "" || s.Speaker == models.UnassignedSpeaker {
			continue
		}
		seen[s.Speaker] = struct{}{}
	}
	return len(seen)
}

// SpeakingTime sums segment durations per speaker, in seconds. The
// unassigned sentinel is left out; the map is nil when diarization did not
// run.
func SpeakingTime(segments []models.TranscriptSegment, diarized bool) map[string]float64 {
	if !diarized {
		return nil
	}
	stats := make(map[string]float64)
	for _, s := range segments {
		if s.Speaker == "" || s.Speaker == models.UnassignedSpeaker {
			continue
		}
		stats[s.Speaker] += s.End - s.Start
	}
	return stats
}
