package fusion

import (
	"math"
	"sort"

	"media-intelligence/pkg/models"
)

// DefaultTopN is how many predictions a segment keeps.
const DefaultTopN = 5

type Aggregation struct {
	Segments   []models.SituationSegment
	Overall    string
	Confidence float64
}

type scoredWindow struct {
	models.SituationWindow
	top   string
	score float64
}

type run struct {
	label   string
	windows []scoredWindow
	start   float64
	end     float64
}

// Aggregate reduces classifier windows to segments that partition
// [0, duration] and to one overall situation for the file.
//
// Consecutive windows with the same top label merge into one segment whose
// confidence is the mean of their top scores. The overall situation is the
// label with the largest score-times-duration sum across all windows.
func Aggregate(windows []models.SituationWindow, duration float64, topN int) Aggregation {
	if topN <= 0 {
		topN = DefaultTopN
	}
	if duration <= 0 {
		return Aggregation{Segments: []models.SituationSegment{}, Overall: models.UnknownSituation}
	}

	scored := clip(windows, duration)
	if len(scored) == 0 {
		return Aggregation{
			Segments: []models.SituationSegment{{
				Start:          0,
				End:            duration,
				Situation:      models.UnknownSituation,
				TopPredictions: []models.Prediction{},
			}},
			Overall: models.UnknownSituation,
		}
	}

	runs := mergeRuns(scored)
	place(runs, duration)
	runs = compact(runs)

	segments := make([]models.SituationSegment, 0, len(runs))
	for _, r := range runs {
		segments = append(segments, r.segment(topN))
	}

	overall, confidence := vote(scored, duration)
	return Aggregation{Segments: segments, Overall: overall, Confidence: confidence}
}

func clip(windows []models.SituationWindow, duration float64) []scoredWindow {
	out := make([]scoredWindow, 0, len(windows))
	for _, w := range windows {
		start := math.Max(w.Start, 0)
		end := math.Min(w.End, duration)
		if end <= start {
			continue
		}
		sw := scoredWindow{SituationWindow: models.SituationWindow{Start: start, End: end, LabelScores: w.LabelScores}}
		sw.top, sw.score = topLabel(w.LabelScores)
		out = append(out, sw)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		return out[i].End < out[j].End
	})
	return out
}

func topLabel(scores map[string]float64) (string, float64) {
	ranked := rank(scores)
	if len(ranked) == 0 {
		return models.UnknownSituation, 0
	}
	return ranked[0].Label, ranked[0].Score
}

// rank orders a distribution by score descending, label ascending on ties.
func rank(scores map[string]float64) []models.Prediction {
	out := make([]models.Prediction, 0, len(scores))
	for label, score := range scores {
		out = append(out, models.Prediction{Label: label, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Label < out[j].Label
	})
	return out
}

func mergeRuns(windows []scoredWindow) []*run {
	var runs []*run
	for _, w := range windows {
		if n := len(runs); n > 0 && runs[n-1].label == w.top {
			runs[n-1].windows = append(runs[n-1].windows, w)
			continue
		}
		runs = append(runs, &run{label: w.top, windows: []scoredWindow{w}})
	}
	return runs
}

// place sets run bounds: the first run starts at 0, the last ends at
// duration, and each boundary between runs sits halfway between the last
// window of one run and the first window of the next.
func place(runs []*run, duration float64) {
	prev := 0.0
	for i, r := range runs {
		r.start = prev
		if i == len(runs)-1 {
			r.end = duration
			break
		}
		last := r.windows[len(r.windows)-1]
		next := runs[i+1].windows[0]
		b := (last.End + next.Start) / 2
		b = math.Min(math.Max(b, prev), duration)
		r.end = b
		prev = b
	}
}

// compact drops empty runs and joins neighbours that end up with the same label.
func compact(runs []*run) []*run {
	out := make([]*run, 0, len(runs))
	for _, r := range runs {
		if r.end <= r.start {
			continue
		}
		if n := len(out); n > 0 && out[n-1].label == r.label {
			out[n-1].windows = append(out[n-1].windows, r.windows...)
			out[n-1].end = r.end
			continue
		}
		out = append(out, r)
	}
	if len(out) > 0 {
		out[0].start = 0
		for i := 1; i < len(out); i++ {
			out[i].start = out[i-1].end
		}
	}
	return out
}

func (r *run) segment(topN int) models.SituationSegment {
	sum := 0.0
	best := r.windows[0]
	for _, w := range r.windows {
		sum += w.score
		if w.score > best.score {
			best = w
		}
	}

	preds := rank(best.LabelScores)
	if len(preds) > topN {
		preds = preds[:topN]
	}

	return models.SituationSegment{
		Start:          r.start,
		End:            r.end,
		Situation:      r.label,
		Confidence:     sum / float64(len(r.windows)),
		TopPredictions: preds,
	}
}

func vote(windows []scoredWindow, duration float64) (string, float64) {
	weights := make(map[string]float64)
	for _, w := range windows {
		for _, p := range rank(w.LabelScores) {
			weights[p.Label] += p.Score * w.Duration()
		}
	}

	ranked := rank(weights)
	if len(ranked) == 0 || ranked[0].Score <= 0 {
		return models.UnknownSituation, 0
	}
	return ranked[0].Label, math.Min(math.Max(ranked[0].Score/duration, 0), 1)
}
