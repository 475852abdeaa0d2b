package cloud

import (
	"math"

	"media-intelligence/pkg/models"
)

// CostRates are list prices in USD.
type CostRates struct {
	SpeechEnhancedPer15s     float64 `mapstructure:"speech_enhanced_per_15s"`
	SpeechStandardPer15s     float64 `mapstructure:"speech_standard_per_15s"`
	ClassificationPer1000    float64 `mapstructure:"classification_per_1000"`
	StoragePerRun            float64 `mapstructure:"storage_per_run"`
	ClassificationWindowSecs float64 `mapstructure:"classification_window_secs"`
}

func DefaultCostRates() CostRates {
	return CostRates{
		SpeechEnhancedPer15s:     0.009,
		SpeechStandardPer15s:     0.006,
		ClassificationPer1000:    0.30,
		StoragePerRun:            0.001,
		ClassificationWindowSecs: 30,
	}
}

// Estimate prices one run: speech is billed per started 15 second block at
// the enhanced rate when diarization runs, classification per window.
func (r CostRates) Estimate(duration float64, opts models.Options) *models.CostEstimate {
	speechRate := r.SpeechStandardPer15s
	if opts.DiarizationEnabled {
		speechRate = r.SpeechEnhancedPer15s
	}
	speech := math.Ceil(duration/15) * speechRate

	classification := 0.0
	if opts.SituationEnabled && r.ClassificationWindowSecs > 0 {
		classification = math.Ceil(duration/r.ClassificationWindowSecs) * r.ClassificationPer1000 / 1000
	}

	return &models.CostEstimate{
		SpeechToText:            round4(speech),
		SituationClassification: round4(classification),
		Storage:                 round4(r.StoragePerRun),
		Total:                   round4(speech + classification + r.StoragePerRun),
	}
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
