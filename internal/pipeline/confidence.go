package pipeline

import (
	"math"

	"github.com/zhihao-yuan/geohazard-warning-engine/internal/model"
)

const confidenceFormula = "0.36 + 0.30*data_quality + 0.16*change + 0.14*coverage + 0.10*threshold_margin + stability"

// changedFields compares the merged observation against the previous run's
// and returns the fields whose relative change exceeds threshold, plus the
// overall change score in [0,1].
func changedFields(merged model.Observation, previous *model.Snapshot, threshold float64) ([]string, float64) {
	if previous == nil || previous.Meteorology == nil {
		return nil, 0
	}
	prev := previous.Meteorology.MergedObservation

	var changed []string
	compared := 0
	for _, f := range numFields {
		newV, oldV := f.get(&merged), f.get(&prev)
		if newV == nil || oldV == nil {
			continue
		}
		compared++
		base := math.Max(math.Abs(*oldV), 1e-6)
		if math.Abs(*newV-*oldV)/base > threshold {
			changed = append(changed, f.name)
		}
	}
	if compared == 0 {
		return nil, 0
	}
	return changed, clamp01(float64(len(changed)) / float64(compared))
}

// confidence assembles the enumerated component breakdown.
func confidence(quality, change, coverage, score float64, level model.Level, previous *model.Snapshot, llmDelta float64) model.ConfidenceBreakdown {
	margin := clamp01(thresholdMargin(score) / 0.15)

	stability := 0.0
	if previous != nil {
		diff := previous.Level.Rank() - level.Rank()
		if diff < 0 {
			diff = -diff
		}
		switch {
		case diff == 0:
			stability = 0.03
		case diff >= 2:
			stability = -0.04
		}
	}

	components := map[string]float64{
		"base":             0.36,
		"data_quality":     0.30 * quality,
		"change":           0.16 * change,
		"coverage":         0.14 * coverage,
		"threshold_margin": 0.10 * margin,
		"stability":        stability,
	}
	if llmDelta != 0 {
		components["llm_delta"] = llmDelta
	}

	final := 0.0
	for _, v := range components {
		final += v
	}
	return model.ConfidenceBreakdown{
		Formula:         confidenceFormula,
		FinalConfidence: clamp01(final),
		Components:      components,
	}
}

// thresholdMargin is the distance from score to the nearest level boundary.
func thresholdMargin(score float64) float64 {
	min := math.Inf(1)
	for _, t := range []float64{0.3, 0.55, 0.8} {
		if d := math.Abs(score - t); d < min {
			min = d
		}
	}
	return min
}
