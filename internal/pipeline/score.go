package pipeline

import (
	"github.com/cespare/xxhash/v2"

	"github.com/zhihao-yuan/geohazard-warning-engine/internal/config"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/model"
)

// feature saturation scales
const (
	rain24Scale = 120 // mm/24h considered fully saturated
	rain1hScale = 40  // mm/h
	windScale   = 25  // m/s
	slopeScale  = 45  // degrees
	historyRef  = 8   // active warnings over the window
	faultNearKM = 2   // km at which fault proximity saturates
	faultFloor  = 0.4 // km floor so the transform stays bounded
)

// localScore is the transparent weighted function over the merged
// observation. Absent features give their weight up proportionally to the
// present ones; they never count as zero measurements.
func localScore(merged model.Observation, historyCount int, w config.RiskWeights) float64 {
	type feat struct {
		weight float64
		value  *float64
	}

	feats := []feat{
		{w.Rain24h, featVal(effRain24(merged), func(v float64) float64 { return sat(v, rain24Scale) })},
		{w.Rain1h, featVal(effRain1h(merged), func(v float64) float64 { return sat(v, rain1hScale) })},
		{w.SoilMoisture, featVal(merged.SoilMoisture, clamp01)},
		{w.WindSpeed, featVal(merged.WindSpeed, func(v float64) float64 { return sat(v, windScale) })},
		{w.Slope, featVal(merged.Slope, func(v float64) float64 { return sat(v, slopeScale) })},
		{w.FaultDistance, featVal(merged.FaultDistance, faultProximity)},
		{w.Lithology, featVal(merged.LithologyRisk, clamp01)},
		{w.History, historyFeature(historyCount)},
	}

	var sum, weightSum float64
	for _, f := range feats {
		if f.value == nil {
			continue
		}
		sum += f.weight * *f.value
		weightSum += f.weight
	}
	if weightSum == 0 {
		return 0
	}
	return clamp01(sum / weightSum)
}

func featVal(v *float64, transform func(float64) float64) *float64 {
	if v == nil {
		return nil
	}
	t := transform(*v)
	return &t
}

// faultProximity saturates as the nearest mapped fault gets close: 1 inside
// 2 km, decaying hyperbolically beyond it.
func faultProximity(distKM float64) float64 {
	if distKM < faultFloor {
		distKM = faultFloor
	}
	return clamp01(faultNearKM / distKM)
}

func historyFeature(count int) *float64 {
	if count < 0 {
		return nil
	}
	v := sat(float64(count), historyRef)
	return &v
}

// baselineScore gives a conservative, code-stable score for regions with no
// data and no history, so output stays deterministic.
func baselineScore(regionCode string) float64 {
	return 0.05 + float64(xxhash.Sum64String(regionCode)%20)/100
}
