package pipeline

import (
	"sort"

	"github.com/zhihao-yuan/geohazard-warning-engine/internal/model"
)

// hazard candidate rules; strengths below hazardThreshold don't qualify
const (
	hazardThreshold = 0.28
	hazardCap       = 3
)

var hazardNamesZH = map[string]string{
	"landslide":   "滑坡",
	"debris_flow": "泥石流",
	"flood":       "山洪",
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

// hazardCandidates evaluates the rule set over the merged observation and
// returns matches ordered by strength.
func hazardCandidates(merged model.Observation) []string {
	rain24 := sat(deref(effRain24(merged)), rain24Scale)
	rain1h := sat(deref(effRain1h(merged)), rain1hScale)
	slope := sat(deref(merged.Slope), slopeScale)
	soil := clamp01(deref(merged.SoilMoisture))
	lith := clamp01(deref(merged.LithologyRisk))

	fault := 0.0
	if merged.FaultDistance != nil {
		fault = faultProximity(*merged.FaultDistance)
	}

	// sustained rain on gentle terrain pools instead of sliding
	gentle := 1 - clamp01(deref(merged.Slope)/20)
	if merged.Slope == nil {
		gentle = 0.5
	}

	strengths := map[string]float64{
		"landslide":   0.45*rain24 + 0.35*slope + 0.2*soil,
		"debris_flow": 0.4*rain1h + 0.25*rain24 + 0.15*slope + 0.1*fault + 0.1*lith,
		"flood":       gentle * (0.6*rain24 + 0.4*rain1h),
	}

	type scored struct {
		name     string
		strength float64
	}
	var matched []scored
	for name, s := range strengths {
		if s >= hazardThreshold {
			matched = append(matched, scored{name, s})
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].strength != matched[j].strength {
			return matched[i].strength > matched[j].strength
		}
		return matched[i].name < matched[j].name
	})
	if len(matched) > hazardCap {
		matched = matched[:hazardCap]
	}

	out := make([]string, len(matched))
	for i, m := range matched {
		out[i] = m.name
	}
	return out
}
