package pipeline

import (
	"sort"

	"github.com/zhihao-yuan/geohazard-warning-engine/internal/model"
)

// mergeObservations fuses the successful sources of both channels into one
// observation. Numeric fields are the reliability-weighted mean over sources
// that reported them; categorical fields come from the most reliable source
// that provided a value. Estimated fields merge separately and are consulted
// by scoring only when the real field is entirely absent.
func mergeObservations(result model.CollectionResult) (model.Observation, []string) {
	merged := model.Observation{}
	var notes []string

	// stable iteration: by descending reliability, then name
	names := make([]string, 0, len(result.Observations))
	for name := range result.Observations {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		ri, rj := result.Reliability[names[i]], result.Reliability[names[j]]
		if ri != rj {
			return ri > rj
		}
		return names[i] < names[j]
	})

	for _, f := range numFields {
		var weighted, weightSum float64
		reported := false
		for _, name := range names {
			obs := result.Observations[name]
			v := f.get(&obs)
			if v == nil {
				continue
			}
			w := result.Reliability[name]
			if w <= 0 {
				w = 0.1
			}
			weighted += w * *v
			weightSum += w
			reported = true
		}
		if reported && weightSum > 0 {
			f.set(&merged, weighted/weightSum)
		}
	}

	for _, name := range names {
		obs := result.Observations[name]
		if merged.Lithology == "" && obs.Lithology != "" {
			merged.Lithology = obs.Lithology
		}
		if merged.WeatherText == "" && obs.WeatherText != "" {
			merged.WeatherText = obs.WeatherText
		}
		if merged.ReportTime == "" && obs.ReportTime != "" {
			merged.ReportTime = obs.ReportTime
		}
		if obs.DataMode == "simulated" {
			merged.DataMode = "simulated"
		}
	}

	if merged.Rain24h == nil && merged.Rain24hEst != nil {
		notes = append(notes, "precipitation_estimated")
	}

	// geology barely changes run to run: when every geology source failed,
	// carry the previous run's merged geology forward
	if len(result.Status.Success[model.ChannelGeology]) == 0 && result.Previous != nil &&
		result.Previous.Meteorology != nil {
		prev := result.Previous.Meteorology.MergedObservation
		if merged.Slope == nil && prev.Slope != nil {
			merged.Slope = prev.Slope
		}
		if merged.FaultDistance == nil && prev.FaultDistance != nil {
			merged.FaultDistance = prev.FaultDistance
		}
		if merged.LithologyRisk == nil && prev.LithologyRisk != nil {
			merged.LithologyRisk = prev.LithologyRisk
		}
		if merged.Lithology == "" {
			merged.Lithology = prev.Lithology
		}
		if prev.Slope != nil || prev.FaultDistance != nil || prev.LithologyRisk != nil {
			notes = append(notes, "reused_previous_geology")
		}
	}
	return merged, notes
}

// effRain24 and effRain1h promote estimates only when the measured field is
// entirely absent.
func effRain24(o model.Observation) *float64 {
	if o.Rain24h != nil {
		return o.Rain24h
	}
	return o.Rain24hEst
}

func effRain1h(o model.Observation) *float64 {
	if o.Rain1h != nil {
		return o.Rain1h
	}
	return o.Rain1hEst
}
