package pipeline

import "github.com/zhihao-yuan/geohazard-warning-engine/internal/model"

// validateObservation fixes outliers in place: negative values become absent,
// and rain_1h exceeding rain_24h zeroes the shorter window. Returned notes
// feed the data quality note.
func validateObservation(obs *model.Observation) []string {
	var notes []string

	for _, f := range numFields {
		if v := f.get(obs); v != nil && *v < 0 {
			clearField(obs, f.name)
			notes = append(notes, "negative_"+f.name+"_dropped")
		}
	}

	if obs.Rain1h != nil && obs.Rain24h != nil && *obs.Rain1h > *obs.Rain24h {
		zero := 0.0
		obs.Rain1h = &zero
		notes = append(notes, "rain_1h_exceeds_24h_zeroed")
	}
	if obs.Rain1hEst != nil && obs.Rain24hEst != nil && *obs.Rain1hEst > *obs.Rain24hEst {
		zero := 0.0
		obs.Rain1hEst = &zero
	}

	if obs.SoilMoisture != nil && *obs.SoilMoisture > 1 {
		// some sources report percent; rescale into the unit interval
		v := *obs.SoilMoisture / 100
		if v > 1 {
			obs.SoilMoisture = nil
			notes = append(notes, "soil_moisture_out_of_range")
		} else {
			obs.SoilMoisture = &v
		}
	}
	return notes
}

func clearField(obs *model.Observation, name string) {
	switch name {
	case "rain_24h":
		obs.Rain24h = nil
	case "rain_1h":
		obs.Rain1h = nil
	case "rain_24h_est":
		obs.Rain24hEst = nil
	case "rain_1h_est":
		obs.Rain1hEst = nil
	case "humidity":
		obs.Humidity = nil
	case "wind_speed":
		obs.WindSpeed = nil
	case "wind_gust":
		obs.WindGust = nil
	case "temperature":
		obs.Temperature = nil
	case "soil_moisture":
		obs.SoilMoisture = nil
	case "slope":
		obs.Slope = nil
	case "fault_distance":
		obs.FaultDistance = nil
	case "lithology_risk":
		obs.LithologyRisk = nil
	}
}

// dataQuality scores the merged observation's field coverage. Each missing
// field costs a fixed penalty sized roughly to its weight in the risk score,
// not a reliability-weighted average: a region's quality band must not shift
// with which particular sources answered.
func dataQuality(merged model.Observation) float64 {
	q := 1.0
	if merged.Rain24h == nil && merged.Rain24hEst == nil {
		q -= 0.15
	} else if merged.Rain24h == nil {
		// estimate-only precipitation is weaker evidence
		q -= 0.08
	}
	if merged.Rain1h == nil && merged.Rain1hEst == nil {
		q -= 0.05
	}
	if merged.WindSpeed == nil {
		q -= 0.05
	}
	if merged.SoilMoisture == nil {
		q -= 0.05
	}
	if merged.Slope == nil {
		q -= 0.08
	}
	if merged.FaultDistance == nil {
		q -= 0.06
	}
	return clamp01(q)
}
