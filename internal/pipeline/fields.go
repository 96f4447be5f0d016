package pipeline

import "github.com/zhihao-yuan/geohazard-warning-engine/internal/model"

// numField gives merge, change detection, and validation a uniform view of
// the typed observation fields.
type numField struct {
	name string
	get  func(*model.Observation) *float64
	set  func(*model.Observation, float64)
}

var numFields = []numField{
	{"rain_24h",
		func(o *model.Observation) *float64 { return o.Rain24h },
		func(o *model.Observation, v float64) { o.Rain24h = &v }},
	{"rain_1h",
		func(o *model.Observation) *float64 { return o.Rain1h },
		func(o *model.Observation, v float64) { o.Rain1h = &v }},
	{"rain_24h_est",
		func(o *model.Observation) *float64 { return o.Rain24hEst },
		func(o *model.Observation, v float64) { o.Rain24hEst = &v }},
	{"rain_1h_est",
		func(o *model.Observation) *float64 { return o.Rain1hEst },
		func(o *model.Observation, v float64) { o.Rain1hEst = &v }},
	{"humidity",
		func(o *model.Observation) *float64 { return o.Humidity },
		func(o *model.Observation, v float64) { o.Humidity = &v }},
	{"wind_speed",
		func(o *model.Observation) *float64 { return o.WindSpeed },
		func(o *model.Observation, v float64) { o.WindSpeed = &v }},
	{"wind_gust",
		func(o *model.Observation) *float64 { return o.WindGust },
		func(o *model.Observation, v float64) { o.WindGust = &v }},
	{"temperature",
		func(o *model.Observation) *float64 { return o.Temperature },
		func(o *model.Observation, v float64) { o.Temperature = &v }},
	{"soil_moisture",
		func(o *model.Observation) *float64 { return o.SoilMoisture },
		func(o *model.Observation, v float64) { o.SoilMoisture = &v }},
	{"slope",
		func(o *model.Observation) *float64 { return o.Slope },
		func(o *model.Observation, v float64) { o.Slope = &v }},
	{"fault_distance",
		func(o *model.Observation) *float64 { return o.FaultDistance },
		func(o *model.Observation, v float64) { o.FaultDistance = &v }},
	{"lithology_risk",
		func(o *model.Observation) *float64 { return o.LithologyRisk },
		func(o *model.Observation, v float64) { o.LithologyRisk = &v }},
}

func clamp01(x float64) float64 {
	switch {
	case x < 0:
		return 0
	case x > 1:
		return 1
	}
	return x
}

// sat is the piecewise-linear saturating transform x/scale clamped to [0,1].
func sat(x, scale float64) float64 {
	if scale <= 0 {
		return 0
	}
	return clamp01(x / scale)
}
