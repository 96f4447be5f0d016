package source

import (
	"github.com/cespare/xxhash/v2"
)

// simNum derives a stable pseudo-random value in [lo, hi] from the
// (source, region, field) triple, so simulated payloads are identical across
// runs and processes.
func simNum(source, regionCode, field string, lo, hi float64) float64 {
	h := xxhash.Sum64String(source + ":" + regionCode + ":" + field)
	frac := float64(h%100000) / 100000.0
	return lo + frac*(hi-lo)
}

// simWet reports whether the simulated region is in a wet spell; roughly a
// third of regions are.
func simWet(source, regionCode string) bool {
	return xxhash.Sum64String(source+":"+regionCode+":wet")%3 == 0
}

func simMeteorology(source, regionCode string) map[string]any {
	fields := map[string]any{
		"humidity":    simNum(source, regionCode, "humidity", 35, 95),
		"temperature": simNum(source, regionCode, "temperature", 8, 34),
		"wind_speed":  simNum(source, regionCode, "wind_speed", 0.5, 14),
	}
	if simWet(source, regionCode) {
		fields["rain_24h"] = simNum(source, regionCode, "rain_24h", 20, 140)
		fields["rain_1h"] = simNum(source, regionCode, "rain_1h", 2, 30)
		fields["soil_moisture"] = simNum(source, regionCode, "soil_moisture", 0.3, 0.8)
	} else {
		fields["rain_24h"] = simNum(source, regionCode, "rain_24h", 0, 8)
		fields["rain_1h"] = simNum(source, regionCode, "rain_1h", 0, 1.5)
		fields["soil_moisture"] = simNum(source, regionCode, "soil_moisture", 0.05, 0.35)
	}
	return fields
}

func simGeology(source, regionCode string) map[string]any {
	return map[string]any{
		"slope":          simNum(source, regionCode, "slope", 2, 42),
		"fault_distance": simNum(source, regionCode, "fault_distance", 0.5, 25),
		"lithology_risk": simNum(source, regionCode, "lithology_risk", 0.1, 0.9),
	}
}
