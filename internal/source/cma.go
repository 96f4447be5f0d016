package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/zhihao-yuan/geohazard-warning-engine/internal/model"
)

const cmaName = "weather_cma"

// CMA is the station-based national meteorology source. It needs an
// offline-built region-to-station mapping loaded at startup; regions without
// a station get no_station_mapped.
type CMA struct {
	mode        KeyMode
	apiKey      string
	baseURL     string
	stations    map[string]string
	client      *http.Client
	reliability float64
}

func NewCMA(apiKey, baseURL string, stations map[string]string, client *http.Client) *CMA {
	if baseURL == "" {
		baseURL = "https://api.data.cma.cn/surface"
	}
	return &CMA{
		mode:        ModeForKey(apiKey),
		apiKey:      apiKey,
		baseURL:     baseURL,
		stations:    stations,
		client:      client,
		reliability: 0.92,
	}
}

func (c *CMA) Name() string           { return cmaName }
func (c *CMA) Channel() model.Channel { return model.ChannelMeteorology }
func (c *CMA) Reliability() float64   { return c.reliability }

func (c *CMA) Fetch(ctx context.Context, region model.RegionInput) model.RawPayload {
	switch c.mode {
	case ModeDisabled:
		return disabledPayload(cmaName, region)
	case ModeSimulate:
		p := okPayload(cmaName, region, simMeteorology(cmaName, region.Code))
		p.Simulated = true
		return p
	}

	station, ok := c.stations[region.Code]
	if !ok {
		return errPayload(cmaName, region, model.SourceError{
			Kind:    model.ErrNoStationMapped,
			Message: fmt.Sprintf("no station for region %s", region.Code),
		})
	}

	q := url.Values{}
	q.Set("station", station)
	q.Set("elements", "PRE_3h,RHU,WIN_S_Avg_10mi,TEM")
	q.Set("key", c.apiKey)
	reqURL := c.baseURL + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return errPayload(cmaName, region, model.SourceError{Kind: model.ErrConnect, Message: err.Error()})
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return errPayload(cmaName, region, classifyTransportError(err, c.baseURL))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errPayload(cmaName, region, model.SourceError{
			Kind: model.ErrAuthFailed, StatusCode: resp.StatusCode, URL: c.baseURL,
		})
	case resp.StatusCode != http.StatusOK:
		return errPayload(cmaName, region, httpStatusError(resp.StatusCode, c.baseURL))
	}

	var body struct {
		Data []struct {
			Pre3h    float64 `json:"PRE_3h"`
			RHU      float64 `json:"RHU"`
			Wind     float64 `json:"WIN_S_Avg_10mi"`
			Temp     float64 `json:"TEM"`
			Datetime string  `json:"Datetime"`
		} `json:"DS"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return errPayload(cmaName, region, model.SourceError{
			Kind: model.ErrConnect, Message: fmt.Sprintf("decode: %v", err), URL: c.baseURL,
		})
	}

	series := make([]float64, 0, len(body.Data))
	fields := map[string]any{"station": station}
	for i, row := range body.Data {
		series = append(series, row.Pre3h)
		if i == len(body.Data)-1 {
			// latest sample carries the instantaneous elements
			fields["humidity"] = row.RHU
			fields["wind_speed"] = row.Wind
			fields["temperature"] = row.Temp
			fields["report_time"] = row.Datetime
		}
	}
	fields["pre_3h_series"] = series
	return okPayload(cmaName, region, fields)
}

// Normalize accumulates the most recent eight 3-hour precipitation samples
// into rain_24h. rain_1h stays absent unless the payload carries it directly.
func (c *CMA) Normalize(p model.RawPayload) model.Observation {
	obs := model.Observation{Channel: model.ChannelMeteorology}
	if !p.OK() {
		return obs
	}
	if p.Simulated {
		obs.Rain24h = p.Num("rain_24h")
		obs.Rain1h = p.Num("rain_1h")
		obs.SoilMoisture = p.Num("soil_moisture")
		obs.Humidity = p.Num("humidity")
		obs.WindSpeed = p.Num("wind_speed")
		obs.Temperature = p.Num("temperature")
		obs.DataMode = "simulated"
		return obs
	}

	if series := numSeries(p.Fields["pre_3h_series"]); len(series) > 0 {
		start := 0
		if len(series) > 8 {
			start = len(series) - 8
		}
		var sum float64
		for _, v := range series[start:] {
			if v >= 0 {
				sum += v
			}
		}
		obs.Rain24h = model.Float(sum)
	}
	obs.Rain1h = p.Num("rain_1h")
	obs.Humidity = p.Num("humidity")
	obs.WindSpeed = p.Num("wind_speed")
	obs.Temperature = p.Num("temperature")
	obs.ReportTime = p.Str("report_time")
	return obs
}

// numSeries tolerates both the in-process []float64 and the []any shape that
// comes back from the JSON cache round-trip.
func numSeries(v any) []float64 {
	switch t := v.(type) {
	case []float64:
		return t
	case []any:
		out := make([]float64, 0, len(t))
		for _, e := range t {
			if f, ok := e.(float64); ok {
				out = append(out, f)
			}
		}
		return out
	}
	return nil
}
