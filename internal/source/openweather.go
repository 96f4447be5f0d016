package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/zhihao-yuan/geohazard-warning-engine/internal/model"
)

const openWeatherName = "weather_openweather"

// OpenWeather reads the current-conditions endpoint by centroid. Its rain
// field covers the last hour only; rain_24h stays absent.
type OpenWeather struct {
	mode        KeyMode
	apiKey      string
	baseURL     string
	client      *http.Client
	reliability float64
}

func NewOpenWeather(apiKey, baseURL string, client *http.Client) *OpenWeather {
	if baseURL == "" {
		baseURL = "https://api.openweathermap.org/data/2.5/weather"
	}
	return &OpenWeather{
		mode:        ModeForKey(apiKey),
		apiKey:      apiKey,
		baseURL:     baseURL,
		client:      client,
		reliability: 0.65,
	}
}

func (o *OpenWeather) Name() string           { return openWeatherName }
func (o *OpenWeather) Channel() model.Channel { return model.ChannelMeteorology }
func (o *OpenWeather) Reliability() float64   { return o.reliability }

func (o *OpenWeather) Fetch(ctx context.Context, region model.RegionInput) model.RawPayload {
	switch o.mode {
	case ModeDisabled:
		return disabledPayload(openWeatherName, region)
	case ModeSimulate:
		p := okPayload(openWeatherName, region, simMeteorology(openWeatherName, region.Code))
		p.Simulated = true
		return p
	}

	if region.Lat == nil || region.Lon == nil {
		return errPayload(openWeatherName, region, model.SourceError{
			Kind: model.ErrConnect, Message: "region has no centroid",
		})
	}

	q := url.Values{}
	q.Set("lat", fmt.Sprintf("%.4f", *region.Lat))
	q.Set("lon", fmt.Sprintf("%.4f", *region.Lon))
	q.Set("units", "metric")
	q.Set("appid", o.apiKey)
	reqURL := o.baseURL + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return errPayload(openWeatherName, region, model.SourceError{Kind: model.ErrConnect, Message: err.Error()})
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return errPayload(openWeatherName, region, classifyTransportError(err, o.baseURL))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errPayload(openWeatherName, region, model.SourceError{
			Kind: model.ErrAuthFailed, StatusCode: resp.StatusCode, URL: o.baseURL,
		})
	case resp.StatusCode != http.StatusOK:
		return errPayload(openWeatherName, region, httpStatusError(resp.StatusCode, o.baseURL))
	}

	var body struct {
		Main struct {
			Temp     float64 `json:"temp"`
			Humidity float64 `json:"humidity"`
		} `json:"main"`
		Wind struct {
			Speed float64 `json:"speed"`
			Gust  float64 `json:"gust"`
		} `json:"wind"`
		Rain struct {
			OneH float64 `json:"1h"`
		} `json:"rain"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return errPayload(openWeatherName, region, model.SourceError{
			Kind: model.ErrConnect, Message: fmt.Sprintf("decode: %v", err), URL: o.baseURL,
		})
	}

	fields := map[string]any{
		"rain_1h":     body.Rain.OneH,
		"humidity":    body.Main.Humidity,
		"temperature": body.Main.Temp,
		"wind_speed":  body.Wind.Speed,
	}
	if body.Wind.Gust > 0 {
		fields["wind_gust"] = body.Wind.Gust
	}
	return okPayload(openWeatherName, region, fields)
}

func (o *OpenWeather) Normalize(p model.RawPayload) model.Observation {
	obs := model.Observation{Channel: model.ChannelMeteorology}
	if !p.OK() {
		return obs
	}
	if p.Simulated {
		obs.Rain24h = p.Num("rain_24h")
		obs.DataMode = "simulated"
	}
	obs.Rain1h = p.Num("rain_1h")
	obs.Humidity = p.Num("humidity")
	obs.Temperature = p.Num("temperature")
	obs.WindSpeed = p.Num("wind_speed")
	obs.WindGust = p.Num("wind_gust")
	return obs
}
