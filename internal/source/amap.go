package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/zhihao-yuan/geohazard-warning-engine/internal/model"
)

const amapName = "weather_amap"

// rainEstimate maps a realtime weather phrase to plausible 24h/1h
// precipitation. The realtime endpoint has no millimetric field, so these
// only ever populate the _est variants.
type rainEstimate struct {
	rain24h float64
	rain1h  float64
}

// matched by Contains in table order, so every phrase precedes its own
// substrings: 特大暴雨 and 大到暴雨 before 暴雨, 中到大雨 before 大雨,
// 雷阵雨 before 阵雨
var amapRainTable = []struct {
	phrase string
	est    rainEstimate
}{
	{"特大暴雨", rainEstimate{220, 30}},
	{"大暴雨", rainEstimate{140, 20}},
	{"大到暴雨", rainEstimate{60, 9}},
	{"暴雨", rainEstimate{80, 12}},
	{"中到大雨", rainEstimate{30, 5}},
	{"雷阵雨", rainEstimate{20, 8}},
	{"大雨", rainEstimate{45, 7}},
	{"中雨", rainEstimate{18, 3}},
	{"阵雨", rainEstimate{10, 4}},
	{"小雨", rainEstimate{5, 1}},
	{"雨夹雪", rainEstimate{6, 1.5}},
}

// wind power level to mean wind speed in m/s
var amapWindTable = map[string]float64{
	"≤3": 4.0, "1": 0.9, "2": 2.5, "3": 4.4, "4": 6.7, "5": 9.4,
	"6": 12.3, "7": 15.5, "8": 19.0, "9": 22.6, "10": 26.5,
	"11": 30.6, "12": 35.0,
}

// AMap reads the AMap realtime weather endpoint keyed by administrative code.
type AMap struct {
	mode        KeyMode
	apiKey      string
	baseURL     string
	client      *http.Client
	reliability float64
}

func NewAMap(apiKey, baseURL string, client *http.Client) *AMap {
	if baseURL == "" {
		baseURL = "https://restapi.amap.com/v3/weather/weatherInfo"
	}
	return &AMap{
		mode:        ModeForKey(apiKey),
		apiKey:      apiKey,
		baseURL:     baseURL,
		client:      client,
		reliability: 0.70,
	}
}

func (a *AMap) Name() string           { return amapName }
func (a *AMap) Channel() model.Channel { return model.ChannelMeteorology }
func (a *AMap) Reliability() float64   { return a.reliability }

func (a *AMap) Fetch(ctx context.Context, region model.RegionInput) model.RawPayload {
	switch a.mode {
	case ModeDisabled:
		return disabledPayload(amapName, region)
	case ModeSimulate:
		p := okPayload(amapName, region, simMeteorology(amapName, region.Code))
		p.Simulated = true
		return p
	}

	q := url.Values{}
	q.Set("city", region.Code)
	q.Set("key", a.apiKey)
	q.Set("extensions", "base")
	reqURL := a.baseURL + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return errPayload(amapName, region, model.SourceError{Kind: model.ErrConnect, Message: err.Error()})
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return errPayload(amapName, region, classifyTransportError(err, a.baseURL))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errPayload(amapName, region, httpStatusError(resp.StatusCode, a.baseURL))
	}

	var body struct {
		Status string `json:"status"`
		Info   string `json:"info"`
		Lives  []struct {
			Weather    string `json:"weather"`
			Temp       string `json:"temperature"`
			WindPower  string `json:"windpower"`
			Humidity   string `json:"humidity"`
			ReportTime string `json:"reporttime"`
		} `json:"lives"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return errPayload(amapName, region, model.SourceError{
			Kind: model.ErrConnect, Message: fmt.Sprintf("decode: %v", err), URL: a.baseURL,
		})
	}
	if body.Status != "1" {
		// AMap signals auth problems inside a 200 body
		if strings.Contains(strings.ToUpper(body.Info), "KEY") {
			return errPayload(amapName, region, model.SourceError{
				Kind: model.ErrAuthFailed, Message: body.Info, URL: a.baseURL,
			})
		}
		return errPayload(amapName, region, model.SourceError{
			Kind: model.ErrConnect, Message: body.Info, URL: a.baseURL,
		})
	}
	if len(body.Lives) == 0 {
		return errPayload(amapName, region, model.SourceError{
			Kind: model.ErrConnect, Message: "empty lives payload", URL: a.baseURL,
		})
	}

	live := body.Lives[0]
	fields := map[string]any{
		"weather":     live.Weather,
		"wind_power":  live.WindPower,
		"report_time": live.ReportTime,
	}
	if v, err := strconv.ParseFloat(live.Temp, 64); err == nil {
		fields["temperature"] = v
	}
	if v, err := strconv.ParseFloat(live.Humidity, 64); err == nil {
		fields["humidity"] = v
	}
	return okPayload(amapName, region, fields)
}

// Normalize writes only estimator fields for precipitation and tags the
// observation so merge keeps estimates out unless nothing better exists.
func (a *AMap) Normalize(p model.RawPayload) model.Observation {
	obs := model.Observation{Channel: model.ChannelMeteorology}
	if !p.OK() {
		return obs
	}
	if p.Simulated {
		obs.Rain24hEst = p.Num("rain_24h")
		obs.Rain1hEst = p.Num("rain_1h")
		obs.Humidity = p.Num("humidity")
		obs.WindSpeed = p.Num("wind_speed")
		obs.Temperature = p.Num("temperature")
		obs.DataMode = "simulated"
		obs.DataQualityNote = "precipitation_estimated"
		return obs
	}

	weather := p.Str("weather")
	if est, ok := EstimateRain(weather); ok {
		obs.Rain24hEst = model.Float(est.rain24h)
		obs.Rain1hEst = model.Float(est.rain1h)
	} else if weather != "" {
		obs.Rain24hEst = model.Float(0)
		obs.Rain1hEst = model.Float(0)
	}
	obs.WeatherText = weather
	obs.Humidity = p.Num("humidity")
	obs.Temperature = p.Num("temperature")
	if ws, ok := WindPowerToSpeed(p.Str("wind_power")); ok {
		obs.WindSpeed = model.Float(ws)
	}
	obs.ReportTime = p.Str("report_time")
	obs.DataQualityNote = "precipitation_estimated"
	return obs
}

// EstimateRain maps a weather phrase onto the precipitation table.
func EstimateRain(weather string) (rainEstimate, bool) {
	for _, row := range amapRainTable {
		if strings.Contains(weather, row.phrase) {
			return row.est, true
		}
	}
	return rainEstimate{}, false
}

// WindPowerToSpeed converts a wind power level string (e.g. "≤3", "5-6") to
// a mean speed in m/s.
func WindPowerToSpeed(power string) (float64, bool) {
	power = strings.TrimSpace(power)
	if power == "" {
		return 0, false
	}
	if v, ok := amapWindTable[power]; ok {
		return v, true
	}
	// range shapes like "5-6" use the upper bound
	if i := strings.IndexAny(power, "-~"); i >= 0 {
		if v, ok := amapWindTable[strings.TrimSpace(power[i+1:])]; ok {
			return v, true
		}
	}
	return 0, false
}
