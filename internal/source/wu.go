package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/sony/gobreaker"

	"github.com/zhihao-yuan/geohazard-warning-engine/internal/cache/keys"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/kv"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/model"
)

const wuName = "weather_wu_api"

var wuKeyPattern = regexp.MustCompile(`apiKey(?:=|%3D)([A-Za-z0-9]{20,64})`)

// WUKeys manages the discovered API key pool: durable cache first, then a
// page scan guarded by a circuit breaker so repeated discovery failures stop
// hammering the public page.
type WUKeys struct {
	staticKey    string
	discoveryURL string
	refresh      time.Duration
	kv           *kv.Client
	client       *http.Client
	breaker      *gobreaker.CircuitBreaker
}

func NewWUKeys(staticKey, discoveryURL string, refresh time.Duration, store *kv.Client, client *http.Client) *WUKeys {
	return &WUKeys{
		staticKey:    staticKey,
		discoveryURL: discoveryURL,
		refresh:      refresh,
		kv:           store,
		client:       client,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "wu-key-discovery",
			MaxRequests: 1,
			Timeout:     5 * time.Minute,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 3 },
		}),
	}
}

// Active returns a usable key: static config wins, then the cached active
// key, then the cached pool, then fresh discovery.
func (w *WUKeys) Active(ctx context.Context) (string, error) {
	if ModeForKey(w.staticKey) == ModeLive {
		return w.staticKey, nil
	}

	if raw, found, err := w.kv.Get(ctx, keys.WUActiveKey); err == nil && found && len(raw) > 0 {
		return string(raw), nil
	}

	if pool, err := w.pool(ctx); err == nil && len(pool) > 0 {
		if err := w.promote(ctx, pool[0]); err != nil {
			return "", err
		}
		return pool[0], nil
	}

	pool, err := w.discover(ctx)
	if err != nil {
		return "", err
	}
	if err := w.promote(ctx, pool[0]); err != nil {
		return "", err
	}
	return pool[0], nil
}

// Invalidate drops the active key after a 401/403 so the next Active call
// falls back to the pool or re-discovers.
func (w *WUKeys) Invalidate(ctx context.Context) {
	_ = w.kv.Del(ctx, keys.WUActiveKey)
}

func (w *WUKeys) promote(ctx context.Context, key string) error {
	return w.kv.Set(ctx, keys.WUActiveKey, []byte(key), w.refresh)
}

func (w *WUKeys) pool(ctx context.Context) ([]string, error) {
	raw, found, err := w.kv.Get(ctx, keys.WUKeyPool)
	if err != nil || !found {
		return nil, err
	}
	var pool []string
	if err := json.Unmarshal(raw, &pool); err != nil {
		return nil, fmt.Errorf("key pool decode: %w", err)
	}
	return pool, nil
}

// discover scans the public page for embedded tokens and repopulates both
// durable caches.
func (w *WUKeys) discover(ctx context.Context) ([]string, error) {
	if w.discoveryURL == "" {
		return nil, fmt.Errorf("no discovery url configured")
	}

	out, err := w.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.discoveryURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := w.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("discovery page status %d", resp.StatusCode)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
		if err != nil {
			return nil, err
		}

		pool := ExtractKeys(body)
		if len(pool) == 0 {
			return nil, fmt.Errorf("no keys embedded in page")
		}
		return pool, nil
	})
	if err != nil {
		return nil, fmt.Errorf("key discovery: %w", err)
	}

	pool := out.([]string)
	if raw, err := json.Marshal(pool); err == nil {
		_ = w.kv.Set(ctx, keys.WUKeyPool, raw, w.refresh)
	}
	return pool, nil
}

// ExtractKeys is the discovery regexp applied to a page body.
func ExtractKeys(body []byte) []string {
	seen := map[string]struct{}{}
	var pool []string
	for _, m := range wuKeyPattern.FindAllSubmatch(body, -1) {
		k := string(m[1])
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		pool = append(pool, k)
	}
	return pool
}

// WU calls the Weather Underground-style observation API with a managed key.
type WU struct {
	enabled     bool
	simulate    bool
	keys        *WUKeys
	baseURL     string
	client      *http.Client
	reliability float64
}

func NewWU(enabled bool, staticKey, baseURL string, km *WUKeys, client *http.Client) *WU {
	if baseURL == "" {
		baseURL = "https://api.weather.com/v2/pws/observations/current"
	}
	return &WU{
		enabled:     enabled,
		simulate:    ModeForKey(staticKey) == ModeSimulate,
		keys:        km,
		baseURL:     baseURL,
		client:      client,
		reliability: 0.62,
	}
}

func (w *WU) Name() string           { return wuName }
func (w *WU) Channel() model.Channel { return model.ChannelMeteorology }
func (w *WU) Reliability() float64   { return w.reliability }

func (w *WU) Fetch(ctx context.Context, region model.RegionInput) model.RawPayload {
	if !w.enabled {
		return disabledPayload(wuName, region)
	}
	if w.simulate {
		p := okPayload(wuName, region, simMeteorology(wuName, region.Code))
		p.Simulated = true
		return p
	}

	key, err := w.keys.Active(ctx)
	if err != nil {
		return errPayload(wuName, region, model.SourceError{
			Kind: model.ErrKeyDiscovery, Message: err.Error(),
		})
	}

	p, status := w.call(ctx, region, key)
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		// the key went bad under us: invalidate and allow one re-discovery
		w.keys.Invalidate(ctx)
		key, err = w.keys.Active(ctx)
		if err != nil {
			return errPayload(wuName, region, model.SourceError{
				Kind: model.ErrKeyDiscovery, Message: err.Error(),
			})
		}
		p, status = w.call(ctx, region, key)
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			return errPayload(wuName, region, model.SourceError{
				Kind: model.ErrAuthFailed, StatusCode: status, URL: w.baseURL,
			})
		}
	}
	return p
}

// call performs one API request; a 401/403 is reported via the status return
// so Fetch can run the invalidation flow.
func (w *WU) call(ctx context.Context, region model.RegionInput, key string) (model.RawPayload, int) {
	q := url.Values{}
	q.Set("geocode", geocode(region))
	q.Set("format", "json")
	q.Set("units", "m")
	q.Set("apiKey", key)
	reqURL := w.baseURL + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return errPayload(wuName, region, model.SourceError{Kind: model.ErrConnect, Message: err.Error()}), 0
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return errPayload(wuName, region, classifyTransportError(err, w.baseURL)), 0
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return model.RawPayload{}, resp.StatusCode
	}
	if resp.StatusCode != http.StatusOK {
		return errPayload(wuName, region, httpStatusError(resp.StatusCode, w.baseURL)), resp.StatusCode
	}

	var body struct {
		Observations []struct {
			Humidity float64 `json:"humidity"`
			Metric   struct {
				PrecipTotal float64 `json:"precipTotal"`
				PrecipRate  float64 `json:"precipRate"`
				WindSpeed   float64 `json:"windSpeed"`
				WindGust    float64 `json:"windGust"`
				Temp        float64 `json:"temp"`
			} `json:"metric"`
		} `json:"observations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return errPayload(wuName, region, model.SourceError{
			Kind: model.ErrConnect, Message: fmt.Sprintf("decode: %v", err), URL: w.baseURL,
		}), resp.StatusCode
	}
	if len(body.Observations) == 0 {
		return errPayload(wuName, region, model.SourceError{
			Kind: model.ErrConnect, Message: "empty observations", URL: w.baseURL,
		}), resp.StatusCode
	}

	o := body.Observations[0]
	fields := map[string]any{
		"rain_24h":    o.Metric.PrecipTotal,
		"rain_1h":     o.Metric.PrecipRate,
		"humidity":    o.Humidity,
		"wind_speed":  kmhToMS(o.Metric.WindSpeed),
		"wind_gust":   kmhToMS(o.Metric.WindGust),
		"temperature": o.Metric.Temp,
	}
	return okPayload(wuName, region, fields), resp.StatusCode
}

func (w *WU) Normalize(p model.RawPayload) model.Observation {
	obs := model.Observation{Channel: model.ChannelMeteorology}
	if !p.OK() {
		return obs
	}
	obs.Rain24h = p.Num("rain_24h")
	obs.Rain1h = p.Num("rain_1h")
	obs.SoilMoisture = p.Num("soil_moisture")
	obs.Humidity = p.Num("humidity")
	obs.WindSpeed = p.Num("wind_speed")
	obs.WindGust = p.Num("wind_gust")
	obs.Temperature = p.Num("temperature")
	if p.Simulated {
		obs.DataMode = "simulated"
	}
	return obs
}

func geocode(region model.RegionInput) string {
	if region.Lat != nil && region.Lon != nil {
		return fmt.Sprintf("%.4f,%.4f", *region.Lat, *region.Lon)
	}
	return region.Code
}

func kmhToMS(v float64) float64 { return v / 3.6 }
