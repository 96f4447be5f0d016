package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zhihao-yuan/geohazard-warning-engine/internal/cache"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/cache/keys"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/model"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/scrape"
)

const (
	weatherScraperName = "weather_scraper"
	geologyScraperName = "geology_scraper"
)

// Guardrails bundles the process-wide scraper services. One instance is
// shared by every scraper source so cooldowns, pacing, and URL ownership are
// enforced globally.
type Guardrails struct {
	Policy    *scrape.Policy
	Limiter   *scrape.Limiter
	Cooldowns *scrape.Cooldowns
	Owners    *scrape.URLOwners
	Slugs     *scrape.Slugs

	sem chan struct{}
}

func NewGuardrails(policy *scrape.Policy, limiter *scrape.Limiter, cooldowns *scrape.Cooldowns,
	owners *scrape.URLOwners, slugs *scrape.Slugs, maxParallel int) *Guardrails {
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &Guardrails{
		Policy:    policy,
		Limiter:   limiter,
		Cooldowns: cooldowns,
		Owners:    owners,
		Slugs:     slugs,
		sem:       make(chan struct{}, maxParallel),
	}
}

// Reset clears run-scoped and runtime scraper state: cooldowns, window
// budget, URL ownership.
func (g *Guardrails) Reset() {
	g.Cooldowns.Reset()
	g.Limiter.Reset()
	g.Owners.Reset()
}

// webScraper is the shared fetch core of the two scraper sources. The
// guardrail order is fixed: disabled, cache, slug, domain policy, URL
// collision, cooldown, budget and pacing, bounded parallelism, then the
// request itself, with a stale-cache fallback when the live fetch fails.
type webScraper struct {
	name        string
	channel     model.Channel
	reliability float64
	enabled     bool
	simulate    bool
	urlTemplate string
	cacheTTL    time.Duration

	guard  *Guardrails
	store  *cache.Store
	client *http.Client
	parse  func(body []byte) (map[string]any, bool)
	sim    func(source, regionCode string) map[string]any
}

func (s *webScraper) Name() string           { return s.name }
func (s *webScraper) Channel() model.Channel { return s.channel }
func (s *webScraper) Reliability() float64   { return s.reliability }

func (s *webScraper) Fetch(ctx context.Context, region model.RegionInput) model.RawPayload {
	if !s.enabled || s.urlTemplate == "" {
		return disabledPayload(s.name, region)
	}
	if s.simulate {
		p := okPayload(s.name, region, s.sim(s.name, region.Code))
		p.Simulated = true
		return p
	}

	cacheKey := keys.Scraper(s.name, region.Code)

	var cached model.RawPayload
	hit, stale, err := s.store.Get(ctx, cacheKey, s.cacheTTL, &cached)
	if err == nil && hit && !stale {
		cached.CacheHit = true
		return cached
	}
	haveStale := err == nil && hit && stale

	p := s.fetchLive(ctx, region)
	if p.OK() {
		_ = s.store.Put(ctx, cacheKey, p, s.cacheTTL)
		return p
	}

	// guardrail refusals that are the caller's own fault (collision, policy)
	// are not worth masking with old data
	if haveStale && retriableKind(p.Err.Kind) {
		cached.CacheHit = true
		cached.StaleCache = true
		return cached
	}
	return p
}

func retriableKind(kind string) bool {
	switch kind {
	case model.ErrURLCollision, model.ErrDomainNotAllowed, model.ErrSlugNotFound, model.ErrDisabled:
		return false
	}
	return true
}

func (s *webScraper) fetchLive(ctx context.Context, region model.RegionInput) model.RawPayload {
	slug, ok := s.guard.Slugs.Resolve(region.Code, region.Name)
	if !ok {
		return errPayload(s.name, region, model.SourceError{
			Kind:    model.ErrSlugNotFound,
			Message: fmt.Sprintf("no slug for %s", region.Name),
		})
	}

	rawURL := strings.ReplaceAll(s.urlTemplate, "{slug}", slug)
	domain := scrape.Domain(rawURL)
	if !s.guard.Policy.Allowed(domain) {
		return errPayload(s.name, region, model.SourceError{
			Kind: model.ErrDomainNotAllowed, URL: rawURL,
		})
	}

	if owner, won := s.guard.Owners.Claim(rawURL, region.Code); !won {
		return errPayload(s.name, region, model.SourceError{
			Kind:      model.ErrURLCollision,
			URL:       rawURL,
			OwnerCode: owner,
		})
	}

	if blocked, status := s.guard.Cooldowns.Blocked(domain); blocked {
		// echo the status that armed the cooldown, without touching the domain
		return errPayload(s.name, region, httpStatusError(status, rawURL))
	}

	ok, err := s.guard.Limiter.Acquire(ctx)
	if err != nil {
		return errPayload(s.name, region, classifyTransportError(err, rawURL))
	}
	if !ok {
		return errPayload(s.name, region, model.SourceError{
			Kind: model.ErrRateLimited, URL: rawURL,
		})
	}

	select {
	case s.guard.sem <- struct{}{}:
		defer func() { <-s.guard.sem }()
	case <-ctx.Done():
		return errPayload(s.name, region, classifyTransportError(ctx.Err(), rawURL))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return errPayload(s.name, region, model.SourceError{Kind: model.ErrConnect, Message: err.Error(), URL: rawURL})
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; geohazard-engine/1.0)")

	resp, err := s.client.Do(req)
	if err != nil {
		return errPayload(s.name, region, classifyTransportError(err, rawURL))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests {
		s.guard.Cooldowns.Strike(domain, resp.StatusCode)
		return errPayload(s.name, region, httpStatusError(resp.StatusCode, rawURL))
	}
	if resp.StatusCode != http.StatusOK {
		return errPayload(s.name, region, httpStatusError(resp.StatusCode, rawURL))
	}
	s.guard.Cooldowns.Clear(domain)

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return errPayload(s.name, region, classifyTransportError(err, rawURL))
	}

	fields, ok := s.parse(body)
	if !ok {
		return errPayload(s.name, region, model.SourceError{
			Kind: model.ErrParseNoMetrics, URL: rawURL,
		})
	}

	p := okPayload(s.name, region, fields)
	p.SourceURL = rawURL
	return p
}

// WeatherScraper scrapes a templated public weather page per region.
type WeatherScraper struct {
	webScraper
}

func NewWeatherScraper(enabled bool, urlTemplate string, cacheTTL time.Duration,
	guard *Guardrails, store *cache.Store, client *http.Client) *WeatherScraper {
	return &WeatherScraper{webScraper{
		name:        weatherScraperName,
		channel:     model.ChannelMeteorology,
		reliability: 0.45,
		enabled:     enabled,
		simulate:    strings.EqualFold(urlTemplate, SimulateSentinel),
		urlTemplate: urlTemplate,
		cacheTTL:    cacheTTL,
		guard:       guard,
		store:       store,
		client:      client,
		parse:       parseWeatherPage,
		sim:         simMeteorology,
	}}
}

func (s *WeatherScraper) Normalize(p model.RawPayload) model.Observation {
	obs := model.Observation{Channel: model.ChannelMeteorology}
	if !p.OK() {
		return obs
	}
	obs.Rain24h = p.Num("rain_24h")
	obs.Rain1h = p.Num("rain_1h")
	obs.SoilMoisture = p.Num("soil_moisture")
	obs.Humidity = p.Num("humidity")
	obs.WindSpeed = p.Num("wind_speed")
	obs.Temperature = p.Num("temperature")

	// a page that only yielded a weather phrase still supports an estimate
	if obs.Rain24h == nil && obs.Rain1h == nil {
		if est, ok := EstimateRain(p.Str("weather")); ok {
			obs.Rain24hEst = model.Float(est.rain24h)
			obs.Rain1hEst = model.Float(est.rain1h)
			obs.WeatherText = p.Str("weather")
			obs.DataQualityNote = "precipitation_estimated"
		}
	}
	if p.Simulated {
		obs.DataMode = "simulated"
	}
	if p.StaleCache {
		obs.SourceNote = "stale_cache"
	}
	return obs
}

// GeologyScraper scrapes regional hazard bulletins for geological context.
type GeologyScraper struct {
	webScraper
}

func NewGeologyScraper(enabled bool, urlTemplate string, cacheTTL time.Duration,
	guard *Guardrails, store *cache.Store, client *http.Client) *GeologyScraper {
	return &GeologyScraper{webScraper{
		name:        geologyScraperName,
		channel:     model.ChannelGeology,
		reliability: 0.40,
		enabled:     enabled,
		simulate:    strings.EqualFold(urlTemplate, SimulateSentinel),
		urlTemplate: urlTemplate,
		cacheTTL:    cacheTTL,
		guard:       guard,
		store:       store,
		client:      client,
		parse:       parseGeologyPage,
		sim:         simGeology,
	}}
}

func (s *GeologyScraper) Normalize(p model.RawPayload) model.Observation {
	obs := model.Observation{Channel: model.ChannelGeology}
	if !p.OK() {
		return obs
	}
	obs.Slope = p.Num("slope")
	obs.FaultDistance = p.Num("fault_distance")
	obs.LithologyRisk = p.Num("lithology_risk")
	if p.Simulated {
		obs.DataMode = "simulated"
	}
	if p.StaleCache {
		obs.SourceNote = "stale_cache"
	}
	return obs
}
