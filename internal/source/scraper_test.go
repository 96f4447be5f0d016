package source

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/zhihao-yuan/geohazard-warning-engine/internal/cache"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/cache/keys"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/kv"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/model"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/scrape"
)

const weatherPage = `<html><body>
	<div>24小时降水量: 80.0 mm</div>
	<div>湿度: 72 %</div>
	<div>风速: 4.5 m/s</div>
</body></html>`

type scraperFixture struct {
	srv    *httptest.Server
	store  *cache.Store
	guard  *Guardrails
	hits   *atomic.Int64
	domain string
}

func newScraperFixture(t *testing.T, handler http.HandlerFunc, overrides map[string]string, budget int) *scraperFixture {
	t.Helper()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	domain := u.Hostname()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)
	client, err := kv.New(ctx, mr.Addr())
	if err != nil {
		t.Fatalf("kv.New: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	guard := NewGuardrails(
		scrape.NewPolicy([]string{domain}),
		scrape.NewLimiter(time.Nanosecond, 30*time.Minute, budget),
		scrape.NewCooldowns(time.Minute, time.Hour),
		scrape.NewURLOwners(),
		scrape.NewSlugs(overrides, true),
		2,
	)
	return &scraperFixture{
		srv:    srv,
		store:  cache.New(64, client, 30*time.Minute),
		guard:  guard,
		hits:   &hits,
		domain: domain,
	}
}

func (f *scraperFixture) weatherScraper(t *testing.T) *WeatherScraper {
	t.Helper()
	// template keeps the test server's host and port
	return NewWeatherScraper(true, f.srv.URL+"/{slug}/", 30*time.Minute, f.guard, f.store, f.srv.Client())
}

func TestWeatherScraper_HappyPathAndCache(t *testing.T) {
	f := newScraperFixture(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(weatherPage))
	}, map[string]string{"甲市": "jia"}, 100)

	s := f.weatherScraper(t)
	region := model.RegionInput{Code: "R001", Name: "甲市"}

	p := s.Fetch(context.Background(), region)
	if !p.OK() {
		t.Fatalf("fetch failed: %+v", p.Err)
	}
	obs := s.Normalize(p)
	if obs.Rain24h == nil || *obs.Rain24h != 80 {
		t.Fatalf("rain_24h = %v", obs.Rain24h)
	}
	if obs.Humidity == nil || *obs.Humidity != 72 {
		t.Fatalf("humidity = %v", obs.Humidity)
	}

	// second fetch is a cache hit: no extra request
	p2 := s.Fetch(context.Background(), region)
	if !p2.OK() || !p2.CacheHit {
		t.Fatalf("second fetch: ok=%v cache_hit=%v", p2.OK(), p2.CacheHit)
	}
	if f.hits.Load() != 1 {
		t.Fatalf("server hit %d times, want 1", f.hits.Load())
	}
}

func TestWeatherScraper_URLCollision(t *testing.T) {
	// two regions whose names resolve to the same slug
	f := newScraperFixture(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(weatherPage))
	}, map[string]string{"甲市": "shared", "乙市": "shared"}, 100)

	s := f.weatherScraper(t)

	first := s.Fetch(context.Background(), model.RegionInput{Code: "R002", Name: "甲市"})
	if !first.OK() {
		t.Fatalf("first region failed: %+v", first.Err)
	}

	// drop the cache entry that would short-circuit the collision path
	if err := f.store.Delete(context.Background(), keys.Scraper(weatherScraperName, "R003")); err != nil {
		t.Fatalf("delete: %v", err)
	}

	second := s.Fetch(context.Background(), model.RegionInput{Code: "R003", Name: "乙市"})
	if second.OK() {
		t.Fatalf("second region fetched an owned URL")
	}
	if second.Err.Kind != model.ErrURLCollision {
		t.Fatalf("kind = %s, want url_collision", second.Err.Kind)
	}
	if second.Err.OwnerCode != "R002" {
		t.Fatalf("owner = %s", second.Err.OwnerCode)
	}
	if f.hits.Load() != 1 {
		t.Fatalf("target domain hit %d times, want 1", f.hits.Load())
	}
}

func TestWeatherScraper_SlugNotFoundForDistrict(t *testing.T) {
	f := newScraperFixture(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(weatherPage))
	}, nil, 100)

	s := f.weatherScraper(t)
	p := s.Fetch(context.Background(), model.RegionInput{Code: "440604", Name: "某区"})
	if p.OK() || p.Err.Kind != model.ErrSlugNotFound {
		t.Fatalf("payload = %+v, want slug_not_found", p)
	}
	if f.hits.Load() != 0 {
		t.Fatalf("district fetch touched the network")
	}
}

func TestWeatherScraper_DomainNotAllowed(t *testing.T) {
	f := newScraperFixture(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(weatherPage))
	}, map[string]string{"甲市": "jia"}, 100)

	// scraper pointed at a host missing from the allow-list
	s := NewWeatherScraper(true, "https://not-allowed.example.com/{slug}/", 30*time.Minute,
		f.guard, f.store, f.srv.Client())

	p := s.Fetch(context.Background(), model.RegionInput{Code: "R001", Name: "甲市"})
	if p.OK() || p.Err.Kind != model.ErrDomainNotAllowed {
		t.Fatalf("payload = %+v, want domain_not_allowed", p)
	}
}

func TestWeatherScraper_RateLimitedOverBudget(t *testing.T) {
	f := newScraperFixture(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(weatherPage))
	}, map[string]string{"甲市": "jia", "乙市": "yi"}, 1)

	s := f.weatherScraper(t)

	p := s.Fetch(context.Background(), model.RegionInput{Code: "R001", Name: "甲市"})
	if !p.OK() {
		t.Fatalf("first fetch failed: %+v", p.Err)
	}

	p = s.Fetch(context.Background(), model.RegionInput{Code: "R002", Name: "乙市"})
	if p.OK() || p.Err.Kind != model.ErrRateLimited {
		t.Fatalf("payload = %+v, want rate_limited", p)
	}
}

func TestWeatherScraper_CooldownEchoesStatusWithoutFetching(t *testing.T) {
	var status atomic.Int64
	status.Store(http.StatusTooManyRequests)
	f := newScraperFixture(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(int(status.Load()))
	}, map[string]string{"甲市": "jia", "乙市": "yi"}, 100)

	s := f.weatherScraper(t)

	p := s.Fetch(context.Background(), model.RegionInput{Code: "R001", Name: "甲市"})
	if p.OK() || p.Err.Kind != "http_status_429" {
		t.Fatalf("payload = %+v, want http_status_429", p)
	}
	hitsAfterStrike := f.hits.Load()

	// a different region on the same domain is refused from the cooldown table
	p = s.Fetch(context.Background(), model.RegionInput{Code: "R002", Name: "乙市"})
	if p.OK() || p.Err.Kind != "http_status_429" {
		t.Fatalf("payload = %+v, want echoed http_status_429", p)
	}
	if f.hits.Load() != hitsAfterStrike {
		t.Fatalf("cooldown period still contacted the domain")
	}
}

func TestWeatherScraper_ParseNoMetrics(t *testing.T) {
	f := newScraperFixture(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body>nothing numeric here</body></html>`))
	}, map[string]string{"甲市": "jia"}, 100)

	s := f.weatherScraper(t)
	p := s.Fetch(context.Background(), model.RegionInput{Code: "R001", Name: "甲市"})
	if p.OK() || p.Err.Kind != model.ErrParseNoMetrics {
		t.Fatalf("payload = %+v, want html_parse_no_metrics", p)
	}
}

func TestWeatherScraper_StaleCacheFallback(t *testing.T) {
	var failing atomic.Bool
	f := newScraperFixture(t, func(w http.ResponseWriter, _ *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(weatherPage))
	}, map[string]string{"甲市": "jia"}, 100)

	s := f.weatherScraper(t)
	region := model.RegionInput{Code: "R001", Name: "甲市"}

	if p := s.Fetch(context.Background(), region); !p.OK() {
		t.Fatalf("warm-up fetch failed: %+v", p.Err)
	}

	// age the cached entry past its TTL but inside the 3x stale horizon,
	// then break the upstream
	s.cacheTTL = 200 * time.Millisecond
	time.Sleep(250 * time.Millisecond)
	failing.Store(true)

	p := s.Fetch(context.Background(), region)
	if !p.OK() {
		t.Fatalf("stale fallback not served: %+v", p.Err)
	}
	if !p.StaleCache {
		t.Fatalf("payload not tagged stale_cache")
	}
	obs := s.Normalize(p)
	if obs.SourceNote != "stale_cache" {
		t.Fatalf("source note = %q", obs.SourceNote)
	}
}

func TestGeologyScraper_ParsesHazardMentions(t *testing.T) {
	f := newScraperFixture(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body>
			<p>坡度: 25 度。近期滑坡与泥石流风险上升，崩塌隐患点 3 处。</p>
		</body></html>`))
	}, map[string]string{"甲市": "jia"}, 100)

	s := NewGeologyScraper(true, f.srv.URL+"/{slug}/", 30*time.Minute, f.guard, f.store, f.srv.Client())
	p := s.Fetch(context.Background(), model.RegionInput{Code: "R001", Name: "甲市"})
	if !p.OK() {
		t.Fatalf("fetch failed: %+v", p.Err)
	}
	obs := s.Normalize(p)
	if obs.Slope == nil || *obs.Slope != 25 {
		t.Fatalf("slope = %v", obs.Slope)
	}
	if obs.LithologyRisk == nil || math.Abs(*obs.LithologyRisk-0.5) > 1e-9 {
		t.Fatalf("lithology_risk = %v, want 0.5 from three mentions", obs.LithologyRisk)
	}
}

func TestScraper_DisabledAndSimulate(t *testing.T) {
	f := newScraperFixture(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(weatherPage))
	}, nil, 100)

	off := NewWeatherScraper(false, f.srv.URL+"/{slug}/", 30*time.Minute, f.guard, f.store, f.srv.Client())
	p := off.Fetch(context.Background(), model.RegionInput{Code: "R001", Name: "甲市"})
	if p.OK() || p.Err.Kind != model.ErrDisabled {
		t.Fatalf("disabled scraper payload = %+v", p)
	}

	sim := NewWeatherScraper(true, "simulate", 30*time.Minute, f.guard, f.store, f.srv.Client())
	p = sim.Fetch(context.Background(), model.RegionInput{Code: "R001", Name: "甲市"})
	if !p.OK() || !p.Simulated {
		t.Fatalf("simulated payload = %+v", p)
	}
	if f.hits.Load() != 0 {
		t.Fatalf("simulate mode touched the network")
	}
}
