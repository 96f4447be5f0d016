package collect

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhihao-yuan/geohazard-warning-engine/internal/model"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/source"
)

type fakeSource struct {
	name        string
	channel     model.Channel
	reliability float64
	fetch       func(ctx context.Context, region model.RegionInput) model.RawPayload
	calls       atomic.Int64
}

func (f *fakeSource) Name() string           { return f.name }
func (f *fakeSource) Channel() model.Channel { return f.channel }
func (f *fakeSource) Reliability() float64   { return f.reliability }

func (f *fakeSource) Fetch(ctx context.Context, region model.RegionInput) model.RawPayload {
	f.calls.Add(1)
	return f.fetch(ctx, region)
}

func (f *fakeSource) Normalize(p model.RawPayload) model.Observation {
	obs := model.Observation{Channel: f.channel}
	obs.Rain24h = p.Num("rain_24h")
	obs.Slope = p.Num("slope")
	return obs
}

func okSource(name string, ch model.Channel, rel float64, fields map[string]any) *fakeSource {
	return &fakeSource{
		name: name, channel: ch, reliability: rel,
		fetch: func(_ context.Context, region model.RegionInput) model.RawPayload {
			return model.RawPayload{Source: name, RegionCode: region.Code, FetchedAt: time.Now(), Fields: fields}
		},
	}
}

func errSource(name string, ch model.Channel, kind string) *fakeSource {
	return &fakeSource{
		name: name, channel: ch, reliability: 0.5,
		fetch: func(_ context.Context, region model.RegionInput) model.RawPayload {
			return model.RawPayload{
				Source: name, RegionCode: region.Code, FetchedAt: time.Now(),
				Err: &model.SourceError{Kind: kind},
			}
		},
	}
}

type fakeHistory struct {
	snapshots map[string]*model.Snapshot
	counts    map[string]int
}

func (h *fakeHistory) LatestSnapshot(_ context.Context, code string, _ time.Time) (*model.Snapshot, error) {
	return h.snapshots[code], nil
}

func (h *fakeHistory) CountActiveWarnings(_ context.Context, code string, _ time.Time) (int, error) {
	return h.counts[code], nil
}

func (h *fakeHistory) LastEvent(_ context.Context, code string, _ time.Time) (*model.HistoryEvent, error) {
	if s, ok := h.snapshots[code]; ok {
		return &model.HistoryEvent{Date: s.CreatedAt.Format("2006-01-02"), Severity: s.Level}, nil
	}
	return nil, nil
}

func testLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func TestCollectBatch_PartitionsSuccessAndErrors(t *testing.T) {
	reg := source.NewRegistry(
		okSource("weather_cma", model.ChannelMeteorology, 0.92, map[string]any{"rain_24h": 80.0}),
		errSource("weather_scraper", model.ChannelMeteorology, model.ErrRateLimited),
		okSource("geology_cgs", model.ChannelGeology, 0.88, map[string]any{"slope": 25.0}),
	)
	hist := &fakeHistory{
		snapshots: map[string]*model.Snapshot{"R001": {RegionName: "甲市", Level: model.LevelYellow, CreatedAt: time.Now().Add(-24 * time.Hour)}},
		counts:    map[string]int{"R001": 4},
	}
	o := NewOrchestrator(reg, hist, 4, testLogger())

	results := o.CollectBatch(context.Background(), []model.RegionInput{{Code: "R001", Name: "甲市"}}, time.Now())
	if len(results) != 1 {
		t.Fatalf("results = %d", len(results))
	}
	r := results[0]

	if got := r.Status.Success[model.ChannelMeteorology]; len(got) != 1 || got[0] != "weather_cma" {
		t.Fatalf("meteorology successes = %v", got)
	}
	if got := r.Status.Success[model.ChannelGeology]; len(got) != 1 || got[0] != "geology_cgs" {
		t.Fatalf("geology successes = %v", got)
	}
	if se, ok := r.Status.Errors["weather_scraper"]; !ok || se.Kind != model.ErrRateLimited {
		t.Fatalf("errors = %v", r.Status.Errors)
	}

	if obs, ok := r.Observations["weather_cma"]; !ok || obs.Rain24h == nil || *obs.Rain24h != 80 {
		t.Fatalf("cma observation missing: %+v", r.Observations)
	}
	if _, ok := r.Observations["weather_scraper"]; ok {
		t.Fatalf("failed source produced an observation")
	}
	if r.Reliability["weather_cma"] != 0.92 {
		t.Fatalf("reliability = %v", r.Reliability)
	}

	if r.Previous == nil || r.Previous.Level != model.LevelYellow {
		t.Fatalf("previous snapshot not attached: %+v", r.Previous)
	}
	if r.HistoryCount != 4 {
		t.Fatalf("history count = %d", r.HistoryCount)
	}
	if r.LastEvent == nil || r.LastEvent.Severity != model.LevelYellow {
		t.Fatalf("last event = %+v", r.LastEvent)
	}
}

func TestCollectBatch_ErrorNeverAbortsOtherSources(t *testing.T) {
	reg := source.NewRegistry(
		errSource("weather_cma", model.ChannelMeteorology, model.ErrTimeout),
		errSource("weather_amap", model.ChannelMeteorology, model.ErrAuthFailed),
		okSource("geology_cgs", model.ChannelGeology, 0.88, map[string]any{"slope": 10.0}),
	)
	o := NewOrchestrator(reg, &fakeHistory{}, 4, testLogger())

	r := o.CollectBatch(context.Background(), []model.RegionInput{{Code: "R001", Name: "甲市"}}, time.Now())[0]
	if len(r.Status.Errors) != 2 {
		t.Fatalf("errors = %v", r.Status.Errors)
	}
	if len(r.Observations) != 1 {
		t.Fatalf("observations = %v", r.Observations)
	}
}

func TestCollectBatch_GlobalConcurrencyCap(t *testing.T) {
	var inFlight, peak atomic.Int64

	slow := func(name string) *fakeSource {
		return &fakeSource{
			name: name, channel: model.ChannelMeteorology, reliability: 0.5,
			fetch: func(_ context.Context, region model.RegionInput) model.RawPayload {
				cur := inFlight.Add(1)
				for {
					p := peak.Load()
					if cur <= p || peak.CompareAndSwap(p, cur) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				inFlight.Add(-1)
				return model.RawPayload{Source: name, RegionCode: region.Code, Fields: map[string]any{}}
			},
		}
	}

	reg := source.NewRegistry(slow("s1"), slow("s2"), slow("s3"))
	o := NewOrchestrator(reg, nil, 2, testLogger())

	regions := []model.RegionInput{{Code: "R001"}, {Code: "R002"}, {Code: "R003"}}
	o.CollectBatch(context.Background(), regions, time.Now())

	if peak.Load() > 2 {
		t.Fatalf("peak concurrency = %d, cap is 2", peak.Load())
	}
}

func TestCollectBatch_CancellationMarksRemaining(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var once sync.Once
	blocker := &fakeSource{
		name: "s1", channel: model.ChannelMeteorology, reliability: 0.5,
		fetch: func(ctx context.Context, region model.RegionInput) model.RawPayload {
			once.Do(cancel)
			<-ctx.Done()
			return model.RawPayload{
				Source: "s1", RegionCode: region.Code,
				Err: &model.SourceError{Kind: model.ErrCancelled},
			}
		},
	}

	reg := source.NewRegistry(blocker)
	o := NewOrchestrator(reg, nil, 1, testLogger())

	results := o.CollectBatch(ctx, []model.RegionInput{{Code: "R001"}, {Code: "R002"}}, time.Now())
	for _, r := range results {
		if se, ok := r.Status.Errors["s1"]; !ok || se.Kind != model.ErrCancelled {
			t.Fatalf("region %s: errors = %v", r.RegionCode, r.Status.Errors)
		}
	}
}

func TestInflight_DedupesConcurrentSameKey(t *testing.T) {
	g := newInflightGroup()

	var calls atomic.Int64
	started := make(chan struct{})
	release := make(chan struct{})

	fn := func() model.RawPayload {
		calls.Add(1)
		close(started)
		<-release
		return model.RawPayload{Source: "s", RegionCode: "R001"}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		g.Do("s:R001", fn)
	}()
	<-started

	wg.Add(1)
	go func() {
		defer wg.Done()
		// must share the in-flight call, not run fn again
		p := g.Do("s:R001", func() model.RawPayload {
			calls.Add(1)
			return model.RawPayload{}
		})
		if p.RegionCode != "R001" {
			t.Errorf("shared payload = %+v", p)
		}
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("fetch ran %d times for one key", calls.Load())
	}
}
