// Package collect fans a batch of regions out over the source registry under
// bounded concurrency and assembles per-region collection results.
package collect

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhihao-yuan/geohazard-warning-engine/internal/logger"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/model"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/observability"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/source"
)

// HistoryReader loads the persisted context attached to every region. The
// before timestamp is the run-start snapshot: a run's own commits never feed
// its own history.
type HistoryReader interface {
	LatestSnapshot(ctx context.Context, regionCode string, before time.Time) (*model.Snapshot, error)
	CountActiveWarnings(ctx context.Context, regionCode string, before time.Time) (int, error)
	LastEvent(ctx context.Context, regionCode string, before time.Time) (*model.HistoryEvent, error)
}

type Orchestrator struct {
	registry *source.Registry
	history  HistoryReader
	sem      chan struct{}
	inflight *inflightGroup
	log      *zerolog.Logger
}

func NewOrchestrator(registry *source.Registry, history HistoryReader, maxConcurrency int, log *zerolog.Logger) *Orchestrator {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &Orchestrator{
		registry: registry,
		history:  history,
		sem:      make(chan struct{}, maxConcurrency),
		inflight: newInflightGroup(),
		log:      log,
	}
}

// CollectBatch processes one batch. Region order in the result matches the
// input; source side-effects within a region do not interleave with each
// other's normalization.
func (o *Orchestrator) CollectBatch(ctx context.Context, regions []model.RegionInput, before time.Time) []model.CollectionResult {
	results := make([]model.CollectionResult, len(regions))

	var wg sync.WaitGroup
	for i, region := range regions {
		wg.Add(1)
		go func(i int, region model.RegionInput) {
			defer wg.Done()
			results[i] = o.collectRegion(ctx, region, before)
		}(i, region)
	}
	wg.Wait()
	return results
}

func (o *Orchestrator) collectRegion(ctx context.Context, region model.RegionInput, before time.Time) model.CollectionResult {
	rctx := logger.WithRegion(ctx, region.Code)
	log := logger.FromContext(rctx, o.log)

	sources := o.registry.All()
	payloads := make([]model.RawPayload, len(sources))

	var wg sync.WaitGroup
	for i, s := range sources {
		wg.Add(1)
		go func(i int, s source.Source) {
			defer wg.Done()

			select {
			case o.sem <- struct{}{}:
				defer func() { <-o.sem }()
			case <-ctx.Done():
				payloads[i] = model.RawPayload{
					Source:     s.Name(),
					RegionCode: region.Code,
					FetchedAt:  time.Now(),
					Err:        &model.SourceError{Kind: model.ErrCancelled, Message: ctx.Err().Error()},
				}
				return
			}

			start := time.Now()
			p := o.inflight.Do(s.Name()+":"+region.Code, func() model.RawPayload {
				return s.Fetch(logger.WithSource(rctx, s.Name()), region)
			})
			outcome := "ok"
			if !p.OK() {
				outcome = p.Err.Kind
			}
			observability.ObserveSourceFetch(s.Name(), outcome, time.Since(start).Seconds())
			payloads[i] = p
		}(i, s)
	}
	wg.Wait()

	result := model.CollectionResult{
		RegionCode:   region.Code,
		RegionName:   region.Name,
		Lat:          region.Lat,
		Lon:          region.Lon,
		Observations: map[string]model.Observation{},
		Reliability:  map[string]float64{},
		Status:       model.NewSourceStatus(),
	}

	for i, s := range sources {
		p := payloads[i]
		if !p.OK() {
			result.Status.Errors[s.Name()] = *p.Err
			continue
		}
		obs := s.Normalize(p)
		result.Observations[s.Name()] = obs
		result.Reliability[s.Name()] = s.Reliability()
		result.Status.Success[s.Channel()] = append(result.Status.Success[s.Channel()], s.Name())
		if p.CacheHit {
			result.Status.CacheHits = append(result.Status.CacheHits, s.Name())
		}
	}

	o.attachHistory(rctx, &result, before, log)
	return result
}

func (o *Orchestrator) attachHistory(ctx context.Context, result *model.CollectionResult, before time.Time, log *zerolog.Logger) {
	if o.history == nil {
		return
	}
	snap, err := o.history.LatestSnapshot(ctx, result.RegionCode, before)
	if err != nil {
		log.Warn().Err(err).Msg("previous snapshot read failed")
	} else {
		result.Previous = snap
	}
	count, err := o.history.CountActiveWarnings(ctx, result.RegionCode, before)
	if err != nil {
		log.Warn().Err(err).Msg("history count read failed")
	} else {
		result.HistoryCount = count
	}
	last, err := o.history.LastEvent(ctx, result.RegionCode, before)
	if err != nil {
		log.Warn().Err(err).Msg("last event read failed")
	} else {
		result.LastEvent = last
	}
}
