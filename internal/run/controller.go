// Package run owns the single-flight workflow lifecycle: the durable lock
// with heartbeat, batch iteration with abort and deadline checks, commit and
// delta broadcast, and the operator-facing control surface.
package run

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhihao-yuan/geohazard-warning-engine/internal/cache"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/cache/keys"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/kv"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/logger"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/model"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/observability"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/publish"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/selector"
)

// Collector runs the source fan-out for one batch.
type Collector interface {
	CollectBatch(ctx context.Context, regions []model.RegionInput, before time.Time) []model.CollectionResult
}

// Processor turns collection results into decisions.
type Processor interface {
	Process(ctx context.Context, results []model.CollectionResult, forceLLM bool) []model.Decision
}

// Store is the persistence surface the controller needs.
type Store interface {
	ListRegions(ctx context.Context) ([]model.Region, error)
	CommitBatch(ctx context.Context, at time.Time, decisions []model.Decision) error
}

// ScraperRuntime clears per-domain cooldowns, rate counters, and URL claims.
type ScraperRuntime interface {
	Reset()
}

type Config struct {
	MaxRuntime       time.Duration
	HeartbeatTimeout time.Duration
	HeartbeatPeriod  time.Duration
	Concurrency      int
	ManualLimit      int
	DebugRingSize    int
}

// lockRecord is the JSON projection stored under the durable run lock.
type lockRecord struct {
	RequestID   string        `json:"request_id"`
	Mode        model.RunMode `json:"mode"`
	StartedAt   time.Time     `json:"started_at"`
	HeartbeatAt time.Time     `json:"heartbeat_at"`
}

// TriggerResult is the answer to a trigger call.
type TriggerResult struct {
	Accepted  bool       `json:"accepted"`
	Running   bool       `json:"running"`
	Message   string     `json:"message"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	RequestID string     `json:"request_id,omitempty"`
}

// AbortResult is the answer to an abort call.
type AbortResult struct {
	OK        bool   `json:"ok"`
	Running   bool   `json:"running"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

type Controller struct {
	cfg       Config
	kv        *kv.Client
	store     Store
	collector Collector
	pipe      Processor
	sel       *selector.Selector
	pub       publish.Publisher
	scraper   ScraperRuntime
	cache     *cache.Store
	log       *zerolog.Logger

	mu     sync.Mutex
	state  model.RunState
	abort  bool
	cancel context.CancelFunc

	ring    [][]model.CollectionResult
	ringPos int
}

func NewController(cfg Config, client *kv.Client, store Store, collector Collector,
	pipe Processor, sel *selector.Selector, pub publish.Publisher,
	scraper ScraperRuntime, payloadCache *cache.Store, log *zerolog.Logger) *Controller {

	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 90 * time.Second
	}
	if cfg.HeartbeatPeriod <= 0 {
		cfg.HeartbeatPeriod = 20 * time.Second
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.DebugRingSize <= 0 {
		cfg.DebugRingSize = 3
	}
	return &Controller{
		cfg:       cfg,
		kv:        client,
		store:     store,
		collector: collector,
		pipe:      pipe,
		sel:       sel,
		pub:       pub,
		scraper:   scraper,
		cache:     payloadCache,
		log:       log,
		ring:      make([][]model.CollectionResult, 0, cfg.DebugRingSize),
	}
}

// batchSize derives the chunk size from the collector concurrency cap.
func (c *Controller) batchSize() int {
	n := c.cfg.Concurrency * 2
	if n < 15 {
		n = 15
	}
	if n > 40 {
		n = 40
	}
	return n
}

// TriggerAsync starts a run in the background. Accepted iff the durable lock
// was acquired.
func (c *Controller) TriggerAsync(ctx context.Context, mode model.RunMode, fastMode bool, regionLimit int, forceLLM bool) TriggerResult {
	requestID := logger.NewID()
	res := c.acquire(ctx, requestID, mode)
	if !res.Accepted {
		return res
	}

	go c.run(context.Background(), requestID, mode, fastMode, regionLimit, forceLLM)
	return res
}

// TriggerSync runs to completion in the caller and returns every decision.
func (c *Controller) TriggerSync(ctx context.Context, mode model.RunMode, fastMode bool, regionLimit int, forceLLM bool) ([]model.Decision, TriggerResult) {
	requestID := logger.NewID()
	res := c.acquire(ctx, requestID, mode)
	if !res.Accepted {
		return nil, res
	}
	return c.run(ctx, requestID, mode, fastMode, regionLimit, forceLLM), res
}

// acquire takes the single-flight lock, evicting a holder whose heartbeat
// went stale.
func (c *Controller) acquire(ctx context.Context, requestID string, mode model.RunMode) TriggerResult {
	now := time.Now().UTC()
	rec := lockRecord{RequestID: requestID, Mode: mode, StartedAt: now, HeartbeatAt: now}
	payload, _ := json.Marshal(rec)

	won, err := c.kv.SetNX(ctx, keys.RunLock, payload, 0)
	if err != nil {
		return TriggerResult{Message: fmt.Sprintf("internal:lock_error: %v", err)}
	}
	if !won {
		holder, found, err := c.kv.Get(ctx, keys.RunLock)
		if err != nil {
			return TriggerResult{Running: true, Message: fmt.Sprintf("internal:lock_error: %v", err)}
		}
		var prior lockRecord
		if found {
			_ = json.Unmarshal(holder, &prior)
		}
		if found && time.Since(prior.HeartbeatAt) < c.cfg.HeartbeatTimeout {
			return TriggerResult{Running: true, Message: "already_running", RequestID: prior.RequestID}
		}

		// stale holder: evict and retake
		c.log.Warn().Str("request_id", prior.RequestID).Msg("evicting stale run lock")
		if err := c.kv.Del(ctx, keys.RunLock); err != nil {
			return TriggerResult{Message: fmt.Sprintf("internal:lock_error: %v", err)}
		}
		won, err = c.kv.SetNX(ctx, keys.RunLock, payload, 0)
		if err != nil || !won {
			return TriggerResult{Running: true, Message: "already_running"}
		}
		c.mu.Lock()
		c.state.LastError = "heartbeat_lost"
		c.mu.Unlock()
	}

	_ = c.kv.Del(ctx, keys.RunAbort)

	c.mu.Lock()
	c.abort = false
	c.state.Running = true
	c.state.RequestID = requestID
	c.state.Mode = mode
	c.state.StartedAt = &now
	c.state.HeartbeatAt = &now
	c.state.LastStartedAt = &now
	c.state.LastTrigger = string(mode)
	c.state.TotalRegions = 0
	c.state.SelectedRegions = 0
	c.state.ProcessedRegions = 0
	c.state.AbortRequested = false
	c.mu.Unlock()

	observability.SetRunActive(true)
	return TriggerResult{Accepted: true, Running: true, Message: "started", StartedAt: &now, RequestID: requestID}
}

// run drives the batch loop. It never panics the process: any unexpected
// failure lands in last_error.
func (c *Controller) run(ctx context.Context, requestID string, mode model.RunMode, fastMode bool, regionLimit int, forceLLM bool) []model.Decision {
	ctx, cancel := context.WithCancel(logger.WithRequestID(ctx, requestID))
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	log := logger.FromContext(ctx, c.log)
	startedAt := time.Now().UTC()
	var deadline time.Time
	if c.cfg.MaxRuntime > 0 {
		deadline = startedAt.Add(c.cfg.MaxRuntime)
	}

	runErr := ""
	var all []model.Decision

	regions, err := c.store.ListRegions(ctx)
	if err != nil {
		log.Error().Err(err).Msg("region listing failed")
		c.finalize(ctx, "internal:list_regions", 0)
		return nil
	}

	selected := c.selectRegions(regions, fastMode, regionLimit, requestID)
	c.mu.Lock()
	c.state.TotalRegions = len(regions)
	c.state.SelectedRegions = len(selected)
	c.mu.Unlock()
	log.Info().Int("total", len(regions)).Int("selected", len(selected)).
		Str("mode", string(mode)).Msg("run started")

	stopHeartbeat := c.startHeartbeat(ctx, requestID, mode, startedAt)
	defer stopHeartbeat()

	batches := chunkByPrefix(selected, c.batchSize())
	processed := 0

	for i, batch := range batches {
		if c.abortRequested(ctx) {
			runErr = "manual_abort"
			break
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			runErr = fmt.Sprintf("workflow_partial_timeout_after_%d", int(time.Since(startedAt).Seconds()))
			break
		}

		inputs := make([]model.RegionInput, len(batch))
		for j, r := range batch {
			inputs[j] = r.Input()
		}

		results := c.collector.CollectBatch(ctx, inputs, startedAt)
		c.recordCollection(results)
		decisions := c.pipe.Process(ctx, results, forceLLM)

		if c.abortRequested(ctx) {
			runErr = "manual_abort"
			break
		}

		at := time.Now().UTC()
		err := c.store.CommitBatch(ctx, at, decisions)
		observability.IncBatchCommit(err)
		if err != nil {
			log.Error().Err(err).Int("batch", i).Msg("batch commit failed")
			runErr = "internal:commit_failed"
			break
		}

		delta := model.DeltaFromDecisions(requestID, at, decisions)
		if len(delta.Results) > 0 && c.pub != nil {
			if err := c.pub.Publish(ctx, delta); err != nil {
				log.Warn().Err(err).Msg("delta publish failed")
			}
		}

		processed += len(batch)
		all = append(all, decisions...)
		c.stampProgress(ctx, requestID, mode, startedAt, processed)
		log.Debug().Int("batch", i).Int("processed", processed).Msg("batch committed")
	}

	stopHeartbeat()
	c.finalize(ctx, runErr, processed)
	log.Info().Int("processed", processed).Str("last_error", runErr).Msg("run finished")
	return all
}

func (c *Controller) selectRegions(regions []model.Region, fastMode bool, limit int, requestID string) []model.Region {
	if limit <= 0 {
		limit = c.cfg.ManualLimit
	}
	if fastMode {
		return c.sel.Fast(regions, limit, requestID)
	}
	return c.sel.Full(regions)
}

// chunkByPrefix groups regions by administrative prefix before chunking, so a
// batch's scraper slug lookups stay within a province.
func chunkByPrefix(regions []model.Region, size int) [][]model.Region {
	ordered := make([]model.Region, len(regions))
	copy(ordered, regions)
	sort.SliceStable(ordered, func(i, j int) bool {
		pi, pj := prefix(ordered[i].Code), prefix(ordered[j].Code)
		if pi != pj {
			return pi < pj
		}
		return ordered[i].Code < ordered[j].Code
	})

	var batches [][]model.Region
	for len(ordered) > 0 {
		n := size
		if n > len(ordered) {
			n = len(ordered)
		}
		batches = append(batches, ordered[:n])
		ordered = ordered[n:]
	}
	return batches
}

func prefix(code string) string {
	if len(code) < 2 {
		return code
	}
	return code[:2]
}

func (c *Controller) abortRequested(ctx context.Context) bool {
	c.mu.Lock()
	local := c.abort
	c.mu.Unlock()
	if local {
		return true
	}
	// cross-process abort flag
	_, found, err := c.kv.Get(ctx, keys.RunAbort)
	if err == nil && found {
		c.mu.Lock()
		c.abort = true
		c.state.AbortRequested = true
		c.mu.Unlock()
		return true
	}
	return false
}

// startHeartbeat stamps liveness on the lock until stopped.
func (c *Controller) startHeartbeat(ctx context.Context, requestID string, mode model.RunMode, startedAt time.Time) func() {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(c.cfg.HeartbeatPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.stampProgress(ctx, requestID, mode, startedAt, -1)
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	// the stop func waits the goroutine out so no late heartbeat can rewrite
	// the lock after finalize deleted it
	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		<-exited
	}
}

// stampProgress refreshes the lock heartbeat and, when processed >= 0, the
// progress counters.
func (c *Controller) stampProgress(ctx context.Context, requestID string, mode model.RunMode, startedAt time.Time, processed int) {
	now := time.Now().UTC()
	rec := lockRecord{RequestID: requestID, Mode: mode, StartedAt: startedAt, HeartbeatAt: now}
	payload, _ := json.Marshal(rec)
	if err := c.kv.Set(ctx, keys.RunLock, payload, 0); err != nil {
		c.log.Warn().Err(err).Msg("heartbeat write failed")
	}

	c.mu.Lock()
	c.state.HeartbeatAt = &now
	if processed >= 0 {
		c.state.ProcessedRegions = processed
	}
	c.mu.Unlock()
	if processed >= 0 {
		observability.SetProcessedRegions(processed)
	}
}

func (c *Controller) finalize(ctx context.Context, runErr string, processed int) {
	// the run context is already canceled when the run was aborted; the lock
	// release must outlive it or run:lock would survive until stale eviction
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.kv.Del(relCtx, keys.RunLock, keys.RunAbort); err != nil {
		c.log.Error().Err(err).Msg("run lock release failed")
	}

	now := time.Now().UTC()
	c.mu.Lock()
	c.state.Running = false
	c.state.ProcessedRegions = processed
	c.state.LastFinishedAt = &now
	c.state.LastError = runErr
	c.state.RequestID = ""
	c.cancel = nil
	c.abort = false
	c.state.AbortRequested = false
	c.mu.Unlock()

	observability.SetRunActive(false)
	observability.SetProcessedRegions(processed)
}

// Status returns a snapshot of the run state.
func (c *Controller) Status() model.RunState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Abort requests a cooperative stop at the next batch boundary and cancels
// in-flight fetches.
func (c *Controller) Abort(ctx context.Context) AbortResult {
	c.mu.Lock()
	running := c.state.Running
	requestID := c.state.RequestID
	if running {
		c.abort = true
		c.state.AbortRequested = true
		if c.cancel != nil {
			c.cancel()
		}
	}
	c.mu.Unlock()

	if !running {
		return AbortResult{OK: false, Running: false, Message: "idle"}
	}
	if err := c.kv.Set(ctx, keys.RunAbort, []byte("1"), c.cfg.HeartbeatTimeout); err != nil {
		c.log.Warn().Err(err).Msg("abort flag write failed")
	}
	return AbortResult{OK: true, Running: true, Message: "abort_requested", RequestID: requestID}
}

// Reset force-releases the lock and abort flag. Idempotent; for operators
// cleaning up after a crashed holder.
func (c *Controller) Reset(ctx context.Context) error {
	if err := c.kv.Del(ctx, keys.RunLock, keys.RunAbort); err != nil {
		return fmt.Errorf("release run lock: %w", err)
	}
	c.mu.Lock()
	if !c.state.Running {
		c.abort = false
		c.state.AbortRequested = false
	}
	c.mu.Unlock()
	return nil
}

func (c *Controller) recordCollection(results []model.CollectionResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.ring) < c.cfg.DebugRingSize {
		c.ring = append(c.ring, results)
		c.ringPos = len(c.ring) % c.cfg.DebugRingSize
		return
	}
	c.ring[c.ringPos] = results
	c.ringPos = (c.ringPos + 1) % c.cfg.DebugRingSize
}

// DebugLastCollection returns the most recent collection batches, newest last.
func (c *Controller) DebugLastCollection() []model.CollectionResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []model.CollectionResult
	for i := 0; i < len(c.ring); i++ {
		idx := (c.ringPos + i) % len(c.ring)
		out = append(out, c.ring[idx]...)
	}
	return out
}

// ResetScraperRuntime clears cooldowns, rate counters, and URL claims, and
// optionally flushes the scraper payload cache.
func (c *Controller) ResetScraperRuntime(ctx context.Context, clearCache bool) (int, error) {
	if c.scraper != nil {
		c.scraper.Reset()
	}
	if !clearCache || c.cache == nil {
		return 0, nil
	}
	n, err := c.cache.ClearPrefix(ctx, keys.ScraperPrefix())
	if err != nil {
		return n, fmt.Errorf("clear scraper cache: %w", err)
	}
	return n, nil
}
