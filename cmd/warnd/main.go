package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zhihao-yuan/geohazard-warning-engine/internal/app/server"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/cache"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/collect"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/config"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/httpclient"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/invalidate"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/kv"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/logger"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/model"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/observability"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/pipeline"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/publish"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/run"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/scrape"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/selector"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/source"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/store"
)

var Version = "dev"

func main() {
	cfg := config.FromEnv()
	log := logger.Build(logger.Config{Level: cfg.LogLevel, Component: "warnd"}, os.Stdout)
	log.Info().Str("version", Version).Str("addr", cfg.Addr).Msg("starting warnd")
	observability.ExposeBuildInfo(Version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kvClient, err := kv.New(ctx, cfg.RedisAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("redis connect failed")
	}
	defer func() { _ = kvClient.Close() }()

	st, err := store.Open(cfg.PostgresDSN, cfg.HistoryWindow)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open failed")
	}
	defer func() { _ = st.Close() }()

	stations, err := st.LoadStationMap(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("station map unavailable, station source will report no_station_mapped")
		stations = map[string]string{}
	}

	payloadCache := cache.New(cfg.MemCacheSize, kvClient, cfg.Scraper.CacheTTL)

	apiClient := httpclient.NewOutbound(cfg.SourceTimeout)
	scraperClient := httpclient.NewOutbound(cfg.Scraper.Timeout)
	wuClient := httpclient.NewOutbound(cfg.WU.Timeout)

	slugs := scrape.NewSlugs(nil, cfg.Scraper.CityLevelOnly)
	if cfg.Scraper.IndexURL != "" {
		if err := slugs.BuildIndex(ctx, scraperClient, cfg.Scraper.IndexURL); err != nil {
			log.Warn().Err(err).Msg("slug index build failed, relying on overrides")
		}
	}
	guard := source.NewGuardrails(
		scrape.NewPolicy(cfg.Scraper.AllowedDomains),
		scrape.NewLimiter(cfg.Scraper.RequestInterval, cfg.Scraper.Window, cfg.Scraper.MaxPerWindow),
		scrape.NewCooldowns(2*time.Minute, 30*time.Minute),
		scrape.NewURLOwners(),
		slugs,
		cfg.Scraper.MaxParallel,
	)

	wuKeys := source.NewWUKeys(cfg.WU.APIKey, cfg.WU.DiscoveryURL, cfg.WU.KeyRefresh, kvClient, wuClient)
	registry := source.NewRegistry(
		source.NewCMA(cfg.Keys.CMA, "", stations, apiClient),
		source.NewAMap(cfg.Keys.AMap, "", apiClient),
		source.NewWU(cfg.WU.Enabled, cfg.WU.APIKey, "", wuKeys, wuClient),
		source.NewOpenWeather(cfg.Keys.OpenWeather, "", apiClient),
		source.NewWeatherScraper(cfg.Scraper.Enabled, cfg.Scraper.URLTemplate, cfg.Scraper.CacheTTL, guard, payloadCache, scraperClient),
		source.NewCGS(cfg.Keys.CGS, "", apiClient),
		source.NewGeologyScraper(cfg.Scraper.Enabled, cfg.Scraper.GeologyURLTemplate, cfg.Scraper.CacheTTL, guard, payloadCache, scraperClient),
	)

	orchestrator := collect.NewOrchestrator(registry, st, cfg.Concurrency, &log)

	var refiner pipeline.Refiner
	if cfg.LLM.Enabled {
		r, err := pipeline.NewOpenAIRefiner(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model)
		if err != nil {
			log.Warn().Err(err).Msg("llm client init failed, refinement disabled")
		} else {
			refiner = r
		}
	}
	pipe := pipeline.New(pipeline.Config{
		Weights:                cfg.Weights,
		NeighborWeight:         cfg.NeighborWeight,
		ChangeThreshold:        cfg.ChangeThreshold,
		LLMMaxRegions:          cfg.LLM.MaxRegions,
		LLMConfidenceThreshold: cfg.LLM.ConfidenceThreshold,
	}, refiner, &log)

	publishers := []publish.Publisher{publish.NewRedisPublisher(kvClient, cfg.DeltaChannel)}
	if cfg.KafkaEnabled {
		kp, err := publish.NewKafkaPublisher(config.SplitCSV(cfg.KafkaBrokers), cfg.KafkaTopic, 256, &log)
		if err != nil {
			log.Warn().Err(err).Msg("kafka producer init failed, continuing without it")
		} else {
			publishers = append(publishers, kp)
		}
	}
	pub := publish.NewFanout(&log, publishers...)
	defer func() { _ = pub.Close() }()

	if cfg.KafkaEnabled && cfg.RegionEventsTopic != "" {
		consumer := invalidate.New(invalidate.Config{
			Brokers: config.SplitCSV(cfg.KafkaBrokers),
			Topic:   cfg.RegionEventsTopic,
		}, payloadCache, &log)
		go func() {
			if err := consumer.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("region event consumer stopped")
			}
		}()
	}

	ctrl := run.NewController(run.Config{
		MaxRuntime:       cfg.MaxRuntime,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		HeartbeatPeriod:  cfg.HeartbeatPeriod,
		Concurrency:      cfg.Concurrency,
		ManualLimit:      cfg.ManualLimit,
		DebugRingSize:    cfg.DebugRingSize,
	}, kvClient, st, orchestrator, pipe, selector.New(cfg.HighRiskHead), pub, guard, payloadCache, &log)

	if cfg.ScheduleEvery > 0 {
		go func() {
			ticker := time.NewTicker(cfg.ScheduleEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					res := ctrl.TriggerAsync(ctx, model.ModeScheduled, true, 0, false)
					if !res.Accepted {
						log.Debug().Str("message", res.Message).Msg("scheduled trigger skipped")
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	checks := map[string]func(context.Context) error{
		"redis":    func(c context.Context) error { return kvClient.Ping(c) },
		"postgres": func(c context.Context) error { return st.Ping(c) },
	}

	if err := server.Run(ctx, cfg, ctrl, checks, &log); err != nil {
		log.Error().Err(err).Msg("server error")
	}
	log.Info().Msg("warnd stopped")
}
