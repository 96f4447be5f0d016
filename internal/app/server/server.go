// Package server exposes the control API over HTTP: run triggers, status,
// abort, operator resets, debug introspection, and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/zhihao-yuan/geohazard-warning-engine/internal/config"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/health"
	imw "github.com/zhihao-yuan/geohazard-warning-engine/internal/middleware"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/model"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/router"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/run"
)

// Run serves the control API until ctx is cancelled.
func Run(ctx context.Context, cfg config.Config, ctrl *run.Controller,
	checks map[string]func(context.Context) error, log *zerolog.Logger) error {

	r := chi.NewRouter()
	r.Use(imw.Recover(log))
	r.Use(imw.Logging(log))
	r.Use(imw.CORS())

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(checks))
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/api/run/trigger", func(w http.ResponseWriter, req *http.Request) {
		tr, err := router.ParseTriggerRequest(req)
		if err != nil {
			router.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		res := ctrl.TriggerAsync(req.Context(), model.ModeManual, tr.FastMode, tr.RegionLimit, tr.ForceLLM)
		status := http.StatusAccepted
		if !res.Accepted {
			status = http.StatusConflict
		}
		router.WriteJSON(w, status, res)
	})

	r.Post("/api/run/trigger-sync", func(w http.ResponseWriter, req *http.Request) {
		tr, err := router.ParseTriggerRequest(req)
		if err != nil {
			router.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		decisions, res := ctrl.TriggerSync(req.Context(), model.ModeManual, tr.FastMode, tr.RegionLimit, tr.ForceLLM)
		if !res.Accepted {
			router.WriteJSON(w, http.StatusConflict, res)
			return
		}
		router.WriteJSON(w, http.StatusOK, map[string]any{
			"trigger":   res,
			"decisions": decisions,
		})
	})

	r.Get("/api/run/status", func(w http.ResponseWriter, _ *http.Request) {
		router.WriteJSON(w, http.StatusOK, ctrl.Status())
	})

	r.Post("/api/run/abort", func(w http.ResponseWriter, req *http.Request) {
		router.WriteJSON(w, http.StatusOK, ctrl.Abort(req.Context()))
	})

	r.Post("/api/run/reset", func(w http.ResponseWriter, req *http.Request) {
		if err := ctrl.Reset(req.Context()); err != nil {
			router.WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		router.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})

	r.Get("/api/debug/last-collection", func(w http.ResponseWriter, _ *http.Request) {
		router.WriteJSON(w, http.StatusOK, ctrl.DebugLastCollection())
	})

	r.Post("/api/debug/randomize", func(w http.ResponseWriter, req *http.Request) {
		n, err := ctrl.DebugRandomize(req.Context())
		if err != nil {
			router.WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		router.WriteJSON(w, http.StatusOK, map[string]int{"regions": n})
	})

	r.Post("/api/scraper/reset", func(w http.ResponseWriter, req *http.Request) {
		cleared, err := ctrl.ResetScraperRuntime(req.Context(), router.ParseClearCache(req))
		if err != nil {
			router.WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		router.WriteJSON(w, http.StatusOK, map[string]int{"cache_entries_cleared": cleared})
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("http listen")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
