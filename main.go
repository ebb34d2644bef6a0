package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	httpv1 "github.com/yourorg/valuation-api/http/v1"
	"github.com/yourorg/valuation-api/internal/app"
	"github.com/yourorg/valuation-api/internal/config"
	"github.com/yourorg/valuation-api/internal/logger"
	"github.com/yourorg/valuation-api/internal/refresh"
	"github.com/yourorg/valuation-api/internal/valuation"
)

func main() {
	log := logger.New()
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("config load failed")
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := app.Build(rootCtx, cfg, log, reg)
	if err != nil {
		log.WithError(err).Fatal("startup failed")
	}
	defer a.Close()

	if a.Archive != nil {
		go a.Archive.Run(rootCtx)
	}

	prefetch := refresh.New(refresh.Config{
		Capacity: cfg.Refresh.Capacity,
		Workers:  cfg.Refresh.Workers,
		Timeout:  cfg.Refresh.Timeout,
	}, func(ctx context.Context, j refresh.Job) error {
		_, err := a.Valuation.Resolve(ctx, j.Identity, valuation.Options{Depth: valuation.Depth(j.Depth)})
		return err
	}, logger.Component(log, "refresh"))

	router := BuildRouter(RouterConfig{RequestsPerMinute: cfg.RequestsPerMinute, Gatherer: reg}, httpv1.Deps{
		Resolver: a.Valuation,
		Prefetch: prefetch,
		Quota:    a.Quota,
		Cache:    a.Orchestrator,
		Log:      logger.Component(log, "http"),
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           logger.Middleware(log, router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infof("valuation-api listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server failed")
		}
	}()

	<-rootCtx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}
	if err := prefetch.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("prefetch workers still running at exit")
	}
}
