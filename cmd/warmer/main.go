package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/yourorg/valuation-api/internal/app"
	"github.com/yourorg/valuation-api/internal/config"
	"github.com/yourorg/valuation-api/internal/logger"
	"github.com/yourorg/valuation-api/internal/valuation"
	"github.com/yourorg/valuation-api/internal/warmer"
)

func main() {
	log := logger.New()
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("config load failed")
	}
	if len(cfg.Warmer.Addresses) == 0 {
		log.Fatal("WARMER_ADDRESSES (or warmer.addresses in VALUATION_CONFIG) must be provided")
	}
	depth, err := valuation.ParseDepth(cfg.Warmer.Depth)
	if err != nil {
		log.WithError(err).Fatal("invalid warmer depth")
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(rootCtx, cfg, log, prometheus.NewRegistry())
	if err != nil {
		log.WithError(err).Fatal("startup failed")
	}
	defer a.Close()

	if a.Archive != nil {
		go a.Archive.Run(rootCtx)
	}

	job := &warmer.Job{
		Resolver:  a.Valuation,
		Quota:     a.Quota,
		Providers: a.Orchestrator.Providers(),
		Log:       logger.Component(log, "warmer"),
		Config: warmer.Config{
			Addresses:      cfg.Warmer.Addresses,
			Depth:          depth,
			Interval:       cfg.Warmer.Interval,
			Pause:          cfg.Warmer.Pause,
			RequestTimeout: cfg.Warmer.Timeout,
		},
	}

	if cfg.Warmer.RunOnce {
		if _, err := job.RunOnce(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("warmer run failed")
			os.Exit(1)
		}
		return
	}
	if err := job.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("warmer stopped with error")
	}
}
