// Package app builds the object graph shared by the API server and the
// warmer: stores, quota book, adapters, orchestrator and valuation service.
package app

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/valuation-api/attom"
	"github.com/yourorg/valuation-api/internal/archive"
	"github.com/yourorg/valuation-api/internal/cache"
	"github.com/yourorg/valuation-api/internal/config"
	"github.com/yourorg/valuation-api/internal/events"
	"github.com/yourorg/valuation-api/internal/history"
	"github.com/yourorg/valuation-api/internal/logger"
	"github.com/yourorg/valuation-api/internal/metrics"
	"github.com/yourorg/valuation-api/internal/orchestrator"
	"github.com/yourorg/valuation-api/internal/provider"
	"github.com/yourorg/valuation-api/internal/quota"
	"github.com/yourorg/valuation-api/internal/reconcile"
	"github.com/yourorg/valuation-api/internal/redisx"
	"github.com/yourorg/valuation-api/internal/store"
	"github.com/yourorg/valuation-api/internal/valuation"
	"github.com/yourorg/valuation-api/llmcomps"
	"github.com/yourorg/valuation-api/realtor"
	"github.com/yourorg/valuation-api/rentcast"
)

type App struct {
	Config       config.Config
	Metrics      *metrics.Metrics
	Cache        cache.Store
	Quota        *quota.Book
	Bus          *events.InMemory
	Orchestrator *orchestrator.Orchestrator
	Valuation    *valuation.Service
	// Archive is nil when no Postgres DSN is configured.
	Archive *archive.Worker

	closers []func() error
}

// Build connects to Redis and Postgres when configured and falls back to
// in-process stores otherwise.
func Build(ctx context.Context, cfg config.Config, log *logrus.Logger, reg prometheus.Registerer) (*App, error) {
	a := &App{Config: cfg, Metrics: metrics.New(reg), Bus: events.NewInMemory(512)}

	var ledger quota.Ledger
	if cfg.RedisAddr != "" {
		rdb := redisx.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pctx)
		cancel()
		if err != nil {
			_ = rdb.Close()
			return nil, err
		}
		a.closers = append(a.closers, rdb.Close)
		a.Cache = cache.NewRedis(rdb, cache.WithTTLs(cfg.TTLs()))
		ledger = quota.NewRedis(rdb, logger.Component(log, "quota"))
		log.WithField("addr", cfg.RedisAddr).Info("using redis cache and quota ledger")
	} else {
		a.Cache = cache.NewMemory(cache.WithTTLs(cfg.TTLs()))
		ledger = quota.NewMemory()
		log.Warn("REDIS_ADDR not set, cache and quota ledger are in-process only")
	}
	a.Quota = quota.NewBook(ledger, cfg.Quota)

	if cfg.PostgresDSN != "" {
		st, err := store.Open(cfg.PostgresDSN)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, st.Close)
		pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := st.Ping(pctx); err != nil {
			cancel()
			a.Close()
			return nil, err
		}
		if err := st.Migrate(pctx); err != nil {
			cancel()
			a.Close()
			return nil, err
		}
		cancel()
		a.Archive = &archive.Worker{Sink: st, Pub: a.Bus, Log: logger.Component(log, "archive")}
	}

	a.Orchestrator = orchestrator.New(a.Cache, a.Quota, Adapters(cfg, log),
		orchestrator.WithConfig(cfg.OrchestratorConfig()),
		orchestrator.WithLogger(logger.Component(log, "orchestrator")),
		orchestrator.WithMetrics(a.Metrics),
		orchestrator.WithArchiver(a.Bus),
	)
	a.Valuation = valuation.New(a.Orchestrator, reconcile.New(cfg.Reconcile), history.New(cfg.History),
		valuation.WithConfig(cfg.ValuationConfig()),
		valuation.WithPublisher(a.Bus),
		valuation.WithMetrics(a.Metrics),
		valuation.WithLogger(logger.Component(log, "valuation")),
	)
	return a, nil
}

// Adapters builds every provider adapter. Providers without an API key are
// still registered; their calls fail permanently and fall through.
func Adapters(cfg config.Config, log *logrus.Logger) []provider.Adapter {
	p := cfg.Providers
	out := []provider.Adapter{
		attom.NewAdapter(attom.NewClient(attom.Config{
			APIKey:            p["attom"].APIKey,
			BaseURL:           p["attom"].BaseURL,
			Timeout:           p["attom"].Timeout,
			RequestsPerSecond: p["attom"].RequestsPerSecond,
		}, logger.Component(log, "attom"))),
		rentcast.New(rentcast.Config{
			APIKey:            p["rentcast"].APIKey,
			BaseURL:           p["rentcast"].BaseURL,
			Timeout:           p["rentcast"].Timeout,
			RequestsPerSecond: p["rentcast"].RequestsPerSecond,
		}, logger.Component(log, "rentcast")),
		realtor.New(realtor.Config{
			APIKey:            p["realtor"].APIKey,
			BaseURL:           p["realtor"].BaseURL,
			Host:              p["realtor"].Host,
			Timeout:           p["realtor"].Timeout,
			RequestsPerSecond: p["realtor"].RequestsPerSecond,
		}, logger.Component(log, "realtor")),
		llmcomps.New(llmcomps.Config{
			APIKey:  p["llm-comps"].APIKey,
			Model:   p["llm-comps"].Model,
			BaseURL: p["llm-comps"].BaseURL,
			Timeout: p["llm-comps"].Timeout,
		}, logger.Component(log, "llm-comps")),
	}
	for _, a := range out {
		if _, ok := p[a.ID()]; !ok || p[a.ID()].APIKey == "" {
			log.WithField("provider", a.ID()).Warn("provider has no API key configured")
		}
	}
	return out
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() error {
	var errs error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = errors.Join(errs, a.closers[i]())
	}
	a.closers = nil
	return errs
}
