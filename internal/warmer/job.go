// Package warmer resolves a fixed list of properties on an interval so
// interactive requests find their data cached.
package warmer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/valuation-api/internal/logger"
	"github.com/yourorg/valuation-api/internal/model"
	"github.com/yourorg/valuation-api/internal/valuation"
)

// ErrQuotaExhausted stops a run once no provider has quota left.
var ErrQuotaExhausted = errors.New("every provider is over its quota threshold")

type Resolver interface {
	Resolve(ctx context.Context, id model.PropertyIdentity, opts valuation.Options) (valuation.Result, error)
}

// Gate reports per-provider quota availability. quota.Book satisfies it.
type Gate interface {
	Available(ctx context.Context, providerID string) bool
}

type Config struct {
	Addresses []model.PropertyIdentity
	Depth     valuation.Depth
	Interval  time.Duration
	// Pause is the wait between two properties.
	Pause          time.Duration
	RequestTimeout time.Duration
}

// Stats summarises one pass.
type Stats struct {
	Resolved     int
	Insufficient int
	Failed       int
	CacheHits    int
}

type Job struct {
	Resolver  Resolver
	Quota     Gate
	Providers []string
	Log       *logrus.Entry
	Config    Config
}

func (j *Job) validate() error {
	if j == nil {
		return errors.New("nil warmer job")
	}
	if j.Resolver == nil {
		return errors.New("warmer job missing resolver")
	}
	if len(j.Config.Addresses) == 0 {
		return errors.New("warmer job requires at least one address")
	}
	if j.Config.Depth == "" {
		j.Config.Depth = valuation.Standard
	}
	if j.Log == nil {
		j.Log = logger.Discard()
	}
	return nil
}

// Run repeats RunOnce every Interval until ctx ends. A zero interval runs once.
func (j *Job) Run(ctx context.Context) error {
	if err := j.validate(); err != nil {
		return err
	}
	interval := j.Config.Interval
	if interval <= 0 {
		_, err := j.RunOnce(ctx)
		return err
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	j.Log.Infof("warmer starting with interval %s (%d address(es))", interval, len(j.Config.Addresses))
	if _, err := j.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		j.Log.WithError(err).Warn("warmer initial run error")
	}
	for {
		select {
		case <-ctx.Done():
			j.Log.Infof("warmer stopping: %v", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			if _, err := j.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				j.Log.WithError(err).Warn("warmer iteration error")
			}
		}
	}
}

// RunOnce resolves every address once. It stops early on cancellation or
// when all providers are out of quota; other per-address failures are
// joined into the returned error.
func (j *Job) RunOnce(ctx context.Context) (Stats, error) {
	var st Stats
	if err := j.validate(); err != nil {
		return st, err
	}
	timeout := j.Config.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	var joined error
	for i, id := range j.Config.Addresses {
		if ctx.Err() != nil {
			return st, ctx.Err()
		}
		if j.exhausted(ctx) {
			j.Log.WithField("remaining", len(j.Config.Addresses)-i).Warn("warmer halting, provider quotas exhausted")
			return st, ErrQuotaExhausted
		}
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		res, err := j.Resolver.Resolve(reqCtx, id, valuation.Options{Depth: j.Config.Depth})
		cancel()
		switch {
		case err != nil && ctx.Err() != nil:
			return st, ctx.Err()
		case err != nil:
			st.Failed++
			joined = errors.Join(joined, fmt.Errorf("%s: %w", id, err))
		case res.InsufficientData:
			st.Insufficient++
		default:
			st.Resolved++
		}
		st.CacheHits += res.CacheHits

		if j.Config.Pause > 0 && i < len(j.Config.Addresses)-1 {
			select {
			case <-ctx.Done():
				return st, ctx.Err()
			case <-time.After(j.Config.Pause):
			}
		}
	}
	j.Log.WithFields(logrus.Fields{
		"resolved":     st.Resolved,
		"insufficient": st.Insufficient,
		"failed":       st.Failed,
		"cache_hits":   st.CacheHits,
	}).Info("warmer pass complete")
	return st, joined
}

func (j *Job) exhausted(ctx context.Context) bool {
	if j.Quota == nil || len(j.Providers) == 0 {
		return false
	}
	for _, p := range j.Providers {
		if j.Quota.Available(ctx, p) {
			return false
		}
	}
	return true
}
