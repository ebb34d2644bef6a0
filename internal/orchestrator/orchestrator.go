// Package orchestrator runs one logical data request across the provider
// priority table: cache first, then each provider under its quota with
// bounded retries, falling back until something usable comes back.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/yourorg/valuation-api/internal/cache"
	"github.com/yourorg/valuation-api/internal/canon"
	"github.com/yourorg/valuation-api/internal/logger"
	"github.com/yourorg/valuation-api/internal/metrics"
	"github.com/yourorg/valuation-api/internal/model"
	"github.com/yourorg/valuation-api/internal/provider"
	"github.com/yourorg/valuation-api/internal/quota"
)

// ErrUnknownProvider is returned for a request pinned to, or preferring, a
// provider that is not registered.
var ErrUnknownProvider = errors.New("unknown provider")

var (
	errEmpty        = errors.New("empty payload")
	errQuotaReached = errors.New("quota threshold reached")
)

// Archiver receives every raw response that produced a usable payload.
// Implementations must not block.
type Archiver interface {
	ArchiveRaw(id model.PropertyIdentity, providerID string, raw provider.RawResponse)
}

type Config struct {
	// Retries is the number of retries after the first attempt on a
	// transient failure, per provider.
	Retries   int
	BaseDelay time.Duration
	// AttemptTimeout bounds a single adapter call.
	AttemptTimeout time.Duration
	// Order is the default priority table. Providers registered but not
	// listed are tried last in registration order.
	Order []string
}

func DefaultConfig() Config {
	return Config{Retries: 3, BaseDelay: time.Second, AttemptTimeout: 15 * time.Second}
}

// Request is one logical data need for a property.
type Request struct {
	Identity model.PropertyIdentity
	Type     provider.RequestType
	// Primary, when set, is tried before the default order.
	Primary string
	// Source pins the request to a single provider. Estimates are pinned
	// because each source is an independent signal.
	Source string
	Params provider.Params
}

// CacheKey is provider-agnostic unless the request is pinned to a source.
func (r Request) CacheKey() string {
	tag := string(r.Type)
	if r.Source != "" {
		tag += "." + r.Source
	}
	return canon.CacheKey(r.Identity, tag)
}

type Outcome struct {
	Payload   provider.Payload
	Provider  string
	CacheHit  bool
	Exhausted bool
	State     State
	// Attempts counts outbound adapter calls made by this pass.
	Attempts int
	// Tried lists providers that were attempted, in order.
	Tried []string
	// Skipped lists providers filtered out for quota.
	Skipped []string
	// Shared is set when the outcome came from a concurrent identical request.
	Shared bool
}

type Orchestrator struct {
	adapters map[string]provider.Adapter
	order    []string
	cache    cache.Store
	book     *quota.Book
	archive  Archiver
	metrics  *metrics.Metrics
	log      *logrus.Entry
	cfg      Config
	group    singleflight.Group
}

type Option func(*Orchestrator)

func WithConfig(c Config) Option        { return func(o *Orchestrator) { o.cfg = c } }
func WithLogger(l *logrus.Entry) Option { return func(o *Orchestrator) { o.log = l } }
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}
func WithArchiver(a Archiver) Option { return func(o *Orchestrator) { o.archive = a } }

func New(store cache.Store, book *quota.Book, adapters []provider.Adapter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		adapters: make(map[string]provider.Adapter, len(adapters)),
		cache:    store,
		book:     book,
		cfg:      DefaultConfig(),
		log:      logger.Discard(),
	}
	registered := make([]string, 0, len(adapters))
	for _, a := range adapters {
		o.adapters[a.ID()] = a
		registered = append(registered, a.ID())
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = metrics.Noop()
	}
	if o.cfg.BaseDelay <= 0 {
		o.cfg.BaseDelay = time.Second
	}
	if o.cfg.Retries < 0 {
		o.cfg.Retries = 0
	}
	o.order = priority(o.cfg.Order, registered)
	return o
}

// callerGone reports whether err came from the flight leader's own context
// ending rather than from the providers.
func callerGone(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// priority keeps the configured order for known providers and appends the
// rest in registration order.
func priority(configured, registered []string) []string {
	known := make(map[string]bool, len(registered))
	for _, id := range registered {
		known[id] = true
	}
	out := make([]string, 0, len(registered))
	seen := map[string]bool{}
	for _, id := range configured {
		if known[id] && !seen[id] {
			out = append(out, id)
			seen[id] = true
		}
	}
	for _, id := range registered {
		if !seen[id] {
			out = append(out, id)
			seen[id] = true
		}
	}
	return out
}

// Providers returns the default priority order.
func (o *Orchestrator) Providers() []string { return append([]string(nil), o.order...) }

// Fetch resolves req. It fails only on an invalid identity, an unknown
// pinned source or a canceled context; running out of providers is an
// Exhausted outcome, not an error.
func (o *Orchestrator) Fetch(ctx context.Context, req Request) (Outcome, error) {
	if err := req.Identity.Validate(); err != nil {
		return Outcome{}, err
	}
	if req.Source != "" {
		if _, ok := o.adapters[req.Source]; !ok {
			return Outcome{}, fmt.Errorf("%w %q", ErrUnknownProvider, req.Source)
		}
	}
	req.Params.Identity = req.Identity
	req.Params.Type = req.Type
	key := req.CacheKey()

	if out, ok := o.fromCache(ctx, key, req); ok {
		return out, nil
	}

	ch := o.group.DoChan(key, func() (any, error) {
		// a flight that finished between our miss and now may have filled it
		if out, ok := o.fromCache(ctx, key, req); ok {
			return out, nil
		}
		return o.run(ctx, key, req)
	})
	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case res := <-ch:
		if res.Shared && callerGone(res.Err) && ctx.Err() == nil {
			// the request we piggybacked on was abandoned or timed out, not ours
			return o.run(ctx, key, req)
		}
		out, _ := res.Val.(Outcome)
		out.Shared = res.Shared
		return out, res.Err
	}
}

func (o *Orchestrator) fromCache(ctx context.Context, key string, req Request) (Outcome, bool) {
	e, ok, err := o.cache.Get(ctx, key)
	if err != nil {
		o.log.WithError(err).WithField("key", key).Warn("cache read failed")
		ok = false
	}
	if !ok {
		o.metrics.CacheLookups.WithLabelValues(string(req.Type), "miss").Inc()
		return Outcome{}, false
	}
	p, err := provider.UnmarshalPayload(e.Payload)
	if err != nil || p.Empty() {
		o.log.WithField("key", key).Warn("discarding unreadable cache entry")
		_ = o.cache.Remove(ctx, key)
		o.metrics.CacheLookups.WithLabelValues(string(req.Type), "corrupt").Inc()
		return Outcome{}, false
	}
	o.metrics.CacheLookups.WithLabelValues(string(req.Type), "hit").Inc()
	return Outcome{Payload: p, Provider: p.Provider, CacheHit: true, State: Done}, true
}

// candidates orders providers for req: pinned source alone, or the user
// primary first and the default order after it.
func (o *Orchestrator) candidates(req Request) []string {
	if req.Source != "" {
		return []string{req.Source}
	}
	if req.Primary == "" {
		return o.order
	}
	if _, ok := o.adapters[req.Primary]; !ok {
		return o.order
	}
	out := []string{req.Primary}
	for _, id := range o.order {
		if id != req.Primary {
			out = append(out, id)
		}
	}
	return out
}

func (o *Orchestrator) run(ctx context.Context, key string, req Request) (Outcome, error) {
	log := logger.FromContext(ctx, o.log).WithFields(logrus.Fields{
		"type":     req.Type,
		"property": canon.IdentityKey(req.Identity),
	})
	out := Outcome{State: SelectingProvider}
	o.transition(log, &out, SelectingProvider, "")

	var ordered []provider.Adapter
	for _, id := range o.candidates(req) {
		a := o.adapters[id]
		if !a.CanHandle(req.Type) {
			continue
		}
		if !o.book.Available(ctx, id) {
			out.Skipped = append(out.Skipped, id)
			o.metrics.QuotaSkips.WithLabelValues(id).Inc()
			log.WithField("provider", id).Info("provider over quota threshold, skipped")
			continue
		}
		ordered = append(ordered, a)
	}

	for _, a := range ordered {
		id := a.ID()
		out.Tried = append(out.Tried, id)
		o.transition(log, &out, Attempting, id)
		payload, raw, err := o.attempt(ctx, log, a, req, &out)
		if err == nil {
			o.transition(log, &out, Success, id)
			o.store(ctx, log, key, req, payload)
			if o.archive != nil {
				o.archive.ArchiveRaw(req.Identity, id, raw)
			}
			out.Payload = payload
			out.Provider = id
			o.transition(log, &out, Done, id)
			o.metrics.Fetches.WithLabelValues(string(req.Type), Done.String()).Inc()
			return out, nil
		}
		if ctx.Err() != nil {
			log.WithField("provider", id).Info("request canceled, abandoning fetch")
			o.metrics.Fetches.WithLabelValues(string(req.Type), "CANCELED").Inc()
			return out, ctx.Err()
		}
		o.transition(log, &out, FallingBack, id, err)
	}

	out.Exhausted = true
	out.Payload = provider.Payload{Type: req.Type}
	o.transition(log, &out, Exhausted, "")
	o.metrics.Fetches.WithLabelValues(string(req.Type), Exhausted.String()).Inc()
	return out, nil
}

// attempt calls one provider, retrying transient failures with exponential
// backoff. Every outbound call is charged to the ledger before it is made.
func (o *Orchestrator) attempt(ctx context.Context, log *logrus.Entry, a provider.Adapter, req Request, out *Outcome) (provider.Payload, provider.RawResponse, error) {
	id := a.ID()
	var (
		payload provider.Payload
		raw     provider.RawResponse
		try     int
	)
	b := retry.WithMaxRetries(uint64(o.cfg.Retries), retry.NewExponential(o.cfg.BaseDelay))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		try++
		if try > 1 {
			o.transition(log, out, Retrying, id)
			if !o.book.Available(ctx, id) {
				return errQuotaReached
			}
		}
		o.book.Charge(ctx, id)
		out.Attempts++

		actx, cancel := ctx, context.CancelFunc(func() {})
		if o.cfg.AttemptTimeout > 0 {
			actx, cancel = context.WithTimeout(ctx, o.cfg.AttemptTimeout)
		}
		defer cancel()

		start := time.Now()
		r, err := a.Fetch(actx, req.Params)
		o.metrics.AttemptDuration.WithLabelValues(id).Observe(time.Since(start).Seconds())
		if r.Quota != nil {
			o.book.Observe(ctx, id, r.Quota.UsedCalls())
		}
		if err == nil {
			var p provider.Payload
			p, err = a.Normalize(r, req.Params)
			if err == nil {
				p.Provider = id
				p.Type = req.Type
				p = p.Sanitize()
				if p.Empty() {
					o.metrics.ProviderAttempts.WithLabelValues(id, "empty").Inc()
					return errEmpty
				}
				payload, raw = p, r
				o.metrics.ProviderAttempts.WithLabelValues(id, "success").Inc()
				return nil
			}
		}
		entry := log.WithError(err).WithFields(logrus.Fields{"provider": id, "try": try})
		switch {
		case ctx.Err() != nil:
			o.metrics.ProviderAttempts.WithLabelValues(id, "canceled").Inc()
			return ctx.Err()
		case provider.IsTransient(err):
			o.metrics.ProviderAttempts.WithLabelValues(id, "transient").Inc()
			entry.Warn("transient provider failure")
			return retry.RetryableError(err)
		default:
			o.metrics.ProviderAttempts.WithLabelValues(id, "permanent").Inc()
			entry.Warn("permanent provider failure")
			return err
		}
	})
	return payload, raw, err
}

func (o *Orchestrator) store(ctx context.Context, log *logrus.Entry, key string, req Request, p provider.Payload) {
	b, err := p.Marshal()
	if err == nil {
		err = o.cache.Set(ctx, key, b, req.Type.TTLClass())
	}
	if err != nil {
		log.WithError(err).Warn("cache write failed")
	}
}

func (o *Orchestrator) transition(log *logrus.Entry, out *Outcome, to State, providerID string, cause ...error) {
	from := out.State
	out.State = to
	e := log.WithFields(logrus.Fields{"from": from, "to": to})
	if providerID != "" {
		e = e.WithField("provider", providerID)
	}
	if len(cause) > 0 && cause[0] != nil {
		e = e.WithError(cause[0])
	}
	e.Debug("orchestrator transition")
}

// Invalidate drops every cached artifact for id, provider-agnostic and
// pinned, and reports how many entries it removed.
func (o *Orchestrator) Invalidate(ctx context.Context, id model.PropertyIdentity) (int, error) {
	types := []provider.RequestType{provider.Comps, provider.Estimate, provider.PropertyDetail, provider.PriceHistory, provider.MarketTrend}
	removed := 0
	for _, t := range types {
		keys := []string{Request{Identity: id, Type: t}.CacheKey()}
		for _, src := range o.order {
			keys = append(keys, Request{Identity: id, Type: t, Source: src}.CacheKey())
		}
		for _, k := range keys {
			ok, err := o.cache.Has(ctx, k)
			if err != nil {
				return removed, err
			}
			if !ok {
				continue
			}
			if err := o.cache.Remove(ctx, k); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}
