// Package valuation is the single entry point callers use: it gathers
// comps, estimates and history through the orchestrator, reconciles them
// and validates the result against the property's own record.
package valuation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/valuation-api/internal/canon"
	"github.com/yourorg/valuation-api/internal/events"
	"github.com/yourorg/valuation-api/internal/history"
	"github.com/yourorg/valuation-api/internal/logger"
	"github.com/yourorg/valuation-api/internal/metrics"
	"github.com/yourorg/valuation-api/internal/model"
	"github.com/yourorg/valuation-api/internal/orchestrator"
	"github.com/yourorg/valuation-api/internal/provider"
	"github.com/yourorg/valuation-api/internal/reconcile"
)

type Depth string

const (
	Minimal  Depth = "minimal"
	Standard Depth = "standard"
	Deep     Depth = "deep"
)

var ErrUnknownDepth = errors.New("unknown analysis depth")

// ParseDepth accepts the three depth names; empty means standard.
func ParseDepth(s string) (Depth, error) {
	switch Depth(s) {
	case "":
		return Standard, nil
	case Minimal, Standard, Deep:
		return Depth(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDepth, s)
}

// estimateBudget is how many independent estimate sources a depth asks for;
// -1 means every configured source.
func (d Depth) estimateBudget() int {
	switch d {
	case Minimal:
		return 0
	case Standard:
		return 1
	default:
		return -1
	}
}

// Override is user-supplied data that replaces provider lookups entirely.
type Override struct {
	ARV   *float64     `json:"arv,omitempty"`
	Comps []model.Comp `json:"comps,omitempty"`
}

type Options struct {
	Depth           Depth
	PrimaryProvider string
	SubjectSqft     int
	MaxComps        int
	RadiusMiles     float64
	Override        *Override
}

type Result struct {
	ID               string                     `json:"id"`
	Identity         model.PropertyIdentity     `json:"identity"`
	Depth            Depth                      `json:"depth"`
	Comps            []model.Comp               `json:"comps"`
	Valuation        *model.ReconciledValuation `json:"valuation"`
	Validation       *model.ValidationResult    `json:"validation"`
	Detail           *model.PropertyDetail      `json:"detail,omitempty"`
	ProvidersUsed    []string                   `json:"providersUsed"`
	CacheHits        int                        `json:"cacheHits"`
	Warnings         []string                   `json:"warnings"`
	InsufficientData bool                       `json:"insufficientData"`
	Override         bool                       `json:"override"`
}

// Fetcher is the orchestrator as the service sees it.
type Fetcher interface {
	Fetch(ctx context.Context, req orchestrator.Request) (orchestrator.Outcome, error)
}

type Config struct {
	// EstimateSources are the providers asked for independent estimates,
	// in preference order.
	EstimateSources []string
	MaxComps        int
	RadiusMiles     float64
}

func DefaultConfig() Config {
	return Config{EstimateSources: []string{"attom", "rentcast"}, MaxComps: 10, RadiusMiles: 1}
}

type Service struct {
	fetch     Fetcher
	engine    *reconcile.Engine
	validator *history.Validator
	pub       events.Publisher
	metrics   *metrics.Metrics
	log       *logrus.Entry
	cfg       Config
	now       func() time.Time
}

type Option func(*Service)

func WithPublisher(p events.Publisher) Option { return func(s *Service) { s.pub = p } }
func WithMetrics(m *metrics.Metrics) Option   { return func(s *Service) { s.metrics = m } }
func WithLogger(l *logrus.Entry) Option       { return func(s *Service) { s.log = l } }
func WithConfig(c Config) Option              { return func(s *Service) { s.cfg = c } }

func New(f Fetcher, engine *reconcile.Engine, validator *history.Validator, opts ...Option) *Service {
	s := &Service{
		fetch:     f,
		engine:    engine,
		validator: validator,
		log:       logger.Discard(),
		cfg:       DefaultConfig(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.Noop()
	}
	if s.cfg.MaxComps <= 0 {
		s.cfg.MaxComps = DefaultConfig().MaxComps
	}
	if s.cfg.RadiusMiles <= 0 {
		s.cfg.RadiusMiles = DefaultConfig().RadiusMiles
	}
	return s
}

// collector accumulates provenance across fetches.
type collector struct {
	used     []string
	seen     map[string]bool
	hits     int
	warnings []string
}

func (c *collector) record(label string, out orchestrator.Outcome) {
	for _, id := range out.Skipped {
		c.warn(fmt.Sprintf("%s: %s skipped, quota threshold reached", label, id))
	}
	if out.Exhausted {
		c.warn(fmt.Sprintf("%s: no provider returned usable data", label))
		return
	}
	if out.CacheHit {
		c.hits++
	}
	if out.Provider != "" && !c.seen[out.Provider] {
		c.seen[out.Provider] = true
		c.used = append(c.used, out.Provider)
	}
}

func (c *collector) warn(w string) { c.warnings = append(c.warnings, w) }

// Resolve produces a valuation for id. It errors only for an incomplete
// identity, an unknown depth or a canceled context; missing data shows up
// as warnings, InsufficientData or a skipped validation.
func (s *Service) Resolve(ctx context.Context, id model.PropertyIdentity, opts Options) (Result, error) {
	if err := id.Validate(); err != nil {
		return Result{}, err
	}
	depth, err := ParseDepth(string(opts.Depth))
	if err != nil {
		return Result{}, err
	}
	if opts.MaxComps <= 0 {
		opts.MaxComps = s.cfg.MaxComps
	}
	if opts.RadiusMiles <= 0 {
		opts.RadiusMiles = s.cfg.RadiusMiles
	}
	log := logger.FromContext(ctx, s.log).WithFields(logrus.Fields{
		"property": canon.IdentityKey(id),
		"depth":    depth,
	})

	res := Result{ID: uuid.NewString(), Identity: id, Depth: depth, Comps: []model.Comp{}}
	col := &collector{seen: map[string]bool{}}

	if opts.Override != nil && (opts.Override.ARV != nil || len(opts.Override.Comps) > 0) {
		s.applyOverride(&res, opts)
		s.finish(ctx, log, &res, col)
		return res, nil
	}

	params := provider.Params{
		Identity:    id,
		MaxComps:    opts.MaxComps,
		RadiusMiles: opts.RadiusMiles,
		SubjectSqft: opts.SubjectSqft,
	}

	if depth == Deep {
		out, err := s.fetch.Fetch(ctx, s.request(id, provider.PropertyDetail, "", opts, params))
		if err != nil {
			return Result{}, err
		}
		col.record("property detail", out)
		if d := out.Payload.Detail; d != nil {
			res.Detail = d
			if params.SubjectSqft <= 0 {
				params.SubjectSqft = d.Sqft
			}
			params.SubjectBeds, params.SubjectBaths = d.Beds, d.Baths
			params.SubjectLat, params.SubjectLon = d.Lat, d.Lon
		}
	}

	var (
		compsOut   orchestrator.Outcome
		historyOut orchestrator.Outcome
		trendOut   orchestrator.Outcome
		estimates  []orchestrator.Outcome
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		compsOut, err = s.fetch.Fetch(gctx, s.request(id, provider.Comps, "", opts, params))
		return err
	})
	g.Go(func() error {
		var err error
		estimates, err = s.estimates(gctx, id, depth, opts, params)
		return err
	})
	if depth != Minimal {
		g.Go(func() error {
			var err error
			historyOut, err = s.fetch.Fetch(gctx, s.request(id, provider.PriceHistory, "", opts, params))
			return err
		})
		g.Go(func() error {
			var err error
			trendOut, err = s.fetch.Fetch(gctx, s.request(id, provider.MarketTrend, "", opts, params))
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	col.record("comps", compsOut)
	res.Comps = append(res.Comps, compsOut.Payload.Comps...)
	var ests []model.Estimate
	for _, e := range estimates {
		col.record("estimate", e)
		if e.Payload.Estimate != nil {
			ests = append(ests, *e.Payload.Estimate)
		}
	}

	v, err := s.engine.Reconcile(reconcile.Input{Comps: res.Comps, Estimates: ests, SubjectSqft: params.SubjectSqft})
	switch {
	case errors.Is(err, reconcile.ErrInsufficientData):
		res.InsufficientData = true
		col.warn("insufficient data: no comps or estimates available, supply an ARV or comps manually")
	case err != nil:
		return Result{}, err
	default:
		res.Valuation = &v
	}

	switch {
	case depth == Minimal:
		res.Validation = skipped("validation skipped: history is not requested at minimal depth")
	case res.Valuation == nil:
		col.record("price history", historyOut)
		col.record("market trend", trendOut)
		res.Validation = skipped("validation skipped: no reconciled ARV")
	default:
		col.record("price history", historyOut)
		col.record("market trend", trendOut)
		vr := s.validator.Validate(res.Valuation.ARV, historyOut.Payload.History, trendOut.Payload.Trend)
		res.Validation = &vr
	}

	s.finish(ctx, log, &res, col)
	return res, nil
}

func (s *Service) request(id model.PropertyIdentity, t provider.RequestType, source string, opts Options, p provider.Params) orchestrator.Request {
	return orchestrator.Request{Identity: id, Type: t, Primary: opts.PrimaryProvider, Source: source, Params: p}
}

// estimates asks each configured source in turn, pinned, until the depth's
// budget of successful independent estimates is met.
func (s *Service) estimates(ctx context.Context, id model.PropertyIdentity, depth Depth, opts Options, p provider.Params) ([]orchestrator.Outcome, error) {
	budget := depth.estimateBudget()
	if budget == 0 {
		return nil, nil
	}
	var out []orchestrator.Outcome
	got := 0
	for _, src := range s.cfg.EstimateSources {
		if budget > 0 && got >= budget {
			break
		}
		o, err := s.fetch.Fetch(ctx, s.request(id, provider.Estimate, src, opts, p))
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			// unknown or misconfigured source; the others still count
			s.log.WithError(err).WithField("source", src).Warn("estimate source unavailable")
			continue
		}
		out = append(out, o)
		if !o.Exhausted {
			got++
		}
	}
	return out, nil
}

func (s *Service) applyOverride(res *Result, opts Options) {
	res.Override = true
	ov := opts.Override
	res.Comps = append(res.Comps, ov.Comps...)
	res.Validation = skipped("validation skipped: user-supplied override")
	if ov.ARV != nil && *ov.ARV > 0 {
		res.Valuation = &model.ReconciledValuation{
			ARV:             *ov.ARV,
			ConfidenceScore: 100,
			Sources:         []model.SourceContribution{{SourceProviderID: "override", Value: *ov.ARV, Weight: 1}},
			Methodology:     "user-supplied ARV override",
		}
		return
	}
	v, err := s.engine.Reconcile(reconcile.Input{Comps: ov.Comps, SubjectSqft: opts.SubjectSqft})
	if err != nil {
		res.InsufficientData = true
		res.Warnings = append(res.Warnings, "override comps carried no usable prices")
		return
	}
	v.Methodology = "user-supplied comps. " + v.Methodology
	res.Valuation = &v
}

func skipped(reason string) *model.ValidationResult {
	return &model.ValidationResult{Skipped: true, SalePattern: model.PatternUnknown, Warnings: []string{reason}}
}

func (s *Service) finish(ctx context.Context, log *logrus.Entry, res *Result, col *collector) {
	res.ProvidersUsed = col.used
	if res.ProvidersUsed == nil {
		res.ProvidersUsed = []string{}
	}
	res.CacheHits = col.hits
	res.Warnings = append(res.Warnings, col.warnings...)
	if res.Warnings == nil {
		res.Warnings = []string{}
	}

	outcome := "valued"
	switch {
	case res.Override:
		outcome = "override"
	case res.InsufficientData:
		outcome = "insufficient"
	}
	s.metrics.Valuations.WithLabelValues(string(res.Depth), outcome).Inc()
	fields := logrus.Fields{"providers": res.ProvidersUsed, "cache_hits": res.CacheHits, "outcome": outcome}
	if res.Valuation != nil {
		s.metrics.Confidence.Observe(res.Valuation.ConfidenceScore)
		fields["arv"] = res.Valuation.ARV
		fields["confidence"] = res.Valuation.ConfidenceScore
	}
	log.WithFields(fields).Info("valuation resolved")

	if s.pub != nil {
		s.pub.PublishValuationResolved(ctx, events.ValuationResolved{
			ID:               res.ID,
			Identity:         res.Identity,
			PropertyKey:      canon.IdentityKey(res.Identity),
			Depth:            string(res.Depth),
			Valuation:        res.Valuation,
			Validation:       res.Validation,
			ProvidersUsed:    res.ProvidersUsed,
			CacheHits:        res.CacheHits,
			InsufficientData: res.InsufficientData,
			Warnings:         res.Warnings,
			ResolvedAt:       s.now(),
		})
	}
}
