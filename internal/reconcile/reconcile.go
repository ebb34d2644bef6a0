// Package reconcile blends comparable sales and independent estimates into
// one ARV with a dispersion-based confidence score.
package reconcile

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"

	"github.com/yourorg/valuation-api/internal/model"
)

// ErrInsufficientData means there was nothing to reconcile. Callers should
// ask for manual input rather than fail.
var ErrInsufficientData = errors.New("insufficient data to reconcile")

// SourceComps is the weight table key for the comps-derived value.
const SourceComps = "comps"

type Config struct {
	// Weights per source. Keys are SourceComps or provider ids.
	Weights map[string]float64 `yaml:"weights"`
	// DefaultSourceWeight applies to estimate sources missing from Weights,
	// scaled by the estimate's own weight hint.
	DefaultSourceWeight float64 `yaml:"default_source_weight"`
	// RemodeledWeight multiplies the weight of remodeled comps.
	RemodeledWeight float64 `yaml:"remodeled_weight"`
	// RemodelPremium lifts unremodeled comps when no remodeled comp exists.
	RemodelPremium float64 `yaml:"remodel_premium"`
	// DistanceScale is the distance in miles at which a comp's weight halves.
	DistanceScale float64 `yaml:"distance_scale_miles"`
	// RecencyHalfLife is the sale age at which a comp's weight halves.
	RecencyHalfLife time.Duration `yaml:"recency_half_life"`
	// LowDispersion is the CV below which confidence stays near 100.
	LowDispersion float64 `yaml:"low_dispersion"`
	// Decay controls how fast confidence falls above LowDispersion.
	Decay           float64 `yaml:"decay"`
	ConfidenceFloor float64 `yaml:"confidence_floor"`
	// SingleEstimateCV stands in for dispersion when the only input is one
	// estimate with nothing to compare it against.
	SingleEstimateCV float64 `yaml:"single_estimate_cv"`
}

func DefaultConfig() Config {
	return Config{
		Weights:             map[string]float64{SourceComps: 0.50, "attom": 0.25, "rentcast": 0.25},
		DefaultSourceWeight: 0.10,
		RemodeledWeight:     1.5,
		RemodelPremium:      0.15,
		DistanceScale:       1.0,
		RecencyHalfLife:     180 * 24 * time.Hour,
		LowDispersion:       0.05,
		Decay:               8,
		ConfidenceFloor:     50,
		SingleEstimateCV:    0.20,
	}
}

type Engine struct {
	cfg Config
	now func() time.Time
}

func New(cfg Config) *Engine {
	d := DefaultConfig()
	if cfg.Weights == nil {
		cfg.Weights = d.Weights
	}
	if cfg.DefaultSourceWeight <= 0 {
		cfg.DefaultSourceWeight = d.DefaultSourceWeight
	}
	if cfg.RemodeledWeight <= 0 {
		cfg.RemodeledWeight = d.RemodeledWeight
	}
	if cfg.RemodelPremium < 0 {
		cfg.RemodelPremium = 0
	}
	if cfg.DistanceScale <= 0 {
		cfg.DistanceScale = d.DistanceScale
	}
	if cfg.RecencyHalfLife <= 0 {
		cfg.RecencyHalfLife = d.RecencyHalfLife
	}
	if cfg.LowDispersion <= 0 {
		cfg.LowDispersion = d.LowDispersion
	}
	if cfg.Decay <= 0 {
		cfg.Decay = d.Decay
	}
	if cfg.ConfidenceFloor <= 0 || cfg.ConfidenceFloor >= 100 {
		cfg.ConfidenceFloor = d.ConfidenceFloor
	}
	if cfg.SingleEstimateCV <= 0 {
		cfg.SingleEstimateCV = d.SingleEstimateCV
	}
	return &Engine{cfg: cfg, now: time.Now}
}

// WithClock swaps the time source used for comp recency.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

type Input struct {
	Comps       []model.Comp
	Estimates   []model.Estimate
	SubjectSqft int
}

// CompsValue is the comps-derived point value and how it was built.
type CompsValue struct {
	Value          float64
	CV             float64
	Used           int
	Remodeled      int
	PremiumApplied bool
	PerSqft        bool
}

// Comps computes the weighted comps value. ok is false when no comp has a
// usable price.
func (e *Engine) Comps(comps []model.Comp, subjectSqft int) (CompsValue, bool) {
	hasRemodeled, hasUnremodeled := false, false
	for _, c := range comps {
		switch c.Condition {
		case model.ConditionRemodeled:
			hasRemodeled = true
		case model.ConditionUnremodeled:
			hasUnremodeled = true
		}
	}
	premium := !hasRemodeled && hasUnremodeled && e.cfg.RemodelPremium > 0

	now := e.now()
	var vals, ws []float64
	out := CompsValue{PremiumApplied: premium, PerSqft: subjectSqft > 0}
	for _, c := range comps {
		if c.Price <= 0 || math.IsNaN(c.Price) || math.IsInf(c.Price, 0) {
			continue
		}
		v := c.Price
		if subjectSqft > 0 && c.Sqft > 0 {
			v = c.Price / float64(c.Sqft) * float64(subjectSqft)
		}
		w := 1.0
		if c.DistanceMiles > 0 {
			w *= 1 / (1 + c.DistanceMiles/e.cfg.DistanceScale)
		}
		if !c.SaleDate.IsZero() && c.SaleDate.Before(now) {
			age := now.Sub(c.SaleDate).Hours() / e.cfg.RecencyHalfLife.Hours()
			w *= math.Pow(0.5, age)
		}
		if c.QualityScore > 0 {
			w *= float64(min(c.QualityScore, 100)) / 100
		}
		switch c.Condition {
		case model.ConditionRemodeled:
			w *= e.cfg.RemodeledWeight
			out.Remodeled++
		case model.ConditionUnremodeled:
			if premium {
				v *= 1 + e.cfg.RemodelPremium
			}
		}
		vals = append(vals, v)
		ws = append(ws, w)
	}
	if len(vals) == 0 {
		return CompsValue{}, false
	}
	out.Used = len(vals)
	out.Value, out.CV = weightedStats(vals, ws)
	return out, true
}

type source struct {
	id     string
	value  float64
	weight float64
}

// Reconcile blends in. It returns ErrInsufficientData when neither a comp
// nor an estimate carries a usable value.
func (e *Engine) Reconcile(in Input) (model.ReconciledValuation, error) {
	var sources []source
	cv, haveComps := e.Comps(in.Comps, in.SubjectSqft)
	if haveComps {
		sources = append(sources, source{id: SourceComps, value: cv.Value, weight: e.weightFor(SourceComps, 1)})
	}
	for _, est := range in.Estimates {
		if est.Value <= 0 || math.IsNaN(est.Value) || math.IsInf(est.Value, 0) {
			continue
		}
		sources = append(sources, source{id: est.SourceProviderID, value: est.Value, weight: e.weightFor(est.SourceProviderID, est.Weight)})
	}
	if len(sources) == 0 {
		return model.ReconciledValuation{}, ErrInsufficientData
	}

	// redistribute: normalising scales every present weight by the same
	// factor, so missing sources' shares spread proportionally
	var total float64
	for _, s := range sources {
		total += s.weight
	}
	if total <= 0 {
		for i := range sources {
			sources[i].weight = 1
		}
		total = float64(len(sources))
	}
	vals := make([]float64, len(sources))
	ws := make([]float64, len(sources))
	for i := range sources {
		sources[i].weight /= total
		vals[i], ws[i] = sources[i].value, sources[i].weight
	}
	arv, dispersion := weightedStats(vals, ws)

	if len(sources) == 1 {
		switch {
		case haveComps && cv.Used > 1:
			dispersion = cv.CV
		default:
			dispersion = e.cfg.SingleEstimateCV
		}
	}

	rounded := decimal.NewFromFloat(arv).Round(0)
	res := model.ReconciledValuation{
		ARV:             rounded.InexactFloat64(),
		ConfidenceScore: e.Confidence(dispersion),
		Sources:         make([]model.SourceContribution, 0, len(sources)),
	}
	for _, s := range sources {
		res.Sources = append(res.Sources, model.SourceContribution{
			SourceProviderID: s.id,
			Value:            decimal.NewFromFloat(s.value).Round(0).InexactFloat64(),
			Weight:           decimal.NewFromFloat(s.weight).Round(4).InexactFloat64(),
		})
	}
	res.Methodology = e.methodology(rounded, res.ConfidenceScore, sources, cv, haveComps)
	return res, nil
}

func (e *Engine) weightFor(id string, hint float64) float64 {
	if w, ok := e.cfg.Weights[id]; ok {
		return math.Max(w, 0)
	}
	if hint <= 0 || hint > 1 {
		hint = 1
	}
	return e.cfg.DefaultSourceWeight * hint
}

// Confidence maps a coefficient of variation onto 100..floor. It is
// strictly decreasing: a shallow linear slope up to LowDispersion, then
// exponential decay toward the floor.
func (e *Engine) Confidence(cv float64) float64 {
	if math.IsNaN(cv) || cv < 0 {
		cv = 0
	}
	const flatDrop = 0.02
	span := 100 - e.cfg.ConfidenceFloor
	var g float64
	if cv <= e.cfg.LowDispersion {
		g = 1 - flatDrop*cv/e.cfg.LowDispersion
	} else {
		g = (1 - flatDrop) * math.Exp(-e.cfg.Decay*(cv-e.cfg.LowDispersion))
	}
	return e.cfg.ConfidenceFloor + span*g
}

// weightedStats returns the weighted mean and coefficient of variation.
func weightedStats(vals, ws []float64) (mean, cv float64) {
	var sw float64
	for i, v := range vals {
		mean += v * ws[i]
		sw += ws[i]
	}
	if sw <= 0 {
		return 0, 0
	}
	mean /= sw
	if len(vals) < 2 || mean == 0 {
		return mean, 0
	}
	var variance float64
	for i, v := range vals {
		d := v - mean
		variance += ws[i] * d * d
	}
	variance /= sw
	return mean, math.Sqrt(variance) / math.Abs(mean)
}

func usd(d decimal.Decimal) string {
	cents := d.Mul(decimal.NewFromInt(100)).IntPart()
	return money.New(cents, money.USD).Display()
}

func (e *Engine) methodology(arv decimal.Decimal, confidence float64, sources []source, cv CompsValue, haveComps bool) string {
	sorted := append([]source(nil), sources...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].weight > sorted[j].weight })
	parts := make([]string, 0, len(sorted))
	for _, s := range sorted {
		parts = append(parts, fmt.Sprintf("%s %s (%s)", s.id, usd(decimal.NewFromFloat(s.value).Round(0)),
			decimal.NewFromFloat(s.weight*100).Round(1).String()+"%"))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "ARV %s from %d source(s): %s.", usd(arv), len(sources), strings.Join(parts, ", "))
	if haveComps {
		fmt.Fprintf(&b, " Comps value is a distance/recency/quality weighted mean of %d comp(s), %d remodeled", cv.Used, cv.Remodeled)
		if cv.PerSqft {
			b.WriteString(", adjusted to subject square footage")
		}
		b.WriteString(".")
		if cv.PremiumApplied {
			fmt.Fprintf(&b, " No remodeled comps; %s%% remodel premium applied.", decimal.NewFromFloat(e.cfg.RemodelPremium*100).Round(1).String())
		}
	}
	fmt.Fprintf(&b, " Confidence %s/100.", decimal.NewFromFloat(confidence).Round(1).String())
	return b.String()
}
