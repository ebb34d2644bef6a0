// Package history checks a reconciled ARV against the property's own sale
// record projected forward at the area's appreciation rate. It never fails
// the caller: problems come back as warnings on the result.
package history

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"

	"github.com/yourorg/valuation-api/internal/model"
)

type Config struct {
	// DeviationThreshold is the |deviation| at which the ARV is flagged.
	DeviationThreshold float64 `yaml:"deviation_threshold"`
	// FlipWindow is the longest gap between consecutive sales that still
	// counts as a flip.
	FlipWindow time.Duration `yaml:"flip_window"`
	// FlipGain is the per-sale gain above which a flip gets its own warning.
	FlipGain     float64 `yaml:"flip_gain"`
	HotChange    float64 `yaml:"hot_change"`
	RisingChange float64 `yaml:"rising_change"`
	StableChange float64 `yaml:"stable_change"`
}

func DefaultConfig() Config {
	return Config{
		DeviationThreshold: 0.15,
		FlipWindow:         24 * 30 * 24 * time.Hour,
		FlipGain:           0.20,
		HotChange:          0.10,
		RisingChange:       0.03,
		StableChange:       -0.02,
	}
}

type Validator struct {
	cfg Config
	now func() time.Time
}

func New(cfg Config) *Validator {
	d := DefaultConfig()
	if cfg.DeviationThreshold <= 0 {
		cfg.DeviationThreshold = d.DeviationThreshold
	}
	if cfg.FlipWindow <= 0 {
		cfg.FlipWindow = d.FlipWindow
	}
	if cfg.FlipGain <= 0 {
		cfg.FlipGain = d.FlipGain
	}
	if cfg.HotChange == 0 && cfg.RisingChange == 0 && cfg.StableChange == 0 {
		cfg.HotChange, cfg.RisingChange, cfg.StableChange = d.HotChange, d.RisingChange, d.StableChange
	}
	return &Validator{cfg: cfg, now: time.Now}
}

func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

// Validate compares arv with the history-implied value. A nil trend or an
// empty history skips the projection and says so.
func (v *Validator) Validate(arv float64, sales []model.SaleEvent, trend *model.AreaTrend) model.ValidationResult {
	res := model.ValidationResult{SalePattern: model.PatternUnknown, Warnings: []string{}}
	sales = cleanSales(sales)

	if len(sales) > 0 {
		res.SalePattern = v.pattern(sales, &res)
	}
	var rate float64
	haveRate := false
	if trend != nil {
		rate, haveRate = appreciationRate(trend)
		if tier, ok := v.tier(trend, rate, haveRate); ok {
			res.MarketTrend = tier
		}
	}
	res.AppreciationRate = rate

	switch {
	case len(sales) == 0 && trend == nil:
		res.Skipped = true
		res.Warnings = append(res.Warnings, "validation skipped: no sale history and no area trend data")
		return res
	case len(sales) == 0:
		res.Skipped = true
		res.Warnings = append(res.Warnings, "validation skipped: no sale history for this property")
		v.trendWarnings(&res, arv, 0)
		return res
	case !haveRate:
		res.Skipped = true
		res.Warnings = append(res.Warnings, "validation skipped: no area appreciation data")
		return res
	case arv <= 0:
		res.Skipped = true
		res.Warnings = append(res.Warnings, "validation skipped: no reconciled ARV to compare")
		return res
	}

	last := sales[len(sales)-1]
	years := v.now().Sub(last.Date).Hours() / (24 * 365.25)
	if years < 0 {
		years = 0
	}
	growth := math.Pow(1+rate, years)
	if math.IsNaN(growth) || math.IsInf(growth, 0) {
		res.Skipped = true
		res.Warnings = append(res.Warnings, "validation skipped: area appreciation rate out of range")
		return res
	}
	expected := decimal.NewFromFloat(last.Price).Mul(decimal.NewFromFloat(growth)).Round(0)
	if !expected.IsPositive() {
		res.Skipped = true
		res.Warnings = append(res.Warnings, "validation skipped: historical projection is zero")
		return res
	}
	res.HistoricalARV = expected.InexactFloat64()

	dev := decimal.NewFromFloat(arv).Sub(expected).Div(expected)
	res.Deviation = dev.Round(4).InexactFloat64()
	threshold := decimal.NewFromFloat(v.cfg.DeviationThreshold)
	res.IsValid = dev.Abs().LessThan(threshold)
	if !res.IsValid {
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"ARV deviates %s%% from the historical projection of %s, beyond the %s%% threshold",
			dev.Mul(decimal.NewFromInt(100)).Round(1).String(), dollars(expected), threshold.Mul(decimal.NewFromInt(100)).String()))
	}
	v.trendWarnings(&res, arv, res.HistoricalARV)
	return res
}

func cleanSales(in []model.SaleEvent) []model.SaleEvent {
	out := make([]model.SaleEvent, 0, len(in))
	for _, s := range in {
		if s.Price > 0 && !s.Date.IsZero() {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

// pattern classifies the sale record. Any short hold makes it a flip; each
// short hold with an outsized gain adds a warning.
func (v *Validator) pattern(sales []model.SaleEvent, res *model.ValidationResult) model.SalePattern {
	if len(sales) == 1 {
		return model.PatternSingleSale
	}
	flip := false
	for i := 1; i < len(sales); i++ {
		prev, cur := sales[i-1], sales[i]
		if cur.Date.Sub(prev.Date) >= v.cfg.FlipWindow {
			continue
		}
		flip = true
		gain := cur.Price/prev.Price - 1
		if gain > v.cfg.FlipGain {
			months := int(math.Round(cur.Date.Sub(prev.Date).Hours() / (24 * 30.44)))
			res.Warnings = append(res.Warnings, fmt.Sprintf(
				"flip pattern: resold after %d months for %.0f%% more (%s to %s)",
				months, gain*100, dollars(decimal.NewFromFloat(prev.Price)), dollars(decimal.NewFromFloat(cur.Price))))
		}
	}
	if flip {
		return model.PatternFlip
	}
	return model.PatternLongTermHold
}

// appreciationRate prefers an explicit annual rate, then the one year
// change, then the five year change annualised. A rate at or below -100%
// cannot project a value and is ignored.
func appreciationRate(t *model.AreaTrend) (float64, bool) {
	if t.AnnualAppreciation != nil && *t.AnnualAppreciation > -1 {
		return *t.AnnualAppreciation, true
	}
	if t.ChangePct1Y != nil && *t.ChangePct1Y > -1 {
		return *t.ChangePct1Y, true
	}
	if t.ChangePct5Y != nil && *t.ChangePct5Y > -1 {
		return math.Pow(1+*t.ChangePct5Y, 1.0/5) - 1, true
	}
	return 0, false
}

func (v *Validator) tier(t *model.AreaTrend, rate float64, haveRate bool) (model.MarketTrend, bool) {
	change := rate
	if t.ChangePct1Y != nil {
		change = *t.ChangePct1Y
	} else if !haveRate {
		return "", false
	}
	switch {
	case change >= v.cfg.HotChange:
		return model.TrendHot, true
	case change >= v.cfg.RisingChange:
		return model.TrendRising, true
	case change > v.cfg.StableChange:
		return model.TrendStable, true
	default:
		return model.TrendDeclining, true
	}
}

func (v *Validator) trendWarnings(res *model.ValidationResult, arv, projected float64) {
	switch res.MarketTrend {
	case model.TrendDeclining:
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"declining market: area values changing %.1f%% a year, treat the ARV conservatively", res.AppreciationRate*100))
	case model.TrendHot:
		if projected > 0 && arv < projected {
			res.Warnings = append(res.Warnings, "hot market: ARV trails the historical projection, comps may lag current prices")
		}
	}
}

func dollars(d decimal.Decimal) string {
	return money.New(d.Round(0).IntPart()*100, money.USD).Display()
}
