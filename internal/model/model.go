package model

import (
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var ErrIncompleteIdentity = errors.New("incomplete property identity")

var validate = validator.New(validator.WithRequiredStructEnabled())

// PropertyIdentity is the immutable key every cached artifact hangs off.
// Two identities are the same property only if all four fields match exactly.
type PropertyIdentity struct {
	Address string `json:"address" validate:"required"`
	City    string `json:"city" validate:"required"`
	State   string `json:"state" validate:"required"`
	Zip     string `json:"zip" validate:"required"`
}

// Validate rejects identities with a missing or blank field.
func (p PropertyIdentity) Validate() error {
	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			missing := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				missing = append(missing, strings.ToLower(fe.Field()))
			}
			return &IdentityError{Missing: missing}
		}
		return err
	}
	var blank []string
	fields := [][2]string{{"address", p.Address}, {"city", p.City}, {"state", p.State}, {"zip", p.Zip}}
	for _, f := range fields {
		if strings.TrimSpace(f[1]) == "" {
			blank = append(blank, f[0])
		}
	}
	if len(blank) > 0 {
		return &IdentityError{Missing: blank}
	}
	return nil
}

func (p PropertyIdentity) String() string {
	return p.Address + ", " + p.City + ", " + p.State + " " + p.Zip
}

// IdentityError lists the identity fields that were missing.
type IdentityError struct {
	Missing []string
}

func (e *IdentityError) Error() string {
	return "incomplete property identity: missing " + strings.Join(e.Missing, ", ")
}

func (e *IdentityError) Unwrap() error { return ErrIncompleteIdentity }

type Condition string

const (
	ConditionRemodeled   Condition = "remodeled"
	ConditionUnremodeled Condition = "unremodeled"
	ConditionUnknown     Condition = "unknown"
)

// ParseCondition maps free-form provider text onto a Condition.
func ParseCondition(s string) Condition {
	v := strings.ToLower(strings.TrimSpace(s))
	switch {
	case v == "":
		return ConditionUnknown
	case strings.Contains(v, "unremodel"), strings.Contains(v, "original"), strings.Contains(v, "fixer"), strings.Contains(v, "needs"), v == "poor", v == "fair":
		return ConditionUnremodeled
	case strings.Contains(v, "remodel"), strings.Contains(v, "renovat"), strings.Contains(v, "updated"), strings.Contains(v, "excellent"):
		return ConditionRemodeled
	default:
		return ConditionUnknown
	}
}

// Comp is one comparable sale. QualityScore is assigned by the producing
// adapter and only ever used as a weighting signal.
type Comp struct {
	Address          string    `json:"address"`
	Price            float64   `json:"price"`
	Sqft             int       `json:"sqft"`
	Beds             int       `json:"beds"`
	Baths            float64   `json:"baths"`
	SaleDate         time.Time `json:"saleDate"`
	DistanceMiles    float64   `json:"distance"`
	Condition        Condition `json:"condition"`
	SourceProviderID string    `json:"sourceProviderId"`
	QualityScore     int       `json:"qualityScore"` // 0-100
	IsReal           bool      `json:"isReal"`
	Link             string    `json:"link,omitempty"`
	Lat              *float64  `json:"lat,omitempty"`
	Lon              *float64  `json:"lon,omitempty"`
}

// Estimate is a single-number valuation from one provider.
type Estimate struct {
	SourceProviderID string  `json:"sourceProviderId"`
	Value            float64 `json:"value"`
	Weight           float64 `json:"weight"` // 0-1
}

type PropertyDetail struct {
	Beds         int      `json:"beds"`
	Baths        float64  `json:"baths"`
	Sqft         int      `json:"sqft"`
	YearBuilt    int      `json:"yearBuilt"`
	PropertyType string   `json:"propertyType,omitempty"`
	Lat          *float64 `json:"lat,omitempty"`
	Lon          *float64 `json:"lon,omitempty"`
}

// SaleEvent is one recorded sale from a property's own price history.
type SaleEvent struct {
	Date  time.Time `json:"date"`
	Price float64   `json:"price"`
}

// AreaTrend carries zip/area level market data. ChangePct values are
// fractions (0.08 == 8%).
type AreaTrend struct {
	MedianValue        float64  `json:"medianValue"`
	ChangePct1Y        *float64 `json:"changePct1y,omitempty"`
	ChangePct5Y        *float64 `json:"changePct5y,omitempty"`
	AnnualAppreciation *float64 `json:"annualAppreciation,omitempty"`
}

type SourceContribution struct {
	SourceProviderID string  `json:"sourceProviderId"`
	Value            float64 `json:"value"`
	Weight           float64 `json:"weight"`
}

type ReconciledValuation struct {
	ARV             float64              `json:"arv"`
	ConfidenceScore float64              `json:"confidenceScore"` // 0-100
	Sources         []SourceContribution `json:"sources"`
	Methodology     string               `json:"methodology"`
}

type MarketTrend string

const (
	TrendHot       MarketTrend = "hot"
	TrendRising    MarketTrend = "rising"
	TrendStable    MarketTrend = "stable"
	TrendDeclining MarketTrend = "declining"
)

type SalePattern string

const (
	PatternFlip         SalePattern = "flip"
	PatternLongTermHold SalePattern = "long-term-hold"
	PatternSingleSale   SalePattern = "single-sale"
	PatternUnknown      SalePattern = "unknown"
)

type ValidationResult struct {
	IsValid          bool        `json:"isValid"`
	Skipped          bool        `json:"skipped"`
	Deviation        float64     `json:"deviation"`
	HistoricalARV    float64     `json:"historicalArv"`
	MarketTrend      MarketTrend `json:"marketTrend,omitempty"`
	AppreciationRate float64     `json:"appreciationRate"`
	SalePattern      SalePattern `json:"salePattern"`
	Warnings         []string    `json:"warnings"`
}

type QuotaRecord struct {
	ProviderID string `json:"providerId"`
	PeriodKey  string `json:"periodKey"`
	Used       int    `json:"used"`
	Limit      int    `json:"limit"`
	Threshold  int    `json:"threshold"`
}
