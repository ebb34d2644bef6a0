package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/yourorg/valuation-api/internal/cache"
	"github.com/yourorg/valuation-api/internal/model"
)

// RequestType is the logical thing being asked for, independent of vendor.
type RequestType string

const (
	Comps          RequestType = "comps"
	Estimate       RequestType = "estimate"
	PropertyDetail RequestType = "property-detail"
	PriceHistory   RequestType = "price-history"
	MarketTrend    RequestType = "market-trend"
)

// TTLClass maps a request type onto its cache duration policy.
func (t RequestType) TTLClass() cache.TTLClass {
	switch t {
	case Comps:
		return cache.ClassComps
	case Estimate:
		return cache.ClassEstimate
	case PropertyDetail, PriceHistory:
		return cache.ClassPropertyDetail
	case MarketTrend:
		return cache.ClassLocation
	default:
		return cache.ClassMarketRate
	}
}

// Category describes what kind of source a provider is. It says nothing
// about which vendor backs it.
type Category string

const (
	CategoryMatchedComps Category = "matched-comps"
	CategoryBulkSearch   Category = "bulk-search"
	CategoryAVM          Category = "avm"
	CategoryGenerative   Category = "generative"
)

type Params struct {
	Identity    model.PropertyIdentity
	Type        RequestType
	MaxComps    int
	RadiusMiles float64
	// Subject facts, when known, sharpen comp searches.
	SubjectSqft  int
	SubjectBeds  int
	SubjectBaths float64
	SubjectLat   *float64
	SubjectLon   *float64
}

// Usage is quota information a provider reported in-band.
type Usage struct {
	Used      int
	Remaining int
	Limit     int
}

// UsedCalls resolves the reported usage, deriving it from limit-remaining
// when the provider only sends those.
func (u *Usage) UsedCalls() int {
	if u == nil {
		return 0
	}
	if u.Used > 0 {
		return u.Used
	}
	if u.Limit > 0 && u.Remaining >= 0 && u.Remaining <= u.Limit {
		return u.Limit - u.Remaining
	}
	return 0
}

type RawResponse struct {
	Type      RequestType
	Body      []byte
	Status    int
	Endpoint  string
	FetchedAt time.Time
	Quota     *Usage
}

// Adapter translates one logical request into a provider's wire format and
// back. Adapters never pick fallbacks, touch the cache or consult quota.
type Adapter interface {
	ID() string
	Category() Category
	CanHandle(t RequestType) bool
	Fetch(ctx context.Context, p Params) (RawResponse, error)
	Normalize(raw RawResponse, p Params) (Payload, error)
}

// Payload is the normalized result of one request. Exactly one of the
// fields matching Type is meaningful.
type Payload struct {
	Type     RequestType           `json:"type"`
	Provider string                `json:"provider"`
	Comps    []model.Comp          `json:"comps,omitempty"`
	Estimate *model.Estimate       `json:"estimate,omitempty"`
	Detail   *model.PropertyDetail `json:"detail,omitempty"`
	History  []model.SaleEvent     `json:"history,omitempty"`
	Trend    *model.AreaTrend      `json:"trend,omitempty"`
}

func (p Payload) Empty() bool {
	switch p.Type {
	case Comps:
		return len(p.Comps) == 0
	case Estimate:
		return p.Estimate == nil
	case PropertyDetail:
		return p.Detail == nil
	case PriceHistory:
		return len(p.History) == 0
	case MarketTrend:
		return p.Trend == nil
	default:
		return true
	}
}

// Sanitize drops values that cannot be real (non-positive prices or areas)
// and returns the cleaned payload. A payload whose every record was dropped
// comes back Empty.
func (p Payload) Sanitize() Payload {
	switch p.Type {
	case Comps:
		kept := make([]model.Comp, 0, len(p.Comps))
		for _, c := range p.Comps {
			if c.Price <= 0 || c.Sqft <= 0 {
				continue
			}
			if c.Condition == "" {
				c.Condition = model.ConditionUnknown
			}
			if c.SourceProviderID == "" {
				c.SourceProviderID = p.Provider
			}
			kept = append(kept, c)
		}
		p.Comps = kept
	case Estimate:
		if p.Estimate != nil && p.Estimate.Value <= 0 {
			p.Estimate = nil
		}
		if p.Estimate != nil && p.Estimate.SourceProviderID == "" {
			e := *p.Estimate
			e.SourceProviderID = p.Provider
			p.Estimate = &e
		}
	case PropertyDetail:
		if p.Detail != nil && p.Detail.Sqft <= 0 && p.Detail.Beds <= 0 {
			p.Detail = nil
		}
	case PriceHistory:
		kept := make([]model.SaleEvent, 0, len(p.History))
		for _, s := range p.History {
			if s.Price > 0 && !s.Date.IsZero() {
				kept = append(kept, s)
			}
		}
		p.History = kept
	case MarketTrend:
		if p.Trend != nil && p.Trend.MedianValue <= 0 && p.Trend.ChangePct1Y == nil &&
			p.Trend.ChangePct5Y == nil && p.Trend.AnnualAppreciation == nil {
			p.Trend = nil
		}
	}
	return p
}

func (p Payload) Marshal() ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.Type, err)
	}
	return b, nil
}

func UnmarshalPayload(b []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return Payload{}, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

// Defaults substituted when a provider omits a field.
const (
	DefaultBeds  = 3
	DefaultBaths = 2.0
)
