// Package rentcast adapts the RentCast AVM API. Its comparables are recent
// listings ranked by RentCast's own correlation score.
package rentcast

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/valuation-api/internal/canon"
	"github.com/yourorg/valuation-api/internal/model"
	"github.com/yourorg/valuation-api/internal/provider"
)

const (
	ProviderID     = "rentcast"
	DefaultBaseURL = "https://api.rentcast.io/v1"
)

type Config struct {
	APIKey            string
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
}

type Adapter struct {
	key     string
	baseURL string
	http    *provider.HTTPClient
	now     func() time.Time
}

func New(cfg Config, log *logrus.Entry) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	return &Adapter{
		key:     cfg.APIKey,
		baseURL: cfg.BaseURL,
		http: provider.NewHTTPClient(ProviderID, provider.HTTPConfig{
			Timeout:           cfg.Timeout,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Burst:             1,
		}, log),
		now: time.Now,
	}
}

func (a *Adapter) ID() string                  { return ProviderID }
func (a *Adapter) Category() provider.Category { return provider.CategoryAVM }

func (a *Adapter) CanHandle(t provider.RequestType) bool {
	switch t {
	case provider.Estimate, provider.Comps, provider.PropertyDetail, provider.PriceHistory:
		return true
	}
	return false
}

func oneLine(id model.PropertyIdentity) string {
	return fmt.Sprintf("%s, %s, %s %s", id.Address, id.City, id.State, id.Zip)
}

func (a *Adapter) Fetch(ctx context.Context, p provider.Params) (provider.RawResponse, error) {
	if a.key == "" {
		return provider.RawResponse{}, provider.ErrNotConfigured
	}
	q := url.Values{}
	q.Set("address", oneLine(p.Identity))
	var path string
	switch p.Type {
	case provider.Estimate, provider.Comps:
		path = "/avm/value"
		q.Set("propertyType", "Single Family")
		if p.SubjectSqft > 0 {
			q.Set("squareFootage", strconv.Itoa(p.SubjectSqft))
		}
		if p.SubjectBeds > 0 {
			q.Set("bedrooms", strconv.Itoa(p.SubjectBeds))
		}
		if p.SubjectBaths > 0 {
			q.Set("bathrooms", strconv.FormatFloat(p.SubjectBaths, 'f', -1, 64))
		}
		if p.MaxComps > 0 {
			q.Set("compCount", strconv.Itoa(min(max(p.MaxComps, 5), 25)))
		}
		if p.RadiusMiles > 0 {
			q.Set("maxRadius", strconv.FormatFloat(p.RadiusMiles, 'f', -1, 64))
		}
	case provider.PropertyDetail, provider.PriceHistory:
		path = "/properties"
	default:
		return provider.RawResponse{}, fmt.Errorf("rentcast: unsupported request type %q", p.Type)
	}
	resp, err := a.http.GetJSON(ctx, a.baseURL+path+"?"+q.Encode(), map[string]string{"X-Api-Key": a.key})
	if err != nil {
		// usage headers still count on a rejected call
		return provider.RawResponse{Type: p.Type, Status: resp.Status, Endpoint: resp.Endpoint, Quota: resp.Quota}, err
	}
	return provider.RawResponse{
		Type:      p.Type,
		Body:      resp.Body,
		Status:    resp.Status,
		Endpoint:  resp.Endpoint,
		FetchedAt: a.now(),
		Quota:     resp.Quota,
	}, nil
}

type avmResponse struct {
	Price          float64      `json:"price"`
	PriceRangeLow  float64      `json:"priceRangeLow"`
	PriceRangeHigh float64      `json:"priceRangeHigh"`
	Comparables    []comparable `json:"comparables"`
}

type comparable struct {
	FormattedAddress string   `json:"formattedAddress"`
	Price            float64  `json:"price"`
	SquareFootage    int      `json:"squareFootage"`
	Bedrooms         int      `json:"bedrooms"`
	Bathrooms        float64  `json:"bathrooms"`
	Distance         float64  `json:"distance"`
	ListedDate       string   `json:"listedDate"`
	RemovedDate      string   `json:"removedDate"`
	LastSeenDate     string   `json:"lastSeenDate"`
	Correlation      float64  `json:"correlation"`
	Latitude         *float64 `json:"latitude"`
	Longitude        *float64 `json:"longitude"`
}

type propertyRecord struct {
	AddressLine1  string   `json:"addressLine1"`
	City          string   `json:"city"`
	State         string   `json:"state"`
	ZipCode       string   `json:"zipCode"`
	PropertyType  string   `json:"propertyType"`
	Bedrooms      int      `json:"bedrooms"`
	Bathrooms     float64  `json:"bathrooms"`
	SquareFootage int      `json:"squareFootage"`
	YearBuilt     int      `json:"yearBuilt"`
	Latitude      *float64 `json:"latitude"`
	Longitude     *float64 `json:"longitude"`
	History       map[string]struct {
		Event string  `json:"event"`
		Date  string  `json:"date"`
		Price float64 `json:"price"`
	} `json:"history"`
}

func (a *Adapter) Normalize(raw provider.RawResponse, p provider.Params) (provider.Payload, error) {
	out := provider.Payload{Type: p.Type, Provider: ProviderID}
	switch p.Type {
	case provider.Estimate, provider.Comps:
		var r avmResponse
		if err := json.Unmarshal(raw.Body, &r); err != nil {
			return out, provider.Malformed(ProviderID, err)
		}
		if p.Type == provider.Estimate {
			if r.Price > 0 {
				out.Estimate = &model.Estimate{SourceProviderID: ProviderID, Value: r.Price, Weight: rangeWeight(r)}
			}
			return out, nil
		}
		out.Comps = mapComparables(r.Comparables, p.MaxComps)
	case provider.PropertyDetail, provider.PriceHistory:
		var recs []propertyRecord
		if err := json.Unmarshal(raw.Body, &recs); err != nil {
			return out, provider.Malformed(ProviderID, err)
		}
		rec, ok := pickSubject(recs, p.Identity)
		if !ok {
			return out, nil
		}
		if p.Type == provider.PropertyDetail {
			out.Detail = &model.PropertyDetail{
				Beds: rec.Bedrooms, Baths: rec.Bathrooms, Sqft: rec.SquareFootage,
				YearBuilt: rec.YearBuilt, PropertyType: rec.PropertyType,
				Lat: rec.Latitude, Lon: rec.Longitude,
			}
			return out, nil
		}
		for _, h := range rec.History {
			if h.Event != "" && h.Event != "Sale" {
				continue
			}
			out.History = append(out.History, model.SaleEvent{Date: parseDate(h.Date), Price: h.Price})
		}
		sort.Slice(out.History, func(i, j int) bool { return out.History[i].Date.Before(out.History[j].Date) })
	}
	return out, nil
}

// rangeWeight narrows with RentCast's own price band: a tight band means a
// confident AVM.
func rangeWeight(r avmResponse) float64 {
	if r.PriceRangeHigh <= r.PriceRangeLow || r.Price <= 0 {
		return 1
	}
	spread := (r.PriceRangeHigh - r.PriceRangeLow) / r.Price
	w := 1 - spread/2
	if w < 0.3 {
		w = 0.3
	}
	return w
}

func mapComparables(in []comparable, limit int) []model.Comp {
	sort.SliceStable(in, func(i, j int) bool { return in[i].Correlation > in[j].Correlation })
	out := make([]model.Comp, 0, len(in))
	for _, c := range in {
		beds := c.Bedrooms
		if beds <= 0 {
			beds = provider.DefaultBeds
		}
		baths := c.Bathrooms
		if baths <= 0 {
			baths = provider.DefaultBaths
		}
		out = append(out, model.Comp{
			Address:          c.FormattedAddress,
			Price:            c.Price,
			Sqft:             c.SquareFootage,
			Beds:             beds,
			Baths:            baths,
			SaleDate:         parseDate(firstNonEmpty(c.RemovedDate, c.LastSeenDate, c.ListedDate)),
			DistanceMiles:    c.Distance,
			Condition:        model.ConditionUnknown,
			SourceProviderID: ProviderID,
			QualityScore:     50 + int(c.Correlation*30),
			IsReal:           true,
			Lat:              c.Latitude,
			Lon:              c.Longitude,
		})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// pickSubject returns the record at the requested address, if any.
func pickSubject(recs []propertyRecord, id model.PropertyIdentity) (propertyRecord, bool) {
	if len(recs) == 0 {
		return propertyRecord{}, false
	}
	want := canon.CanonicalizeIdentity(id)
	for _, r := range recs {
		if canon.Canonicalize(r.AddressLine1, r.City, r.State, r.ZipCode).SameProperty(want) {
			return r, true
		}
	}
	return propertyRecord{}, false
}

func parseDate(s string) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t
	}
	return time.Time{}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
