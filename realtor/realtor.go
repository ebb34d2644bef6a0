// Package realtor is the bulk-search comps source: recently sold homes in
// the subject's zip from the Realtor listing feed. Results are unmatched,
// so quality is lower than deed-matched comps and distance is computed here.
package realtor

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/valuation-api/internal/canon"
	"github.com/yourorg/valuation-api/internal/model"
	"github.com/yourorg/valuation-api/internal/provider"
)

const (
	ProviderID     = "realtor"
	DefaultBaseURL = "https://realty-in-us.p.rapidapi.com"
	defaultHost    = "realty-in-us.p.rapidapi.com"

	compQuality = 60
	// zipDistance stands in for comps we cannot place on a map.
	zipDistance = 1.0
)

// Result paths. The feed nests the same facts differently between plans,
// so every field has a fallback path.
var (
	resultsPath = "$.data.home_search.results"
	fieldPaths  = map[string][]string{
		"line":  {"$.location.address.line"},
		"city":  {"$.location.address.city"},
		"state": {"$.location.address.state_code"},
		"zip":   {"$.location.address.postal_code"},
		"lat":   {"$.location.address.coordinate.lat"},
		"lon":   {"$.location.address.coordinate.lon"},
		"price": {"$.description.sold_price", "$.last_sold_price"},
		"date":  {"$.description.sold_date", "$.last_sold_date"},
		"sqft":  {"$.description.sqft"},
		"beds":  {"$.description.beds"},
		"baths": {"$.description.baths", "$.description.baths_consolidated"},
		"href":  {"$.href", "$.permalink"},
		"tags":  {"$.tags"},
	}
)

type Config struct {
	APIKey            string
	BaseURL           string
	Host              string
	Timeout           time.Duration
	RequestsPerSecond float64
	Lookback          time.Duration
}

type Adapter struct {
	cfg  Config
	http *provider.HTTPClient
	now  func() time.Time
}

func New(cfg Config, log *logrus.Entry) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Host == "" {
		cfg.Host = defaultHost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 180 * 24 * time.Hour
	}
	return &Adapter{
		cfg: cfg,
		http: provider.NewHTTPClient(ProviderID, provider.HTTPConfig{
			Timeout:           cfg.Timeout,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Burst:             1,
		}, log),
		now: time.Now,
	}
}

func (a *Adapter) ID() string                  { return ProviderID }
func (a *Adapter) Category() provider.Category { return provider.CategoryBulkSearch }

func (a *Adapter) CanHandle(t provider.RequestType) bool { return t == provider.Comps }

type searchRequest struct {
	Limit      int               `json:"limit"`
	Offset     int               `json:"offset"`
	PostalCode string            `json:"postal_code"`
	Status     []string          `json:"status"`
	Type       []string          `json:"type"`
	SoldDate   map[string]string `json:"sold_date"`
	Sort       map[string]string `json:"sort"`
}

func (a *Adapter) Fetch(ctx context.Context, p provider.Params) (provider.RawResponse, error) {
	if a.cfg.APIKey == "" {
		return provider.RawResponse{}, provider.ErrNotConfigured
	}
	if p.Type != provider.Comps {
		return provider.RawResponse{}, fmt.Errorf("realtor: unsupported request type %q", p.Type)
	}
	now := a.now()
	limit := p.MaxComps * 4
	if limit <= 0 {
		limit = 40
	}
	body := searchRequest{
		Limit:      limit,
		PostalCode: canon.CanonicalizeIdentity(p.Identity).Zip,
		Status:     []string{"sold"},
		Type:       []string{"single_family"},
		SoldDate:   map[string]string{"min": now.Add(-a.cfg.Lookback).Format("2006-01-02")},
		Sort:       map[string]string{"direction": "desc", "field": "sold_date"},
	}
	resp, err := a.http.PostJSON(ctx, a.cfg.BaseURL+"/properties/v3/list", map[string]string{
		"X-RapidAPI-Key":  a.cfg.APIKey,
		"X-RapidAPI-Host": a.cfg.Host,
	}, body)
	if err != nil {
		// usage headers still count on a rejected call
		return provider.RawResponse{Type: p.Type, Status: resp.Status, Endpoint: resp.Endpoint, Quota: resp.Quota}, err
	}
	return provider.RawResponse{
		Type:      p.Type,
		Body:      resp.Body,
		Status:    resp.Status,
		Endpoint:  resp.Endpoint,
		FetchedAt: now,
		Quota:     resp.Quota,
	}, nil
}

func (a *Adapter) Normalize(raw provider.RawResponse, p provider.Params) (provider.Payload, error) {
	out := provider.Payload{Type: p.Type, Provider: ProviderID}
	var doc any
	if err := json.Unmarshal(raw.Body, &doc); err != nil {
		return out, provider.Malformed(ProviderID, err)
	}
	jval, err := jsonpath.Get(resultsPath, doc)
	if err != nil {
		if nullContainer(doc) {
			return out, nil
		}
		// no results key at all means the plan answered with an error shape
		return out, provider.Malformed(ProviderID, err)
	}
	results, _ := jval.([]any)
	subject := canon.CanonicalizeIdentity(p.Identity)
	for _, r := range results {
		addr := canon.Canonicalize(str(r, "line"), str(r, "city"), str(r, "state"), str(r, "zip"))
		if addr.SameProperty(subject) {
			continue
		}
		c := model.Comp{
			Address:          fmt.Sprintf("%s, %s, %s %s", str(r, "line"), str(r, "city"), str(r, "state"), str(r, "zip")),
			Price:            num(r, "price"),
			Sqft:             int(num(r, "sqft")),
			Beds:             int(num(r, "beds")),
			Baths:            num(r, "baths"),
			SaleDate:         parseDate(str(r, "date")),
			DistanceMiles:    zipDistance,
			Condition:        conditionFromTags(r),
			SourceProviderID: ProviderID,
			QualityScore:     compQuality,
			IsReal:           true,
			Link:             str(r, "href"),
		}
		if c.Beds <= 0 {
			c.Beds = provider.DefaultBeds
		}
		if c.Baths <= 0 {
			c.Baths = provider.DefaultBaths
		}
		if lat, lon := num(r, "lat"), num(r, "lon"); lat != 0 && lon != 0 {
			c.Lat, c.Lon = &lat, &lon
			if p.SubjectLat != nil && p.SubjectLon != nil {
				c.DistanceMiles = haversineMiles(*p.SubjectLat, *p.SubjectLon, lat, lon)
			}
		}
		if p.RadiusMiles > 0 && p.SubjectLat != nil && c.DistanceMiles > p.RadiusMiles {
			continue
		}
		out.Comps = append(out.Comps, c)
		if p.MaxComps > 0 && len(out.Comps) == p.MaxComps {
			break
		}
	}
	return out, nil
}

// nullContainer reports whether a parent of the results list is present but
// null, which is how an area with no listings comes back.
func nullContainer(doc any) bool {
	for _, path := range []string{"$.data.home_search", "$.data"} {
		if v, err := jsonpath.Get(path, doc); err == nil && v == nil {
			return true
		}
	}
	return false
}

// lookup returns the first path under field that resolves to a non-nil value.
func lookup(obj any, field string) any {
	for _, path := range fieldPaths[field] {
		jval, err := jsonpath.Get(path, obj)
		if err != nil || jval == nil {
			continue
		}
		// jsonpath sometimes hands back a one element list
		if jlist, ok := jval.([]any); ok && field != "tags" {
			if len(jlist) == 0 {
				continue
			}
			jval = jlist[0]
		}
		return jval
	}
	return nil
}

func str(obj any, field string) string {
	switch v := lookup(obj, field).(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%v", v)
	}
	return ""
}

func num(obj any, field string) float64 {
	switch v := lookup(obj, field).(type) {
	case float64:
		return v
	case string:
		var f float64
		if _, err := fmt.Sscanf(strings.ReplaceAll(v, ",", ""), "%g", &f); err == nil {
			return f
		}
	}
	return 0
}

func conditionFromTags(obj any) model.Condition {
	tags, _ := lookup(obj, "tags").([]any)
	for _, t := range tags {
		s, _ := t.(string)
		switch {
		case strings.Contains(s, "fixer"):
			return model.ConditionUnremodeled
		case strings.Contains(s, "updated"), strings.Contains(s, "remodel"), strings.Contains(s, "renovat"):
			return model.ConditionRemodeled
		}
	}
	return model.ConditionUnknown
}

func parseDate(s string) time.Time {
	for _, l := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(l, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

const earthRadiusMiles = 3958.8

func haversineMiles(lat1, lon1, lat2, lon2 float64) float64 {
	rad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat, dLon := rad(lat2-lat1), rad(lon2-lon1)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMiles * math.Asin(math.Sqrt(h))
}
