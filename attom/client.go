package attom

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/valuation-api/internal/canon"
	"github.com/yourorg/valuation-api/internal/model"
	"github.com/yourorg/valuation-api/internal/provider"
)

const DefaultBaseURL = "https://api.gateway.attomdata.com" // ATTOM gateway

type Client struct {
	key     string
	baseURL string
	http    *provider.HTTPClient
}

type Config struct {
	APIKey            string
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
}

func NewClient(cfg Config, log *logrus.Entry) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 6 * time.Second
	}
	return &Client{
		key:     cfg.APIKey,
		baseURL: cfg.BaseURL,
		http: provider.NewHTTPClient(ProviderID, provider.HTTPConfig{
			Timeout:           cfg.Timeout,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Burst:             2,
		}, log),
	}
}

func (c *Client) get(ctx context.Context, path string, q url.Values) (provider.Response, error) {
	if c.key == "" {
		return provider.Response{}, provider.ErrNotConfigured
	}
	u := fmt.Sprintf("%s%s?%s", c.baseURL, path, q.Encode())
	return c.http.GetJSON(ctx, u, map[string]string{"apikey": c.key})
}

// addressQuery is the address1/address2 pair ATTOM's property endpoints take.
func addressQuery(id model.PropertyIdentity) url.Values {
	q := url.Values{}
	q.Set("address1", id.Address)
	q.Set("address2", fmt.Sprintf("%s, %s %s", id.City, id.State, id.Zip))
	return q
}

// PropertyDetail: GET /propertyapi/v1.0.0/property/detail
func (c *Client) PropertyDetail(ctx context.Context, id model.PropertyIdentity) (provider.Response, error) {
	return c.get(ctx, "/propertyapi/v1.0.0/property/detail", addressQuery(id))
}

// AVM: GET /propertyapi/v1.0.0/attomavm/detail
func (c *Client) AVM(ctx context.Context, id model.PropertyIdentity) (provider.Response, error) {
	return c.get(ctx, "/propertyapi/v1.0.0/attomavm/detail", addressQuery(id))
}

// SalesHistory: GET /propertyapi/v1.0.0/saleshistory/detail
func (c *Client) SalesHistory(ctx context.Context, id model.PropertyIdentity) (provider.Response, error) {
	return c.get(ctx, "/propertyapi/v1.0.0/saleshistory/detail", addressQuery(id))
}

// SaleSnapshot searches recorded sales. With coordinates it is a radius
// search around the subject; otherwise it falls back to the subject's zip.
// Docs: GET /propertyapi/v1.0.0/sale/snapshot
func (c *Client) SaleSnapshot(ctx context.Context, p provider.Params, since time.Time) (provider.Response, error) {
	q := url.Values{}
	if p.SubjectLat != nil && p.SubjectLon != nil {
		q.Set("latitude", strconv.FormatFloat(*p.SubjectLat, 'f', 6, 64))
		q.Set("longitude", strconv.FormatFloat(*p.SubjectLon, 'f', 6, 64))
		radius := p.RadiusMiles
		if radius <= 0 {
			radius = 1
		}
		q.Set("radius", strconv.FormatFloat(radius, 'f', 2, 64))
	} else {
		q.Set("postalcode", canon.CanonicalizeIdentity(p.Identity).Zip)
	}
	q.Set("propertytype", "SFR")
	q.Set("startsalesearchdate", since.Format("2006/01/02"))
	q.Set("orderby", "salesearchdate desc")
	pagesize := p.MaxComps * 3
	if pagesize <= 0 {
		pagesize = 30
	}
	q.Set("pagesize", strconv.Itoa(pagesize))
	q.Set("page", "1")
	return c.get(ctx, "/propertyapi/v1.0.0/sale/snapshot", q)
}

// SalesTrend returns yearly median sale prices for the subject's zip.
// Docs: GET /propertyapi/v1.0.0/salestrend/snapshot
func (c *Client) SalesTrend(ctx context.Context, id model.PropertyIdentity, now time.Time) (provider.Response, error) {
	q := url.Values{}
	q.Set("geoid", "ZI"+canon.CanonicalizeIdentity(id).Zip)
	q.Set("interval", "yearly")
	q.Set("startyear", strconv.Itoa(now.Year()-5))
	q.Set("endyear", strconv.Itoa(now.Year()))
	return c.get(ctx, "/propertyapi/v1.0.0/salestrend/snapshot", q)
}
