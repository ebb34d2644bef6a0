package attom

import (
	"context"
	"fmt"
	"time"

	"github.com/yourorg/valuation-api/internal/provider"
)

const ProviderID = "attom"

// compWindow is how far back a sale still counts as a comp.
const compWindow = 12 * 30 * 24 * time.Hour

// Adapter exposes ATTOM as a matched-comps provider. It also answers AVM,
// detail, history and trend requests from the same key.
type Adapter struct {
	client *Client
	now    func() time.Time
}

func NewAdapter(c *Client) *Adapter {
	return &Adapter{client: c, now: time.Now}
}

func (a *Adapter) ID() string                  { return ProviderID }
func (a *Adapter) Category() provider.Category { return provider.CategoryMatchedComps }

func (a *Adapter) CanHandle(t provider.RequestType) bool {
	switch t {
	case provider.Comps, provider.Estimate, provider.PropertyDetail, provider.PriceHistory, provider.MarketTrend:
		return true
	}
	return false
}

func (a *Adapter) Fetch(ctx context.Context, p provider.Params) (provider.RawResponse, error) {
	var (
		resp provider.Response
		err  error
	)
	now := a.now()
	switch p.Type {
	case provider.Comps:
		resp, err = a.client.SaleSnapshot(ctx, p, now.Add(-compWindow))
	case provider.Estimate:
		resp, err = a.client.AVM(ctx, p.Identity)
	case provider.PropertyDetail:
		resp, err = a.client.PropertyDetail(ctx, p.Identity)
	case provider.PriceHistory:
		resp, err = a.client.SalesHistory(ctx, p.Identity)
	case provider.MarketTrend:
		resp, err = a.client.SalesTrend(ctx, p.Identity, now)
	default:
		return provider.RawResponse{}, fmt.Errorf("attom: unsupported request type %q", p.Type)
	}
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
	var err error
	switch p.Type {
	case provider.Comps:
		out.Comps, err = MapComps(raw.Body, p, raw.FetchedAt.Add(-compWindow))
	case provider.Estimate:
		out.Estimate, err = MapAVM(raw.Body, p.Identity)
	case provider.PropertyDetail:
		out.Detail, err = MapDetail(raw.Body, p.Identity)
	case provider.PriceHistory:
		out.History, err = MapHistory(raw.Body, p.Identity)
	case provider.MarketTrend:
		out.Trend, err = MapTrend(raw.Body)
	}
	return out, err
}
