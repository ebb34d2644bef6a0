package attom

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/valuation-api/internal/logger"
	"github.com/yourorg/valuation-api/internal/model"
	"github.com/yourorg/valuation-api/internal/provider"
)

var subject = model.PropertyIdentity{Address: "12 Oak Street", City: "Austin", State: "TX", Zip: "78701"}

const snapshotBody = `{
  "status": {"code": 0, "msg": "SuccessWithResult", "total": 3},
  "property": [
    {"address": {"oneLine": "12 OAK ST, AUSTIN, TX 78701", "line1": "12 OAK ST", "locality": "AUSTIN", "countrySubd": "TX", "postal1": "78701"},
     "location": {"distance": 0},
     "building": {"size": {"livingsize": 1500}, "rooms": {"beds": 3, "bathstotal": 2}},
     "sale": {"amount": {"saleamt": 400000, "salerecdate": "2024-03-01"}}},
    {"address": {"oneLine": "40 ELM AVE, AUSTIN, TX 78701", "line1": "40 ELM AVE", "locality": "AUSTIN", "countrySubd": "TX", "postal1": "78701"},
     "location": {"distance": "0.42", "latitude": "30.27", "longitude": "-97.74"},
     "building": {"size": {"livingsize": "1,640"}, "rooms": {"beds": 0, "bathstotal": 2.5}, "construction": {"condition": "EXCELLENT"}},
     "sale": {"amount": {"saleamt": "455000", "salerecdate": "2024-05-20"}}},
    {"address": {"oneLine": "9 PINE RD, AUSTIN, TX 78701", "line1": "9 PINE RD", "locality": "AUSTIN", "countrySubd": "TX", "postal1": "78701"},
     "location": {"distance": 0.8},
     "building": {"size": {"livingsize": 1400}, "rooms": {"beds": 3, "bathstotal": 1}},
     "sale": {"amount": {"saleamt": 380000, "salerecdate": "2019-01-10"}}}
  ]
}`

func newTestAdapter(t *testing.T, h http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewClient(Config{APIKey: "k", BaseURL: srv.URL, Timeout: time.Second}, logger.Discard())
	a := NewAdapter(c)
	a.now = func() time.Time { return time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC) }
	return a
}

func fetchNormalize(t *testing.T, a *Adapter, p provider.Params) provider.Payload {
	t.Helper()
	raw, err := a.Fetch(context.Background(), p)
	require.NoError(t, err)
	out, err := a.Normalize(raw, p)
	require.NoError(t, err)
	return out
}

func TestComps(t *testing.T) {
	var gotPath, gotKey, gotZip string
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotKey, gotZip = r.URL.Path, r.Header.Get("apikey"), r.URL.Query().Get("postalcode")
		w.Write([]byte(snapshotBody))
	})

	out := fetchNormalize(t, a, provider.Params{Identity: subject, Type: provider.Comps, MaxComps: 5})

	assert.Equal(t, "/propertyapi/v1.0.0/sale/snapshot", gotPath)
	assert.Equal(t, "k", gotKey)
	assert.Equal(t, "78701", gotZip)
	// subject and the 2019 sale are dropped
	require.Len(t, out.Comps, 1)
	c := out.Comps[0]
	assert.Equal(t, "40 ELM AVE, AUSTIN, TX 78701", c.Address)
	assert.Equal(t, 455000.0, c.Price)
	assert.Equal(t, 1640, c.Sqft)
	assert.Equal(t, provider.DefaultBeds, c.Beds)
	assert.Equal(t, 2.5, c.Baths)
	assert.Equal(t, 0.42, c.DistanceMiles)
	assert.Equal(t, model.ConditionRemodeled, c.Condition)
	assert.True(t, c.IsReal)
	assert.Equal(t, ProviderID, c.SourceProviderID)
	require.NotNil(t, c.Lat)
	assert.InDelta(t, 30.27, *c.Lat, 1e-9)
}

func TestCompsRadiusSearchWhenCoordinatesKnown(t *testing.T) {
	var q map[string][]string
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		q = r.URL.Query()
		w.Write([]byte(`{"property":[]}`))
	})
	lat, lon := 30.1, -97.2
	out := fetchNormalize(t, a, provider.Params{Identity: subject, Type: provider.Comps, SubjectLat: &lat, SubjectLon: &lon, RadiusMiles: 0.5})
	assert.True(t, out.Empty())
	assert.Equal(t, "0.50", q["radius"][0])
	assert.Empty(t, q["postalcode"])
}

func TestAVM(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/propertyapi/v1.0.0/attomavm/detail", r.URL.Path)
		assert.Equal(t, "12 Oak Street", r.URL.Query().Get("address1"))
		assert.Equal(t, "Austin, TX 78701", r.URL.Query().Get("address2"))
		w.Write([]byte(`{"property":[
		  {"address":{"line1":"14 OAK ST","locality":"AUSTIN","countrySubd":"TX","postal1":"78701"},"avm":{"amount":{"value":1,"scr":10}}},
		  {"address":{"line1":"12 OAK ST","locality":"AUSTIN","countrySubd":"TX","postal1":"78701-1234"},"avm":{"amount":{"value":"512000","scr":"88"}}}
		]}`))
	})
	out := fetchNormalize(t, a, provider.Params{Identity: subject, Type: provider.Estimate})
	require.NotNil(t, out.Estimate)
	assert.Equal(t, 512000.0, out.Estimate.Value)
	assert.InDelta(t, 0.88, out.Estimate.Weight, 1e-9)
}

func TestNoCandidateMatchesSubject(t *testing.T) {
	other := `{"property":[{"address":{"line1":"14 OAK ST","locality":"AUSTIN","countrySubd":"TX","postal1":"78701"},
	  "avm":{"amount":{"value":720000,"scr":90}},
	  "building":{"rooms":{"beds":5}},
	  "salehistory":[{"amount":{"saleamt":650000,"salerecdate":"2023-03-01"}}]}]}`
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(other))
	})
	for _, typ := range []provider.RequestType{provider.Estimate, provider.PropertyDetail, provider.PriceHistory} {
		out := fetchNormalize(t, a, provider.Params{Identity: subject, Type: typ})
		assert.True(t, out.Empty(), "type %s", typ)
	}
}

func TestDetailAndHistory(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/propertyapi/v1.0.0/property/detail":
			w.Write([]byte(`{"property":[{"address":{"line1":"12 OAK ST","locality":"AUSTIN","countrySubd":"TX","postal1":"78701"},
			  "summary":{"proptype":"SFR","yearbuilt":1978},
			  "location":{"latitude":"30.2672","longitude":"-97.7431"},
			  "building":{"size":{"universalsize":1720},"rooms":{"beds":4,"bathstotal":2.5}}}]}`))
		case "/propertyapi/v1.0.0/saleshistory/detail":
			w.Write([]byte(`{"property":[{"address":{"line1":"12 OAK ST","locality":"AUSTIN","countrySubd":"TX","postal1":"78701"},
			  "salehistory":[{"amount":{"saleamt":650000,"salerecdate":"2023-03-01"}},{"amount":{"saleamt":500000,"salerecdate":"2022-01-01"}}]}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	d := fetchNormalize(t, a, provider.Params{Identity: subject, Type: provider.PropertyDetail}).Detail
	require.NotNil(t, d)
	assert.Equal(t, 4, d.Beds)
	assert.Equal(t, 1720, d.Sqft)
	assert.Equal(t, 1978, d.YearBuilt)
	assert.Equal(t, "SFR", d.PropertyType)
	require.NotNil(t, d.Lon)
	assert.InDelta(t, -97.7431, *d.Lon, 1e-9)

	h := fetchNormalize(t, a, provider.Params{Identity: subject, Type: provider.PriceHistory}).History
	require.Len(t, h, 2)
	assert.Equal(t, 500000.0, h[0].Price)
	assert.Equal(t, 650000.0, h[1].Price)
}

func TestTrend(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ZI78701", r.URL.Query().Get("geoid"))
		assert.Equal(t, "2019", r.URL.Query().Get("startyear"))
		w.Write([]byte(`{"salestrend":[
		  {"daterange":{"start":"2024","interval":"yearly"},"SaleTrend":{"medsaleprice":"440000"}},
		  {"daterange":{"start":"2019","interval":"yearly"},"SaleTrend":{"medsaleprice":"300000"}},
		  {"daterange":{"start":"2020"},"SaleTrend":{"medsaleprice":320000}},
		  {"daterange":{"start":"2021"},"SaleTrend":{"medsaleprice":360000}},
		  {"daterange":{"start":"2022"},"SaleTrend":{"medsaleprice":410000}},
		  {"daterange":{"start":"2023"},"SaleTrend":{"avgsaleprice":400000}}
		]}`))
	})
	tr := fetchNormalize(t, a, provider.Params{Identity: subject, Type: provider.MarketTrend}).Trend
	require.NotNil(t, tr)
	assert.Equal(t, 440000.0, tr.MedianValue)
	require.NotNil(t, tr.ChangePct1Y)
	assert.InDelta(t, 0.10, *tr.ChangePct1Y, 1e-9)
	require.NotNil(t, tr.ChangePct5Y)
	assert.InDelta(t, 440.0/300-1, *tr.ChangePct5Y, 1e-9)
}

func TestErrors(t *testing.T) {
	t.Run("unauthorized is permanent", func(t *testing.T) {
		a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		})
		_, err := a.Fetch(context.Background(), provider.Params{Identity: subject, Type: provider.Estimate})
		var se *provider.StatusError
		require.ErrorAs(t, err, &se)
		assert.False(t, provider.IsTransient(err))
	})
	t.Run("garbage body is malformed", func(t *testing.T) {
		a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`<html>`))
		})
		p := provider.Params{Identity: subject, Type: provider.Estimate}
		raw, err := a.Fetch(context.Background(), p)
		require.NoError(t, err)
		_, err = a.Normalize(raw, p)
		assert.True(t, errors.Is(err, provider.ErrMalformed))
	})
	t.Run("missing key", func(t *testing.T) {
		a := NewAdapter(NewClient(Config{}, logger.Discard()))
		_, err := a.Fetch(context.Background(), provider.Params{Identity: subject, Type: provider.Comps})
		assert.ErrorIs(t, err, provider.ErrNotConfigured)
	})
}
