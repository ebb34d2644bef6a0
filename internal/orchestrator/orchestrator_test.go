package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/valuation-api/internal/cache"
	"github.com/yourorg/valuation-api/internal/metrics"
	"github.com/yourorg/valuation-api/internal/model"
	"github.com/yourorg/valuation-api/internal/provider"
	"github.com/yourorg/valuation-api/internal/quota"
)

var subject = model.PropertyIdentity{Address: "12 Oak St", City: "Austin", State: "TX", Zip: "78701"}

// fakeAdapter serves comps and estimates from JSON bodies its fetch func
// builds. fetch receives the 1-based call number.
type fakeAdapter struct {
	id    string
	calls atomic.Int32
	fetch func(ctx context.Context, call int, p provider.Params) (provider.RawResponse, error)
}

func (f *fakeAdapter) ID() string                  { return f.id }
func (f *fakeAdapter) Category() provider.Category { return provider.CategoryMatchedComps }
func (f *fakeAdapter) CanHandle(t provider.RequestType) bool {
	return t == provider.Comps || t == provider.Estimate
}

func (f *fakeAdapter) Fetch(ctx context.Context, p provider.Params) (provider.RawResponse, error) {
	n := int(f.calls.Add(1))
	return f.fetch(ctx, n, p)
}

func (f *fakeAdapter) Normalize(raw provider.RawResponse, p provider.Params) (provider.Payload, error) {
	out := provider.Payload{Type: p.Type}
	var err error
	switch p.Type {
	case provider.Comps:
		err = json.Unmarshal(raw.Body, &out.Comps)
	case provider.Estimate:
		err = json.Unmarshal(raw.Body, &out.Estimate)
	}
	if err != nil {
		return out, provider.Malformed(f.id, err)
	}
	return out, nil
}

func compsBody(t *testing.T, prices ...float64) provider.RawResponse {
	t.Helper()
	comps := make([]model.Comp, 0, len(prices))
	for i, p := range prices {
		cond := model.ConditionUnremodeled
		if i%2 == 0 {
			cond = model.ConditionRemodeled
		}
		comps = append(comps, model.Comp{Address: "comp", Price: p, Sqft: 1500, Condition: cond, IsReal: true, QualityScore: 80})
	}
	b, err := json.Marshal(comps)
	require.NoError(t, err)
	return provider.RawResponse{Type: provider.Comps, Body: b, Status: 200}
}

func serving(t *testing.T, prices ...float64) func(context.Context, int, provider.Params) (provider.RawResponse, error) {
	body := compsBody(t, prices...)
	return func(context.Context, int, provider.Params) (provider.RawResponse, error) { return body, nil }
}

func failing(code int) func(context.Context, int, provider.Params) (provider.RawResponse, error) {
	return func(context.Context, int, provider.Params) (provider.RawResponse, error) {
		return provider.RawResponse{}, &provider.StatusError{Provider: "fake", Code: code}
	}
}

type harness struct {
	orc     *Orchestrator
	store   *cache.MemoryStore
	book    *quota.Book
	metrics *metrics.Metrics
	archive *recordingArchive
}

type recordingArchive struct {
	mu   sync.Mutex
	seen []string
}

func (r *recordingArchive) ArchiveRaw(_ model.PropertyIdentity, providerID string, _ provider.RawResponse) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, providerID)
}

func newHarness(policies map[string]quota.Policy, adapters ...provider.Adapter) *harness {
	h := &harness{
		store:   cache.NewMemory(),
		book:    quota.NewBook(quota.NewMemory(), policies),
		metrics: metrics.Noop(),
		archive: &recordingArchive{},
	}
	h.orc = New(h.store, h.book, adapters,
		WithConfig(Config{Retries: 3, BaseDelay: time.Millisecond, AttemptTimeout: 20 * time.Millisecond}),
		WithMetrics(h.metrics),
		WithArchiver(h.archive),
	)
	return h
}

func (h *harness) used(id string) int {
	return h.book.Ledger().Usage(context.Background(), id, h.book.PeriodKey(id))
}

func compsRequest() Request {
	return Request{Identity: subject, Type: provider.Comps, Params: provider.Params{MaxComps: 6}}
}

func TestTimeoutsRetriedThenSuccess(t *testing.T) {
	p1 := &fakeAdapter{id: "p1"}
	body := compsBody(t, 520000, 400000, 530000, 410000, 510000, 390000)
	p1.fetch = func(ctx context.Context, call int, _ provider.Params) (provider.RawResponse, error) {
		if call <= 2 {
			<-ctx.Done()
			return provider.RawResponse{}, ctx.Err()
		}
		return body, nil
	}
	p2 := &fakeAdapter{id: "p2", fetch: serving(t, 1)}
	h := newHarness(nil, p1, p2)

	out, err := h.orc.Fetch(context.Background(), compsRequest())
	require.NoError(t, err)
	assert.Equal(t, "p1", out.Provider)
	assert.Equal(t, []string{"p1"}, out.Tried)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, Done, out.State)
	assert.Len(t, out.Payload.Comps, 6)
	assert.EqualValues(t, 0, p2.calls.Load())
	assert.Equal(t, 3, h.used("p1"))
	assert.Equal(t, []string{"p1"}, h.archive.seen)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.ProviderAttempts.WithLabelValues("p1", "transient")))

	ok, err := h.store.Has(context.Background(), compsRequest().CacheKey())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCacheHitMakesNoAttempts(t *testing.T) {
	p1 := &fakeAdapter{id: "p1", fetch: serving(t, 500000)}
	h := newHarness(nil, p1)
	cached := provider.Payload{Type: provider.Comps, Provider: "p1", Comps: []model.Comp{{Price: 480000, Sqft: 1400}}}
	b, err := cached.Marshal()
	require.NoError(t, err)
	require.NoError(t, h.store.Set(context.Background(), compsRequest().CacheKey(), b, cache.ClassComps))

	out, err := h.orc.Fetch(context.Background(), compsRequest())
	require.NoError(t, err)
	assert.True(t, out.CacheHit)
	assert.Equal(t, 0, out.Attempts)
	assert.EqualValues(t, 0, p1.calls.Load())
	assert.Equal(t, 0, h.used("p1"))
	assert.Equal(t, 480000.0, out.Payload.Comps[0].Price)
}

func TestCacheHitSurvivesExhaustedQuota(t *testing.T) {
	p1 := &fakeAdapter{id: "p1", fetch: serving(t, 500000)}
	h := newHarness(map[string]quota.Policy{"p1": {Threshold: 1, Period: quota.Daily}}, p1)
	h.book.Charge(context.Background(), "p1")
	cached := provider.Payload{Type: provider.Comps, Provider: "p1", Comps: []model.Comp{{Price: 480000, Sqft: 1400}}}
	b, _ := cached.Marshal()
	require.NoError(t, h.store.Set(context.Background(), compsRequest().CacheKey(), b, cache.ClassComps))

	out, err := h.orc.Fetch(context.Background(), compsRequest())
	require.NoError(t, err)
	assert.True(t, out.CacheHit)
}

func TestPermanentFailureFallsBackWithoutRetry(t *testing.T) {
	p1 := &fakeAdapter{id: "p1", fetch: failing(http.StatusUnauthorized)}
	p2 := &fakeAdapter{id: "p2", fetch: serving(t, 450000)}
	h := newHarness(nil, p1, p2)

	out, err := h.orc.Fetch(context.Background(), compsRequest())
	require.NoError(t, err)
	assert.Equal(t, "p2", out.Provider)
	assert.Equal(t, []string{"p1", "p2"}, out.Tried)
	assert.EqualValues(t, 1, p1.calls.Load())
	assert.Equal(t, 2, out.Attempts)
}

func TestRetryBudgetThenFallback(t *testing.T) {
	p1 := &fakeAdapter{id: "p1", fetch: failing(http.StatusServiceUnavailable)}
	p2 := &fakeAdapter{id: "p2", fetch: serving(t, 450000)}
	h := newHarness(nil, p1, p2)

	out, err := h.orc.Fetch(context.Background(), compsRequest())
	require.NoError(t, err)
	assert.Equal(t, "p2", out.Provider)
	// first attempt plus three retries
	assert.EqualValues(t, 4, p1.calls.Load())
	assert.Equal(t, 4, h.used("p1"))
	assert.Equal(t, 1, h.used("p2"))
}

func TestEmptyOrInsanePayloadFallsBack(t *testing.T) {
	p1 := &fakeAdapter{id: "p1", fetch: serving(t, 0, -5)}
	p2 := &fakeAdapter{id: "p2", fetch: serving(t, 450000)}
	h := newHarness(nil, p1, p2)

	out, err := h.orc.Fetch(context.Background(), compsRequest())
	require.NoError(t, err)
	assert.Equal(t, "p2", out.Provider)
	assert.EqualValues(t, 1, p1.calls.Load())
}

func TestMalformedPayloadIsRetried(t *testing.T) {
	good := compsBody(t, 450000)
	p1 := &fakeAdapter{id: "p1"}
	p1.fetch = func(_ context.Context, call int, _ provider.Params) (provider.RawResponse, error) {
		if call == 1 {
			return provider.RawResponse{Body: []byte("{not json")}, nil
		}
		return good, nil
	}
	h := newHarness(nil, p1)
	out, err := h.orc.Fetch(context.Background(), compsRequest())
	require.NoError(t, err)
	assert.Equal(t, "p1", out.Provider)
	assert.EqualValues(t, 2, p1.calls.Load())
}

func TestQuotaFilter(t *testing.T) {
	p1 := &fakeAdapter{id: "p1", fetch: serving(t, 500000)}
	p2 := &fakeAdapter{id: "p2", fetch: serving(t, 450000)}
	h := newHarness(map[string]quota.Policy{
		"p1": {Limit: 10, Threshold: 2, Period: quota.Monthly},
	}, p1, p2)
	ctx := context.Background()
	h.book.Charge(ctx, "p1")
	h.book.Charge(ctx, "p1")

	out, err := h.orc.Fetch(ctx, compsRequest())
	require.NoError(t, err)
	assert.Equal(t, "p2", out.Provider)
	assert.Equal(t, []string{"p1"}, out.Skipped)
	assert.EqualValues(t, 0, p1.calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.QuotaSkips.WithLabelValues("p1")))
}

func TestQuotaReachedMidRetryStopsProvider(t *testing.T) {
	p1 := &fakeAdapter{id: "p1", fetch: failing(http.StatusBadGateway)}
	h := newHarness(map[string]quota.Policy{"p1": {Threshold: 2, Period: quota.Daily}}, p1)

	out, err := h.orc.Fetch(context.Background(), compsRequest())
	require.NoError(t, err)
	assert.True(t, out.Exhausted)
	assert.EqualValues(t, 2, p1.calls.Load())
}

func TestProviderReportedUsageIsObserved(t *testing.T) {
	body := compsBody(t, 450000)
	body.Quota = &provider.Usage{Used: 40, Remaining: -1}
	p1 := &fakeAdapter{id: "p1", fetch: func(context.Context, int, provider.Params) (provider.RawResponse, error) { return body, nil }}
	h := newHarness(map[string]quota.Policy{"p1": {Limit: 100, Period: quota.Monthly}}, p1)

	_, err := h.orc.Fetch(context.Background(), compsRequest())
	require.NoError(t, err)
	assert.Equal(t, 40, h.used("p1"))
}

func TestUsageReportedOnRejectedCallIsObserved(t *testing.T) {
	p1 := &fakeAdapter{id: "p1", fetch: func(context.Context, int, provider.Params) (provider.RawResponse, error) {
		return provider.RawResponse{Status: http.StatusForbidden, Quota: &provider.Usage{Limit: 100, Remaining: 60}},
			&provider.StatusError{Provider: "p1", Code: http.StatusForbidden}
	}}
	p2 := &fakeAdapter{id: "p2", fetch: serving(t, 450000)}
	h := newHarness(map[string]quota.Policy{"p1": {Limit: 100, Period: quota.Monthly}}, p1, p2)

	out, err := h.orc.Fetch(context.Background(), compsRequest())
	require.NoError(t, err)
	assert.Equal(t, "p2", out.Provider)
	assert.Equal(t, 40, h.used("p1"))
}

func TestAllExhaustedIsNotAnError(t *testing.T) {
	p1 := &fakeAdapter{id: "p1", fetch: failing(http.StatusNotFound)}
	p2 := &fakeAdapter{id: "p2", fetch: serving(t)}
	h := newHarness(nil, p1, p2)

	out, err := h.orc.Fetch(context.Background(), compsRequest())
	require.NoError(t, err)
	assert.True(t, out.Exhausted)
	assert.Equal(t, Exhausted, out.State)
	assert.True(t, out.Payload.Empty())
	assert.Equal(t, provider.Comps, out.Payload.Type)
	assert.Equal(t, 0, h.store.Len())
	assert.Empty(t, h.archive.seen)
}

func TestPrimaryProviderFirst(t *testing.T) {
	p1 := &fakeAdapter{id: "p1", fetch: serving(t, 500000)}
	p2 := &fakeAdapter{id: "p2", fetch: serving(t, 450000)}
	h := newHarness(nil, p1, p2)
	req := compsRequest()
	req.Primary = "p2"

	out, err := h.orc.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "p2", out.Provider)
	assert.EqualValues(t, 0, p1.calls.Load())
}

func TestConfiguredOrder(t *testing.T) {
	p1 := &fakeAdapter{id: "p1", fetch: serving(t, 500000)}
	p2 := &fakeAdapter{id: "p2", fetch: serving(t, 450000)}
	p3 := &fakeAdapter{id: "p3", fetch: serving(t, 450000)}
	o := New(cache.NewMemory(), quota.NewBook(quota.NewMemory(), nil), []provider.Adapter{p1, p2, p3},
		WithConfig(Config{Order: []string{"p3", "ghost", "p1"}}))
	assert.Equal(t, []string{"p3", "p1", "p2"}, o.Providers())
}

func TestPinnedSource(t *testing.T) {
	est := func(v float64) func(context.Context, int, provider.Params) (provider.RawResponse, error) {
		b, _ := json.Marshal(model.Estimate{Value: v, Weight: 1})
		return func(context.Context, int, provider.Params) (provider.RawResponse, error) {
			return provider.RawResponse{Type: provider.Estimate, Body: b}, nil
		}
	}
	p1 := &fakeAdapter{id: "p1", fetch: est(500000)}
	p2 := &fakeAdapter{id: "p2", fetch: est(520000)}
	h := newHarness(nil, p1, p2)
	ctx := context.Background()

	r1 := Request{Identity: subject, Type: provider.Estimate, Source: "p1"}
	r2 := Request{Identity: subject, Type: provider.Estimate, Source: "p2"}
	assert.NotEqual(t, r1.CacheKey(), r2.CacheKey())

	o1, err := h.orc.Fetch(ctx, r1)
	require.NoError(t, err)
	o2, err := h.orc.Fetch(ctx, r2)
	require.NoError(t, err)
	assert.Equal(t, 500000.0, o1.Payload.Estimate.Value)
	assert.Equal(t, "p1", o1.Payload.Estimate.SourceProviderID)
	assert.Equal(t, 520000.0, o2.Payload.Estimate.Value)

	_, err = h.orc.Fetch(ctx, Request{Identity: subject, Type: provider.Estimate, Source: "nope"})
	assert.Error(t, err)
}

func TestIncompleteIdentityRejectedBeforeAnyWork(t *testing.T) {
	p1 := &fakeAdapter{id: "p1", fetch: serving(t, 500000)}
	h := newHarness(nil, p1)
	req := compsRequest()
	req.Identity.Zip = " "

	_, err := h.orc.Fetch(context.Background(), req)
	assert.ErrorIs(t, err, model.ErrIncompleteIdentity)
	assert.EqualValues(t, 0, p1.calls.Load())
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.CacheLookups.WithLabelValues("comps", "miss")))
}

func TestCancellationStopsRetriesAndFallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p1 := &fakeAdapter{id: "p1", fetch: func(context.Context, int, provider.Params) (provider.RawResponse, error) {
		cancel()
		return provider.RawResponse{}, &provider.StatusError{Code: http.StatusServiceUnavailable}
	}}
	p2 := &fakeAdapter{id: "p2", fetch: serving(t, 450000)}
	h := newHarness(nil, p1, p2)

	_, err := h.orc.Fetch(ctx, compsRequest())
	assert.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 1, p1.calls.Load())
	assert.EqualValues(t, 0, p2.calls.Load())
	assert.Equal(t, 1, h.used("p1"))
}

func TestConcurrentIdenticalRequestsCoalesce(t *testing.T) {
	release := make(chan struct{})
	body := compsBody(t, 450000)
	p1 := &fakeAdapter{id: "p1", fetch: func(context.Context, int, provider.Params) (provider.RawResponse, error) {
		<-release
		return body, nil
	}}
	h := newHarness(nil, p1)
	h.orc.cfg.AttemptTimeout = time.Second

	var wg sync.WaitGroup
	outs := make([]Outcome, 4)
	for i := range outs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := h.orc.Fetch(context.Background(), compsRequest())
			assert.NoError(t, err)
			outs[i] = out
		}(i)
	}
	require.Eventually(t, func() bool { return p1.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, p1.calls.Load())
	assert.Equal(t, 1, h.used("p1"))
	for _, o := range outs {
		assert.Len(t, o.Payload.Comps, 1)
	}
}

func TestFollowerOutlivesLeaderDeadline(t *testing.T) {
	body := compsBody(t, 450000)
	p1 := &fakeAdapter{id: "p1", fetch: func(ctx context.Context, _ int, _ provider.Params) (provider.RawResponse, error) {
		select {
		case <-time.After(200 * time.Millisecond):
			return body, nil
		case <-ctx.Done():
			return provider.RawResponse{}, ctx.Err()
		}
	}}
	h := newHarness(nil, p1)
	h.orc.cfg.AttemptTimeout = time.Second
	h.orc.cfg.Retries = 0

	leaderCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	leaderErr := make(chan error, 1)
	go func() {
		_, err := h.orc.Fetch(leaderCtx, compsRequest())
		leaderErr <- err
	}()
	require.Eventually(t, func() bool { return p1.calls.Load() == 1 }, time.Second, time.Millisecond)

	out, err := h.orc.Fetch(context.Background(), compsRequest())
	require.NoError(t, err)
	assert.Len(t, out.Payload.Comps, 1)
	assert.Equal(t, "p1", out.Provider)
	assert.ErrorIs(t, <-leaderErr, context.DeadlineExceeded)
	assert.EqualValues(t, 2, p1.calls.Load())
}

func TestCorruptCacheEntryIsRefetched(t *testing.T) {
	p1 := &fakeAdapter{id: "p1", fetch: serving(t, 450000)}
	h := newHarness(nil, p1)
	require.NoError(t, h.store.Set(context.Background(), compsRequest().CacheKey(), []byte(`{"type":"comps"}`), cache.ClassComps))

	out, err := h.orc.Fetch(context.Background(), compsRequest())
	require.NoError(t, err)
	assert.False(t, out.CacheHit)
	assert.EqualValues(t, 1, p1.calls.Load())
}

func TestInvalidate(t *testing.T) {
	p1 := &fakeAdapter{id: "p1", fetch: serving(t, 450000)}
	h := newHarness(nil, p1)
	ctx := context.Background()
	_, err := h.orc.Fetch(ctx, compsRequest())
	require.NoError(t, err)
	require.NoError(t, h.store.Set(ctx, Request{Identity: subject, Type: provider.Estimate, Source: "p1"}.CacheKey(), []byte("{}"), cache.ClassEstimate))

	n, err := h.orc.Invalidate(ctx, subject)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, h.store.Len())
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "SELECTING_PROVIDER", SelectingProvider.String())
	assert.Equal(t, "FALLING_BACK", FallingBack.String())
	assert.True(t, Exhausted.Terminal())
	assert.False(t, Retrying.Terminal())
	assert.Equal(t, "UNKNOWN", State(99).String())
}
