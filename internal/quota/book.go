package quota

import (
	"context"
	"sort"
	"time"

	"github.com/yourorg/valuation-api/internal/model"
)

// DefaultThresholdRatio places the soft cap at 90% of the hard limit so
// failed and retried calls the ledger undercounts do not tip us over.
const DefaultThresholdRatio = 0.9

type Policy struct {
	Limit     int    `yaml:"limit" json:"limit"`
	Threshold int    `yaml:"threshold" json:"threshold"`
	Period    Period `yaml:"period" json:"period"`
}

func (p Policy) Unlimited() bool { return p.Limit <= 0 && p.Threshold <= 0 }

// SoftCap is the usage at which the provider stops being offered work.
func (p Policy) SoftCap() int {
	if p.Threshold > 0 {
		return p.Threshold
	}
	c := int(float64(p.Limit) * DefaultThresholdRatio)
	if c < 1 && p.Limit > 0 {
		c = 1
	}
	return c
}

// Book binds a Ledger to per-provider policies and the current period.
type Book struct {
	ledger   Ledger
	policies map[string]Policy
	now      func() time.Time
}

func NewBook(l Ledger, policies map[string]Policy) *Book {
	if policies == nil {
		policies = map[string]Policy{}
	}
	return &Book{ledger: l, policies: policies, now: time.Now}
}

// WithClock swaps the time source; used by tests to roll periods.
func (b *Book) WithClock(now func() time.Time) *Book {
	b.now = now
	return b
}

func (b *Book) Ledger() Ledger { return b.ledger }

// Policy returns the configured policy; unconfigured providers get the zero,
// unlimited policy on a monthly period.
func (b *Book) Policy(providerID string) (Policy, bool) {
	p, ok := b.policies[providerID]
	return p, ok
}

func (b *Book) PeriodKey(providerID string) string {
	return b.policies[providerID].Period.Key(b.now())
}

// Available reports whether providerID is still under its soft cap for the
// current period. Providers without a policy are never filtered.
func (b *Book) Available(ctx context.Context, providerID string) bool {
	p, ok := b.policies[providerID]
	if !ok || p.Unlimited() {
		return true
	}
	return b.ledger.Available(ctx, providerID, p.Period.Key(b.now()), p.SoftCap())
}

// Charge records one outbound attempt against providerID.
func (b *Book) Charge(ctx context.Context, providerID string) int {
	return b.ledger.Increment(ctx, providerID, b.PeriodKey(providerID))
}

func (b *Book) Observe(ctx context.Context, providerID string, used int) {
	if used <= 0 {
		return
	}
	b.ledger.Observe(ctx, providerID, b.PeriodKey(providerID), used)
}

// Records lists the current-period state of every configured provider and
// of any unconfigured provider the ledger has counted calls for.
func (b *Book) Records(ctx context.Context) []model.QuotaRecord {
	seen := make(map[string]bool, len(b.policies))
	for id := range b.policies {
		seen[id] = true
	}
	for _, id := range b.ledger.Providers(ctx) {
		seen[id] = true
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]model.QuotaRecord, 0, len(ids))
	for _, id := range ids {
		p, _ := b.Policy(id)
		pk := p.Period.Key(b.now())
		out = append(out, model.QuotaRecord{
			ProviderID: id,
			PeriodKey:  pk,
			Used:       b.ledger.Usage(ctx, id, pk),
			Limit:      p.Limit,
			Threshold:  p.SoftCap(),
		})
	}
	return out
}
