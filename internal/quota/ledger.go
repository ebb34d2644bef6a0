package quota

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Ledger counts outbound calls per provider and period. It is advisory: it
// never fails a caller, and providers it has never seen report zero usage.
type Ledger interface {
	Usage(ctx context.Context, providerID, periodKey string) int
	// Increment records one outbound attempt and returns the new count.
	Increment(ctx context.Context, providerID, periodKey string) int
	// Available is false once usage has reached threshold.
	Available(ctx context.Context, providerID, periodKey string, threshold int) bool
	// Observe ingests a usage counter reported by the provider itself. The
	// ledger keeps the larger of its own count and the reported one.
	Observe(ctx context.Context, providerID, periodKey string, used int)
	// Providers lists every provider with a counter in any live period.
	Providers(ctx context.Context) []string
}

func ledgerKey(providerID, periodKey string) string {
	return providerID + "|" + periodKey
}

type MemoryLedger struct {
	mu   sync.Mutex
	used map[string]int
}

func NewMemory() *MemoryLedger {
	return &MemoryLedger{used: make(map[string]int)}
}

func (m *MemoryLedger) Usage(_ context.Context, providerID, periodKey string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used[ledgerKey(providerID, periodKey)]
}

func (m *MemoryLedger) Increment(_ context.Context, providerID, periodKey string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := ledgerKey(providerID, periodKey)
	m.used[k]++
	return m.used[k]
}

func (m *MemoryLedger) Available(ctx context.Context, providerID, periodKey string, threshold int) bool {
	return m.Usage(ctx, providerID, periodKey) < threshold
}

func (m *MemoryLedger) Observe(_ context.Context, providerID, periodKey string, used int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := ledgerKey(providerID, periodKey)
	if used > m.used[k] {
		m.used[k] = used
	}
}

func (m *MemoryLedger) Providers(context.Context) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	for k := range m.used {
		id, _, _ := strings.Cut(k, "|")
		seen[id] = true
	}
	return sortedKeys(seen)
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
