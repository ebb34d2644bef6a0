package events

import (
	"context"
	"time"

	"github.com/yourorg/valuation-api/internal/canon"
	"github.com/yourorg/valuation-api/internal/model"
	"github.com/yourorg/valuation-api/internal/provider"
)

// ValuationResolved is emitted once per finished Resolve call.
type ValuationResolved struct {
	ID               string
	Identity         model.PropertyIdentity
	PropertyKey      string
	Depth            string
	Valuation        *model.ReconciledValuation
	Validation       *model.ValidationResult
	ProvidersUsed    []string
	CacheHits        int
	InsufficientData bool
	Warnings         []string
	ResolvedAt       time.Time
}

// RawFetched carries a provider response that produced a usable payload.
type RawFetched struct {
	Identity    model.PropertyIdentity
	PropertyKey string
	ProviderID  string
	Type        provider.RequestType
	Endpoint    string
	Status      int
	Body        []byte
	FetchedAt   time.Time
}

type Publisher interface {
	PublishValuationResolved(ctx context.Context, evt ValuationResolved)
	SubscribeValuationResolved() <-chan ValuationResolved
	PublishRawFetched(ctx context.Context, evt RawFetched)
	SubscribeRawFetched() <-chan RawFetched
}

type InMemory struct {
	valuations chan ValuationResolved
	raw        chan RawFetched
}

// NewInMemory returns a buffered single-process bus. Publishing never blocks;
// events beyond the buffer are dropped.
func NewInMemory(buffer int) *InMemory {
	if buffer <= 0 {
		buffer = 256
	}
	return &InMemory{
		valuations: make(chan ValuationResolved, buffer),
		raw:        make(chan RawFetched, buffer),
	}
}

func (m *InMemory) PublishValuationResolved(_ context.Context, evt ValuationResolved) {
	select {
	case m.valuations <- evt:
	default:
	}
}

func (m *InMemory) SubscribeValuationResolved() <-chan ValuationResolved { return m.valuations }

func (m *InMemory) PublishRawFetched(_ context.Context, evt RawFetched) {
	select {
	case m.raw <- evt:
	default:
	}
}

func (m *InMemory) SubscribeRawFetched() <-chan RawFetched { return m.raw }

// ArchiveRaw lets the bus stand in as the orchestrator's archiver.
func (m *InMemory) ArchiveRaw(id model.PropertyIdentity, providerID string, raw provider.RawResponse) {
	m.PublishRawFetched(context.Background(), RawFetched{
		Identity:    id,
		PropertyKey: canon.IdentityKey(id),
		ProviderID:  providerID,
		Type:        raw.Type,
		Endpoint:    raw.Endpoint,
		Status:      raw.Status,
		Body:        raw.Body,
		FetchedAt:   raw.FetchedAt,
	})
}
