package cache

import (
	"context"
	"encoding/json"
	"time"
)

// Store is a TTL-scoped key/value store for fetched artifacts. Entries for
// different keys are never merged.
type Store interface {
	// Get returns the entry for key; an expired entry is reported as a miss.
	Get(ctx context.Context, key string) (Entry, bool, error)
	// Set writes payload (a JSON document) under key with the duration of class.
	Set(ctx context.Context, key string, payload []byte, class TTLClass) error
	Has(ctx context.Context, key string) (bool, error)
	Remove(ctx context.Context, key string) error
}

type Entry struct {
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	FetchedAt time.Time       `json:"fetched_at"`
	TTLClass  TTLClass        `json:"ttl_class"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Expired reports whether the entry is past its expiry at now. The expiry
// instant itself counts as expired.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

type Option func(*options)

type options struct {
	now  func() time.Time
	ttls TTLTable
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithTTLs replaces the duration table. It can only be set at construction.
func WithTTLs(t TTLTable) Option {
	return func(o *options) { o.ttls = t }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, ttls: DefaultTTLs}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func newEntry(o options, key string, payload []byte, class TTLClass) (Entry, time.Duration, error) {
	ttl, err := o.ttls.TTL(class)
	if err != nil {
		return Entry{}, 0, err
	}
	now := o.now()
	return Entry{
		Key:       key,
		Payload:   append(json.RawMessage(nil), payload...),
		FetchedAt: now,
		TTLClass:  class,
		ExpiresAt: now.Add(ttl),
	}, ttl, nil
}
