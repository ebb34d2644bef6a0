package cache

import (
	"fmt"
	"time"
)

// TTLClass names a cache-duration policy applied to every entry of one data
// type. Callers pick a class, never a duration.
type TTLClass string

const (
	ClassPropertyDetail TTLClass = "property-detail"
	ClassLocation       TTLClass = "location"
	ClassComps          TTLClass = "comps"
	ClassEstimate       TTLClass = "estimate"
	ClassMarketRate     TTLClass = "market-rate"
)

const day = 24 * time.Hour

// DefaultTTLs is the static duration table.
var DefaultTTLs = TTLTable{
	ClassPropertyDetail: 30 * day, // beds/baths/sqft, sale history
	ClassLocation:       30 * day, // area trend, schools
	ClassComps:          7 * day,
	ClassEstimate:       7 * day,
	ClassMarketRate:     1 * day,
}

type TTLTable map[TTLClass]time.Duration

// WithOverrides returns a copy of t with positive durations from o applied.
func (t TTLTable) WithOverrides(o map[TTLClass]time.Duration) TTLTable {
	out := make(TTLTable, len(t))
	for k, v := range t {
		out[k] = v
	}
	for k, v := range o {
		if v > 0 {
			out[k] = v
		}
	}
	return out
}

func (t TTLTable) TTL(c TTLClass) (time.Duration, error) {
	d, ok := t[c]
	if !ok || d <= 0 {
		return 0, fmt.Errorf("cache: unknown ttl class %q", c)
	}
	return d, nil
}

func ParseClass(s string) (TTLClass, bool) {
	c := TTLClass(s)
	_, ok := DefaultTTLs[c]
	return c, ok
}
