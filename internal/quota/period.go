package quota

import (
	"strings"
	"time"
)

// Period is the billing bucket a provider's limit applies to.
type Period string

const (
	Daily   Period = "day"
	Monthly Period = "month"
)

func ParsePeriod(s string) Period {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "day", "daily":
		return Daily
	default:
		return Monthly
	}
}

// Key returns the bucket t falls in, in UTC: "2026-10-18" or "2026-10".
func (p Period) Key(t time.Time) string {
	t = t.UTC()
	if p == Daily {
		return t.Format("2006-01-02")
	}
	return t.Format("2006-01")
}

// PeriodEnd returns the instant a period key rolls over. Unparseable keys
// end a day from now so stray counters still expire.
func PeriodEnd(periodKey string) time.Time {
	if t, err := time.Parse("2006-01-02", periodKey); err == nil {
		return t.AddDate(0, 0, 1)
	}
	if t, err := time.Parse("2006-01", periodKey); err == nil {
		return t.AddDate(0, 1, 0)
	}
	return time.Now().Add(24 * time.Hour)
}
