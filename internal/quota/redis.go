package quota

import (
	"context"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/valuation-api/internal/redisx"
)

// RedisLedger keeps counters in Redis so quota survives restarts and is
// shared by every process using the same provider keys. Counters expire
// when their period rolls over.
type RedisLedger struct {
	rdb *redisx.Client
	log *logrus.Entry
}

func NewRedis(rdb *redisx.Client, log *logrus.Entry) *RedisLedger {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &RedisLedger{rdb: rdb, log: log}
}

const keyPrefix = "quota:"

func redisKey(providerID, periodKey string) string {
	return keyPrefix + providerID + ":" + periodKey
}

func (r *RedisLedger) Usage(ctx context.Context, providerID, periodKey string) int {
	v, ok, err := r.rdb.Get(ctx, redisKey(providerID, periodKey))
	if err != nil {
		r.log.WithError(err).Warnf("quota usage read failed for %s", providerID)
		return 0
	}
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func (r *RedisLedger) Increment(ctx context.Context, providerID, periodKey string) int {
	n, err := r.rdb.IncrWithExpiry(ctx, redisKey(providerID, periodKey), PeriodEnd(periodKey))
	if err != nil {
		r.log.WithError(err).Warnf("quota increment failed for %s", providerID)
		return 0
	}
	return int(n)
}

func (r *RedisLedger) Available(ctx context.Context, providerID, periodKey string, threshold int) bool {
	return r.Usage(ctx, providerID, periodKey) < threshold
}

func (r *RedisLedger) Observe(ctx context.Context, providerID, periodKey string, used int) {
	if _, err := r.rdb.SetMax(ctx, redisKey(providerID, periodKey), int64(used), PeriodEnd(periodKey)); err != nil {
		r.log.WithError(err).Warnf("quota observe failed for %s", providerID)
	}
}

func (r *RedisLedger) Providers(ctx context.Context) []string {
	keys, err := r.rdb.Scan(ctx, keyPrefix+"*")
	if err != nil {
		r.log.WithError(err).Warn("quota key scan failed")
		return nil
	}
	seen := map[string]bool{}
	for _, k := range keys {
		rest := strings.TrimPrefix(k, keyPrefix)
		if i := strings.LastIndex(rest, ":"); i > 0 {
			seen[rest[:i]] = true
		}
	}
	return sortedKeys(seen)
}
