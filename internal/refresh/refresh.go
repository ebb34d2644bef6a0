// Package refresh runs background prefetches. Jobs are de-duplicated by
// property while queued or running; a full queue drops new work.
package refresh

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/valuation-api/internal/canon"
	"github.com/yourorg/valuation-api/internal/logger"
	"github.com/yourorg/valuation-api/internal/model"
)

type Job struct {
	Identity model.PropertyIdentity
	Depth    string
}

func (j Job) key() string { return canon.IdentityKey(j.Identity) + "|" + j.Depth }

type Config struct {
	Capacity int
	Workers  int
	// Timeout bounds a single job.
	Timeout time.Duration
}

type Refresher struct {
	ch      chan Job
	inFly   sync.Map // key -> struct{}
	do      func(ctx context.Context, j Job) error
	timeout time.Duration
	log     *logrus.Entry
	base    context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex // guards closed against sends on a closed ch
	closed  bool
}

func New(cfg Config, do func(ctx context.Context, j Job) error, log *logrus.Entry) *Refresher {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if log == nil {
		log = logger.Discard()
	}
	base, cancel := context.WithCancel(context.Background())
	r := &Refresher{ch: make(chan Job, cfg.Capacity), do: do, timeout: cfg.Timeout, log: log, base: base, cancel: cancel}
	for i := 0; i < cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// Enqueue reports whether j was queued. Duplicates of a queued or running
// job and jobs arriving at a full queue are refused.
func (r *Refresher) Enqueue(j Job) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}
	k := j.key()
	if _, exists := r.inFly.LoadOrStore(k, struct{}{}); exists {
		return false
	}
	select {
	case r.ch <- j:
		return true
	default:
		// drop if saturated
		r.inFly.Delete(k)
		r.log.WithField("property", k).Warn("prefetch queue full, dropping job")
		return false
	}
}

// Pending is the number of jobs queued or running.
func (r *Refresher) Pending() int {
	n := 0
	r.inFly.Range(func(_, _ any) bool { n++; return true })
	return n
}

// Stop cancels running jobs, abandons queued ones and waits for the
// workers, or for ctx.
func (r *Refresher) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		r.cancel()
		close(r.ch)
	}
	r.mu.Unlock()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Refresher) worker() {
	defer r.wg.Done()
	for j := range r.ch {
		if r.base.Err() != nil {
			r.inFly.Delete(j.key())
			continue
		}
		ctx, cancel := context.WithTimeout(r.base, r.timeout)
		func() {
			defer func() {
				r.inFly.Delete(j.key())
				cancel()
			}()
			if r.do == nil {
				return
			}
			if err := r.do(ctx, j); err != nil {
				r.log.WithError(err).WithField("address", j.Identity.String()).Warn("prefetch failed")
			}
		}()
	}
}
