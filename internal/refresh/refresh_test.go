package refresh

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/valuation-api/internal/model"
)

var oak = model.PropertyIdentity{Address: "12 Oak St", City: "Austin", State: "TX", Zip: "78701"}

func TestRunsQueuedJobs(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	r := New(Config{Workers: 2}, func(_ context.Context, j Job) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, j.Identity.Address)
		return nil
	}, nil)
	defer r.Stop(context.Background())

	assert.True(t, r.Enqueue(Job{Identity: oak, Depth: "standard"}))
	elm := oak
	elm.Address = "1 Elm St"
	assert.True(t, r.Enqueue(Job{Identity: elm, Depth: "standard"}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return r.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestDuplicateJobRefusedWhileInFlight(t *testing.T) {
	release := make(chan struct{})
	var runs atomic.Int32
	r := New(Config{Workers: 1}, func(ctx context.Context, _ Job) error {
		runs.Add(1)
		<-release
		return nil
	}, nil)
	defer r.Stop(context.Background())

	require.True(t, r.Enqueue(Job{Identity: oak, Depth: "deep"}))
	assert.False(t, r.Enqueue(Job{Identity: oak, Depth: "deep"}))
	// a different depth is a different job
	assert.True(t, r.Enqueue(Job{Identity: oak, Depth: "minimal"}))
	close(release)

	assert.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return r.Enqueue(Job{Identity: oak, Depth: "deep"}) }, time.Second, 5*time.Millisecond)
}

func TestFullQueueDrops(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{}, 1)
	r := New(Config{Workers: 1, Capacity: 1}, func(ctx context.Context, _ Job) error {
		started <- struct{}{}
		<-block
		return nil
	}, nil)
	defer func() {
		close(block)
		r.Stop(context.Background())
	}()

	require.True(t, r.Enqueue(Job{Identity: oak}))
	<-started
	second := oak
	second.Address = "2 Oak St"
	third := oak
	third.Address = "3 Oak St"
	assert.True(t, r.Enqueue(Job{Identity: second}))
	assert.False(t, r.Enqueue(Job{Identity: third}))
	assert.Equal(t, 2, r.Pending())
}

func TestStopCancelsRunningJobs(t *testing.T) {
	got := make(chan error, 1)
	started := make(chan struct{})
	r := New(Config{Workers: 1}, func(ctx context.Context, _ Job) error {
		close(started)
		<-ctx.Done()
		got <- ctx.Err()
		return ctx.Err()
	}, nil)
	require.True(t, r.Enqueue(Job{Identity: oak}))
	<-started

	require.NoError(t, r.Stop(context.Background()))
	assert.True(t, errors.Is(<-got, context.Canceled))
	assert.False(t, r.Enqueue(Job{Identity: oak}))
	require.NoError(t, r.Stop(context.Background()))
}

func TestJobTimeout(t *testing.T) {
	got := make(chan error, 1)
	r := New(Config{Workers: 1, Timeout: 10 * time.Millisecond}, func(ctx context.Context, _ Job) error {
		<-ctx.Done()
		got <- ctx.Err()
		return nil
	}, nil)
	defer r.Stop(context.Background())
	require.True(t, r.Enqueue(Job{Identity: oak}))
	select {
	case err := <-got:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("job never timed out")
	}
}
