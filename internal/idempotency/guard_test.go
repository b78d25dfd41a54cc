package idempotency_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/co-cddo/ndx-notify/internal/event"
	"github.com/co-cddo/ndx-notify/internal/failure"
	"github.com/co-cddo/ndx-notify/internal/idempotency"
)

func newGuard(t *testing.T, cfg idempotency.Config) (*idempotency.Guard, *idempotency.MemoryStore) {
	t.Helper()
	store := idempotency.NewMemoryStore(0)
	t.Cleanup(func() { _ = store.Close() })
	return idempotency.NewGuard(store, cfg, nil), store
}

func TestGuard_BeginCommitReplay(t *testing.T) {
	g, _ := newGuard(t, idempotency.Config{Wait: 0})
	ctx := context.Background()

	d, err := g.Begin(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, d.Proceed)
	assert.NotEmpty(t, d.Token)

	out := event.Outcome{EventID: "e1", Channel: event.ChannelEmail, Status: event.StatusSent}
	require.NoError(t, g.Commit(ctx, "e1", out))

	d, err = g.Begin(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, d.Proceed)
	require.NotNil(t, d.Cached)
	assert.Equal(t, event.StatusSent, d.Cached.Status)
}

func TestGuard_InFlightTimesOut(t *testing.T) {
	g, _ := newGuard(t, idempotency.Config{Wait: 30 * time.Millisecond, PollInterval: 5 * time.Millisecond})
	ctx := context.Background()

	_, err := g.Begin(ctx, "e1")
	require.NoError(t, err)

	_, err = g.Begin(ctx, "e1")
	require.Error(t, err)
	assert.ErrorIs(t, err, idempotency.ErrInFlight)
	assert.Equal(t, failure.KindTransient, failure.KindOf(err))
}

func TestGuard_WaitsForConcurrentCommit(t *testing.T) {
	g, _ := newGuard(t, idempotency.Config{Wait: time.Second, PollInterval: 5 * time.Millisecond})
	ctx := context.Background()

	first, err := g.Begin(ctx, "e1")
	require.NoError(t, err)
	require.True(t, first.Proceed)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = g.Commit(ctx, "e1", event.Outcome{EventID: "e1", Status: event.StatusSent})
	}()

	second, err := g.Begin(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, second.Proceed)
	require.NotNil(t, second.Cached)
	assert.Equal(t, event.StatusSent, second.Cached.Status)
}

func TestGuard_ReleaseAllowsRedelivery(t *testing.T) {
	g, _ := newGuard(t, idempotency.Config{Wait: 0})
	ctx := context.Background()

	d, err := g.Begin(ctx, "e1")
	require.NoError(t, err)
	require.NoError(t, g.Release(ctx, "e1", d.Token))

	d, err = g.Begin(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, d.Proceed)
}

func TestGuard_OnlyOneConcurrentProceeds(t *testing.T) {
	g, _ := newGuard(t, idempotency.Config{Wait: 50 * time.Millisecond, PollInterval: 5 * time.Millisecond})
	ctx := context.Background()

	var proceeds atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d, err := g.Begin(ctx, "race"); err == nil && d.Proceed {
				proceeds.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), proceeds.Load())
}

type brokenStore struct{ idempotency.Store }

func (brokenStore) Claim(context.Context, string, string, time.Duration) (bool, *idempotency.Record, error) {
	return false, nil, errors.New("store down")
}

func (brokenStore) Complete(context.Context, string, event.Outcome, time.Duration) error {
	return errors.New("store down")
}

func TestGuard_StoreFailureFailsClosed(t *testing.T) {
	g := idempotency.NewGuard(brokenStore{}, idempotency.Config{}, nil)

	d, err := g.Begin(context.Background(), "e1")
	require.Error(t, err)
	assert.False(t, d.Proceed)
	assert.Equal(t, failure.KindTransient, failure.KindOf(err))

	err = g.Commit(context.Background(), "e1", event.Outcome{})
	assert.Equal(t, failure.KindTransient, failure.KindOf(err))
}
