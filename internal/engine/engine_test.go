package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/co-cddo/ndx-notify/internal/channel"
	"github.com/co-cddo/ndx-notify/internal/engine"
	"github.com/co-cddo/ndx-notify/internal/event"
)

func TestEngine_ProcessSync(t *testing.T) {
	h := newHarness(t, harnessOpts{store: activeLease()})
	e := engine.New(context.Background(), h.proc, engine.Config{Workers: 2, QueueDepth: 4}, nil)
	defer e.Shutdown()

	res, err := e.ProcessSync(context.Background(), []byte(approvedEvent))
	require.NoError(t, err)
	assert.Equal(t, event.StatusSent, res.Outcome.Status)
	assert.Equal(t, "e1", res.Outcome.EventID)
}

func TestEngine_QueueFull(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	h.email.send = func(context.Context, channel.Message) (channel.Result, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return channel.Result{Attempts: 1}, nil
	}
	e := engine.New(context.Background(), h.proc, engine.Config{Workers: 1, QueueDepth: 1}, nil)

	require.True(t, e.ProcessAsync([]byte(approvedEvent)))
	<-started
	require.True(t, e.ProcessAsync([]byte(approvedEvent)), "fills the queue")
	assert.InDelta(t, 1.0, e.QueueUtilization(), 0.001)

	_, err := e.ProcessSync(context.Background(), []byte(approvedEvent))
	assert.ErrorIs(t, err, engine.ErrQueueFull)
	assert.False(t, e.ProcessAsync([]byte(approvedEvent)))

	close(release)
	e.Shutdown()
	assert.False(t, e.ProcessAsync([]byte(approvedEvent)), "drained engine accepts nothing")
}

func TestEngine_EnqueueTimeoutWaitsForRoom(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	h.email.send = func(context.Context, channel.Message) (channel.Result, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return channel.Result{Attempts: 1}, nil
	}
	e := engine.New(context.Background(), h.proc, engine.Config{
		Workers: 1, QueueDepth: 1, EnqueueTimeout: time.Second,
	}, nil)
	defer e.Shutdown()

	require.True(t, e.ProcessAsync([]byte(approvedEvent)))
	<-started
	require.True(t, e.ProcessAsync([]byte(approvedEvent)), "fills the queue")
	time.AfterFunc(20*time.Millisecond, func() { close(release) })

	raw := `{"id":"e2","source":"sandbox","type":"LeaseApproved","detail":{"userEmail":"a@gov.test","uuid":"` + leaseUUID + `"}}`
	res, err := e.ProcessSync(context.Background(), []byte(raw))
	require.NoError(t, err)
	assert.Equal(t, event.StatusSent, res.Outcome.Status)
}

func TestEngine_AsyncAbandonedAfterRedeliveries(t *testing.T) {
	h := newHarness(t, harnessOpts{idemStore: brokenStore{}})
	e := engine.New(context.Background(), h.proc, engine.Config{
		Workers: 1, QueueDepth: 1, AsyncRedeliveries: 2, RedeliveryBackoff: 20 * time.Millisecond,
	}, nil)

	before := time.Now().UTC()
	require.True(t, e.ProcessAsync([]byte(approvedEvent)))
	e.Shutdown()

	entries := h.sink.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "e1", entries[0].EventID)
	assert.Equal(t, "TransientError", entries[0].ErrorKind)
	assert.Equal(t, 3, entries[0].AttemptCount)
	assert.False(t, entries[0].FirstFailureAt.Before(before))
	assert.GreaterOrEqual(t, entries[0].WrittenAt.Sub(entries[0].FirstFailureAt), 20*time.Millisecond,
		"first failure is stamped at the first aborted run, not at abandonment")
	assert.Zero(t, h.email.calls.Load())
}

func TestEngine_SyncAbortIsReturned(t *testing.T) {
	h := newHarness(t, harnessOpts{idemStore: brokenStore{}})
	e := engine.New(context.Background(), h.proc, engine.Config{Workers: 1, QueueDepth: 1}, nil)
	defer e.Shutdown()

	res, err := e.ProcessSync(context.Background(), []byte(approvedEvent))
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, engine.StageDeduplicating, res.Stage)
	assert.False(t, errors.Is(err, engine.ErrQueueFull))
	assert.Zero(t, h.sink.Len(), "sync callers redeliver themselves")
}
