package lease

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polyflow/internal/core"
)

func startEmbeddedNATS(t *testing.T) jetstream.JetStream {
	t.Helper()
	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
	}
	ns, err := server.NewServer(opts)
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("embedded NATS server not ready")
	}
	nc, err := nats.Connect(ns.ClientURL(), nats.Timeout(2*time.Second))
	if err != nil {
		ns.Shutdown()
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		nc.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	js, err := jetstream.New(nc)
	require.NoError(t, err)
	return js
}

func TestKVLocker_ConflictAndRelease(t *testing.T) {
	js := startEmbeddedNATS(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	l, err := NewKVLocker(ctx, js, "test-leases", 3*time.Second, nil)
	require.NoError(t, err)
	id, err := core.ComputeJobID(core.Statepoint{"a": 1})
	require.NoError(t, err)

	held, err := l.Acquire(ctx, id, "run-1")
	require.NoError(t, err)

	_, err = l.Acquire(ctx, id, "run-2")
	var conflict *core.ConcurrentRunError
	require.True(t, errors.As(err, &conflict), "got %v", err)
	assert.Contains(t, conflict.Holder, "run-1")

	require.NoError(t, held.Release(ctx))

	again, err := l.Acquire(ctx, id, "run-2")
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestKVLocker_RenewalOutlivesTTL(t *testing.T) {
	js := startEmbeddedNATS(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	l, err := NewKVLocker(ctx, js, "renew-leases", 1500*time.Millisecond, nil)
	require.NoError(t, err)
	id, err := core.ComputeJobID(core.Statepoint{"a": 2})
	require.NoError(t, err)

	held, err := l.Acquire(ctx, id, "long-run")
	require.NoError(t, err)
	defer held.Release(ctx)

	time.Sleep(3 * time.Second)
	_, err = l.Acquire(ctx, id, "intruder")
	assert.ErrorIs(t, err, core.ErrConcurrentRun)
}

func TestKVLocker_BreakClearsLease(t *testing.T) {
	js := startEmbeddedNATS(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	l, err := NewKVLocker(ctx, js, "", time.Minute, nil)
	require.NoError(t, err)
	id, err := core.ComputeJobID(core.Statepoint{"a": 3})
	require.NoError(t, err)

	_, err = l.Acquire(ctx, id, "crashed")
	require.NoError(t, err)
	require.NoError(t, l.Break(ctx, id))

	next, err := l.Acquire(ctx, id, "next")
	require.NoError(t, err)
	require.NoError(t, next.Release(ctx))
}

func TestKVLocker_DeletedKeySignalsLost(t *testing.T) {
	js := startEmbeddedNATS(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	l, err := NewKVLocker(ctx, js, "lost-leases", 900*time.Millisecond, nil)
	require.NoError(t, err)
	id, err := core.ComputeJobID(core.Statepoint{"a": 4})
	require.NoError(t, err)

	held, err := l.Acquire(ctx, id, "victim")
	require.NoError(t, err)
	select {
	case <-held.Lost():
		t.Fatal("fresh lease reported lost")
	default:
	}

	require.NoError(t, l.Break(ctx, id))
	select {
	case <-held.Lost():
	case <-time.After(3 * time.Second):
		t.Fatal("lease loss was not signalled")
	}

	// The new holder's lease survives the old holder's release.
	next, err := l.Acquire(ctx, id, "next")
	require.NoError(t, err)
	require.NoError(t, held.Release(ctx))
	_, err = l.Acquire(ctx, id, "intruder")
	assert.ErrorIs(t, err, core.ErrConcurrentRun)
	require.NoError(t, next.Release(ctx))
}
