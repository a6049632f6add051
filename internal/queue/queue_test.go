package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/syncstore/syncstore/internal/cache"
	"github.com/syncstore/syncstore/internal/invalidation"
	"github.com/syncstore/syncstore/internal/metrics"
	"github.com/syncstore/syncstore/internal/store/fsstore"
	"github.com/syncstore/syncstore/internal/store/memstore"
	"github.com/syncstore/syncstore/pkg/errors"
	"github.com/syncstore/syncstore/pkg/types"
)

// updateCustomer is a typed write operation, the shape business code
// submits to the queue.
type updateCustomer struct {
	id   string
	name string
}

func (u updateCustomer) OperationType() string { return "updateCustomer" }

func (u updateCustomer) OperationVariables() map[string]string {
	return map[string]string{"customerId": u.id, "name": u.name}
}

type execCall struct {
	opType    string
	variables map[string]string
	idemKey   string
}

// stubExecutor scripts executor behavior per call and records every call.
type stubExecutor struct {
	mu    sync.Mutex
	calls []execCall
	fn    func(call int) ([]byte, error)
}

func (s *stubExecutor) Execute(_ context.Context, opType string, variables map[string]string, idemKey string) ([]byte, error) {
	s.mu.Lock()
	n := len(s.calls)
	s.calls = append(s.calls, execCall{opType: opType, variables: variables, idemKey: idemKey})
	fn := s.fn
	s.mu.Unlock()
	if fn == nil {
		return []byte("ok"), nil
	}
	return fn(n)
}

func (s *stubExecutor) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func newTestQueue(t *testing.T, store types.Store, exec types.Executor, mutate func(*Config)) *Queue {
	t.Helper()
	if store == nil {
		store = memstore.New()
	}
	if exec == nil {
		exec = &stubExecutor{}
	}
	cfg := Config{
		Store:     store,
		Executor:  exec,
		BaseDelay: time.Millisecond,
		MaxDelay:  10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	q, err := New(cfg)
	require.NoError(t, err)
	return q
}

func TestEnqueueDurableAcrossRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := fsstore.New(fsstore.Config{Directory: dir})
	require.NoError(t, err)
	q := newTestQueue(t, store, nil, nil)

	const n = 5
	for i := 0; i < n; i++ {
		_, err := q.Enqueue(ctx, updateCustomer{id: "42", name: "Acme"}, EnqueueOptions{TenantID: "acme"})
		require.NoError(t, err)
	}
	require.NoError(t, store.Close(ctx))

	// A new store over the same directory is the restarted process.
	store2, err := fsstore.New(fsstore.Config{Directory: dir})
	require.NoError(t, err)
	q2 := newTestQueue(t, store2, nil, nil)
	require.NoError(t, q2.Recover(ctx))

	pending, err := q2.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, n)
	for _, op := range pending {
		assert.Equal(t, types.StatusPending, op.Status)
		assert.Equal(t, "updateCustomer", op.Type)
	}
}

func TestOfflineWriteDrainsAndInvalidates(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	m, err := cache.NewManager(cache.Options{L1MaxEntries: 16, Store: store})
	require.NoError(t, err)
	require.NoError(t, m.Set(ctx, "customer:42", []byte("stale"), types.SetOptions{TenantID: "acme"}))

	reg := invalidation.NewRegistry(invalidation.Rule{
		OperationType: "updateCustomer",
		KeyPatterns:   []string{"customer:{customerId}"},
	})

	exec := &stubExecutor{}
	q := newTestQueue(t, store, exec, func(cfg *Config) {
		cfg.Invalidate = func(ctx context.Context, tenantID, opType string, vars map[string]string) {
			reg.Apply(ctx, m, zap.NewNop(), tenantID, opType, vars)
		}
	})

	// Offline: the write is queued, not executed.
	id, err := q.Submit(ctx, updateCustomer{id: "42", name: "Acme"}, EnqueueOptions{TenantID: "acme", MaxRetries: 2})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.Zero(t, exec.callCount())

	// Network returns; the drain succeeds on the first attempt.
	q.SetOnline(true)
	require.NoError(t, q.Drain(ctx))

	assert.Equal(t, 1, exec.callCount())
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	dead, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Empty(t, dead)

	// The stale entry was invalidated by the completed write.
	_, err = m.Get(ctx, "customer:42", types.GetOptions{TenantID: "acme"})
	assert.True(t, errors.IsNotFound(err))
}

func TestRetryExhaustionExactAttemptCount(t *testing.T) {
	ctx := context.Background()
	exec := &stubExecutor{
		fn: func(int) ([]byte, error) {
			return nil, errors.Transient("network unreachable", nil)
		},
	}
	q := newTestQueue(t, nil, exec, nil)

	id, err := q.Enqueue(ctx, updateCustomer{id: "42", name: "Acme"}, EnqueueOptions{TenantID: "acme", MaxRetries: 3})
	require.NoError(t, err)

	// Drain past the retry budget; attempts stop at exactly MaxRetries.
	for i := 0; i < 6; i++ {
		time.Sleep(25 * time.Millisecond)
		require.NoError(t, q.Drain(ctx))
	}
	assert.Equal(t, 3, exec.callCount())

	dead, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].ID)
	assert.Equal(t, types.StatusFailed, dead[0].Status)
	assert.Equal(t, 3, dead[0].AttemptCount)
	assert.NotEmpty(t, dead[0].FailureReason)
}

func TestDrainOrderPriorityThenAge(t *testing.T) {
	ctx := context.Background()
	exec := &stubExecutor{}
	q := newTestQueue(t, nil, exec, nil)

	enqueue := func(name string, priority int) {
		_, err := q.Enqueue(ctx, updateCustomer{id: name, name: name}, EnqueueOptions{TenantID: "acme", Priority: priority})
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}
	enqueue("low-old", 1)
	enqueue("high-old", 9)
	enqueue("high-new", 9)
	enqueue("mid", 5)

	require.NoError(t, q.Drain(ctx))

	require.Len(t, exec.calls, 4)
	var order []string
	for _, c := range exec.calls {
		order = append(order, c.variables["customerId"])
	}
	assert.Equal(t, []string{"high-old", "high-new", "mid", "low-old"}, order)
}

func TestDrainCoalesced(t *testing.T) {
	ctx := context.Background()
	gate := make(chan struct{})
	exec := &stubExecutor{
		fn: func(int) ([]byte, error) {
			<-gate
			return []byte("ok"), nil
		},
	}
	q := newTestQueue(t, nil, exec, nil)
	_, err := q.Enqueue(ctx, updateCustomer{id: "42", name: "Acme"}, EnqueueOptions{TenantID: "acme"})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Drain(ctx)
	}()

	// Wait for the first drain to block inside the executor, then the
	// second call must coalesce to a no-op.
	require.Eventually(t, func() bool { return exec.callCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, q.Drain(ctx))
	assert.Equal(t, 1, exec.callCount())

	close(gate)
	<-done
}

func TestRecoverResetsInFlight(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	q := newTestQueue(t, store, nil, nil)

	id, err := q.Enqueue(ctx, updateCustomer{id: "42", name: "Acme"}, EnqueueOptions{TenantID: "acme"})
	require.NoError(t, err)

	// Simulate a crash mid-execution by marking the record IN_FLIGHT by
	// hand.
	rec, err := q.load(ctx, id)
	require.NoError(t, err)
	rec.Status = types.StatusInFlight
	require.NoError(t, q.persist(ctx, rec))

	require.NoError(t, q.Recover(ctx))

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, types.StatusPending, pending[0].Status)
}

func TestSubmitOnlineExecutesImmediately(t *testing.T) {
	ctx := context.Background()
	exec := &stubExecutor{}

	var invalidated bool
	q := newTestQueue(t, nil, exec, func(cfg *Config) {
		cfg.Invalidate = func(context.Context, string, string, map[string]string) { invalidated = true }
	})
	q.SetOnline(true)

	id, err := q.Submit(ctx, updateCustomer{id: "42", name: "Acme"}, EnqueueOptions{TenantID: "acme"})
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Equal(t, 1, exec.callCount())
	assert.True(t, invalidated)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestSubmitOnlineTransientFailureEnqueues(t *testing.T) {
	ctx := context.Background()
	exec := &stubExecutor{
		fn: func(call int) ([]byte, error) {
			if call == 0 {
				return nil, errors.Transient("flaky", nil)
			}
			return []byte("ok"), nil
		},
	}
	q := newTestQueue(t, nil, exec, nil)
	q.SetOnline(true)

	id, err := q.Submit(ctx, updateCustomer{id: "42", name: "Acme"}, EnqueueOptions{TenantID: "acme"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].AttemptCount)

	time.Sleep(25 * time.Millisecond)
	require.NoError(t, q.Drain(ctx))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
	assert.Equal(t, 2, exec.callCount())
}

func TestConflictServerWins(t *testing.T) {
	ctx := context.Background()
	exec := &stubExecutor{
		fn: func(int) ([]byte, error) {
			return nil, errors.Conflict("version mismatch", []byte(`{"name":"Server"}`))
		},
	}

	var invalidations int
	q := newTestQueue(t, nil, exec, func(cfg *Config) {
		cfg.ConflictStrategy = types.ConflictServerWins
		cfg.Invalidate = func(context.Context, string, string, map[string]string) { invalidations++ }
	})

	_, err := q.Enqueue(ctx, updateCustomer{id: "42", name: "Acme"}, EnqueueOptions{TenantID: "acme"})
	require.NoError(t, err)
	require.NoError(t, q.Drain(ctx))

	// The local operation is dropped after invalidating its keys.
	assert.Equal(t, 1, exec.callCount())
	assert.Equal(t, 1, invalidations)
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
	dead, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestConflictClientWins(t *testing.T) {
	ctx := context.Background()
	exec := &stubExecutor{
		fn: func(call int) ([]byte, error) {
			if call == 0 {
				return nil, errors.Conflict("version mismatch", nil)
			}
			return []byte("ok"), nil
		},
	}
	q := newTestQueue(t, nil, exec, func(cfg *Config) {
		cfg.ConflictStrategy = types.ConflictClientWins
	})

	_, err := q.Enqueue(ctx, updateCustomer{id: "42", name: "Acme"}, EnqueueOptions{TenantID: "acme"})
	require.NoError(t, err)
	require.NoError(t, q.Drain(ctx))

	// Conflict, then an unconditional reissue that sticks.
	assert.Equal(t, 2, exec.callCount())
	assert.Equal(t, exec.calls[0].variables, exec.calls[1].variables)
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestConflictMerge(t *testing.T) {
	ctx := context.Background()
	exec := &stubExecutor{
		fn: func(call int) ([]byte, error) {
			if call == 0 {
				return nil, errors.Conflict("version mismatch", []byte(`server-v7`))
			}
			return []byte("ok"), nil
		},
	}

	var gotState []byte
	q := newTestQueue(t, nil, exec, func(cfg *Config) {
		cfg.ConflictStrategy = types.ConflictMerge
		cfg.Merge = func(local map[string]string, serverState []byte) (map[string]string, error) {
			gotState = serverState
			merged := map[string]string{"customerId": local["customerId"], "name": local["name"] + "+merged"}
			return merged, nil
		}
	})

	_, err := q.Enqueue(ctx, updateCustomer{id: "42", name: "Acme"}, EnqueueOptions{TenantID: "acme"})
	require.NoError(t, err)
	require.NoError(t, q.Drain(ctx))

	require.Equal(t, 2, exec.callCount())
	assert.Equal(t, []byte("server-v7"), gotState)
	assert.Equal(t, "Acme+merged", exec.calls[1].variables["name"])
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestConflictManualDeadLetters(t *testing.T) {
	ctx := context.Background()
	exec := &stubExecutor{
		fn: func(int) ([]byte, error) {
			return nil, errors.Conflict("version mismatch", nil)
		},
	}
	q := newTestQueue(t, nil, exec, func(cfg *Config) {
		cfg.ConflictStrategy = types.ConflictManual
	})

	id, err := q.Enqueue(ctx, updateCustomer{id: "42", name: "Acme"}, EnqueueOptions{TenantID: "acme"})
	require.NoError(t, err)
	require.NoError(t, q.Drain(ctx))

	assert.Equal(t, 1, exec.callCount())
	dead, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].ID)
}

func TestFatalFailureDeadLettersImmediately(t *testing.T) {
	ctx := context.Background()
	exec := &stubExecutor{
		fn: func(int) ([]byte, error) {
			return nil, errors.Fatal("operation rejected", nil)
		},
	}
	q := newTestQueue(t, nil, exec, nil)

	_, err := q.Enqueue(ctx, updateCustomer{id: "42", name: "Acme"}, EnqueueOptions{TenantID: "acme", MaxRetries: 5})
	require.NoError(t, err)
	require.NoError(t, q.Drain(ctx))

	assert.Equal(t, 1, exec.callCount())
	dead, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Len(t, dead, 1)
}

func TestRequeueDeadLetter(t *testing.T) {
	ctx := context.Background()
	exec := &stubExecutor{
		fn: func(call int) ([]byte, error) {
			if call == 0 {
				return nil, errors.Fatal("rejected", nil)
			}
			return []byte("ok"), nil
		},
	}
	q := newTestQueue(t, nil, exec, nil)

	id, err := q.Enqueue(ctx, updateCustomer{id: "42", name: "Acme"}, EnqueueOptions{TenantID: "acme"})
	require.NoError(t, err)
	require.NoError(t, q.Drain(ctx))

	require.NoError(t, q.Requeue(ctx, id))
	require.NoError(t, q.Drain(ctx))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
	dead, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestBackgroundLoopDrainsOnReconnect(t *testing.T) {
	ctx := context.Background()
	exec := &stubExecutor{}
	q := newTestQueue(t, nil, exec, func(cfg *Config) {
		cfg.DrainInterval = time.Hour
	})

	_, err := q.Enqueue(ctx, updateCustomer{id: "42", name: "Acme"}, EnqueueOptions{TenantID: "acme"})
	require.NoError(t, err)

	require.NoError(t, q.Start())
	defer q.Stop()

	q.SetOnline(true)
	require.Eventually(t, func() bool { return exec.callCount() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestSubmitEventsKeepQueueDepthBalanced(t *testing.T) {
	ctx := context.Background()

	t.Run("fatal", func(t *testing.T) {
		rec, err := metrics.NewRecorder()
		require.NoError(t, err)
		exec := &stubExecutor{fn: func(int) ([]byte, error) {
			return nil, errors.Fatal("schema rejected", nil)
		}}
		q := newTestQueue(t, nil, exec, func(cfg *Config) { cfg.Listener = rec })
		q.SetOnline(true)

		id, err := q.Submit(ctx, updateCustomer{id: "42", name: "Acme"}, EnqueueOptions{TenantID: "acme"})
		require.NoError(t, err)
		require.NotEmpty(t, id)

		snap := rec.Snapshot()
		assert.Equal(t, int64(0), snap.QueueDepth)
		assert.Equal(t, int64(1), snap.DeadLetters)
	})

	t.Run("conflict resolved inline", func(t *testing.T) {
		rec, err := metrics.NewRecorder()
		require.NoError(t, err)
		exec := &stubExecutor{fn: func(int) ([]byte, error) {
			return nil, errors.Conflict("version mismatch", nil)
		}}
		q := newTestQueue(t, nil, exec, func(cfg *Config) {
			cfg.Listener = rec
			cfg.ConflictStrategy = types.ConflictServerWins
		})
		q.SetOnline(true)

		id, err := q.Submit(ctx, updateCustomer{id: "42", name: "Acme"}, EnqueueOptions{TenantID: "acme"})
		require.NoError(t, err)
		assert.Empty(t, id)

		assert.Equal(t, int64(0), rec.Snapshot().QueueDepth)
	})
}
