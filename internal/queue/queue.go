// Package queue implements the durable offline write queue. Operations are
// persisted before any execution attempt, drained in (priority, age) order
// when connectivity returns, retried with exponential backoff, and parked in
// a dead-letter view once their retry budget is spent.
package queue

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/syncstore/syncstore/pkg/errors"
	"github.com/syncstore/syncstore/pkg/retry"
	"github.com/syncstore/syncstore/pkg/types"
)

// recordPrefix namespaces queue records within the shared durable store,
// keeping them apart from cache entries.
const recordPrefix = "q:op:"

const (
	defaultPriority      = 5
	defaultMaxRetries    = 3
	defaultBaseDelay     = time.Second
	defaultMaxDelay      = 5 * time.Minute
	defaultDrainInterval = 30 * time.Second
)

// Invalidator is invoked after an operation's effect is known to be applied
// on the server, so readers never observe the pre-write cached value.
type Invalidator func(ctx context.Context, tenantID, opType string, variables map[string]string)

// Config configures a Queue. Store and Executor are required.
type Config struct {
	Store    types.Store
	Executor types.Executor

	// BaseDelay and MaxDelay bound the retry backoff curve.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// DefaultMaxRetries applies when EnqueueOptions does not set one.
	DefaultMaxRetries int

	// ConflictStrategy selects how version conflicts are resolved.
	ConflictStrategy types.ConflictStrategy
	// Merge is required when ConflictStrategy is "merge".
	Merge types.MergeFunc

	// DrainInterval paces the background drain loop.
	DrainInterval time.Duration

	// Invalidate, when non-nil, is called after each completed operation.
	Invalidate Invalidator

	Listener types.EventListener
	Logger   *zap.Logger
}

// Queue owns every QueuedOperation lifecycle. All record mutation goes
// through it; nothing else touches the q: keyspace.
type Queue struct {
	store      types.Store
	exec       types.Executor
	baseDelay  time.Duration
	maxDelay   time.Duration
	maxRetries int
	strategy   types.ConflictStrategy
	merge      types.MergeFunc
	interval   time.Duration
	invalidate Invalidator
	listener   types.EventListener
	log        *zap.Logger

	online   atomic.Bool
	draining atomic.Bool
	notifyCh chan struct{}

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New builds a queue. It performs no I/O; call Recover before Start to reset
// operations a previous process left mid-execution.
func New(cfg Config) (*Queue, error) {
	if cfg.Store == nil {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "queue: store is required")
	}
	if cfg.Executor == nil {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "queue: executor is required")
	}
	if cfg.ConflictStrategy == "" {
		cfg.ConflictStrategy = types.ConflictServerWins
	}
	if !cfg.ConflictStrategy.Valid() {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "queue: unknown conflict strategy %q", cfg.ConflictStrategy)
	}
	if cfg.ConflictStrategy == types.ConflictMerge && cfg.Merge == nil {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "queue: merge strategy requires a merge function")
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = defaultMaxRetries
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = defaultDrainInterval
	}
	if cfg.Listener == nil {
		cfg.Listener = types.NopListener{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Queue{
		store:      cfg.Store,
		exec:       cfg.Executor,
		baseDelay:  cfg.BaseDelay,
		maxDelay:   cfg.MaxDelay,
		maxRetries: cfg.DefaultMaxRetries,
		strategy:   cfg.ConflictStrategy,
		merge:      cfg.Merge,
		interval:   cfg.DrainInterval,
		invalidate: cfg.Invalidate,
		listener:   cfg.Listener,
		log:        cfg.Logger,
		notifyCh:   make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}, nil
}

// EnqueueOptions tune a single enqueue.
type EnqueueOptions struct {
	TenantID string
	// Priority orders draining; higher drains first. Defaults to 5.
	Priority int
	// MaxRetries caps execution attempts. Defaults to the queue's setting.
	MaxRetries int
	// IdempotencyKey guards server-side replay. Defaults to the operation ID.
	IdempotencyKey string
}

// Enqueue persists the operation in PENDING state and returns its ID without
// executing it.
func (q *Queue) Enqueue(ctx context.Context, op types.Operation, opts EnqueueOptions) (string, error) {
	rec := q.newRecord(op, opts)
	if err := q.persist(ctx, rec); err != nil {
		return "", errors.Wrap(errors.ErrCodeStorageWrite, "queue: persist failed", err)
	}
	q.listener.QueueEnqueued(rec.ID, rec.TenantID)
	return rec.ID, nil
}

// Submit is the write entry point. Online, the operation executes
// immediately and only enters the queue if it fails transiently; offline, it
// is enqueued untried. Execution failures are absorbed into the queue's
// state machine, never returned to the caller: a non-empty id means the
// operation is (still) queued, an empty id with a nil error means it is
// fully applied or resolved.
func (q *Queue) Submit(ctx context.Context, op types.Operation, opts EnqueueOptions) (string, error) {
	if !q.online.Load() {
		return q.Enqueue(ctx, op, opts)
	}

	rec := q.newRecord(op, opts)
	rec.Status = types.StatusInFlight
	rec.AttemptCount = 1
	rec.LastAttemptAt = time.Now()

	_, err := q.exec.Execute(ctx, rec.Type, rec.Variables, rec.IdempotencyKey)
	switch {
	case err == nil:
		q.applyInvalidation(ctx, rec)
		return "", nil
	case errors.IsConflict(err):
		if err := q.persist(ctx, rec); err != nil {
			return "", errors.Wrap(errors.ErrCodeStorageWrite, "queue: persist failed", err)
		}
		// The record enters the queue before resolution so the drained or
		// dead-lettered event it ends in has a matching enqueue.
		q.listener.QueueEnqueued(rec.ID, rec.TenantID)
		q.resolveConflict(ctx, rec, err)
		return q.idIfQueued(ctx, rec)
	case errors.IsRetryable(err):
		rec.Status = types.StatusPending
		rec.NextAttemptAt = time.Now().Add(retry.Backoff(q.baseDelay, q.maxDelay, rec.AttemptCount))
		if perr := q.persist(ctx, rec); perr != nil {
			return "", errors.Wrap(errors.ErrCodeStorageWrite, "queue: persist failed", perr)
		}
		q.listener.QueueEnqueued(rec.ID, rec.TenantID)
		return rec.ID, nil
	default:
		q.listener.QueueEnqueued(rec.ID, rec.TenantID)
		q.deadLetter(ctx, rec, err)
		return rec.ID, nil
	}
}

// Drain executes due PENDING operations in (priority desc, createdAt asc)
// order. Only one drain runs at a time; concurrent calls coalesce into a
// no-op.
func (q *Queue) Drain(ctx context.Context) error {
	if !q.draining.CompareAndSwap(false, true) {
		return nil
	}
	defer q.draining.Store(false)

	records, err := q.loadAll(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	due := records[:0]
	for _, rec := range records {
		if rec.Status == types.StatusPending && !rec.NextAttemptAt.After(now) {
			due = append(due, rec)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})

	for _, rec := range due {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		q.attempt(ctx, rec)
	}
	return nil
}

// attempt runs one execution of rec and advances its state machine.
func (q *Queue) attempt(ctx context.Context, rec *types.QueuedOperation) {
	rec.Status = types.StatusInFlight
	rec.AttemptCount++
	rec.LastAttemptAt = time.Now()
	// The IN_FLIGHT transition hits storage before execution so a crash here
	// is recoverable.
	if err := q.persist(ctx, rec); err != nil {
		q.log.Warn("queue: persist before execute failed", zap.String("id", rec.ID), zap.Error(err))
		return
	}

	_, err := q.exec.Execute(ctx, rec.Type, rec.Variables, rec.IdempotencyKey)
	switch {
	case err == nil:
		q.complete(ctx, rec)
	case errors.IsConflict(err):
		q.resolveConflict(ctx, rec, err)
	case errors.IsRetryable(err):
		q.recordFailure(ctx, rec, err)
	default:
		q.deadLetter(ctx, rec, err)
	}
}

// complete removes the record and invalidates the keys the operation stales.
// Invalidation happens before the drained event so a reader reacting to the
// event never observes the pre-write value.
func (q *Queue) complete(ctx context.Context, rec *types.QueuedOperation) {
	q.applyInvalidation(ctx, rec)
	if err := q.store.Delete(ctx, recordKey(rec.ID)); err != nil {
		q.log.Warn("queue: completed record removal failed", zap.String("id", rec.ID), zap.Error(err))
	}
	q.listener.QueueDrained(rec.ID, rec.TenantID)
}

// recordFailure books a retryable failure: back to PENDING with backoff, or
// FAILED once the attempt budget is spent.
func (q *Queue) recordFailure(ctx context.Context, rec *types.QueuedOperation, cause error) {
	if rec.AttemptCount >= rec.MaxRetries {
		q.deadLetter(ctx, rec, cause)
		return
	}
	rec.Status = types.StatusPending
	rec.NextAttemptAt = time.Now().Add(retry.Backoff(q.baseDelay, q.maxDelay, rec.AttemptCount))
	if err := q.persist(ctx, rec); err != nil {
		q.log.Warn("queue: retry bookkeeping persist failed", zap.String("id", rec.ID), zap.Error(err))
	}
}

// deadLetter parks the record as FAILED. It stays in storage for inspection
// and Requeue rather than being discarded.
func (q *Queue) deadLetter(ctx context.Context, rec *types.QueuedOperation, cause error) {
	rec.Status = types.StatusFailed
	if cause != nil {
		rec.FailureReason = cause.Error()
	}
	if err := q.persist(ctx, rec); err != nil {
		q.log.Warn("queue: dead-letter persist failed", zap.String("id", rec.ID), zap.Error(err))
	}
	q.log.Warn("queue: operation dead-lettered",
		zap.String("id", rec.ID),
		zap.String("type", rec.Type),
		zap.Int("attempts", rec.AttemptCount),
		zap.String("reason", rec.FailureReason))
	q.listener.QueueDeadLettered(rec.ID, rec.TenantID)
}

// DeadLetters lists FAILED operations, oldest first.
func (q *Queue) DeadLetters(ctx context.Context) ([]types.QueuedOperation, error) {
	records, err := q.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []types.QueuedOperation
	for _, rec := range records {
		if rec.Status == types.StatusFailed {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Requeue returns a dead-lettered operation to PENDING with a fresh retry
// budget.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	rec, err := q.load(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != types.StatusFailed {
		return errors.Newf(errors.ErrCodeInternal, "queue: operation %s is %s, not FAILED", id, rec.Status)
	}
	rec.Status = types.StatusPending
	rec.AttemptCount = 0
	rec.FailureReason = ""
	rec.NextAttemptAt = time.Now()
	return q.persist(ctx, rec)
}

// Recover resets IN_FLIGHT records to PENDING. A record is IN_FLIGHT across
// a restart only when the previous process crashed mid-execution; the
// idempotency key makes the re-execution safe.
func (q *Queue) Recover(ctx context.Context) error {
	records, err := q.loadAll(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.Status != types.StatusInFlight {
			continue
		}
		rec.Status = types.StatusPending
		rec.NextAttemptAt = time.Now()
		if err := q.persist(ctx, rec); err != nil {
			return err
		}
		q.log.Info("queue: recovered in-flight operation", zap.String("id", rec.ID), zap.String("type", rec.Type))
	}
	return nil
}

// Depth counts operations still awaiting completion.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	records, err := q.loadAll(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range records {
		if rec.Status == types.StatusPending || rec.Status == types.StatusInFlight {
			n++
		}
	}
	return n, nil
}

// Pending lists PENDING operations, for inspection.
func (q *Queue) Pending(ctx context.Context) ([]types.QueuedOperation, error) {
	records, err := q.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []types.QueuedOperation
	for _, rec := range records {
		if rec.Status == types.StatusPending {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SetOnline flips the connectivity flag. Going online nudges the drain loop.
func (q *Queue) SetOnline(online bool) {
	was := q.online.Swap(online)
	if online && !was {
		q.NotifyOnline()
	}
}

// Online reports the current connectivity flag.
func (q *Queue) Online() bool { return q.online.Load() }

// NotifyOnline signals the background loop to drain now. Safe to call from
// any goroutine; signals coalesce.
func (q *Queue) NotifyOnline() {
	select {
	case q.notifyCh <- struct{}{}:
	default:
	}
}

// Start launches the background drain loop.
func (q *Queue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return errors.New(errors.ErrCodeAlreadyStarted, "queue: already started")
	}
	q.started = true
	q.wg.Add(1)
	go q.run()
	return nil
}

// Stop terminates the background loop and waits for it to exit.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	q.mu.Unlock()

	close(q.stopCh)
	q.wg.Wait()
}

func (q *Queue) run() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
		case <-q.notifyCh:
		}
		if !q.online.Load() {
			continue
		}
		if err := q.Drain(context.Background()); err != nil {
			q.log.Warn("queue: drain failed", zap.Error(err))
		}
	}
}

func (q *Queue) newRecord(op types.Operation, opts EnqueueOptions) *types.QueuedOperation {
	now := time.Now()
	rec := &types.QueuedOperation{
		ID:             uuid.NewString(),
		Type:           op.OperationType(),
		Variables:      op.OperationVariables(),
		TenantID:       opts.TenantID,
		Priority:       opts.Priority,
		MaxRetries:     opts.MaxRetries,
		CreatedAt:      now,
		NextAttemptAt:  now,
		Status:         types.StatusPending,
		IdempotencyKey: opts.IdempotencyKey,
	}
	if rec.Priority == 0 {
		rec.Priority = defaultPriority
	}
	if rec.MaxRetries <= 0 {
		rec.MaxRetries = q.maxRetries
	}
	if rec.IdempotencyKey == "" {
		rec.IdempotencyKey = rec.ID
	}
	return rec
}

func (q *Queue) applyInvalidation(ctx context.Context, rec *types.QueuedOperation) {
	if q.invalidate != nil {
		q.invalidate(ctx, rec.TenantID, rec.Type, rec.Variables)
	}
}

// idIfQueued returns the record's id when it still exists in storage, so
// Submit's contract (empty id means resolved) holds after conflict handling.
func (q *Queue) idIfQueued(ctx context.Context, rec *types.QueuedOperation) (string, error) {
	if _, ok, err := q.store.Get(ctx, recordKey(rec.ID)); err == nil && !ok {
		return "", nil
	}
	return rec.ID, nil
}

func (q *Queue) persist(ctx context.Context, rec *types.QueuedOperation) error {
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return err
	}
	return q.store.Set(ctx, recordKey(rec.ID), data)
}

func (q *Queue) load(ctx context.Context, id string) (*types.QueuedOperation, error) {
	data, ok, err := q.store.Get(ctx, recordKey(id))
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStorageRead, "queue: record read failed", err)
	}
	if !ok {
		return nil, errors.NotFound(id)
	}
	rec := new(types.QueuedOperation)
	if err := msgpack.Unmarshal(data, rec); err != nil {
		return nil, errors.Wrap(errors.ErrCodeCorruptRecord, "queue: record decode failed", err)
	}
	return rec, nil
}

func (q *Queue) loadAll(ctx context.Context) ([]*types.QueuedOperation, error) {
	keys, err := q.store.ScanPrefix(ctx, recordPrefix)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStorageRead, "queue: scan failed", err)
	}
	records := make([]*types.QueuedOperation, 0, len(keys))
	for _, key := range keys {
		data, ok, err := q.store.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		rec := new(types.QueuedOperation)
		if err := msgpack.Unmarshal(data, rec); err != nil {
			// a corrupt record can never execute; drop it rather than wedge
			// the drain loop on it forever
			q.log.Warn("queue: dropping corrupt record", zap.String("key", key), zap.Error(err))
			_ = q.store.Delete(ctx, key)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func recordKey(id string) string { return recordPrefix + id }
