// Package engine wires the cache tiers, invalidation rules, offline queue,
// warming scheduler, and metrics recorder into one explicit context object.
// A process constructs one Engine and passes it to every consumer; there is
// no global instance.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/syncstore/syncstore/internal/broadcast"
	"github.com/syncstore/syncstore/internal/cache"
	"github.com/syncstore/syncstore/internal/invalidation"
	"github.com/syncstore/syncstore/internal/metrics"
	"github.com/syncstore/syncstore/internal/queue"
	"github.com/syncstore/syncstore/internal/store/memstore"
	"github.com/syncstore/syncstore/internal/warming"
	"github.com/syncstore/syncstore/pkg/errors"
	"github.com/syncstore/syncstore/pkg/logging"
	"github.com/syncstore/syncstore/pkg/types"
)

const gaugeRefreshInterval = 15 * time.Second

// Engine is the process-wide cache and synchronization context.
type Engine struct {
	cfg       Config
	log       *zap.Logger
	store     types.Store
	cache     *cache.Manager
	rules     *invalidation.Registry
	queue     *queue.Queue
	warming   *warming.Scheduler
	recorder  *metrics.Recorder
	publisher broadcast.Publisher

	mu      sync.Mutex
	tenant  string
	started bool
	closed  bool
	stopCh  chan struct{}
	rearmCh chan struct{}
	wg      sync.WaitGroup
}

type options struct {
	logger    *zap.Logger
	store     types.Store
	executor  types.Executor
	merge     types.MergeFunc
	publisher broadcast.Publisher
	registry  prometheus.Registerer
	listeners []types.EventListener
	tasks     []types.WarmingTask
}

// Option customizes an Engine.
type Option func(*options)

// WithLogger sets the engine's logger.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.logger = log }
}

// WithStore sets the durable store backing L2 and the offline queue.
// Defaults to an in-memory store, which gives no durability across restarts.
func WithStore(s types.Store) Option {
	return func(o *options) { o.store = s }
}

// WithExecutor injects the network capability that executes write
// operations. Required.
func WithExecutor(e types.Executor) Option {
	return func(o *options) { o.executor = e }
}

// WithMergeFunc supplies the merge used under the "merge" conflict strategy.
func WithMergeFunc(m types.MergeFunc) Option {
	return func(o *options) { o.merge = m }
}

// WithBroadcast sets the cross-process key-change publisher. Defaults to a
// no-op.
func WithBroadcast(p broadcast.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithPrometheusRegistry overrides the registry metrics register against.
func WithPrometheusRegistry(reg prometheus.Registerer) Option {
	return func(o *options) { o.registry = reg }
}

// WithListener adds an event listener alongside the metrics recorder.
func WithListener(l types.EventListener) Option {
	return func(o *options) { o.listeners = append(o.listeners, l) }
}

// WithWarmingTasks registers warming tasks at construction.
func WithWarmingTasks(tasks []types.WarmingTask) Option {
	return func(o *options) { o.tasks = append(o.tasks, tasks...) }
}

// New builds an engine from the configuration. The engine starts offline;
// call SetOnline once connectivity is established.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.executor == nil {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "engine: an executor is required")
	}
	if o.logger == nil {
		if cfg.Logging != (logging.Config{}) {
			log, err := logging.New(cfg.Logging)
			if err != nil {
				return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "engine: bad logging config", err)
			}
			o.logger = log
		} else {
			o.logger = zap.NewNop()
		}
	}
	if o.store == nil {
		o.store = memstore.New()
	}
	if o.publisher == nil {
		o.publisher = broadcast.Noop{}
	}

	var recorderOpts []metrics.Option
	if o.registry != nil {
		recorderOpts = append(recorderOpts, metrics.WithPrometheus(o.registry))
	} else if cfg.Metrics.Prometheus {
		recorderOpts = append(recorderOpts, metrics.WithPrometheus(prometheus.DefaultRegisterer))
	}
	recorder, err := metrics.NewRecorder(recorderOpts...)
	if err != nil {
		return nil, err
	}

	listener := types.MultiListener(append([]types.EventListener{recorder}, o.listeners...))

	manager, err := cache.NewManager(cache.Options{
		L1MaxEntries: cfg.Cache.L1MaxEntries,
		L1MaxBytes:   cfg.l1MaxBytes(),
		Store:        o.store,
		DefaultTTL:   cfg.Cache.L2DefaultTTL,
		Listener:     listener,
		Logger:       o.logger.Named("cache"),
		LatencyHook:  recorder.ObserveLatency,
	})
	if err != nil {
		return nil, err
	}

	rules := invalidation.NewRegistry(cfg.Rules...)

	e := &Engine{
		cfg:       cfg,
		log:       o.logger,
		store:     o.store,
		cache:     manager,
		rules:     rules,
		recorder:  recorder,
		publisher: o.publisher,
		stopCh:    make(chan struct{}),
		rearmCh:   make(chan struct{}, 1),
	}

	e.queue, err = queue.New(queue.Config{
		Store:             o.store,
		Executor:          o.executor,
		BaseDelay:         cfg.OfflineQueue.BaseDelay,
		MaxDelay:          cfg.OfflineQueue.MaxDelay,
		DefaultMaxRetries: cfg.OfflineQueue.MaxRetries,
		ConflictStrategy:  cfg.OfflineQueue.ConflictStrategy,
		Merge:             o.merge,
		DrainInterval:     cfg.OfflineQueue.DrainInterval,
		Invalidate:        e.invalidateForOperation,
		Listener:          listener,
		Logger:            o.logger.Named("queue"),
	})
	if err != nil {
		return nil, err
	}

	e.warming = warming.NewScheduler(manager,
		warming.WithLogger(o.logger.Named("warming")),
		warming.WithConcurrency(cfg.Warming.Concurrency),
	)
	if len(o.tasks) > 0 {
		if err := e.warming.RegisterTasks(o.tasks); err != nil {
			return nil, err
		}
	}

	return e, nil
}

// Start recovers interrupted queue operations, subscribes to peer
// invalidations, and launches the background loops.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New(errors.ErrCodeClosed, "engine: closed")
	}
	if e.started {
		return errors.New(errors.ErrCodeAlreadyStarted, "engine: already started")
	}

	if err := e.queue.Recover(ctx); err != nil {
		return err
	}
	if err := e.queue.Start(); err != nil {
		return err
	}
	if err := e.publisher.Subscribe(ctx, e.onNotice); err != nil {
		e.queue.Stop()
		return err
	}

	e.started = true
	e.wg.Add(1)
	go e.run()
	return nil
}

// Close stops the background loops and releases the durable store.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	started := e.started
	e.started = false
	e.mu.Unlock()

	if started {
		close(e.stopCh)
	}
	e.wg.Wait()
	if started {
		e.queue.Stop()
	}
	if err := e.publisher.Close(); err != nil {
		e.log.Warn("engine: broadcast close failed", zap.Error(err))
	}
	return e.store.Close(ctx)
}

// run refreshes gauges and drives interval-triggered warming. The warming
// timer re-arms from the scheduler's smallest interval after every pass and
// whenever tasks are registered, so interval tasks added after Start still
// fire.
func (e *Engine) run() {
	defer e.wg.Done()

	gauges := time.NewTicker(gaugeRefreshInterval)
	defer gauges.Stop()

	warmTimer := time.NewTimer(time.Hour)
	warmTimer.Stop()
	defer warmTimer.Stop()

	var warmC <-chan time.Time
	arm := func() {
		if iv := e.warming.MinInterval(); iv > 0 {
			warmTimer.Reset(iv)
			warmC = warmTimer.C
		} else {
			warmC = nil
		}
	}
	arm()

	for {
		select {
		case <-e.stopCh:
			return
		case <-gauges.C:
			e.refreshGauges(context.Background())
		case <-e.rearmCh:
			warmTimer.Stop()
			arm()
		case <-warmC:
			e.warming.RunTriggered(context.Background(), warming.TriggerInterval, warming.Context{TenantID: e.CurrentTenant()})
			arm()
		}
	}
}

// Get reads through the cache hierarchy. An empty TenantID uses the current
// tenant.
func (e *Engine) Get(ctx context.Context, key string, opts types.GetOptions) ([]byte, error) {
	e.fillTenant(&opts.TenantID)
	return e.cache.Get(ctx, key, opts)
}

// Set writes through both cache tiers.
func (e *Engine) Set(ctx context.Context, key string, value []byte, opts types.SetOptions) error {
	e.fillTenant(&opts.TenantID)
	return e.cache.Set(ctx, key, value, opts)
}

// Delete removes a key from both tiers and announces it to peers.
func (e *Engine) Delete(ctx context.Context, tenantID, key string) error {
	e.fillTenant(&tenantID)
	if err := e.cache.Delete(ctx, tenantID, key); err != nil {
		return err
	}
	e.publish(ctx, tenantID, []string{key}, nil)
	return nil
}

// InvalidatePattern evicts matching entries locally and announces the
// pattern to peers.
func (e *Engine) InvalidatePattern(ctx context.Context, tenantID, pattern string) (int, error) {
	e.fillTenant(&tenantID)
	n, err := e.cache.InvalidatePattern(ctx, tenantID, pattern)
	if err != nil {
		return n, err
	}
	e.publish(ctx, tenantID, []string{pattern}, nil)
	return n, nil
}

// InvalidateByTag evicts tagged entries locally and announces the tag to
// peers.
func (e *Engine) InvalidateByTag(ctx context.Context, tenantID, tag string) (int, error) {
	e.fillTenant(&tenantID)
	n, err := e.cache.InvalidateByTag(ctx, tenantID, tag)
	if err != nil {
		return n, err
	}
	e.publish(ctx, tenantID, nil, []string{tag})
	return n, nil
}

// Submit hands a write operation to the offline queue: executed immediately
// when online, queued for the drain loop otherwise.
func (e *Engine) Submit(ctx context.Context, op types.Operation, opts queue.EnqueueOptions) (string, error) {
	e.fillTenant(&opts.TenantID)
	return e.queue.Submit(ctx, op, opts)
}

// Enqueue persists a write operation without attempting execution.
func (e *Engine) Enqueue(ctx context.Context, op types.Operation, opts queue.EnqueueOptions) (string, error) {
	e.fillTenant(&opts.TenantID)
	return e.queue.Enqueue(ctx, op, opts)
}

// Drain forces a synchronous drain pass.
func (e *Engine) Drain(ctx context.Context) error { return e.queue.Drain(ctx) }

// SetOnline flips connectivity. Coming online nudges the drain loop.
func (e *Engine) SetOnline(online bool) { e.queue.SetOnline(online) }

// Online reports the connectivity flag.
func (e *Engine) Online() bool { return e.queue.Online() }

// NotifyOnline signals the drain loop that connectivity returned.
func (e *Engine) NotifyOnline() { e.queue.NotifyOnline() }

// DeadLetters lists operations that exhausted their retry budget.
func (e *Engine) DeadLetters(ctx context.Context) ([]types.QueuedOperation, error) {
	return e.queue.DeadLetters(ctx)
}

// Requeue returns a dead-lettered operation to the drain loop.
func (e *Engine) Requeue(ctx context.Context, id string) error {
	return e.queue.Requeue(ctx, id)
}

// QueueDepth counts operations awaiting completion.
func (e *Engine) QueueDepth(ctx context.Context) (int, error) {
	return e.queue.Depth(ctx)
}

// RegisterWarmingTasks adds warming tasks after construction and re-arms
// the interval warming timer for them.
func (e *Engine) RegisterWarmingTasks(tasks []types.WarmingTask) error {
	if err := e.warming.RegisterTasks(tasks); err != nil {
		return err
	}
	select {
	case e.rearmCh <- struct{}{}:
	default:
	}
	return nil
}

// MountScope fires mount-triggered warming for the tenant in the
// background.
func (e *Engine) MountScope(ctx context.Context, tenantID string) {
	e.fillTenant(&tenantID)
	e.runWarming(warming.TriggerMount, tenantID)
}

// SwitchTenant makes tenantID the engine's current tenant and fires
// tenant-change warming in the background. Entries of the previous tenant
// stay cached under their own prefix.
func (e *Engine) SwitchTenant(ctx context.Context, tenantID string) {
	e.mu.Lock()
	e.tenant = tenantID
	e.mu.Unlock()
	e.runWarming(warming.TriggerTenantChange, tenantID)
}

// CurrentTenant returns the tenant used when calls pass none.
func (e *Engine) CurrentTenant() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tenant
}

// Snapshot refreshes the gauges and returns the current counters.
func (e *Engine) Snapshot(ctx context.Context) types.MetricsSnapshot {
	e.refreshGauges(ctx)
	return e.recorder.Snapshot()
}

// Health classifies the current snapshot against the configured thresholds.
func (e *Engine) Health(ctx context.Context) types.HealthReport {
	return metrics.Classify(e.Snapshot(ctx), e.cfg.Metrics.Thresholds)
}

// invalidateForOperation is the queue's post-commit hook: apply the rules
// locally, then tell peers what was staled.
func (e *Engine) invalidateForOperation(ctx context.Context, tenantID, opType string, variables map[string]string) {
	e.rules.Apply(ctx, e.cache, e.log.Named("invalidation"), tenantID, opType, variables)
	patterns, tags := e.rules.ComputeAffected(opType, variables)
	e.publish(ctx, tenantID, patterns, tags)
}

// onNotice applies a peer's invalidation to the local tiers.
func (e *Engine) onNotice(ctx context.Context, n broadcast.Notice) {
	for _, pattern := range n.Patterns {
		if _, err := e.cache.InvalidatePattern(ctx, n.TenantID, pattern); err != nil {
			e.log.Warn("engine: peer invalidation failed",
				zap.String("pattern", pattern), zap.Error(err))
		}
	}
	for _, tag := range n.Tags {
		if _, err := e.cache.InvalidateByTag(ctx, n.TenantID, tag); err != nil {
			e.log.Warn("engine: peer tag invalidation failed",
				zap.String("tag", tag), zap.Error(err))
		}
	}
}

func (e *Engine) publish(ctx context.Context, tenantID string, patterns, tags []string) {
	if len(patterns) == 0 && len(tags) == 0 {
		return
	}
	if err := e.publisher.Publish(ctx, tenantID, patterns, tags); err != nil {
		e.log.Warn("engine: broadcast publish failed", zap.Error(err))
	}
}

func (e *Engine) runWarming(trigger warming.Trigger, tenantID string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		e.warming.RunTriggered(context.Background(), trigger, warming.Context{TenantID: tenantID})
	}()
}

func (e *Engine) refreshGauges(ctx context.Context) {
	e.recorder.SetMemoryBytes(e.cache.Stats().L1Bytes)
	if depth, err := e.queue.Depth(ctx); err == nil {
		e.recorder.SetQueueDepth(int64(depth))
	}
	if dead, err := e.queue.DeadLetters(ctx); err == nil {
		e.recorder.SetDeadLetters(int64(len(dead)))
	}
}

func (e *Engine) fillTenant(tenantID *string) {
	if *tenantID == "" {
		*tenantID = e.CurrentTenant()
	}
}
