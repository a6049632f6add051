// Package warming proactively populates known-hot cache keys. Tasks are
// declared once at configuration time with a trigger, a priority, and
// optional dependencies on other tasks; firing a trigger warms the matching
// tasks in dependency order. Warming is advisory: a failed task is logged
// and never affects siblings or correctness.
package warming

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/syncstore/syncstore/pkg/errors"
	"github.com/syncstore/syncstore/pkg/types"
)

// Trigger identifies the event that fires a warming pass.
type Trigger int

const (
	TriggerMount Trigger = iota
	TriggerTenantChange
	TriggerInterval
)

func (t Trigger) String() string {
	switch t {
	case TriggerMount:
		return "mount"
	case TriggerTenantChange:
		return "tenant-change"
	case TriggerInterval:
		return "interval"
	default:
		return "unknown"
	}
}

// Context carries the scope a warming pass runs under.
type Context struct {
	TenantID string
}

const defaultConcurrency = 4

// Scheduler holds the task registry and runs triggered warming passes.
type Scheduler struct {
	cache       types.TieredCache
	log         *zap.Logger
	concurrency int

	mu      sync.Mutex
	tasks   map[string]*types.WarmingTask
	order   []string
	rank    map[string]int
	lastRun map[string]time.Time
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler's logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// WithConcurrency bounds how many independent tasks warm in parallel.
func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func NewScheduler(cache types.TieredCache, opts ...Option) *Scheduler {
	s := &Scheduler{
		cache:       cache,
		log:         zap.NewNop(),
		concurrency: defaultConcurrency,
		tasks:       make(map[string]*types.WarmingTask),
		rank:        make(map[string]int),
		lastRun:     make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterTasks adds tasks to the registry. Dependencies must reference keys
// registered in this call or earlier ones, and the combined dependency graph
// must stay acyclic; violations fail fast with a configuration error.
func (s *Scheduler) RegisterTasks(tasks []types.WarmingTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := make(map[string]*types.WarmingTask, len(s.tasks)+len(tasks))
	for k, t := range s.tasks {
		merged[k] = t
	}
	for i := range tasks {
		t := tasks[i]
		if t.Key == "" {
			return errors.New(errors.ErrCodeConfigValidation, "warming: task key must not be empty")
		}
		if t.Loader == nil {
			return errors.Newf(errors.ErrCodeConfigValidation, "warming: task %q has no loader", t.Key)
		}
		if _, dup := merged[t.Key]; dup {
			return errors.Newf(errors.ErrCodeConfigValidation, "warming: duplicate task %q", t.Key)
		}
		merged[t.Key] = &t
	}
	for _, t := range merged {
		for _, dep := range t.Dependencies {
			if _, ok := merged[dep]; !ok {
				return errors.Newf(errors.ErrCodeConfigValidation,
					"warming: task %q depends on unregistered key %q", t.Key, dep)
			}
		}
	}

	order, rank, err := toposort(merged)
	if err != nil {
		return err
	}

	s.tasks = merged
	s.order = order
	s.rank = rank
	return nil
}

// RunTriggered warms every task matching the trigger, in dependency rank
// order and by priority within a rank. It blocks until the pass completes;
// callers that must not block run it on their own goroutine.
func (s *Scheduler) RunTriggered(ctx context.Context, trigger Trigger, wctx Context) {
	ranks := s.selectRanks(trigger)
	if len(ranks) == 0 {
		return
	}

	s.log.Debug("warming pass",
		zap.String("trigger", trigger.String()),
		zap.String("tenant", wctx.TenantID))

	for _, rank := range ranks {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.concurrency)
		for _, task := range rank {
			task := task
			g.Go(func() error {
				s.warm(gctx, task, wctx)
				return nil
			})
		}
		_ = g.Wait()
	}
}

// warm populates one key through the cache's normal miss path.
func (s *Scheduler) warm(ctx context.Context, task *types.WarmingTask, wctx Context) {
	_, err := s.cache.Get(ctx, task.Key, types.GetOptions{
		TenantID: wctx.TenantID,
		Loader:   task.Loader,
		TTL:      task.TTL,
		Tags:     task.Tags,
	})
	if err != nil {
		s.log.Warn("warming task failed",
			zap.String("key", task.Key),
			zap.String("tenant", wctx.TenantID),
			zap.Error(err))
		return
	}

	s.mu.Lock()
	s.lastRun[task.Key] = time.Now()
	s.mu.Unlock()
}

// selectRanks snapshots the tasks matching the trigger, grouped by
// dependency rank and priority-sorted within each rank.
func (s *Scheduler) selectRanks(trigger Trigger) [][]*types.WarmingTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	byRank := make(map[int][]*types.WarmingTask)
	maxRank := -1
	for _, key := range s.order {
		task := s.tasks[key]
		if !s.matches(task, trigger, now) {
			continue
		}
		r := s.rank[key]
		byRank[r] = append(byRank[r], task)
		if r > maxRank {
			maxRank = r
		}
	}

	var ranks [][]*types.WarmingTask
	for r := 0; r <= maxRank; r++ {
		tasks := byRank[r]
		if len(tasks) == 0 {
			continue
		}
		// WarmingHigh is the lowest ordinal, so ascending sort runs it first.
		sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].Priority < tasks[j].Priority })
		ranks = append(ranks, tasks)
	}
	return ranks
}

func (s *Scheduler) matches(task *types.WarmingTask, trigger Trigger, now time.Time) bool {
	switch trigger {
	case TriggerMount:
		return task.Trigger.OnMount
	case TriggerTenantChange:
		return task.Trigger.OnTenantChange
	case TriggerInterval:
		if task.Trigger.Interval <= 0 {
			return false
		}
		last, ok := s.lastRun[task.Key]
		return !ok || now.Sub(last) >= task.Trigger.Interval
	}
	return false
}

// MinInterval returns the smallest configured interval trigger, or zero when
// no task is interval-driven. The engine paces its warming tick with it.
func (s *Scheduler) MinInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	var min time.Duration
	for _, task := range s.tasks {
		iv := task.Trigger.Interval
		if iv <= 0 {
			continue
		}
		if min == 0 || iv < min {
			min = iv
		}
	}
	return min
}

// toposort orders tasks so every task follows its dependencies and assigns
// each a rank (the length of its longest dependency chain). A cycle fails
// with a configuration error naming its members.
func toposort(tasks map[string]*types.WarmingTask) ([]string, map[string]int, error) {
	indegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	for key, task := range tasks {
		indegree[key] += 0
		for _, dep := range task.Dependencies {
			indegree[key]++
			dependents[dep] = append(dependents[dep], key)
		}
	}

	rank := make(map[string]int, len(tasks))
	var frontier []string
	for key, d := range indegree {
		if d == 0 {
			frontier = append(frontier, key)
			rank[key] = 0
		}
	}

	order := make([]string, 0, len(tasks))
	for len(frontier) > 0 {
		key := frontier[0]
		frontier = frontier[1:]
		order = append(order, key)
		for _, next := range dependents[key] {
			if r := rank[key] + 1; r > rank[next] {
				rank[next] = r
			}
			indegree[next]--
			if indegree[next] == 0 {
				frontier = append(frontier, next)
			}
		}
	}

	if len(order) != len(tasks) {
		var cyclic []string
		for key, d := range indegree {
			if d > 0 {
				cyclic = append(cyclic, key)
			}
		}
		return nil, nil, errors.Newf(errors.ErrCodeConfigValidation,
			"warming: dependency cycle involving %s", strings.Join(cyclic, ", "))
	}
	return order, rank, nil
}
