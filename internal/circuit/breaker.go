// Package circuit provides a small circuit breaker used to keep a flaky
// remote dependency from being hammered while it is down. Publishing
// invalidation notices and talking to remote tiers are best-effort, so
// callers treat ErrOpen as a skipped attempt rather than a failure.
package circuit

import (
	"errors"
	"sync"
	"time"
)

// State of a Breaker.
type State int

const (
	// Closed lets calls through and counts consecutive failures.
	Closed State = iota
	// Open rejects calls until the cooldown elapses.
	Open
	// HalfOpen lets one probe call through to test recovery.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Do while the breaker is rejecting calls.
var ErrOpen = errors.New("circuit open")

// Config for a Breaker. Zero values pick the defaults.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker. Defaults to 5.
	FailureThreshold int
	// Cooldown is how long the breaker stays open before probing.
	// Defaults to 30 seconds.
	Cooldown time.Duration
	// OnStateChange, if set, is called after every transition.
	OnStateChange func(from, to State)

	now func() time.Time
}

// Breaker is a consecutive-failure circuit breaker. Safe for concurrent use.
type Breaker struct {
	cfg Config

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

func NewBreaker(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return &Breaker{cfg: cfg}
}

// Do runs fn unless the breaker is open. It returns ErrOpen without calling
// fn while open, and otherwise returns fn's error after recording it.
func (b *Breaker) Do(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

// State reports the current state, moving open to half-open when the
// cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()
	return b.state
}

// Reset returns the breaker to closed with no recorded failures.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	b.transition(Closed)
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()

	switch b.state {
	case Open:
		return ErrOpen
	case HalfOpen:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		b.probing = false
		if b.state != Closed {
			b.transition(Closed)
		}
		return
	}

	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = b.cfg.now()
			b.transition(Open)
		}
	case HalfOpen:
		b.probing = false
		b.openedAt = b.cfg.now()
		b.transition(Open)
	}
}

// refresh moves open to half-open once the cooldown has elapsed.
// Callers hold b.mu.
func (b *Breaker) refresh() {
	if b.state == Open && b.cfg.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.probing = false
		b.transition(HalfOpen)
	}
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}
