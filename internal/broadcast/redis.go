package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/syncstore/syncstore/internal/circuit"
)

const defaultChannel = "syncstore:invalidations"

// Redis publishes notices over a redis pub/sub channel. Processes sharing a
// redis-backed L2 use it to keep their memory tiers coherent.
type Redis struct {
	client  goredis.UniversalClient
	channel string
	sender  string
	log     *zap.Logger
	breaker *circuit.Breaker

	mu     sync.Mutex
	pubsub *goredis.PubSub
	done   chan struct{}
}

// RedisConfig configures a Redis publisher. Client is required.
type RedisConfig struct {
	Client goredis.UniversalClient
	// Channel defaults to "syncstore:invalidations".
	Channel string
	Logger  *zap.Logger
}

func NewRedis(cfg RedisConfig) *Redis {
	if cfg.Channel == "" {
		cfg.Channel = defaultChannel
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	log := cfg.Logger
	return &Redis{
		client:  cfg.Client,
		channel: cfg.Channel,
		sender:  uuid.NewString(),
		log:     log,
		breaker: circuit.NewBreaker(circuit.Config{
			FailureThreshold: 5,
			Cooldown:         15 * time.Second,
			OnStateChange: func(from, to circuit.State) {
				log.Warn("broadcast: publish breaker state changed",
					zap.Stringer("from", from), zap.Stringer("to", to))
			},
		}),
	}
}

// Publish sends an invalidation notice to peers. While the broker is
// unreachable a circuit breaker sheds publish attempts, returning ErrOpen.
func (r *Redis) Publish(ctx context.Context, tenantID string, patterns, tags []string) error {
	data, err := encodeNotice(Notice{Sender: r.sender, TenantID: tenantID, Patterns: patterns, Tags: tags})
	if err != nil {
		return err
	}
	return r.breaker.Do(func() error {
		return r.client.Publish(ctx, r.channel, data).Err()
	})
}

// Subscribe delivers peer notices on a background goroutine. Notices this
// process published are dropped by sender id.
func (r *Redis) Subscribe(ctx context.Context, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pubsub != nil {
		return nil
	}

	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	r.pubsub = pubsub
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		for msg := range pubsub.Channel() {
			n, err := decodeNotice([]byte(msg.Payload))
			if err != nil {
				r.log.Warn("broadcast: dropping malformed notice", zap.Error(err))
				continue
			}
			if n.Sender == r.sender {
				continue
			}
			handler(context.Background(), n)
		}
	}()
	return nil
}

func (r *Redis) Close() error {
	r.mu.Lock()
	pubsub, done := r.pubsub, r.done
	r.pubsub, r.done = nil, nil
	r.mu.Unlock()

	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	<-done
	return err
}
