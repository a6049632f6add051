// Package redistore provides a Store implementation backed by Redis, for
// deployments where durable local disk is unavailable but a Redis instance
// survives client restarts.
package redistore

import (
	"context"
	stderr "errors"

	goredis "github.com/redis/go-redis/v9"

	"github.com/syncstore/syncstore/pkg/errors"
	"github.com/syncstore/syncstore/pkg/retry"
)

// Config configures a Redis store.
type Config struct {
	// Client is the redis client to use. Required.
	Client goredis.UniversalClient
	// CloseClient releases the client on Close. Set only when this store
	// exclusively owns the client.
	CloseClient bool
	// KeyPrefix namespaces all keys written by this store.
	KeyPrefix string
	// Retry tunes the backoff applied on top of the client's own connection
	// retries, covering outages longer than a reconnect blip. Zero values
	// use the retry defaults.
	Retry retry.Config
}

// Store is a Redis-backed Store. Transient command failures are retried
// with exponential backoff before an error surfaces to the caller.
type Store struct {
	rdb         goredis.UniversalClient
	prefix      string
	closeClient bool
	retryer     *retry.Retryer
}

// New creates a Redis store.
func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "redistore: nil client")
	}
	return &Store{
		rdb:         cfg.Client,
		prefix:      cfg.KeyPrefix,
		closeClient: cfg.CloseClient,
		retryer:     retry.New(cfg.Retry),
	}, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		val   []byte
		found bool
	)
	err := s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		b, err := s.rdb.Get(ctx, s.prefix+key).Bytes()
		if stderr.Is(err, goredis.Nil) {
			val, found = nil, false
			return nil
		}
		if err != nil {
			return errors.Wrap(errors.ErrCodeStorageRead, "redistore: get", err)
		}
		val, found = b, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return val, found, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	return s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		if err := s.rdb.Set(ctx, s.prefix+key, value, 0).Err(); err != nil {
			return errors.Wrap(errors.ErrCodeStorageWrite, "redistore: set", err)
		}
		return nil
	})
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		if err := s.rdb.Del(ctx, s.prefix+key).Err(); err != nil {
			return errors.Wrap(errors.ErrCodeStorageWrite, "redistore: del", err)
		}
		return nil
	})
}

func (s *Store) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		keys = keys[:0]
		full := s.prefix + prefix
		iter := s.rdb.Scan(ctx, 0, full+"*", 0).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val()[len(s.prefix):])
		}
		if err := iter.Err(); err != nil {
			return errors.Wrap(errors.ErrCodeStorageRead, "redistore: scan", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Close releases the underlying client only when this store owns it.
func (s *Store) Close(context.Context) error {
	if s.closeClient {
		if err := s.rdb.Close(); err != nil && !stderr.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}
