// Package memstore provides an in-memory Store implementation. It is not
// durable and exists for tests and for running the engine without a disk.
package memstore

import (
	"context"
	"strings"
	"sync"

	"github.com/syncstore/syncstore/pkg/errors"
)

// Store is a map-backed Store with an optional byte quota.
type Store struct {
	mu       sync.RWMutex
	data     map[string][]byte
	curBytes int64
	maxBytes int64
	closed   bool
}

// Option configures a Store.
type Option func(*Store)

// WithMaxBytes enforces a byte quota; Set calls that would exceed it fail
// with a quota error, mirroring platform storage limits.
func WithMaxBytes(n int64) Option {
	return func(s *Store) { s.maxBytes = n }
}

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{data: make(map[string][]byte)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, errors.New(errors.ErrCodeClosed, "store is closed")
	}
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New(errors.ErrCodeClosed, "store is closed")
	}
	delta := int64(len(value)) - int64(len(s.data[key]))
	if s.maxBytes > 0 && s.curBytes+delta > s.maxBytes {
		return errors.QuotaExceeded("memstore byte quota exceeded").
			WithDetail("max_bytes", s.maxBytes)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	s.data[key] = cp
	s.curBytes += delta
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New(errors.ErrCodeClosed, "store is closed")
	}
	if v, ok := s.data[key]; ok {
		s.curBytes -= int64(len(v))
		delete(s.data, key)
	}
	return nil
}

func (s *Store) ScanPrefix(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.New(errors.ErrCodeClosed, "store is closed")
	}
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *Store) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Bytes returns the current stored byte total.
func (s *Store) Bytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.curBytes
}
