// Package fsstore provides a durable, disk-backed Store implementation.
//
// Each value lives in its own file named by a hash of the key; a JSON index
// file maps keys to files and carries a checksum per entry. The index is
// rewritten on every mutation so that a crash at any point leaves a
// readable store: entries whose files are missing or corrupt are dropped at
// load time.
package fsstore

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/syncstore/syncstore/pkg/errors"
)

const defaultIndexFile = "store-index.json"

// Config configures a disk store.
type Config struct {
	// Directory holds the value files and the index. Created if absent.
	Directory string `yaml:"directory"`
	// MaxBytes is the byte quota across all values; 0 means unlimited.
	// Writes that would exceed it fail with a quota error.
	MaxBytes int64 `yaml:"max_bytes"`
	// IndexFile overrides the index file name inside Directory.
	IndexFile string `yaml:"index_file"`
}

type indexEntry struct {
	Key       string    `json:"key"`
	FilePath  string    `json:"file_path"`
	Size      int64     `json:"size"`
	Checksum  string    `json:"checksum"`
	WrittenAt time.Time `json:"written_at"`
}

// Store is a file-per-key durable store with a JSON index.
type Store struct {
	mu        sync.RWMutex
	directory string
	indexPath string
	maxBytes  int64
	curBytes  int64
	index     map[string]*indexEntry
	closed    bool
}

// New opens (or creates) a disk store rooted at cfg.Directory and loads the
// existing index, dropping entries whose backing files are gone.
func New(cfg Config) (*Store, error) {
	if cfg.Directory == "" {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "fsstore: directory is required")
	}
	if cfg.IndexFile == "" {
		cfg.IndexFile = defaultIndexFile
	}
	if err := os.MkdirAll(cfg.Directory, 0o750); err != nil {
		return nil, errors.Wrap(errors.ErrCodeStorageWrite, "fsstore: create directory", err)
	}

	s := &Store{
		directory: cfg.Directory,
		indexPath: filepath.Join(cfg.Directory, cfg.IndexFile),
		maxBytes:  cfg.MaxBytes,
		index:     make(map[string]*indexEntry),
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	entry, ok := s.index[key]
	closed := s.closed
	s.mu.RUnlock()

	if closed {
		return nil, false, errors.New(errors.ErrCodeClosed, "store is closed")
	}
	if !ok {
		return nil, false, nil
	}

	data, err := os.ReadFile(entry.FilePath)
	if err != nil {
		// backing file lost; drop the index entry and report a miss
		s.dropEntry(key)
		return nil, false, nil
	}
	if checksum(data) != entry.Checksum {
		s.dropEntry(key)
		return nil, false, nil
	}
	return data, true, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New(errors.ErrCodeClosed, "store is closed")
	}

	var oldSize int64
	if existing, ok := s.index[key]; ok {
		oldSize = existing.Size
	}
	if s.maxBytes > 0 && s.curBytes-oldSize+int64(len(value)) > s.maxBytes {
		return errors.QuotaExceeded("fsstore byte quota exceeded").
			WithDetail("max_bytes", s.maxBytes).
			WithDetail("key", key)
	}

	entry := &indexEntry{
		Key:       key,
		FilePath:  s.filePath(key),
		Size:      int64(len(value)),
		Checksum:  checksum(value),
		WrittenAt: time.Now(),
	}
	if err := writeFileAtomic(entry.FilePath, value); err != nil {
		return errors.Wrap(errors.ErrCodeStorageWrite, "fsstore: write value file", err)
	}

	s.index[key] = entry
	s.curBytes = s.curBytes - oldSize + entry.Size
	if err := s.saveIndexLocked(); err != nil {
		// value file is on disk but unindexed; undo so Set is complete-or-fail
		delete(s.index, key)
		s.curBytes = s.curBytes + oldSize - entry.Size
		_ = os.Remove(entry.FilePath)
		return err
	}
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New(errors.ErrCodeClosed, "store is closed")
	}
	entry, ok := s.index[key]
	if !ok {
		return nil
	}
	_ = os.Remove(entry.FilePath)
	delete(s.index, key)
	s.curBytes -= entry.Size
	return s.saveIndexLocked()
}

func (s *Store) ScanPrefix(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.New(errors.ErrCodeClosed, "store is closed")
	}
	var keys []string
	for k := range s.index {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *Store) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.saveIndexLocked()
}

// Bytes returns the current stored byte total.
func (s *Store) Bytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.curBytes
}

func (s *Store) dropEntry(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.index[key]; ok {
		delete(s.index, key)
		s.curBytes -= entry.Size
		_ = s.saveIndexLocked()
	}
}

func (s *Store) filePath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(s.directory, fmt.Sprintf("%x.val", sum[:12]))
}

func (s *Store) loadIndex() error {
	f, err := os.Open(s.indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(errors.ErrCodeStorageRead, "fsstore: open index", err)
	}
	defer func() { _ = f.Close() }()

	var entries map[string]*indexEntry
	if err := json.NewDecoder(f).Decode(&entries); err != nil {
		// unreadable index; start fresh rather than refuse to open
		return nil
	}

	s.curBytes = 0
	for key, entry := range entries {
		if _, err := os.Stat(entry.FilePath); os.IsNotExist(err) {
			continue
		}
		s.index[key] = entry
		s.curBytes += entry.Size
	}
	return nil
}

func (s *Store) saveIndexLocked() error {
	data, err := json.Marshal(s.index)
	if err != nil {
		return errors.Wrap(errors.ErrCodeStorageWrite, "fsstore: encode index", err)
	}
	if err := writeFileAtomic(s.indexPath, data); err != nil {
		return errors.Wrap(errors.ErrCodeStorageWrite, "fsstore: write index", err)
	}
	return nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)
}

// writeFileAtomic writes via a temp file and rename so readers never observe
// a partial file.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
