// Package durable provides persistent key/value stores implementing the
// cache's durable-tier contract, plus a circuit-breaker guard for flaky
// backends.
package durable

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/vmihailenco/msgpack/v5"

	cacheerr "github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/types"
)

// DiskConfig configures the disk-backed durable store.
type DiskConfig struct {
	Directory       string        `yaml:"directory"`
	MaxSize         int64         `yaml:"max_size"`
	Compression     bool          `yaml:"compression"`
	IndexFile       string        `yaml:"index_file"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	SyncInterval    time.Duration `yaml:"sync_interval"`
}

func (c *DiskConfig) applyDefaults() {
	if c.MaxSize <= 0 {
		c.MaxSize = 1024 * 1024 * 1024
	}
	if c.IndexFile == "" {
		c.IndexFile = "durable-index.json"
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 10 * time.Minute
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = time.Minute
	}
}

// diskItem is one index record. OrigKey is retained so pattern deletion can
// match against the caller-supplied key.
type diskItem struct {
	HashedKey string    `json:"hashed_key"`
	OrigKey   string    `json:"orig_key"`
	FilePath  string    `json:"file_path"`
	Size      int64     `json:"size"`
	StoredAt  time.Time `json:"stored_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// DiskStore is a disk-backed durable store. Entries are msgpack-serialized,
// optionally gzip-compressed, and written one file per hashed key; an index
// file maps hashed keys to files and is synced periodically with an atomic
// rename.
type DiskStore struct {
	mu          sync.RWMutex
	config      *DiskConfig
	index       map[string]*diskItem
	currentSize int64
	logger      *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// NewDiskStore opens (or creates) a disk store rooted at the configured
// directory, loading any existing index.
func NewDiskStore(config *DiskConfig, logger *slog.Logger) (*DiskStore, error) {
	if config == nil || config.Directory == "" {
		return nil, cacheerr.New(cacheerr.ErrCodeInvalidConfig, "disk store requires a directory").
			WithComponent("durable/disk")
	}
	config.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(config.Directory, 0750); err != nil {
		return nil, cacheerr.Wrap(err, cacheerr.ErrCodeConfigLoad, "create store directory").
			WithComponent("durable/disk")
	}

	s := &DiskStore{
		config: config,
		index:  make(map[string]*diskItem),
		logger: logger,
		stopCh: make(chan struct{}),
	}

	if err := s.loadIndex(); err != nil {
		return nil, err
	}

	s.background(config.CleanupInterval, s.cleanupExpired)
	s.background(config.SyncInterval, func() {
		if err := s.saveIndex(); err != nil {
			s.logger.Warn("index sync failed", "error", err)
		}
	})

	return s, nil
}

// Get returns the stored entry, or (nil, nil) for absent or expired keys.
// Unreadable or corrupt files are dropped from the index and reported as
// absence.
func (s *DiskStore) Get(_ context.Context, hashedKey string) (*types.CacheEntry, error) {
	s.mu.RLock()
	item, ok := s.index[hashedKey]
	s.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	if !item.ExpiresAt.IsZero() && time.Now().After(item.ExpiresAt) {
		s.dropIfCurrent(item)
		return nil, nil
	}

	entry, err := s.readEntry(item)
	if err != nil {
		s.logger.Warn("dropping unreadable entry", "key", item.OrigKey, "error", err)
		s.dropIfCurrent(item)
		return nil, nil
	}
	return entry, nil
}

// dropIfCurrent removes the item unless a concurrent Set has already
// replaced it under the same key; removing the stale record would delete
// the fresh file and skew the size accounting.
func (s *DiskStore) dropIfCurrent(item *diskItem) {
	s.mu.Lock()
	if s.index[item.HashedKey] == item {
		s.removeLocked(item)
	}
	s.mu.Unlock()
}

// Set stores the entry with the given TTL, replacing any prior value, and
// evicts the oldest entries when the store exceeds its size budget.
func (s *DiskStore) Set(_ context.Context, hashedKey string, entry *types.CacheEntry, ttl time.Duration) error {
	data, err := msgpack.Marshal(entry)
	if err != nil {
		return cacheerr.Wrap(err, cacheerr.ErrCodeEncodeFailed, "serialize entry").
			WithComponent("durable/disk")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return cacheerr.New(cacheerr.ErrCodeClosed, "store is closed").WithComponent("durable/disk")
	}

	if existing, ok := s.index[hashedKey]; ok {
		s.removeLocked(existing)
	}

	item := &diskItem{
		HashedKey: hashedKey,
		OrigKey:   entry.Key,
		FilePath:  filepath.Join(s.config.Directory, hashedKey+".cache"),
		StoredAt:  time.Now(),
	}
	if ttl > 0 {
		item.ExpiresAt = item.StoredAt.Add(ttl)
	}

	size, err := s.writeFile(item.FilePath, data)
	if err != nil {
		return cacheerr.Wrap(err, cacheerr.ErrCodeDurableWrite, "write entry file").
			WithComponent("durable/disk").
			WithContext("path", item.FilePath)
	}
	item.Size = size

	s.index[hashedKey] = item
	s.currentSize += size
	s.evictOverflowLocked()
	return nil
}

// Delete removes the key, reporting whether it was present.
func (s *DiskStore) Delete(_ context.Context, hashedKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.index[hashedKey]
	if !ok {
		return false, nil
	}
	s.removeLocked(item)
	return true, nil
}

// DeletePattern removes every entry whose original key matches pattern.
func (s *DiskStore) DeletePattern(_ context.Context, pattern *regexp.Regexp) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doomed []*diskItem
	for _, item := range s.index {
		if pattern.MatchString(item.OrigKey) {
			doomed = append(doomed, item)
		}
	}
	for _, item := range doomed {
		s.removeLocked(item)
	}
	return len(doomed), nil
}

// Clear removes every entry.
func (s *DiskStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range s.index {
		_ = os.Remove(item.FilePath)
	}
	s.index = make(map[string]*diskItem)
	s.currentSize = 0
	return nil
}

// Len returns the number of stored entries.
func (s *DiskStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

// Close stops the background goroutines and writes a final index snapshot.
func (s *DiskStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	return s.saveIndex()
}

func (s *DiskStore) background(interval time.Duration, fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

func (s *DiskStore) cleanupExpired() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range s.index {
		if !item.ExpiresAt.IsZero() && now.After(item.ExpiresAt) {
			s.removeLocked(item)
		}
	}
}

// removeLocked deletes the file and index record. Callers hold s.mu.
func (s *DiskStore) removeLocked(item *diskItem) {
	_ = os.Remove(item.FilePath)
	delete(s.index, item.HashedKey)
	s.currentSize -= item.Size
}

// evictOverflowLocked drops the oldest entries until the store fits its
// budget. Callers hold s.mu.
func (s *DiskStore) evictOverflowLocked() {
	for s.currentSize > s.config.MaxSize && len(s.index) > 1 {
		var oldest *diskItem
		for _, item := range s.index {
			if oldest == nil || item.StoredAt.Before(oldest.StoredAt) {
				oldest = item
			}
		}
		if oldest == nil {
			return
		}
		s.removeLocked(oldest)
	}
}

func (s *DiskStore) writeFile(path string, data []byte) (int64, error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = file.Close() }()

	var w io.Writer = file
	var gz *gzip.Writer
	if s.config.Compression {
		gz = gzip.NewWriter(file)
		w = gz
	}

	if _, err := w.Write(data); err != nil {
		_ = os.Remove(path)
		return 0, err
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			_ = os.Remove(path)
			return 0, err
		}
	}

	stat, err := file.Stat()
	if err != nil {
		return int64(len(data)), nil
	}
	return stat.Size(), nil
}

func (s *DiskStore) readEntry(item *diskItem) (*types.CacheEntry, error) {
	file, err := os.Open(item.FilePath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	var r io.Reader = file
	if s.config.Compression {
		gz, err := gzip.NewReader(file)
		if err != nil {
			return nil, err
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var entry types.CacheEntry
	if err := msgpack.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("corrupt entry file: %w", err)
	}
	return &entry, nil
}

func (s *DiskStore) loadIndex() error {
	path := filepath.Join(s.config.Directory, s.config.IndexFile)

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return cacheerr.Wrap(err, cacheerr.ErrCodeConfigLoad, "open index file").
			WithComponent("durable/disk")
	}
	defer func() { _ = file.Close() }()

	var items map[string]*diskItem
	if err := json.NewDecoder(file).Decode(&items); err != nil {
		return cacheerr.Wrap(err, cacheerr.ErrCodeConfigLoad, "decode index file").
			WithComponent("durable/disk")
	}

	// Skip records whose files disappeared since the last sync.
	s.currentSize = 0
	for key, item := range items {
		if _, err := os.Stat(item.FilePath); os.IsNotExist(err) {
			continue
		}
		s.index[key] = item
		s.currentSize += item.Size
	}
	return nil
}

func (s *DiskStore) saveIndex() error {
	s.mu.RLock()
	snapshot := make(map[string]*diskItem, len(s.index))
	for key, item := range s.index {
		snapshot[key] = item
	}
	s.mu.RUnlock()

	path := filepath.Join(s.config.Directory, s.config.IndexFile)
	tmpPath := path + ".tmp"

	file, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(file).Encode(snapshot); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	// Atomic replace.
	return os.Rename(tmpPath, path)
}
