// Package storage implements the durable persistence layer. Every stored
// value is wrapped in a Record envelope; loads treat stale or malformed
// entries as cache misses and evict them.
package storage

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/debridmm/dmm-server/internal/config"
)

// Durability selects where a record lives.
type Durability int

const (
	// CrossSession records survive process restarts (bbolt).
	CrossSession Durability = iota
	// SessionOnly records live in process memory and vanish on restart.
	SessionOnly
)

// Manager is the persistence adapter. All keys are namespaced with a
// configurable prefix so several instances can share one database.
type Manager struct {
	db      *BoltDB
	prefix  string
	maxAge  time.Duration
	maxItems int
	logger  *zap.SugaredLogger

	mu      sync.RWMutex
	session map[string][]byte

	nowFn func() time.Time
}

// NewManager opens the database under dataDir and returns a manager with the
// configured record lifetime and collection caps.
func NewManager(dataDir, prefix string, cfg *config.PersistenceConfig, logger *zap.SugaredLogger) (*Manager, error) {
	db, err := NewBoltDB(dataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	maxAge := config.DefaultRecordMaxAge
	maxItems := config.DefaultCollectionMaxItems
	if cfg != nil {
		if cfg.MaxAge.Duration() > 0 {
			maxAge = cfg.MaxAge.Duration()
		}
		if cfg.MaxItems > 0 {
			maxItems = cfg.MaxItems
		}
	}

	return &Manager{
		db:       db,
		prefix:   prefix,
		maxAge:   maxAge,
		maxItems: maxItems,
		logger:   logger,
		session:  make(map[string][]byte),
		nowFn:    time.Now,
	}, nil
}

// Close closes the underlying database.
func (m *Manager) Close() error {
	return m.db.Close()
}

// DB exposes the wrapped BoltDB for higher-level stores (metadata, tokens).
func (m *Manager) DB() *BoltDB {
	return m.db
}

// MaxItems returns the configured collection cap.
func (m *Manager) MaxItems() int {
	return m.maxItems
}

// SetClock overrides the time source. Tests use this to advance the clock
// past maxAge.
func (m *Manager) SetClock(now func() time.Time) {
	m.nowFn = now
}

func (m *Manager) key(key string) string {
	if m.prefix == "" {
		return key
	}
	return m.prefix + ":" + key
}

// Save wraps value in a Record envelope and stores it.
func (m *Manager) Save(class Durability, bucket, key string, value interface{}) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value for %s/%s: %w", bucket, key, err)
	}

	rec := Record{
		Payload:   payload,
		Timestamp: m.nowFn(),
		Version:   config.StorageRecordVersion,
	}
	data, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record for %s/%s: %w", bucket, key, err)
	}

	if class == SessionOnly {
		m.mu.Lock()
		m.session[bucket+"/"+m.key(key)] = data
		m.mu.Unlock()
		return nil
	}

	return m.db.Put(bucket, m.key(key), data)
}

// SaveList stores a most-recent-first collection, capping it at the
// configured maxItems by dropping the oldest entries (the tail).
func (m *Manager) SaveList(class Durability, bucket, key string, list interface{}) error {
	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("failed to marshal list for %s/%s: %w", bucket, key, err)
	}

	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("value for %s/%s is not a list: %w", bucket, key, err)
	}

	if len(items) > m.maxItems {
		items = items[:m.maxItems]
	}

	return m.Save(class, bucket, key, items)
}

// Load unmarshals the stored payload into out. It returns false (a cache
// miss) when the key is absent, the record is older than maxAge, or the
// stored bytes are malformed; in the latter two cases the entry is evicted.
// Load never returns an error for bad stored data.
func (m *Manager) Load(class Durability, bucket, key string, out interface{}) (bool, error) {
	nsKey := m.key(key)

	var data []byte
	if class == SessionOnly {
		m.mu.RLock()
		data = m.session[bucket+"/"+nsKey]
		m.mu.RUnlock()
	} else {
		var err error
		data, err = m.db.Get(bucket, nsKey)
		if err != nil {
			m.logger.Warnw("Storage read failed, treating as miss",
				"bucket", bucket, "key", key, "error", err)
			return false, nil
		}
	}

	if data == nil {
		return false, nil
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		m.logger.Warnw("Evicting corrupt record",
			"bucket", bucket, "key", key, "error", err)
		m.evict(class, bucket, nsKey)
		return false, nil
	}

	if m.nowFn().Sub(rec.Timestamp) > m.maxAge {
		m.logger.Debugw("Evicting expired record",
			"bucket", bucket, "key", key, "age", m.nowFn().Sub(rec.Timestamp))
		m.evict(class, bucket, nsKey)
		return false, nil
	}

	if err := json.Unmarshal(rec.Payload, out); err != nil {
		m.logger.Warnw("Evicting record with corrupt payload",
			"bucket", bucket, "key", key, "error", err)
		m.evict(class, bucket, nsKey)
		return false, nil
	}

	return true, nil
}

// Remove deletes a record. Removing an absent key is a no-op.
func (m *Manager) Remove(class Durability, bucket, key string) error {
	nsKey := m.key(key)
	if class == SessionOnly {
		m.mu.Lock()
		delete(m.session, bucket+"/"+nsKey)
		m.mu.Unlock()
		return nil
	}
	return m.db.Delete(bucket, nsKey)
}

func (m *Manager) evict(class Durability, bucket, nsKey string) {
	if class == SessionOnly {
		m.mu.Lock()
		delete(m.session, bucket+"/"+nsKey)
		m.mu.Unlock()
		return
	}
	if err := m.db.Delete(bucket, nsKey); err != nil {
		m.logger.Warnw("Failed to evict record", "bucket", bucket, "key", nsKey, "error", err)
	}
}
