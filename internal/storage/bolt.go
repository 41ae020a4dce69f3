package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const dbFileName = "dmm.db"

// BoltDB wraps the bbolt database and guarantees the bucket layout exists.
type BoltDB struct {
	db     *bbolt.DB
	logger *zap.SugaredLogger
}

// NewBoltDB opens (or creates) the database under dataDir and ensures all
// buckets exist.
func NewBoltDB(dataDir string, logger *zap.SugaredLogger) (*BoltDB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, dbFileName)
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", dbPath, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}

		meta := tx.Bucket([]byte(MetaBucket))
		if meta.Get([]byte(SchemaVersionKey)) == nil {
			return meta.Put([]byte(SchemaVersionKey), []byte{CurrentSchemaVersion})
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltDB{db: db, logger: logger}, nil
}

// Close closes the underlying database
func (b *BoltDB) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

// DB returns the underlying bbolt database
func (b *BoltDB) DB() *bbolt.DB {
	return b.db
}

// Put stores raw bytes under bucket/key
func (b *BoltDB) Put(bucket, key string, value []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(bucket))
		if bkt == nil {
			return fmt.Errorf("bucket %s does not exist", bucket)
		}
		return bkt.Put([]byte(key), value)
	})
}

// Get retrieves raw bytes under bucket/key; returns nil when absent
func (b *BoltDB) Get(bucket, key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(bucket))
		if bkt == nil {
			return fmt.Errorf("bucket %s does not exist", bucket)
		}
		if v := bkt.Get([]byte(key)); v != nil {
			out = make([]byte, len(v))
			copy(out, v)
		}
		return nil
	})
	return out, err
}

// Delete removes bucket/key; deleting an absent key is a no-op
func (b *BoltDB) Delete(bucket, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(bucket))
		if bkt == nil {
			return fmt.Errorf("bucket %s does not exist", bucket)
		}
		return bkt.Delete([]byte(key))
	})
}

// ForEach iterates every key/value pair in a bucket
func (b *BoltDB) ForEach(bucket string, fn func(k, v []byte) error) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(bucket))
		if bkt == nil {
			return fmt.Errorf("bucket %s does not exist", bucket)
		}
		return bkt.ForEach(fn)
	})
}

// Backup writes a consistent copy of the database to destPath
func (b *BoltDB) Backup(destPath string) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		return tx.CopyFile(destPath, 0600)
	})
}
