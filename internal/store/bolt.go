package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketCache = []byte("cache")

// BoltBackend stores each kind's document as one value in a bbolt bucket.
// bbolt transactions give the same all-or-nothing guarantee as the file
// backend's rename without managing temp files.
type BoltBackend struct {
	db *bolt.DB
}

var _ Backend = (*BoltBackend)(nil)

// NewBoltBackend opens (or creates) the database at path.
func NewBoltBackend(path string) (*BoltBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCache)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltBackend{db: db}, nil
}

func (b *BoltBackend) Load(_ context.Context, kind Kind) (map[string]Record, error) {
	records := make(map[string]Record)
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCache).Get([]byte(kind))
		if len(data) == 0 {
			return nil
		}
		return json.Unmarshal(data, &records)
	})
	if err != nil {
		return nil, fmt.Errorf("read %s from bolt: %w", kind, err)
	}
	return records, nil
}

func (b *BoltBackend) Save(_ context.Context, kind Kind, records map[string]Record) error {
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal cache: %w", err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCache).Put([]byte(kind), data)
	})
}

func (b *BoltBackend) Close() error {
	return b.db.Close()
}
