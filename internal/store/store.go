// Package store keeps whole JSON documents in a local bbolt file.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketDocuments = []byte("documents")

// ErrReadOnly is returned by Save on a store opened read-only
var ErrReadOnly = errors.New("store is read-only")

// Loader reads whole documents
type Loader interface {
	Load(key string, v any) (bool, error)
}

// Persister accepts fire-and-forget document writes
type Persister interface {
	Persist(key string, v any)
}

// Store is a bbolt-backed document store
type Store struct {
	db       *bolt.DB
	readOnly bool
}

// Open opens (creating if needed) the store at path
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketDocuments); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketDocuments, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// OpenReadOnly opens an existing store without taking the write lock,
// so CLI commands can inspect it while the server is stopped.
func OpenReadOnly(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout:  5 * time.Second,
		ReadOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &Store{db: db, readOnly: true}, nil
}

// Load decodes the document stored under key into v.
// It reports false if the document does not exist.
func (s *Store) Load(key string, v any) (bool, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDocuments)
		if b == nil {
			return nil
		}
		if raw := b.Get([]byte(key)); raw != nil {
			data = append([]byte(nil), raw...)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

// Save encodes v and replaces the document stored under key
func (s *Store) Save(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return s.put(key, data)
}

func (s *Store) put(key string, data []byte) error {
	if s.readOnly {
		return ErrReadOnly
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketDocuments).Put([]byte(key), data); err != nil {
			return fmt.Errorf("failed to store %s: %w", key, err)
		}
		return nil
	})
}

// Keys lists stored document keys
func (s *Store) Keys() ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDocuments)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// Size returns the database file size in bytes
func (s *Store) Size() int64 {
	var size int64
	s.db.View(func(tx *bolt.Tx) error {
		size = tx.Size()
		return nil
	})
	return size
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}
