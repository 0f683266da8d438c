// ABOUTME: BoltDB implementation of the Store interface using go.etcd.io/bbolt
// ABOUTME: Values live in a single bucket; expired keys are hidden on read and swept periodically

package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("conversations")

// BoltStore implements the Store interface on an embedded bbolt file.
type BoltStore struct {
	db     *bolt.DB
	logger *slog.Logger
	now    func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// NewBoltStore opens (or creates) the bolt file at path.
func NewBoltStore(path string, sweepInterval time.Duration) (*BoltStore, error) {
	logger := slog.Default().With("component", "store", "driver", "bolt")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating bucket: %w", err)
	}

	s := &BoltStore{
		db:     db,
		logger: logger,
		now:    time.Now,
		done:   make(chan struct{}),
	}
	if sweepInterval > 0 {
		go s.sweepLoop(sweepInterval)
	}

	logger.Info("bolt store initialized", "path", path)
	return s, nil
}

// Get returns the value under key unless it is missing or expired.
func (s *BoltStore) Get(ctx context.Context, key string) (*Item, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(boltBucket).Get([]byte(key))
		if v == nil || expired(v, s.now()) {
			return ErrNotFound
		}
		// bolt values are only valid for the life of the transaction
		out = copyBytes(v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Item{Key: key, Props: out}, nil
}

// Set overwrites the value under key.
func (s *BoltStore) Set(ctx context.Context, key string, props any) (*Item, error) {
	raw, err := encodeProps(props)
	if err != nil {
		return nil, err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put([]byte(key), raw)
	})
	if err != nil {
		return nil, fmt.Errorf("writing %q: %w", key, err)
	}
	return &Item{Key: key, Props: raw}, nil
}

// Delete removes key and returns the value it held.
func (s *BoltStore) Delete(ctx context.Context, key string) (*Item, error) {
	var out []byte
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltBucket)
		v := b.Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		live := !expired(v, s.now())
		if live {
			out = copyBytes(v)
		}
		if err := b.Delete([]byte(key)); err != nil {
			return err
		}
		if !live {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Item{Key: key, Props: out}, nil
}

// Sweep deletes every expired key and returns how many were removed.
func (s *BoltStore) Sweep() (int, error) {
	removed := 0
	now := s.now()
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltBucket)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			if expired(v, now) {
				stale = append(stale, copyBytes(k))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}

func (s *BoltStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := s.Sweep()
			if err != nil {
				s.logger.Error("ttl sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Debug("ttl sweep removed keys", "count", n)
			}
		case <-s.done:
			return
		}
	}
}

// Close stops the sweeper and closes the bolt file.
func (s *BoltStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.db.Close()
	})
	return err
}
