// ABOUTME: Backend selection for the key-value store
// ABOUTME: Maps the configured driver name onto one of the Store implementations

package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Driver names accepted by Open.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
	DriverRedis  = "redis"
)

// Options selects and configures a backend.
type Options struct {
	Driver        string
	Path          string
	SweepInterval time.Duration
	Redis         RedisConfig
}

// Open creates the Store described by opts.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case DriverMemory, "":
		return NewMemoryStore(opts.SweepInterval), nil
	case DriverSQLite:
		return NewSQLiteStore(opts.Path, opts.SweepInterval)
	case DriverBolt:
		return NewBoltStore(opts.Path, opts.SweepInterval)
	case DriverRedis:
		return NewRedisStore(ctx, opts.Redis)
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}

// Pinger is implemented by stores that can verify their backing connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping verifies the store is reachable. Stores without a Pinger are probed
// with a lookup of a key that should not exist.
func Ping(ctx context.Context, s Store) error {
	if p, ok := s.(Pinger); ok {
		return p.Ping(ctx)
	}
	if _, err := s.Get(ctx, "__health__"); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}
