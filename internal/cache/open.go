package cache

import (
	"context"
	"fmt"
)

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendPebble   = "pebble"
	BackendBadger   = "badger"
	BackendPostgres = "postgres"
)

// Open returns the named backend. dir is used by the on-disk engines, pg by
// the Postgres backend.
func Open(ctx context.Context, backend, dir string, pg PostgresOptions, opts Options) (Store, error) {
	switch backend {
	case BackendMemory, "":
		return NewMemoryStore(opts), nil
	case BackendPebble:
		return NewPebbleStore(dir, opts)
	case BackendBadger:
		return NewBadgerStore(dir, opts)
	case BackendPostgres:
		return NewPostgresStore(ctx, pg, opts)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", backend)
	}
}
