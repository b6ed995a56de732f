package cache

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cockroachdb/pebble"
)

// pebbleEngine backs KVStore with PebbleDB.
type pebbleEngine struct {
	db *pebble.DB
}

// NewPebbleStore opens (or creates) a Pebble-backed cache in dir. Pebble has no
// native TTL; expiry relies on read-time filtering plus Purge.
func NewPebbleStore(dir string, opts Options) (*KVStore, error) {
	popts := &pebble.Options{
		MemTableSize:             64 << 20,
		MaxConcurrentCompactions: func() int { return 2 },
		L0CompactionThreshold:    4,
		L0StopWritesThreshold:    12,
		WALBytesPerSync:          1 << 20,
		WALMinSyncInterval:       func() time.Duration { return 0 },
	}
	d, err := pebble.Open(filepath.Clean(dir), popts)
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}
	return newKVStore(&pebbleEngine{db: d}, opts, false), nil
}

func (p *pebbleEngine) close() error { return p.db.Close() }

func (p *pebbleEngine) get(key []byte) ([]byte, bool, error) {
	v, closer, err := p.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), true, nil
}

func (p *pebbleEngine) scan(prefix []byte, fn func(key, val []byte) error) error {
	it, err := p.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		k := append([]byte(nil), it.Key()...)
		v := append([]byte(nil), it.Value()...)
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return it.Error()
}

func (p *pebbleEngine) apply(b *kvBatch) error {
	wb := p.db.NewBatch()
	defer wb.Close()
	for _, k := range b.dels {
		if err := wb.Delete(k, nil); err != nil {
			return err
		}
	}
	for _, kv := range b.sets {
		if err := wb.Set(kv.key, kv.val, nil); err != nil {
			return err
		}
	}
	return wb.Commit(pebble.Sync)
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
