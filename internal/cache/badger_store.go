package cache

import (
	"errors"
	"fmt"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"
)

// badgerEngine backs KVStore with BadgerDB. Every written key carries a TTL
// matching the set's remaining retention, so Badger drops expired sets even if
// Purge never runs.
type badgerEngine struct {
	db *badger.DB
}

func NewBadgerStore(dir string, opts Options) (*KVStore, error) {
	bopts := badger.DefaultOptions(filepath.Clean(dir)).WithLogger(nil)
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("badger open: %w", err)
	}
	return newKVStore(&badgerEngine{db: db}, opts, true), nil
}

func (b *badgerEngine) close() error { return b.db.Close() }

func (b *badgerEngine) get(key []byte) ([]byte, bool, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (b *badgerEngine) scan(prefix []byte, fn func(key, val []byte) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			k := item.KeyCopy(nil)
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *badgerEngine) apply(batch *kvBatch) error {
	return b.db.Update(func(txn *badger.Txn) error {
		for _, k := range batch.dels {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		for _, kv := range batch.sets {
			e := badger.NewEntry(kv.key, kv.val)
			if batch.ttl > 0 {
				e = e.WithTTL(batch.ttl)
			}
			if err := txn.SetEntry(e); err != nil {
				return err
			}
		}
		return nil
	})
}
