package store

import (
	"errors"
	"fmt"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"
)

type badgerBackend struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) a Badger-backed store in dir.
func NewBadgerStore(dir string) (*KVStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(dir)).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger open: %w", err)
	}
	return newKVStore(&badgerBackend{db: db})
}

func (b *badgerBackend) get(key []byte) ([]byte, error) {
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
		return nil, errKeyNotFound
	}
	return out, err
}

func (b *badgerBackend) scan(prefix []byte, reverse bool, fn func(key, val []byte) (bool, error)) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = reverse
		it := txn.NewIterator(opts)
		defer it.Close()

		start := prefix
		if reverse {
			// Reverse Seek lands on the largest key <= start.
			start = append(append([]byte(nil), prefix...), 0xff)
		}
		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			more, err := fn(item.Key(), val)
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
		}
		return nil
	})
}

func (b *badgerBackend) write(pairs []kvPair) error {
	return b.db.Update(func(txn *badger.Txn) error {
		for _, kv := range pairs {
			if err := txn.Set(kv.key, kv.val); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *badgerBackend) close() error { return b.db.Close() }
