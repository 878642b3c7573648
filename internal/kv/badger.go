package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// Badger is a Store backed by an embedded BadgerDB.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens or creates a BadgerDB in dir.
// Params: dir database directory; empty dir opens an in-memory database.
// Returns: store or open error.
func OpenBadger(dir string) (*Badger, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR)
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger %q: %w", dir, err)
	}
	return &Badger{db: db}, nil
}

// get reads one key.
// Params: key to read.
// Returns: value, presence flag, and read error.
func (b *Badger) get(key string) (string, bool, error) {
	var value string
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			value = string(v)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("badger get %q: %w", key, err)
	}
	return value, true, nil
}

// GetString returns the stored value or def.
func (b *Badger) GetString(_ context.Context, key, def string) (string, error) {
	value, ok, err := b.get(key)
	if err != nil || !ok {
		return def, err
	}
	return value, nil
}

// GetBool returns the stored bool or def.
func (b *Badger) GetBool(_ context.Context, key string, def bool) (bool, error) {
	value, ok, err := b.get(key)
	if err != nil || !ok {
		return def, err
	}
	return parseBool(value, def), nil
}

// SaveString writes one value.
func (b *Badger) SaveString(_ context.Context, key, value string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("badger set %q: %w", key, err)
	}
	return nil
}

// SaveBool writes one bool value.
func (b *Badger) SaveBool(ctx context.Context, key string, value bool) error {
	return b.SaveString(ctx, key, formatBool(value))
}

// Contains reports key presence.
func (b *Badger) Contains(_ context.Context, key string) (bool, error) {
	_, ok, err := b.get(key)
	return ok, err
}

// Delete removes one key.
func (b *Badger) Delete(_ context.Context, key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("badger delete %q: %w", key, err)
	}
	return nil
}

// Scan returns all pairs whose key starts with prefix.
// Params: ctx stops iteration early; prefix key prefix.
// Returns: key to value map.
func (b *Badger) Scan(ctx context.Context, prefix string) (map[string]string, error) {
	out := make(map[string]string)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			key := string(item.KeyCopy(nil))
			if err := item.Value(func(v []byte) error {
				out[key] = string(v)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger scan %q: %w", prefix, err)
	}
	return out, nil
}

// Close closes the database.
func (b *Badger) Close() error {
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("close badger: %w", err)
	}
	return nil
}
