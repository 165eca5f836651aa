package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
)

const badgerKeyPrefix = "entry:"

// BadgerConfig points the embedded store at a directory, or keeps it in
// memory when InMemory is set.
type BadgerConfig struct {
	Dir      string
	InMemory bool
}

type badgerStore struct {
	db *badgerdb.DB
}

// NewBadger opens an embedded badger database. Every write is its own
// transaction, which gives replace-or-insert atomicity per key.
func NewBadger(cfg BadgerConfig) (Store, error) {
	var opts badgerdb.Options
	if cfg.InMemory {
		opts = badgerdb.DefaultOptions("").WithInMemory(true)
	} else {
		dir := strings.TrimSpace(cfg.Dir)
		if dir == "" {
			return nil, errors.New("cache: badger dir required")
		}
		opts = badgerdb.DefaultOptions(dir)
	}
	opts = opts.WithLogger(nil)

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("cache: open badger: %w", err)
	}
	return &badgerStore{db: db}, nil
}

func (s *badgerStore) Lookup(ctx context.Context, key string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	var (
		entry Entry
		found bool
	)
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(badgerKeyPrefix + key))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: badger get: %w", translateBadgerErr(err))
	}
	return entry, found, nil
}

func (s *badgerStore) Store(ctx context.Context, key string, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: badger marshal: %w", err)
	}
	err = s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(badgerKeyPrefix+key), payload)
	})
	if err != nil {
		return fmt.Errorf("cache: badger set: %w", translateBadgerErr(err))
	}
	return nil
}

func (s *badgerStore) Delete(_ context.Context, key string) error {
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete([]byte(badgerKeyPrefix + key))
	})
	if err != nil {
		return fmt.Errorf("cache: badger delete: %w", translateBadgerErr(err))
	}
	return nil
}

func (s *badgerStore) Expired(ctx context.Context, now time.Time) ([]string, error) {
	var keys []string
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(badgerKeyPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var entry Entry
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				continue
			}
			if entry.Expired(now) {
				keys = append(keys, strings.TrimPrefix(string(item.KeyCopy(nil)), badgerKeyPrefix))
			}
		}
		return nil
	})
	if err != nil {
		return keys, fmt.Errorf("cache: badger scan: %w", translateBadgerErr(err))
	}
	return keys, nil
}

func (s *badgerStore) Size(context.Context) (int64, error) {
	var count int64
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(badgerKeyPrefix)
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cache: badger count: %w", translateBadgerErr(err))
	}
	return count, nil
}

func (s *badgerStore) Close(context.Context) error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("cache: badger close: %w", err)
	}
	return nil
}

func translateBadgerErr(err error) error {
	if errors.Is(err, badgerdb.ErrDBClosed) {
		return ErrClosed
	}
	return err
}
