package sessionstore

import (
	"context"
	"errors"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"
)

const sessionKeyPrefix = "session:"

// BadgerStore keeps sessions in an embedded BadgerDB under one key per user.
type BadgerStore struct {
	db *badgerdb.DB
}

var _ Store = (*BadgerStore)(nil)

// OpenBadgerStore opens (or creates) a database in dir. An empty dir opens
// an in-memory database, which is only useful in tests.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	opts := badgerdb.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger session store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func sessionKey(userID string) []byte {
	return []byte(sessionKeyPrefix + userID)
}

func (s *BadgerStore) Write(ctx context.Context, userID, serialized string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateUserID(userID); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(sessionKey(userID), []byte(serialized))
	})
	if err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

func (s *BadgerStore) Read(ctx context.Context, userID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := validateUserID(userID); err != nil {
		return "", err
	}

	var out string
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(sessionKey(userID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = string(val)
			return nil
		})
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load session: %w", err)
	}
	if out == "" {
		return "", ErrNotFound
	}
	return out, nil
}

func (s *BadgerStore) Delete(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateUserID(userID); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(sessionKey(userID))
	})
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
