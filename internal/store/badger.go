package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"
)

// BadgerStore persists items on the local disk with badger
type BadgerStore struct {
	db     *badger.DB
	logger *zap.Logger
}

// NewBadgerStore opens (or creates) a badger database at path.
// An empty path opens an in-memory database.
func NewBadgerStore(path string, logger *zap.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(&badgerLogger{sugar: logger.Named("badger").Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %q: %w", path, err)
	}

	logger.Info("badger store opened", zap.String("path", path), zap.Bool("in_memory", path == ""))

	return &BadgerStore{
		db:     db,
		logger: logger,
	}, nil
}

// GetItem reads a raw value
func (bs *BadgerStore) GetItem(_ context.Context, key string) (string, bool, error) {
	var value []byte
	err := bs.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		bs.logger.Error("failed to get item", zap.Error(err), zap.String("key", key))
		return "", false, fmt.Errorf("failed to get item: %w", err)
	}

	return string(value), true, nil
}

// SetItem writes a raw value
func (bs *BadgerStore) SetItem(_ context.Context, key, value string) error {
	err := bs.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), []byte(value))
	})
	if err != nil {
		bs.logger.Error("failed to set item", zap.Error(err), zap.String("key", key))
		return fmt.Errorf("failed to set item: %w", err)
	}
	return nil
}

// RemoveItem deletes a key
func (bs *BadgerStore) RemoveItem(_ context.Context, key string) error {
	err := bs.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		bs.logger.Error("failed to remove item", zap.Error(err), zap.String("key", key))
		return fmt.Errorf("failed to remove item: %w", err)
	}
	return nil
}

// Ping reports whether the database is still open
func (bs *BadgerStore) Ping(context.Context) error {
	if bs.db.IsClosed() {
		return ErrUnavailable
	}
	return nil
}

// Close flushes and closes the database
func (bs *BadgerStore) Close() error {
	if err := bs.db.Close(); err != nil {
		bs.logger.Error("failed to close badger", zap.Error(err))
		return fmt.Errorf("failed to close badger: %w", err)
	}

	bs.logger.Info("badger store closed successfully")
	return nil
}

// badgerLogger routes badger's internal logging into zap
type badgerLogger struct {
	sugar *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}
