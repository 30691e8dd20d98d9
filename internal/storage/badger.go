package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

const keyPrefix = "tbx:"

// BadgerConfig configures the embedded store.
type BadgerConfig struct {
	Path     string
	InMemory bool
	// TTL expires saved values. Zero keeps them forever.
	TTL time.Duration
}

// Badger persists state in an embedded BadgerDB so it survives restarts of
// the process, the same way browser local storage survives a reload.
type Badger struct {
	db     *badger.DB
	ttl    time.Duration
	logger *zap.Logger
}

// OpenBadger opens (or creates) the database described by cfg.
func OpenBadger(cfg BadgerConfig, logger *zap.Logger) (*Badger, error) {
	opts := badger.DefaultOptions(cfg.Path).
		WithLogger(nil).
		WithNumVersionsToKeep(1).
		WithCompactL0OnClose(true).
		WithValueLogFileSize(16 << 20).
		WithMemTableSize(16 << 20)
	if cfg.InMemory {
		opts = opts.WithDir("").WithValueDir("").WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	logger.Info("badger state store opened",
		zap.String("path", cfg.Path),
		zap.Bool("in_memory", cfg.InMemory),
	)

	return &Badger{db: db, ttl: cfg.TTL, logger: logger}, nil
}

// Close closes the database.
func (b *Badger) Close() error {
	return b.db.Close()
}

// Load returns the value stored under key.
func (b *Badger) Load(ctx context.Context, key string) ([]byte, error) {
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + key))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			val = append([]byte{}, v...)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger load %s: %w", key, err)
	}
	return val, nil
}

// Save stores value under key, applying the configured TTL.
func (b *Badger) Save(ctx context.Context, key string, value []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(keyPrefix+key), value)
		if b.ttl > 0 {
			e = e.WithTTL(b.ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return fmt.Errorf("badger save %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (b *Badger) Delete(ctx context.Context, key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(keyPrefix + key))
	})
	if err != nil {
		return fmt.Errorf("badger delete %s: %w", key, err)
	}
	return nil
}
