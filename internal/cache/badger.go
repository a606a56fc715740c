// internal/cache/badger.go
package cache

import (
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Config holds configuration for the device-local BadgerDB instance.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool

	SyncWrites bool

	// Logger receives BadgerDB's internal logging. Nil disables it.
	Logger *zap.Logger
}

type badgerLogger struct {
	logger *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf(format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf(format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Infof(format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

// Badger is a key/value store on top of BadgerDB.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens the database described by cfg, creating the directory
// when needed. Caller must Close it.
func OpenBadger(cfg Config) (*Badger, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent cache")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("failed to create cache directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger.Named("badger").Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	return &Badger{db: db}, nil
}

// OpenInMemory opens a throwaway cache.
func OpenInMemory() (*Badger, error) {
	return OpenBadger(Config{InMemory: true})
}

// Get returns the stored bytes, or nil when the key is missing.
func (b *Badger) Get(key string) ([]byte, error) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return value, nil
}

func (b *Badger) Set(key string, value []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Missing keys are not an error.
func (b *Badger) Delete(key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}
