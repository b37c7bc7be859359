package commitlog

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/devrev/livestore/internal/errors"
	"github.com/devrev/livestore/internal/model"
)

var badgerPrefix = []byte("commit/")

// BadgerLog stores one key per version; keys sort by version.
type BadgerLog struct {
	db     *badger.DB
	logger *zap.Logger
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
	l.logger.Debugf(format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

// NewBadgerLog opens a badger database in cfg.Dir; an empty Dir runs in memory.
func NewBadgerLog(cfg Config, logger *zap.Logger) (*BadgerLog, error) {
	var opts badger.Options
	if cfg.Dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Dir, err)
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: logger.Named("badger").Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &BadgerLog{db: db, logger: logger}, nil
}

func badgerKey(version uint64) []byte {
	key := make([]byte, len(badgerPrefix)+8)
	copy(key, badgerPrefix)
	binary.BigEndian.PutUint64(key[len(badgerPrefix):], version)
	return key
}

func (l *BadgerLog) Append(ctx context.Context, entry *model.CommitLogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(entry)
	if err != nil {
		return err
	}
	err = l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(entry.Version), data)
	})
	if err != nil {
		return fmt.Errorf("failed to write commit log entry: %w", err)
	}
	return nil
}

func (l *BadgerLog) Replay(ctx context.Context, fn func(*model.CommitLogEntry) error) error {
	replayed := 0
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = badgerPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(badgerPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			data, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("failed to read commit log entry: %w", err)
			}
			entry, err := decode(data)
			if err != nil {
				return err
			}
			if want := binary.BigEndian.Uint64(item.Key()[len(badgerPrefix):]); want != entry.Version {
				return errors.CorruptedData("commit log key does not match its payload", nil).
					WithDetail("key", want).
					WithDetail("payload", entry.Version)
			}
			if err := fn(entry); err != nil {
				return err
			}
			replayed++
		}
		return nil
	})
	if err != nil {
		return err
	}
	l.logger.Info("Commit log replay completed", zap.Int("entries", replayed))
	return nil
}

func (l *BadgerLog) Close() error {
	return l.db.Close()
}
