// Package commitlog makes committed versions durable. Every commit is
// appended before it is published; on open the log is replayed into an empty
// versioned store.
package commitlog

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/livestore/internal/errors"
	"github.com/devrev/livestore/internal/metrics"
	"github.com/devrev/livestore/internal/model"
	"github.com/devrev/livestore/internal/storage/diskmanager"
)

// Backend names accepted by Open.
const (
	BackendNone   = "none"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// Log is a durable, ordered sequence of committed versions.
type Log interface {
	// Append durably records entry. Entries arrive in strictly increasing
	// version order.
	Append(ctx context.Context, entry *model.CommitLogEntry) error
	// Replay calls fn for every recorded entry in version order.
	Replay(ctx context.Context, fn func(*model.CommitLogEntry) error) error
	Close() error
}

// Config holds commit log configuration
type Config struct {
	Backend     string
	Dir         string
	SyncWrites  bool
	SegmentSize int64
	// MaxDiskUsage is the volume usage, in percent, at which appends are
	// refused. Zero uses the disk guard default.
	MaxDiskUsage float64
	// Guard overrides the disk guard built from Dir and MaxDiskUsage.
	Guard *diskmanager.Guard
}

// Open creates the log for cfg.Backend.
func Open(cfg Config, logger *zap.Logger, m *metrics.Metrics) (Log, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		log Log
		err error
	)
	switch strings.ToLower(cfg.Backend) {
	case "", BackendNone:
		return Nop{}, nil
	case BackendFile:
		log, err = NewFileLog(cfg, logger)
	case BackendSQLite:
		log, err = NewSQLiteLog(cfg, logger)
	case BackendBadger:
		log, err = NewBadgerLog(cfg, logger)
	default:
		return nil, errors.InvalidArgument(fmt.Sprintf("unknown commit log backend '%s'", cfg.Backend), nil)
	}
	if err != nil {
		return nil, err
	}
	guard := cfg.Guard
	if guard == nil && cfg.Dir != "" {
		dc := diskmanager.DefaultConfig(cfg.Dir)
		if cfg.MaxDiskUsage > 0 {
			dc.RejectAt = cfg.MaxDiskUsage
		}
		if guard, err = diskmanager.NewGuard(dc, logger); err != nil {
			_ = log.Close()
			return nil, err
		}
	}
	return &instrumented{Log: log, metrics: m, guard: guard}, nil
}

// Nop is a Log that records nothing.
type Nop struct{}

func (Nop) Append(context.Context, *model.CommitLogEntry) error { return nil }

func (Nop) Replay(context.Context, func(*model.CommitLogEntry) error) error { return nil }

func (Nop) Close() error { return nil }

type instrumented struct {
	Log
	metrics *metrics.Metrics
	guard   *diskmanager.Guard
}

func (l *instrumented) Append(ctx context.Context, entry *model.CommitLogEntry) error {
	if l.guard != nil {
		if err := l.guard.Check(); err != nil {
			return err
		}
	}
	start := time.Now()
	if err := l.Log.Append(ctx, entry); err != nil {
		return err
	}
	l.metrics.RecordCommitLogAppend(time.Since(start).Seconds(), len(entry.Mutations))
	return nil
}

var crcTable = crc32.MakeTable(crc32.IEEE)

// checksum is the CRC32 of an entry encoded with a zero checksum.
func checksum(data []byte) uint32 {
	return crc32.Checksum(data, crcTable)
}

// encode serializes entry with its checksum set.
func encode(entry *model.CommitLogEntry) ([]byte, error) {
	entry.Checksum = 0
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entry: %w", err)
	}
	entry.Checksum = checksum(data)
	return json.Marshal(entry)
}

// decode parses data and verifies its checksum.
func decode(data []byte) (*model.CommitLogEntry, error) {
	var entry model.CommitLogEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, errors.CorruptedData("failed to unmarshal commit log entry", err)
	}
	expected := entry.Checksum
	entry.Checksum = 0
	raw, err := json.Marshal(&entry)
	if err != nil {
		return nil, errors.CorruptedData("failed to re-encode commit log entry", err)
	}
	if checksum(raw) != expected {
		return nil, errors.CorruptedData("commit log entry checksum mismatch", nil).
			WithDetail("version", entry.Version)
	}
	entry.Checksum = expected
	return &entry, nil
}
