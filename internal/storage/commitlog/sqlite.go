package commitlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/devrev/livestore/internal/errors"
	"github.com/devrev/livestore/internal/model"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS commit_log (
	version  INTEGER PRIMARY KEY,
	ts       INTEGER NOT NULL,
	payload  BLOB    NOT NULL
)`

// SQLiteLog stores one row per committed version.
type SQLiteLog struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteLog opens (or creates) commitlog.db in cfg.Dir. An empty Dir uses
// an in-memory database.
func NewSQLiteLog(cfg Config, logger *zap.Logger) (*SQLiteLog, error) {
	dsn := ":memory:"
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create commit log directory: %w", err)
		}
		dsn = filepath.Join(cfg.Dir, "commitlog.db")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps :memory: databases alive and serializes writers.
	db.SetMaxOpenConns(1)

	synchronous := "PRAGMA synchronous=NORMAL"
	if cfg.SyncWrites {
		synchronous = "PRAGMA synchronous=FULL"
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=10000",
		synchronous,
		sqliteSchema,
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to prepare commit log database: %w", err)
		}
	}
	logger.Info("Opened sqlite commit log", zap.String("dsn", dsn))
	return &SQLiteLog{db: db, logger: logger}, nil
}

func (l *SQLiteLog) Append(ctx context.Context, entry *model.CommitLogEntry) error {
	data, err := encode(entry)
	if err != nil {
		return err
	}
	_, err = l.db.ExecContext(ctx,
		"INSERT INTO commit_log (version, ts, payload) VALUES (?, ?, ?)",
		int64(entry.Version), entry.Timestamp, data)
	if err != nil {
		return fmt.Errorf("failed to insert commit log entry: %w", err)
	}
	return nil
}

func (l *SQLiteLog) Replay(ctx context.Context, fn func(*model.CommitLogEntry) error) error {
	rows, err := l.db.QueryContext(ctx, "SELECT version, payload FROM commit_log ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query commit log: %w", err)
	}
	defer rows.Close()

	replayed := 0
	for rows.Next() {
		var (
			version int64
			payload []byte
		)
		if err := rows.Scan(&version, &payload); err != nil {
			return fmt.Errorf("failed to scan commit log row: %w", err)
		}
		entry, err := decode(payload)
		if err != nil {
			return err
		}
		if int64(entry.Version) != version {
			return errors.CorruptedData("commit log row version does not match its payload", nil).
				WithDetail("row", version).
				WithDetail("payload", entry.Version)
		}
		if err := fn(entry); err != nil {
			return err
		}
		replayed++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read commit log: %w", err)
	}
	l.logger.Info("Commit log replay completed", zap.Int("entries", replayed))
	return nil
}

func (l *SQLiteLog) Close() error {
	return l.db.Close()
}
