package commitlog

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/devrev/livestore/internal/errors"
	"github.com/devrev/livestore/internal/model"
)

const (
	segmentPrefix      = "commitlog-"
	segmentSuffix      = ".log"
	defaultSegmentSize = 64 << 20
)

// FileLog appends JSON lines to numbered segment files.
type FileLog struct {
	config      Config
	currentFile *os.File
	currentSize int64
	logger      *zap.Logger
	mu          sync.Mutex
	segmentID   int64
}

// NewFileLog opens the log in cfg.Dir, starting a new segment after any
// existing ones.
func NewFileLog(cfg Config, logger *zap.Logger) (*FileLog, error) {
	if cfg.Dir == "" {
		return nil, errors.InvalidArgument("commit log directory is required", nil)
	}
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = defaultSegmentSize
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create commit log directory: %w", err)
	}

	segments, err := listSegments(cfg.Dir)
	if err != nil {
		return nil, err
	}
	l := &FileLog{
		config: cfg,
		logger: logger,
	}
	if n := len(segments); n > 0 {
		l.segmentID = segments[n-1].id
	}
	if err := l.openNewSegment(); err != nil {
		return nil, fmt.Errorf("failed to open commit log segment: %w", err)
	}
	return l, nil
}

// Append appends an entry to the current segment
func (l *FileLog) Append(ctx context.Context, entry *model.CommitLogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(entry)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.currentFile == nil {
		return errors.Closed()
	}
	n, err := l.currentFile.Write(data)
	if err != nil {
		return fmt.Errorf("failed to write to commit log: %w", err)
	}
	l.currentSize += int64(n)

	if l.config.SyncWrites {
		if err := l.currentFile.Sync(); err != nil {
			return fmt.Errorf("failed to sync commit log: %w", err)
		}
	}

	if l.currentSize >= l.config.SegmentSize {
		l.logger.Info("Rotating commit log due to size",
			zap.Int64("size", l.currentSize),
			zap.Int64("threshold", l.config.SegmentSize))
		if err := l.openNewSegment(); err != nil {
			return fmt.Errorf("failed to rotate commit log: %w", err)
		}
	}
	return nil
}

// openNewSegment closes the current segment and creates the next one.
// Callers hold mu (or have exclusive access).
func (l *FileLog) openNewSegment() error {
	if l.currentFile != nil {
		if err := l.currentFile.Close(); err != nil {
			l.logger.Warn("Failed to close commit log segment", zap.Error(err))
		}
	}

	l.segmentID++
	segmentPath := filepath.Join(l.config.Dir, segmentName(l.segmentID))
	file, err := os.OpenFile(segmentPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open commit log file: %w", err)
	}
	l.currentFile = file
	l.currentSize = 0

	l.logger.Info("Opened new commit log segment", zap.String("path", segmentPath))
	return nil
}

// Replay reads every segment in order. A damaged final line of a segment is
// a torn write and is skipped; damage followed by valid entries in the same
// segment is reported as CorruptedData.
func (l *FileLog) Replay(ctx context.Context, fn func(*model.CommitLogEntry) error) error {
	segments, err := listSegments(l.config.Dir)
	if err != nil {
		return err
	}

	replayed := 0
	for _, seg := range segments {
		count, err := l.replaySegment(ctx, seg.path, fn)
		replayed += count
		if err != nil {
			return err
		}
	}
	l.logger.Info("Commit log replay completed", zap.Int("entries", replayed))
	return nil
}

func (l *FileLog) replaySegment(
	ctx context.Context,
	path string,
	fn func(*model.CommitLogEntry) error,
) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open commit log segment: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 64<<20)
	count := 0
	var torn error
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		entry, err := decode(line)
		if err != nil {
			torn = err
			continue
		}
		if torn != nil {
			return count, errors.CorruptedData(fmt.Sprintf("damaged entry before version %d in %s", entry.Version, filepath.Base(path)), torn)
		}
		if err := fn(entry); err != nil {
			return count, err
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("failed to read commit log segment: %w", err)
	}
	if torn != nil {
		l.logger.Warn("Ignoring torn commit log tail",
			zap.String("segment", filepath.Base(path)),
			zap.Error(torn))
	}
	return count, nil
}

// Close closes the current segment
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.currentFile == nil {
		return nil
	}
	err := l.currentFile.Close()
	l.currentFile = nil
	return err
}

type segment struct {
	id   int64
	path string
}

func segmentName(id int64) string {
	return fmt.Sprintf("%s%020d%s", segmentPrefix, id, segmentSuffix)
}

func listSegments(dir string) ([]segment, error) {
	paths, err := filepath.Glob(filepath.Join(dir, segmentPrefix+"*"+segmentSuffix))
	if err != nil {
		return nil, fmt.Errorf("failed to list commit log files: %w", err)
	}
	segments := make([]segment, 0, len(paths))
	for _, p := range paths {
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(p), segmentPrefix), segmentSuffix)
		id, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			continue
		}
		segments = append(segments, segment{id: id, path: p})
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].id < segments[j].id })
	return segments, nil
}
