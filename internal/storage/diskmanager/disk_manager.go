// Package diskmanager watches the free space of the volume holding a commit
// log. Appends are refused once usage crosses the reject threshold, so a full
// disk surfaces as a failed write instead of a torn log.
package diskmanager

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/livestore/internal/errors"
)

// Config holds disk guard thresholds, in percent of the volume.
type Config struct {
	Dir           string
	CheckInterval time.Duration
	WarnAt        float64
	RejectAt      float64
}

// DefaultConfig returns the default thresholds for dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:           dir,
		CheckInterval: 10 * time.Second,
		WarnAt:        80.0,
		RejectAt:      95.0,
	}
}

// Usage is one disk usage sample.
type Usage struct {
	UsagePercent   float64
	AvailableBytes uint64
	Rejecting      bool
	LastCheck      time.Time
}

// Guard caches the usage of one volume and refreshes it at most once per
// CheckInterval.
type Guard struct {
	config Config
	logger *zap.Logger
	// statfs is replaced in tests.
	statfs func(dir string) (total, available uint64, err error)

	mu    sync.Mutex
	usage Usage
}

// NewGuard creates a guard for cfg.Dir and takes a first sample.
func NewGuard(cfg Config, logger *zap.Logger) (*Guard, error) {
	if cfg.Dir == "" {
		return nil, errors.InvalidArgument("disk guard directory is required", nil)
	}
	def := DefaultConfig(cfg.Dir)
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.RejectAt <= 0 {
		cfg.RejectAt = def.RejectAt
	}
	if cfg.WarnAt <= 0 || cfg.WarnAt > cfg.RejectAt {
		cfg.WarnAt = cfg.RejectAt
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Guard{config: cfg, logger: logger, statfs: statfs}
	if err := g.Refresh(); err != nil {
		g.logger.Warn("Initial disk space check failed", zap.Error(err))
	}
	return g, nil
}

func statfs(dir string) (uint64, uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return 0, 0, fmt.Errorf("failed to stat filesystem: %w", err)
	}
	return stat.Blocks * uint64(stat.Bsize), stat.Bavail * uint64(stat.Bsize), nil
}

// Check returns CommitLogFailed while usage is at or above the reject
// threshold.
func (g *Guard) Check() error {
	u := g.Usage()
	if !u.Rejecting {
		return nil
	}
	return errors.CommitLogFailed(
		fmt.Sprintf("disk usage at %.2f%%, refusing to append", u.UsagePercent), nil).
		WithDetail("available_bytes", u.AvailableBytes)
}

// Usage returns the cached sample, refreshing it when stale. A failed refresh
// keeps the previous sample.
func (g *Guard) Usage() Usage {
	g.mu.Lock()
	stale := time.Since(g.usage.LastCheck) > g.config.CheckInterval
	g.mu.Unlock()
	if stale {
		if err := g.Refresh(); err != nil {
			g.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.usage
}

// Refresh samples the volume now.
func (g *Guard) Refresh() error {
	total, available, err := g.statfs(g.config.Dir)
	if err != nil {
		return err
	}
	var percent float64
	if total > 0 {
		percent = float64(total-available) / float64(total) * 100.0
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	was := g.usage.Rejecting
	g.usage = Usage{
		UsagePercent:   percent,
		AvailableBytes: available,
		Rejecting:      percent >= g.config.RejectAt,
		LastCheck:      time.Now(),
	}

	switch {
	case g.usage.Rejecting && !was:
		g.logger.Error("Disk nearly full, commit log appends refused",
			zap.String("dir", g.config.Dir),
			zap.Float64("usage_percent", percent),
			zap.Uint64("available_bytes", available),
			zap.Float64("threshold", g.config.RejectAt))
	case !g.usage.Rejecting && was:
		g.logger.Info("Disk usage back under threshold, commit log appends resumed",
			zap.String("dir", g.config.Dir),
			zap.Float64("usage_percent", percent))
	case percent >= g.config.WarnAt && !g.usage.Rejecting:
		g.logger.Warn("Disk usage warning",
			zap.String("dir", g.config.Dir),
			zap.Float64("usage_percent", percent),
			zap.Float64("warning_threshold", g.config.WarnAt))
	}
	return nil
}

// WarnAt returns the warning threshold in percent.
func (g *Guard) WarnAt() float64 { return g.config.WarnAt }
