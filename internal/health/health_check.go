package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/livestore/internal/model"
	"github.com/devrev/livestore/internal/storage/diskmanager"
)

// StoreState is the view of a store the checks need.
type StoreState interface {
	Closed() bool
	Version() uint64
	ProcessedVersion() uint64
	NumberOfActiveVersions() int
}

// HealthChecker performs health checks for a store
type HealthChecker struct {
	name        string
	dataDir     string
	disk        *diskmanager.Guard
	maxVersions int
	maxLag      uint64
	store       StoreState
	logger      *zap.Logger
	mu          sync.RWMutex
	lastCheck   time.Time
	status      model.StoreStatus
	metrics     model.HealthMetrics
	checks      map[string]CheckResult
	livenessOK  bool
	readinessOK bool
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string
	Status    string
	Message   string
	Timestamp time.Time
}

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	Name string
	// DataDir is the commit log directory; empty skips the check.
	DataDir           string
	MaxActiveVersions int
	// MaxNotifierLag is the number of unprocessed versions tolerated before
	// the store reports degraded.
	MaxNotifierLag uint64
	Interval       time.Duration
	// Disk is the commit log's disk guard; nil skips the disk usage check.
	Disk *diskmanager.Guard
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(cfg *HealthCheckConfig, store StoreState, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxLag := cfg.MaxNotifierLag
	if maxLag == 0 {
		maxLag = 1000
	}
	return &HealthChecker{
		name:        cfg.Name,
		dataDir:     cfg.DataDir,
		disk:        cfg.Disk,
		maxVersions: cfg.MaxActiveVersions,
		maxLag:      maxLag,
		store:       store,
		logger:      logger,
		checks:      make(map[string]CheckResult),
		livenessOK:  true,
		readinessOK: true,
		status:      model.StoreStatusHealthy,
	}
}

// Start runs the checks every interval until ctx is done.
func (h *HealthChecker) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run initial check
	h.RunChecks()

	for {
		select {
		case <-ticker.C:
			h.RunChecks()
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// RunChecks runs all health checks once
func (h *HealthChecker) RunChecks() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastCheck = time.Now()
	h.metrics = model.HealthMetrics{
		HeadVersion:      h.store.Version(),
		ProcessedVersion: h.store.ProcessedVersion(),
		ActiveVersions:   h.store.NumberOfActiveVersions(),
	}

	checks := []func() CheckResult{
		h.checkOpen,
		h.checkActiveVersions,
		h.checkNotifierLag,
	}
	if h.dataDir != "" {
		checks = append(checks, h.checkDataDirAccessible)
	}
	if h.disk != nil {
		checks = append(checks, h.checkDiskUsage)
	}

	allHealthy := true
	allReady := true

	for _, check := range checks {
		result := check()
		h.checks[result.Name] = result

		if result.Status != "healthy" {
			allHealthy = false
			if result.Status == "critical" {
				allReady = false
			}
		}
	}

	switch {
	case !allReady:
		h.status = model.StoreStatusUnhealthy
	case !allHealthy:
		h.status = model.StoreStatusDegraded
	default:
		h.status = model.StoreStatusHealthy
	}

	// Liveness: the process answers; readiness: the store can serve traffic.
	h.livenessOK = true
	h.readinessOK = allReady

	h.logger.Debug("Health check completed",
		zap.String("status", string(h.status)),
		zap.Bool("liveness", h.livenessOK),
		zap.Bool("readiness", h.readinessOK))
}

func result(name, status, message string) CheckResult {
	return CheckResult{Name: name, Status: status, Message: message, Timestamp: time.Now()}
}

func (h *HealthChecker) checkOpen() CheckResult {
	if h.store.Closed() {
		return result("store_open", "critical", "Store is closed")
	}
	return result("store_open", "healthy", fmt.Sprintf("Store open at version %d", h.metrics.HeadVersion))
}

// checkActiveVersions warns once pinned versions reach 90% of the ceiling.
func (h *HealthChecker) checkActiveVersions() CheckResult {
	active := h.metrics.ActiveVersions
	if h.maxVersions <= 0 {
		return result("active_versions", "healthy", fmt.Sprintf("Active versions: %d (no limit)", active))
	}
	usage := float64(active) / float64(h.maxVersions) * 100
	if usage >= 90 {
		return result("active_versions", "warning",
			fmt.Sprintf("Active versions high: %d/%d (%.0f%%)", active, h.maxVersions, usage))
	}
	return result("active_versions", "healthy", fmt.Sprintf("Active versions: %d/%d", active, h.maxVersions))
}

func (h *HealthChecker) checkNotifierLag() CheckResult {
	var lag uint64
	if h.metrics.HeadVersion > h.metrics.ProcessedVersion {
		lag = h.metrics.HeadVersion - h.metrics.ProcessedVersion
	}
	if lag > h.maxLag {
		return result("notifier_lag", "warning",
			fmt.Sprintf("Notifications lag %d versions behind head", lag))
	}
	return result("notifier_lag", "healthy", fmt.Sprintf("Notification lag: %d", lag))
}

// checkDataDirAccessible checks if the commit log directory is writable
func (h *HealthChecker) checkDataDirAccessible() CheckResult {
	info, err := os.Stat(h.dataDir)
	if err != nil {
		return result("data_dir_accessible", "critical", fmt.Sprintf("Data directory not accessible: %v", err))
	}
	if !info.IsDir() {
		return result("data_dir_accessible", "critical", "Data path is not a directory")
	}

	testFile := filepath.Join(h.dataDir, fmt.Sprintf(".health_check_%d", time.Now().UnixNano()))
	f, err := os.Create(testFile)
	if err != nil {
		return result("data_dir_accessible", "critical", fmt.Sprintf("Cannot write to data directory: %v", err))
	}
	f.Close()
	os.Remove(testFile)

	return result("data_dir_accessible", "healthy", "Data directory is accessible and writable")
}

// checkDiskUsage reports critical once the commit log refuses appends.
func (h *HealthChecker) checkDiskUsage() CheckResult {
	u := h.disk.Usage()
	h.metrics.DiskUsagePercent = u.UsagePercent
	switch {
	case u.Rejecting:
		return result("disk_usage", "critical",
			fmt.Sprintf("Disk usage at %.1f%%, commit log appends refused", u.UsagePercent))
	case u.UsagePercent >= h.disk.WarnAt():
		return result("disk_usage", "warning", fmt.Sprintf("Disk usage high: %.1f%%", u.UsagePercent))
	}
	return result("disk_usage", "healthy", fmt.Sprintf("Disk usage: %.1f%%", u.UsagePercent))
}

// IsLive returns whether the process is live (liveness check)
func (h *HealthChecker) IsLive() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.livenessOK
}

// IsReady returns whether the store is ready (readiness check)
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// GetStatus returns the current health status
func (h *HealthChecker) GetStatus() model.HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.statusLocked()
}

func (h *HealthChecker) statusLocked() model.HealthStatus {
	checks := make(map[string]string, len(h.checks))
	for name, c := range h.checks {
		checks[name] = c.Status
	}
	return model.HealthStatus{
		Store:     h.name,
		Status:    h.status,
		Timestamp: h.lastCheck.Unix(),
		Metrics:   h.metrics,
		Checks:    checks,
	}
}

// GetChecks returns all check results
func (h *HealthChecker) GetChecks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	return checks
}

// SetReadiness manually sets readiness status (for graceful shutdown)
func (h *HealthChecker) SetReadiness(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessOK = ready
}

// LivenessHandler handles HTTP liveness check requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	live := h.livenessOK
	status := h.statusLocked()
	h.mu.RUnlock()

	writeCheck(w, live, map[string]interface{}{
		"healthy": live,
		"status":  status.Status,
	})
}

// ReadinessHandler handles HTTP readiness check requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	ready := h.readinessOK
	status := h.statusLocked()
	h.mu.RUnlock()

	writeCheck(w, ready, map[string]interface{}{
		"ready":   ready,
		"status":  status.Status,
		"checks":  status.Checks,
		"metrics": status.Metrics,
	})
}

func writeCheck(w http.ResponseWriter, ok bool, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(body)
}
