package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/livestore/internal/model"
	"github.com/devrev/livestore/internal/storage/diskmanager"
)

type fakeStore struct {
	closed    bool
	head      uint64
	processed uint64
	active    int
}

func (p *fakeStore) Closed() bool                { return p.closed }
func (p *fakeStore) Version() uint64             { return p.head }
func (p *fakeStore) ProcessedVersion() uint64    { return p.processed }
func (p *fakeStore) NumberOfActiveVersions() int { return p.active }

func TestRunChecks(t *testing.T) {
	tests := []struct {
		name       string
		store      fakeStore
		dataDir    string
		wantStatus model.StoreStatus
		wantReady  bool
	}{
		{
			name:       "healthy",
			store:      fakeStore{head: 10, processed: 10, active: 2},
			wantStatus: model.StoreStatusHealthy,
			wantReady:  true,
		},
		{
			name:       "closed",
			store:      fakeStore{closed: true},
			wantStatus: model.StoreStatusUnhealthy,
		},
		{
			name:       "too many versions",
			store:      fakeStore{head: 10, processed: 10, active: 9},
			wantStatus: model.StoreStatusDegraded,
			wantReady:  true,
		},
		{
			name:       "lagging notifier",
			store:      fakeStore{head: 500, processed: 10, active: 1},
			wantStatus: model.StoreStatusDegraded,
			wantReady:  true,
		},
		{
			name:       "missing data dir",
			store:      fakeStore{head: 1, processed: 1, active: 1},
			dataDir:    "/nonexistent/livestore",
			wantStatus: model.StoreStatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := tt.store
			h := NewHealthChecker(&HealthCheckConfig{
				Name:              "test",
				DataDir:           tt.dataDir,
				MaxActiveVersions: 10,
				MaxNotifierLag:    100,
			}, &store, zap.NewNop())
			h.RunChecks()

			status := h.GetStatus()
			assert.Equal(t, tt.wantStatus, status.Status)
			assert.Equal(t, tt.wantReady, h.IsReady())
			assert.True(t, h.IsLive())
			assert.Equal(t, store.head, status.Metrics.HeadVersion)
		})
	}
}

func TestDataDirWritable(t *testing.T) {
	h := NewHealthChecker(&HealthCheckConfig{DataDir: t.TempDir()}, &fakeStore{}, nil)
	h.RunChecks()
	assert.Equal(t, "healthy", h.GetChecks()["data_dir_accessible"].Status)
}

func TestDiskUsageCheck(t *testing.T) {
	dir := t.TempDir()
	guard, err := diskmanager.NewGuard(diskmanager.DefaultConfig(dir), zap.NewNop())
	require.NoError(t, err)
	h := NewHealthChecker(&HealthCheckConfig{DataDir: dir, Disk: guard}, &fakeStore{}, nil)
	h.RunChecks()

	check, ok := h.GetChecks()["disk_usage"]
	require.True(t, ok)
	assert.Contains(t, []string{"healthy", "warning", "critical"}, check.Status)
	assert.Equal(t, guard.Usage().UsagePercent, h.GetStatus().Metrics.DiskUsagePercent)
}

func TestReadinessHandler(t *testing.T) {
	store := &fakeStore{head: 3, processed: 3, active: 1}
	h := NewHealthChecker(&HealthCheckConfig{Name: "test"}, store, zap.NewNop())
	h.RunChecks()

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["ready"])
	assert.Equal(t, "healthy", body["status"])

	h.SetReadiness(false)
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
