package diskmanager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/livestore/internal/errors"
)

func fakeGuard(t *testing.T, used *float64) *Guard {
	t.Helper()
	g, err := NewGuard(Config{Dir: t.TempDir(), CheckInterval: time.Hour, WarnAt: 80, RejectAt: 95}, zap.NewNop())
	require.NoError(t, err)
	g.statfs = func(string) (uint64, uint64, error) {
		return 1000, uint64(1000 - *used*10), nil
	}
	require.NoError(t, g.Refresh())
	return g
}

func TestGuard_Thresholds(t *testing.T) {
	tests := []struct {
		name      string
		used      float64
		rejecting bool
	}{
		{name: "plenty of space", used: 10},
		{name: "warning only", used: 85},
		{name: "at reject threshold", used: 95, rejecting: true},
		{name: "full", used: 100, rejecting: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			used := tt.used
			g := fakeGuard(t, &used)
			u := g.Usage()
			assert.InDelta(t, tt.used, u.UsagePercent, 0.001)
			assert.Equal(t, tt.rejecting, u.Rejecting)
			if tt.rejecting {
				assert.ErrorIs(t, g.Check(), errors.ErrCommitLogFailed)
			} else {
				assert.NoError(t, g.Check())
			}
		})
	}
}

func TestGuard_RecoversAfterRefresh(t *testing.T) {
	used := 99.0
	g := fakeGuard(t, &used)
	require.Error(t, g.Check())

	used = 50
	require.NoError(t, g.Refresh())
	assert.NoError(t, g.Check())
}

func TestGuard_RealVolume(t *testing.T) {
	g, err := NewGuard(DefaultConfig(t.TempDir()), nil)
	require.NoError(t, err)
	u := g.Usage()
	assert.False(t, u.LastCheck.IsZero())
	assert.Greater(t, u.UsagePercent+float64(u.AvailableBytes), 0.0)
}

func TestNewGuard_RequiresDir(t *testing.T) {
	_, err := NewGuard(Config{}, nil)
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}
