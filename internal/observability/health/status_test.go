package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(context.Context) error { return nil }

func failing(context.Context) error { return errors.New("connection refused") }

func TestMonitorHealthy(t *testing.T) {
	m := NewMonitor(0, nil)
	m.RegisterCheck("store", ok, true)
	m.RegisterCheck("redis", ok, false)

	status := m.Check(context.Background())
	assert.Equal(t, StatusHealthy, status.OverallStatus)
	require.Len(t, status.Checks, 2)
	// sorted by name
	assert.Equal(t, "redis", status.Checks[0].Name)
	assert.Equal(t, "store", status.Checks[1].Name)
	assert.Empty(t, status.CriticalIssues)
}

func TestMonitorDegradedAndUnhealthy(t *testing.T) {
	tests := []struct {
		name     string
		critical bool
		want     HealthStatus
	}{
		{"non-critical failure degrades", false, StatusDegraded},
		{"critical failure is unhealthy", true, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor(time.Second, nil)
			m.RegisterCheck("store", ok, true)
			m.RegisterCheck("dep", failing, tt.critical)

			status := m.Check(context.Background())
			assert.Equal(t, tt.want, status.OverallStatus)
			assert.Equal(t, "connection refused", status.Checks[0].Message)
			if tt.critical {
				assert.Equal(t, []string{"dep"}, status.CriticalIssues)
			}
		})
	}
}

func TestMonitorCheckTimeout(t *testing.T) {
	m := NewMonitor(20*time.Millisecond, nil)
	m.RegisterCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, true)

	status := m.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, status.OverallStatus)
	assert.Contains(t, status.Checks[0].Message, "deadline exceeded")
}
