package monitor

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestMonitor_SamplesUtilizationAboveZero(t *testing.T) {
	m, err := New(Config{CheckInterval: 10 * time.Millisecond, HardCap: 0.90}, logrus.New())
	require.NoError(t, err)

	m.Start()
	defer m.Stop()

	require.Eventually(t, func() bool {
		return m.Utilization() > 0
	}, time.Second, 10*time.Millisecond, "utilization should be sampled within a second")
}

func TestMonitor_WatermarkHelpers(t *testing.T) {
	m, err := New(DefaultConfig(), logrus.New())
	require.NoError(t, err)

	storeFloat64(&m.utilizationBits, 0.5)
	require.True(t, m.ExceedsHighWatermark(0.4))
	require.False(t, m.ExceedsHighWatermark(0.6))
	require.True(t, m.BelowLowWatermark(0.6))
	require.False(t, m.BelowLowWatermark(0.4))
	require.False(t, m.ExceedsHardCap())

	storeFloat64(&m.utilizationBits, 0.95)
	require.True(t, m.ExceedsHardCap())
}
