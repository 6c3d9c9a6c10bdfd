package tests

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/goleak"

	"github.com/ssw-telemetry/cleanengine/pkg/monitor"
)

// TestNoGoroutineLeaks_MemoryMonitor verifies the memory monitor's sampling
// goroutine exits cleanly after Stop, leaving no trace for the next job.
func TestNoGoroutineLeaks_MemoryMonitor(t *testing.T) {
	defer goleak.VerifyNone(t)

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	cfg := monitor.DefaultConfig()
	cfg.CheckInterval = 10 * time.Millisecond

	m, err := monitor.New(cfg, logger)
	if err != nil {
		t.Fatalf("failed to create monitor: %v", err)
	}

	m.Start()
	time.Sleep(50 * time.Millisecond)
	m.Stop()
}
