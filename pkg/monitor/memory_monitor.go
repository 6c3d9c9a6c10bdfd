// Package monitor implements the memory governance monitor: a lightweight
// sampler of process RSS that exposes a single utilization scalar driving
// the streaming processor's adaptive chunk sizing (§4.5, §5).
package monitor

import (
	"context"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"

	"github.com/ssw-telemetry/cleanengine/internal/metrics"
)

// Config configures the memory monitor.
type Config struct {
	CheckInterval time.Duration
	HardCap       float64 // fraction of system memory; exceeding fails the job
}

// DefaultConfig returns the spec's documented sampling interval and cap.
func DefaultConfig() Config {
	return Config{CheckInterval: 2 * time.Second, HardCap: 0.90}
}

// Monitor samples RSS on a ticker and exposes Utilization() as a float64 in
// [0, 1+]. It is started once per job and stopped when the job ends.
type Monitor struct {
	config Config
	logger *logrus.Logger
	proc   *process.Process

	utilizationBits uint64 // atomic, stores math.Float64bits

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Monitor for the current process.
func New(config Config, logger *logrus.Logger) (*Monitor, error) {
	if config.CheckInterval <= 0 {
		config.CheckInterval = 2 * time.Second
	}
	if config.HardCap <= 0 {
		config.HardCap = 0.90
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{config: config, logger: logger, proc: proc, ctx: ctx, cancel: cancel}, nil
}

// Start begins periodic sampling.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.loop()
}

// Stop halts sampling and waits for the sampling goroutine to exit.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	m.sample()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *Monitor) sample() {
	meminfo, err := m.proc.MemoryInfo()
	if err != nil {
		return
	}
	total, err := mem.VirtualMemory()
	if err != nil || total.Total == 0 {
		return
	}

	util := float64(meminfo.RSS) / float64(total.Total)
	storeFloat64(&m.utilizationBits, util)
	metrics.MemoryUtilization.Set(util)

	if m.logger != nil {
		m.logger.WithFields(logrus.Fields{
			"component":   "memory_monitor",
			"rss_bytes":   meminfo.RSS,
			"utilization": util,
		}).Debug("memory sample")
	}
}

// Utilization returns the most recently sampled utilization fraction.
func (m *Monitor) Utilization() float64 {
	return loadFloat64(&m.utilizationBits)
}

// ExceedsHardCap reports whether utilization is at or beyond HardCap — the
// job must fail with OutOfMemoryBudget before the next chunk is read.
func (m *Monitor) ExceedsHardCap() bool {
	return m.Utilization() >= m.config.HardCap
}

// ExceedsHighWatermark reports whether utilization is at or beyond the given
// watermark, used by the adaptive chunk-size policy to halve chunk size.
func (m *Monitor) ExceedsHighWatermark(watermark float64) bool {
	return m.Utilization() >= watermark
}

// BelowLowWatermark reports whether utilization is below the given
// watermark, used to grow chunk size after three consecutive quiet chunks.
func (m *Monitor) BelowLowWatermark(watermark float64) bool {
	return m.Utilization() < watermark
}

func storeFloat64(addr *uint64, v float64) {
	atomic.StoreUint64(addr, math.Float64bits(v))
}

func loadFloat64(addr *uint64) float64 {
	return math.Float64frombits(atomic.LoadUint64(addr))
}
