// Package cleanup guards the output and temp filesystems against running
// out of free space mid-job, and reclaims stale temp directories left
// behind by crashed runs.
package cleanup

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ssw-telemetry/cleanengine/internal/metrics"
	"github.com/ssw-telemetry/cleanengine/pkg/errors"
)

// Config configures a Guard.
type Config struct {
	// MinFreeBytes is the minimum free space a watched path must keep;
	// Check returns CodeOutOfDisk once free space drops below it.
	MinFreeBytes uint64
	// MinFreePercent is an additional percentage-of-total floor; whichever
	// of the two thresholds is stricter wins.
	MinFreePercent float64
	// StaleAge bounds how old an orphaned job_* temp directory must be
	// before ReclaimStale removes it.
	StaleAge time.Duration
}

// DefaultConfig returns conservative guard thresholds.
func DefaultConfig() Config {
	return Config{
		MinFreeBytes:   512 * 1024 * 1024, // 512 MiB
		MinFreePercent: 5.0,
		StaleAge:       24 * time.Hour,
	}
}

// Usage reports one path's filesystem occupancy.
type Usage struct {
	Total uint64
	Free  uint64
	Used  uint64
}

// Guard checks free disk space before a job stages writes and reclaims
// abandoned temp directories from crashed prior runs.
type Guard struct {
	config Config
	logger *logrus.Logger
}

// New creates a Guard.
func New(config Config, logger *logrus.Logger) *Guard {
	if config.MinFreeBytes == 0 && config.MinFreePercent == 0 {
		config = DefaultConfig()
	}
	return &Guard{config: config, logger: logger}
}

// Check reports the current usage for path and returns a CodeOutOfDisk
// error if free space is below either configured threshold. Callers
// should invoke this before staging a chunk write or opening a spill
// store, not continuously.
func (g *Guard) Check(path string) (Usage, error) {
	usage, err := g.usage(path)
	if err != nil {
		return Usage{}, errors.NewCritical(errors.CodeOutOfDisk, "cleanup", "check",
			"failed to stat filesystem").Wrap(err)
	}

	device := filepath.Base(path)
	metrics.DiskUsageBytes.WithLabelValues(path, device).Set(float64(usage.Used))

	freePercent := 0.0
	if usage.Total > 0 {
		freePercent = float64(usage.Free) / float64(usage.Total) * 100
	}

	if usage.Free < g.config.MinFreeBytes || freePercent < g.config.MinFreePercent {
		if g.logger != nil {
			g.logger.WithFields(logrus.Fields{
				"component":    "cleanup",
				"path":         path,
				"free_bytes":   usage.Free,
				"free_percent": freePercent,
			}).Error("output filesystem is below the configured free space floor")
		}
		return usage, errors.NewCritical(errors.CodeOutOfDisk, "cleanup", "check",
			fmt.Sprintf("only %d bytes (%.1f%%) free at %s", usage.Free, freePercent, path))
	}

	return usage, nil
}

func (g *Guard) usage(path string) (Usage, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return Usage{}, err
	}
	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bavail * uint64(stat.Bsize)
	return Usage{Total: total, Free: free, Used: total - free}, nil
}

// ReclaimStale removes job_* subdirectories of baseTempDir whose modtime
// is older than the guard's StaleAge, freeing space left behind by jobs
// that crashed before they could clean up their own temp directory.
func (g *Guard) ReclaimStale(baseTempDir string) (int, error) {
	entries, err := os.ReadDir(baseTempDir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.NewCritical(errors.CodeOutOfDisk, "cleanup", "reclaim_stale",
			"failed to list temp directory").Wrap(err)
	}

	type stale struct {
		path    string
		modTime time.Time
	}
	var candidates []stale
	cutoff := time.Now().Add(-g.config.StaleAge)
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "job_") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			candidates = append(candidates, stale{path: filepath.Join(baseTempDir, entry.Name()), modTime: info.ModTime()})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].modTime.Before(candidates[j].modTime) })

	removed := 0
	for _, c := range candidates {
		if err := os.RemoveAll(c.path); err != nil {
			if g.logger != nil {
				g.logger.WithError(err).WithField("path", c.path).Warn("failed to reclaim stale temp directory")
			}
			continue
		}
		removed++
	}
	if removed > 0 && g.logger != nil {
		g.logger.WithFields(logrus.Fields{
			"component": "cleanup",
			"removed":   removed,
		}).Info("reclaimed stale temp directories")
	}
	return removed, nil
}
