// Package jobctx holds the per-job scoped state shared by every pipeline:
// paths, limits, the cancel token, the stats accumulator, and the job's
// private temp directory.
package jobctx

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ssw-telemetry/cleanengine/pkg/model"
)

// CancelToken is a shared, cooperative cancellation flag. Checked at chunk
// boundaries and between files — never mid-chunk.
type CancelToken struct {
	flag int32
}

// NewCancelToken returns an unset token.
func NewCancelToken() *CancelToken {
	return &CancelToken{}
}

// Set marks the token as cancelled.
func (c *CancelToken) Set() {
	atomic.StoreInt32(&c.flag, 1)
}

// IsSet reports whether the token has been cancelled.
func (c *CancelToken) IsSet() bool {
	return atomic.LoadInt32(&c.flag) == 1
}

// Limits bounds a job's chunk sizing and memory behavior (§5, §4.5).
type Limits struct {
	ChunkSize       int           `yaml:"chunk_size"`
	MinChunkSize    int           `yaml:"min_chunk_size"`
	MaxChunkSize    int           `yaml:"max_chunk_size"`
	MaxMemKeys      int           `yaml:"max_mem_keys"`
	MaxFileBytes    int64         `yaml:"max_file_bytes"`
	MaxBackups      int           `yaml:"max_backups"`
	HighWatermark   float64       `yaml:"high_watermark"`
	LowWatermark    float64       `yaml:"low_watermark"`
	HardCap         float64       `yaml:"hard_cap"`
	MaxJoinMemory   int64         `yaml:"max_join_memory"`
	IndexRunBytes   int64         `yaml:"index_run_bytes"`
	DeadlineSeconds int           `yaml:"deadline_seconds"`
	StaleLockAge    time.Duration `yaml:"stale_lock_age"`
}

// DefaultLimits returns the spec's documented defaults.
func DefaultLimits() Limits {
	return Limits{
		ChunkSize:       50_000,
		MinChunkSize:    1_000,
		MaxChunkSize:    100_000,
		MaxMemKeys:      5_000_000,
		MaxFileBytes:    0, // 0 == unbounded
		MaxBackups:      5,
		HighWatermark:   0.75,
		LowWatermark:    0.40,
		HardCap:         0.90,
		MaxJoinMemory:   1 << 30,
		IndexRunBytes:   256 << 20,
		DeadlineSeconds: 2 * 60 * 60,
		StaleLockAge:    time.Hour,
	}
}

// Event is a structured progress event delivered to the caller's callback.
type Event struct {
	Kind               string `json:"kind"` // start|chunk|stage|done|error
	RowsRead           int64  `json:"rows_read,omitempty"`
	RowsWritten        int64  `json:"rows_written,omitempty"`
	ApproxFractionDone float64 `json:"approx_fraction_done,omitempty"`
	Stage              string `json:"stage,omitempty"`
	Message            string `json:"message,omitempty"`
}

// ProgressFunc is the caller-supplied, non-blocking progress sink.
type ProgressFunc func(Event)

// JobContext is the tree root: it owns the temp directory, every temp
// artifact within it, the cancel token, and the stats accumulator.
type JobContext struct {
	CorrelationID string
	InputPaths    []string
	OutputPath    string
	TempDir       string
	Limits        Limits
	Deadline      time.Time
	Cancel        *CancelToken
	Stats         *model.Stats
	Logger        *logrus.Logger

	progressMu      sync.Mutex
	progress        ProgressFunc
	progressDisabled bool

	artifacts   []string
	artifactsMu sync.Mutex
}

// New creates a JobContext with a private temp directory under baseTempDir
// (typically the same filesystem as OutputPath, to keep staging renames
// atomic).
func New(baseTempDir, outputPath string, limits Limits, progress ProgressFunc, logger *logrus.Logger) (*JobContext, error) {
	id := uuid.NewString()
	tempDir := filepath.Join(baseTempDir, "job_"+id)
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating job temp directory: %w", err)
	}

	deadline := time.Now().Add(time.Duration(limits.DeadlineSeconds) * time.Second)

	jc := &JobContext{
		CorrelationID: id,
		OutputPath:    outputPath,
		TempDir:       tempDir,
		Limits:        limits,
		Deadline:      deadline,
		Cancel:        NewCancelToken(),
		Stats:         model.NewStats(),
		Logger:        logger,
		progress:      progress,
	}
	jc.emit(Event{Kind: "start", Message: "job started"})
	return jc, nil
}

// NewTempArtifact reserves a path inside the job's temp directory and
// records it for cleanup; it does not create the file.
func (jc *JobContext) NewTempArtifact(name string) string {
	path := filepath.Join(jc.TempDir, name)
	jc.artifactsMu.Lock()
	jc.artifacts = append(jc.artifacts, path)
	jc.artifactsMu.Unlock()
	return path
}

// Expired reports whether the job's deadline has passed.
func (jc *JobContext) Expired() bool {
	return time.Now().After(jc.Deadline)
}

// Emit delivers a progress event. A panicking callback is recovered, logged,
// and disabled for the rest of the job — CallbackFailed never aborts it.
func (jc *JobContext) emit(evt Event) {
	jc.progressMu.Lock()
	cb := jc.progress
	disabled := jc.progressDisabled
	jc.progressMu.Unlock()

	if cb == nil || disabled {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			jc.progressMu.Lock()
			jc.progressDisabled = true
			jc.progressMu.Unlock()
			if jc.Logger != nil {
				jc.Logger.WithFields(logrus.Fields{
					"component":      "progress",
					"correlation_id": jc.CorrelationID,
					"panic":          r,
				}).Error("progress callback panicked; disabling for the rest of the job")
			}
		}
	}()
	cb(evt)
}

// Emit is the exported form used by pipelines outside this package.
func (jc *JobContext) Emit(evt Event) {
	jc.emit(evt)
}

// Done emits the terminal "done" event.
func (jc *JobContext) Done() {
	jc.emit(Event{
		Kind:        "done",
		RowsRead:    jc.Stats.RowsRead,
		RowsWritten: jc.Stats.RowsWritten,
	})
}

// Failed emits the terminal "error" event.
func (jc *JobContext) Failed(message string) {
	jc.emit(Event{Kind: "error", Message: message, RowsWritten: jc.Stats.RowsWritten})
}

// Cleanup removes the job's entire temp directory, regardless of success or
// failure — no TempArtifact may outlive its job.
func (jc *JobContext) Cleanup() {
	if jc.TempDir == "" {
		return
	}
	if err := os.RemoveAll(jc.TempDir); err != nil && jc.Logger != nil {
		jc.Logger.WithError(err).WithField("correlation_id", jc.CorrelationID).
			Warn("failed to remove job temp directory")
	}
}
