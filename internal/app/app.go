// Package app wires the engine's components into a runnable whole: it
// dispatches a single job (single-file clean, folder merge, or
// column-add) and optionally serves the admin HTTP surface alongside it.
package app

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ssw-telemetry/cleanengine/internal/config"
	"github.com/ssw-telemetry/cleanengine/internal/metrics"
	"github.com/ssw-telemetry/cleanengine/pkg/cleanup"
	"github.com/ssw-telemetry/cleanengine/pkg/compression"
	"github.com/ssw-telemetry/cleanengine/pkg/dedup"
	"github.com/ssw-telemetry/cleanengine/pkg/errors"
	"github.com/ssw-telemetry/cleanengine/pkg/foldermerge"
	"github.com/ssw-telemetry/cleanengine/pkg/index"
	"github.com/ssw-telemetry/cleanengine/pkg/joiner"
	"github.com/ssw-telemetry/cleanengine/pkg/jobctx"
	"github.com/ssw-telemetry/cleanengine/pkg/lock"
	"github.com/ssw-telemetry/cleanengine/pkg/monitor"
	"github.com/ssw-telemetry/cleanengine/pkg/probe"
	"github.com/ssw-telemetry/cleanengine/pkg/processor"
	"github.com/ssw-telemetry/cleanengine/pkg/tracing"
	"github.com/ssw-telemetry/cleanengine/pkg/writer"
)

// Kind selects which pipeline RunJob dispatches to.
type Kind string

const (
	KindClean     Kind = "clean"      // single LMD file through the streaming processor
	KindMerge     Kind = "merge"      // a folder of LMD files, cross-file deduped
	KindColumnAdd Kind = "columnadd"  // join carry columns from an LMD file onto a Details file
)

// JobRequest describes one job submission.
type JobRequest struct {
	Kind         Kind
	InputPath    string   // single file (clean) or folder (merge)
	DetailsPath  string   // column-add only: the file receiving new columns
	LMDPath      string   // column-add only: the file carry columns are read from
	CarryColumns []string // column-add only
	OutputPath   string
}

// jobSnapshot is the JSON shape served at /status.
type jobSnapshot struct {
	CorrelationID string    `json:"correlation_id"`
	Kind          Kind      `json:"kind"`
	StartedAt     time.Time `json:"started_at"`
	RowsRead      int64     `json:"rows_read"`
	RowsWritten   int64     `json:"rows_written"`
	Dropped       map[string]int64 `json:"dropped"`
	Done          bool      `json:"done"`
	Error         string    `json:"error,omitempty"`
}

// App owns the process-wide singletons a job run shares: config, logger,
// tracing, and the disk guard. A fresh JobContext is created per job.
type App struct {
	config  *config.EngineConfig
	logger  *logrus.Logger
	tracer  *tracing.Manager
	guard   *cleanup.Guard
	compMgr *compression.Manager

	mu      sync.RWMutex
	current *jobSnapshot
}

// New builds an App from a loaded configuration.
func New(cfg *config.EngineConfig, logger *logrus.Logger) (*App, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if level, err := logrus.ParseLevel(cfg.App.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	if cfg.App.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	tracer, err := tracing.NewManager(cfg.Tracing, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}

	return &App{
		config:  cfg,
		logger:  logger,
		tracer:  tracer,
		guard:   cleanup.New(cfg.Disk, logger),
		compMgr: compression.NewManager(),
	}, nil
}

// Shutdown releases process-wide resources.
func (a *App) Shutdown(ctx context.Context) error {
	return a.tracer.Shutdown(ctx)
}

// ShutdownGrace is how long the admin server is given to drain in-flight
// requests once a job finishes.
func (a *App) ShutdownGrace() time.Duration {
	return 5 * time.Second
}

// RunJob executes req to completion, taking the output lock for its
// duration and publishing progress to the /status snapshot.
func (a *App) RunJob(ctx context.Context, req JobRequest) error {
	baseTempDir := os.TempDir()
	if _, err := a.guard.Check(baseTempDir); err != nil {
		return err
	}

	l, err := lock.Acquire(req.OutputPath, a.config.Lock.StaleAge)
	if err != nil {
		return err
	}
	defer l.Release()

	snap := &jobSnapshot{Kind: req.Kind, StartedAt: time.Now(), Dropped: map[string]int64{}}
	a.setSnapshot(snap)
	metrics.JobsActive.Inc()
	defer metrics.JobsActive.Dec()

	jc, err := jobctx.New(baseTempDir, req.OutputPath, a.config.Limits, a.progressFunc(snap), a.logger)
	if err != nil {
		return err
	}
	defer jc.Cleanup()
	snap.CorrelationID = jc.CorrelationID

	ctx, span := a.tracer.StartJob(ctx, jc.CorrelationID, string(req.Kind))

	start := time.Now()
	runErr := a.dispatch(ctx, jc, req)
	metrics.JobDurationSeconds.WithLabelValues(string(req.Kind)).Observe(time.Since(start).Seconds())

	a.mu.Lock()
	snap.Done = true
	snap.RowsRead = jc.Stats.RowsRead
	snap.RowsWritten = jc.Stats.RowsWritten
	for reason, n := range jc.Stats.Dropped {
		snap.Dropped[string(reason)] = n
	}
	if runErr != nil {
		snap.Error = runErr.Error()
	}
	a.mu.Unlock()

	if runErr != nil {
		tracing.RecordError(span, runErr)
		span.End()
		metrics.JobsFailedTotal.WithLabelValues(string(req.Kind)).Inc()
		jc.Failed(runErr.Error())
		return runErr
	}
	tracing.End(span)
	jc.Done()
	return nil
}

func (a *App) dispatch(ctx context.Context, jc *jobctx.JobContext, req JobRequest) error {
	monCfg := monitor.DefaultConfig()
	monCfg.HardCap = jc.Limits.HardCap
	mon, err := monitor.New(monCfg, a.logger)
	if err != nil {
		return fmt.Errorf("starting memory monitor: %w", err)
	}
	mon.Start()
	defer mon.Stop()

	switch req.Kind {
	case KindClean:
		return a.runClean(jc, mon, req)
	case KindMerge:
		return a.runMerge(jc, mon, req)
	case KindColumnAdd:
		return a.runColumnAdd(jc, req)
	default:
		return errors.NewCritical(errors.CodeConfigInvalid, "app", "dispatch",
			fmt.Sprintf("unknown job kind %q", req.Kind))
	}
}

func (a *App) runClean(jc *jobctx.JobContext, mon *monitor.Monitor, req JobRequest) error {
	f, err := os.Open(req.InputPath)
	if err != nil {
		return fmt.Errorf("opening input file: %w", err)
	}
	defer f.Close()

	result, err := probe.Probe(probe.NewReader(f), a.logger)
	if err != nil {
		return err
	}
	f.Close()

	cols := result.Columns
	w, err := writer.New(writer.Config{
		OutputPath: req.OutputPath,
		TempDir:    jc.TempDir,
		MaxBackups: jc.Limits.MaxBackups,
	}, cols, a.logger)
	if err != nil {
		return err
	}

	ds := dedup.New(dedup.Config{MaxMemKeys: jc.Limits.MaxMemKeys, SpillDir: jc.TempDir}, a.logger)
	defer ds.Close()

	proc := processor.New(jc, mon, ds)
	if _, err := proc.Run(req.InputPath, w); err != nil {
		w.Abort()
		return err
	}
	return w.Finalize()
}

func (a *App) runMerge(jc *jobctx.JobContext, mon *monitor.Monitor, req JobRequest) error {
	merger := foldermerge.New(jc, mon)
	return merger.Run(req.InputPath)
}

func (a *App) runColumnAdd(jc *jobctx.JobContext, req JobRequest) error {
	idx, err := index.Build(req.LMDPath, index.Config{
		CarryColumns: req.CarryColumns,
		RunRowLimit:  int(jc.Limits.IndexRunBytes / 256),
		TempDir:      jc.TempDir,
	}, a.logger)
	if err != nil {
		return err
	}
	defer idx.Close()

	f, err := os.Open(req.DetailsPath)
	if err != nil {
		return fmt.Errorf("opening details file: %w", err)
	}
	result, err := probe.Probe(probe.NewReader(f), a.logger)
	f.Close()
	if err != nil {
		return err
	}

	outCols := joiner.OutputColumns(result.Columns, req.CarryColumns)
	w, err := writer.New(writer.Config{
		OutputPath: req.OutputPath,
		TempDir:    jc.TempDir,
		MaxBackups: jc.Limits.MaxBackups,
	}, outCols, a.logger)
	if err != nil {
		return err
	}

	j := joiner.New(jc, idx)
	if err := j.Run(req.DetailsPath, w); err != nil {
		w.Abort()
		return err
	}
	return w.Finalize()
}

func (a *App) progressFunc(snap *jobSnapshot) jobctx.ProgressFunc {
	return func(evt jobctx.Event) {
		a.mu.Lock()
		defer a.mu.Unlock()
		snap.RowsRead = evt.RowsRead
		snap.RowsWritten = evt.RowsWritten
	}
}

func (a *App) setSnapshot(snap *jobSnapshot) {
	a.mu.Lock()
	a.current = snap
	a.mu.Unlock()
}

func (a *App) snapshot() *jobSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current
}
