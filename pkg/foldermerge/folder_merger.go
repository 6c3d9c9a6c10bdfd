// Package foldermerge implements the Folder Merger: concatenating every LMD
// file in a directory, lexicographically, into one cleaned output with
// dedup shared across files (§4.6).
package foldermerge

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/ssw-telemetry/cleanengine/pkg/dedup"
	"github.com/ssw-telemetry/cleanengine/pkg/errors"
	"github.com/ssw-telemetry/cleanengine/pkg/jobctx"
	"github.com/ssw-telemetry/cleanengine/pkg/model"
	"github.com/ssw-telemetry/cleanengine/pkg/monitor"
	"github.com/ssw-telemetry/cleanengine/pkg/probe"
	"github.com/ssw-telemetry/cleanengine/pkg/processor"
	"github.com/ssw-telemetry/cleanengine/pkg/writer"
)

// Merger runs the single-writer, shared-dedup, many-input pipeline.
type Merger struct {
	jc     *jobctx.JobContext
	mon    *monitor.Monitor
	logger *logrus.Logger
}

// New builds a Merger for jc.
func New(jc *jobctx.JobContext, mon *monitor.Monitor) *Merger {
	return &Merger{jc: jc, mon: mon, logger: jc.Logger}
}

// Run enumerates every regular file directly inside dir in lexicographic
// order, deduplicates rows across the whole set with a single DedupSet, and
// appends every survivor to one output file. Every file after the first
// must have an identical column set, or the merge fails with SchemaMismatch.
func (m *Merger) Run(dir string) error {
	files, err := listFiles(dir)
	if err != nil {
		return errors.NewCritical(errors.CodeIoFatal, "folder_merger", "list",
			"failed to enumerate input directory").Wrap(err).WithCorrelationID(m.jc.CorrelationID)
	}
	if len(files) == 0 {
		return errors.New(errors.CodeEmptyInput, "folder_merger", "list",
			"input directory contains no files").WithCorrelationID(m.jc.CorrelationID)
	}

	ds := dedup.New(dedup.Config{MaxMemKeys: m.jc.Limits.MaxMemKeys, SpillDir: m.jc.TempDir}, m.logger)
	defer ds.Close()

	var w *writer.Writer
	var firstCols *model.ColumnSet
	var out error

	for i, path := range files {
		if m.jc.Cancel.IsSet() {
			out = errors.New(errors.CodeCancelled, "folder_merger", "run",
				"job cancelled").WithCorrelationID(m.jc.CorrelationID)
			break
		}
		if m.jc.Expired() {
			out = errors.New(errors.CodeTimedOut, "folder_merger", "run",
				"job deadline exceeded").WithCorrelationID(m.jc.CorrelationID)
			break
		}

		p := processor.New(m.jc, m.mon, ds)

		if w == nil {
			// Probe the first file's columns up front so the writer's header
			// is known before any Append call.
			cols, probeErr := probeColumns(path, m.logger)
			if probeErr != nil {
				out = probeErr
				break
			}
			firstCols = cols
			w, out = writer.New(writer.Config{
				OutputPath: m.jc.OutputPath,
				TempDir:    m.jc.TempDir,
				MaxBackups: m.jc.Limits.MaxBackups,
			}, firstCols, m.logger)
			if out != nil {
				break
			}
		}

		cols, runErr := p.Run(path, w)
		if runErr != nil {
			out = runErr
			break
		}
		if m.mon != nil && m.mon.ExceedsHardCap() {
			out = errors.NewCritical(errors.CodeOutOfMemoryBudget, "folder_merger", "run",
				"memory hard cap exceeded during processing").WithCorrelationID(m.jc.CorrelationID)
			break
		}
		if !cols.Equal(firstCols) {
			onlyFirst, onlyThis := firstCols.Diff(cols)
			out = errors.New(errors.CodeSchemaMismatch, "folder_merger", "run",
				"input file column set does not match the merge's established schema").
				WithMetadata("file", filepath.Base(path)).
				WithMetadata("only_in_first", onlyFirst).
				WithMetadata("only_in_this_file", onlyThis).
				WithCorrelationID(m.jc.CorrelationID)
			break
		}

		m.jc.Emit(jobctx.Event{
			Kind:               "stage",
			RowsRead:           m.jc.Stats.RowsRead,
			RowsWritten:        m.jc.Stats.RowsWritten,
			ApproxFractionDone: float64(i+1) / float64(len(files)),
			Stage:              "merge",
			Message:            filepath.Base(path),
		})
	}

	if w != nil {
		if out != nil {
			w.Abort()
		} else {
			out = w.Finalize()
		}
	}
	return out
}

// listFiles returns the regular files directly inside dir, sorted
// lexicographically by base name.
func listFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(dir, n)
	}
	return paths, nil
}

func probeColumns(path string, logger *logrus.Logger) (*model.ColumnSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.NewCritical(errors.CodeIoFatal, "folder_merger", "probe",
			"failed to open input file").Wrap(err)
	}
	defer f.Close()

	result, err := probe.Probe(probe.NewReader(f), logger)
	if err != nil {
		return nil, err
	}
	return result.Columns, nil
}
