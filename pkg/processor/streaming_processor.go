// Package processor implements the Streaming Processor: the chunked
// read -> filter -> dedup -> write pipeline for a single LMD file, with
// adaptive chunk sizing driven by the memory monitor (§4.5, §5).
package processor

import (
	"encoding/csv"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ssw-telemetry/cleanengine/internal/metrics"
	"github.com/ssw-telemetry/cleanengine/pkg/dedup"
	"github.com/ssw-telemetry/cleanengine/pkg/errors"
	"github.com/ssw-telemetry/cleanengine/pkg/filter"
	"github.com/ssw-telemetry/cleanengine/pkg/jobctx"
	"github.com/ssw-telemetry/cleanengine/pkg/model"
	"github.com/ssw-telemetry/cleanengine/pkg/monitor"
	"github.com/ssw-telemetry/cleanengine/pkg/probe"
	"github.com/ssw-telemetry/cleanengine/pkg/writer"
)

// lowWatermarkStreak is the number of consecutive below-LowWatermark chunks
// required before the chunk size is doubled back up.
const lowWatermarkStreak = 3

// Processor runs the single-file cleaning pipeline.
type Processor struct {
	jc      *jobctx.JobContext
	mon     *monitor.Monitor
	dedup   *dedup.DedupSet
	logger  *logrus.Logger
	chunkSz int
	quiet   int // consecutive below-LowWatermark chunks observed
}

// New builds a Processor for a single job. The caller owns starting and
// stopping mon.
func New(jc *jobctx.JobContext, mon *monitor.Monitor, dedupSet *dedup.DedupSet) *Processor {
	chunkSz := jc.Limits.ChunkSize
	if chunkSz <= 0 {
		chunkSz = jobctx.DefaultLimits().ChunkSize
	}
	return &Processor{
		jc:      jc,
		mon:     mon,
		dedup:   dedupSet,
		logger:  jc.Logger,
		chunkSz: chunkSz,
	}
}

// Run streams inputPath through probe -> filter -> dedup -> w, appending
// survivors to w (w.Finalize is the caller's responsibility, so the same
// Writer can span multiple input files for a folder merge).
func (p *Processor) Run(inputPath string, w *writer.Writer) (*model.ColumnSet, error) {
	f, err := os.Open(inputPath)
	if err != nil {
		return nil, errors.NewCritical(errors.CodeIoFatal, "processor", "open",
			"failed to open input file").Wrap(err).WithCorrelationID(p.jc.CorrelationID)
	}
	defer f.Close()

	br := probe.NewReader(f)
	result, err := probe.Probe(br, p.logger)
	if err != nil {
		return nil, err
	}

	r := csv.NewReader(br)
	r.Comma = result.Delimiter
	r.FieldsPerRecord = -1
	r.ReuseRecord = false

	tsIdx, hasTS := result.Columns.TimestampIndex()

	for {
		if p.jc.Cancel.IsSet() {
			return result.Columns, errors.New(errors.CodeCancelled, "processor", "run",
				"job cancelled").WithCorrelationID(p.jc.CorrelationID)
		}
		if p.jc.Expired() {
			return result.Columns, errors.New(errors.CodeTimedOut, "processor", "run",
				"job deadline exceeded").WithCorrelationID(p.jc.CorrelationID)
		}

		chunk, readErr := p.readChunk(r, result.Columns)
		if chunk.Len() == 0 && readErr == io.EOF {
			break
		}

		start := time.Now()
		if err := p.processChunk(chunk, result.Columns, tsIdx, hasTS, w); err != nil {
			return result.Columns, err
		}
		metrics.ChunkDurationSeconds.WithLabelValues("processor").Observe(time.Since(start).Seconds())

		p.jc.Emit(jobctx.Event{
			Kind:        "chunk",
			RowsRead:    p.jc.Stats.RowsRead,
			RowsWritten: p.jc.Stats.RowsWritten,
			Stage:       "clean",
		})

		p.adapt()
		if p.HardCapExceeded() {
			return result.Columns, errors.NewCritical(errors.CodeOutOfMemoryBudget, "processor", "run",
				"memory hard cap exceeded during processing").WithCorrelationID(p.jc.CorrelationID)
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return result.Columns, errors.NewCritical(errors.CodeIoFatal, "processor", "read",
				"failed reading input rows").Wrap(readErr).WithCorrelationID(p.jc.CorrelationID)
		}
	}

	return result.Columns, nil
}

// readChunk reads up to p.chunkSz rows (or until EOF/error). It always
// returns whatever rows it gathered; callers check err separately.
func (p *Processor) readChunk(r *csv.Reader, cols *model.ColumnSet) (model.Chunk, error) {
	chunk := model.Chunk{Rows: make([]model.Row, 0, p.chunkSz)}
	for len(chunk.Rows) < p.chunkSz {
		rec, err := r.Read()
		if err == io.EOF {
			return chunk, io.EOF
		}
		if err != nil {
			return chunk, err
		}
		row := model.Row(rec)
		if len(row) < cols.Len() {
			padded := make(model.Row, cols.Len())
			copy(padded, row)
			row = padded
		}
		chunk.Rows = append(chunk.Rows, row)
	}
	return chunk, nil
}

// processChunk filters, deduplicates, and writes the survivors of one chunk.
func (p *Processor) processChunk(chunk model.Chunk, cols *model.ColumnSet, tsIdx int, hasTS bool, w *writer.Writer) error {
	p.jc.Stats.RowsRead += int64(len(chunk.Rows))
	metrics.RowsReadTotal.WithLabelValues("processor").Add(float64(len(chunk.Rows)))

	filtered := filter.Run(chunk.Rows, cols)
	for reason, n := range filtered.Dropped {
		p.jc.Stats.AddDrop(reason, n)
		metrics.RowsDroppedTotal.WithLabelValues(string(reason)).Add(float64(n))
	}

	survivors := filtered.Survivors
	if hasTS && p.dedup != nil {
		deduped := make([]model.Row, 0, len(survivors))
		for _, row := range survivors {
			dup, err := p.dedup.ContainsOrInsert(row.Get(tsIdx))
			if err != nil {
				return err
			}
			if dup {
				p.jc.Stats.AddDrop(model.DropReasonDuplicate, 1)
				metrics.RowsDroppedTotal.WithLabelValues(string(model.DropReasonDuplicate)).Inc()
				continue
			}
			deduped = append(deduped, row)
		}
		survivors = deduped
	}

	if err := w.Append(survivors); err != nil {
		return err
	}
	p.jc.Stats.RowsWritten += int64(len(survivors))
	metrics.RowsWrittenTotal.WithLabelValues("processor").Add(float64(len(survivors)))
	return nil
}

// adapt re-sizes the chunk based on the memory monitor's current reading.
// Crossing HighWatermark halves the chunk size immediately (bounded below by
// MinChunkSize); three consecutive chunks below LowWatermark double it back
// up (bounded above by MaxChunkSize). A HardCap breach fails the job.
func (p *Processor) adapt() {
	if p.mon == nil {
		return
	}
	limits := p.jc.Limits

	if p.mon.ExceedsHardCap() {
		p.jc.Logger.WithFields(logrus.Fields{
			"component":   "processor",
			"utilization": p.mon.Utilization(),
		}).Error("memory utilization exceeded hard cap")
		return
	}

	if p.mon.ExceedsHighWatermark(limits.HighWatermark) {
		p.quiet = 0
		newSz := p.chunkSz / 2
		if newSz < limits.MinChunkSize {
			newSz = limits.MinChunkSize
		}
		if newSz != p.chunkSz {
			p.chunkSz = newSz
			p.jc.Logger.WithField("chunk_size", p.chunkSz).Info("halved chunk size under memory pressure")
		}
		metrics.ChunkSizeCurrent.Set(float64(p.chunkSz))
		return
	}

	if p.mon.BelowLowWatermark(limits.LowWatermark) {
		p.quiet++
		if p.quiet >= lowWatermarkStreak {
			p.quiet = 0
			newSz := p.chunkSz * 2
			if newSz > limits.MaxChunkSize {
				newSz = limits.MaxChunkSize
			}
			if newSz != p.chunkSz {
				p.chunkSz = newSz
				p.jc.Logger.WithField("chunk_size", p.chunkSz).Info("doubled chunk size after sustained low utilization")
			}
		}
	} else {
		p.quiet = 0
	}
	metrics.ChunkSizeCurrent.Set(float64(p.chunkSz))
}

// HardCapExceeded reports whether the job should fail with OutOfMemoryBudget.
// Checked by the caller between files/chunks so the failure surfaces with
// job-level context rather than mid-write.
func (p *Processor) HardCapExceeded() bool {
	return p.mon != nil && p.mon.ExceedsHardCap()
}
