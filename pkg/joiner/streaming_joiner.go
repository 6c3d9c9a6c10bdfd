// Package joiner implements the Streaming Joiner for the column-add
// pipeline: chunked scan of the Details file, index probe per row, left
// outer join emitting carry columns in caller order (§4.8).
package joiner

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ssw-telemetry/cleanengine/internal/metrics"
	"github.com/ssw-telemetry/cleanengine/pkg/dedup"
	"github.com/ssw-telemetry/cleanengine/pkg/errors"
	"github.com/ssw-telemetry/cleanengine/pkg/index"
	"github.com/ssw-telemetry/cleanengine/pkg/jobctx"
	"github.com/ssw-telemetry/cleanengine/pkg/model"
	"github.com/ssw-telemetry/cleanengine/pkg/probe"
	"github.com/ssw-telemetry/cleanengine/pkg/writer"
)

const defaultChunkRows = 50_000

// Joiner streams a Details file against a pre-built Index and appends carry
// columns, preserving Details row order.
type Joiner struct {
	jc        *jobctx.JobContext
	idx       *index.Index
	chunkRows int
}

// New builds a Joiner over idx.
func New(jc *jobctx.JobContext, idx *index.Index) *Joiner {
	chunkRows := jc.Limits.ChunkSize
	if chunkRows <= 0 {
		chunkRows = defaultChunkRows
	}
	return &Joiner{jc: jc, idx: idx, chunkRows: chunkRows}
}

// Run streams detailsPath, joins every row against the index, and writes
// Details-columns ++ carry-columns to w.
func (j *Joiner) Run(detailsPath string, w *writer.Writer) error {
	f, err := os.Open(detailsPath)
	if err != nil {
		return errors.NewCritical(errors.CodeIoFatal, "joiner", "open",
			"failed to open Details file").Wrap(err).WithCorrelationID(j.jc.CorrelationID)
	}
	defer f.Close()

	br := probe.NewReader(f)
	result, err := probe.Probe(br, j.jc.Logger)
	if err != nil {
		return err
	}

	tsIdx, ok := result.Columns.TimestampIndex()
	if !ok {
		return errors.New(errors.CodeSchemaMismatch, "joiner", "run",
			fmt.Sprintf("Details header is missing the %q join key column", model.TimestampColumnName)).
			WithCorrelationID(j.jc.CorrelationID)
	}

	r := csv.NewReader(br)
	r.Comma = result.Delimiter
	r.FieldsPerRecord = -1

	for {
		if j.jc.Cancel.IsSet() {
			return errors.New(errors.CodeCancelled, "joiner", "run",
				"job cancelled").WithCorrelationID(j.jc.CorrelationID)
		}
		if j.jc.Expired() {
			return errors.New(errors.CodeTimedOut, "joiner", "run",
				"job deadline exceeded").WithCorrelationID(j.jc.CorrelationID)
		}

		rows, readErr := j.readChunk(r)
		if len(rows) == 0 && readErr == io.EOF {
			break
		}

		start := time.Now()
		joined := make([]model.Row, 0, len(rows))
		for _, row := range rows {
			key := dedup.Canonicalize(row.Get(tsIdx))
			carry, found := j.idx.Lookup(key)
			out := make(model.Row, 0, len(row)+len(j.idx.CarryColumns))
			out = append(out, row...)
			if found {
				out = append(out, carry...)
			} else {
				for range j.idx.CarryColumns {
					out = append(out, "")
				}
			}
			joined = append(joined, out)
		}
		if err := w.Append(joined); err != nil {
			return err
		}
		metrics.ChunkDurationSeconds.WithLabelValues("joiner").Observe(time.Since(start).Seconds())

		j.jc.Stats.RowsRead += int64(len(rows))
		j.jc.Stats.RowsWritten += int64(len(joined))
		metrics.RowsReadTotal.WithLabelValues("joiner").Add(float64(len(rows)))
		metrics.RowsWrittenTotal.WithLabelValues("joiner").Add(float64(len(joined)))

		j.jc.Emit(jobctx.Event{
			Kind:        "chunk",
			RowsRead:    j.jc.Stats.RowsRead,
			RowsWritten: j.jc.Stats.RowsWritten,
			Stage:       "join",
		})

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return errors.NewCritical(errors.CodeIoFatal, "joiner", "read",
				"failed reading Details rows").Wrap(readErr).WithCorrelationID(j.jc.CorrelationID)
		}
	}

	return nil
}

func (j *Joiner) readChunk(r *csv.Reader) ([]model.Row, error) {
	rows := make([]model.Row, 0, j.chunkRows)
	for len(rows) < j.chunkRows {
		rec, err := r.Read()
		if err == io.EOF {
			return rows, io.EOF
		}
		if err != nil {
			return rows, err
		}
		rows = append(rows, model.Row(rec))
	}
	return rows, nil
}

// OutputColumns builds the joined output's column set: Details columns
// followed by the index's carry columns, in that order.
func OutputColumns(detailsCols *model.ColumnSet, carryColumns []string) *model.ColumnSet {
	names := append([]string(nil), detailsCols.Names()...)
	names = append(names, carryColumns...)
	return model.NewColumnSet(names)
}
