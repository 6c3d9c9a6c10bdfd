// Package index implements the Index Builder for the column-add pipeline:
// an external sort over the LMD file into memory-bounded, key-sorted runs,
// merged into one sparse-indexed lookup store keyed by the TestDateUTC
// join column (§4.7).
//
// Each run is itself a bbolt bucket: bbolt's B+tree stores keys in sorted
// order as they are inserted, so a run needs no separate in-memory sort
// step — the run bucket already satisfies the runs-are-sorted invariant
// the external-merge phase relies on. The final merged store plays the
// role of the spec's sparse block index too: bbolt's B+tree gives
// logarithmic Seek, so no separate in-memory sparse index needs to be
// built by hand.
package index

import (
	"container/heap"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"

	"github.com/ssw-telemetry/cleanengine/pkg/dedup"
	"github.com/ssw-telemetry/cleanengine/pkg/errors"
	"github.com/ssw-telemetry/cleanengine/pkg/model"
	"github.com/ssw-telemetry/cleanengine/pkg/probe"
)

const runBucket = "run"
const indexBucket = "index"

// sep separates carry-column values inside one stored record. Carry values
// are CSV cells, which never legally contain this control character.
const sep = "\x1f"

// Config configures an index build.
type Config struct {
	// CarryColumns are the LMD columns appended to matching Details rows,
	// in the order they should appear in the joiner's output.
	CarryColumns []string
	// RunRowLimit bounds how many rows accumulate in memory before a run is
	// flushed to its own bbolt bucket file. Approximates IndexRunBytes
	// without tracking exact byte counts per cell.
	RunRowLimit int
	TempDir     string
}

// Index is the built lookup store: one merged, sorted bbolt bucket of
// key -> carry-values, first-occurrence-wins on duplicate keys.
type Index struct {
	db           *bbolt.DB
	path         string
	CarryColumns []string
}

// Lookup returns the carry values for key, in Config.CarryColumns order, and
// whether the key was present.
func (idx *Index) Lookup(key string) ([]string, bool) {
	var values []string
	var found bool
	_ = idx.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(indexBucket))
		v := b.Get([]byte(key))
		if v == nil {
			return nil
		}
		found = true
		values = decodeRecord(string(v))
		return nil
	})
	return values, found
}

// Close releases the index's bbolt handle. The backing file is removed by
// the job's temp directory cleanup.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// Build scans lmdPath once, extracting the TestDateUTC join key and carry
// columns of every row into memory-bounded runs, then k-way merges the runs into one
// sorted, first-occurrence-wins index. Partial run files are removed if the
// build fails at any stage.
func Build(lmdPath string, cfg Config, logger *logrus.Logger) (*Index, error) {
	if cfg.RunRowLimit <= 0 {
		cfg.RunRowLimit = 200_000
	}
	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		return nil, errors.NewCritical(errors.CodeIndexBuildFailed, "index_builder", "build",
			"failed to create temp directory").Wrap(err)
	}

	runPaths, _, err := buildRuns(lmdPath, cfg, logger)
	if err != nil {
		cleanupRuns(runPaths)
		return nil, err
	}

	mergedPath, err := mergeRuns(runPaths, cfg.TempDir, logger)
	cleanupRuns(runPaths)
	if err != nil {
		return nil, err
	}

	db, err := bbolt.Open(mergedPath, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.NewCritical(errors.CodeIndexBuildFailed, "index_builder", "build",
			"failed to open merged index store").Wrap(err)
	}

	return &Index{db: db, path: mergedPath, CarryColumns: cfg.CarryColumns}, nil
}

// buildRuns streams lmdPath in row-count-bounded chunks, writing each
// chunk's first-occurrence-wins (key -> carry values) pairs into its own
// bbolt run file.
func buildRuns(lmdPath string, cfg Config, logger *logrus.Logger) ([]string, *model.ColumnSet, error) {
	f, err := os.Open(lmdPath)
	if err != nil {
		return nil, nil, errors.NewCritical(errors.CodeIndexBuildFailed, "index_builder", "scan",
			"failed to open LMD file").Wrap(err)
	}
	defer f.Close()

	br := probe.NewReader(f)
	result, err := probe.Probe(br, logger)
	if err != nil {
		return nil, nil, err
	}

	tsIdx, ok := result.Columns.TimestampIndex()
	if !ok {
		return nil, nil, errors.New(errors.CodeSchemaMismatch, "index_builder", "scan",
			fmt.Sprintf("LMD header is missing the %q join key column", model.TimestampColumnName))
	}

	carryIdx := make([]int, len(cfg.CarryColumns))
	for i, name := range cfg.CarryColumns {
		pos, ok := result.Columns.IndexOf(name)
		if !ok {
			return nil, nil, errors.New(errors.CodeIndexBuildFailed, "index_builder", "scan",
				fmt.Sprintf("carry column %q not present in LMD header", name))
		}
		carryIdx[i] = pos
	}

	r := csv.NewReader(br)
	r.Comma = result.Delimiter
	r.FieldsPerRecord = -1

	var runPaths []string
	runIdx := 0
	rowsInRun := 0
	var runDB *bbolt.DB

	flush := func() error {
		if runDB == nil {
			return nil
		}
		return runDB.Close()
	}

	openRun := func() error {
		path := filepath.Join(cfg.TempDir, fmt.Sprintf("index_run_%d_%d.db", runIdx, time.Now().UnixNano()))
		db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
		if err != nil {
			return errors.NewCritical(errors.CodeIndexBuildFailed, "index_builder", "scan",
				"failed to open run store").Wrap(err)
		}
		if err := db.Update(func(tx *bbolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists([]byte(runBucket))
			return err
		}); err != nil {
			db.Close()
			return errors.NewCritical(errors.CodeIndexBuildFailed, "index_builder", "scan",
				"failed to create run bucket").Wrap(err)
		}
		runDB = db
		runPaths = append(runPaths, path)
		runIdx++
		rowsInRun = 0
		return nil
	}

	if err := openRun(); err != nil {
		return nil, nil, err
	}

	for {
		rec, readErr := r.Read()
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			flush()
			return runPaths, result.Columns, errors.NewCritical(errors.CodeIndexBuildFailed, "index_builder", "scan",
				"failed reading LMD rows").Wrap(readErr)
		}

		row := model.Row(rec)
		key := dedup.Canonicalize(row.Get(tsIdx))
		values := make([]string, len(carryIdx))
		for i, ci := range carryIdx {
			values[i] = row.Get(ci)
		}
		record := encodeRecord(values)

		if err := runDB.Update(func(tx *bbolt.Tx) error {
			b := tx.Bucket([]byte(runBucket))
			if b.Get([]byte(key)) != nil {
				return nil // first occurrence within this run wins
			}
			return b.Put([]byte(key), []byte(record))
		}); err != nil {
			flush()
			return runPaths, result.Columns, errors.NewCritical(errors.CodeIndexBuildFailed, "index_builder", "scan",
				"failed writing run record").Wrap(err)
		}

		rowsInRun++
		if rowsInRun >= cfg.RunRowLimit {
			if err := flush(); err != nil {
				return runPaths, result.Columns, errors.NewCritical(errors.CodeIndexBuildFailed, "index_builder", "scan",
					"failed closing run store").Wrap(err)
			}
			if err := openRun(); err != nil {
				return runPaths, result.Columns, err
			}
		}
	}

	if err := flush(); err != nil {
		return runPaths, result.Columns, errors.NewCritical(errors.CodeIndexBuildFailed, "index_builder", "scan",
			"failed closing final run store").Wrap(err)
	}

	return runPaths, result.Columns, nil
}

// runCursor is one open run's position during the k-way merge.
type runCursor struct {
	runOrder int
	db       *bbolt.DB
	tx       *bbolt.Tx
	cursor   *bbolt.Cursor
	key      []byte
	value    []byte
	done     bool
}

func (c *runCursor) advance() {
	c.key, c.value = c.cursor.Next()
	c.done = c.key == nil
}

// mergeHeap orders cursors by key, breaking ties by run order (earlier run
// -- earlier file occurrence -- wins).
type mergeHeap []*runCursor

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	cmp := compareBytes(h[i].key, h[j].key)
	if cmp != 0 {
		return cmp < 0
	}
	return h[i].runOrder < h[j].runOrder
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(*runCursor)) }
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// mergeRuns k-way merges runPaths (each already key-sorted) into one final
// bbolt store, keeping the earliest run's record whenever keys tie.
func mergeRuns(runPaths []string, tempDir string, logger *logrus.Logger) (string, error) {
	finalPath := filepath.Join(tempDir, fmt.Sprintf("index_merged_%d.db", time.Now().UnixNano()))
	finalDB, err := bbolt.Open(finalPath, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return "", errors.NewCritical(errors.CodeIndexBuildFailed, "index_builder", "merge",
			"failed to open final index store").Wrap(err)
	}
	if err := finalDB.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(indexBucket))
		return err
	}); err != nil {
		finalDB.Close()
		os.Remove(finalPath)
		return "", errors.NewCritical(errors.CodeIndexBuildFailed, "index_builder", "merge",
			"failed to create index bucket").Wrap(err)
	}

	var cursors []*runCursor
	defer func() {
		for _, c := range cursors {
			if c.tx != nil {
				c.tx.Rollback()
			}
			c.db.Close()
		}
	}()

	for i, path := range runPaths {
		db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second, ReadOnly: true})
		if err != nil {
			finalDB.Close()
			os.Remove(finalPath)
			return "", errors.NewCritical(errors.CodeIndexBuildFailed, "index_builder", "merge",
				"failed to open run store for merge").Wrap(err)
		}
		tx, err := db.Begin(false)
		if err != nil {
			db.Close()
			finalDB.Close()
			os.Remove(finalPath)
			return "", errors.NewCritical(errors.CodeIndexBuildFailed, "index_builder", "merge",
				"failed to begin run read transaction").Wrap(err)
		}
		b := tx.Bucket([]byte(runBucket))
		cur := b.Cursor()
		k, v := cur.First()
		cursors = append(cursors, &runCursor{runOrder: i, db: db, tx: tx, cursor: cur, key: k, value: v, done: k == nil})
	}

	h := make(mergeHeap, 0, len(cursors))
	for _, c := range cursors {
		if !c.done {
			h = append(h, c)
		}
	}
	heap.Init(&h)

	err = finalDB.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(indexBucket))
		var lastKey []byte
		for h.Len() > 0 {
			top := h[0]
			key := append([]byte(nil), top.key...)
			value := append([]byte(nil), top.value...)

			if lastKey == nil || compareBytes(key, lastKey) != 0 {
				if err := b.Put(key, value); err != nil {
					return err
				}
				lastKey = key
			}
			// Any other cursor(s) sharing this key lose (earliest run order
			// already won via heap ordering); advance every cursor at this key.
			for h.Len() > 0 && compareBytes(h[0].key, key) == 0 {
				c := heap.Pop(&h).(*runCursor)
				c.advance()
				if !c.done {
					heap.Push(&h, c)
				}
			}
		}
		return nil
	})
	if err != nil {
		finalDB.Close()
		os.Remove(finalPath)
		return "", errors.NewCritical(errors.CodeIndexBuildFailed, "index_builder", "merge",
			"failed writing merged index").Wrap(err)
	}

	if logger != nil {
		logger.WithFields(logrus.Fields{
			"component": "index_builder",
			"runs":      len(runPaths),
		}).Info("index build completed")
	}

	return finalPath, nil
}

func cleanupRuns(paths []string) {
	for _, p := range paths {
		os.Remove(p)
	}
}

func compareBytes(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

func encodeRecord(values []string) string {
	out := ""
	for i, v := range values {
		if i > 0 {
			out += sep
		}
		out += v
	}
	return out
}

func decodeRecord(s string) []string {
	var out []string
	cur := ""
	for _, r := range s {
		if string(r) == sep {
			out = append(out, cur)
			cur = ""
			continue
		}
		cur += string(r)
	}
	out = append(out, cur)
	return out
}
