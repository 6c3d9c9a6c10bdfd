// Package model defines the core data structures that flow through the
// cleaning engine: rows, column sets, and the chunks that batch them.
package model

import "fmt"

// NaturalKeyColumn is the fixed position of a file's natural key.
const NaturalKeyColumn = 0

// TimestampColumnName is the canonical dedup/join key column, when present.
const TimestampColumnName = "TestDateUTC"

// Row is a fixed-schema tuple: a vector of string cells in column order.
type Row []string

// Get returns the cell at idx, or "" if the row is short (defensive against
// ragged input — callers treat a missing cell as absent, never a panic).
func (r Row) Get(idx int) string {
	if idx < 0 || idx >= len(r) {
		return ""
	}
	return r[idx]
}

// Clone returns an independent copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	copy(out, r)
	return out
}

// ColumnSet is an ordered, unique list of column names derived from a
// header. Every row emitted against a ColumnSet must have exactly this
// arity, in this order.
type ColumnSet struct {
	names []string
	index map[string]int
}

// NewColumnSet builds a ColumnSet from an ordered header line.
func NewColumnSet(names []string) *ColumnSet {
	cs := &ColumnSet{
		names: append([]string(nil), names...),
		index: make(map[string]int, len(names)),
	}
	for i, n := range names {
		if _, exists := cs.index[n]; !exists {
			cs.index[n] = i
		}
	}
	return cs
}

// Names returns the ordered column names.
func (cs *ColumnSet) Names() []string {
	return cs.names
}

// Len returns the arity of the column set.
func (cs *ColumnSet) Len() int {
	return len(cs.names)
}

// IndexOf returns the column's position and whether it exists.
func (cs *ColumnSet) IndexOf(name string) (int, bool) {
	i, ok := cs.index[name]
	return i, ok
}

// Has reports whether the column exists in the set.
func (cs *ColumnSet) Has(name string) bool {
	_, ok := cs.index[name]
	return ok
}

// Equal reports whether two column sets have identical names in identical
// order — the check the folder merger uses to reject a mismatched file.
func (cs *ColumnSet) Equal(other *ColumnSet) bool {
	if other == nil || len(cs.names) != len(other.names) {
		return false
	}
	for i, n := range cs.names {
		if other.names[i] != n {
			return false
		}
	}
	return true
}

// Diff returns the columns present in one set but not the other, for
// SchemaMismatch error payloads.
func (cs *ColumnSet) Diff(other *ColumnSet) (onlyInCS, onlyInOther []string) {
	for _, n := range cs.names {
		if !other.Has(n) {
			onlyInCS = append(onlyInCS, n)
		}
	}
	for _, n := range other.names {
		if !cs.Has(n) {
			onlyInOther = append(onlyInOther, n)
		}
	}
	return
}

// TimestampIndex returns the index of the canonical timestamp column, if
// the column set carries one.
func (cs *ColumnSet) TimestampIndex() (int, bool) {
	return cs.IndexOf(TimestampColumnName)
}

// String renders the column set for log fields and error metadata.
func (cs *ColumnSet) String() string {
	return fmt.Sprintf("%v", cs.names)
}

// Chunk is a contiguous run of rows loaded together, owned by whichever
// component is currently processing it. A Chunk never outlives a single
// read/process/write cycle.
type Chunk struct {
	Rows       []Row
	BytesRead  int64 // bytes consumed from the source file to produce this chunk
	SourceFile string
}

// Len returns the number of rows in the chunk.
func (c *Chunk) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Rows)
}

// DropReason enumerates the filter/dedup counters tracked per job.
type DropReason string

const (
	DropReasonEmptyKey          DropReason = "empty_key"
	DropReasonSlopeAbsent       DropReason = "slopes"
	DropReasonTrailingFactor    DropReason = "trailing"
	DropReasonSlopeSymmetry     DropReason = "slope_symmetry"
	DropReasonLane              DropReason = "lane"
	DropReasonIgnoreFlag        DropReason = "ignore"
	DropReasonDuplicate         DropReason = "duplicate"
	DropReasonCanonicalization  DropReason = "canonicalization_failed"
)

// Stats accumulates per-job counters. Updated only by the job's worker
// goroutine — never shared concurrently.
type Stats struct {
	RowsRead    int64
	RowsWritten int64
	Dropped     map[DropReason]int64
}

// NewStats returns a zeroed Stats with its Dropped map initialized.
func NewStats() *Stats {
	return &Stats{Dropped: make(map[DropReason]int64)}
}

// AddDrop increments the counter for reason by n.
func (s *Stats) AddDrop(reason DropReason, n int64) {
	if s.Dropped == nil {
		s.Dropped = make(map[DropReason]int64)
	}
	s.Dropped[reason] += n
}

// TotalDropped sums every drop counter — used by the row-conservation
// invariant check: RowsRead = RowsWritten + TotalDropped.
func (s *Stats) TotalDropped() int64 {
	var total int64
	for _, n := range s.Dropped {
		total += n
	}
	return total
}

// Snapshot returns a copy safe to attach to an error's metadata or to
// serve from the admin status endpoint.
func (s *Stats) Snapshot() map[string]interface{} {
	dropped := make(map[string]int64, len(s.Dropped))
	for k, v := range s.Dropped {
		dropped[string(k)] = v
	}
	return map[string]interface{}{
		"rows_read":    s.RowsRead,
		"rows_written": s.RowsWritten,
		"dropped":      dropped,
	}
}
