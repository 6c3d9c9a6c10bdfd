// Package filter applies the engine's fixed row predicates to a chunk.
package filter

import (
	"strconv"
	"strings"

	"github.com/ssw-telemetry/cleanengine/pkg/model"
)

// Predicate decides whether a row survives. It receives the row and the
// column set it was read against; columns absent from the set make the
// predicate a no-op (return true, unused=false).
type Predicate struct {
	Reason model.DropReason
	Keep   func(row model.Row, cols *model.ColumnSet) (keep bool, applicable bool)
}

// Pipeline is the fixed, ordered set of predicates from the filter design:
// cheapest-to-reject rows are eliminated first.
var Pipeline = []Predicate{
	{model.DropReasonEmptyKey, keepNonEmptyNaturalKey},
	{model.DropReasonSlopeAbsent, keepSlopePresence},
	{model.DropReasonTrailingFactor, keepTrailingFactor},
	{model.DropReasonSlopeSymmetry, keepSlopeSymmetry},
	{model.DropReasonLane, keepLaneWhitelist},
	{model.DropReasonIgnoreFlag, keepIgnoreFlag},
}

// Result is the outcome of running the pipeline over a chunk.
type Result struct {
	Survivors []model.Row
	Dropped   map[model.DropReason]int64
}

// Run applies every predicate, in order, to every row in the chunk. A row
// dropped by an earlier predicate is never evaluated against later ones —
// it is counted once, under the first predicate that rejects it.
func Run(rows []model.Row, cols *model.ColumnSet) Result {
	dropped := make(map[model.DropReason]int64, len(Pipeline))
	survivors := make([]model.Row, 0, len(rows))

rowLoop:
	for _, row := range rows {
		for _, p := range Pipeline {
			keep, applicable := p.Keep(row, cols)
			if applicable && !keep {
				dropped[p.Reason]++
				continue rowLoop
			}
		}
		survivors = append(survivors, row)
	}

	return Result{Survivors: survivors, Dropped: dropped}
}

func keepNonEmptyNaturalKey(row model.Row, _ *model.ColumnSet) (bool, bool) {
	v := strings.TrimSpace(row.Get(model.NaturalKeyColumn))
	return v != "", true
}

func keepSlopePresence(row model.Row, cols *model.ColumnSet) (bool, bool) {
	i170, ok170 := cols.IndexOf("RawSlope170")
	i270, ok270 := cols.IndexOf("RawSlope270")
	if !ok170 || !ok270 {
		return true, false
	}
	present170 := strings.TrimSpace(row.Get(i170)) != ""
	present270 := strings.TrimSpace(row.Get(i270)) != ""
	return present170 || present270, true
}

// keepTrailingFactor keeps a row when TrailingFactor >= 0.15. A TrailingFactor
// that fails to parse as a float is treated as unsafe and dropped under this
// same counter, not a separate "malformed" one (see DESIGN.md open question).
func keepTrailingFactor(row model.Row, cols *model.ColumnSet) (bool, bool) {
	idx, ok := cols.IndexOf("TrailingFactor")
	if !ok {
		return true, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(row.Get(idx)), 64)
	if err != nil {
		return false, true
	}
	return v >= 0.15, true
}

// keepSlopeSymmetry keeps a row when abs(minY)/maxY >= 0.15. A zero maxY is
// unsafe to divide by and is defined here as a drop.
func keepSlopeSymmetry(row model.Row, cols *model.ColumnSet) (bool, bool) {
	minIdx, okMin := cols.IndexOf("tsdSlopeMinY")
	maxIdx, okMax := cols.IndexOf("tsdSlopeMaxY")
	if !okMin || !okMax {
		return true, false
	}
	minY, errMin := strconv.ParseFloat(strings.TrimSpace(row.Get(minIdx)), 64)
	maxY, errMax := strconv.ParseFloat(strings.TrimSpace(row.Get(maxIdx)), 64)
	if errMin != nil || errMax != nil {
		return false, true
	}
	if maxY == 0 {
		return false, true
	}
	return absFloat(minY)/maxY >= 0.15, true
}

func keepLaneWhitelist(row model.Row, cols *model.ColumnSet) (bool, bool) {
	idx, ok := cols.IndexOf("Lane")
	if !ok {
		return true, false
	}
	return !strings.Contains(row.Get(idx), "SK"), true
}

func keepIgnoreFlag(row model.Row, cols *model.ColumnSet) (bool, bool) {
	idx, ok := cols.IndexOf("Ignore")
	if !ok {
		return true, false
	}
	v := strings.ToLower(strings.TrimSpace(row.Get(idx)))
	switch v {
	case "true", "1", "yes":
		return false, true
	default:
		return true, true
	}
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
