package analytics

import (
	"context"

	"github.com/leapstack-labs/leapgate/pkg/core"
)

// joinStats counts cap hits during one join.
type joinStats struct {
	cappedLeft int
	rowCapped  bool
	unmatched  int
}

// execJoin hash-joins the right dataset onto rows. Both caps are applied
// while emitting, so the full product is never materialized.
func (e *Engine) execJoin(ctx context.Context, sp stepPlan, j *Join, rows [][]any, res *Result) ([][]any, error) {
	right, ok := e.store.Get(j.RightDatasetID)
	if !ok {
		return nil, DatasetNotFound(j.RightDatasetID)
	}

	leftIdx := columnIndexes(sp.in, j.LeftKeys)
	rightIdx := columnIndexes(right.Schema, j.RightKeys)
	selIdx := columnIndexes(right.Schema, sp.right)

	index, err := buildIndex(ctx, right.Rows, rightIdx)
	if err != nil {
		return nil, err
	}

	var (
		maxPerLeft = e.limits.MaxJoinMatchesPerLeft
		maxRows    = e.limits.MaxJoinRows
		width      = len(sp.in) + len(selIdx)
		out        = make([][]any, 0, min(len(rows), max(maxRows, 0)))
		stats      joinStats
	)

	emit := func(left, r []any) {
		nr := make([]any, width)
		copy(nr, left)
		if r != nil {
			for k, idx := range selIdx {
				nr[len(left)+k] = r[idx]
			}
		}
		out = append(out, nr)
	}

	for i, row := range rows {
		if err := checkpoint(ctx, i); err != nil {
			return nil, err
		}
		if maxRows > 0 && len(out) >= maxRows {
			stats.rowCapped = true
			break
		}

		var matches []int
		if key, ok := compositeKey(row, leftIdx); ok {
			matches = index[key]
		}
		if len(matches) == 0 {
			stats.unmatched++
			if sp.how == JoinLeft {
				emit(row, nil)
			}
			continue
		}

		if maxPerLeft > 0 && len(matches) > maxPerLeft {
			matches = matches[:maxPerLeft]
			stats.cappedLeft++
		}
		for _, m := range matches {
			if maxRows > 0 && len(out) >= maxRows {
				stats.rowCapped = true
				break
			}
			emit(row, right.Rows[m])
		}
	}

	if stats.cappedLeft > 0 {
		res.warnf("join with %s: matches capped at %d per left row (%d left rows affected)",
			j.RightDatasetID, maxPerLeft, stats.cappedLeft)
		res.Truncated = true
	}
	if stats.rowCapped {
		res.warnf("join with %s: output capped at %d rows", j.RightDatasetID, maxRows)
		res.Truncated = true
	}
	e.logger.Debug("join executed",
		"right", j.RightDatasetID,
		"how", sp.how,
		"left_rows", len(rows),
		"right_rows", len(right.Rows),
		"output_rows", len(out),
		"unmatched", stats.unmatched)
	return out, nil
}

// buildIndex maps each composite key to its right row positions in order.
// Rows with a null key part are left out.
func buildIndex(ctx context.Context, rows [][]any, keyIdx []int) (map[string][]int, error) {
	index := make(map[string][]int, len(rows))
	for i, row := range rows {
		if err := checkpoint(ctx, i); err != nil {
			return nil, err
		}
		key, ok := compositeKey(row, keyIdx)
		if !ok {
			continue
		}
		index[key] = append(index[key], i)
	}
	return index, nil
}

func columnIndexes(cols []core.ColumnSchema, names []string) []int {
	idx := make([]int, len(names))
	for i, n := range names {
		idx[i] = core.ColumnIndex(cols, n)
	}
	return idx
}
