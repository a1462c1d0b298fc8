// Package merge combines record batches by identity key. New values win on
// collision so late-arriving provider corrections replace stale rows, and
// merging the same batch twice is equivalent to merging it once.
package merge

import (
	"sort"

	"trade-history-sync-go/internal/models"
)

// Merge overlays batch onto existing, deduplicating by identity key, and
// returns the combined set sorted newest-first. Inputs are not mutated.
func Merge[T models.Record](existing, batch []T) []T {
	byKey := make(map[string]T, len(existing)+len(batch))
	order := make([]string, 0, len(existing)+len(batch))

	for _, r := range existing {
		k := r.Key()
		if _, seen := byKey[k]; !seen {
			order = append(order, k)
		}
		byKey[k] = r
	}
	for _, r := range batch {
		k := r.Key()
		if _, seen := byKey[k]; !seen {
			order = append(order, k)
		}
		byKey[k] = r
	}

	merged := make([]T, 0, len(order))
	for _, k := range order {
		merged = append(merged, byKey[k])
	}
	SortNewestFirst(merged)
	return merged
}

// SortNewestFirst orders records by descending timestamp, breaking ties by
// identity key so the ordering is stable across runs.
func SortNewestFirst[T models.Record](records []T) {
	sort.SliceStable(records, func(i, j int) bool {
		ti, tj := records[i].UnixMilli(), records[j].UnixMilli()
		if ti != tj {
			return ti > tj
		}
		return records[i].Key() < records[j].Key()
	})
}

// FilterRange returns the records with timestamps inside [startMs, endMs].
func FilterRange[T models.Record](records []T, startMs, endMs int64) []T {
	out := make([]T, 0, len(records))
	for _, r := range records {
		ms := r.UnixMilli()
		if ms >= startMs && ms <= endMs {
			out = append(out, r)
		}
	}
	return out
}
