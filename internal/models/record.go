package models

import "time"

// Record is implemented by every persisted history record type.
type Record interface {
	// Key returns the identity key used to deduplicate records during merge.
	Key() string
	// UnixMilli returns the record's timestamp in epoch milliseconds.
	UnixMilli() int64
}

// MonthKeyFor derives the "YYYY-MM" partition key for an epoch-ms timestamp.
// Month boundaries are computed in UTC so a record always lands in the same
// partition regardless of the host timezone.
func MonthKeyFor(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01")
}

// MonthStart returns the first instant of the "YYYY-MM" month key, in UTC.
func MonthStart(key string) (time.Time, error) {
	return time.Parse("2006-01", key)
}

// MonthKeysInRange returns the month keys covering [startMs, endMs], oldest first.
func MonthKeysInRange(startMs, endMs int64) []string {
	if endMs < startMs {
		return nil
	}
	start := time.UnixMilli(startMs).UTC()
	end := time.UnixMilli(endMs).UTC()

	cur := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)
	last := time.Date(end.Year(), end.Month(), 1, 0, 0, 0, 0, time.UTC)

	var keys []string
	for !cur.After(last) {
		keys = append(keys, cur.Format("2006-01"))
		cur = cur.AddDate(0, 1, 0)
	}
	return keys
}
