package models

import "strconv"

// EquitySnapshot is a point-in-time account equity reading. Snapshots are
// keyed by timestamp; a later write at the same timestamp replaces the
// earlier one.
type EquitySnapshot struct {
	Timestamp        int64              `json:"timestamp"`
	TotalEquity      float64            `json:"totalEquity"`
	PerAccountEquity map[string]float64 `json:"perAccountEquity,omitempty"`
}

func (s EquitySnapshot) Key() string { return strconv.FormatInt(s.Timestamp, 10) }

func (s EquitySnapshot) UnixMilli() int64 { return s.Timestamp }
