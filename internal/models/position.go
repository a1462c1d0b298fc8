package models

import "strconv"

// Origin of a ClosedPositionRecord.
const (
	SourceProvider    = "provider"
	SourceSynthesized = "synthesized"
)

// ClosedPositionRecord is a realized round-trip position. Records either come
// straight from the venue's closed-pnl endpoint or are synthesized from raw
// executions when the endpoint is unavailable for the account tier.
type ClosedPositionRecord struct {
	Symbol           string  `json:"symbol"`
	OrderID          string  `json:"orderId"`
	Side             string  `json:"side"`
	ClosedQty        float64 `json:"closedQty"`
	AvgEntryPrice    float64 `json:"avgEntryPrice"`
	AvgExitPrice     float64 `json:"avgExitPrice"`
	ClosedPnl        float64 `json:"closedPnl"`
	CreatedTimestamp int64   `json:"createdTimestamp"`
	UpdatedTimestamp int64   `json:"updatedTimestamp"`
	Source           string  `json:"source,omitempty"`
}

// Key includes the update timestamp so a provider correction to the same
// order arrives as a new identity and replaces nothing silently.
func (p ClosedPositionRecord) Key() string {
	return p.OrderID + "|" + p.Symbol + "|" + strconv.FormatInt(p.UpdatedTimestamp, 10)
}

func (p ClosedPositionRecord) UnixMilli() int64 { return p.UpdatedTimestamp }
