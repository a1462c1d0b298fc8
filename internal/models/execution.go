package models

// Trade sides as reported by the venue.
const (
	SideBuy  = "Buy"
	SideSell = "Sell"
)

// TradeExecution is a single fill reported by the venue. Executions are
// immutable once recorded; ExecID is globally unique per account and venue.
type TradeExecution struct {
	Symbol        string  `json:"symbol"`
	OrderID       string  `json:"orderId"`
	ExecID        string  `json:"execId"`
	Side          string  `json:"side"`
	Qty           float64 `json:"qty"`
	Price         float64 `json:"price"`
	Fee           float64 `json:"fee"`
	ExecTimestamp int64   `json:"execTimestamp"`
	IsMaker       bool    `json:"isMaker"`
}

func (e TradeExecution) Key() string { return e.ExecID }

func (e TradeExecution) UnixMilli() int64 { return e.ExecTimestamp }
