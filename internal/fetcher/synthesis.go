package fetcher

import (
	"sort"

	"trade-history-sync-go/internal/merge"
	"trade-history-sync-go/internal/models"
)

// position is the running state for one symbol during synthesis: a signed
// size (positive long, negative short) and a volume-weighted cost basis.
type position struct {
	qty     float64
	avgCost float64
}

// SynthesizeClosedPositions derives closed-position records from raw fills
// for accounts whose tier has no closed-pnl endpoint. It replays the fills
// in chronological order per symbol under a single-lot average-cost model:
// a fill first closes any opposing position (emitting one record), then any
// residual quantity opens or extends a position in the fill's direction.
// When the sign flips, the cost basis restarts from the flip fill's price
// for the excess quantity only. Pure function: deterministic for the same
// input, no I/O.
func SynthesizeClosedPositions(executions []models.TradeExecution) []models.ClosedPositionRecord {
	bySymbol := make(map[string][]models.TradeExecution)
	for _, e := range executions {
		bySymbol[e.Symbol] = append(bySymbol[e.Symbol], e)
	}

	var out []models.ClosedPositionRecord
	for _, fills := range bySymbol {
		sort.SliceStable(fills, func(i, j int) bool {
			if fills[i].ExecTimestamp != fills[j].ExecTimestamp {
				return fills[i].ExecTimestamp < fills[j].ExecTimestamp
			}
			return fills[i].ExecID < fills[j].ExecID
		})

		var pos position
		for _, fill := range fills {
			if rec, closed := pos.apply(fill); closed {
				out = append(out, rec)
			}
		}
	}

	merge.SortNewestFirst(out)
	return out
}

// apply replays one fill against the running position, returning a
// synthesized record when the fill realized P&L.
func (p *position) apply(fill models.TradeExecution) (models.ClosedPositionRecord, bool) {
	direction := 1.0
	if fill.Side == models.SideSell {
		direction = -1.0
	}

	// Same direction as the open position (or flat): extend and re-weight.
	if p.qty == 0 || p.qty*direction > 0 {
		total := p.qty*direction + fill.Qty
		p.avgCost = (p.avgCost*p.qty*direction + fill.Price*fill.Qty) / total
		p.qty = total * direction
		return models.ClosedPositionRecord{}, false
	}

	// Opposing fill: close up to the open size.
	open := p.qty * -direction // positive
	closedQty := fill.Qty
	if closedQty > open {
		closedQty = open
	}

	// A Buy closes a short: pnl = (avgShortCost - fillPrice) * qty - fee.
	// A Sell closes a long: pnl = (fillPrice - avgLongCost) * qty - fee.
	pnl := (fill.Price-p.avgCost)*closedQty*-direction - fill.Fee

	rec := models.ClosedPositionRecord{
		Symbol:           fill.Symbol,
		OrderID:          fill.OrderID,
		Side:             fill.Side,
		ClosedQty:        closedQty,
		AvgEntryPrice:    p.avgCost,
		AvgExitPrice:     fill.Price,
		ClosedPnl:        pnl,
		CreatedTimestamp: fill.ExecTimestamp,
		UpdatedTimestamp: fill.ExecTimestamp,
		Source:           models.SourceSynthesized,
	}

	residual := fill.Qty - closedQty
	if residual > 0 {
		// Sign flip: basis restarts from this fill for the excess quantity.
		p.qty = residual * direction
		p.avgCost = fill.Price
	} else {
		p.qty += closedQty * direction
		if p.qty == 0 {
			p.avgCost = 0
		}
	}

	return rec, true
}
