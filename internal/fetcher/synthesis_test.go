package fetcher

import (
	"testing"

	"trade-history-sync-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fill(id, side string, qty, price, fee float64, ts int64) models.TradeExecution {
	return models.TradeExecution{
		Symbol:        "BTCUSDT",
		OrderID:       "ord-" + id,
		ExecID:        id,
		Side:          side,
		Qty:           qty,
		Price:         price,
		Fee:           fee,
		ExecTimestamp: ts,
	}
}

func TestSynthesizeSimpleRoundTrip(t *testing.T) {
	recs := SynthesizeClosedPositions([]models.TradeExecution{
		fill("b1", models.SideBuy, 10, 100, 0.5, 1000),
		fill("s1", models.SideSell, 10, 110, 0.5, 2000),
	})

	require.Len(t, recs, 1)
	r := recs[0]
	assert.Equal(t, 10.0, r.ClosedQty)
	assert.Equal(t, 100.0, r.AvgEntryPrice)
	assert.Equal(t, 110.0, r.AvgExitPrice)
	// (110-100)*10 minus the closing fill's fee.
	assert.InDelta(t, 99.5, r.ClosedPnl, 1e-9)
	assert.Equal(t, models.SourceSynthesized, r.Source)
	assert.Equal(t, int64(2000), r.UpdatedTimestamp)
}

func TestSynthesizeShortRoundTrip(t *testing.T) {
	recs := SynthesizeClosedPositions([]models.TradeExecution{
		fill("s1", models.SideSell, 5, 200, 0, 1000),
		fill("b1", models.SideBuy, 5, 180, 1, 2000),
	})

	require.Len(t, recs, 1)
	// Short 5 at 200, covered at 180: (200-180)*5 - 1.
	assert.InDelta(t, 99.0, recs[0].ClosedPnl, 1e-9)
	assert.Equal(t, models.SideBuy, recs[0].Side)
}

func TestSynthesizeWeightedAverageEntry(t *testing.T) {
	recs := SynthesizeClosedPositions([]models.TradeExecution{
		fill("b1", models.SideBuy, 10, 100, 0, 1000),
		fill("b2", models.SideBuy, 10, 120, 0, 2000),
		fill("s1", models.SideSell, 20, 115, 0, 3000),
	})

	require.Len(t, recs, 1)
	assert.InDelta(t, 110.0, recs[0].AvgEntryPrice, 1e-9)
	// (115-110)*20.
	assert.InDelta(t, 100.0, recs[0].ClosedPnl, 1e-9)
}

func TestSynthesizePartialClose(t *testing.T) {
	recs := SynthesizeClosedPositions([]models.TradeExecution{
		fill("b1", models.SideBuy, 10, 100, 0, 1000),
		fill("s1", models.SideSell, 4, 110, 0, 2000),
		fill("s2", models.SideSell, 6, 120, 0, 3000),
	})

	require.Len(t, recs, 2)
	// Newest-first ordering.
	assert.Equal(t, 6.0, recs[0].ClosedQty)
	assert.InDelta(t, 120.0, recs[0].AvgExitPrice, 1e-9)
	assert.Equal(t, 4.0, recs[1].ClosedQty)
	// Cost basis is unchanged by a partial close.
	assert.InDelta(t, 100.0, recs[0].AvgEntryPrice, 1e-9)
}

func TestSynthesizeSignFlipResetsBasisToExcess(t *testing.T) {
	recs := SynthesizeClosedPositions([]models.TradeExecution{
		fill("b1", models.SideBuy, 10, 100, 0, 1000),
		// Sell 15: closes the 10-long, flips 5 short at 110.
		fill("s1", models.SideSell, 15, 110, 0, 2000),
		// Cover the short at 105.
		fill("b2", models.SideBuy, 5, 105, 0, 3000),
	})

	require.Len(t, recs, 2)
	flip := recs[1]
	cover := recs[0]

	assert.Equal(t, 10.0, flip.ClosedQty)
	assert.InDelta(t, 100.0, flip.ClosedPnl, 1e-9)

	// The short opened at the flip fill's price, not a carried-over basis.
	assert.Equal(t, 5.0, cover.ClosedQty)
	assert.InDelta(t, 110.0, cover.AvgEntryPrice, 1e-9)
	assert.InDelta(t, 25.0, cover.ClosedPnl, 1e-9)
}

func TestSynthesizeIsDeterministicAcrossInputOrder(t *testing.T) {
	fills := []models.TradeExecution{
		fill("b1", models.SideBuy, 10, 100, 0, 1000),
		fill("s1", models.SideSell, 10, 110, 0, 2000),
		{Symbol: "ETHUSDT", ExecID: "eb1", Side: models.SideBuy, Qty: 2, Price: 1800, ExecTimestamp: 1500},
		{Symbol: "ETHUSDT", ExecID: "es1", Side: models.SideSell, Qty: 2, Price: 1900, ExecTimestamp: 2500},
	}
	reversed := []models.TradeExecution{fills[3], fills[2], fills[1], fills[0]}

	assert.Equal(t, SynthesizeClosedPositions(fills), SynthesizeClosedPositions(reversed))
}

func TestSynthesizeNoCloseNoRecords(t *testing.T) {
	recs := SynthesizeClosedPositions([]models.TradeExecution{
		fill("b1", models.SideBuy, 10, 100, 0, 1000),
		fill("b2", models.SideBuy, 5, 105, 0, 2000),
	})
	assert.Empty(t, recs)
}
