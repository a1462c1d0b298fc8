package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMonthKeyFor(t *testing.T) {
	ms := time.Date(2025, time.March, 31, 23, 59, 0, 0, time.UTC).UnixMilli()
	assert.Equal(t, "2025-03", MonthKeyFor(ms))

	// One minute later rolls into April.
	assert.Equal(t, "2025-04", MonthKeyFor(ms+2*60*1000))
}

func TestMonthKeysInRange(t *testing.T) {
	start := time.Date(2024, time.November, 15, 0, 0, 0, 0, time.UTC).UnixMilli()
	end := time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

	keys := MonthKeysInRange(start, end)
	assert.Equal(t, []string{"2024-11", "2024-12", "2025-01", "2025-02"}, keys)

	assert.Nil(t, MonthKeysInRange(end, start))
	assert.Equal(t, []string{"2024-11"}, MonthKeysInRange(start, start))
}

func TestPartitionChecksum(t *testing.T) {
	p := MonthPartition[TradeExecution]{
		Month: "2025-01",
		Records: []TradeExecution{
			{Symbol: "BTCUSDT", ExecID: "e1", Qty: 1, Price: 100, ExecTimestamp: 1},
		},
	}
	assert.NoError(t, p.Seal())
	assert.NotEmpty(t, p.Checksum)

	ok, err := p.Verify()
	assert.NoError(t, err)
	assert.True(t, ok)

	p.Records[0].Price = 101
	ok, err = p.Verify()
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestClosedPositionKeyIncludesUpdateTime(t *testing.T) {
	a := ClosedPositionRecord{OrderID: "o1", Symbol: "ETHUSDT", UpdatedTimestamp: 10}
	b := a
	b.UpdatedTimestamp = 20
	assert.NotEqual(t, a.Key(), b.Key())
}
