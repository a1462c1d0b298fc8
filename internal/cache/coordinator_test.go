package cache

import (
	"context"
	"testing"
	"time"

	"trade-history-sync-go/internal/clock"
	"trade-history-sync-go/internal/fetcher"
	"trade-history-sync-go/internal/models"
	"trade-history-sync-go/internal/store"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeFetcher scripts FetchHistory/FetchWindow results and records calls.
type fakeFetcher struct {
	historyCalls int
	windowCalls  int
	lastStart    time.Time
	lastEnd      time.Time

	historyResult *fetcher.Result
	windowResult  *fetcher.Result
}

func (f *fakeFetcher) FetchHistory(_ context.Context, _ string, progress fetcher.ProgressFunc) (*fetcher.Result, error) {
	f.historyCalls++
	res := f.historyResult
	if res == nil {
		res = &fetcher.Result{Complete: true}
	}
	if progress != nil {
		for i := 1; i <= res.Coverage.ChunksTotal; i++ {
			progress(fetcher.Progress{CurrentChunk: i, TotalChunks: res.Coverage.ChunksTotal, RecordsRetrieved: len(res.Executions)})
		}
	}
	return res, nil
}

func (f *fakeFetcher) FetchWindow(_ context.Context, _ string, start, end time.Time, _ fetcher.ProgressFunc) (*fetcher.Result, error) {
	f.windowCalls++
	f.lastStart, f.lastEnd = start, end
	if f.windowResult == nil {
		return &fetcher.Result{Complete: true, Coverage: fetcher.Coverage{ChunksTotal: 1}}, nil
	}
	return f.windowResult, nil
}

func testNow() time.Time {
	return time.Date(2025, time.June, 15, 12, 0, 0, 0, time.UTC)
}

func newTestCoordinator(t *testing.T, f HistoryFetcher, opts Options) (*Coordinator, *store.Store, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(testNow())
	st := store.New(afero.NewMemMapFs(), "/data", clk, zap.NewNop())
	return New(st, f, clk, zap.NewNop(), opts), st, clk
}

func execAt(id string, ts time.Time) models.TradeExecution {
	return models.TradeExecution{Symbol: "BTCUSDT", ExecID: id, Side: models.SideBuy, Qty: 1, Price: 100, ExecTimestamp: ts.UnixMilli()}
}

func TestEmptyAccountRunsFullFetch(t *testing.T) {
	// Scenario: 14-day window in two 7-day chunks, one record each.
	w1 := execAt("chunk1", testNow().AddDate(0, 0, -2))
	w2 := execAt("chunk2", testNow().AddDate(0, 0, -10))
	f := &fakeFetcher{historyResult: &fetcher.Result{
		Executions: []models.TradeExecution{w1, w2},
		Coverage:   fetcher.Coverage{ChunksTotal: 2, OldestMs: w2.ExecTimestamp, NewestMs: w1.ExecTimestamp},
		Complete:   true,
	}}
	c, _, _ := newTestCoordinator(t, f, Options{})

	state, err := c.AccountState("acct-1")
	require.NoError(t, err)
	assert.Equal(t, StateEmpty, state)

	snap, err := c.GetHistory(context.Background(), "acct-1", false)
	require.NoError(t, err)

	assert.Equal(t, 1, f.historyCalls)
	assert.Len(t, snap.Trades, 2)
	assert.True(t, snap.State.IsComplete)

	state, err = c.AccountState("acct-1")
	require.NoError(t, err)
	assert.Equal(t, StateFresh, state)
}

func TestFreshAccountServedFromWarmCache(t *testing.T) {
	f := &fakeFetcher{historyResult: &fetcher.Result{
		Executions: []models.TradeExecution{execAt("a", testNow().AddDate(0, 0, -1))},
		Coverage:   fetcher.Coverage{ChunksTotal: 1},
		Complete:   true,
	}}
	c, _, _ := newTestCoordinator(t, f, Options{})

	_, err := c.GetHistory(context.Background(), "acct-1", false)
	require.NoError(t, err)
	snap, err := c.GetHistory(context.Background(), "acct-1", false)
	require.NoError(t, err)

	// Second read hit the warm cache: no further network.
	assert.Equal(t, 1, f.historyCalls)
	assert.Zero(t, f.windowCalls)
	assert.Len(t, snap.Trades, 1)
}

func TestStaleAccountFetchesIncrementalWindow(t *testing.T) {
	f := &fakeFetcher{}
	c, st, clk := newTestCoordinator(t, f, Options{FreshnessWindow: 30 * time.Minute})

	// Last sync one hour ago, complete.
	lastUpdated := clk.Now().Add(-time.Hour)
	require.NoError(t, st.SaveSyncStatus("acct-1", store.SyncStatus{LastUpdated: lastUpdated.UnixMilli(), IsComplete: true}))

	state, err := c.AccountState("acct-1")
	require.NoError(t, err)
	assert.Equal(t, StateStaleIncremental, state)

	_, err = c.GetHistory(context.Background(), "acct-1", false)
	require.NoError(t, err)

	assert.Equal(t, 1, f.windowCalls)
	assert.Zero(t, f.historyCalls)
	// Window is [lastUpdated - 2d overlap, now].
	assert.True(t, f.lastStart.Equal(lastUpdated.Add(-48*time.Hour)))
	assert.True(t, f.lastEnd.Equal(clk.Now()))

	// Zero new records still advance the freshness marker to now.
	status, err := st.SyncStatus("acct-1")
	require.NoError(t, err)
	assert.Equal(t, clk.Now().UnixMilli(), status.LastUpdated)
	assert.True(t, status.IsComplete)
}

func TestFailedIncrementalServesCachedUnchanged(t *testing.T) {
	seed := &fakeFetcher{historyResult: &fetcher.Result{
		Executions: []models.TradeExecution{execAt("a", testNow().AddDate(0, 0, -1))},
		Coverage:   fetcher.Coverage{ChunksTotal: 1},
		Complete:   true,
	}}
	c, st, clk := newTestCoordinator(t, seed, Options{FreshnessWindow: 30 * time.Minute})

	_, err := c.GetHistory(context.Background(), "acct-1", false)
	require.NoError(t, err)
	statusBefore, err := st.SyncStatus("acct-1")
	require.NoError(t, err)

	// Age the cache out, then fail every incremental chunk.
	clk.Advance(time.Hour)
	seed.windowResult = &fetcher.Result{Coverage: fetcher.Coverage{ChunksTotal: 1, ChunksFailed: 1}, Complete: false}

	snap, err := c.GetHistory(context.Background(), "acct-1", false)
	require.NoError(t, err)

	assert.Len(t, snap.Trades, 1)
	statusAfter, err := st.SyncStatus("acct-1")
	require.NoError(t, err)
	assert.Equal(t, statusBefore.LastUpdated, statusAfter.LastUpdated)
}

func TestIncompleteLastFetchNeedsFull(t *testing.T) {
	f := &fakeFetcher{}
	c, st, clk := newTestCoordinator(t, f, Options{})

	require.NoError(t, st.SaveSyncStatus("acct-1", store.SyncStatus{LastUpdated: clk.Now().UnixMilli(), IsComplete: false}))

	state, err := c.AccountState("acct-1")
	require.NoError(t, err)
	assert.Equal(t, StateStaleFull, state)

	_, err = c.GetHistory(context.Background(), "acct-1", false)
	require.NoError(t, err)
	assert.Equal(t, 1, f.historyCalls)
}

func TestForceRefreshBypassesFreshState(t *testing.T) {
	f := &fakeFetcher{}
	c, st, clk := newTestCoordinator(t, f, Options{})

	require.NoError(t, st.SaveSyncStatus("acct-1", store.SyncStatus{LastUpdated: clk.Now().UnixMilli(), IsComplete: true}))

	_, err := c.GetHistory(context.Background(), "acct-1", true)
	require.NoError(t, err)
	assert.Equal(t, 1, f.historyCalls)
}

func TestPartialFullFetchServedWithIncompleteFlag(t *testing.T) {
	f := &fakeFetcher{historyResult: &fetcher.Result{
		Executions: []models.TradeExecution{execAt("only", testNow().AddDate(0, 0, -3))},
		Coverage:   fetcher.Coverage{ChunksTotal: 4, ChunksFailed: 4},
		Complete:   false,
	}}
	c, _, _ := newTestCoordinator(t, f, Options{})

	snap, err := c.GetHistory(context.Background(), "acct-1", false)
	require.NoError(t, err)

	assert.Len(t, snap.Trades, 1)
	assert.False(t, snap.State.IsComplete)

	// Incomplete accounts go back through the full-fetch path.
	state, err := c.AccountState("acct-1")
	require.NoError(t, err)
	assert.Equal(t, StateStaleFull, state)
}

func TestCoverageDaysNonDecreasing(t *testing.T) {
	f := &fakeFetcher{historyResult: &fetcher.Result{
		Executions: []models.TradeExecution{execAt("a", testNow().AddDate(0, 0, -3))},
		Coverage:   fetcher.Coverage{ChunksTotal: 2, ChunksFailed: 1},
		Complete:   true,
	}}
	c, _, _ := newTestCoordinator(t, f, Options{})

	snap, err := c.GetHistory(context.Background(), "acct-1", false)
	require.NoError(t, err)
	daysBefore := snap.State.DataRange.TotalDays

	// A later, wider fetch extends coverage.
	f.historyResult = &fetcher.Result{
		Executions: []models.TradeExecution{execAt("b", testNow().AddDate(0, 0, -30))},
		Coverage:   fetcher.Coverage{ChunksTotal: 2},
		Complete:   true,
	}
	snap, err = c.GetHistory(context.Background(), "acct-1", true)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, snap.State.DataRange.TotalDays, daysBefore)
	assert.Greater(t, snap.State.DataRange.TotalDays, 25)
}

func TestProgressEventsReachObservers(t *testing.T) {
	f := &fakeFetcher{historyResult: &fetcher.Result{
		Executions: []models.TradeExecution{execAt("a", testNow().AddDate(0, 0, -1))},
		Coverage:   fetcher.Coverage{ChunksTotal: 2},
		Complete:   true,
	}}
	c, _, _ := newTestCoordinator(t, f, Options{})

	var events []Progress
	c.Subscribe(func(p Progress) { events = append(events, p) })

	_, err := c.GetHistory(context.Background(), "acct-1", false)
	require.NoError(t, err)

	require.NotEmpty(t, events)
	final := events[len(events)-1]
	assert.True(t, final.IsComplete)
	assert.Equal(t, "acct-1", final.Account)
	assert.NotEmpty(t, final.OpID)
	for _, e := range events {
		assert.Equal(t, final.OpID, e.OpID)
	}
}

func TestMaintainArchivesOldMonthsAndDropsWarmCache(t *testing.T) {
	f := &fakeFetcher{}
	c, st, _ := newTestCoordinator(t, f, Options{MonthsToKeep: 12})

	old := execAt("old", time.Date(2023, time.May, 10, 0, 0, 0, 0, time.UTC))
	recent := execAt("recent", testNow().AddDate(0, 0, -5))
	require.NoError(t, st.WriteTrades("acct-1", []models.TradeExecution{old, recent}))
	require.NoError(t, st.SaveSyncStatus("acct-1", store.SyncStatus{
		LastUpdated: testNow().UnixMilli(), IsComplete: true,
	}))

	// Warm the cache with both records in view.
	snap, err := c.GetHistory(context.Background(), "acct-1", false)
	require.NoError(t, err)
	assert.Len(t, snap.Trades, 2)

	c.Maintain(context.Background())

	// The stale month is out of active metadata and out of the warm
	// snapshot; no fetches were needed for any of it.
	meta, err := st.Metadata("acct-1")
	require.NoError(t, err)
	_, hasOld := meta.MonthlyStats["2023-05"]
	assert.False(t, hasOld)

	snap, err = c.GetHistory(context.Background(), "acct-1", false)
	require.NoError(t, err)
	require.Len(t, snap.Trades, 1)
	assert.Equal(t, "recent", snap.Trades[0].ExecID)
	assert.Zero(t, f.historyCalls)
	assert.Zero(t, f.windowCalls)
}

func TestRefreshAllContinuesPastAccounts(t *testing.T) {
	f := &fakeFetcher{}
	c, _, _ := newTestCoordinator(t, f, Options{AccountDelay: time.Millisecond})

	c.RefreshAll(context.Background(), []string{"a1", "a2", "a3"})
	assert.Equal(t, 3, f.historyCalls)
}
