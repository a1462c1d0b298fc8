// Package cache decides, per account, between serving stored history,
// topping it up incrementally, and refetching the full lookback. It owns the
// only warm in-memory copy of each account's history; the copy is populated
// synchronously on read-through miss, never by background fills.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trade-history-sync-go/internal/clock"
	"trade-history-sync-go/internal/fetcher"
	"trade-history-sync-go/internal/models"
	"trade-history-sync-go/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is an account's position in the refresh state machine.
type State string

const (
	// StateEmpty means no fetch has ever completed; a full fetch is needed.
	StateEmpty State = "empty"
	// StateFresh means the cache age is inside the freshness window.
	StateFresh State = "fresh"
	// StateStaleIncremental means the cache aged out and needs a bounded
	// top-up since the last sync.
	StateStaleIncremental State = "stale-needs-incremental"
	// StateStaleFull means the last fetch did not complete; only a full
	// refetch repairs the gaps.
	StateStaleFull State = "stale-needs-full"
)

// Progress is an advisory refresh event delivered to registered observers.
// No backpressure: slow observers drop nothing but block nothing either.
type Progress struct {
	OpID             string
	Account          string
	CurrentChunk     int
	TotalChunks      int
	RecordsRetrieved int
	StartMs          int64
	EndMs            int64
	IsComplete       bool
}

// ProgressObserver receives refresh progress events.
type ProgressObserver func(Progress)

// HistoryFetcher is the network side of the pipeline.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, account string, progress fetcher.ProgressFunc) (*fetcher.Result, error)
	FetchWindow(ctx context.Context, account string, start, end time.Time, progress fetcher.ProgressFunc) (*fetcher.Result, error)
}

var _ HistoryFetcher = (*fetcher.Fetcher)(nil)

// Snapshot is everything the cache serves for one account.
type Snapshot struct {
	Trades          []models.TradeExecution
	ClosedPositions []models.ClosedPositionRecord
	State           models.CacheState
}

// Options tunes the state machine.
type Options struct {
	FreshnessWindow time.Duration
	OverlapMargin   time.Duration
	AccountDelay    time.Duration
	MonthsToKeep    int
}

func (o Options) withDefaults() Options {
	if o.FreshnessWindow <= 0 {
		o.FreshnessWindow = 24 * time.Hour
	}
	if o.OverlapMargin <= 0 {
		o.OverlapMargin = 48 * time.Hour
	}
	if o.AccountDelay <= 0 {
		o.AccountDelay = 500 * time.Millisecond
	}
	if o.MonthsToKeep <= 0 {
		o.MonthsToKeep = 24
	}
	return o
}

// Coordinator is the per-account refresh state machine. One instance owns
// all pipelines; within an account operations are strictly sequential, across
// accounts they are independent.
type Coordinator struct {
	store   *store.Store
	fetcher HistoryFetcher
	clock   clock.Clock
	logger  *zap.Logger
	opts    Options

	mu        sync.Mutex
	warm      map[string]*Snapshot
	observers []ProgressObserver
	accounts  map[string]*sync.Mutex
}

// New creates a Coordinator.
func New(st *store.Store, f HistoryFetcher, clk clock.Clock, logger *zap.Logger, opts Options) *Coordinator {
	return &Coordinator{
		store:    st,
		fetcher:  f,
		clock:    clk,
		logger:   logger.Named("cache"),
		opts:     opts.withDefaults(),
		warm:     make(map[string]*Snapshot),
		accounts: make(map[string]*sync.Mutex),
	}
}

// Subscribe registers an observer for refresh progress events.
func (c *Coordinator) Subscribe(obs ProgressObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, obs)
}

func (c *Coordinator) publish(p Progress) {
	c.mu.Lock()
	observers := make([]ProgressObserver, len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()
	for _, obs := range observers {
		obs(p)
	}
}

func (c *Coordinator) accountLock(account string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.accounts[account]
	if !ok {
		m = &sync.Mutex{}
		c.accounts[account] = m
	}
	return m
}

// AccountState classifies the account without touching the network.
func (c *Coordinator) AccountState(account string) (State, error) {
	status, err := c.store.SyncStatus(account)
	if err != nil {
		return "", err
	}
	return c.classify(status), nil
}

func (c *Coordinator) classify(status store.SyncStatus) State {
	if status.LastUpdated == 0 {
		return StateEmpty
	}
	if !status.IsComplete {
		return StateStaleFull
	}
	age := c.clock.Now().Sub(time.UnixMilli(status.LastUpdated))
	if age < c.opts.FreshnessWindow {
		return StateFresh
	}
	return StateStaleIncremental
}

// GetHistory returns the account's history, refreshing first when the state
// machine calls for it. forceRefresh bypasses the state machine and always
// performs a full fetch.
func (c *Coordinator) GetHistory(ctx context.Context, account string, forceRefresh bool) (*Snapshot, error) {
	lock := c.accountLock(account)
	lock.Lock()
	defer lock.Unlock()

	status, err := c.store.SyncStatus(account)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync status for %s: %w", account, err)
	}
	state := c.classify(status)

	if forceRefresh {
		state = StateEmpty // full fetch path
	}

	switch state {
	case StateFresh:
		return c.serveCached(account)
	case StateStaleIncremental:
		return c.incrementalUpdate(ctx, account, status)
	default:
		return c.fullFetch(ctx, account)
	}
}

// serveCached returns the warm copy, loading it from the store synchronously
// on miss.
func (c *Coordinator) serveCached(account string) (*Snapshot, error) {
	c.mu.Lock()
	snap, ok := c.warm[account]
	c.mu.Unlock()
	if ok {
		return snap, nil
	}
	return c.rebuildWarm(account)
}

// fullFetch runs the chunked fetch across the whole lookback and writes
// through the store. Partial results are persisted and served; only context
// cancellation or a storage failure is an error.
func (c *Coordinator) fullFetch(ctx context.Context, account string) (*Snapshot, error) {
	opID := uuid.NewString()
	c.logger.Info("Starting full fetch", zap.String("account", account), zap.String("op", opID))

	res, err := c.fetcher.FetchHistory(ctx, account, func(p fetcher.Progress) {
		c.publish(Progress{
			OpID:             opID,
			Account:          account,
			CurrentChunk:     p.CurrentChunk,
			TotalChunks:      p.TotalChunks,
			RecordsRetrieved: p.RecordsRetrieved,
			StartMs:          p.StartMs,
			EndMs:            p.EndMs,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("full fetch aborted for %s: %w", account, err)
	}

	if err := c.persist(account, res); err != nil {
		return nil, err
	}
	if err := c.store.SaveSyncStatus(account, store.SyncStatus{
		LastUpdated: c.clock.Now().UnixMilli(),
		IsComplete:  res.Complete,
	}); err != nil {
		return nil, fmt.Errorf("failed to save sync status for %s: %w", account, err)
	}

	c.publish(Progress{
		OpID: opID, Account: account,
		CurrentChunk: res.Coverage.ChunksTotal, TotalChunks: res.Coverage.ChunksTotal,
		RecordsRetrieved: len(res.Executions),
		IsComplete:       res.Complete,
	})
	c.logger.Info("Full fetch finished",
		zap.String("account", account), zap.String("op", opID),
		zap.Int("executions", len(res.Executions)),
		zap.Int("chunksFailed", res.Coverage.ChunksFailed),
		zap.Bool("complete", res.Complete))

	return c.rebuildWarm(account)
}

// incrementalUpdate fetches the window since the last sync, padded by the
// overlap margin for late-arriving records. The freshness marker advances to
// now even when nothing new arrived, so a quiet account is not re-checked on
// every read. A failed update serves the last-known-good cache unchanged.
func (c *Coordinator) incrementalUpdate(ctx context.Context, account string, status store.SyncStatus) (*Snapshot, error) {
	opID := uuid.NewString()
	now := c.clock.Now()
	start := time.UnixMilli(status.LastUpdated).Add(-c.opts.OverlapMargin)

	c.logger.Info("Starting incremental update",
		zap.String("account", account), zap.String("op", opID),
		zap.Time("windowStart", start), zap.Time("windowEnd", now))

	res, err := c.fetcher.FetchWindow(ctx, account, start, now, func(p fetcher.Progress) {
		c.publish(Progress{
			OpID:             opID,
			Account:          account,
			CurrentChunk:     p.CurrentChunk,
			TotalChunks:      p.TotalChunks,
			RecordsRetrieved: p.RecordsRetrieved,
			StartMs:          p.StartMs,
			EndMs:            p.EndMs,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("incremental update aborted for %s: %w", account, err)
	}

	if !res.Complete {
		// Fail-soft: keep the cache and the freshness marker unchanged.
		c.logger.Warn("Incremental update failed, serving cached data",
			zap.String("account", account), zap.String("op", opID),
			zap.Int("chunksFailed", res.Coverage.ChunksFailed))
		return c.serveCached(account)
	}

	if err := c.persist(account, res); err != nil {
		return nil, err
	}
	if err := c.store.SaveSyncStatus(account, store.SyncStatus{
		LastUpdated: now.UnixMilli(),
		IsComplete:  true,
	}); err != nil {
		return nil, fmt.Errorf("failed to save sync status for %s: %w", account, err)
	}

	c.publish(Progress{
		OpID: opID, Account: account,
		CurrentChunk: res.Coverage.ChunksTotal, TotalChunks: res.Coverage.ChunksTotal,
		RecordsRetrieved: len(res.Executions),
		IsComplete:       true,
	})

	return c.rebuildWarm(account)
}

func (c *Coordinator) persist(account string, res *fetcher.Result) error {
	if err := c.store.WriteTrades(account, res.Executions); err != nil {
		return fmt.Errorf("failed to persist trades for %s: %w", account, err)
	}
	if err := c.store.WriteClosedPositions(account, res.ClosedPositions); err != nil {
		return fmt.Errorf("failed to persist closed positions for %s: %w", account, err)
	}
	return nil
}

// rebuildWarm reloads the account's snapshot from the store and installs it
// as the warm copy.
func (c *Coordinator) rebuildWarm(account string) (*Snapshot, error) {
	snap, err := c.buildSnapshot(account)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.warm[account] = snap
	c.mu.Unlock()
	return snap, nil
}

// buildSnapshot derives the served view from store contents plus the
// freshness marker. Coverage days are recomputed from the actual stored
// record bounds, not a maintained counter.
func (c *Coordinator) buildSnapshot(account string) (*Snapshot, error) {
	status, err := c.store.SyncStatus(account)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		State: models.CacheState{
			LastUpdated: status.LastUpdated,
			IsComplete:  status.IsComplete,
		},
	}

	meta, err := c.store.Metadata(account)
	if err != nil {
		return nil, err
	}
	if meta == nil || meta.DataRange.StartMonth == "" {
		return snap, nil
	}

	// Read everything the metadata says exists; exact coverage comes from the
	// record bounds below.
	rangeStart, err := models.MonthStart(meta.DataRange.StartMonth)
	if err != nil {
		return nil, fmt.Errorf("bad start month in metadata for %s: %w", account, err)
	}
	rangeEnd := c.clock.Now().UnixMilli()

	snap.Trades, err = c.store.ReadTrades(account, rangeStart.UnixMilli(), rangeEnd)
	if err != nil {
		return nil, err
	}
	snap.ClosedPositions, err = c.store.ReadClosedPositions(account, rangeStart.UnixMilli(), rangeEnd)
	if err != nil {
		return nil, err
	}

	oldest, newest, err := c.store.Bounds(account)
	if err != nil {
		return nil, err
	}
	if oldest != 0 {
		snap.State.DataRange = models.CacheDataRange{
			StartMs:   oldest,
			EndMs:     newest,
			TotalDays: int((newest-oldest)/(24*60*60*1000)) + 1,
		}
	}
	return snap, nil
}

// RefreshAll runs the state machine for each account sequentially with a
// fixed inter-account delay as provider-side rate-limit mitigation.
func (c *Coordinator) RefreshAll(ctx context.Context, accounts []string) {
	for i, account := range accounts {
		if i > 0 {
			if err := c.clock.Sleep(ctx, c.opts.AccountDelay); err != nil {
				return
			}
		}
		if _, err := c.GetHistory(ctx, account, false); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("Account refresh failed", zap.String("account", account), zap.Error(err))
		}
	}
}

// Maintain archives partitions older than the retention horizon and prunes
// empty partition files for every account with stored data. A failing account
// is logged and skipped so one bad directory cannot stall the pass.
func (c *Coordinator) Maintain(ctx context.Context) {
	accounts, err := c.store.Accounts()
	if err != nil {
		c.logger.Error("Maintenance could not list accounts", zap.Error(err))
		return
	}
	for _, account := range accounts {
		if ctx.Err() != nil {
			return
		}
		if err := c.store.Archive(account, c.opts.MonthsToKeep); err != nil {
			c.logger.Error("Archive failed", zap.String("account", account), zap.Error(err))
			continue
		}
		if err := c.store.OptimizeStorage(account); err != nil {
			c.logger.Error("Storage optimization failed", zap.String("account", account), zap.Error(err))
			continue
		}
		// Archived months must not linger in the warm snapshot.
		c.mu.Lock()
		delete(c.warm, account)
		c.mu.Unlock()
	}
}
