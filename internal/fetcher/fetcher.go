// Package fetcher retrieves an account's full trading history from the venue
// under provider constraints: narrow per-call date windows, cursor
// pagination, capped page counts, and fixed inter-call pacing. Failing chunks
// degrade the result to partial coverage instead of failing the fetch.
package fetcher

import (
	"context"
	"time"

	"trade-history-sync-go/internal/clock"
	"trade-history-sync-go/internal/exchange"
	"trade-history-sync-go/internal/merge"
	"trade-history-sync-go/internal/models"

	"go.uber.org/zap"
)

// Options tunes the chunked fetch. Zero values fall back to provider-safe
// defaults.
type Options struct {
	LookbackDays     int
	ChunkDays        int
	MaxPagesPerChunk int
	PageLimit        int
	CallDelay        time.Duration
	// FallbackWindowsDays is the ordered closed-position strategy list; 0
	// means the provider-default unscoped query.
	FallbackWindowsDays []int
}

func (o Options) withDefaults() Options {
	if o.LookbackDays <= 0 {
		o.LookbackDays = 180
	}
	if o.ChunkDays <= 0 {
		o.ChunkDays = 7
	}
	if o.MaxPagesPerChunk <= 0 {
		o.MaxPagesPerChunk = 5
	}
	if o.PageLimit <= 0 {
		o.PageLimit = 100
	}
	if o.CallDelay <= 0 {
		o.CallDelay = 150 * time.Millisecond
	}
	if len(o.FallbackWindowsDays) == 0 {
		o.FallbackWindowsDays = []int{0, 30, 90, 730}
	}
	return o
}

// Coverage describes how much of the target window a fetch actually reached.
type Coverage struct {
	ChunksTotal  int
	ChunksFailed int
	OldestMs     int64
	NewestMs     int64
}

// Progress is emitted after every chunk. Advisory only.
type Progress struct {
	CurrentChunk     int
	TotalChunks      int
	RecordsRetrieved int
	StartMs          int64
	EndMs            int64
}

// ProgressFunc receives chunk-level progress. May be nil.
type ProgressFunc func(Progress)

// Result is the outcome of a history fetch. Records are newest-first and
// deduplicated. Complete is true when at least one chunk of the target
// window succeeded; callers treat false as "retry later".
type Result struct {
	Executions      []models.TradeExecution
	ClosedPositions []models.ClosedPositionRecord
	Coverage        Coverage
	Complete        bool
}

// Fetcher splits an unbounded lookback into provider-safe date chunks and
// paginates each.
type Fetcher struct {
	client exchange.Client
	clock  clock.Clock
	logger *zap.Logger
	opts   Options
}

// New creates a Fetcher.
func New(client exchange.Client, clk clock.Clock, logger *zap.Logger, opts Options) *Fetcher {
	return &Fetcher{
		client: client,
		clock:  clk,
		logger: logger.Named("fetcher"),
		opts:   opts.withDefaults(),
	}
}

// FetchHistory retrieves executions and closed positions for the account
// across the configured lookback. Chunk failures are logged and skipped;
// the error return is reserved for context cancellation.
func (f *Fetcher) FetchHistory(ctx context.Context, account string, progress ProgressFunc) (*Result, error) {
	now := f.clock.Now()
	return f.FetchWindow(ctx, account, now.AddDate(0, 0, -f.opts.LookbackDays), now, progress)
}

// FetchWindow retrieves executions over [start, end] in newest-first chunks,
// then resolves closed positions via the fallback strategy ladder, falling
// back to synthesis from the raw executions.
func (f *Fetcher) FetchWindow(ctx context.Context, account string, start, end time.Time, progress ProgressFunc) (*Result, error) {
	executions, coverage, err := f.fetchExecutions(ctx, account, start, end, progress)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Executions: merge.Merge(nil, executions),
		Coverage:   coverage,
		Complete:   coverage.ChunksFailed < coverage.ChunksTotal,
	}

	positions, err := f.fetchClosedPositions(ctx, account, end)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 && len(res.Executions) > 0 {
		f.logger.Info("No closed positions from any provider strategy, synthesizing from executions",
			zap.String("account", account), zap.Int("executions", len(res.Executions)))
		positions = SynthesizeClosedPositions(res.Executions)
	}
	res.ClosedPositions = merge.Merge(nil, positions)

	return res, nil
}

// fetchExecutions walks the lookback window newest-first in fixed-width
// chunks. A failing chunk is skipped, never fatal.
func (f *Fetcher) fetchExecutions(ctx context.Context, account string, start, end time.Time, progress ProgressFunc) ([]models.TradeExecution, Coverage, error) {
	chunkWidth := time.Duration(f.opts.ChunkDays) * 24 * time.Hour

	var cov Coverage
	var all []models.TradeExecution

	total := 0
	for e := end; e.After(start); e = e.Add(-chunkWidth) {
		total++
	}
	cov.ChunksTotal = total

	chunk := 0
	for chunkEnd := end; chunkEnd.After(start); chunkEnd = chunkEnd.Add(-chunkWidth) {
		if err := ctx.Err(); err != nil {
			return all, cov, err
		}
		chunk++

		chunkStart := chunkEnd.Add(-chunkWidth)
		if chunkStart.Before(start) {
			chunkStart = start
		}

		records, err := paginate(ctx, f, func(q exchange.Query) (*exchange.Page[models.TradeExecution], error) {
			return f.client.FetchExecutions(ctx, account, q)
		}, chunkStart.UnixMilli(), chunkEnd.UnixMilli())

		if err != nil {
			if ctx.Err() != nil {
				return all, cov, ctx.Err()
			}
			cov.ChunksFailed++
			f.logger.Warn("Chunk fetch failed, skipping",
				zap.String("account", account),
				zap.Int("chunk", chunk), zap.Int("total", total),
				zap.Time("start", chunkStart), zap.Time("end", chunkEnd),
				zap.Error(err))
		}
		// Keep whatever the chunk managed to return before failing.
		all = append(all, records...)
		for _, r := range records {
			if cov.OldestMs == 0 || r.ExecTimestamp < cov.OldestMs {
				cov.OldestMs = r.ExecTimestamp
			}
			if r.ExecTimestamp > cov.NewestMs {
				cov.NewestMs = r.ExecTimestamp
			}
		}

		if progress != nil {
			progress(Progress{
				CurrentChunk:     chunk,
				TotalChunks:      total,
				RecordsRetrieved: len(all),
				StartMs:          chunkStart.UnixMilli(),
				EndMs:            chunkEnd.UnixMilli(),
			})
		}

		// Fixed inter-call pacing between chunks; rate-limit hygiene, not
		// adaptive backoff.
		if chunkEnd.Add(-chunkWidth).After(start) {
			if err := f.clock.Sleep(ctx, f.opts.CallDelay); err != nil {
				return all, cov, err
			}
		}
	}

	return all, cov, nil
}

// fetchClosedPositions walks the fallback strategy ladder: provider-default
// unscoped query first, then progressively wider explicit windows. The first
// strategy yielding at least one record wins. A recognized "tier
// unsupported" status short-circuits the remaining strategies.
func (f *Fetcher) fetchClosedPositions(ctx context.Context, account string, end time.Time) ([]models.ClosedPositionRecord, error) {
	for i, days := range f.opts.FallbackWindowsDays {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var startMs, endMs int64
		if days > 0 {
			startMs = end.AddDate(0, 0, -days).UnixMilli()
			endMs = end.UnixMilli()
		}

		records, err := paginate(ctx, f, func(q exchange.Query) (*exchange.Page[models.ClosedPositionRecord], error) {
			return f.client.FetchClosedPositions(ctx, account, q)
		}, startMs, endMs)

		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if exchange.IsUnsupported(err) {
				f.logger.Warn("Closed-pnl endpoint unsupported for account tier, will synthesize",
					zap.String("account", account), zap.Error(err))
				return nil, nil
			}
			f.logger.Warn("Closed-position strategy failed, trying next",
				zap.String("account", account), zap.Int("strategy", i), zap.Int("windowDays", days),
				zap.Error(err))
			continue
		}
		if len(records) > 0 {
			f.logger.Debug("Closed-position strategy succeeded",
				zap.String("account", account), zap.Int("strategy", i), zap.Int("records", len(records)))
			return records, nil
		}

		if err := f.clock.Sleep(ctx, f.opts.CallDelay); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// paginate follows the provider cursor within one window, appending pages
// while the cursor is non-empty and the page came back full-sized, up to the
// per-chunk attempt cap. Records accumulated before a failure are returned
// alongside the error.
func paginate[T any](ctx context.Context, f *Fetcher, fetch func(exchange.Query) (*exchange.Page[T], error), startMs, endMs int64) ([]T, error) {
	var out []T
	cursor := ""

	for attempt := 0; attempt < f.opts.MaxPagesPerChunk; attempt++ {
		if attempt > 0 {
			if err := f.clock.Sleep(ctx, f.opts.CallDelay); err != nil {
				return out, err
			}
		}

		page, err := fetch(exchange.Query{
			StartMs: startMs,
			EndMs:   endMs,
			Cursor:  cursor,
			Limit:   f.opts.PageLimit,
		})
		if err != nil {
			return out, err
		}

		out = append(out, page.Records...)
		if page.NextCursor == "" || len(page.Records) < f.opts.PageLimit {
			break
		}
		cursor = page.NextCursor
	}

	return out, nil
}
