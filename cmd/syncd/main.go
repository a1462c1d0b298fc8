package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"trade-history-sync-go/internal/cache"
	"trade-history-sync-go/internal/clock"
	"trade-history-sync-go/internal/config"
	"trade-history-sync-go/internal/exchange"
	"trade-history-sync-go/internal/fetcher"
	"trade-history-sync-go/internal/logger"
	"trade-history-sync-go/internal/migration"
	"trade-history-sync-go/internal/store"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

func main() {
	// Load application configuration
	cfg, err := config.Load("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		panic(fmt.Sprintf("could not load config: %v", err))
	}

	// Initialize logger
	log, err := logger.New(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("Configuration loaded")

	fs := afero.NewOsFs()
	clk := clock.New()
	st := store.New(fs, cfg.Storage.DataRoot, clk, log)

	// Drain the legacy single-blob store once, before anything reads the
	// partitioned layout.
	if cfg.Legacy.DSN != "" {
		db, err := migration.OpenLegacyStore(cfg.Legacy.DSN)
		if err != nil {
			log.Fatal("Failed to open legacy store", zap.Error(err))
		}
		engine := migration.NewEngine(db, st, fs, cfg.Storage.DataRoot, migration.PlainText{}, clk, log)
		if err := engine.Migrate(); err != nil {
			log.Fatal("Legacy migration failed, legacy data left intact", zap.Error(err))
		}
	}

	client := exchange.NewBybitClient(&cfg.Venue, log)
	hist := fetcher.New(client, clk, log, fetcher.Options{
		LookbackDays:        cfg.Sync.LookbackDays,
		ChunkDays:           cfg.Sync.ChunkDays,
		MaxPagesPerChunk:    cfg.Sync.MaxPagesPerChunk,
		PageLimit:           cfg.Sync.PageLimit,
		CallDelay:           time.Duration(cfg.Sync.CallDelayMs) * time.Millisecond,
		FallbackWindowsDays: cfg.Sync.FallbackWindows,
	})

	coordinator := cache.New(st, hist, clk, log, cache.Options{
		FreshnessWindow: time.Duration(cfg.Cache.FreshnessHours) * time.Hour,
		OverlapMargin:   time.Duration(cfg.Cache.OverlapDays) * 24 * time.Hour,
		AccountDelay:    time.Duration(cfg.Sync.AccountDelayMs) * time.Millisecond,
		MonthsToKeep:    cfg.Storage.MonthsToKeep,
	})
	coordinator.Subscribe(func(p cache.Progress) {
		log.Debug("Sync progress",
			zap.String("account", p.Account), zap.String("op", p.OpID),
			zap.Int("chunk", p.CurrentChunk), zap.Int("totalChunks", p.TotalChunks),
			zap.Int("records", p.RecordsRetrieved), zap.Bool("complete", p.IsComplete))
	})

	accounts := make([]string, 0, len(cfg.Venue.Accounts))
	for id := range cfg.Venue.Accounts {
		accounts = append(accounts, id)
	}
	sort.Strings(accounts)
	if len(accounts) == 0 {
		log.Warn("No accounts configured, nothing to sync")
	}

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
		<-sigchan
		log.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	log.Info("Starting history sync", zap.Int("accounts", len(accounts)))
	coordinator.RefreshAll(ctx, accounts)
	coordinator.Maintain(ctx)

	interval := time.Duration(cfg.Cache.RefreshInterval) * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Info("Starting refresh loop", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			log.Info("Sync daemon stopped.")
			return
		case <-ticker.C:
			coordinator.RefreshAll(ctx, accounts)
			coordinator.Maintain(ctx)
		}
	}
}
