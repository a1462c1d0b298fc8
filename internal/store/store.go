// Package store persists trade history per account, partitioned by calendar
// month, on an abstract filesystem. Layout:
//
//	<root>/trading-data/<accountId>/metadata.json
//	<root>/trading-data/<accountId>/{trades|pnl|equity}/<YYYY-MM>.json
//	<root>/archives/<year>/<accountId>-{trades|pnl|equity}-<YYYY-MM>.json
//
// Writes are atomic at single-file granularity (temp file + rename); there is
// no file locking, so all writes for one account are serialized through a
// per-account mutex inside the Store.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"sync"

	"trade-history-sync-go/internal/clock"
	"trade-history-sync-go/internal/merge"
	"trade-history-sync-go/internal/models"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Partition kinds, doubling as directory names.
const (
	KindTrades = "trades"
	KindPnl    = "pnl"
	KindEquity = "equity"
)

// Store is the partitioned on-disk history store.
type Store struct {
	fs     afero.Fs
	root   string
	clock  clock.Clock
	logger *zap.Logger

	mu       sync.Mutex
	accounts map[string]*sync.Mutex
}

// New creates a Store rooted at root on the given filesystem.
func New(fs afero.Fs, root string, clk clock.Clock, logger *zap.Logger) *Store {
	return &Store{
		fs:       fs,
		root:     root,
		clock:    clk,
		logger:   logger.Named("store"),
		accounts: make(map[string]*sync.Mutex),
	}
}

// accountLock returns the mutex serializing writes for one account.
func (s *Store) accountLock(account string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.accounts[account]
	if !ok {
		m = &sync.Mutex{}
		s.accounts[account] = m
	}
	return m
}

func (s *Store) accountDir(account string) string {
	return path.Join(s.root, "trading-data", account)
}

func (s *Store) partitionPath(account, kind, month string) string {
	return path.Join(s.accountDir(account), kind, month+".json")
}

func (s *Store) archivePath(account, kind, month string) string {
	year := month[:4]
	return path.Join(s.root, "archives", year, fmt.Sprintf("%s-%s-%s.json", account, kind, month))
}

// WriteTrades merges a batch of executions into the account's monthly trade
// partitions.
func (s *Store) WriteTrades(account string, batch []models.TradeExecution) error {
	return writeBatch(s, account, KindTrades, batch)
}

// WriteClosedPositions merges a batch of closed-position records into the
// account's monthly pnl partitions.
func (s *Store) WriteClosedPositions(account string, batch []models.ClosedPositionRecord) error {
	return writeBatch(s, account, KindPnl, batch)
}

// WriteEquitySnapshots merges a batch of equity snapshots into the account's
// monthly equity partitions.
func (s *Store) WriteEquitySnapshots(account string, batch []models.EquitySnapshot) error {
	return writeBatch(s, account, KindEquity, batch)
}

// ReadTrades returns the executions in [startMs, endMs], newest-first.
func (s *Store) ReadTrades(account string, startMs, endMs int64) ([]models.TradeExecution, error) {
	return readRange[models.TradeExecution](s, account, KindTrades, startMs, endMs)
}

// ReadClosedPositions returns the closed positions in [startMs, endMs], newest-first.
func (s *Store) ReadClosedPositions(account string, startMs, endMs int64) ([]models.ClosedPositionRecord, error) {
	return readRange[models.ClosedPositionRecord](s, account, KindPnl, startMs, endMs)
}

// ReadEquitySnapshots returns the equity snapshots in [startMs, endMs], newest-first.
func (s *Store) ReadEquitySnapshots(account string, startMs, endMs int64) ([]models.EquitySnapshot, error) {
	return readRange[models.EquitySnapshot](s, account, KindEquity, startMs, endMs)
}

// writeBatch groups the batch by calendar month and merges each group into
// its partition, then refreshes the account metadata.
func writeBatch[T models.Record](s *Store, account, kind string, batch []T) error {
	if len(batch) == 0 {
		return nil
	}

	lock := s.accountLock(account)
	lock.Lock()
	defer lock.Unlock()

	byMonth := make(map[string][]T)
	for _, r := range batch {
		month := models.MonthKeyFor(r.UnixMilli())
		byMonth[month] = append(byMonth[month], r)
	}

	nowMs := s.clock.Now().UnixMilli()
	for month, group := range byMonth {
		part, err := loadPartition[T](s, account, kind, month)
		if err != nil {
			return fmt.Errorf("failed to load %s partition %s for %s: %w", kind, month, account, err)
		}
		part.Records = merge.Merge(part.Records, group)
		if part.CreatedAt == 0 {
			part.CreatedAt = nowMs
		}
		part.LastUpdated = nowMs
		if err := part.Seal(); err != nil {
			return fmt.Errorf("failed to checksum %s partition %s for %s: %w", kind, month, account, err)
		}
		if err := s.writeJSON(s.partitionPath(account, kind, month), part); err != nil {
			return fmt.Errorf("failed to persist %s partition %s for %s: %w", kind, month, account, err)
		}
		s.logger.Debug("Partition written",
			zap.String("account", account), zap.String("kind", kind),
			zap.String("month", month), zap.Int("records", len(part.Records)))
	}

	months := make([]string, 0, len(byMonth))
	for m := range byMonth {
		months = append(months, m)
	}
	if err := s.refreshMetadata(account, months); err != nil {
		return fmt.Errorf("failed to update metadata for %s: %w", account, err)
	}
	return nil
}

// loadPartition reads a partition, returning an empty one when the file does
// not exist. A checksum mismatch is logged as an integrity warning and the
// data is returned anyway; there is no automatic repair.
func loadPartition[T models.Record](s *Store, account, kind, month string) (*models.MonthPartition[T], error) {
	p := s.partitionPath(account, kind, month)

	data, err := afero.ReadFile(s.fs, p)
	if err != nil {
		if os.IsNotExist(err) {
			return &models.MonthPartition[T]{Month: month}, nil
		}
		return nil, err
	}

	var part models.MonthPartition[T]
	if err := json.Unmarshal(data, &part); err != nil {
		return nil, fmt.Errorf("failed to decode partition %s: %w", p, err)
	}

	if ok, err := part.Verify(); err == nil && !ok {
		s.logger.Warn("Partition checksum mismatch, serving data anyway",
			zap.String("account", account), zap.String("kind", kind), zap.String("month", month))
	}
	return &part, nil
}

// readRange resolves the month keys covering the range, loads each partition,
// and filters to the exact bounds.
func readRange[T models.Record](s *Store, account, kind string, startMs, endMs int64) ([]T, error) {
	var out []T
	for _, month := range models.MonthKeysInRange(startMs, endMs) {
		part, err := loadPartition[T](s, account, kind, month)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s partition %s for %s: %w", kind, month, account, err)
		}
		out = append(out, merge.FilterRange(part.Records, startMs, endMs)...)
	}
	merge.SortNewestFirst(out)
	return out, nil
}

// writeJSON persists v atomically: write a temp file, then rename over the
// destination.
func (s *Store) writeJSON(dst string, v any) error {
	if err := s.fs.MkdirAll(path.Dir(dst), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp := dst + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return err
	}
	if err := s.fs.Rename(tmp, dst); err != nil {
		// Some filesystems refuse to rename over an existing file.
		if rmErr := s.fs.Remove(dst); rmErr != nil {
			return err
		}
		return s.fs.Rename(tmp, dst)
	}
	return nil
}
