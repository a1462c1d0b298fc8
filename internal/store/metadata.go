package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"sort"

	"trade-history-sync-go/internal/models"

	"github.com/spf13/afero"
)

func (s *Store) metadataPath(account string) string {
	return path.Join(s.accountDir(account), "metadata.json")
}

func (s *Store) syncStatusPath(account string) string {
	return path.Join(s.accountDir(account), "sync.json")
}

// SyncStatus is the persisted freshness marker the coordinator uses to decide
// between serving, incremental update, and full fetch.
type SyncStatus struct {
	LastUpdated int64 `json:"lastUpdated"`
	IsComplete  bool  `json:"isComplete"`
}

// Metadata returns the account's metadata, or nil when the account has no
// stored data yet.
func (s *Store) Metadata(account string) (*models.AccountMetadata, error) {
	data, err := afero.ReadFile(s.fs, s.metadataPath(account))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var meta models.AccountMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode metadata for %s: %w", account, err)
	}
	return &meta, nil
}

// SyncStatus returns the account's persisted freshness marker, zero-valued
// when none exists.
func (s *Store) SyncStatus(account string) (SyncStatus, error) {
	data, err := afero.ReadFile(s.fs, s.syncStatusPath(account))
	if err != nil {
		if os.IsNotExist(err) {
			return SyncStatus{}, nil
		}
		return SyncStatus{}, err
	}
	var st SyncStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return SyncStatus{}, fmt.Errorf("failed to decode sync status for %s: %w", account, err)
	}
	return st, nil
}

// SaveSyncStatus persists the account's freshness marker.
func (s *Store) SaveSyncStatus(account string, st SyncStatus) error {
	return s.writeJSON(s.syncStatusPath(account), st)
}

// Accounts lists every account with stored data.
func (s *Store) Accounts() ([]string, error) {
	entries, err := afero.ReadDir(s.fs, path.Join(s.root, "trading-data"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var accounts []string
	for _, e := range entries {
		if e.IsDir() {
			accounts = append(accounts, e.Name())
		}
	}
	sort.Strings(accounts)
	return accounts, nil
}

// DeleteAccount removes all stored data and metadata for the account. This
// is the only operation that deletes metadata.
func (s *Store) DeleteAccount(account string) error {
	lock := s.accountLock(account)
	lock.Lock()
	defer lock.Unlock()
	return s.fs.RemoveAll(s.accountDir(account))
}

// Bounds returns the oldest and newest stored record timestamps across trade
// and closed-position partitions, recomputed from the actual edge partitions
// rather than a maintained counter. Zero values mean no stored records.
func (s *Store) Bounds(account string) (oldestMs, newestMs int64, err error) {
	meta, err := s.Metadata(account)
	if err != nil || meta == nil || len(meta.MonthlyStats) == 0 {
		return 0, 0, err
	}

	months := make([]string, 0, len(meta.MonthlyStats))
	for m := range meta.MonthlyStats {
		months = append(months, m)
	}
	sort.Strings(months)

	tradeOld, tradeNew, err := kindBounds[models.TradeExecution](s, account, KindTrades, months)
	if err != nil {
		return 0, 0, err
	}
	pnlOld, pnlNew, err := kindBounds[models.ClosedPositionRecord](s, account, KindPnl, months)
	if err != nil {
		return 0, 0, err
	}

	oldestMs = tradeOld
	if pnlOld != 0 && (oldestMs == 0 || pnlOld < oldestMs) {
		oldestMs = pnlOld
	}
	newestMs = tradeNew
	if pnlNew > newestMs {
		newestMs = pnlNew
	}
	return oldestMs, newestMs, nil
}

// kindBounds scans one record kind. The oldest record lives in the first
// month that has any, the newest in the last; scanning inward from the two
// edges is enough.
func kindBounds[T models.Record](s *Store, account, kind string, months []string) (oldestMs, newestMs int64, err error) {
	for _, month := range months {
		part, err := loadPartition[T](s, account, kind, month)
		if err != nil {
			return 0, 0, err
		}
		for _, r := range part.Records {
			if ts := r.UnixMilli(); oldestMs == 0 || ts < oldestMs {
				oldestMs = ts
			}
		}
		if oldestMs != 0 {
			break
		}
	}
	for i := len(months) - 1; i >= 0; i-- {
		part, err := loadPartition[T](s, account, kind, months[i])
		if err != nil {
			return 0, 0, err
		}
		for _, r := range part.Records {
			if ts := r.UnixMilli(); ts > newestMs {
				newestMs = ts
			}
		}
		if newestMs != 0 {
			break
		}
	}
	return oldestMs, newestMs, nil
}

// refreshMetadata recounts the touched months and recomputes the data range.
// Caller holds the account lock.
func (s *Store) refreshMetadata(account string, touchedMonths []string) error {
	meta, err := s.Metadata(account)
	if err != nil {
		return err
	}
	nowMs := s.clock.Now().UnixMilli()
	if meta == nil {
		meta = &models.AccountMetadata{
			AccountID:    account,
			CreatedAt:    nowMs,
			DataVersion:  models.MetadataVersion,
			MonthlyStats: make(map[string]models.MonthlyStat),
		}
	}
	if meta.MonthlyStats == nil {
		meta.MonthlyStats = make(map[string]models.MonthlyStat)
	}

	for _, month := range touchedMonths {
		stat, err := s.recountMonth(account, month)
		if err != nil {
			return err
		}
		meta.MonthlyStats[month] = stat
	}

	meta.LastUpdated = nowMs
	meta.DataVersion = models.MetadataVersion
	meta.DataRange = dataRangeFromStats(meta.MonthlyStats)

	return s.writeJSON(s.metadataPath(account), meta)
}

// recountMonth rebuilds one month's stats from its partition files.
func (s *Store) recountMonth(account, month string) (models.MonthlyStat, error) {
	var stat models.MonthlyStat

	trades, err := loadPartition[models.TradeExecution](s, account, KindTrades, month)
	if err != nil {
		return stat, err
	}
	stat.TradeCount = len(trades.Records)

	positions, err := loadPartition[models.ClosedPositionRecord](s, account, KindPnl, month)
	if err != nil {
		return stat, err
	}
	stat.PositionCount = len(positions.Records)

	equity, err := loadPartition[models.EquitySnapshot](s, account, KindEquity, month)
	if err != nil {
		return stat, err
	}
	stat.EquityCount = len(equity.Records)

	for _, kind := range []string{KindTrades, KindPnl, KindEquity} {
		if info, err := s.fs.Stat(s.partitionPath(account, kind, month)); err == nil {
			stat.ApproxSizeBytes += info.Size()
		}
	}
	return stat, nil
}

func dataRangeFromStats(stats map[string]models.MonthlyStat) models.DataRange {
	var r models.DataRange
	for month := range stats {
		if r.StartMonth == "" || month < r.StartMonth {
			r.StartMonth = month
		}
		if month > r.EndMonth {
			r.EndMonth = month
		}
	}
	return r
}
