package store

import (
	"fmt"
	"os"
	"path"
	"strings"

	"trade-history-sync-go/internal/models"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Archive moves the account's partitions older than monthsToKeep to the
// archive location and drops them from active metadata. Only the named
// account is locked; other accounts stay readable and writable.
func (s *Store) Archive(account string, monthsToKeep int) error {
	lock := s.accountLock(account)
	lock.Lock()
	defer lock.Unlock()

	cutoff := models.MonthKeyFor(s.clock.Now().AddDate(0, -monthsToKeep, 0).UnixMilli())

	meta, err := s.Metadata(account)
	if err != nil {
		return err
	}
	if meta == nil {
		return nil
	}

	archived := false
	for month := range meta.MonthlyStats {
		if month >= cutoff {
			continue
		}
		for _, kind := range []string{KindTrades, KindPnl, KindEquity} {
			src := s.partitionPath(account, kind, month)
			if ok, _ := afero.Exists(s.fs, src); !ok {
				continue
			}
			dst := s.archivePath(account, kind, month)
			if err := s.fs.MkdirAll(path.Dir(dst), 0o755); err != nil {
				return fmt.Errorf("failed to create archive dir: %w", err)
			}
			if err := s.fs.Rename(src, dst); err != nil {
				return fmt.Errorf("failed to archive %s %s for %s: %w", kind, month, account, err)
			}
		}
		delete(meta.MonthlyStats, month)
		archived = true
		s.logger.Info("Archived month partition",
			zap.String("account", account), zap.String("month", month))
	}

	if !archived {
		return nil
	}
	meta.LastUpdated = s.clock.Now().UnixMilli()
	meta.DataRange = dataRangeFromStats(meta.MonthlyStats)
	return s.writeJSON(s.metadataPath(account), meta)
}

// OptimizeStorage removes partitions that hold zero records, reclaiming
// files left behind by range deletions or empty merges.
func (s *Store) OptimizeStorage(account string) error {
	lock := s.accountLock(account)
	lock.Lock()
	defer lock.Unlock()

	meta, err := s.Metadata(account)
	if err != nil {
		return err
	}
	if meta == nil {
		return nil
	}

	changed := false
	for _, kind := range []string{KindTrades, KindPnl, KindEquity} {
		dir := path.Join(s.accountDir(account), kind)
		entries, err := afero.ReadDir(s.fs, dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			month := strings.TrimSuffix(e.Name(), ".json")
			empty, err := s.partitionIsEmpty(account, kind, month)
			if err != nil {
				return err
			}
			if !empty {
				continue
			}
			if err := s.fs.Remove(s.partitionPath(account, kind, month)); err != nil {
				return err
			}
			changed = true
			s.logger.Debug("Removed empty partition",
				zap.String("account", account), zap.String("kind", kind), zap.String("month", month))
		}
	}

	if !changed {
		return nil
	}

	// Recount every remaining month so stats reflect the removals.
	months := make([]string, 0, len(meta.MonthlyStats))
	for m := range meta.MonthlyStats {
		months = append(months, m)
	}
	for _, month := range months {
		stat, err := s.recountMonth(account, month)
		if err != nil {
			return err
		}
		if stat.TradeCount == 0 && stat.PositionCount == 0 && stat.EquityCount == 0 {
			delete(meta.MonthlyStats, month)
			continue
		}
		meta.MonthlyStats[month] = stat
	}
	meta.LastUpdated = s.clock.Now().UnixMilli()
	meta.DataRange = dataRangeFromStats(meta.MonthlyStats)
	return s.writeJSON(s.metadataPath(account), meta)
}

func (s *Store) partitionIsEmpty(account, kind, month string) (bool, error) {
	switch kind {
	case KindTrades:
		p, err := loadPartition[models.TradeExecution](s, account, kind, month)
		if err != nil {
			return false, err
		}
		return len(p.Records) == 0, nil
	case KindPnl:
		p, err := loadPartition[models.ClosedPositionRecord](s, account, kind, month)
		if err != nil {
			return false, err
		}
		return len(p.Records) == 0, nil
	default:
		p, err := loadPartition[models.EquitySnapshot](s, account, kind, month)
		if err != nil {
			return false, err
		}
		return len(p.Records) == 0, nil
	}
}
