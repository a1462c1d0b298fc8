// Package migration performs the one-time, idempotent transform of the
// legacy single-blob store into the partitioned layout. Legacy data is
// backed up before any mutation and deleted only after every other step
// succeeded, so a partial failure never destroys it.
package migration

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"trade-history-sync-go/internal/clock"
	"trade-history-sync-go/internal/models"
	"trade-history-sync-go/internal/store"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// FlagVersion is written into the completion flag.
const FlagVersion = 1

// Flag is the persisted migration completion record.
type Flag struct {
	Completed bool  `json:"completed"`
	Timestamp int64 `json:"timestamp"`
	Version   int   `json:"version"`
}

// Failure wraps an error from any migration step before the destructive
// legacy-delete; it propagates to the caller so the host can alert the user.
type Failure struct {
	Step string
	Err  error
}

func (f *Failure) Error() string { return fmt.Sprintf("migration failed at %s: %v", f.Step, f.Err) }

func (f *Failure) Unwrap() error { return f.Err }

// Engine drains the legacy store into the PartitionedStore.
type Engine struct {
	db     *gorm.DB
	store  *store.Store
	fs     afero.Fs
	root   string
	dec    Decrypter
	clock  clock.Clock
	logger *zap.Logger
}

// NewEngine creates a migration engine. fs and root must match the ones the
// Store was built with.
func NewEngine(db *gorm.DB, st *store.Store, fs afero.Fs, root string, dec Decrypter, clk clock.Clock, logger *zap.Logger) *Engine {
	return &Engine{
		db:     db,
		store:  st,
		fs:     fs,
		root:   root,
		dec:    dec,
		clock:  clk,
		logger: logger.Named("migration"),
	}
}

func (e *Engine) flagPath() string {
	return path.Join(e.root, "trading-data", "migration.json")
}

// NeedsMigration reports whether legacy data exists and no completion flag
// has been persisted.
func (e *Engine) NeedsMigration() (bool, error) {
	if ok, err := afero.Exists(e.fs, e.flagPath()); err != nil {
		return false, err
	} else if ok {
		return false, nil
	}

	var count int64
	err := e.db.Model(&LegacyRecord{}).
		Where("key IN ?", []string{legacyAccountsKey, legacyEquityKey}).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to probe legacy store: %w", err)
	}
	return count > 0, nil
}

// Migrate runs the full transform. Safe to re-invoke: a completed migration
// is a no-op, and a failed one leaves the legacy blobs in place.
func (e *Engine) Migrate() error {
	needed, err := e.NeedsMigration()
	if err != nil {
		return &Failure{Step: "probe", Err: err}
	}
	if !needed {
		e.logger.Debug("No migration needed")
		return nil
	}
	e.logger.Info("Legacy store detected, migrating to partitioned layout")

	var rows []LegacyRecord
	if err := e.db.Where("key IN ?", []string{legacyAccountsKey, legacyEquityKey}).Find(&rows).Error; err != nil {
		return &Failure{Step: "load", Err: err}
	}
	blobs := make(map[string][]byte, len(rows))
	for _, r := range rows {
		blobs[r.Key] = r.Value
	}

	// Step 1: snapshot the raw blobs before touching anything.
	backupPath, err := e.writeBackup(blobs)
	if err != nil {
		return &Failure{Step: "backup", Err: err}
	}
	e.logger.Info("Legacy blobs backed up", zap.String("path", backupPath))

	// Step 2: accounts' trades and closed positions, grouped by month via
	// the store's write path.
	accounts, err := e.decodeAccounts(blobs[legacyAccountsKey])
	if err != nil {
		return &Failure{Step: "decode-accounts", Err: err}
	}
	for id, blob := range accounts {
		if err := e.store.WriteTrades(id, blob.Trades); err != nil {
			return &Failure{Step: "write-trades", Err: err}
		}
		if err := e.store.WriteClosedPositions(id, blob.ClosedPositions); err != nil {
			return &Failure{Step: "write-positions", Err: err}
		}
		e.logger.Info("Account migrated", zap.String("account", id),
			zap.Int("trades", len(blob.Trades)), zap.Int("positions", len(blob.ClosedPositions)))
	}

	// Step 3: equity history, split per account from the global record.
	if err := e.migrateEquity(blobs[legacyEquityKey], accounts); err != nil {
		return &Failure{Step: "write-equity", Err: err}
	}

	// Step 4: persist the versioned completion flag.
	flag := Flag{Completed: true, Timestamp: e.clock.Now().UnixMilli(), Version: FlagVersion}
	data, err := json.Marshal(flag)
	if err != nil {
		return &Failure{Step: "flag", Err: err}
	}
	if err := e.fs.MkdirAll(path.Dir(e.flagPath()), 0o755); err != nil {
		return &Failure{Step: "flag", Err: err}
	}
	if err := afero.WriteFile(e.fs, e.flagPath(), data, 0o644); err != nil {
		return &Failure{Step: "flag", Err: err}
	}

	// Step 5: only now is it safe to drop the legacy rows. An equity blob
	// with no accounts to attribute it to never reached the partitioned
	// layout, so that degenerate store keeps its rows next to the flag.
	if len(accounts) == 0 && len(blobs[legacyEquityKey]) > 0 {
		e.logger.Warn("Legacy equity history has no accounts to attach to, leaving legacy rows in place",
			zap.String("backup", backupPath))
		return nil
	}
	if err := e.db.Where("key IN ?", []string{legacyAccountsKey, legacyEquityKey}).
		Delete(&LegacyRecord{}).Error; err != nil {
		// Flag is already persisted; the leftover rows are harmless and the
		// next run will not re-migrate.
		e.logger.Warn("Failed to delete legacy rows after successful migration", zap.Error(err))
	}

	e.logger.Info("Migration completed", zap.Int("accounts", len(accounts)))
	return nil
}

func (e *Engine) decodeAccounts(blob []byte) (legacyAccounts, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	plain, err := e.dec.Decrypt(blob)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt accounts blob: %w", err)
	}
	var accounts legacyAccounts
	if err := json.Unmarshal(plain, &accounts); err != nil {
		return nil, fmt.Errorf("failed to decode accounts blob: %w", err)
	}
	return accounts, nil
}

func (e *Engine) migrateEquity(blob []byte, accounts legacyAccounts) error {
	if len(blob) == 0 {
		return nil
	}
	plain, err := e.dec.Decrypt(blob)
	if err != nil {
		return fmt.Errorf("failed to decrypt equity blob: %w", err)
	}
	var history []models.EquitySnapshot
	if err := json.Unmarshal(plain, &history); err != nil {
		return fmt.Errorf("failed to decode equity blob: %w", err)
	}

	for id := range accounts {
		perAccount := make([]models.EquitySnapshot, 0, len(history))
		for _, snap := range history {
			equity := snap.TotalEquity
			if v, ok := snap.PerAccountEquity[id]; ok {
				equity = v
			}
			perAccount = append(perAccount, models.EquitySnapshot{Timestamp: snap.Timestamp, TotalEquity: equity})
		}
		if err := e.store.WriteEquitySnapshots(id, perAccount); err != nil {
			return err
		}
	}
	return nil
}

// writeBackup stores the raw legacy blobs verbatim under a timestamped name.
func (e *Engine) writeBackup(blobs map[string][]byte) (string, error) {
	if len(blobs) == 0 {
		return "", errors.New("nothing to back up")
	}
	data, err := json.Marshal(blobs)
	if err != nil {
		return "", err
	}
	dir := path.Join(e.root, "backups")
	if err := e.fs.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	p := path.Join(dir, fmt.Sprintf("legacy-%d.json", e.clock.Now().UnixMilli()))
	if err := afero.WriteFile(e.fs, p, data, 0o644); err != nil {
		return "", err
	}
	return p, nil
}
