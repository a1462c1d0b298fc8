package migration

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"trade-history-sync-go/internal/models"
)

// Legacy store keys. The pre-partitioning layout kept everything in two
// encrypted blobs: all accounts in one record, equity history in another.
const (
	legacyAccountsKey = "accounts"
	legacyEquityKey   = "equity_history"
)

// LegacyRecord is one row of the pre-partitioning single-blob store. Values
// are opaque until run through the Decrypter.
type LegacyRecord struct {
	Key   string `gorm:"primaryKey"`
	Value []byte `gorm:"not null"`
}

// TableName keeps the table name the legacy schema used.
func (LegacyRecord) TableName() string { return "legacy_records" }

// OpenLegacyStore opens the legacy sqlite store and ensures the schema.
func OpenLegacyStore(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open legacy store: %w", err)
	}
	if err := db.AutoMigrate(&LegacyRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate legacy schema: %w", err)
	}
	return db, nil
}

// Decrypter reverses the secret-storage layer's encryption. The real
// implementation lives outside this subsystem.
type Decrypter interface {
	Decrypt(data []byte) ([]byte, error)
}

// PlainText is the pass-through Decrypter for unencrypted legacy stores.
type PlainText struct{}

func (PlainText) Decrypt(data []byte) ([]byte, error) { return data, nil }

// legacyAccountBlob is one account's slice of the decrypted accounts record.
type legacyAccountBlob struct {
	Trades          []models.TradeExecution       `json:"trades"`
	ClosedPositions []models.ClosedPositionRecord `json:"closedPositions"`
}

// legacyAccounts is the decrypted shape of the "accounts" blob.
type legacyAccounts map[string]legacyAccountBlob
