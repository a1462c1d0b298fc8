package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// MonthPartition is one calendar month of records of one type for one
// account, persisted as a single unit. The checksum covers the serialized
// record list; a mismatch on load is an integrity warning, not an error.
type MonthPartition[T Record] struct {
	Month       string `json:"month"`
	Records     []T    `json:"records"`
	Checksum    string `json:"checksum"`
	CreatedAt   int64  `json:"createdAt"`
	LastUpdated int64  `json:"lastUpdated"`
}

// Seal recomputes the partition checksum from its current records.
func (p *MonthPartition[T]) Seal() error {
	sum, err := ChecksumRecords(p.Records)
	if err != nil {
		return err
	}
	p.Checksum = sum
	return nil
}

// Verify recomputes the checksum and reports whether it matches the stored one.
func (p *MonthPartition[T]) Verify() (bool, error) {
	sum, err := ChecksumRecords(p.Records)
	if err != nil {
		return false, err
	}
	return sum == p.Checksum, nil
}

// ChecksumRecords returns the hex SHA-256 of the JSON-serialized record list.
func ChecksumRecords[T any](records []T) (string, error) {
	data, err := json.Marshal(records)
	if err != nil {
		return "", fmt.Errorf("failed to serialize records for checksum: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
