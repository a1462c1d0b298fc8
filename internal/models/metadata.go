package models

// MetadataVersion is the current AccountMetadata schema version.
const MetadataVersion = 2

// DataRange is the inclusive month span covered by an account's partitions.
type DataRange struct {
	StartMonth string `json:"startMonth"`
	EndMonth   string `json:"endMonth"`
}

// MonthlyStat holds per-month record counts and approximate on-disk size.
type MonthlyStat struct {
	TradeCount      int   `json:"tradeCount"`
	PositionCount   int   `json:"positionCount"`
	EquityCount     int   `json:"equityCount"`
	ApproxSizeBytes int64 `json:"approxSizeBytes"`
}

// AccountMetadata is the single per-account index record, updated on every
// partition write and deleted only on explicit account removal.
type AccountMetadata struct {
	AccountID    string                 `json:"accountId"`
	CreatedAt    int64                  `json:"createdAt"`
	LastUpdated  int64                  `json:"lastUpdated"`
	DataVersion  int                    `json:"dataVersion"`
	DataRange    DataRange              `json:"dataRange"`
	MonthlyStats map[string]MonthlyStat `json:"monthlyStats"`
}

// CacheDataRange describes the stored coverage in absolute time.
type CacheDataRange struct {
	StartMs   int64 `json:"startMs"`
	EndMs     int64 `json:"endMs"`
	TotalDays int   `json:"totalDays"`
}

// CacheState is derived from store contents plus freshness timestamps; it is
// recomputed on demand and never persisted as such.
type CacheState struct {
	LastUpdated int64          `json:"lastUpdated"`
	IsComplete  bool           `json:"isComplete"`
	DataRange   CacheDataRange `json:"dataRange"`
}
