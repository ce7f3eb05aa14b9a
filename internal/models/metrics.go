package models

import "time"

// Metrics is an immutable snapshot of derived queue health numbers.
// It is recomputed from store contents and session history, never
// independently mutated.
type Metrics struct {
	SuccessRate       float64   `json:"success_rate"`
	AverageSyncTimeMs float64   `json:"average_sync_time_ms"`
	TotalActions      int       `json:"total_actions"`
	QueueDepth        int       `json:"queue_depth"`
	FailedCount       int       `json:"failed_count"`
	LastSyncTime      time.Time `json:"last_sync_time,omitzero"`
}

// StorageQuota reports durable storage occupancy for the action store.
type StorageQuota struct {
	Used       int64   `json:"used"`
	Quota      int64   `json:"quota"`
	Percentage float64 `json:"percentage"`
}
