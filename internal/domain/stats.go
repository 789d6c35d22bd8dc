package domain

import "time"

// MetricPoint is an ephemeral in-memory metric sample. Points are never
// persisted directly; durable aggregates are recomputed from message logs.
type MetricPoint struct {
	Timestamp  time.Time
	GroupID    string
	MetricName string
	Value      float64
	Tags       map[string]string
}

// DailyStat is the per (group, date) aggregate, upserted and never duplicated.
type DailyStat struct {
	GroupID           string
	Date              time.Time
	TotalMessages     int
	SpamDetected      int
	SpamDeleted       int
	FalsePositives    int
	AvgConfidence     float64
	AvgProcessingMS   int
	TotalProcessingMS int64
	APIErrors         int
	DeletionFailures  int
	UpdatedAt         time.Time
}

// PlatformSummary is the platform-wide view for the current day.
type PlatformSummary struct {
	ActiveGroups    int
	TotalMessages   int
	SpamDetected    int
	SpamDeleted     int
	SpamRatePercent float64
	AvgConfidence   float64
	AvgProcessingMS float64
	LastUpdated     time.Time
}
