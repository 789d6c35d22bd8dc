package domain

import "time"

// Event severities.
const (
	SeverityDebug    = "debug"
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Actions recorded against a processed message.
const (
	ActionDeleted     = "deleted"
	ActionFlagged     = "flagged"
	ActionIgnored     = "ignored"
	ActionWhitelisted = "whitelisted"
	ActionError       = "error"
)

// EventLog is the append-only audit trail consulted for incident root-causing.
type EventLog struct {
	ID          string
	EventType   string
	EntityType  string
	EntityID    string
	Description string
	Severity    string
	Details     map[string]any
	Actor       string
	CreatedAt   time.Time
}

// MessageLog records the outcome of processing one message. It is the durable
// source of truth for daily aggregation; the metric buffer is display-only.
type MessageLog struct {
	ID                 string
	GroupID            string
	MessageID          string
	SenderID           string
	SenderName         string
	Text               string
	HasAttachments     bool
	Flagged            bool
	Confidence         float64
	ModelVersion       string
	ProcessingTimeMS   int
	ActionTaken        string
	DeletionSuccessful bool
	NotificationSent   bool
	FalsePositive      bool
	MessageCreatedAt   time.Time
	ProcessedAt        time.Time
}
