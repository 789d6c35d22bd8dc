// Package metrics ingests per-event metric points without blocking producers
// and rolls durable message logs into idempotent daily statistics.
package metrics

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/spamshield/platform/internal/domain"
	"github.com/spamshield/platform/internal/repository"
	"github.com/spamshield/platform/internal/stream"
)

// Conventional metric names. Dashboards and tests rely on these exactly.
const (
	MetricMessagesProcessed = "messages_processed"
	MetricProcessingTimeMS  = "processing_time_ms"
	MetricSpamDetected      = "spam_detected"
	MetricSpamConfidence    = "spam_confidence"
	MetricSpamAction        = "spam_action"
	MetricAPICalls          = "api_calls"
	MetricAPIResponseMS     = "api_response_time_ms"
	MetricErrors            = "errors"
)

const (
	defaultBufferSize = 10000
	defaultInterval   = 5 * time.Minute
)

// RealtimeValue is the latest observation of one metric for one group.
type RealtimeValue struct {
	Value     float64           `json:"value"`
	Timestamp time.Time         `json:"timestamp"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// Options tune collector behaviour; zero values fall back to defaults.
type Options struct {
	BufferSize        int
	AggregateInterval time.Duration
}

// Collector buffers metric points, keeps a realtime view, and periodically
// recomputes daily statistics from the durable message log.
type Collector struct {
	groups repository.GroupRepository
	events repository.EventRepository
	stats  repository.StatsRepository
	hub    *stream.Hub
	logger *slog.Logger
	prom   *promSet

	interval   time.Duration
	bufferSize int

	mu       sync.Mutex
	buffer   []domain.MetricPoint
	head     int
	size     int
	realtime map[string]map[string]RealtimeValue

	now func() time.Time
}

// New constructs a Collector. The hub may be nil when no live dashboard
// stream is wanted.
func New(groups repository.GroupRepository, events repository.EventRepository, stats repository.StatsRepository, hub *stream.Hub, logger *slog.Logger, opts Options) *Collector {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.AggregateInterval <= 0 {
		opts.AggregateInterval = defaultInterval
	}
	if logger != nil {
		logger = logger.With("component", "metrics")
	}
	return &Collector{
		groups:     groups,
		events:     events,
		stats:      stats,
		hub:        hub,
		logger:     logger,
		prom:       newPromSet(),
		interval:   opts.AggregateInterval,
		bufferSize: opts.BufferSize,
		buffer:     make([]domain.MetricPoint, opts.BufferSize),
		realtime:   make(map[string]map[string]RealtimeValue),
		now:        time.Now,
	}
}

// Record appends a metric point to the ring buffer, dropping the oldest point
// on overflow, and updates the realtime view. It never blocks the caller.
func (c *Collector) Record(groupID, name string, value float64, tags map[string]string) {
	point := domain.MetricPoint{
		Timestamp:  c.now().UTC(),
		GroupID:    groupID,
		MetricName: name,
		Value:      value,
		Tags:       tags,
	}

	c.mu.Lock()
	idx := (c.head + c.size) % c.bufferSize
	c.buffer[idx] = point
	if c.size < c.bufferSize {
		c.size++
	} else {
		c.head = (c.head + 1) % c.bufferSize
	}

	group, ok := c.realtime[groupID]
	if !ok {
		group = make(map[string]RealtimeValue)
		c.realtime[groupID] = group
	}
	group[name] = RealtimeValue{Value: value, Timestamp: point.Timestamp, Tags: tags}
	c.mu.Unlock()

	c.broadcast(point)
}

// RecordMessageProcessed captures the outcome of one processed message.
func (c *Collector) RecordMessageProcessed(groupID string, processingMS int, flagged bool, confidence float64) {
	c.Record(groupID, MetricMessagesProcessed, 1, nil)
	c.Record(groupID, MetricProcessingTimeMS, float64(processingMS), nil)
	c.prom.messagesProcessed.WithLabelValues(groupID).Inc()
	if flagged {
		c.Record(groupID, MetricSpamDetected, 1, nil)
		c.Record(groupID, MetricSpamConfidence, confidence, nil)
		c.prom.spamDetected.WithLabelValues(groupID).Inc()
	}
}

// RecordAction captures a spam action such as a deletion or notification.
func (c *Collector) RecordAction(groupID, action string, success bool) {
	c.Record(groupID, MetricSpamAction, 1, map[string]string{
		"action":  action,
		"success": fmt.Sprintf("%t", success),
	})
	c.prom.actions.WithLabelValues(action, fmt.Sprintf("%t", success)).Inc()
}

// RecordAPICall captures a call against the chat platform.
func (c *Collector) RecordAPICall(groupID, endpoint string, responseMS int, success bool) {
	c.Record(groupID, MetricAPICalls, 1, map[string]string{
		"endpoint": endpoint,
		"success":  fmt.Sprintf("%t", success),
	})
	c.Record(groupID, MetricAPIResponseMS, float64(responseMS), map[string]string{"endpoint": endpoint})
}

// RecordError captures an error metric. The message is truncated so oversized
// errors cannot bloat tags.
func (c *Collector) RecordError(groupID, errorType, message string) {
	if len(message) > 100 {
		message = message[:100]
	}
	tags := map[string]string{"error_type": errorType}
	if message != "" {
		tags["error_message"] = message
	}
	c.Record(groupID, MetricErrors, 1, tags)
	c.prom.errors.WithLabelValues(errorType).Inc()
}

// Realtime returns the latest values for one group.
func (c *Collector) Realtime(groupID string) map[string]RealtimeValue {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]RealtimeValue, len(c.realtime[groupID]))
	for name, v := range c.realtime[groupID] {
		out[name] = v
	}
	return out
}

// RealtimeAll returns the latest values for every group.
func (c *Collector) RealtimeAll() map[string]map[string]RealtimeValue {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]map[string]RealtimeValue, len(c.realtime))
	for groupID, metrics := range c.realtime {
		group := make(map[string]RealtimeValue, len(metrics))
		for name, v := range metrics {
			group[name] = v
		}
		out[groupID] = group
	}
	return out
}

// BufferedPoints returns a snapshot of the ring buffer, oldest first.
func (c *Collector) BufferedPoints() []domain.MetricPoint {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]domain.MetricPoint, 0, c.size)
	for i := 0; i < c.size; i++ {
		out = append(out, c.buffer[(c.head+i)%c.bufferSize])
	}
	return out
}

func (c *Collector) broadcast(point domain.MetricPoint) {
	if c.hub == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"group_id":  point.GroupID,
		"metric":    point.MetricName,
		"value":     point.Value,
		"tags":      point.Tags,
		"timestamp": point.Timestamp,
	})
	if err != nil {
		return
	}
	c.hub.Broadcast(point.GroupID, payload)
}
