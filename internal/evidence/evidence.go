// Package evidence emits immutable compliance audit records for every
// state transition of the communication engine. Emission is one-way:
// the engine never reads evidence back.
package evidence

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// EventType names the state transition an evidence record describes.
type EventType string

const (
	EventRuleTriggered    EventType = "rule_triggered"
	EventLevelEscalated   EventType = "level_escalated"
	EventPathAcknowledged EventType = "path_acknowledged"
	EventNotificationSent EventType = "notification_sent"
	EventNotificationAck  EventType = "notification_acknowledged"
	EventDeliveryFailed   EventType = "delivery_failed"
	EventDeadlineWarning  EventType = "deadline_warning"
	EventDeadlineMissed   EventType = "deadline_missed"
)

// Record is one immutable audit entry.
type Record struct {
	ID         uuid.UUID      `json:"id"`
	Type       EventType      `json:"type"`
	Severity   string         `json:"severity"`
	Tags       []string       `json:"tags,omitempty"`
	Articles   []string       `json:"articles,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// Emitter records evidence events. Implementations must treat Record as
// fire-and-forget: the returned id is assigned synchronously, durability
// is the emitter's own concern.
type Emitter interface {
	Record(ctx context.Context, eventType EventType, severity string, tags, articles []string, metadata map[string]any) uuid.UUID
}

// LogEmitter writes evidence records to the structured log. Used in
// development and as the fallback when no Kafka broker is configured.
type LogEmitter struct{}

// NewLogEmitter creates a log-backed emitter.
func NewLogEmitter() *LogEmitter {
	return &LogEmitter{}
}

func (l *LogEmitter) Record(ctx context.Context, eventType EventType, severity string, tags, articles []string, metadata map[string]any) uuid.UUID {
	id := uuid.New()
	slog.Info("evidence recorded",
		"evidence_id", id,
		"type", eventType,
		"severity", severity,
		"tags", tags,
		"articles", articles,
	)
	return id
}

func newRecord(eventType EventType, severity string, tags, articles []string, metadata map[string]any) *Record {
	return &Record{
		ID:         uuid.New(),
		Type:       eventType,
		Severity:   severity,
		Tags:       tags,
		Articles:   articles,
		Metadata:   metadata,
		RecordedAt: time.Now().UTC(),
	}
}
