// Package notify renders and dispatches incident communications across
// delivery channels, tracking per-recipient delivery state.
package notify

import (
	"time"

	"github.com/google/uuid"

	"regcomms/internal/directory"
)

// Type classifies a communication.
type Type string

const (
	TypeInitialNotification Type = "INITIAL_NOTIFICATION"
	TypeEscalation          Type = "ESCALATION"
	TypeStatusUpdate        Type = "STATUS_UPDATE"
	TypeRegulatoryReport    Type = "REGULATORY_REPORT"
)

// IsValid checks if the type is a known value.
func (t Type) IsValid() bool {
	switch t {
	case TypeInitialNotification, TypeEscalation, TypeStatusUpdate, TypeRegulatoryReport:
		return true
	}
	return false
}

// RecipientStatus tracks one recipient's delivery state.
type RecipientStatus string

const (
	RecipientSending      RecipientStatus = "SENDING"
	RecipientSent         RecipientStatus = "SENT"
	RecipientDelivered    RecipientStatus = "DELIVERED"
	RecipientRead         RecipientStatus = "READ"
	RecipientAcknowledged RecipientStatus = "ACKNOWLEDGED"
	RecipientFailed       RecipientStatus = "FAILED"
)

// Status is the aggregate state of a communication.
type Status string

const (
	StatusSending Status = "SENDING"
	StatusSent    Status = "SENT"
	StatusFailed  Status = "FAILED"
)

// Recipient is one stakeholder/channel delivery attempt within a
// communication.
type Recipient struct {
	StakeholderID  string            `json:"stakeholder_id"`
	Name           string            `json:"name,omitempty"`
	Role           string            `json:"role,omitempty"`
	Channel        directory.Channel `json:"channel"`
	ContactValue   string            `json:"contact_value"`
	Status         RecipientStatus   `json:"status"`
	SentAt         *time.Time        `json:"sent_at,omitempty"`
	AcknowledgedAt *time.Time        `json:"acknowledged_at,omitempty"`
	FailureReason  string            `json:"failure_reason,omitempty"`
}

// DeliveryStats aggregates recipient statuses. The counters are always
// recomputed from the recipient list so the buckets sum to Total.
type DeliveryStats struct {
	Total        int `json:"total"`
	Pending      int `json:"pending"`
	Sent         int `json:"sent"`
	Delivered    int `json:"delivered"`
	Read         int `json:"read"`
	Acknowledged int `json:"acknowledged"`
	Failed       int `json:"failed"`
}

// Communication is one dispatch attempt to a stakeholder set.
type Communication struct {
	ID         uuid.UUID         `json:"id"`
	IncidentID string            `json:"incident_id"`
	Type       Type              `json:"type"`
	Channel    directory.Channel `json:"channel"`
	Subject    string            `json:"subject"`
	Body       string            `json:"body"`
	Recipients []Recipient       `json:"recipients"`
	Stats      DeliveryStats     `json:"stats"`
	Status     Status            `json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`

	// EvidenceID links the communication to its audit record.
	EvidenceID *uuid.UUID `json:"evidence_id,omitempty"`
}

// RecomputeStats rebuilds the aggregate counters and status from the
// recipient list. Status is FAILED only when every recipient failed.
func (c *Communication) RecomputeStats() {
	stats := DeliveryStats{Total: len(c.Recipients)}
	for i := range c.Recipients {
		switch c.Recipients[i].Status {
		case RecipientSending:
			stats.Pending++
		case RecipientSent:
			stats.Sent++
		case RecipientDelivered:
			stats.Delivered++
		case RecipientRead:
			stats.Read++
		case RecipientAcknowledged:
			stats.Acknowledged++
		case RecipientFailed:
			stats.Failed++
		}
	}
	c.Stats = stats

	switch {
	case stats.Pending > 0:
		c.Status = StatusSending
	case stats.Total > 0 && stats.Failed == stats.Total:
		c.Status = StatusFailed
	default:
		c.Status = StatusSent
	}
}

// Recipient returns the recipient entry for a stakeholder, if present.
func (c *Communication) Recipient(stakeholderID string) (*Recipient, bool) {
	for i := range c.Recipients {
		if c.Recipients[i].StakeholderID == stakeholderID {
			return &c.Recipients[i], true
		}
	}
	return nil, false
}
