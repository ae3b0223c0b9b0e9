// Package incident defines the incident snapshot consumed by the
// communication engine. Incident lifecycle (creation, classification,
// CRUD) lives elsewhere; the engine only reads these fields.
package incident

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by a Lookup when no incident exists for the id.
var ErrNotFound = errors.New("incident not found")

// Severity classifies incident impact.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// IsValid checks if the severity is a known value.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// Trigger is a named event category that escalation rules react to.
type Trigger string

const (
	TriggerIncidentCreated  Trigger = "INCIDENT_CREATED"
	TriggerIncidentUpdated  Trigger = "INCIDENT_UPDATED"
	TriggerSeverityUpgraded Trigger = "SEVERITY_UPGRADED"
	TriggerCustomerImpact   Trigger = "CUSTOMER_IMPACT_DETECTED"
	TriggerIncidentClosed   Trigger = "INCIDENT_CLOSED"
)

// IsValid checks if the trigger is a known value.
func (t Trigger) IsValid() bool {
	switch t {
	case TriggerIncidentCreated, TriggerIncidentUpdated, TriggerSeverityUpgraded,
		TriggerCustomerImpact, TriggerIncidentClosed:
		return true
	}
	return false
}

// Snapshot is a read-only view of an incident at evaluation time.
type Snapshot struct {
	ID                string         `json:"id" validate:"required"`
	Title             string         `json:"title" validate:"max=512"`
	Type              string         `json:"type" validate:"required,max=128"`
	Severity          Severity       `json:"severity" validate:"required,oneof=CRITICAL HIGH MEDIUM LOW"`
	Status            string         `json:"status,omitempty" validate:"max=64"`
	OccurredAt        time.Time      `json:"occurred_at" validate:"required"`
	DetectedAt        time.Time      `json:"detected_at,omitempty"`
	AffectedCustomers int            `json:"affected_customers" validate:"min=0"`
	AffectedSystems   []string       `json:"affected_systems,omitempty"`
	DataCategories    []string       `json:"data_categories,omitempty"`
	Region            string         `json:"region,omitempty" validate:"max=64"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// Field resolves a dotted field path against the snapshot. The second
// return value reports whether the path exists; a missing path is a
// normal outcome for condition evaluation, never an error.
func (s *Snapshot) Field(path string) (any, bool) {
	switch path {
	case "id":
		return s.ID, true
	case "title":
		return s.Title, true
	case "type":
		return s.Type, true
	case "severity":
		return string(s.Severity), true
	case "status":
		return s.Status, true
	case "occurredAt":
		return s.OccurredAt, true
	case "detectedAt":
		return s.DetectedAt, true
	case "affectedCustomers":
		return s.AffectedCustomers, true
	case "affectedSystems":
		return s.AffectedSystems, true
	case "dataCategories":
		return s.DataCategories, true
	case "region":
		return s.Region, true
	}

	if rest, ok := strings.CutPrefix(path, "metadata."); ok {
		return lookupMap(s.Metadata, rest)
	}
	// Unprefixed paths fall through to metadata so operator rules can
	// reference custom attributes directly.
	return lookupMap(s.Metadata, path)
}

func lookupMap(m map[string]any, path string) (any, bool) {
	if m == nil || path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var cur any = m
	for _, part := range parts {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = node[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Lookup resolves incident snapshots by id.
type Lookup interface {
	Get(ctx context.Context, id string) (*Snapshot, error)
}
