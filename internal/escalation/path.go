// Package escalation implements the per-incident escalation state
// machine: building level sequences from matched rules, dispatching
// notifications, and advancing levels on timeout without
// acknowledgment.
package escalation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"regcomms/internal/directory"
	"regcomms/internal/incident"
)

var (
	// ErrPathNotFound is returned when no escalation path exists for
	// the id.
	ErrPathNotFound = errors.New("escalation path not found")
	// ErrVersionConflict is returned by a compare-and-swap update when
	// the stored version no longer matches the expected one.
	ErrVersionConflict = errors.New("escalation path version conflict")
)

// PathStatus represents the lifecycle state of an escalation path.
type PathStatus string

const (
	PathActive       PathStatus = "ACTIVE"
	PathAcknowledged PathStatus = "ACKNOWLEDGED"
	PathExpired      PathStatus = "EXPIRED"
)

// Level is one step of an escalation path.
type Level struct {
	Roles               []string            `json:"roles"`
	Channels            []directory.Channel `json:"channels"`
	TriggerAfterMinutes int                 `json:"trigger_after_minutes"`
	Triggered           bool                `json:"triggered"`
	TriggeredAt         *time.Time          `json:"triggered_at,omitempty"`
	AcknowledgedAt      *time.Time          `json:"acknowledged_at,omitempty"`
	AcknowledgedBy      string              `json:"acknowledged_by,omitempty"`
}

// Path is the live escalation instance for one (incident, rule) pair.
// Levels are 1-based through CurrentLevel; the slice itself is
// 0-indexed. Version increments on every persisted mutation and is the
// token for optimistic-concurrency writes.
type Path struct {
	ID              uuid.UUID         `json:"id"`
	IncidentID      string            `json:"incident_id"`
	RuleID          string            `json:"rule_id"`
	Severity        incident.Severity `json:"severity"`
	Status          PathStatus        `json:"status"`
	CurrentLevel    int               `json:"current_level"`
	MaxLevel        int               `json:"max_level"`
	Levels          []Level           `json:"levels"`
	StartedAt       time.Time         `json:"started_at"`
	LastEscalatedAt *time.Time        `json:"last_escalated_at,omitempty"`
	// NextCheckAt is the persisted due time for the next sweep pickup.
	// Nil means nothing is pending (terminal status, or the final
	// level has triggered).
	NextCheckAt *time.Time `json:"next_check_at,omitempty"`
	Version     uint64     `json:"version"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// CurrentLevelRef returns the level at CurrentLevel.
func (p *Path) CurrentLevelRef() *Level {
	if p.CurrentLevel < 1 || p.CurrentLevel > len(p.Levels) {
		return nil
	}
	return &p.Levels[p.CurrentLevel-1]
}

// PathFilter defines filters for listing escalation paths.
type PathFilter struct {
	IncidentID string
	Status     PathStatus
	// DueBefore selects paths whose NextCheckAt is set and not after
	// the given time. Zero means no due filtering.
	DueBefore time.Time
	Limit     int
}

// Matches reports whether a path passes the filter.
func (f *PathFilter) Matches(p *Path) bool {
	if f.IncidentID != "" && p.IncidentID != f.IncidentID {
		return false
	}
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if !f.DueBefore.IsZero() {
		if p.NextCheckAt == nil || p.NextCheckAt.After(f.DueBefore) {
			return false
		}
	}
	return true
}

// PathRepository persists escalation paths. Update is a
// compare-and-swap: it fails with ErrVersionConflict when the stored
// version differs from expectedVersion, and on success persists the
// path with its version already incremented by the caller.
type PathRepository interface {
	CreatePath(ctx context.Context, p *Path) error
	GetPath(ctx context.Context, id uuid.UUID) (*Path, error)
	UpdatePath(ctx context.Context, p *Path, expectedVersion uint64) error
	ListPaths(ctx context.Context, filter PathFilter) ([]*Path, error)
}
