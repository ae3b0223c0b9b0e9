// Package deadline tracks regulatory notification deadlines. Each
// matched rule requirement becomes a ScheduledNotification with a
// statutory deadline and a reminder lead time; a recurring sweep picks
// up due reminders and missed deadlines from the persisted records.
package deadline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ReminderLead is the fixed interval before the deadline at which the
// warning fires.
const ReminderLead = 2 * time.Hour

var (
	// ErrNotFound is returned when no scheduled notification exists for
	// the id.
	ErrNotFound = errors.New("scheduled notification not found")
	// ErrInvalidTransition is returned when a status change would move
	// backwards.
	ErrInvalidTransition = errors.New("invalid scheduled notification transition")
)

// ScheduleStatus is the lifecycle state of a scheduled notification.
// Transitions are forward-only: PENDING → REMINDED → SENT or MISSED.
type ScheduleStatus string

const (
	SchedulePending  ScheduleStatus = "PENDING"
	ScheduleReminded ScheduleStatus = "REMINDED"
	ScheduleSent     ScheduleStatus = "SENT"
	ScheduleMissed   ScheduleStatus = "MISSED"
)

// rank orders statuses for the forward-only check. Terminal states
// share the highest rank.
func (s ScheduleStatus) rank() int {
	switch s {
	case SchedulePending:
		return 0
	case ScheduleReminded:
		return 1
	case ScheduleSent, ScheduleMissed:
		return 2
	}
	return -1
}

// CanTransition reports whether moving to next is a legal forward step.
func (s ScheduleStatus) CanTransition(next ScheduleStatus) bool {
	return next.rank() > s.rank()
}

// ScheduledNotification is one statutory deadline derived from a
// matched rule's regulatory requirement.
type ScheduledNotification struct {
	ID         uuid.UUID `json:"id"`
	IncidentID string    `json:"incident_id"`
	RuleID     string    `json:"rule_id"`
	Regulation string    `json:"regulation"`
	Article    string    `json:"article"`
	Recipients []string  `json:"recipients"`
	Deadline   time.Time `json:"deadline"`
	// ReminderAt is nil when the reminder point was already past at
	// scheduling time and was skipped.
	ReminderAt *time.Time     `json:"reminder_at,omitempty"`
	Status     ScheduleStatus `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Reference returns the "GDPR Article 33" style citation.
func (s *ScheduledNotification) Reference() string {
	if s.Article == "" {
		return s.Regulation
	}
	return fmt.Sprintf("%s %s", s.Regulation, s.Article)
}

// ScheduleFilter defines filters for listing scheduled notifications.
type ScheduleFilter struct {
	IncidentID string
	Status     ScheduleStatus
	// ReminderDueBefore selects records whose ReminderAt is set and not
	// after the given time. Zero means no reminder filtering.
	ReminderDueBefore time.Time
	// DeadlineBefore selects records whose Deadline is not after the
	// given time. Zero means no deadline filtering.
	DeadlineBefore time.Time
	Limit          int
}

// Matches reports whether a record passes the filter.
func (f *ScheduleFilter) Matches(s *ScheduledNotification) bool {
	if f.IncidentID != "" && s.IncidentID != f.IncidentID {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if !f.ReminderDueBefore.IsZero() {
		if s.ReminderAt == nil || s.ReminderAt.After(f.ReminderDueBefore) {
			return false
		}
	}
	if !f.DeadlineBefore.IsZero() && s.Deadline.After(f.DeadlineBefore) {
		return false
	}
	return true
}

// Repository persists scheduled notifications.
type Repository interface {
	CreateSchedule(ctx context.Context, s *ScheduledNotification) error
	GetSchedule(ctx context.Context, id uuid.UUID) (*ScheduledNotification, error)
	UpdateSchedule(ctx context.Context, s *ScheduledNotification) error
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*ScheduledNotification, error)
}
