package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"regcomms/internal/deadline"
)

// ScheduleStore keeps scheduled regulatory notifications in memory
// with an append-only ClickHouse audit copy.
type ScheduleStore struct {
	mu        sync.RWMutex
	schedules map[uuid.UUID]*deadline.ScheduledNotification
	ch        *ClickHouseClient // nil disables write-through
}

// NewScheduleStore creates a schedule store.
func NewScheduleStore(client *ClickHouseClient) *ScheduleStore {
	return &ScheduleStore{
		schedules: make(map[uuid.UUID]*deadline.ScheduledNotification),
		ch:        client,
	}
}

// CreateSchedule stores a new scheduled notification.
func (s *ScheduleStore) CreateSchedule(ctx context.Context, sched *deadline.ScheduledNotification) error {
	s.mu.Lock()
	if _, exists := s.schedules[sched.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("scheduled notification %s already exists", sched.ID)
	}
	stored := cloneSchedule(sched)
	s.schedules[sched.ID] = stored
	s.mu.Unlock()

	s.audit(ctx, stored)
	return nil
}

// GetSchedule returns a copy of the scheduled notification.
func (s *ScheduleStore) GetSchedule(ctx context.Context, id uuid.UUID) (*deadline.ScheduledNotification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sched, ok := s.schedules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", deadline.ErrNotFound, id)
	}
	return cloneSchedule(sched), nil
}

// UpdateSchedule persists a transition. Backwards transitions are
// rejected here as well; the scheduler already guards, this catches
// racing sweeps.
func (s *ScheduleStore) UpdateSchedule(ctx context.Context, sched *deadline.ScheduledNotification) error {
	s.mu.Lock()
	cur, ok := s.schedules[sched.ID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", deadline.ErrNotFound, sched.ID)
	}
	if cur.Status != sched.Status && !cur.Status.CanTransition(sched.Status) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", deadline.ErrInvalidTransition, cur.Status, sched.Status)
	}
	stored := cloneSchedule(sched)
	s.schedules[sched.ID] = stored
	s.mu.Unlock()

	s.audit(ctx, stored)
	return nil
}

// ListSchedules returns copies of scheduled notifications passing the
// filter, ordered by deadline.
func (s *ScheduleStore) ListSchedules(ctx context.Context, filter deadline.ScheduleFilter) ([]*deadline.ScheduledNotification, error) {
	s.mu.RLock()
	var out []*deadline.ScheduledNotification
	for _, sched := range s.schedules {
		if filter.Matches(sched) {
			out = append(out, cloneSchedule(sched))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *ScheduleStore) audit(ctx context.Context, sched *deadline.ScheduledNotification) {
	if s.ch == nil {
		return
	}
	payload, err := json.Marshal(sched)
	if err != nil {
		slog.Error("failed to encode schedule for audit", "schedule_id", sched.ID, "error", err)
		return
	}
	err = s.ch.Exec(ctx, `
		INSERT INTO scheduled_notifications
			(id, incident_id, rule_id, regulation, article, status, deadline, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.IncidentID, sched.RuleID, sched.Regulation, sched.Article,
		string(sched.Status), sched.Deadline, string(payload), sched.UpdatedAt,
	)
	if err != nil {
		slog.Error("failed to write schedule audit row", "schedule_id", sched.ID, "error", err)
	}
}

func cloneSchedule(sched *deadline.ScheduledNotification) *deadline.ScheduledNotification {
	out := *sched
	out.Recipients = append([]string(nil), sched.Recipients...)
	if sched.ReminderAt != nil {
		t := *sched.ReminderAt
		out.ReminderAt = &t
	}
	return &out
}
