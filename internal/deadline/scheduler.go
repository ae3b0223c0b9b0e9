package deadline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"regcomms/internal/evidence"
	"regcomms/internal/incident"
	"regcomms/internal/rules"
)

// Scheduler persists regulatory deadlines and drives their reminder
// and miss transitions through a recurring sweep.
type Scheduler struct {
	repo    Repository
	emitter evidence.Emitter

	now    func() time.Time
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates a deadline scheduler.
func NewScheduler(repo Repository, emitter evidence.Emitter) *Scheduler {
	return &Scheduler{
		repo:    repo,
		emitter: emitter,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
}

// ScheduleRequirements creates one scheduled notification per
// regulatory requirement. The deadline counts from when the incident
// occurred, not from when the rule matched; a reminder point already in
// the past is skipped rather than fired retroactively.
func (s *Scheduler) ScheduleRequirements(ctx context.Context, snap *incident.Snapshot, ruleID string, reqs []rules.RegulatoryRequirement) error {
	now := s.now()
	for _, req := range reqs {
		deadline := snap.OccurredAt.Add(time.Duration(req.DeadlineHours) * time.Hour)

		sched := &ScheduledNotification{
			ID:         uuid.New(),
			IncidentID: snap.ID,
			RuleID:     ruleID,
			Regulation: req.Regulation,
			Article:    req.Article,
			Recipients: req.Recipients,
			Deadline:   deadline,
			Status:     SchedulePending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}

		reminderAt := deadline.Add(-ReminderLead)
		if reminderAt.After(now) {
			sched.ReminderAt = &reminderAt
		} else {
			slog.Warn("deadline reminder point already past, skipping reminder",
				"incident_id", snap.ID,
				"regulation", sched.Reference(),
				"deadline", deadline,
			)
		}

		if err := s.repo.CreateSchedule(ctx, sched); err != nil {
			return fmt.Errorf("failed to persist scheduled notification for %s: %w", sched.Reference(), err)
		}

		slog.Info("regulatory deadline scheduled",
			"schedule_id", sched.ID,
			"incident_id", snap.ID,
			"regulation", sched.Reference(),
			"deadline", deadline,
			"reminder_at", sched.ReminderAt,
		)
	}
	return nil
}

// MarkSent records that the regulatory notification was submitted.
// Forward-only: a MISSED or already SENT record is never regressed.
func (s *Scheduler) MarkSent(ctx context.Context, id uuid.UUID) error {
	sched, err := s.repo.GetSchedule(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load scheduled notification %s: %w", id, err)
	}
	if !sched.Status.CanTransition(ScheduleSent) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sched.Status, ScheduleSent)
	}
	sched.Status = ScheduleSent
	sched.UpdatedAt = s.now()
	if err := s.repo.UpdateSchedule(ctx, sched); err != nil {
		return fmt.Errorf("failed to persist scheduled notification %s: %w", id, err)
	}
	slog.Info("regulatory notification sent",
		"schedule_id", id, "incident_id", sched.IncidentID, "regulation", sched.Reference())
	return nil
}

// Start begins the sweep loop. Due times live on the records, so
// pending reminders survive restarts.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 1 * time.Minute
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		slog.Info("deadline sweep started", "interval", interval)

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
}

// Stop halts the sweep loop.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	slog.Info("deadline sweep stopped")
}

func (s *Scheduler) sweep(ctx context.Context) {
	now := s.now()
	s.sweepReminders(ctx, now)
	s.sweepMissed(ctx, now)
}

// sweepReminders moves due PENDING records to REMINDED and emits the
// deadline warning. The warning is evidence only; notifying the
// regulator stays with whatever process watches the record.
func (s *Scheduler) sweepReminders(ctx context.Context, now time.Time) {
	due, err := s.repo.ListSchedules(ctx, ScheduleFilter{
		Status:            SchedulePending,
		ReminderDueBefore: now,
	})
	if err != nil {
		slog.Warn("deadline sweep failed to list due reminders", "error", err)
		return
	}

	for _, sched := range due {
		sched.Status = ScheduleReminded
		sched.UpdatedAt = now
		if err := s.repo.UpdateSchedule(ctx, sched); err != nil {
			slog.Error("failed to persist reminder transition",
				"schedule_id", sched.ID, "error", err)
			continue
		}

		remaining := sched.Deadline.Sub(now)
		slog.Warn("regulatory deadline approaching",
			"schedule_id", sched.ID,
			"incident_id", sched.IncidentID,
			"regulation", sched.Reference(),
			"deadline", sched.Deadline,
			"remaining", remaining,
		)
		s.emitter.Record(ctx, evidence.EventDeadlineWarning, "",
			[]string{"deadline"}, []string{sched.Reference()},
			map[string]any{
				"schedule_id":       sched.ID.String(),
				"incident_id":       sched.IncidentID,
				"rule_id":           sched.RuleID,
				"deadline":          sched.Deadline.UTC().Format(time.RFC3339),
				"remaining_minutes": int(remaining.Minutes()),
			})
	}
}

// sweepMissed moves records past their deadline without a SENT to
// MISSED. MISSED is terminal and evidence-bearing; it is never raised
// as an error.
func (s *Scheduler) sweepMissed(ctx context.Context, now time.Time) {
	for _, status := range []ScheduleStatus{SchedulePending, ScheduleReminded} {
		overdue, err := s.repo.ListSchedules(ctx, ScheduleFilter{
			Status:         status,
			DeadlineBefore: now,
		})
		if err != nil {
			slog.Warn("deadline sweep failed to list overdue schedules", "error", err)
			return
		}

		for _, sched := range overdue {
			sched.Status = ScheduleMissed
			sched.UpdatedAt = now
			if err := s.repo.UpdateSchedule(ctx, sched); err != nil {
				slog.Error("failed to persist missed transition",
					"schedule_id", sched.ID, "error", err)
				continue
			}

			slog.Error("regulatory deadline missed",
				"schedule_id", sched.ID,
				"incident_id", sched.IncidentID,
				"regulation", sched.Reference(),
				"deadline", sched.Deadline,
			)
			s.emitter.Record(ctx, evidence.EventDeadlineMissed, "",
				[]string{"deadline"}, []string{sched.Reference()},
				map[string]any{
					"schedule_id": sched.ID.String(),
					"incident_id": sched.IncidentID,
					"rule_id":     sched.RuleID,
					"deadline":    sched.Deadline.UTC().Format(time.RFC3339),
				})
		}
	}
}
