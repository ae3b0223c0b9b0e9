package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"regcomms/internal/directory"
	"regcomms/internal/evidence"
	"regcomms/internal/incident"
	"regcomms/internal/notify"
	"regcomms/internal/rules"
)

// checkRetries bounds the compare-and-swap retry loop in CheckEscalation
// and Acknowledge. Conflicts mean a concurrent writer got there first;
// each retry re-reads and re-evaluates from scratch.
const checkRetries = 3

// Notifier dispatches a notification to every stakeholder holding a
// role. The engine absorbs dispatch failures; they never block a level
// transition.
type Notifier interface {
	SendBulkNotification(ctx context.Context, incidentID string, roles []string, typ notify.Type, channel directory.Channel, templateID string) (*notify.Communication, error)
}

// DeadlineScheduler registers regulatory deadlines for a matched rule.
type DeadlineScheduler interface {
	ScheduleRequirements(ctx context.Context, snap *incident.Snapshot, ruleID string, reqs []rules.RegulatoryRequirement) error
}

// Engine is the escalation state machine. It holds only injected
// collaborators; construct once at startup and share.
type Engine struct {
	catalog   *rules.Catalog
	incidents incident.Lookup
	notifier  Notifier
	deadlines DeadlineScheduler
	paths     PathRepository
	emitter   evidence.Emitter

	now    func() time.Time
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEngine creates an escalation engine. deadlines may be nil when no
// deadline scheduling is configured.
func NewEngine(catalog *rules.Catalog, incidents incident.Lookup, notifier Notifier, deadlines DeadlineScheduler, paths PathRepository, emitter evidence.Emitter) *Engine {
	return &Engine{
		catalog:   catalog,
		incidents: incidents,
		notifier:  notifier,
		deadlines: deadlines,
		paths:     paths,
		emitter:   emitter,
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

// EvaluateIncident matches the incident against the rule catalog for
// the firing trigger and, on a match, creates and starts an escalation
// path from the highest-priority rule. A nil path with nil error means
// no rule matched or the matched rule has no policy for the incident's
// severity; both are normal outcomes with no side effects.
func (e *Engine) EvaluateIncident(ctx context.Context, incidentID string, trigger incident.Trigger) (*Path, error) {
	snap, err := e.incidents.Get(ctx, incidentID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve incident %s: %w", incidentID, err)
	}

	matched := e.catalog.Match(snap, trigger)
	if len(matched) == 0 {
		slog.Debug("no rule matched", "incident_id", incidentID, "trigger", trigger)
		return nil, nil
	}
	rule := matched[0]

	policy, ok := rule.PolicyFor(snap.Severity)
	if !ok {
		slog.Debug("matched rule has no policy for severity",
			"incident_id", incidentID, "rule_id", rule.ID, "severity", snap.Severity)
		return nil, nil
	}

	now := e.now()
	levels := []Level{{
		Roles:               policy.Roles,
		Channels:            policy.Channels,
		TriggerAfterMinutes: policy.TimeToNotifyMinutes,
	}}
	if policy.EscalateIfNoAckMinutes > 0 && len(policy.EscalateTo) > 0 {
		levels = append(levels, Level{
			Roles:               policy.EscalateTo,
			Channels:            policy.Channels,
			TriggerAfterMinutes: policy.EscalateIfNoAckMinutes,
		})
	}

	path := &Path{
		ID:           uuid.New(),
		IncidentID:   snap.ID,
		RuleID:       rule.ID,
		Severity:     snap.Severity,
		Status:       PathActive,
		CurrentLevel: 1,
		MaxLevel:     len(levels),
		Levels:       levels,
		StartedAt:    now,
		Version:      1,
		UpdatedAt:    now,
	}

	if policy.TimeToNotifyMinutes > 0 {
		due := now.Add(time.Duration(policy.TimeToNotifyMinutes) * time.Minute)
		path.NextCheckAt = &due
	}

	if err := e.paths.CreatePath(ctx, path); err != nil {
		return nil, fmt.Errorf("failed to persist escalation path: %w", err)
	}

	slog.Info("escalation path created",
		"path_id", path.ID,
		"incident_id", snap.ID,
		"rule_id", rule.ID,
		"severity", snap.Severity,
		"max_level", path.MaxLevel,
	)

	if policy.TimeToNotifyMinutes == 0 {
		e.dispatchLevel(ctx, path, 1, notify.TypeInitialNotification)
		e.armNextCheck(path)
		expected := path.Version
		if err := e.paths.UpdatePath(ctx, path.bumped(e.now()), expected); err != nil {
			slog.Error("failed to persist level-1 dispatch state", "path_id", path.ID, "error", err)
		}
	}

	if e.deadlines != nil && len(rule.Requirements) > 0 {
		if err := e.deadlines.ScheduleRequirements(ctx, snap, rule.ID, rule.Requirements); err != nil {
			slog.Error("failed to schedule regulatory deadlines",
				"path_id", path.ID, "rule_id", rule.ID, "error", err)
		}
	}

	e.emitter.Record(ctx, evidence.EventRuleTriggered, string(snap.Severity),
		append([]string{"escalation"}, rule.Tags...), ruleArticles(rule),
		map[string]any{
			"path_id":     path.ID.String(),
			"incident_id": snap.ID,
			"rule_id":     rule.ID,
			"rule_name":   rule.Name,
			"trigger":     string(trigger),
			"max_level":   path.MaxLevel,
		})

	return path, nil
}

// CheckEscalation advances the path when its current level has gone
// unacknowledged past its timeout. Safe to invoke redundantly: terminal
// statuses, acknowledged levels, and not-yet-due timers are all cheap
// no-ops. Writes go through a compare-and-swap; on conflict the state
// is re-read and re-evaluated rather than overwritten.
func (e *Engine) CheckEscalation(ctx context.Context, pathID uuid.UUID) error {
	for attempt := 0; attempt < checkRetries; attempt++ {
		path, err := e.paths.GetPath(ctx, pathID)
		if err != nil {
			return fmt.Errorf("failed to load escalation path %s: %w", pathID, err)
		}

		if path.Status != PathActive {
			return nil
		}
		cur := path.CurrentLevelRef()
		if cur == nil {
			return fmt.Errorf("escalation path %s has inconsistent level %d/%d", pathID, path.CurrentLevel, path.MaxLevel)
		}
		if cur.AcknowledgedAt != nil {
			return nil
		}

		now := e.now()
		expected := path.Version

		// A level still untriggered means the initial dispatch was
		// delayed (or lost to a crash); redrive it without advancing.
		if !cur.Triggered {
			if now.Before(path.StartedAt.Add(minutes(cur.TriggerAfterMinutes))) {
				return nil
			}
			e.dispatchLevel(ctx, path, path.CurrentLevel, notify.TypeInitialNotification)
			e.armNextCheck(path)
			if err := e.paths.UpdatePath(ctx, path.bumped(now), expected); err != nil {
				if errors.Is(err, ErrVersionConflict) {
					continue
				}
				return fmt.Errorf("failed to persist level dispatch: %w", err)
			}
			return nil
		}

		if path.CurrentLevel >= path.MaxLevel {
			// Fully escalated; stays ACTIVE until acknowledged or
			// closed, nothing left for the sweep.
			if path.NextCheckAt == nil {
				return nil
			}
			path.NextCheckAt = nil
			if err := e.paths.UpdatePath(ctx, path.bumped(now), expected); err != nil && !errors.Is(err, ErrVersionConflict) {
				return fmt.Errorf("failed to clear escalation due time: %w", err)
			}
			return nil
		}

		next := &path.Levels[path.CurrentLevel]
		due := cur.TriggeredAt.Add(minutes(next.TriggerAfterMinutes))
		if now.Before(due) {
			return nil
		}

		e.dispatchLevel(ctx, path, path.CurrentLevel+1, notify.TypeEscalation)
		path.CurrentLevel++
		path.LastEscalatedAt = &now
		e.armNextCheck(path)

		if err := e.paths.UpdatePath(ctx, path.bumped(now), expected); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				slog.Debug("escalation write conflict, re-evaluating",
					"path_id", pathID, "attempt", attempt+1)
				continue
			}
			return fmt.Errorf("failed to persist escalation: %w", err)
		}

		slog.Warn("escalation level advanced",
			"path_id", path.ID,
			"incident_id", path.IncidentID,
			"level", path.CurrentLevel,
			"max_level", path.MaxLevel,
		)
		e.emitter.Record(ctx, evidence.EventLevelEscalated, string(path.Severity),
			[]string{"escalation"}, nil,
			map[string]any{
				"path_id":     path.ID.String(),
				"incident_id": path.IncidentID,
				"level":       path.CurrentLevel,
				"max_level":   path.MaxLevel,
				"reason":      "no acknowledgment received",
			})
		return nil
	}
	return fmt.Errorf("escalation check for path %s abandoned after %d write conflicts", pathID, checkRetries)
}

// Acknowledge stamps the current level and moves the path to
// ACKNOWLEDGED. The transition is absorbing: once acknowledged, no
// timer or redundant check advances the path again. Acknowledging an
// already-acknowledged path is a no-op.
func (e *Engine) Acknowledge(ctx context.Context, pathID uuid.UUID, actor string) error {
	for attempt := 0; attempt < checkRetries; attempt++ {
		path, err := e.paths.GetPath(ctx, pathID)
		if err != nil {
			return fmt.Errorf("failed to load escalation path %s: %w", pathID, err)
		}

		if path.Status == PathAcknowledged {
			return nil
		}
		if path.Status == PathExpired {
			return fmt.Errorf("escalation path %s is expired", pathID)
		}
		cur := path.CurrentLevelRef()
		if cur == nil {
			return fmt.Errorf("escalation path %s has inconsistent level %d/%d", pathID, path.CurrentLevel, path.MaxLevel)
		}

		now := e.now()
		expected := path.Version
		cur.AcknowledgedAt = &now
		cur.AcknowledgedBy = actor
		path.Status = PathAcknowledged
		path.NextCheckAt = nil

		if err := e.paths.UpdatePath(ctx, path.bumped(now), expected); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				slog.Debug("acknowledge write conflict, re-evaluating",
					"path_id", pathID, "attempt", attempt+1)
				continue
			}
			return fmt.Errorf("failed to persist acknowledgment: %w", err)
		}

		slog.Info("escalation path acknowledged",
			"path_id", path.ID,
			"incident_id", path.IncidentID,
			"level", path.CurrentLevel,
			"actor", actor,
		)
		e.emitter.Record(ctx, evidence.EventPathAcknowledged, string(path.Severity),
			[]string{"escalation"}, nil,
			map[string]any{
				"path_id":     path.ID.String(),
				"incident_id": path.IncidentID,
				"level":       path.CurrentLevel,
				"actor":       actor,
			})
		return nil
	}
	return fmt.Errorf("acknowledgment of path %s abandoned after %d write conflicts", pathID, checkRetries)
}

// ExpireForIncident marks every active path of a closed incident
// EXPIRED so sweeps stop considering them.
func (e *Engine) ExpireForIncident(ctx context.Context, incidentID string) error {
	paths, err := e.paths.ListPaths(ctx, PathFilter{IncidentID: incidentID, Status: PathActive})
	if err != nil {
		return fmt.Errorf("failed to list active paths for incident %s: %w", incidentID, err)
	}
	for _, path := range paths {
		now := e.now()
		expected := path.Version
		path.Status = PathExpired
		path.NextCheckAt = nil
		if err := e.paths.UpdatePath(ctx, path.bumped(now), expected); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				// A concurrent acknowledge beat us; that terminal
				// state wins.
				continue
			}
			return fmt.Errorf("failed to expire path %s: %w", path.ID, err)
		}
		slog.Info("escalation path expired", "path_id", path.ID, "incident_id", incidentID)
	}
	return nil
}

// Start begins the durable sweep loop that picks up due escalation
// checks. Due times live on the paths themselves, so pending
// transitions survive restarts.
func (e *Engine) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		slog.Info("escalation sweep started", "interval", interval)

		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stopCh:
				return
			case <-ticker.C:
				e.sweep(ctx)
			}
		}
	}()
}

// Stop halts the sweep loop.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
	slog.Info("escalation sweep stopped")
}

func (e *Engine) sweep(ctx context.Context) {
	due, err := e.paths.ListPaths(ctx, PathFilter{Status: PathActive, DueBefore: e.now()})
	if err != nil {
		slog.Warn("escalation sweep failed to list due paths", "error", err)
		return
	}
	for _, path := range due {
		if err := e.CheckEscalation(ctx, path.ID); err != nil {
			slog.Error("escalation check failed", "path_id", path.ID, "error", err)
		}
	}
}

// dispatchLevel fans the given level out over its channels. Failures
// are logged and absorbed; the level transition proceeds regardless so
// a broken channel never stalls the state machine.
func (e *Engine) dispatchLevel(ctx context.Context, path *Path, levelNum int, typ notify.Type) {
	level := &path.Levels[levelNum-1]
	for _, ch := range level.Channels {
		if _, err := e.notifier.SendBulkNotification(ctx, path.IncidentID, level.Roles, typ, ch, ""); err != nil {
			slog.Error("level dispatch failed",
				"path_id", path.ID,
				"incident_id", path.IncidentID,
				"level", levelNum,
				"channel", ch,
				"error", err,
			)
		}
	}
	now := e.now()
	level.Triggered = true
	level.TriggeredAt = &now
}

// armNextCheck sets NextCheckAt from the just-triggered current level:
// the next level's delay counts from that trigger. Nil when the path is
// fully escalated.
func (e *Engine) armNextCheck(path *Path) {
	cur := path.CurrentLevelRef()
	if cur == nil || cur.TriggeredAt == nil || path.CurrentLevel >= path.MaxLevel {
		path.NextCheckAt = nil
		return
	}
	next := path.Levels[path.CurrentLevel]
	due := cur.TriggeredAt.Add(minutes(next.TriggerAfterMinutes))
	path.NextCheckAt = &due
}

// bumped increments the version and stamps UpdatedAt, returning the
// same path for the CAS write.
func (p *Path) bumped(now time.Time) *Path {
	p.Version++
	p.UpdatedAt = now
	return p
}

func minutes(m int) time.Duration {
	return time.Duration(m) * time.Minute
}

func ruleArticles(r *rules.Rule) []string {
	var out []string
	for _, req := range r.Requirements {
		if req.Article != "" {
			out = append(out, fmt.Sprintf("%s %s", req.Regulation, req.Article))
		}
	}
	return out
}
