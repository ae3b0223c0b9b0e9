package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"regcomms/internal/directory"
	"regcomms/internal/escalation"
)

// PathStore keeps escalation paths in memory and writes every mutation
// through to ClickHouse as an append-only audit row. The in-memory map
// is authoritative; version checks happen under the store lock, which
// makes the compare-and-swap atomic.
type PathStore struct {
	mu    sync.RWMutex
	paths map[uuid.UUID]*escalation.Path
	ch    *ClickHouseClient // nil disables write-through
}

// NewPathStore creates a path store. client may be nil for tests and
// single-node deployments without a durable audit copy.
func NewPathStore(client *ClickHouseClient) *PathStore {
	return &PathStore{
		paths: make(map[uuid.UUID]*escalation.Path),
		ch:    client,
	}
}

// CreatePath stores a new path.
func (s *PathStore) CreatePath(ctx context.Context, p *escalation.Path) error {
	s.mu.Lock()
	if _, exists := s.paths[p.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("escalation path %s already exists", p.ID)
	}
	stored := clonePath(p)
	s.paths[p.ID] = stored
	s.mu.Unlock()

	s.audit(ctx, stored)
	return nil
}

// GetPath returns a copy of the path; mutations on the returned value
// only take effect through UpdatePath.
func (s *PathStore) GetPath(ctx context.Context, id uuid.UUID) (*escalation.Path, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.paths[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", escalation.ErrPathNotFound, id)
	}
	return clonePath(p), nil
}

// UpdatePath is the compare-and-swap write: it persists p only when
// the stored version still equals expectedVersion.
func (s *PathStore) UpdatePath(ctx context.Context, p *escalation.Path, expectedVersion uint64) error {
	s.mu.Lock()
	cur, ok := s.paths[p.ID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", escalation.ErrPathNotFound, p.ID)
	}
	if cur.Version != expectedVersion {
		s.mu.Unlock()
		return fmt.Errorf("%w: path %s expected version %d, stored %d",
			escalation.ErrVersionConflict, p.ID, expectedVersion, cur.Version)
	}
	stored := clonePath(p)
	s.paths[p.ID] = stored
	s.mu.Unlock()

	s.audit(ctx, stored)
	return nil
}

// ListPaths returns copies of all paths passing the filter, ordered by
// start time.
func (s *PathStore) ListPaths(ctx context.Context, filter escalation.PathFilter) ([]*escalation.Path, error) {
	s.mu.RLock()
	var out []*escalation.Path
	for _, p := range s.paths {
		if filter.Matches(p) {
			out = append(out, clonePath(p))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// audit appends the path state to ClickHouse. Failures are logged, not
// returned: a degraded audit copy never blocks the state machine.
func (s *PathStore) audit(ctx context.Context, p *escalation.Path) {
	if s.ch == nil {
		return
	}
	payload, err := json.Marshal(p)
	if err != nil {
		slog.Error("failed to encode path for audit", "path_id", p.ID, "error", err)
		return
	}
	err = s.ch.Exec(ctx, `
		INSERT INTO escalation_paths
			(id, incident_id, rule_id, severity, status, current_level, max_level, version, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.IncidentID, p.RuleID, string(p.Severity), string(p.Status),
		uint8(p.CurrentLevel), uint8(p.MaxLevel), p.Version, string(payload), p.UpdatedAt,
	)
	if err != nil {
		slog.Error("failed to write path audit row", "path_id", p.ID, "error", err)
	}
}

func clonePath(p *escalation.Path) *escalation.Path {
	out := *p
	out.Levels = make([]escalation.Level, len(p.Levels))
	for i, lvl := range p.Levels {
		l := lvl
		l.Roles = append([]string(nil), lvl.Roles...)
		l.Channels = append([]directory.Channel(nil), lvl.Channels...)
		if lvl.TriggeredAt != nil {
			t := *lvl.TriggeredAt
			l.TriggeredAt = &t
		}
		if lvl.AcknowledgedAt != nil {
			t := *lvl.AcknowledgedAt
			l.AcknowledgedAt = &t
		}
		out.Levels[i] = l
	}
	if p.LastEscalatedAt != nil {
		t := *p.LastEscalatedAt
		out.LastEscalatedAt = &t
	}
	if p.NextCheckAt != nil {
		t := *p.NextCheckAt
		out.NextCheckAt = &t
	}
	return &out
}
