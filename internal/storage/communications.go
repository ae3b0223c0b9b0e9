package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"regcomms/internal/notify"
)

// CommunicationStore keeps communications in memory with an
// append-only ClickHouse audit copy. Communications are never deleted,
// only transitioned.
type CommunicationStore struct {
	mu    sync.RWMutex
	comms map[uuid.UUID]*notify.Communication
	ch    *ClickHouseClient // nil disables write-through
}

// NewCommunicationStore creates a communication store.
func NewCommunicationStore(client *ClickHouseClient) *CommunicationStore {
	return &CommunicationStore{
		comms: make(map[uuid.UUID]*notify.Communication),
		ch:    client,
	}
}

// SaveCommunication inserts or updates a communication.
func (s *CommunicationStore) SaveCommunication(ctx context.Context, c *notify.Communication) error {
	stored := cloneCommunication(c)
	s.mu.Lock()
	s.comms[c.ID] = stored
	s.mu.Unlock()

	s.audit(ctx, stored)
	return nil
}

// GetCommunication returns a copy of the communication.
func (s *CommunicationStore) GetCommunication(ctx context.Context, id uuid.UUID) (*notify.Communication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.comms[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", notify.ErrCommunicationNotFound, id)
	}
	return cloneCommunication(c), nil
}

// ListCommunications returns copies of communications passing the
// filter, newest first.
func (s *CommunicationStore) ListCommunications(ctx context.Context, filter notify.CommunicationFilter) ([]*notify.Communication, error) {
	s.mu.RLock()
	var out []*notify.Communication
	for _, c := range s.comms {
		if filter.Matches(c) {
			out = append(out, cloneCommunication(c))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *CommunicationStore) audit(ctx context.Context, c *notify.Communication) {
	if s.ch == nil {
		return
	}
	payload, err := json.Marshal(c)
	if err != nil {
		slog.Error("failed to encode communication for audit", "communication_id", c.ID, "error", err)
		return
	}
	err = s.ch.Exec(ctx, `
		INSERT INTO communications
			(id, incident_id, type, channel, status, total_recipients, sent, failed, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.IncidentID, string(c.Type), string(c.Channel), string(c.Status),
		uint32(c.Stats.Total), uint32(c.Stats.Sent), uint32(c.Stats.Failed),
		string(payload), c.UpdatedAt,
	)
	if err != nil {
		slog.Error("failed to write communication audit row", "communication_id", c.ID, "error", err)
	}
}

func cloneCommunication(c *notify.Communication) *notify.Communication {
	out := *c
	out.Recipients = make([]notify.Recipient, len(c.Recipients))
	for i, r := range c.Recipients {
		if r.SentAt != nil {
			t := *r.SentAt
			r.SentAt = &t
		}
		if r.AcknowledgedAt != nil {
			t := *r.AcknowledgedAt
			r.AcknowledgedAt = &t
		}
		out.Recipients[i] = r
	}
	if c.EvidenceID != nil {
		id := *c.EvidenceID
		out.EvidenceID = &id
	}
	return &out
}
