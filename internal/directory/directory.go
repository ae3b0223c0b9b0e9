// Package directory provides stakeholder lookup for notification routing.
// The engine consumes it as a read-only capability; stakeholder
// administration happens outside this service.
package directory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when no stakeholder exists for the id.
var ErrNotFound = errors.New("stakeholder not found")

// Channel identifies a delivery channel for notifications.
type Channel string

const (
	ChannelEmail   Channel = "EMAIL"
	ChannelSMS     Channel = "SMS"
	ChannelPhone   Channel = "PHONE"
	ChannelChat    Channel = "CHAT"
	ChannelWebhook Channel = "WEBHOOK"
)

// IsValid checks if the channel is a known value.
func (c Channel) IsValid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPhone, ChannelChat, ChannelWebhook:
		return true
	}
	return false
}

// Stakeholder is a notification recipient with per-channel contact values.
type Stakeholder struct {
	ID       string             `yaml:"id" json:"id"`
	Name     string             `yaml:"name" json:"name"`
	Role     string             `yaml:"role" json:"role"`
	Contacts map[Channel]string `yaml:"contacts" json:"contacts"`
}

// Contact returns the contact value for a channel, if configured.
func (s *Stakeholder) Contact(ch Channel) (string, bool) {
	v, ok := s.Contacts[ch]
	return v, ok && v != ""
}

// Directory resolves stakeholders by id or role.
type Directory interface {
	Get(ctx context.Context, id string) (*Stakeholder, error)
	FindByRoles(ctx context.Context, roles []string) ([]*Stakeholder, error)
}

// Static is an in-memory directory loaded from configuration.
type Static struct {
	mu     sync.RWMutex
	byID   map[string]*Stakeholder
	byRole map[string][]*Stakeholder
}

// NewStatic creates a directory from a stakeholder list.
func NewStatic(stakeholders []Stakeholder) *Static {
	s := &Static{
		byID:   make(map[string]*Stakeholder),
		byRole: make(map[string][]*Stakeholder),
	}
	s.replace(stakeholders)
	return s
}

// LoadFile reads a YAML stakeholder roster.
func LoadFile(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read stakeholder file: %w", err)
	}
	var doc struct {
		Stakeholders []Stakeholder `yaml:"stakeholders"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse stakeholder file: %w", err)
	}
	for i, st := range doc.Stakeholders {
		if st.ID == "" || st.Role == "" {
			return nil, fmt.Errorf("stakeholder %d: id and role are required", i)
		}
		for ch := range st.Contacts {
			if !ch.IsValid() {
				return nil, fmt.Errorf("stakeholder %s: unknown channel %q", st.ID, ch)
			}
		}
	}
	return NewStatic(doc.Stakeholders), nil
}

func (s *Static) replace(stakeholders []Stakeholder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = make(map[string]*Stakeholder, len(stakeholders))
	s.byRole = make(map[string][]*Stakeholder)
	for i := range stakeholders {
		st := stakeholders[i]
		s.byID[st.ID] = &st
		s.byRole[st.Role] = append(s.byRole[st.Role], &st)
	}
}

// Get retrieves a stakeholder by id.
func (s *Static) Get(ctx context.Context, id string) (*Stakeholder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return st, nil
}

// FindByRoles returns all stakeholders holding any of the given roles,
// deduplicated, in stable id order.
func (s *Static) FindByRoles(ctx context.Context, roles []string) ([]*Stakeholder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var out []*Stakeholder
	for _, role := range roles {
		for _, st := range s.byRole[role] {
			if seen[st.ID] {
				continue
			}
			seen[st.ID] = true
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
