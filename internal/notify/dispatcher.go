package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"regcomms/internal/directory"
	regerrors "regcomms/internal/errors"
	"regcomms/internal/evidence"
	"regcomms/internal/incident"
	"regcomms/internal/logging"
	"regcomms/internal/throttle"
)

var (
	// ErrCommunicationNotFound is returned when no communication exists
	// for the id.
	ErrCommunicationNotFound = errors.New("communication not found")
	// ErrRecipientNotFound is returned when a stakeholder is not a
	// recipient of the communication.
	ErrRecipientNotFound = errors.New("recipient not found")
	// ErrNoTransport is returned when no transport is registered for
	// the requested channel.
	ErrNoTransport = errors.New("no transport registered for channel")
	// ErrSuppressed is returned when a status update falls inside the
	// duplicate-suppression window.
	ErrSuppressed = errors.New("notification suppressed by throttle window")
)

// Repository persists communications.
type Repository interface {
	SaveCommunication(ctx context.Context, c *Communication) error
	GetCommunication(ctx context.Context, id uuid.UUID) (*Communication, error)
	ListCommunications(ctx context.Context, filter CommunicationFilter) ([]*Communication, error)
}

// CommunicationFilter defines filters for listing communications.
type CommunicationFilter struct {
	IncidentID string
	Type       Type
	Status     Status
	Limit      int
	Offset     int
}

// Matches reports whether a communication passes the filter.
func (f *CommunicationFilter) Matches(c *Communication) bool {
	if f.IncidentID != "" && c.IncidentID != f.IncidentID {
		return false
	}
	if f.Type != "" && c.Type != f.Type {
		return false
	}
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	return true
}

// Request describes a single-recipient notification.
type Request struct {
	IncidentID    string            `json:"incident_id" validate:"required"`
	StakeholderID string            `json:"stakeholder_id" validate:"required"`
	Channel       directory.Channel `json:"channel" validate:"required"`
	Type          Type              `json:"type" validate:"required"`
	Subject       string            `json:"subject,omitempty"`
	Body          string            `json:"body,omitempty"`
	TemplateID    string            `json:"template_id,omitempty"`
}

// Dispatcher renders and delivers incident communications. It holds
// only injected collaborators; construct once at startup and share.
type Dispatcher struct {
	incidents  incident.Lookup
	directory  directory.Directory
	transports Transports
	repo       Repository
	emitter    evidence.Emitter
	templates  *TemplateStore
	window     throttle.Window
	windowSize time.Duration
	validate   *validator.Validate
	now        func() time.Time
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(incidents incident.Lookup, dir directory.Directory, transports Transports, repo Repository, emitter evidence.Emitter) *Dispatcher {
	return &Dispatcher{
		incidents:  incidents,
		directory:  dir,
		transports: transports,
		repo:       repo,
		emitter:    emitter,
		templates:  NewTemplateStore(),
		validate:   validator.New(),
		now:        time.Now,
	}
}

// WithTemplates replaces the template store.
func (d *Dispatcher) WithTemplates(store *TemplateStore) *Dispatcher {
	d.templates = store
	return d
}

// WithThrottle enables the duplicate-suppression window for status
// updates. Escalation, initial and regulatory dispatches are never
// suppressed.
func (d *Dispatcher) WithThrottle(w throttle.Window, size time.Duration) *Dispatcher {
	d.window = w
	d.windowSize = size
	return d
}

// resolveContent picks the message content: explicit custom content
// wins, then a named template with variable substitution, then the
// builtin per-type boilerplate.
func (d *Dispatcher) resolveContent(req *Request, snap *incident.Snapshot, st *directory.Stakeholder) (subject, body string) {
	if req.Subject != "" || req.Body != "" {
		return req.Subject, req.Body
	}
	vars := TemplateVars(snap, st)
	if req.TemplateID != "" {
		if tmpl, ok := d.templates.Get(req.TemplateID); ok {
			return tmpl.Render(vars)
		}
		slog.Warn("template not found, using default", "template_id", req.TemplateID, "type", req.Type)
	}
	tmpl := DefaultTemplate(req.Type)
	return tmpl.Render(vars)
}

// SendNotification delivers one notification to one stakeholder. A
// missing incident or stakeholder is an error; a transport failure is
// recorded on the recipient, persisted, and returned together with the
// communication so the caller sees both the state and the failure.
func (d *Dispatcher) SendNotification(ctx context.Context, req *Request) (*Communication, error) {
	if err := d.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid notification request: %w", err)
	}

	snap, err := d.incidents.Get(ctx, req.IncidentID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve incident %s: %w", req.IncidentID, err)
	}
	st, err := d.directory.Get(ctx, req.StakeholderID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve stakeholder %s: %w", req.StakeholderID, err)
	}

	subject, body := d.resolveContent(req, snap, st)
	now := d.now()

	comm := &Communication{
		ID:         uuid.New(),
		IncidentID: snap.ID,
		Type:       req.Type,
		Channel:    req.Channel,
		Subject:    subject,
		Body:       body,
		Recipients: []Recipient{{
			StakeholderID: st.ID,
			Name:          st.Name,
			Role:          st.Role,
			Channel:       req.Channel,
			Status:        RecipientSending,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	comm.RecomputeStats()
	if err := d.repo.SaveCommunication(ctx, comm); err != nil {
		return nil, fmt.Errorf("failed to persist communication: %w", err)
	}

	deliverErr := d.deliver(ctx, comm, &comm.Recipients[0], st, subject, body)

	comm.RecomputeStats()
	comm.UpdatedAt = d.now()
	if err := d.repo.SaveCommunication(ctx, comm); err != nil {
		slog.Error("failed to persist delivery state", "communication_id", comm.ID, "error", err)
	}

	if deliverErr != nil {
		evID := d.emitter.Record(ctx, evidence.EventDeliveryFailed, string(snap.Severity),
			[]string{"notification", string(req.Channel)}, nil,
			map[string]any{
				"communication_id": comm.ID.String(),
				"incident_id":      snap.ID,
				"stakeholder_id":   st.ID,
				"reason":           comm.Recipients[0].FailureReason,
			})
		comm.EvidenceID = &evID
		return comm, deliverErr
	}

	evID := d.emitter.Record(ctx, evidence.EventNotificationSent, string(snap.Severity),
		[]string{"notification", string(req.Channel)}, nil,
		map[string]any{
			"communication_id": comm.ID.String(),
			"incident_id":      snap.ID,
			"stakeholder_id":   st.ID,
			"type":             string(req.Type),
		})
	comm.EvidenceID = &evID
	return comm, nil
}

// deliver attempts one recipient delivery and updates its status in
// place. The returned error carries the raw transport failure; the
// persisted reason is sanitized.
func (d *Dispatcher) deliver(ctx context.Context, comm *Communication, rec *Recipient, st *directory.Stakeholder, subject, body string) error {
	contact, ok := st.Contact(rec.Channel)
	if !ok {
		rec.Status = RecipientFailed
		rec.FailureReason = fmt.Sprintf("no %s contact configured", rec.Channel)
		return fmt.Errorf("stakeholder %s has no %s contact", st.ID, rec.Channel)
	}
	rec.ContactValue = contact

	transport, ok := d.transports.Get(rec.Channel)
	if !ok {
		rec.Status = RecipientFailed
		rec.FailureReason = fmt.Sprintf("no transport registered for %s", rec.Channel)
		return fmt.Errorf("%w: %s", ErrNoTransport, rec.Channel)
	}

	if err := transport.Deliver(ctx, contact, subject, body); err != nil {
		rec.Status = RecipientFailed
		rec.FailureReason = regerrors.SanitizeReason(err.Error())
		slog.Warn("delivery failed",
			"communication_id", comm.ID,
			"channel", rec.Channel,
			"contact", logging.MaskContact(contact),
			"error", err,
		)
		return fmt.Errorf("delivery via %s failed: %w", rec.Channel, err)
	}

	now := d.now()
	rec.Status = RecipientSent
	rec.SentAt = &now
	slog.Debug("notification delivered",
		"communication_id", comm.ID,
		"channel", rec.Channel,
		"contact", logging.MaskContact(contact),
	)
	return nil
}

// SendBulkNotification fans one message out to every stakeholder
// holding any of the roles. Recipient failures are independent: one
// failed delivery never prevents the others, and the aggregate status
// is FAILED only when every recipient failed.
func (d *Dispatcher) SendBulkNotification(ctx context.Context, incidentID string, roles []string, typ Type, channel directory.Channel, templateID string) (*Communication, error) {
	snap, err := d.incidents.Get(ctx, incidentID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve incident %s: %w", incidentID, err)
	}

	if typ == TypeStatusUpdate && d.window != nil && d.windowSize > 0 {
		key := strings.Join([]string{incidentID, string(typ), string(channel), strings.Join(roles, ",")}, "|")
		first, err := d.window.FirstSeen(ctx, key, d.windowSize)
		if err != nil {
			slog.Warn("throttle check failed, continuing", "error", err)
		} else if !first {
			slog.Debug("status update suppressed", "incident_id", incidentID, "channel", channel)
			return nil, ErrSuppressed
		}
	}

	stakeholders, err := d.directory.FindByRoles(ctx, roles)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve roles %v: %w", roles, err)
	}
	if len(stakeholders) == 0 {
		slog.Warn("no stakeholders for roles", "incident_id", incidentID, "roles", roles)
	}

	req := &Request{IncidentID: incidentID, Channel: channel, Type: typ, TemplateID: templateID}
	now := d.now()

	comm := &Communication{
		ID:         uuid.New(),
		IncidentID: snap.ID,
		Type:       typ,
		Channel:    channel,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, st := range stakeholders {
		comm.Recipients = append(comm.Recipients, Recipient{
			StakeholderID: st.ID,
			Name:          st.Name,
			Role:          st.Role,
			Channel:       channel,
			Status:        RecipientSending,
		})
	}
	// Subject/body are rendered per recipient for stakeholder
	// placeholders; the communication keeps the generic rendering.
	comm.Subject, comm.Body = d.resolveContent(req, snap, nil)
	comm.RecomputeStats()

	if err := d.repo.SaveCommunication(ctx, comm); err != nil {
		return nil, fmt.Errorf("failed to persist communication: %w", err)
	}

	var wg sync.WaitGroup
	for i := range comm.Recipients {
		wg.Add(1)
		go func(idx int, st *directory.Stakeholder) {
			defer wg.Done()
			subject, body := d.resolveContent(req, snap, st)
			if err := d.deliver(ctx, comm, &comm.Recipients[idx], st, subject, body); err != nil {
				slog.Warn("bulk recipient delivery failed",
					"communication_id", comm.ID,
					"stakeholder_id", st.ID,
					"error", err,
				)
			}
		}(i, stakeholders[i])
	}
	wg.Wait()

	comm.RecomputeStats()
	comm.UpdatedAt = d.now()
	if err := d.repo.SaveCommunication(ctx, comm); err != nil {
		slog.Error("failed to persist delivery state", "communication_id", comm.ID, "error", err)
	}

	eventType := evidence.EventNotificationSent
	if comm.Status == StatusFailed {
		eventType = evidence.EventDeliveryFailed
	}
	evID := d.emitter.Record(ctx, eventType, string(snap.Severity),
		[]string{"notification", string(channel), strings.ToLower(string(typ))}, nil,
		map[string]any{
			"communication_id": comm.ID.String(),
			"incident_id":      snap.ID,
			"roles":            roles,
			"total":            comm.Stats.Total,
			"sent":             comm.Stats.Sent,
			"failed":           comm.Stats.Failed,
		})
	comm.EvidenceID = &evID

	return comm, nil
}

// AcknowledgeNotification records a stakeholder's acknowledgment on a
// communication.
func (d *Dispatcher) AcknowledgeNotification(ctx context.Context, commID uuid.UUID, stakeholderID string) error {
	comm, err := d.repo.GetCommunication(ctx, commID)
	if err != nil {
		return fmt.Errorf("failed to load communication %s: %w", commID, err)
	}

	rec, ok := comm.Recipient(stakeholderID)
	if !ok {
		return fmt.Errorf("%w: stakeholder %s on communication %s", ErrRecipientNotFound, stakeholderID, commID)
	}

	now := d.now()
	rec.Status = RecipientAcknowledged
	rec.AcknowledgedAt = &now
	comm.RecomputeStats()
	comm.UpdatedAt = now

	if err := d.repo.SaveCommunication(ctx, comm); err != nil {
		return fmt.Errorf("failed to persist acknowledgment: %w", err)
	}

	d.emitter.Record(ctx, evidence.EventNotificationAck, "",
		[]string{"notification"}, nil,
		map[string]any{
			"communication_id": comm.ID.String(),
			"incident_id":      comm.IncidentID,
			"stakeholder_id":   stakeholderID,
		})
	return nil
}
