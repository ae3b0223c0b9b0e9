package notify

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"regcomms/internal/directory"
	"regcomms/internal/incident"
)

// Template is a named message template with placeholder substitution.
type Template struct {
	ID      string `yaml:"id" json:"id"`
	Subject string `yaml:"subject" json:"subject"`
	Body    string `yaml:"body" json:"body"`
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_.]+)\s*\}\}`)

// Render substitutes {{name}} placeholders from the variable map.
// Unmatched placeholders render as empty strings, never as errors.
func (t *Template) Render(vars map[string]string) (subject, body string) {
	return substitute(t.Subject, vars), substitute(t.Body, vars)
}

func substitute(text string, vars map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		return vars[name]
	})
}

// TemplateVars builds the fixed substitution variable set from an
// incident and stakeholder.
func TemplateVars(snap *incident.Snapshot, st *directory.Stakeholder) map[string]string {
	vars := map[string]string{
		"incident.id":                snap.ID,
		"incident.title":             snap.Title,
		"incident.type":              snap.Type,
		"incident.severity":          string(snap.Severity),
		"incident.status":            snap.Status,
		"incident.region":            snap.Region,
		"incident.occurredAt":        snap.OccurredAt.UTC().Format(time.RFC3339),
		"incident.affectedCustomers": fmt.Sprintf("%d", snap.AffectedCustomers),
		"incident.affectedSystems":   strings.Join(snap.AffectedSystems, ", "),
	}
	if st != nil {
		vars["stakeholder.name"] = st.Name
		vars["stakeholder.role"] = st.Role
	}
	return vars
}

// TemplateStore holds named templates. Reads take a snapshot; mutation
// happens through Put at startup or reload.
type TemplateStore struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateStore creates an empty template store.
func NewTemplateStore() *TemplateStore {
	return &TemplateStore{templates: make(map[string]*Template)}
}

// Put registers a template.
func (s *TemplateStore) Put(t *Template) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.ID] = t
}

// Get returns a template by id.
func (s *TemplateStore) Get(id string) (*Template, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	return t, ok
}

// defaultTemplates are the built-in per-type boilerplates used when no
// custom content or named template applies.
var defaultTemplates = map[Type]Template{
	TypeInitialNotification: {
		Subject: "[{{incident.severity}}] Incident {{incident.id}}: {{incident.title}}",
		Body: "An incident requires your attention.\n\n" +
			"Incident: {{incident.title}} ({{incident.id}})\n" +
			"Type: {{incident.type}}\n" +
			"Severity: {{incident.severity}}\n" +
			"Occurred: {{incident.occurredAt}}\n" +
			"Affected customers: {{incident.affectedCustomers}}\n\n" +
			"Please acknowledge receipt of this notification.",
	},
	TypeEscalation: {
		Subject: "[ESCALATION] [{{incident.severity}}] Incident {{incident.id}} unacknowledged",
		Body: "An incident notification has not been acknowledged and has been escalated to you.\n\n" +
			"Incident: {{incident.title}} ({{incident.id}})\n" +
			"Type: {{incident.type}}\n" +
			"Severity: {{incident.severity}}\n" +
			"Occurred: {{incident.occurredAt}}\n\n" +
			"Immediate acknowledgment is required.",
	},
	TypeStatusUpdate: {
		Subject: "[UPDATE] Incident {{incident.id}}: {{incident.title}}",
		Body: "Status update for incident {{incident.id}}.\n\n" +
			"Current status: {{incident.status}}\n" +
			"Severity: {{incident.severity}}\n" +
			"Affected customers: {{incident.affectedCustomers}}",
	},
	TypeRegulatoryReport: {
		Subject: "[REGULATORY] Incident {{incident.id}} notification",
		Body: "This is a regulatory notification regarding incident {{incident.id}}.\n\n" +
			"Incident: {{incident.title}}\n" +
			"Type: {{incident.type}}\n" +
			"Severity: {{incident.severity}}\n" +
			"Occurred: {{incident.occurredAt}}\n" +
			"Affected customers: {{incident.affectedCustomers}}",
	},
}

// DefaultTemplate returns the builtin boilerplate for a communication
// type.
func DefaultTemplate(t Type) Template {
	if tmpl, ok := defaultTemplates[t]; ok {
		return tmpl
	}
	return defaultTemplates[TypeStatusUpdate]
}
