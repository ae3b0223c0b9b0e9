package rules

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"regcomms/internal/incident"
)

func testSnapshot(typ string, sev incident.Severity) *incident.Snapshot {
	return &incident.Snapshot{
		ID:         "inc-100",
		Title:      "test incident",
		Type:       typ,
		Severity:   sev,
		OccurredAt: time.Now().Add(-time.Hour),
	}
}

func TestCatalog_MatchBuiltins(t *testing.T) {
	catalog := NewCatalog("")
	if err := catalog.Load(); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	tests := []struct {
		name    string
		snap    *incident.Snapshot
		trigger incident.Trigger
		wantIDs []string
	}{
		{
			name:    "data breach on creation",
			snap:    testSnapshot("DATA_BREACH", incident.SeverityHigh),
			trigger: incident.TriggerIncidentCreated,
			wantIDs: []string{"builtin-data-breach"},
		},
		{
			name:    "critical data breach matches breach rule first",
			snap:    testSnapshot("DATA_BREACH", incident.SeverityCritical),
			trigger: incident.TriggerIncidentCreated,
			wantIDs: []string{"builtin-data-breach", "builtin-critical-incident"},
		},
		{
			name:    "critical outage matches outage before catch-all",
			snap:    testSnapshot("SERVICE_OUTAGE", incident.SeverityCritical),
			trigger: incident.TriggerIncidentCreated,
			wantIDs: []string{"builtin-service-outage", "builtin-critical-incident"},
		},
		{
			name:    "low severity outage matches nothing",
			snap:    testSnapshot("SERVICE_OUTAGE", incident.SeverityLow),
			trigger: incident.TriggerIncidentCreated,
			wantIDs: nil,
		},
		{
			name: "customer impact threshold",
			snap: func() *incident.Snapshot {
				s := testSnapshot("SERVICE_DEGRADATION", incident.SeverityMedium)
				s.AffectedCustomers = 1500
				return s
			}(),
			trigger: incident.TriggerCustomerImpact,
			wantIDs: []string{"builtin-customer-impact"},
		},
		{
			name: "customer impact below threshold",
			snap: func() *incident.Snapshot {
				s := testSnapshot("SERVICE_DEGRADATION", incident.SeverityMedium)
				s.AffectedCustomers = 1000
				return s
			}(),
			trigger: incident.TriggerCustomerImpact,
			wantIDs: nil,
		},
		{
			name:    "unbound trigger matches nothing",
			snap:    testSnapshot("DATA_BREACH", incident.SeverityHigh),
			trigger: incident.TriggerIncidentClosed,
			wantIDs: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matched := catalog.Match(tt.snap, tt.trigger)
			var got []string
			for _, r := range matched {
				got = append(got, r.ID)
			}
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("Match() = %v, want %v", got, tt.wantIDs)
			}
			for i := range got {
				if got[i] != tt.wantIDs[i] {
					t.Errorf("Match()[%d] = %s, want %s", i, got[i], tt.wantIDs[i])
				}
			}
		})
	}
}

func TestCatalog_PriorityOrderStable(t *testing.T) {
	catalog := NewCatalog("")
	if err := catalog.Load(); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	active := catalog.Rules()
	for i := 1; i < len(active); i++ {
		if active[i-1].Priority > active[i].Priority {
			t.Errorf("rules not in priority order: %s (%d) before %s (%d)",
				active[i-1].ID, active[i-1].Priority, active[i].ID, active[i].Priority)
		}
	}
}

func TestCatalog_LoadOperatorRules(t *testing.T) {
	dir := t.TempDir()
	ruleYAML := `
- id: ops-payment-failure
  name: Payment Processing Failure
  enabled: true
  priority: 3
  triggers:
    - trigger: INCIDENT_CREATED
      conditions:
        - field: type
          operator: EQUALS
          value: PAYMENT_FAILURE
  policies:
    CRITICAL:
      roles: [INCIDENT_MANAGER]
      channels: [EMAIL, SMS]
      time_to_notify_minutes: 0
      require_acknowledgment: true
      escalate_if_no_ack_minutes: 20
      escalate_to: [CTO]
`
	if err := os.WriteFile(filepath.Join(dir, "payment.yaml"), []byte(ruleYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	catalog := NewCatalog(dir)
	if err := catalog.Load(); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	rule, ok := catalog.Get("ops-payment-failure")
	if !ok {
		t.Fatal("operator rule not loaded")
	}
	if rule.Priority != 3 {
		t.Errorf("Priority = %d, want 3", rule.Priority)
	}

	// Operator rule sits between priority-1 and priority-5 builtins.
	ids := []string{}
	for _, r := range catalog.Rules() {
		ids = append(ids, r.ID)
	}
	if ids[0] != "builtin-data-breach" || ids[1] != "ops-payment-failure" {
		t.Errorf("unexpected order: %v", ids)
	}
}

func TestCatalog_OperatorOverridesBuiltin(t *testing.T) {
	dir := t.TempDir()
	override := `
- id: builtin-data-breach
  name: Data Breach (tuned)
  enabled: true
  priority: 2
  triggers:
    - trigger: INCIDENT_CREATED
      conditions:
        - field: type
          operator: EQUALS
          value: DATA_BREACH
  policies:
    HIGH:
      roles: [DPO]
      channels: [EMAIL]
`
	if err := os.WriteFile(filepath.Join(dir, "override.yaml"), []byte(override), 0o644); err != nil {
		t.Fatal(err)
	}

	catalog := NewCatalog(dir)
	if err := catalog.Load(); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	rule, ok := catalog.Get("builtin-data-breach")
	if !ok {
		t.Fatal("rule missing after override")
	}
	if rule.Name != "Data Breach (tuned)" {
		t.Errorf("override not applied, got %q", rule.Name)
	}

	count := 0
	for _, r := range catalog.Rules() {
		if r.ID == "builtin-data-breach" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected single rule after override, found %d", count)
	}
}

func TestCatalog_DisabledRuleSkipped(t *testing.T) {
	dir := t.TempDir()
	disabled := `
- id: builtin-critical-incident
  name: Critical Incident
  enabled: false
  priority: 10
  triggers:
    - trigger: INCIDENT_CREATED
  policies:
    CRITICAL:
      roles: [INCIDENT_MANAGER]
      channels: [EMAIL]
`
	if err := os.WriteFile(filepath.Join(dir, "disable.yaml"), []byte(disabled), 0o644); err != nil {
		t.Fatal(err)
	}

	catalog := NewCatalog(dir)
	if err := catalog.Load(); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	matched := catalog.Match(testSnapshot("ANYTHING", incident.SeverityCritical), incident.TriggerIncidentCreated)
	for _, r := range matched {
		if r.ID == "builtin-critical-incident" {
			t.Error("disabled rule still matching")
		}
	}
}

func TestCatalog_MissingDirUsesBuiltins(t *testing.T) {
	catalog := NewCatalog("/nonexistent/rules")
	if err := catalog.Load(); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(catalog.Rules()) != len(BuiltinRules()) {
		t.Errorf("expected builtin rules only, got %d", len(catalog.Rules()))
	}
}

func TestParseRules(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr bool
		count   int
	}{
		{
			name: "single rule document",
			yaml: `
id: single
name: Single Rule
enabled: true
priority: 1
triggers:
  - trigger: INCIDENT_CREATED
policies:
  HIGH:
    roles: [DPO]
    channels: [EMAIL]
`,
			count: 1,
		},
		{
			name: "invalid severity rejected",
			yaml: `
- id: bad-sev
  name: Bad
  triggers:
    - trigger: INCIDENT_CREATED
  policies:
    EXTREME:
      roles: [DPO]
      channels: [EMAIL]
`,
			wantErr: true,
		},
		{
			name: "escalate without target rejected",
			yaml: `
- id: bad-escalate
  name: Bad
  triggers:
    - trigger: INCIDENT_CREATED
  policies:
    HIGH:
      roles: [DPO]
      channels: [EMAIL]
      escalate_if_no_ack_minutes: 30
`,
			wantErr: true,
		},
		{
			name: "requirement without recipients rejected",
			yaml: `
- id: bad-req
  name: Bad
  triggers:
    - trigger: INCIDENT_CREATED
  policies:
    HIGH:
      roles: [DPO]
      channels: [EMAIL]
  requirements:
    - regulation: GDPR
      article: Art. 33
      deadline_hours: 72
`,
			wantErr: true,
		},
		{
			name:    "not yaml",
			yaml:    "{{{{",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := ParseRules([]byte(tt.yaml))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseRules() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && len(parsed) != tt.count {
				t.Errorf("ParseRules() returned %d rules, want %d", len(parsed), tt.count)
			}
		})
	}
}
