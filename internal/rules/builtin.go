package rules

import (
	"regcomms/internal/directory"
	"regcomms/internal/incident"
)

// BuiltinRules returns the default escalation rules shipped with the
// engine. Operators override or extend them through the rule directory.
func BuiltinRules() []*Rule {
	return []*Rule{
		DataBreachRule(),
		ServiceOutageRule(),
		CriticalIncidentRule(),
		CustomerImpactRule(),
	}
}

// DataBreachRule notifies the privacy chain for personal-data breaches
// and tracks the GDPR 72-hour regulator deadline.
func DataBreachRule() *Rule {
	return &Rule{
		ID:          "builtin-data-breach",
		Name:        "Personal Data Breach",
		Description: "Data breach incidents route to the DPO and legal, with executive escalation on silence",
		Enabled:     true,
		Priority:    1,
		Tags:        []string{"privacy", "gdpr"},
		Triggers: []TriggerBinding{
			{
				Trigger: incident.TriggerIncidentCreated,
				Conditions: []Condition{
					{Field: "type", Operator: OpEquals, Value: "DATA_BREACH"},
				},
			},
			{
				Trigger: incident.TriggerSeverityUpgraded,
				Conditions: []Condition{
					{Field: "type", Operator: OpEquals, Value: "DATA_BREACH"},
					{Field: "severity", Operator: OpIn, Values: []string{"CRITICAL", "HIGH"}},
				},
			},
		},
		Policies: map[incident.Severity]SeverityPolicy{
			incident.SeverityCritical: {
				Roles:                  []string{"DPO", "LEGAL_TEAM"},
				Channels:               []directory.Channel{directory.ChannelEmail, directory.ChannelSMS, directory.ChannelPhone},
				TimeToNotifyMinutes:    0,
				RequireAcknowledgment:  true,
				EscalateIfNoAckMinutes: 30,
				EscalateTo:             []string{"CISO", "CEO"},
			},
			incident.SeverityHigh: {
				Roles:                  []string{"DPO", "LEGAL_TEAM"},
				Channels:               []directory.Channel{directory.ChannelEmail, directory.ChannelSMS},
				TimeToNotifyMinutes:    0,
				RequireAcknowledgment:  true,
				EscalateIfNoAckMinutes: 60,
				EscalateTo:             []string{"CISO"},
			},
			incident.SeverityMedium: {
				Roles:               []string{"DPO"},
				Channels:            []directory.Channel{directory.ChannelEmail},
				TimeToNotifyMinutes: 15,
			},
		},
		Requirements: []RegulatoryRequirement{
			{
				Regulation:    "GDPR",
				Article:       "Art. 33",
				DeadlineHours: 72,
				Recipients:    []string{"DPO", "REGULATORY_LIAISON"},
			},
		},
	}
}

// ServiceOutageRule covers outages of regulated services, which carry a
// 4-hour regulator notification window under DORA.
func ServiceOutageRule() *Rule {
	return &Rule{
		ID:          "builtin-service-outage",
		Name:        "Regulated Service Outage",
		Description: "Outage incidents on regulated services must reach the regulator within four hours",
		Enabled:     true,
		Priority:    5,
		Tags:        []string{"availability", "dora"},
		Triggers: []TriggerBinding{
			{
				Trigger: incident.TriggerIncidentCreated,
				Conditions: []Condition{
					{Field: "type", Operator: OpEquals, Value: "SERVICE_OUTAGE"},
					{Field: "severity", Operator: OpIn, Values: []string{"CRITICAL", "HIGH"}},
				},
			},
		},
		Policies: map[incident.Severity]SeverityPolicy{
			incident.SeverityCritical: {
				Roles:                  []string{"INCIDENT_MANAGER", "OPERATIONS_LEAD"},
				Channels:               []directory.Channel{directory.ChannelEmail, directory.ChannelSMS, directory.ChannelChat},
				TimeToNotifyMinutes:    0,
				RequireAcknowledgment:  true,
				EscalateIfNoAckMinutes: 15,
				EscalateTo:             []string{"CTO"},
			},
			incident.SeverityHigh: {
				Roles:                  []string{"INCIDENT_MANAGER"},
				Channels:               []directory.Channel{directory.ChannelEmail, directory.ChannelChat},
				TimeToNotifyMinutes:    0,
				RequireAcknowledgment:  true,
				EscalateIfNoAckMinutes: 30,
				EscalateTo:             []string{"OPERATIONS_LEAD"},
			},
		},
		Requirements: []RegulatoryRequirement{
			{
				Regulation:    "DORA",
				Article:       "Art. 19",
				DeadlineHours: 4,
				Recipients:    []string{"REGULATORY_LIAISON"},
			},
		},
	}
}

// CriticalIncidentRule is the generic catch-all for critical incidents
// of any type.
func CriticalIncidentRule() *Rule {
	return &Rule{
		ID:          "builtin-critical-incident",
		Name:        "Critical Incident",
		Description: "Any critical incident notifies incident management immediately",
		Enabled:     true,
		Priority:    10,
		Tags:        []string{"severity"},
		Triggers: []TriggerBinding{
			{
				Trigger: incident.TriggerIncidentCreated,
				Conditions: []Condition{
					{Field: "severity", Operator: OpEquals, Value: "CRITICAL"},
				},
			},
			{
				Trigger: incident.TriggerSeverityUpgraded,
				Conditions: []Condition{
					{Field: "severity", Operator: OpEquals, Value: "CRITICAL"},
				},
			},
		},
		Policies: map[incident.Severity]SeverityPolicy{
			incident.SeverityCritical: {
				Roles:                  []string{"INCIDENT_MANAGER", "ON_CALL_ENGINEER"},
				Channels:               []directory.Channel{directory.ChannelEmail, directory.ChannelSMS},
				TimeToNotifyMinutes:    0,
				RequireAcknowledgment:  true,
				EscalateIfNoAckMinutes: 15,
				EscalateTo:             []string{"CISO"},
			},
		},
	}
}

// CustomerImpactRule fires when detected customer impact crosses the
// mass-impact threshold.
func CustomerImpactRule() *Rule {
	return &Rule{
		ID:          "builtin-customer-impact",
		Name:        "Mass Customer Impact",
		Description: "Large customer impact brings in support and communications",
		Enabled:     true,
		Priority:    20,
		Tags:        []string{"customers"},
		Triggers: []TriggerBinding{
			{
				Trigger: incident.TriggerCustomerImpact,
				Conditions: []Condition{
					{Field: "affectedCustomers", Operator: OpGreaterThan, Value: 1000},
				},
			},
		},
		Policies: map[incident.Severity]SeverityPolicy{
			incident.SeverityCritical: {
				Roles:                  []string{"SUPPORT_LEAD", "COMMS_TEAM"},
				Channels:               []directory.Channel{directory.ChannelEmail, directory.ChannelChat},
				TimeToNotifyMinutes:    0,
				RequireAcknowledgment:  true,
				EscalateIfNoAckMinutes: 30,
				EscalateTo:             []string{"INCIDENT_MANAGER"},
			},
			incident.SeverityHigh: {
				Roles:               []string{"SUPPORT_LEAD", "COMMS_TEAM"},
				Channels:            []directory.Channel{directory.ChannelEmail, directory.ChannelChat},
				TimeToNotifyMinutes: 0,
			},
			incident.SeverityMedium: {
				Roles:               []string{"SUPPORT_LEAD"},
				Channels:            []directory.Channel{directory.ChannelEmail},
				TimeToNotifyMinutes: 30,
			},
		},
	}
}
