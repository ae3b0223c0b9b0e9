// Package rules provides the escalation rule catalog: rule definitions,
// condition evaluation, and matching of incidents against the catalog.
package rules

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"regcomms/internal/directory"
	"regcomms/internal/incident"
)

// Operator names a comparison applied by a rule condition.
type Operator string

const (
	OpEquals      Operator = "EQUALS"
	OpNotEquals   Operator = "NOT_EQUALS"
	OpGreaterThan Operator = "GREATER_THAN"
	OpLessThan    Operator = "LESS_THAN"
	OpContains    Operator = "CONTAINS"
	OpIn          Operator = "IN"
)

// Condition is one field comparison against the incident snapshot.
// Conditions within a trigger binding are ANDed.
type Condition struct {
	Field    string   `yaml:"field" json:"field"`
	Operator Operator `yaml:"operator" json:"operator"`
	Value    any      `yaml:"value,omitempty" json:"value,omitempty"`
	Values   []string `yaml:"values,omitempty" json:"values,omitempty"` // For the IN operator
}

// TriggerBinding pairs a trigger with the conditions that must all hold
// for the rule to fire on that trigger. Bindings on a rule are ORed.
type TriggerBinding struct {
	Trigger    incident.Trigger `yaml:"trigger" json:"trigger"`
	Conditions []Condition      `yaml:"conditions,omitempty" json:"conditions,omitempty"`
}

// SeverityPolicy is the per-severity slice of a rule: whom to notify,
// through which channels, and how the path escalates without an ack.
type SeverityPolicy struct {
	Roles                  []string            `yaml:"roles" json:"roles"`
	Channels               []directory.Channel `yaml:"channels" json:"channels"`
	TimeToNotifyMinutes    int                 `yaml:"time_to_notify_minutes" json:"time_to_notify_minutes"`
	RequireAcknowledgment  bool                `yaml:"require_acknowledgment" json:"require_acknowledgment"`
	EscalateIfNoAckMinutes int                 `yaml:"escalate_if_no_ack_minutes" json:"escalate_if_no_ack_minutes"`
	EscalateTo             []string            `yaml:"escalate_to,omitempty" json:"escalate_to,omitempty"`
}

// RegulatoryRequirement is a statutory notification deadline attached to
// a rule, independent of the escalation levels.
type RegulatoryRequirement struct {
	Regulation    string   `yaml:"regulation" json:"regulation"`
	Article       string   `yaml:"article" json:"article"`
	DeadlineHours int      `yaml:"deadline_hours" json:"deadline_hours"`
	Recipients    []string `yaml:"recipients" json:"recipients"` // Mandatory recipient roles
}

// Rule binds triggers and conditions to per-severity notification policy
// and optional regulatory deadlines. Lower priority is evaluated first;
// the first match wins.
type Rule struct {
	ID           string                                      `yaml:"id" json:"id"`
	Name         string                                      `yaml:"name" json:"name"`
	Description  string                                      `yaml:"description,omitempty" json:"description,omitempty"`
	Enabled      bool                                        `yaml:"enabled" json:"enabled"`
	Priority     int                                         `yaml:"priority" json:"priority"`
	Triggers     []TriggerBinding                            `yaml:"triggers" json:"triggers"`
	Policies     map[incident.Severity]SeverityPolicy        `yaml:"policies" json:"policies"`
	Requirements []RegulatoryRequirement                     `yaml:"requirements,omitempty" json:"requirements,omitempty"`
	Tags         []string                                    `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// PolicyFor returns the severity policy applying to the given incident
// severity. Exactly one policy may apply per rule; a missing policy is a
// configuration gap, not an error.
func (r *Rule) PolicyFor(sev incident.Severity) (SeverityPolicy, bool) {
	p, ok := r.Policies[sev]
	return p, ok
}

// Validate validates the rule definition.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule ID is required")
	}
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if len(r.Triggers) == 0 {
		return fmt.Errorf("rule requires at least one trigger")
	}
	if len(r.Policies) == 0 {
		return fmt.Errorf("rule requires at least one severity policy")
	}

	for i, tb := range r.Triggers {
		if tb.Trigger == "" {
			return fmt.Errorf("trigger %d: trigger is required", i)
		}
		for j, cond := range tb.Conditions {
			if err := cond.Validate(); err != nil {
				return fmt.Errorf("trigger %d condition %d: %w", i, j, err)
			}
		}
	}

	for sev, policy := range r.Policies {
		if !sev.IsValid() {
			return fmt.Errorf("unknown severity %q", sev)
		}
		if len(policy.Roles) == 0 {
			return fmt.Errorf("severity %s: at least one role is required", sev)
		}
		if len(policy.Channels) == 0 {
			return fmt.Errorf("severity %s: at least one channel is required", sev)
		}
		for _, ch := range policy.Channels {
			if !ch.IsValid() {
				return fmt.Errorf("severity %s: unknown channel %q", sev, ch)
			}
		}
		if policy.TimeToNotifyMinutes < 0 {
			return fmt.Errorf("severity %s: time_to_notify_minutes must not be negative", sev)
		}
		if policy.EscalateIfNoAckMinutes < 0 {
			return fmt.Errorf("severity %s: escalate_if_no_ack_minutes must not be negative", sev)
		}
		if policy.EscalateIfNoAckMinutes > 0 && len(policy.EscalateTo) == 0 {
			return fmt.Errorf("severity %s: escalate_to required when escalate_if_no_ack_minutes is set", sev)
		}
	}

	for i, req := range r.Requirements {
		if req.Regulation == "" {
			return fmt.Errorf("requirement %d: regulation is required", i)
		}
		if req.DeadlineHours <= 0 {
			return fmt.Errorf("requirement %d: deadline_hours must be positive", i)
		}
		if len(req.Recipients) == 0 {
			return fmt.Errorf("requirement %d: at least one recipient role is required", i)
		}
	}

	return nil
}

// Validate validates a condition.
func (c *Condition) Validate() error {
	if c.Field == "" {
		return fmt.Errorf("field is required")
	}
	switch c.Operator {
	case OpEquals, OpNotEquals, OpGreaterThan, OpLessThan, OpContains:
		if c.Value == nil {
			return fmt.Errorf("value required for %s operator", c.Operator)
		}
	case OpIn:
		if len(c.Values) == 0 {
			return fmt.Errorf("values required for IN operator")
		}
	default:
		return fmt.Errorf("unknown operator: %s", c.Operator)
	}
	return nil
}

// ParseRules parses one or more rules from YAML bytes.
func ParseRules(data []byte) ([]*Rule, error) {
	var rules []*Rule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		// Try single rule format
		var rule Rule
		if singleErr := yaml.Unmarshal(data, &rule); singleErr != nil {
			return nil, fmt.Errorf("failed to parse rules: %w", err)
		}
		rules = []*Rule{&rule}
	}

	for i, rule := range rules {
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return rules, nil
}
