package rules

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"regcomms/internal/incident"
)

// Catalog holds the active escalation rules: builtin defaults plus
// operator-authored YAML rules. Reads are lock-free snapshots; mutation
// happens only through Reload.
type Catalog struct {
	mu      sync.RWMutex
	dir     string
	rules   []*Rule
	builtin []*Rule
}

// NewCatalog creates a catalog seeded with the builtin rules. dir is the
// optional directory of operator YAML rule files ("" = builtins only).
func NewCatalog(dir string) *Catalog {
	return &Catalog{
		dir:     dir,
		builtin: BuiltinRules(),
	}
}

// Load reads the operator rule directory and replaces the active rule
// set. Operator rules with the same ID as a builtin override it.
func (c *Catalog) Load() error {
	loaded, err := c.loadDir()
	if err != nil {
		return err
	}

	byID := make(map[string]*Rule)
	var merged []*Rule
	for _, r := range c.builtin {
		byID[r.ID] = r
		merged = append(merged, r)
	}
	for _, r := range loaded {
		if prev, ok := byID[r.ID]; ok {
			for i := range merged {
				if merged[i] == prev {
					merged[i] = r
					break
				}
			}
			slog.Info("builtin rule overridden", "rule_id", r.ID)
			byID[r.ID] = r
			continue
		}
		byID[r.ID] = r
		merged = append(merged, r)
	}

	// Ascending by priority; ties keep catalog order.
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Priority < merged[j].Priority
	})

	c.mu.Lock()
	c.rules = merged
	c.mu.Unlock()

	slog.Info("rule catalog loaded", "total", len(merged), "operator", len(loaded))
	return nil
}

// Reload re-reads the operator rule directory.
func (c *Catalog) Reload() error {
	return c.Load()
}

func (c *Catalog) loadDir() ([]*Rule, error) {
	if c.dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("rule directory does not exist, using builtins only", "dir", c.dir)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read rule directory: %w", err)
	}

	var loaded []*Rule
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read rule file %s: %w", name, err)
		}
		parsed, err := ParseRules(data)
		if err != nil {
			return nil, fmt.Errorf("rule file %s: %w", name, err)
		}
		loaded = append(loaded, parsed...)
	}
	return loaded, nil
}

// Rules returns the active rule set in priority order.
func (c *Catalog) Rules() []*Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Rule, len(c.rules))
	copy(out, c.rules)
	return out
}

// Get returns a rule by id.
func (c *Catalog) Get(id string) (*Rule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.rules {
		if r.ID == id {
			return r, true
		}
	}
	return nil, false
}

// Match returns the enabled rules matching the incident for the firing
// trigger, ascending by priority with catalog order breaking ties. A
// rule matches when at least one of its trigger bindings names the
// firing trigger and every condition on that binding holds. An empty
// result is a normal outcome, not an error.
func (c *Catalog) Match(snap *incident.Snapshot, trigger incident.Trigger) []*Rule {
	var matched []*Rule
	for _, rule := range c.Rules() {
		if !rule.Enabled {
			continue
		}
		if ruleMatches(rule, snap, trigger) {
			matched = append(matched, rule)
		}
	}
	return matched
}

func ruleMatches(rule *Rule, snap *incident.Snapshot, trigger incident.Trigger) bool {
	for _, tb := range rule.Triggers {
		if tb.Trigger != trigger {
			continue
		}
		all := true
		for i := range tb.Conditions {
			if !tb.Conditions[i].Matches(snap) {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}
