package permission

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/google/uuid"
)

// Decision is the engine's answer for one evaluation: the action to
// take and the rule that produced it (nil when the default applied).
type Decision struct {
	Action Action
	Rule   *Rule
}

// Detail returns a human-readable justification for refusal messages.
func (d Decision) Detail() string {
	if d.Rule == nil {
		return fmt.Sprintf("no rule matched; default action %q applied", d.Action)
	}
	if d.Rule.Description != "" {
		return d.Rule.Description
	}
	return fmt.Sprintf("matched rule %q (%s %s)", d.Rule.ID, d.Rule.Action, d.Rule.Pattern)
}

// RuleID returns the matched rule's ID, or "" when the default applied.
func (d Decision) RuleID() string {
	if d.Rule == nil {
		return ""
	}
	return d.Rule.ID
}

// Engine evaluates ordered permission rules with first-match-wins
// semantics. It is safe for concurrent use: evaluations take a read
// lock and never block each other; mutations take the write lock
// briefly and affect only subsequent evaluations.
type Engine struct {
	mu            sync.RWMutex
	rules         []*Rule
	defaultAction Action
}

// NewEngine creates an engine with the given default action applied
// when no rule matches. An empty default means Ask.
func NewEngine(defaultAction Action) *Engine {
	if !defaultAction.Valid() {
		defaultAction = Ask
	}
	return &Engine{defaultAction: defaultAction}
}

// Evaluate walks the rules in configured order and returns the first
// match's decision, or the default when nothing matches. It is
// deterministic: the same rule list and locator always yield the same
// decision. The actor is recorded by the caller in the audit entry;
// rules themselves are actor-agnostic.
func (e *Engine) Evaluate(actor string, resource ResourceType, locator string) Decision {
	_ = actor

	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, rule := range e.rules {
		if rule.Resource != resource {
			continue
		}
		if rule.Matches(locator) {
			return Decision{Action: rule.Action, Rule: rule}
		}
	}
	return Decision{Action: e.defaultAction}
}

// AddRule compiles and appends a rule. The mutation takes effect on
// the next evaluation, never retroactively on one in flight.
func (e *Engine) AddRule(rule Rule) (*Rule, error) {
	if rule.ID == "" {
		rule.ID = "rule-" + uuid.NewString()[:8]
	}
	if err := rule.compile(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, &rule)
	return &rule, nil
}

// RemoveRule deletes the rule with the given ID. It reports whether a
// rule was removed.
func (e *Engine) RemoveRule(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, rule := range e.rules {
		if rule.ID == id {
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
			return true
		}
	}
	return false
}

// AllowCommand appends a rule that always allows the literal command.
func (e *Engine) AllowCommand(command string) (*Rule, error) {
	return e.AddRule(Rule{
		Resource:    ResourceShell,
		Pattern:     "re:^" + regexp.QuoteMeta(command) + "$",
		Action:      Allow,
		Description: fmt.Sprintf("auto-allowed: %s", command),
	})
}

// DenyCommand appends a rule that always denies the literal command.
func (e *Engine) DenyCommand(command string) (*Rule, error) {
	return e.AddRule(Rule{
		Resource:    ResourceShell,
		Pattern:     "re:^" + regexp.QuoteMeta(command) + "$",
		Action:      Deny,
		Description: fmt.Sprintf("auto-denied: %s", command),
	})
}

// Replace swaps the entire rule list atomically, compiling every rule
// first so a bad reload cannot leave the engine half-updated.
func (e *Engine) Replace(rules []Rule) error {
	compiled := make([]*Rule, 0, len(rules))
	for i := range rules {
		rule := rules[i]
		if rule.ID == "" {
			rule.ID = fmt.Sprintf("rule-%d", i)
		}
		if err := rule.compile(); err != nil {
			return err
		}
		compiled = append(compiled, &rule)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = compiled
	return nil
}

// Rules returns a snapshot of the rules in evaluation order for the
// operational dump surface.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Rule, len(e.rules))
	for i, rule := range e.rules {
		out[i] = *rule
	}
	return out
}

// DefaultAction returns the action applied when no rule matches.
func (e *Engine) DefaultAction() Action {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.defaultAction
}

// SetDefaultAction changes the fallthrough action. Invalid actions
// are ignored, preserving the previous default.
func (e *Engine) SetDefaultAction(a Action) {
	if !a.Valid() {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defaultAction = a
}
