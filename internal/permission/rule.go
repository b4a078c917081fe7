// Package permission implements the rule-based policy engine mapping
// (actor, resource, operation) to an allow, deny, or ask decision.
//
// Rules form an ordered list and the first matching rule wins. Matching
// is case-insensitive for shell commands (command names are
// conventionally lowercase and users should not have to enumerate
// casings) and case-sensitive for file paths (Unix paths are
// case-sensitive and a rule for /tmp must not cover /TMP). This
// asymmetry is deliberate and load-bearing; keep it.
package permission

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/haasonsaas/aegis/internal/action"
)

// ResourceType classifies what a rule governs.
type ResourceType string

const (
	ResourceShell     ResourceType = "shell_exec"
	ResourceFileRead  ResourceType = "file_read"
	ResourceFileWrite ResourceType = "file_write"
	ResourceNetwork   ResourceType = "network"
)

// Valid reports whether t is a known resource type.
func (t ResourceType) Valid() bool {
	switch t {
	case ResourceShell, ResourceFileRead, ResourceFileWrite, ResourceNetwork:
		return true
	default:
		return false
	}
}

// ResourceForKind maps an action kind to the resource type its rules
// are keyed under.
func ResourceForKind(k action.Kind) ResourceType {
	switch k {
	case action.KindShell:
		return ResourceShell
	case action.KindFileRead:
		return ResourceFileRead
	case action.KindFileWrite:
		return ResourceFileWrite
	case action.KindNetwork:
		return ResourceNetwork
	default:
		return ResourceShell
	}
}

// Action is a rule's decision.
type Action string

const (
	Allow Action = "allow"
	Deny  Action = "deny"
	Ask   Action = "ask"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	return a == Allow || a == Deny || a == Ask
}

// Rule is one policy rule: a matcher over the resource's string form
// plus the action to take when it matches.
type Rule struct {
	// ID names the rule for audit entries and removal. Generated when
	// empty.
	ID string `json:"id,omitempty" yaml:"id,omitempty"`

	// Resource selects which requests the rule applies to.
	Resource ResourceType `json:"resource" yaml:"resource"`

	// Pattern is a glob over the resource string ("*" and "?" match
	// anything including separators), or a regular expression when
	// prefixed with "re:".
	Pattern string `json:"pattern" yaml:"pattern"`

	// Action is the decision when the pattern matches.
	Action Action `json:"action" yaml:"action"`

	// Description is surfaced in refusal messages and approval
	// prompts.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// GrantsWrite marks an allow/ask rule for file or shell resources
	// as authorizing write access to the matched path inside the
	// sandbox. Without it, sandbox mounts stay read-only.
	GrantsWrite bool `json:"grants_write,omitempty" yaml:"grants_write,omitempty"`

	matcher *regexp.Regexp
}

// compile builds the rule's matcher. Command-resource rules are
// compiled case-insensitively; everything else is case-sensitive.
func (r *Rule) compile() error {
	if !r.Resource.Valid() {
		return fmt.Errorf("rule %q: unknown resource %q", r.ID, r.Resource)
	}
	if !r.Action.Valid() {
		return fmt.Errorf("rule %q: unknown action %q", r.ID, r.Action)
	}
	if strings.TrimSpace(r.Pattern) == "" {
		return fmt.Errorf("rule %q: empty pattern", r.ID)
	}

	expr := r.Pattern
	if rest, ok := strings.CutPrefix(expr, "re:"); ok {
		expr = rest
	} else {
		expr = globToRegexp(expr)
	}

	if r.Resource == ResourceShell {
		expr = "(?i)" + expr
	}

	matcher, err := regexp.Compile(expr)
	if err != nil {
		return fmt.Errorf("rule %q: invalid pattern: %w", r.ID, err)
	}
	r.matcher = matcher
	return nil
}

// Matches reports whether the rule's pattern matches the locator.
func (r *Rule) Matches(locator string) bool {
	if r.matcher == nil {
		return false
	}
	return r.matcher.MatchString(locator)
}

// globToRegexp converts a glob pattern to an anchored regular
// expression. "*" matches any run of characters including path
// separators; "?" matches one character.
func globToRegexp(glob string) string {
	var b strings.Builder
	b.WriteString("^")
	for _, c := range glob {
		switch c {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")
	return b.String()
}
