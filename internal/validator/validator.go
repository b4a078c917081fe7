// Package validator provides static analysis of proposed actions: it
// sanitizes the payload, matches it against an ordered set of
// dangerous-command rules, and scans upstream conversation context for
// prompt-injection attempts.
//
// The validator is a pure function over the request: it returns a
// verdict and never executes, logs, or mutates anything. The sanitized
// payload it matched is returned in the verdict so the orchestrator can
// execute exactly the string that was checked.
package validator

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/haasonsaas/aegis/internal/action"
)

// DefaultMaxCommandLength bounds the payload size the validator will
// accept unless overridden with WithMaxCommandLength.
const DefaultMaxCommandLength = 10000

// MaxContextLength bounds the conversation context scanned for
// injection heuristics.
const MaxContextLength = 50000

// ErrValidation is returned for malformed input (empty payload where
// one is required). Pattern matches are verdicts, not errors.
var ErrValidation = errors.New("validation error")

// Outcome of a validation pass.
type Outcome string

const (
	OutcomePass    Outcome = "pass"
	OutcomeBlocked Outcome = "blocked"
)

// Verdict is the validator's decision on one request.
type Verdict struct {
	Outcome Outcome

	// Reason is a stable reason code (action.ReasonDangerousPattern,
	// action.ReasonInjectionSuspected) when blocked.
	Reason string

	// MatchedRules lists the IDs of every rule that matched, first
	// match first.
	MatchedRules []string

	// Detail is a human-readable explanation derived from the first
	// matched rule.
	Detail string

	// Sanitized is the cleaned payload that was matched. The
	// orchestrator must execute this string, not the raw payload, so
	// that the matched and executed strings are identical.
	Sanitized string
}

// Blocked reports whether the verdict refuses the request.
func (v *Verdict) Blocked() bool { return v.Outcome == OutcomeBlocked }

// Rule is one dangerous-pattern rule. Rules are evaluated in order and
// the first match blocks.
type Rule struct {
	ID      string
	Pattern *regexp.Regexp
	Detail  string
}

// defaultRules covers destructive filesystem operations, disk writes,
// fork bombs, pipe-to-shell fetches, and privilege escalation shapes.
var defaultRules = []Rule{
	{ID: "rm-recursive-root", Pattern: regexp.MustCompile(`(?i)rm\s+(-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r)\s+/(\s|$|\*)`), Detail: "recursive delete of a root path"},
	{ID: "rm-recursive", Pattern: regexp.MustCompile(`(?i)rm\s+(-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r)\b`), Detail: "recursive force delete"},
	{ID: "mkfs", Pattern: regexp.MustCompile(`(?i)\bmkfs(\.\w+)?\b`), Detail: "filesystem format utility"},
	{ID: "dd-raw-write", Pattern: regexp.MustCompile(`(?i)\bdd\s+if=`), Detail: "raw disk copy"},
	{ID: "fork-bomb", Pattern: regexp.MustCompile(`:\(\)\s*\{.*\|.*&.*\}`), Detail: "fork bomb"},
	{ID: "device-write", Pattern: regexp.MustCompile(`>\s*/dev/(sd[a-z]|nvme\d+n\d+|hd[a-z])`), Detail: "write to raw block device"},
	{ID: "pipe-to-shell", Pattern: regexp.MustCompile(`(?i)\b(curl|wget)\b[^|]*\|\s*(ba)?sh\b`), Detail: "download piped to shell"},
	{ID: "netcat-exec", Pattern: regexp.MustCompile(`(?i)\bnc\s+(-\S*\s+)*-e\b`), Detail: "netcat with command execution"},
	{ID: "chmod-world", Pattern: regexp.MustCompile(`(?i)\bchmod\s+(-\S+\s+)*777\b`), Detail: "world-writable permission change"},
	{ID: "chown-root", Pattern: regexp.MustCompile(`(?i)\bchown\s+(-\S+\s+)*root\b`), Detail: "ownership change to root"},
	{ID: "shutdown", Pattern: regexp.MustCompile(`(?i)\b(shutdown|reboot|halt|poweroff)\b`), Detail: "host power control"},
	{ID: "history-wipe", Pattern: regexp.MustCompile(`(?i)\bhistory\s+-c\b|>\s*~?/?\.bash_history`), Detail: "shell history tampering"},
	{ID: "cred-exfil", Pattern: regexp.MustCompile(`(?i)\b(cat|cp|scp|curl\s+-T)\b\S*\s+\S*(\.ssh/id_|\.aws/credentials|\.netrc)`), Detail: "credential file exfiltration shape"},
}

// injectionRules detect instructions embedded in tool output or file
// content that attempt to override system directives.
var injectionRules = []Rule{
	{ID: "inj-ignore-previous", Pattern: regexp.MustCompile(`(?i)ignore\s+(previous|all|above)\s+(instructions|prompts|rules)`), Detail: "instruction override phrase"},
	{ID: "inj-disregard", Pattern: regexp.MustCompile(`(?i)disregard\s+(your|the)\s+(instructions|programming|guidelines)`), Detail: "instruction override phrase"},
	{ID: "inj-new-role", Pattern: regexp.MustCompile(`(?i)you\s+are\s+now\s+a\s+different|new\s+(instructions|role|personality)`), Detail: "role reassignment phrase"},
	{ID: "inj-fake-turn", Pattern: regexp.MustCompile(`(?im)^\s*(system|assistant)\s*:`), Detail: "fake conversation turn marker"},
	{ID: "inj-authority-tag", Pattern: regexp.MustCompile(`(?i)\[(SYSTEM|ADMIN)\]`), Detail: "authority tag"},
	{ID: "inj-disable-safety", Pattern: regexp.MustCompile(`(?i)(disable|bypass|turn\s+off)\s+(the\s+)?(safety|security|sandbox|validation)`), Detail: "safety disablement phrase"},
	{ID: "inj-reveal-prompt", Pattern: regexp.MustCompile(`(?i)reveal\s+(your|the)\s+(system|prompt|instructions)`), Detail: "prompt extraction phrase"},
	{ID: "inj-fenced-directive", Pattern: regexp.MustCompile("(?i)```(system|instructions|ignore)"), Detail: "suspicious fenced directive block"},
	{ID: "inj-html-override", Pattern: regexp.MustCompile(`(?i)<!--\s*(OVERRIDE|SYSTEM)\s*-->`), Detail: "hidden markup directive"},
}

var (
	ansiEscapes    = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)
	controlChars   = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]`)
	repeatedSpaces = regexp.MustCompile(`[ \t]+`)
)

// Validator matches requests against its rule sets. The zero value is
// not usable; construct with New.
type Validator struct {
	rules      []Rule
	injection  []Rule
	maxPayload int
}

// Option configures a Validator at construction time.
type Option func(*Validator)

// WithRules appends extra dangerous-pattern rules, evaluated after the
// defaults.
func WithRules(extra ...Rule) Option {
	return func(v *Validator) { v.rules = append(v.rules, extra...) }
}

// WithMaxCommandLength overrides the payload size cap. Non-positive
// values keep the default.
func WithMaxCommandLength(n int) Option {
	return func(v *Validator) {
		if n > 0 {
			v.maxPayload = n
		}
	}
}

// New returns a Validator carrying the default dangerous-pattern and
// injection rule sets.
func New(opts ...Option) *Validator {
	v := &Validator{
		rules:      append([]Rule(nil), defaultRules...),
		injection:  injectionRules,
		maxPayload: DefaultMaxCommandLength,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Sanitize strips NUL bytes, ANSI escape sequences, and control
// characters, and collapses runs of spaces and tabs. Newlines are
// preserved; multi-line payloads are matched line by line.
func Sanitize(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	s = ansiEscapes.ReplaceAllString(s, "")
	s = controlChars.ReplaceAllString(s, "")
	s = repeatedSpaces.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Validate inspects one request. It returns ErrValidation only for
// malformed input; a dangerous-pattern or injection match is a blocked
// verdict, not an error.
func (v *Validator) Validate(req *action.Request) (*Verdict, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", ErrValidation)
	}

	payload := req.Locator()
	if strings.TrimSpace(payload) == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrValidation)
	}
	if len(payload) > v.maxPayload {
		return nil, fmt.Errorf("%w: payload exceeds %d bytes", ErrValidation, v.maxPayload)
	}

	sanitized := Sanitize(payload)
	if sanitized == "" {
		return nil, fmt.Errorf("%w: payload empty after sanitization", ErrValidation)
	}

	// Injection scan runs first: a poisoned context taints the request
	// regardless of how innocuous the command looks.
	if req.Context != "" {
		if verdict := v.scanContext(req.Context, sanitized); verdict != nil {
			return verdict, nil
		}
	}

	// Dangerous patterns only apply to payloads that will reach a
	// shell or filesystem.
	switch req.Kind {
	case action.KindShell, action.KindFileWrite:
		for _, rule := range v.rules {
			if rule.Pattern.MatchString(sanitized) {
				return &Verdict{
					Outcome:      OutcomeBlocked,
					Reason:       action.ReasonDangerousPattern,
					MatchedRules: v.allMatches(sanitized),
					Detail:       rule.Detail,
					Sanitized:    sanitized,
				}, nil
			}
		}
	case action.KindFileRead, action.KindNetwork:
		// Read and network targets carry no executable payload; the
		// permission engine decides their fate.
	}

	return &Verdict{Outcome: OutcomePass, Sanitized: sanitized}, nil
}

// scanContext applies injection heuristics to upstream conversation
// context. A positive match blocks the request with
// INJECTION_SUSPECTED even though no command would have run.
func (v *Validator) scanContext(context, sanitized string) *Verdict {
	if len(context) > MaxContextLength {
		return &Verdict{
			Outcome:      OutcomeBlocked,
			Reason:       action.ReasonInjectionSuspected,
			MatchedRules: []string{"inj-oversized-context"},
			Detail:       "context exceeds maximum scannable length",
			Sanitized:    sanitized,
		}
	}

	for _, rule := range v.injection {
		if rule.Pattern.MatchString(context) {
			return &Verdict{
				Outcome:      OutcomeBlocked,
				Reason:       action.ReasonInjectionSuspected,
				MatchedRules: []string{rule.ID},
				Detail:       rule.Detail,
				Sanitized:    sanitized,
			}
		}
	}

	if suspiciousRepetition(context) {
		return &Verdict{
			Outcome:      OutcomeBlocked,
			Reason:       action.ReasonInjectionSuspected,
			MatchedRules: []string{"inj-repetition"},
			Detail:       "abnormal token repetition in context",
			Sanitized:    sanitized,
		}
	}

	return nil
}

// allMatches returns the IDs of every dangerous rule matching the
// payload, preserving rule order.
func (v *Validator) allMatches(sanitized string) []string {
	var ids []string
	for _, rule := range v.rules {
		if rule.Pattern.MatchString(sanitized) {
			ids = append(ids, rule.ID)
		}
	}
	return ids
}

// suspiciousRepetition flags context where a single token accounts for
// more than 30% of all tokens, a crude overflow-attempt heuristic.
func suspiciousRepetition(s string) bool {
	words := strings.Fields(s)
	if len(words) <= 10 {
		return false
	}
	freq := make(map[string]int, len(words))
	peak := 0
	for _, w := range words {
		freq[w]++
		if freq[w] > peak {
			peak = freq[w]
		}
	}
	return peak*10 > len(words)*3
}
