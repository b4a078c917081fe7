// Package redact scrubs secrets from sandbox output before anything
// downstream sees it. Filtering always runs before truncation so a
// secret can never survive by straddling the cap boundary.
package redact

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Pattern pairs a secret-shaped regex with the label that appears in
// the redaction placeholder.
type Pattern struct {
	Label string
	re    *regexp.Regexp
}

// defaultPatterns covers the common provider key shapes. Order
// matters: the most specific shapes run first so a provider key is
// labelled as such rather than as generic base64.
var defaultPatterns = []Pattern{
	{Label: "anthropic-key", re: regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{20,}`)},
	{Label: "openai-key", re: regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`)},
	{Label: "github-token", re: regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36,}`)},
	{Label: "google-key", re: regexp.MustCompile(`AIza[0-9A-Za-z_-]{35}`)},
	{Label: "slack-token", re: regexp.MustCompile(`xox[baprs]-[0-9]{10,13}-[0-9]{10,13}-[A-Za-z0-9-]{24,}`)},
	{Label: "aws-access-key", re: regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{Label: "jwt", re: regexp.MustCompile(`eyJ[A-Za-z0-9_-]{8,}\.eyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]+`)},
	{Label: "private-key", re: regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----(?s:.*?)(?:-----END [A-Z ]*PRIVATE KEY-----|\z)`)},
	{Label: "assignment", re: regexp.MustCompile(`(?i)(api[_-]?key|secret|password|passwd|token)(["']?\s*[:=]\s*)["']?[^\s"']{8,}["']?`)},
	{Label: "hex-secret", re: regexp.MustCompile(`\b[a-fA-F0-9]{40,}\b`)},
	{Label: "base64-secret", re: regexp.MustCompile(`\b[A-Za-z0-9+/]{48,}={0,2}\b`)},
}

// Filter scrubs pattern matches and registered credential values from
// text. Registered values are exact strings held only in memory; they
// are checked before the pattern set so a known credential gets its
// own label even when a generic pattern would also hit it.
type Filter struct {
	mu       sync.RWMutex
	patterns []Pattern
	values   map[string]string // plaintext -> label
}

// NewFilter builds a filter with the default pattern set plus any
// extra patterns.
func NewFilter(extra ...Pattern) *Filter {
	patterns := make([]Pattern, 0, len(defaultPatterns)+len(extra))
	patterns = append(patterns, defaultPatterns...)
	patterns = append(patterns, extra...)
	return &Filter{
		patterns: patterns,
		values:   make(map[string]string),
	}
}

// CompilePattern builds a labelled pattern for NewFilter.
func CompilePattern(label, expr string) (Pattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return Pattern{}, fmt.Errorf("redact pattern %q: %w", label, err)
	}
	return Pattern{Label: label, re: re}, nil
}

// RegisterValue adds an exact plaintext to scrub wherever it appears.
// Short values are refused: redacting them would riddle ordinary
// output with placeholders.
func (f *Filter) RegisterValue(label, plaintext string) {
	if len(plaintext) < 6 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[plaintext] = label
}

// UnregisterValue removes a previously registered plaintext.
func (f *Filter) UnregisterValue(plaintext string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.values, plaintext)
}

// Apply scrubs text and returns it with the number of redactions
// performed.
func (f *Filter) Apply(text string) (string, int) {
	f.mu.RLock()
	values := make(map[string]string, len(f.values))
	for v, label := range f.values {
		values[v] = label
	}
	patterns := f.patterns
	f.mu.RUnlock()

	count := 0
	for plaintext, label := range values {
		n := strings.Count(text, plaintext)
		if n == 0 {
			continue
		}
		text = strings.ReplaceAll(text, plaintext, placeholder(label))
		count += n
	}

	for _, p := range patterns {
		text = p.re.ReplaceAllStringFunc(text, func(string) string {
			count++
			return placeholder(p.Label)
		})
	}
	return text, count
}

// ApplyAndTruncate scrubs text, then caps it at maxBytes. The order
// is deliberate: truncating first could split a secret across the
// boundary and leak the surviving half.
func (f *Filter) ApplyAndTruncate(text string, maxBytes int) (out string, redactions int, truncated bool) {
	out, redactions = f.Apply(text)
	if maxBytes > 0 && len(out) > maxBytes {
		out = out[:maxBytes]
		truncated = true
	}
	return out, redactions, truncated
}

func placeholder(label string) string {
	return "[REDACTED:" + label + "]"
}
