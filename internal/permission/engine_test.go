package permission

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEvaluateFirstMatchWins(t *testing.T) {
	engine := NewEngine(Ask)
	if err := engine.Replace([]Rule{
		{ID: "deny-etc", Resource: ResourceFileWrite, Pattern: "/etc/*", Action: Deny},
		{ID: "allow-etc-motd", Resource: ResourceFileWrite, Pattern: "/etc/motd", Action: Allow},
	}); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	d := engine.Evaluate("agent", ResourceFileWrite, "/etc/motd")
	if d.Action != Deny {
		t.Fatalf("expected first matching rule to win, got %s", d.Action)
	}
	if d.RuleID() != "deny-etc" {
		t.Fatalf("expected deny-etc, got %s", d.RuleID())
	}
}

func TestEvaluateDefaultAction(t *testing.T) {
	engine := NewEngine(Ask)
	d := engine.Evaluate("agent", ResourceShell, "ls -la")
	if d.Action != Ask {
		t.Fatalf("expected default ask, got %s", d.Action)
	}
	if d.Rule != nil {
		t.Fatalf("default decision should carry no rule")
	}

	engine.SetDefaultAction(Deny)
	if d := engine.Evaluate("agent", ResourceShell, "ls -la"); d.Action != Deny {
		t.Fatalf("expected default deny after change, got %s", d.Action)
	}
}

func TestEvaluateCommandCaseInsensitive(t *testing.T) {
	engine := NewEngine(Deny)
	if _, err := engine.AllowCommand("git status"); err != nil {
		t.Fatalf("AllowCommand: %v", err)
	}

	for _, cmd := range []string{"git status", "GIT STATUS", "Git Status"} {
		if d := engine.Evaluate("agent", ResourceShell, cmd); d.Action != Allow {
			t.Fatalf("expected allow for %q, got %s", cmd, d.Action)
		}
	}
}

func TestEvaluatePathCaseSensitive(t *testing.T) {
	engine := NewEngine(Ask)
	if err := engine.Replace([]Rule{
		{Resource: ResourceFileRead, Pattern: "/home/agent/*", Action: Allow},
	}); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	if d := engine.Evaluate("agent", ResourceFileRead, "/home/agent/notes.txt"); d.Action != Allow {
		t.Fatalf("expected allow for exact-case path, got %s", d.Action)
	}
	if d := engine.Evaluate("agent", ResourceFileRead, "/Home/Agent/notes.txt"); d.Action != Ask {
		t.Fatalf("path matching must be case sensitive, got %s", d.Action)
	}
}

func TestEvaluateResourceScoping(t *testing.T) {
	engine := NewEngine(Ask)
	if err := engine.Replace([]Rule{
		{Resource: ResourceFileRead, Pattern: "/data/*", Action: Allow},
	}); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	if d := engine.Evaluate("agent", ResourceFileWrite, "/data/out.txt"); d.Action != Ask {
		t.Fatalf("rule for file_read must not match file_write, got %s", d.Action)
	}
}

func TestGlobPatterns(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		locator string
		match   bool
	}{
		{"star crosses separators", "/var/log/*", "/var/log/nginx/access.log", true},
		{"question mark single char", "/tmp/file?.txt", "/tmp/file1.txt", true},
		{"question mark not multi", "/tmp/file?.txt", "/tmp/file10.txt", false},
		{"anchored start", "/etc/*", "/home/etc/passwd", false},
		{"anchored end", "/etc/passwd", "/etc/passwd.bak", false},
		{"regex prefix", "re:^curl\\s", "curl https://example.com", true},
		{"regex prefix no match", "re:^curl\\s", "wget https://example.com", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rule := Rule{Resource: ResourceFileRead, Pattern: tc.pattern, Action: Allow}
			if tc.name == "regex prefix" || tc.name == "regex prefix no match" {
				rule.Resource = ResourceShell
			}
			if err := rule.compile(); err != nil {
				t.Fatalf("compile: %v", err)
			}
			if got := rule.Matches(tc.locator); got != tc.match {
				t.Fatalf("Matches(%q) = %v, want %v", tc.locator, got, tc.match)
			}
		})
	}
}

func TestReplaceRejectsBadRuleAtomically(t *testing.T) {
	engine := NewEngine(Ask)
	if err := engine.Replace([]Rule{
		{ID: "keep", Resource: ResourceShell, Pattern: "ls", Action: Allow},
	}); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	err := engine.Replace([]Rule{
		{Resource: ResourceShell, Pattern: "re:[unclosed", Action: Allow},
	})
	if err == nil {
		t.Fatal("expected compile error for bad regex")
	}
	if got := engine.Rules(); len(got) != 1 || got[0].ID != "keep" {
		t.Fatalf("failed replace must leave previous rules intact, got %+v", got)
	}
}

func TestAddRemoveRule(t *testing.T) {
	engine := NewEngine(Ask)
	rule, err := engine.AddRule(Rule{Resource: ResourceShell, Pattern: "ls *", Action: Allow})
	if err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	if rule.ID == "" {
		t.Fatal("AddRule must assign an ID")
	}

	if d := engine.Evaluate("agent", ResourceShell, "ls -la"); d.Action != Allow {
		t.Fatalf("expected allow, got %s", d.Action)
	}
	if !engine.RemoveRule(rule.ID) {
		t.Fatal("RemoveRule returned false for existing rule")
	}
	if d := engine.Evaluate("agent", ResourceShell, "ls -la"); d.Action != Ask {
		t.Fatalf("expected default after removal, got %s", d.Action)
	}
	if engine.RemoveRule(rule.ID) {
		t.Fatal("RemoveRule returned true for missing rule")
	}
}

func TestParseRulesFile(t *testing.T) {
	data := []byte(`version: 1
default: deny
rules:
  - id: allow-ls
    resource: shell_exec
    pattern: "ls *"
    action: allow
  - resource: file_write
    pattern: "/workspace/*"
    action: allow
    grants_write: true
`)
	file, err := ParseRulesFile(data)
	if err != nil {
		t.Fatalf("ParseRulesFile: %v", err)
	}
	if file.Default != Deny {
		t.Fatalf("default = %s, want deny", file.Default)
	}
	if len(file.Rules) != 2 {
		t.Fatalf("rules = %d, want 2", len(file.Rules))
	}
	if !file.Rules[1].GrantsWrite {
		t.Fatal("grants_write not decoded")
	}

	engine, err := file.Engine()
	if err != nil {
		t.Fatalf("Engine: %v", err)
	}
	if d := engine.Evaluate("agent", ResourceShell, "LS -la"); d.Action != Allow {
		t.Fatalf("expected allow, got %s", d.Action)
	}
}

func TestParseRulesFileRejectsBadDocument(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"rules not a list", "version: 1\nrules: nope\n"},
		{"unknown action", "version: 1\nrules:\n  - resource: shell_exec\n    pattern: ls\n    action: maybe\n"},
		{"not yaml", "{{{{"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			file, err := ParseRulesFile([]byte(tc.data))
			if err != nil {
				return
			}
			// Schema-level validity is not enough; compilation must
			// still reject semantically invalid rules.
			if _, err := file.Engine(); err == nil {
				t.Fatalf("expected rejection for %q", tc.data)
			}
		})
	}
}

func TestWatcherReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	write := func(body string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("write rules: %v", err)
		}
	}

	write("version: 1\ndefault: ask\nrules:\n  - resource: shell_exec\n    pattern: ls\n    action: allow\n")

	engine := NewEngine(Ask)
	watcher := NewWatcher(engine, path, nil)
	if err := watcher.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if d := engine.Evaluate("agent", ResourceShell, "ls"); d.Action != Allow {
		t.Fatalf("expected allow after initial load, got %s", d.Action)
	}

	write("version: 1\ndefault: deny\nrules: []\n")
	if err := watcher.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if d := engine.Evaluate("agent", ResourceShell, "ls"); d.Action != Deny {
		t.Fatalf("expected new default after reload, got %s", d.Action)
	}

	// A broken file must leave the engine on its previous rules.
	write("rules: {{{{")
	if err := watcher.Reload(); err == nil {
		t.Fatal("expected error for broken rules file")
	}
	if d := engine.Evaluate("agent", ResourceShell, "rm x"); d.Action != Deny {
		t.Fatalf("broken reload must keep previous default, got %s", d.Action)
	}
}
