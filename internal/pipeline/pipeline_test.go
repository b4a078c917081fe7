package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/aegis/internal/action"
	"github.com/haasonsaas/aegis/internal/approval"
	"github.com/haasonsaas/aegis/internal/audit"
	"github.com/haasonsaas/aegis/internal/credentials"
	"github.com/haasonsaas/aegis/internal/observability"
	"github.com/haasonsaas/aegis/internal/permission"
	"github.com/haasonsaas/aegis/internal/redact"
	"github.com/haasonsaas/aegis/internal/sandbox"
	"github.com/haasonsaas/aegis/internal/validator"
)

// Registered on the default prometheus registry, so once per process.
var testMetrics = observability.NewMetrics()

// fakeRunner records what reached the sandbox and returns a canned
// result.
type fakeRunner struct {
	mu       sync.Mutex
	executed []*action.Request
	result   *action.SandboxResult
	err      error
	stats    sandbox.SemaphoreStats
}

func (f *fakeRunner) Stats() sandbox.SemaphoreStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeRunner) Execute(ctx context.Context, req *action.Request, grantsWrite bool) (*action.SandboxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, req)
	if f.err != nil {
		return nil, f.err
	}
	res := *f.result
	return &res, nil
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.executed)
}

type harness struct {
	orch   *Orchestrator
	runner *fakeRunner
	engine *permission.Engine
	store  *audit.Store
	filter *redact.Filter
}

func newHarness(t *testing.T, defaultAction permission.Action, approvalTimeout time.Duration) *harness {
	t.Helper()

	store, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open audit store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	runner := &fakeRunner{result: &action.SandboxResult{
		ExitCode: 0,
		Stdout:   "ok\n",
		Stderr:   "warn: shallow clone\n",
		Duration: 10 * time.Millisecond,
	}}
	engine := permission.NewEngine(defaultAction)
	filter := redact.NewFilter()
	approvals := approval.NewManager(approvalTimeout, nil)

	orch := New(validator.New(), engine, approvals, runner, store, filter, nil)
	return &harness{orch: orch, runner: runner, engine: engine, store: store, filter: filter}
}

func mustShell(t *testing.T, command string) *action.Request {
	t.Helper()
	req, err := action.NewRequest(action.KindShell, "agent", action.WithCommand(command))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	return req
}

func lastEntry(t *testing.T, store *audit.Store) audit.Entry {
	t.Helper()
	entries, err := store.Tail(context.Background(), 1)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(entries))
	}
	return entries[0]
}

func TestAllowedCommandExecutes(t *testing.T) {
	h := newHarness(t, permission.Ask, time.Second)
	if _, err := h.engine.AddRule(permission.Rule{
		Resource: permission.ResourceShell,
		Pattern:  "ls*",
		Action:   permission.Allow,
	}); err != nil {
		t.Fatalf("allow rule: %v", err)
	}

	res, err := h.orch.Submit(context.Background(), mustShell(t, "ls -la"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.State != action.StateExecuted {
		t.Fatalf("state = %s, want executed", res.State)
	}
	if res.Sandbox == nil || res.Sandbox.Stdout != "ok\n" {
		t.Errorf("sandbox result not carried through: %+v", res.Sandbox)
	}
	if h.runner.count() != 1 {
		t.Errorf("runner executions = %d, want 1", h.runner.count())
	}

	entry := lastEntry(t, h.store)
	if entry.State != string(action.StateExecuted) {
		t.Errorf("audit state = %s", entry.State)
	}
	if entry.Output != "ok\n" {
		t.Errorf("audit output = %q", entry.Output)
	}
	if entry.Stderr != "warn: shallow clone\n" {
		t.Errorf("audit stderr = %q", entry.Stderr)
	}
}

func TestDangerousCommandBlockedBeforeSandbox(t *testing.T) {
	h := newHarness(t, permission.Allow, time.Second)

	res, err := h.orch.Submit(context.Background(), mustShell(t, "rm -rf /"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.State != action.StateBlocked {
		t.Fatalf("state = %s, want blocked", res.State)
	}
	if res.Reason != action.ReasonDangerousPattern {
		t.Errorf("reason = %s", res.Reason)
	}
	if h.runner.count() != 0 {
		t.Error("blocked request reached the sandbox")
	}

	entry := lastEntry(t, h.store)
	if entry.State != string(action.StateBlocked) || len(entry.MatchedRules) == 0 {
		t.Errorf("audit entry = %+v", entry)
	}
}

func TestSanitizedCommandIsExecuted(t *testing.T) {
	h := newHarness(t, permission.Allow, time.Second)

	res, err := h.orch.Submit(context.Background(), mustShell(t, "echo \x00hi\x1b[31m   there"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.State != action.StateExecuted {
		t.Fatalf("state = %s", res.State)
	}
	got := h.runner.executed[0].Command
	if got != "echo hi there" {
		t.Errorf("executed command = %q, want sanitized form", got)
	}
}

func TestPermissionDenyShortCircuits(t *testing.T) {
	h := newHarness(t, permission.Ask, time.Second)
	if _, err := h.engine.AddRule(permission.Rule{
		Resource: permission.ResourceShell,
		Pattern:  "curl*",
		Action:   permission.Deny,
	}); err != nil {
		t.Fatalf("deny rule: %v", err)
	}

	res, err := h.orch.Submit(context.Background(), mustShell(t, "curl https://example.com"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.State != action.StateDenied || res.Reason != action.ReasonPermissionDenied {
		t.Fatalf("result = %+v", res)
	}
	if h.runner.count() != 0 {
		t.Error("denied request reached the sandbox")
	}
	entry := lastEntry(t, h.store)
	if entry.RuleID == "" {
		t.Error("audit entry missing the matched rule")
	}
}

func TestApprovalApprovedExecutes(t *testing.T) {
	h := newHarness(t, permission.Ask, 5*time.Second)

	req := mustShell(t, "git push origin main")
	done := make(chan struct{})
	var res *action.PipelineResult
	var submitErr error
	go func() {
		defer close(done)
		res, submitErr = h.orch.Submit(context.Background(), req)
	}()

	waitForPending(t, h.orch, req.ID)
	if err := h.orch.Respond(req.ID, true, "operator", "looks fine"); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	<-done

	if submitErr != nil {
		t.Fatalf("Submit: %v", submitErr)
	}
	if res.State != action.StateExecuted {
		t.Fatalf("state = %s, want executed", res.State)
	}
	entry := lastEntry(t, h.store)
	if entry.Approver != "operator" {
		t.Errorf("audit approver = %q, want operator", entry.Approver)
	}
}

func TestApprovalDenied(t *testing.T) {
	h := newHarness(t, permission.Ask, 5*time.Second)

	req := mustShell(t, "git push origin main")
	done := make(chan struct{})
	var res *action.PipelineResult
	go func() {
		defer close(done)
		res, _ = h.orch.Submit(context.Background(), req)
	}()

	waitForPending(t, h.orch, req.ID)
	if err := h.orch.Respond(req.ID, false, "operator", "not today"); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	<-done

	if res.State != action.StateDenied || res.Reason != action.ReasonApprovalDenied {
		t.Fatalf("result = %+v", res)
	}
	if res.Detail != "not today" {
		t.Errorf("detail = %q", res.Detail)
	}
	if h.runner.count() != 0 {
		t.Error("denied request reached the sandbox")
	}
}

func TestApprovalTimeoutTreatedAsDenial(t *testing.T) {
	h := newHarness(t, permission.Ask, 30*time.Millisecond)

	res, err := h.orch.Submit(context.Background(), mustShell(t, "git push"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.State != action.StateTimedOut || res.Reason != action.ReasonApprovalTimeout {
		t.Fatalf("result = %+v", res)
	}
	if h.runner.count() != 0 {
		t.Error("timed-out request reached the sandbox")
	}
	entry := lastEntry(t, h.store)
	if entry.State != string(action.StateTimedOut) {
		t.Errorf("audit state = %s", entry.State)
	}
}

func TestApprovalCancellationDenies(t *testing.T) {
	h := newHarness(t, permission.Ask, 5*time.Second)

	req := mustShell(t, "git push")
	done := make(chan struct{})
	var res *action.PipelineResult
	go func() {
		defer close(done)
		res, _ = h.orch.Submit(context.Background(), req)
	}()

	waitForPending(t, h.orch, req.ID)
	if err := h.orch.CancelApproval(req.ID, "operator"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	<-done

	if res.State != action.StateDenied || res.Reason != action.ReasonApprovalCancelled {
		t.Fatalf("result = %+v", res)
	}
}

func TestCallerCancellationStillAudited(t *testing.T) {
	h := newHarness(t, permission.Ask, 5*time.Second)

	req := mustShell(t, "git push")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	var res *action.PipelineResult
	var submitErr error
	go func() {
		defer close(done)
		res, submitErr = h.orch.Submit(ctx, req)
	}()

	waitForPending(t, h.orch, req.ID)
	cancel()
	<-done

	if submitErr != nil {
		t.Fatalf("Submit: %v", submitErr)
	}
	if res.State != action.StateDenied || res.Reason != action.ReasonApprovalCancelled {
		t.Fatalf("result = %+v", res)
	}
	if h.orch.Halted() {
		t.Fatal("caller cancellation halted the pipeline")
	}

	entry := lastEntry(t, h.store)
	if entry.State != string(action.StateDenied) || entry.Reason != action.ReasonApprovalCancelled {
		t.Errorf("audit entry = state %s reason %s", entry.State, entry.Reason)
	}

	// The next caller is unaffected.
	if _, err := h.engine.AddRule(permission.Rule{
		Resource: permission.ResourceShell,
		Pattern:  "ls*",
		Action:   permission.Allow,
	}); err != nil {
		t.Fatalf("allow rule: %v", err)
	}
	next, err := h.orch.Submit(context.Background(), mustShell(t, "ls"))
	if err != nil {
		t.Fatalf("Submit after cancellation: %v", err)
	}
	if next.State != action.StateExecuted {
		t.Errorf("state = %s, want executed", next.State)
	}
}

func TestMalformedRequestIsLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	store, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open audit store: %v", err)
	}
	defer store.Close()

	orch := New(validator.New(), permission.NewEngine(permission.Allow),
		approval.NewManager(time.Second, nil),
		&fakeRunner{result: &action.SandboxResult{}}, store, redact.NewFilter(), logger)

	blank := &action.Request{ID: "req-1", Kind: action.KindShell, Actor: "agent", Command: "   "}
	if _, err := orch.Submit(context.Background(), blank); !errors.Is(err, validator.ErrValidation) {
		t.Fatalf("error = %v, want ErrValidation", err)
	}

	if n := store.Len(); n != 0 {
		t.Errorf("rejected request produced %d audit entries", n)
	}
	if !strings.Contains(buf.String(), "request rejected") {
		t.Errorf("rejection not logged: %q", buf.String())
	}
}

func TestMaintenanceSamplesGaugesAndPrunesDecided(t *testing.T) {
	h := newHarness(t, permission.Ask, 5*time.Second)
	h.orch.metrics = testMetrics
	h.runner.stats = sandbox.SemaphoreStats{InUse: 2, Waiters: 1}

	req := mustShell(t, "git push")
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.orch.Submit(context.Background(), req)
	}()
	waitForPending(t, h.orch, req.ID)
	if err := h.orch.Respond(req.ID, false, "operator", "no"); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	<-done

	h.orch.maintain(0)

	if got := testutil.ToFloat64(testMetrics.SandboxActive); got != 2 {
		t.Errorf("sandbox active = %v, want 2", got)
	}
	if got := testutil.ToFloat64(testMetrics.SandboxQueued); got != 1 {
		t.Errorf("sandbox queued = %v, want 1", got)
	}
	if _, err := h.orch.approvals.Get(req.ID); !errors.Is(err, approval.ErrUnknownRequest) {
		t.Errorf("decided approval survived cleanup: err = %v", err)
	}
}

func TestSandboxUnavailableIsAudited(t *testing.T) {
	h := newHarness(t, permission.Allow, time.Second)
	h.runner.err = fmt.Errorf("%w: docker not found", sandbox.ErrUnavailable)

	res, err := h.orch.Submit(context.Background(), mustShell(t, "ls"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.State != action.StateSandboxUnavailable {
		t.Fatalf("state = %s", res.State)
	}
	entry := lastEntry(t, h.store)
	if entry.State != string(action.StateSandboxUnavailable) {
		t.Errorf("audit state = %s", entry.State)
	}
}

func TestAuditFailureHaltsPipeline(t *testing.T) {
	h := newHarness(t, permission.Allow, time.Second)
	h.store.Close()

	_, err := h.orch.Submit(context.Background(), mustShell(t, "ls"))
	if !errors.Is(err, ErrHalted) {
		t.Fatalf("Submit error = %v, want ErrHalted", err)
	}
	if !h.orch.Halted() {
		t.Error("pipeline should be halted")
	}

	_, err = h.orch.Submit(context.Background(), mustShell(t, "ls"))
	if !errors.Is(err, ErrHalted) {
		t.Fatalf("second Submit error = %v, want ErrHalted", err)
	}
}

func TestMalformedRequestIsAnError(t *testing.T) {
	h := newHarness(t, permission.Allow, time.Second)

	if _, err := h.orch.Submit(context.Background(), nil); !errors.Is(err, action.ErrMalformedRequest) {
		t.Fatalf("error = %v, want ErrMalformedRequest", err)
	}
	if n := h.store.Len(); n != 0 {
		t.Errorf("malformed request produced %d audit entries", n)
	}
}

func TestOneAuditEntryPerRequest(t *testing.T) {
	h := newHarness(t, permission.Allow, time.Second)

	for i := 0; i < 3; i++ {
		if _, err := h.orch.Submit(context.Background(), mustShell(t, "ls")); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	if n := h.store.Len(); n != 3 {
		t.Errorf("audit entries = %d, want 3", n)
	}
	vr, err := h.store.Verify(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !vr.OK {
		t.Errorf("chain broken: %+v", vr)
	}
}

func TestSyncCredentialsRegistersValues(t *testing.T) {
	h := newHarness(t, permission.Allow, time.Second)

	key := make([]byte, credentials.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	store, err := credentials.Open(filepath.Join(t.TempDir(), "creds.db"), key)
	if err != nil {
		t.Fatalf("open credentials: %v", err)
	}
	defer store.Close()

	if err := store.Set(context.Background(), "deploy-token", "s3cr3t-value-123"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := h.orch.SyncCredentials(context.Background(), store); err != nil {
		t.Fatalf("SyncCredentials: %v", err)
	}

	out, n := h.filter.Apply("token is s3cr3t-value-123 done")
	if n != 1 || out != "token is [REDACTED:deploy-token] done" {
		t.Errorf("filter output = %q (%d redactions)", out, n)
	}
}

func waitForPending(t *testing.T, orch *Orchestrator, id string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		for _, p := range orch.PendingApprovals() {
			if p.ID == id {
				return
			}
		}
		select {
		case <-deadline:
			t.Fatalf("request %s never became pending", id)
		case <-time.After(5 * time.Millisecond):
		}
	}
}
