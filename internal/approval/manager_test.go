package approval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/aegis/internal/action"
)

func newShellRequest(t *testing.T, command string) *action.Request {
	t.Helper()
	req, err := action.NewRequest(action.KindShell, "agent", action.WithCommand(command))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	return req
}

func TestApproveUnblocksWaiter(t *testing.T) {
	m := NewManager(time.Minute, nil)
	req := m.Create(newShellRequest(t, "ls -la"), "rule-1")

	done := make(chan Decision, 1)
	go func() {
		d, err := m.Await(context.Background(), req.ID)
		if err != nil {
			t.Errorf("Await: %v", err)
		}
		done <- d
	}()

	// Give the waiter a moment to park on the channel.
	time.Sleep(10 * time.Millisecond)
	if err := m.Respond(req.ID, true, "operator", "looks fine"); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	select {
	case d := <-done:
		if !d.Approved || d.DecidedBy != "operator" {
			t.Fatalf("unexpected decision: %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never unblocked")
	}

	got, err := m.Get(req.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusApproved {
		t.Fatalf("status = %s, want approved", got.Status)
	}
}

func TestDenyCarriesReason(t *testing.T) {
	m := NewManager(time.Minute, nil)
	req := m.Create(newShellRequest(t, "curl https://example.com"), "")

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = m.Respond(req.ID, false, "operator", "unvetted host")
	}()

	d, err := m.Await(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if d.Approved {
		t.Fatal("expected denial")
	}
	if d.Reason != "unvetted host" {
		t.Fatalf("reason = %q", d.Reason)
	}
}

func TestAwaitTimesOut(t *testing.T) {
	m := NewManager(50*time.Millisecond, nil)
	req := m.Create(newShellRequest(t, "ls"), "")

	_, err := m.Await(context.Background(), req.ID)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	got, err := m.Get(req.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusTimedOut {
		t.Fatalf("status = %s, want timed_out", got.Status)
	}

	// Late answers after timeout must not flip the outcome.
	if err := m.Respond(req.ID, true, "operator", ""); err == nil {
		t.Fatal("expected error for late response")
	}
}

func TestDuplicateResponseIgnored(t *testing.T) {
	m := NewManager(time.Minute, nil)
	req := m.Create(newShellRequest(t, "ls"), "")

	go func() {
		_, _ = m.Await(context.Background(), req.ID)
	}()
	time.Sleep(10 * time.Millisecond)

	if err := m.Respond(req.ID, false, "operator-a", "no"); err != nil {
		t.Fatalf("first Respond: %v", err)
	}
	if err := m.Respond(req.ID, true, "operator-b", "yes"); err == nil {
		t.Fatal("second response must be rejected")
	}

	got, err := m.Get(req.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusDenied || got.DecidedBy != "operator-a" {
		t.Fatalf("first decision must stand, got %+v", got)
	}
}

func TestCancelResolvesWaiter(t *testing.T) {
	m := NewManager(time.Minute, nil)
	req := m.Create(newShellRequest(t, "ls"), "")

	done := make(chan Decision, 1)
	go func() {
		d, err := m.Await(context.Background(), req.ID)
		if err != nil {
			t.Errorf("Await: %v", err)
		}
		done <- d
	}()
	time.Sleep(10 * time.Millisecond)

	if err := m.Cancel(req.ID, "agent"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	select {
	case d := <-done:
		if d.Approved {
			t.Fatal("cancelled request must not be approved")
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never unblocked")
	}

	got, _ := m.Get(req.ID)
	if got.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
}

func TestPendingSnapshot(t *testing.T) {
	m := NewManager(time.Minute, nil)
	a := m.Create(newShellRequest(t, "ls"), "")
	b := m.Create(newShellRequest(t, "pwd"), "")

	if got := len(m.Pending()); got != 2 {
		t.Fatalf("pending = %d, want 2", got)
	}

	go func() {
		_, _ = m.Await(context.Background(), a.ID)
	}()
	time.Sleep(10 * time.Millisecond)
	_ = m.Respond(a.ID, true, "operator", "")

	pending := m.Pending()
	if len(pending) != 1 || pending[0].ID != b.ID {
		t.Fatalf("pending after decision = %+v", pending)
	}
}

func TestRespondUnknownRequest(t *testing.T) {
	m := NewManager(time.Minute, nil)
	err := m.Respond("no-such-id", true, "operator", "")
	if !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("expected ErrUnknownRequest, got %v", err)
	}
}
