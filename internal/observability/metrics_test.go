package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// NewMetrics registers on the default registry, so it can only run
// once per process.
var testMetrics = NewMetrics()

func TestRecordRequest(t *testing.T) {
	testMetrics.RecordRequest("shell", "executed", 120*time.Millisecond)
	testMetrics.RecordRequest("shell", "denied", 5*time.Millisecond)
	testMetrics.RecordRequest("file_read", "executed", 40*time.Millisecond)

	if got := testutil.ToFloat64(testMetrics.RequestsTotal.WithLabelValues("shell", "executed")); got != 1 {
		t.Errorf("shell/executed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(testMetrics.RequestsTotal.WithLabelValues("shell", "denied")); got != 1 {
		t.Errorf("shell/denied = %v, want 1", got)
	}
	if got := testutil.ToFloat64(testMetrics.RequestsTotal.WithLabelValues("file_read", "executed")); got != 1 {
		t.Errorf("file_read/executed = %v, want 1", got)
	}
}

func TestRecordApprovalAndAudit(t *testing.T) {
	testMetrics.RecordApproval("approved", 3*time.Second)
	testMetrics.RecordApproval("timed_out", 300*time.Second)
	testMetrics.RecordAuditAppend(true)
	testMetrics.RecordAuditAppend(false)

	if got := testutil.ToFloat64(testMetrics.ApprovalsTotal.WithLabelValues("approved")); got != 1 {
		t.Errorf("approvals approved = %v, want 1", got)
	}
	if got := testutil.ToFloat64(testMetrics.AuditAppends.WithLabelValues("failed")); got != 1 {
		t.Errorf("audit appends failed = %v, want 1", got)
	}
}

func TestRecordRedactions(t *testing.T) {
	before := testutil.ToFloat64(testMetrics.RedactionsTotal)
	testMetrics.RecordRedactions(3)
	testMetrics.RecordRedactions(0)
	testMetrics.RecordRedactions(-1)

	if got := testutil.ToFloat64(testMetrics.RedactionsTotal); got != before+3 {
		t.Errorf("redactions = %v, want %v", got, before+3)
	}
}

func TestSetSandboxLoad(t *testing.T) {
	testMetrics.SetSandboxLoad(3, 2)
	if got := testutil.ToFloat64(testMetrics.SandboxActive); got != 3 {
		t.Errorf("sandbox active = %v, want 3", got)
	}
	if got := testutil.ToFloat64(testMetrics.SandboxQueued); got != 2 {
		t.Errorf("sandbox queued = %v, want 2", got)
	}

	testMetrics.SetSandboxLoad(0, 0)
	if got := testutil.ToFloat64(testMetrics.SandboxActive); got != 0 {
		t.Errorf("sandbox active = %v, want 0", got)
	}
}
