package action

import "time"

// TerminalState is the final disposition of a request. Every request
// reaches exactly one terminal state, and every terminal state produces
// exactly one audit entry.
type TerminalState string

const (
	// StateBlocked means the validator refused the request before
	// permission evaluation.
	StateBlocked TerminalState = "blocked"

	// StateDenied means a permission rule or a human denied it.
	StateDenied TerminalState = "denied"

	// StateTimedOut means the approval window elapsed; treated as a
	// denial for execution purposes but distinguishable in the log.
	StateTimedOut TerminalState = "timed_out"

	// StateSandboxUnavailable means the isolation backend could not
	// provision an environment. Infrastructure failure, not policy.
	StateSandboxUnavailable TerminalState = "sandbox_unavailable"

	// StateExecuted means the action ran and its filtered result was
	// logged.
	StateExecuted TerminalState = "executed"
)

// Reason codes attached to terminal states.
const (
	ReasonDangerousPattern   = "DANGEROUS_PATTERN"
	ReasonInjectionSuspected = "INJECTION_SUSPECTED"
	ReasonPermissionDenied   = "PERMISSION_DENIED"
	ReasonApprovalDenied     = "APPROVAL_DENIED"
	ReasonApprovalTimeout    = "APPROVAL_TIMEOUT"
	ReasonApprovalCancelled  = "APPROVAL_CANCELLED"
	ReasonSandboxUnavailable = "SANDBOX_UNAVAILABLE"
	ReasonExecuted           = "EXECUTED"
)

// SandboxResult is the outcome of running one action in isolation.
// Stdout and Stderr are already filtered and size-capped by the time a
// result leaves the pipeline.
type SandboxResult struct {
	ExitCode int

	Stdout string
	Stderr string

	// StdoutTruncated / StderrTruncated flag that the capture cap was
	// hit. Filtering happens before the cap is applied.
	StdoutTruncated bool
	StderrTruncated bool

	// Redactions is the number of secret-shaped spans scrubbed from
	// the combined output.
	Redactions int

	// Duration is wall-clock execution time.
	Duration time.Duration

	// TimedOut is set when the sandbox's own timeout tore the
	// environment down. The partial capture above is still valid.
	TimedOut bool

	// LimitViolation names the resource limit that terminated the
	// action, if any (e.g. "memory", "timeout").
	LimitViolation string
}

// PipelineResult is what Submit returns to the caller: the terminal
// state, a reason code, the human-readable detail derived from the
// matched rule or policy, and the filtered sandbox result when the
// action executed.
type PipelineResult struct {
	RequestID string
	State     TerminalState
	Reason    string
	Detail    string
	Sandbox   *SandboxResult
}

// Refused reports whether the pipeline declined to execute the action
// as a matter of policy (as opposed to infrastructure failure).
func (p *PipelineResult) Refused() bool {
	switch p.State {
	case StateBlocked, StateDenied, StateTimedOut:
		return true
	default:
		return false
	}
}
