// Package pipeline drives a proposed action through validation,
// permission evaluation, approval, sandboxed execution, and output
// filtering, writing exactly one audit entry per terminal state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

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

// ErrHalted is returned by Submit after an audit write has failed.
// A pipeline that cannot record what it does refuses to do anything.
var ErrHalted = errors.New("pipeline halted: audit log unavailable")

// Orchestrator owns the pipeline stages. Submit is safe for
// concurrent use; each call is synchronous for its own request while
// others proceed independently.
type Orchestrator struct {
	validator *validator.Validator
	engine    *permission.Engine
	approvals *approval.Manager
	runner    sandbox.Runner
	audit     *audit.Store
	filter    *redact.Filter
	logger    *slog.Logger

	metrics *observability.Metrics
	tracer  *observability.Tracer

	halted atomic.Bool
}

// Option configures optional orchestrator collaborators.
type Option func(*Orchestrator)

// WithMetrics attaches a metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer attaches a tracer; stages become child spans.
func WithTracer(t *observability.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// New wires the pipeline together. All five collaborators are
// required; logger may be nil for a default.
func New(v *validator.Validator, engine *permission.Engine, approvals *approval.Manager, runner sandbox.Runner, store *audit.Store, filter *redact.Filter, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		validator: v,
		engine:    engine,
		approvals: approvals,
		runner:    runner,
		audit:     store,
		filter:    filter,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Halted reports whether the pipeline has refused further work after
// an audit failure.
func (o *Orchestrator) Halted() bool {
	return o.halted.Load()
}

// Submit runs one request through the pipeline and returns its
// terminal result. Designed refusals (blocked, denied, timed out,
// sandbox unavailable) are results, not errors; an error means the
// request was malformed, the caller's context ended, or the audit log
// failed.
func (o *Orchestrator) Submit(ctx context.Context, req *action.Request) (*action.PipelineResult, error) {
	if o.halted.Load() {
		return nil, ErrHalted
	}
	if req == nil {
		o.logger.Warn("request rejected", "error", "nil request")
		return nil, fmt.Errorf("%w: nil request", action.ErrMalformedRequest)
	}

	start := time.Now()
	ctx = observability.AddRequestID(ctx, req.ID)
	ctx = observability.AddActor(ctx, req.Actor)
	if o.tracer != nil {
		tctx, span := o.tracer.TraceRequest(ctx, req.ID, string(req.Kind), req.Actor)
		ctx = tctx
		defer span.End()
	}

	res, err := o.process(ctx, req)
	if err != nil {
		return nil, err
	}

	if o.metrics != nil {
		o.metrics.RecordRequest(string(req.Kind), string(res.State), time.Since(start))
		if res.Sandbox != nil {
			o.metrics.RecordRedactions(res.Sandbox.Redactions)
		}
	}
	o.logger.Info("request resolved",
		"request_id", req.ID,
		"actor", req.Actor,
		"kind", string(req.Kind),
		"state", string(res.State),
		"reason", res.Reason,
		"duration", time.Since(start).String())
	return res, nil
}

func (o *Orchestrator) process(ctx context.Context, req *action.Request) (*action.PipelineResult, error) {
	verdict, err := o.validate(ctx, req)
	if err != nil {
		// Malformed input never reaches a terminal state, so no audit
		// entry is chained; the rejection is still logged.
		o.logger.Warn("request rejected",
			"request_id", req.ID, "actor", req.Actor, "error", err)
		if o.metrics != nil {
			o.metrics.RecordError("validator", "malformed_request")
		}
		return nil, err
	}
	if verdict.Blocked() {
		if o.metrics != nil && len(verdict.MatchedRules) > 0 {
			o.metrics.RecordValidatorBlock(verdict.MatchedRules[0])
		}
		res := &action.PipelineResult{
			RequestID: req.ID,
			State:     action.StateBlocked,
			Reason:    verdict.Reason,
			Detail:    verdict.Detail,
		}
		if err := o.record(ctx, req, res, audit.Record{
			MatchedRules: verdict.MatchedRules,
		}); err != nil {
			return nil, err
		}
		return res, nil
	}

	decision := o.evaluate(ctx, req, verdict.Sanitized)
	approver := ""

	switch decision.Action {
	case permission.Deny:
		res := &action.PipelineResult{
			RequestID: req.ID,
			State:     action.StateDenied,
			Reason:    action.ReasonPermissionDenied,
			Detail:    decision.Detail(),
		}
		if err := o.record(ctx, req, res, audit.Record{RuleID: decision.RuleID()}); err != nil {
			return nil, err
		}
		return res, nil

	case permission.Ask:
		dec, res, err := o.awaitApproval(ctx, req, decision)
		if err != nil {
			return nil, err
		}
		if res != nil {
			if err := o.record(ctx, req, res, audit.Record{
				RuleID:   decision.RuleID(),
				Approver: dec.DecidedBy,
			}); err != nil {
				return nil, err
			}
			return res, nil
		}
		approver = dec.DecidedBy

	case permission.Allow:
		// proceeds straight to execution
	}

	return o.execute(ctx, req, verdict.Sanitized, decision, approver)
}

func (o *Orchestrator) validate(ctx context.Context, req *action.Request) (*validator.Verdict, error) {
	if o.tracer != nil {
		_, span := o.tracer.TraceStage(ctx, "validate")
		defer span.End()
	}
	return o.validator.Validate(req)
}

func (o *Orchestrator) evaluate(ctx context.Context, req *action.Request, sanitized string) permission.Decision {
	if o.tracer != nil {
		_, span := o.tracer.TraceStage(ctx, "evaluate")
		defer span.End()
	}
	return o.engine.Evaluate(req.Actor, permission.ResourceForKind(req.Kind), sanitized)
}

// awaitApproval blocks until a human decides, the window times out,
// or the caller's context ends. A non-nil result is a refusal; a
// zero-result return means the request was approved.
func (o *Orchestrator) awaitApproval(ctx context.Context, req *action.Request, decision permission.Decision) (approval.Decision, *action.PipelineResult, error) {
	if o.tracer != nil {
		sctx, span := o.tracer.TraceStage(ctx, "approval")
		defer span.End()
		ctx = sctx
	}

	pending := o.approvals.Create(req, decision.RuleID())
	started := time.Now()
	dec, err := o.approvals.Await(ctx, pending.ID)

	switch {
	case errors.Is(err, approval.ErrTimeout):
		if o.metrics != nil {
			o.metrics.RecordApproval(string(approval.StatusTimedOut), time.Since(started))
		}
		return approval.Decision{}, &action.PipelineResult{
			RequestID: req.ID,
			State:     action.StateTimedOut,
			Reason:    action.ReasonApprovalTimeout,
			Detail:    "no decision within the approval window",
		}, nil

	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		if o.metrics != nil {
			o.metrics.RecordApproval(string(approval.StatusCancelled), time.Since(started))
		}
		return approval.Decision{}, &action.PipelineResult{
			RequestID: req.ID,
			State:     action.StateDenied,
			Reason:    action.ReasonApprovalCancelled,
			Detail:    "request cancelled before a decision",
		}, nil

	case err != nil:
		return approval.Decision{}, nil, err
	}

	if !dec.Approved {
		reason := action.ReasonApprovalDenied
		status := approval.StatusDenied
		if r, gerr := o.approvals.Get(pending.ID); gerr == nil && r.Status == approval.StatusCancelled {
			reason = action.ReasonApprovalCancelled
			status = approval.StatusCancelled
		}
		if o.metrics != nil {
			o.metrics.RecordApproval(string(status), time.Since(started))
		}
		detail := dec.Reason
		if detail == "" {
			detail = fmt.Sprintf("denied by %s", dec.DecidedBy)
		}
		return dec, &action.PipelineResult{
			RequestID: req.ID,
			State:     action.StateDenied,
			Reason:    reason,
			Detail:    detail,
		}, nil
	}

	if o.metrics != nil {
		o.metrics.RecordApproval(string(approval.StatusApproved), time.Since(started))
	}
	return dec, nil, nil
}

func (o *Orchestrator) execute(ctx context.Context, req *action.Request, sanitized string, decision permission.Decision, approver string) (*action.PipelineResult, error) {
	if o.tracer != nil {
		sctx, span := o.tracer.TraceStage(ctx, "execute")
		defer span.End()
		ctx = sctx
	}

	// The sandbox runs the sanitized payload the validator and the
	// engine saw, never the raw one.
	run := *req
	if req.Kind == action.KindShell {
		run.Command = sanitized
	} else {
		run.Path = sanitized
	}

	// Write access is granted by an explicit grants_write rule or by
	// a human approval; a bare allow keeps mounts read-only.
	grantsWrite := req.Kind == action.KindFileWrite &&
		(approver != "" || (decision.Rule != nil && decision.Rule.GrantsWrite))
	sres, err := o.runner.Execute(ctx, &run, grantsWrite)
	if err != nil {
		if o.metrics != nil {
			o.metrics.RecordError("sandbox", "execute_failed")
		}
		if errors.Is(err, sandbox.ErrUnavailable) {
			res := &action.PipelineResult{
				RequestID: req.ID,
				State:     action.StateSandboxUnavailable,
				Reason:    action.ReasonSandboxUnavailable,
				Detail:    err.Error(),
			}
			if rerr := o.record(ctx, req, res, audit.Record{
				RuleID:   decision.RuleID(),
				Approver: approver,
			}); rerr != nil {
				return nil, rerr
			}
			return res, nil
		}
		return nil, err
	}

	if o.metrics != nil {
		o.metrics.RecordSandboxRun(string(req.Kind), sres.Duration)
	}

	res := &action.PipelineResult{
		RequestID: req.ID,
		State:     action.StateExecuted,
		Reason:    action.ReasonExecuted,
		Detail:    decision.Detail(),
		Sandbox:   sres,
	}
	if err := o.record(ctx, req, res, audit.Record{
		RuleID:        decision.RuleID(),
		Approver:      approver,
		ExitCode:      sres.ExitCode,
		Output:        sres.Stdout,
		Stderr:        sres.Stderr,
		Truncated:     sres.StdoutTruncated || sres.StderrTruncated,
		Redactions:    sres.Redactions,
		Duration:      sres.Duration,
		TimedOut:      sres.TimedOut,
		LimitViolated: sres.LimitViolation,
	}); err != nil {
		return nil, err
	}
	return res, nil
}

// record writes the single audit entry for a terminal state. A write
// failure halts the pipeline permanently.
func (o *Orchestrator) record(ctx context.Context, req *action.Request, res *action.PipelineResult, rec audit.Record) error {
	if o.tracer != nil {
		_, span := o.tracer.TraceStage(ctx, "audit")
		defer span.End()
	}

	rec.RequestID = req.ID
	rec.Actor = req.Actor
	rec.Kind = string(req.Kind)
	rec.Summary = req.Summary()
	rec.State = string(res.State)
	rec.Reason = res.Reason

	// The terminal entry must land even when the submitter has already
	// gone away (client disconnect, session end); the halt latch is for
	// store failures, not caller impatience.
	_, err := o.audit.Append(context.WithoutCancel(ctx), rec)
	if o.metrics != nil {
		o.metrics.RecordAuditAppend(err == nil)
	}
	if err != nil {
		o.halted.Store(true)
		if o.metrics != nil {
			o.metrics.RecordError("audit", "append_failed")
		}
		o.logger.Error("audit append failed; halting pipeline",
			"request_id", req.ID, "error", err)
		return fmt.Errorf("%w: %v", ErrHalted, err)
	}
	return nil
}

// DecidedRetention bounds how long decided approvals stay queryable
// before the maintenance loop drops them.
const DecidedRetention = time.Hour

// StartMaintenance runs periodic housekeeping until ctx ends: it
// samples the sandbox concurrency gate into the gauges and drops
// decided approvals past retention so the table cannot grow unbounded
// in a long-lived daemon.
func (o *Orchestrator) StartMaintenance(ctx context.Context, interval, retention time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.maintain(retention)
			}
		}
	}()
}

func (o *Orchestrator) maintain(retention time.Duration) {
	if o.metrics != nil {
		if sp, ok := o.runner.(interface{ Stats() sandbox.SemaphoreStats }); ok {
			st := sp.Stats()
			o.metrics.SetSandboxLoad(st.InUse, int64(st.Waiters))
		}
	}
	if n := o.approvals.CleanupDecided(retention); n > 0 {
		o.logger.Debug("dropped decided approvals", "count", n)
	}
}

// Respond forwards a human decision for a pending approval.
func (o *Orchestrator) Respond(requestID string, approved bool, decidedBy, reason string) error {
	return o.approvals.Respond(requestID, approved, decidedBy, reason)
}

// CancelApproval withdraws a pending request; its waiter resolves as
// denied.
func (o *Orchestrator) CancelApproval(requestID, by string) error {
	return o.approvals.Cancel(requestID, by)
}

// PendingApprovals snapshots requests awaiting a decision.
func (o *Orchestrator) PendingApprovals() []approval.Request {
	return o.approvals.Pending()
}

// SyncCredentials registers every stored credential value with the
// output filter so secrets are scrubbed even when an action echoes
// them verbatim.
func (o *Orchestrator) SyncCredentials(ctx context.Context, store *credentials.Store) error {
	infos, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("list credentials: %w", err)
	}
	for _, info := range infos {
		value, err := store.Get(ctx, info.Name)
		if err != nil {
			return fmt.Errorf("load credential %q: %w", info.Name, err)
		}
		o.filter.RegisterValue(info.Name, value)
	}
	return nil
}
