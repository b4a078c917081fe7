// Package approval tracks pending human approvals for agent actions
// and hands decisions back to waiting pipeline goroutines.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/aegis/internal/action"
)

var (
	ErrUnknownRequest = errors.New("approval request not found")
	ErrTimeout        = errors.New("approval timed out")
)

// Status is the lifecycle state of an approval request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusDenied    Status = "denied"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// DefaultTimeout matches the pipeline's stance that an unanswered
// request is a refusal, not a standing invitation.
const DefaultTimeout = 5 * time.Minute

// Request is a pending or decided approval. The ID is the pipeline
// request ID, so operators approve the same identifier they see in
// the audit log.
type Request struct {
	ID          string
	Kind        action.Kind
	Summary     string
	Actor       string
	RuleID      string
	RequestedAt time.Time
	ExpiresAt   time.Time
	Status      Status
	DecidedAt   *time.Time
	DecidedBy   string
	Reason      string
}

// Decision carries an operator's verdict to the waiting goroutine.
type Decision struct {
	Approved  bool
	DecidedBy string
	Reason    string
}

type pendingRequest struct {
	req *Request
	ch  chan Decision
}

// Manager owns the pending-approval table. Each pending request has a
// single-slot decision channel; the first response wins and later
// responses are logged as anomalies and discarded.
type Manager struct {
	timeout time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	pending  map[string]*pendingRequest
	decided  map[string]*Request
	onCreate func(*Request)
}

// NewManager builds a manager. timeout <= 0 selects DefaultTimeout.
func NewManager(timeout time.Duration, logger *slog.Logger) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		timeout: timeout,
		logger:  logger,
		pending: make(map[string]*pendingRequest),
		decided: make(map[string]*Request),
	}
}

// OnCreate registers a callback invoked whenever a request enters the
// pending table, for notification surfaces.
func (m *Manager) OnCreate(fn func(*Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCreate = fn
}

// Create registers a pending request for an action that hit an "ask"
// decision. The returned request's ID is the action's ID.
func (m *Manager) Create(act *action.Request, ruleID string) *Request {
	now := time.Now()
	req := &Request{
		ID:          act.ID,
		Kind:        act.Kind,
		Summary:     act.Summary(),
		Actor:       act.Actor,
		RuleID:      ruleID,
		RequestedAt: now,
		ExpiresAt:   now.Add(m.timeout),
		Status:      StatusPending,
	}

	m.mu.Lock()
	m.pending[req.ID] = &pendingRequest{
		req: req,
		ch:  make(chan Decision, 1),
	}
	callback := m.onCreate
	m.mu.Unlock()

	m.logger.Info("approval requested",
		"request_id", req.ID,
		"actor", req.Actor,
		"summary", req.Summary,
		"expires_at", req.ExpiresAt)

	if callback != nil {
		callback(req)
	}
	return req
}

// Await blocks until the request is decided, its deadline passes, or
// ctx is cancelled. Timeout resolves the request as timed out and
// returns ErrTimeout; a ctx cancellation resolves it as cancelled.
func (m *Manager) Await(ctx context.Context, id string) (Decision, error) {
	m.mu.Lock()
	p, ok := m.pending[id]
	m.mu.Unlock()
	if !ok {
		return Decision{}, fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}

	timer := time.NewTimer(time.Until(p.req.ExpiresAt))
	defer timer.Stop()

	select {
	case decision := <-p.ch:
		return decision, nil
	case <-timer.C:
		m.resolve(id, StatusTimedOut, "", "no decision before deadline")
		return Decision{}, ErrTimeout
	case <-ctx.Done():
		m.resolve(id, StatusCancelled, "", "request cancelled")
		return Decision{}, ctx.Err()
	}
}

// Respond delivers an operator decision. Exactly one response is
// accepted per request; anything after that is an anomaly worth
// logging because it may indicate a confused or replayed client.
func (m *Manager) Respond(id string, approved bool, decidedBy, reason string) error {
	status := StatusDenied
	if approved {
		status = StatusApproved
	}

	m.mu.Lock()
	p, ok := m.pending[id]
	if !ok {
		prior, wasDecided := m.decided[id]
		m.mu.Unlock()
		if wasDecided {
			m.logger.Warn("duplicate approval response ignored",
				"request_id", id,
				"prior_status", prior.Status,
				"decided_by", decidedBy)
			return fmt.Errorf("request already decided: %s", prior.Status)
		}
		m.logger.Warn("approval response for unknown request",
			"request_id", id, "decided_by", decidedBy)
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}

	if time.Now().After(p.req.ExpiresAt) {
		m.mu.Unlock()
		// Await's timer owns the timeout transition.
		return fmt.Errorf("request already decided: %s", StatusTimedOut)
	}

	now := time.Now()
	p.req.Status = status
	p.req.DecidedAt = &now
	p.req.DecidedBy = decidedBy
	p.req.Reason = reason
	delete(m.pending, id)
	m.decided[id] = p.req
	m.mu.Unlock()

	p.ch <- Decision{Approved: approved, DecidedBy: decidedBy, Reason: reason}

	m.logger.Info("approval decided",
		"request_id", id,
		"status", status,
		"decided_by", decidedBy)
	return nil
}

// Cancel withdraws a pending request, resolving any waiter with a
// cancelled status. Used when the submitting agent abandons the
// action before an operator answers.
func (m *Manager) Cancel(id, by string) error {
	if err := m.resolve(id, StatusCancelled, by, "cancelled by requester"); err != nil {
		return err
	}
	m.logger.Info("approval cancelled", "request_id", id, "by", by)
	return nil
}

// resolve moves a pending request to a terminal status and unblocks
// its waiter with a denial-shaped decision.
func (m *Manager) resolve(id string, status Status, by, reason string) error {
	m.mu.Lock()
	p, ok := m.pending[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	now := time.Now()
	p.req.Status = status
	p.req.DecidedAt = &now
	p.req.DecidedBy = by
	p.req.Reason = reason
	delete(m.pending, id)
	m.decided[id] = p.req
	m.mu.Unlock()

	select {
	case p.ch <- Decision{Approved: false, DecidedBy: by, Reason: reason}:
	default:
	}
	return nil
}

// Get returns a request by ID, pending or decided.
func (m *Manager) Get(id string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pending[id]; ok {
		snapshot := *p.req
		return &snapshot, nil
	}
	if req, ok := m.decided[id]; ok {
		snapshot := *req
		return &snapshot, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, id)
}

// Pending returns a snapshot of undecided requests for the operator
// listing surface.
func (m *Manager) Pending() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Request, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, *p.req)
	}
	return out
}

// CleanupDecided drops decided requests older than maxAge and returns
// the number removed.
func (m *Manager) CleanupDecided(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	cutoff := time.Now().Add(-maxAge)
	for id, req := range m.decided {
		if req.DecidedAt != nil && req.DecidedAt.Before(cutoff) {
			delete(m.decided, id)
			count++
		}
	}
	return count
}
