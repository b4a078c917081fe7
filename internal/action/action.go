// Package action defines the request and result types that flow through
// the execution pipeline: the ActionRequest sum type, the terminal states
// a request can reach, and the PipelineResult returned to the caller.
package action

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the category of a proposed operation. It is a closed
// set; every pipeline stage switches exhaustively over it.
type Kind string

const (
	KindShell     Kind = "shell"
	KindFileRead  Kind = "file_read"
	KindFileWrite Kind = "file_write"
	KindNetwork   Kind = "network"
)

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindShell, KindFileRead, KindFileWrite, KindNetwork:
		return true
	default:
		return false
	}
}

// Request is a single proposed operation awaiting pipeline disposition.
// It is immutable once constructed; the pipeline never mutates it.
type Request struct {
	// ID uniquely identifies this request across the pipeline and the
	// audit log.
	ID string

	// Kind selects which payload fields are meaningful.
	Kind Kind

	// Command is the shell command line (KindShell only).
	Command string

	// Path is the target file path (KindFileRead, KindFileWrite) or
	// the destination URL (KindNetwork).
	Path string

	// Content is the data to write (KindFileWrite only).
	Content string

	// Actor identifies who (or what) proposed the operation.
	Actor string

	// Context is upstream conversation context accompanying the
	// request. The validator scans it for injection attempts; it is
	// never executed.
	Context string

	// CreatedAt records when the request was constructed.
	CreatedAt time.Time
}

// ErrMalformedRequest is returned when a request is structurally
// invalid (missing payload, unknown kind). It is fatal to the request
// and distinct from a blocked verdict.
var ErrMalformedRequest = errors.New("malformed action request")

// NewRequest constructs an immutable Request, assigning it an ID and
// timestamp. It returns ErrMalformedRequest when the payload required
// by the kind is missing.
func NewRequest(kind Kind, actor string, opts ...RequestOption) (*Request, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformedRequest, kind)
	}
	if actor == "" {
		return nil, fmt.Errorf("%w: actor is required", ErrMalformedRequest)
	}

	r := &Request{
		ID:        uuid.NewString(),
		Kind:      kind,
		Actor:     actor,
		CreatedAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(r)
	}

	switch kind {
	case KindShell:
		if r.Command == "" {
			return nil, fmt.Errorf("%w: shell request requires a command", ErrMalformedRequest)
		}
	case KindFileRead, KindFileWrite, KindNetwork:
		if r.Path == "" {
			return nil, fmt.Errorf("%w: %s request requires a path", ErrMalformedRequest, kind)
		}
	}

	return r, nil
}

// RequestOption sets an optional payload field at construction time.
type RequestOption func(*Request)

// WithCommand sets the shell command line.
func WithCommand(cmd string) RequestOption {
	return func(r *Request) { r.Command = cmd }
}

// WithPath sets the file path or network locator.
func WithPath(path string) RequestOption {
	return func(r *Request) { r.Path = path }
}

// WithContent sets file content for write requests.
func WithContent(content string) RequestOption {
	return func(r *Request) { r.Content = content }
}

// WithContext attaches upstream conversation context for injection
// scanning.
func WithContext(ctx string) RequestOption {
	return func(r *Request) { r.Context = ctx }
}

// Locator returns the string the permission engine matches rules
// against: the command line for shell requests, the path or URL for
// everything else.
func (r *Request) Locator() string {
	if r.Kind == KindShell {
		return r.Command
	}
	return r.Path
}

// Summary returns a short human-readable description for audit entries
// and approval prompts.
func (r *Request) Summary() string {
	switch r.Kind {
	case KindShell:
		return fmt.Sprintf("shell: %s", r.Command)
	case KindFileRead:
		return fmt.Sprintf("read: %s", r.Path)
	case KindFileWrite:
		return fmt.Sprintf("write: %s (%d bytes)", r.Path, len(r.Content))
	case KindNetwork:
		return fmt.Sprintf("network: %s", r.Path)
	default:
		return string(r.Kind)
	}
}
