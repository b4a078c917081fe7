// Package sandbox runs approved actions in throwaway Docker
// containers with resource limits and no inherited network access.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/aegis/internal/action"
)

// ErrUnavailable means the isolation backend could not provision an
// environment at all. Distinct from a command that ran and failed;
// the pipeline treats it as fatal for the current request.
var ErrUnavailable = errors.New("sandbox unavailable")

// OutputFilter scrubs secrets from captured output and applies the
// size cap. Filtering runs before the cap so truncation cannot hide a
// secret from the scan.
type OutputFilter interface {
	ApplyAndTruncate(text string, maxBytes int) (out string, redactions int, truncated bool)
}

// Runner abstracts the executor for the orchestrator and tests.
type Runner interface {
	Execute(ctx context.Context, req *action.Request, grantsWrite bool) (*action.SandboxResult, error)
}

// Config holds the executor's resource limits and mount allow-list.
type Config struct {
	Image          string
	Timeout        time.Duration
	CPUs           float64
	MemoryMB       int
	PidsLimit      int
	MaxOutputBytes int
	MaxConcurrent  int64
	NetworkEnabled bool

	// AllowedMounts are the only host directories visible inside a
	// container. Mounted read-only unless the authorizing rule grants
	// write access to the target path.
	AllowedMounts []string

	dockerBinary string
}

// Option is a functional option for configuring the executor.
type Option func(*Config)

func WithImage(image string) Option {
	return func(c *Config) { c.Image = image }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.Timeout = d }
}

func WithCPUs(cpus float64) Option {
	return func(c *Config) { c.CPUs = cpus }
}

func WithMemoryMB(mb int) Option {
	return func(c *Config) { c.MemoryMB = mb }
}

func WithPidsLimit(n int) Option {
	return func(c *Config) { c.PidsLimit = n }
}

func WithMaxOutputBytes(n int) Option {
	return func(c *Config) { c.MaxOutputBytes = n }
}

func WithMaxConcurrent(n int64) Option {
	return func(c *Config) { c.MaxConcurrent = n }
}

func WithNetworkEnabled(enabled bool) Option {
	return func(c *Config) { c.NetworkEnabled = enabled }
}

func WithAllowedMounts(dirs ...string) Option {
	return func(c *Config) { c.AllowedMounts = append(c.AllowedMounts, dirs...) }
}

// withDockerBinary overrides the docker binary, for tests.
func withDockerBinary(name string) Option {
	return func(c *Config) { c.dockerBinary = name }
}

// Executor provisions one container per action via the docker CLI.
type Executor struct {
	cfg      Config
	filter   OutputFilter
	sem      *semaphore
	probeErr error
}

// NewExecutor builds an executor. The docker binary is probed once;
// if missing, every Execute returns ErrUnavailable rather than
// failing construction, so the pipeline can still audit the refusals.
func NewExecutor(filter OutputFilter, opts ...Option) *Executor {
	cfg := Config{
		Image:          "alpine:latest",
		Timeout:        60 * time.Second,
		CPUs:           1.0,
		MemoryMB:       512,
		PidsLimit:      100,
		MaxOutputBytes: 64 * 1024,
		MaxConcurrent:  4,
		dockerBinary:   "docker",
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	e := &Executor{
		cfg:    cfg,
		filter: filter,
		sem:    newSemaphore(cfg.MaxConcurrent),
	}
	if _, err := exec.LookPath(cfg.dockerBinary); err != nil {
		e.probeErr = err
	}
	return e
}

// Stats exposes the concurrency gate for metrics.
func (e *Executor) Stats() SemaphoreStats {
	return e.sem.Stats()
}

// Execute runs one validated, authorized action. Requests past the
// concurrency ceiling queue here; queueing counts against the
// caller's ctx, not the sandbox timeout.
func (e *Executor) Execute(ctx context.Context, req *action.Request, grantsWrite bool) (*action.SandboxResult, error) {
	if err := e.sem.Acquire(ctx); err != nil {
		return nil, err
	}
	defer e.sem.Release()

	if e.probeErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, e.probeErr)
	}

	args, stdin, err := e.buildArgs(req, grantsWrite)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, e.cfg.dockerBinary, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	result := &action.SandboxResult{Duration: duration}

	outText, outRedactions, outTruncated := e.filter.ApplyAndTruncate(stdout.String(), e.cfg.MaxOutputBytes)
	errText, errRedactions, errTruncated := e.filter.ApplyAndTruncate(stderr.String(), e.cfg.MaxOutputBytes)
	result.Stdout = outText
	result.Stderr = errText
	result.StdoutTruncated = outTruncated
	result.StderrTruncated = errTruncated
	result.Redactions = outRedactions + errRedactions

	if runErr == nil {
		return result, nil
	}

	var exitErr *exec.ExitError
	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		// The environment was torn down; the partial capture stands.
		result.TimedOut = true
		result.ExitCode = -1
		result.LimitViolation = "timeout"
		return result, nil
	case errors.As(runErr, &exitErr):
		code := exitErr.ExitCode()
		if code == 125 {
			// The docker CLI itself failed to provision.
			return nil, fmt.Errorf("%w: %s", ErrUnavailable, strings.TrimSpace(errText))
		}
		result.ExitCode = code
		if code == 137 {
			result.LimitViolation = "memory"
		}
		return result, nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, runErr)
	}
}

// buildArgs translates an action into a docker run invocation.
func (e *Executor) buildArgs(req *action.Request, grantsWrite bool) (args []string, stdin string, err error) {
	args = []string{"run", "--rm"}

	networked := e.cfg.NetworkEnabled || req.Kind == action.KindNetwork
	if !networked {
		args = append(args, "--network", "none")
	}
	args = append(args,
		"--cpus", fmt.Sprintf("%.2f", e.cfg.CPUs),
		"--memory", fmt.Sprintf("%dm", e.cfg.MemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", e.cfg.MemoryMB),
		"--pids-limit", fmt.Sprintf("%d", e.cfg.PidsLimit),
		"--ulimit", "nofile=1024:1024",
	)

	command, stdin, err := containerCommand(req)
	if err != nil {
		return nil, "", err
	}
	if stdin != "" {
		args = append(args, "-i")
	}

	for _, mount := range e.mounts(req, grantsWrite) {
		args = append(args, "-v", mount)
	}
	args = append(args, "--tmpfs", "/workspace:rw", "-w", "/workspace")
	args = append(args, e.cfg.Image)
	args = append(args, command...)
	return args, stdin, nil
}

// containerCommand maps each action kind onto a container argv.
func containerCommand(req *action.Request) (argv []string, stdin string, err error) {
	switch req.Kind {
	case action.KindShell:
		return []string{"sh", "-c", req.Command}, "", nil
	case action.KindNetwork:
		return []string{"sh", "-c", "wget -q -O - " + shellQuote(req.Path)}, "", nil
	case action.KindFileRead:
		return []string{"cat", "--", req.Path}, "", nil
	case action.KindFileWrite:
		return []string{"sh", "-c", "cat > " + shellQuote(req.Path)}, req.Content, nil
	default:
		return nil, "", fmt.Errorf("unsupported action kind %q", req.Kind)
	}
}

// mounts returns -v specs for the allow-listed directories. Only the
// mount containing a write target becomes read-write, and only when
// the authorizing rule grants it.
func (e *Executor) mounts(req *action.Request, grantsWrite bool) []string {
	specs := make([]string, 0, len(e.cfg.AllowedMounts))
	for _, dir := range e.cfg.AllowedMounts {
		mode := "ro"
		if grantsWrite && req.Kind == action.KindFileWrite && pathWithin(dir, req.Path) {
			mode = "rw"
		}
		specs = append(specs, fmt.Sprintf("%s:%s:%s", dir, dir, mode))
	}
	return specs
}

// pathWithin reports whether target sits under dir.
func pathWithin(dir, target string) bool {
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, "../")
}

// shellQuote wraps s in single quotes, escaping embedded ones.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
