// handlers.go contains the logic behind each command: stack wiring,
// the serve loop, and the one-shot operational commands.
package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/haasonsaas/aegis/internal/action"
	"github.com/haasonsaas/aegis/internal/approval"
	"github.com/haasonsaas/aegis/internal/audit"
	"github.com/haasonsaas/aegis/internal/config"
	"github.com/haasonsaas/aegis/internal/credentials"
	"github.com/haasonsaas/aegis/internal/observability"
	"github.com/haasonsaas/aegis/internal/permission"
	"github.com/haasonsaas/aegis/internal/pipeline"
	"github.com/haasonsaas/aegis/internal/redact"
	"github.com/haasonsaas/aegis/internal/sandbox"
	"github.com/haasonsaas/aegis/internal/server"
	"github.com/haasonsaas/aegis/internal/validator"
)

// loadConfig loads the file at path, falling back to defaults when it
// does not exist.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return config.Load(path)
}

// stack is the wired pipeline and its collaborators.
type stack struct {
	cfg       *config.Config
	logger    *observability.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	stopTrace func(context.Context) error
	audit     *audit.Store
	creds     *credentials.Store
	approvals *approval.Manager
	engine    *permission.Engine
	watcher   *permission.Watcher
	filter    *redact.Filter
	orch      *pipeline.Orchestrator
}

// buildStack wires every pipeline stage from configuration.
// withMetrics controls prometheus registration; one-shot commands
// skip it.
func buildStack(ctx context.Context, cfg *config.Config, debug, withMetrics bool) (*stack, error) {
	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:          level,
		Format:         cfg.Logging.Format,
		AddSource:      cfg.Logging.AddSource,
		RedactPatterns: cfg.Logging.RedactPatterns,
	})

	s := &stack{cfg: cfg, logger: logger}

	var opts []pipeline.Option
	if withMetrics && cfg.Metrics.Enabled {
		s.metrics = observability.NewMetrics()
		opts = append(opts, pipeline.WithMetrics(s.metrics))
	}
	s.tracer, s.stopTrace = observability.NewTracer(observability.TraceConfig{
		ServiceName:    "aegis",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})
	opts = append(opts, pipeline.WithTracer(s.tracer))

	store, err := audit.Open(cfg.Audit.Path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	s.audit = store

	engine, err := buildEngine(cfg)
	if err != nil {
		s.Close(ctx)
		return nil, err
	}
	s.engine = engine

	if cfg.Rules.Path != "" && cfg.Rules.WatchReload {
		s.watcher = permission.NewWatcher(engine, cfg.Rules.Path, logger.Slog())
		if err := s.watcher.Start(ctx); err != nil {
			logger.Warn(ctx, "rules watcher failed to start", "error", err)
			s.watcher = nil
		}
	}

	var patterns []redact.Pattern
	for label, expr := range cfg.Output.ExtraPatterns {
		p, err := redact.CompilePattern(label, expr)
		if err != nil {
			s.Close(ctx)
			return nil, fmt.Errorf("output pattern %q: %w", label, err)
		}
		patterns = append(patterns, p)
	}
	s.filter = redact.NewFilter(patterns...)

	executor := sandbox.NewExecutor(s.filter,
		sandbox.WithImage(cfg.Sandbox.Image),
		sandbox.WithTimeout(cfg.Sandbox.Timeout),
		sandbox.WithCPUs(cfg.Sandbox.CPUs),
		sandbox.WithMemoryMB(cfg.Sandbox.MemoryMB),
		sandbox.WithPidsLimit(cfg.Sandbox.PidsLimit),
		sandbox.WithMaxOutputBytes(cfg.Output.MaxBytes),
		sandbox.WithMaxConcurrent(int64(cfg.Sandbox.MaxConcurrent)),
		sandbox.WithNetworkEnabled(cfg.Sandbox.NetworkEnabled),
		sandbox.WithAllowedMounts(cfg.Sandbox.AllowedMounts...),
	)

	s.approvals = approval.NewManager(cfg.Approval.Timeout, logger.Slog())
	v := validator.New(validator.WithMaxCommandLength(cfg.Validator.MaxCommandLength))
	s.orch = pipeline.New(v, engine, s.approvals, executor, store, s.filter, logger.Slog(), opts...)

	// Register stored credential values with the output filter so the
	// sandbox scrubs them from command output.
	if key, err := credentials.LoadMasterKey(); err == nil {
		creds, err := credentials.Open(cfg.Credentials.Path, key,
			credentials.WithEnvFallback(!cfg.Credentials.DisableEnvFallback))
		if err != nil {
			logger.Warn(ctx, "credential store unavailable", "error", err)
		} else {
			s.creds = creds
			if err := s.orch.SyncCredentials(ctx, creds); err != nil {
				logger.Warn(ctx, "credential sync failed", "error", err)
			}
		}
	} else if !errors.Is(err, credentials.ErrNoMasterKey) {
		logger.Warn(ctx, "master key rejected", "error", err)
	}

	return s, nil
}

func buildEngine(cfg *config.Config) (*permission.Engine, error) {
	if cfg.Rules.Path == "" {
		return permission.NewEngine(permission.Action(cfg.Rules.DefaultAction)), nil
	}
	rf, err := permission.LoadRulesFile(cfg.Rules.Path)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	engine, err := rf.Engine()
	if err != nil {
		return nil, fmt.Errorf("compile rules: %w", err)
	}
	return engine, nil
}

func (s *stack) Close(ctx context.Context) {
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
	if s.creds != nil {
		_ = s.creds.Close()
	}
	if s.audit != nil {
		_ = s.audit.Close()
	}
	if s.stopTrace != nil {
		_ = s.stopTrace(ctx)
	}
}

// =============================================================================
// serve
// =============================================================================

func runServe(ctx context.Context, configPath, addr string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if addr == "" {
		addr = cfg.Metrics.Addr
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	s, err := buildStack(ctx, cfg, debug, true)
	if err != nil {
		return err
	}
	defer s.Close(context.Background())

	s.orch.StartMaintenance(ctx, time.Minute, pipeline.DecidedRetention)

	srv := server.New(s.orch, s.audit, s.logger.Slog())
	if err := srv.Start(addr); err != nil {
		return err
	}

	<-ctx.Done()
	s.logger.Info(context.Background(), "shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	srv.Stop(shutdownCtx)
	return nil
}

// =============================================================================
// run
// =============================================================================

func runRun(ctx context.Context, configPath, kind, payload, actor, content, contextStr string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	s, err := buildStack(ctx, cfg, false, false)
	if err != nil {
		return err
	}
	defer s.Close(context.Background())

	var opts []action.RequestOption
	switch action.Kind(kind) {
	case action.KindShell:
		opts = append(opts, action.WithCommand(payload))
	default:
		opts = append(opts, action.WithPath(payload))
	}
	if content != "" {
		opts = append(opts, action.WithContent(content))
	}
	if contextStr != "" {
		opts = append(opts, action.WithContext(contextStr))
	}

	req, err := action.NewRequest(action.Kind(kind), actor, opts...)
	if err != nil {
		return err
	}

	// Console approval: when the engine asks, prompt on stderr and
	// feed the answer back in.
	reader := bufio.NewReader(os.Stdin)
	s.approvals.OnCreate(func(pending *approval.Request) {
		fmt.Fprintf(os.Stderr, "approval required: %s (rule %s)\napprove? [y/N]: ",
			pending.Summary, pending.RuleID)
		go func() {
			line, _ := reader.ReadString('\n')
			approved := strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), "y")
			_ = s.orch.Respond(pending.ID, approved, "console", "")
		}()
	})

	res, err := s.orch.Submit(ctx, req)
	if err != nil {
		return err
	}
	printResult(res)
	if res.State != action.StateExecuted {
		os.Exit(2)
	}
	return nil
}

func printResult(res *action.PipelineResult) {
	fmt.Printf("request:  %s\n", res.RequestID)
	fmt.Printf("state:    %s (%s)\n", res.State, res.Reason)
	if res.Detail != "" {
		fmt.Printf("detail:   %s\n", res.Detail)
	}
	if sb := res.Sandbox; sb != nil {
		fmt.Printf("exit:     %d (took %s)\n", sb.ExitCode, sb.Duration.Round(time.Millisecond))
		if sb.TimedOut {
			fmt.Println("          execution hit the sandbox timeout")
		}
		if sb.LimitViolation != "" {
			fmt.Printf("          limit violated: %s\n", sb.LimitViolation)
		}
		if sb.Stdout != "" {
			fmt.Print(sb.Stdout)
			if !strings.HasSuffix(sb.Stdout, "\n") {
				fmt.Println()
			}
		}
		if sb.Stderr != "" {
			fmt.Fprint(os.Stderr, sb.Stderr)
		}
		if sb.StdoutTruncated || sb.StderrTruncated {
			fmt.Fprintln(os.Stderr, "(output truncated)")
		}
		if sb.Redactions > 0 {
			fmt.Fprintf(os.Stderr, "(%d secret(s) redacted)\n", sb.Redactions)
		}
	}
}

// =============================================================================
// verify / log tail
// =============================================================================

func auditPath(configPath, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return "", err
	}
	return cfg.Audit.Path, nil
}

func runVerify(ctx context.Context, configPath, dbPath string, fromSeq, toSeq uint64) error {
	path, err := auditPath(configPath, dbPath)
	if err != nil {
		return err
	}
	store, err := audit.Open(path)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer store.Close()

	result, err := store.Verify(ctx, fromSeq, toSeq)
	if err != nil {
		return err
	}
	if result.OK {
		fmt.Printf("chain intact: %d entries verified\n", result.Checked)
		return nil
	}
	return fmt.Errorf("chain broken at seq %d: %s", result.FirstBadSeq, result.Detail)
}

func runLogTail(ctx context.Context, configPath, dbPath string, n int) error {
	path, err := auditPath(configPath, dbPath)
	if err != nil {
		return err
	}
	store, err := audit.Open(path)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer store.Close()

	entries, err := store.Tail(ctx, n)
	if err != nil {
		return err
	}
	for _, e := range entries {
		line := fmt.Sprintf("%6d  %s  %-12s %-20s %s",
			e.Seq, e.Time.Format(time.RFC3339), e.State, e.Actor, e.Summary)
		if e.Reason != "" {
			line += "  [" + e.Reason + "]"
		}
		fmt.Println(line)
	}
	return nil
}

// =============================================================================
// rules
// =============================================================================

func runRules(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	engine, err := buildEngine(cfg)
	if err != nil {
		return err
	}

	rules := engine.Rules()
	if len(rules) == 0 {
		fmt.Println("no rules configured")
	}
	for i, r := range rules {
		desc := r.Description
		if desc == "" {
			desc = "-"
		}
		fmt.Printf("%3d. [%-5s] %-11s %-40s %s\n", i+1, r.Action, r.Resource, r.Pattern, desc)
	}
	fmt.Printf("default: %s\n", engine.DefaultAction())
	return nil
}

// =============================================================================
// config
// =============================================================================

func runConfigSchema() error {
	data, err := config.JSONSchema()
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func runConfigCheck(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if _, err := buildEngine(cfg); err != nil {
		return err
	}
	fmt.Printf("%s: ok\n", configPath)
	return nil
}

// =============================================================================
// approvals (HTTP client against a running daemon)
// =============================================================================

var adminClient = &http.Client{Timeout: 10 * time.Second}

func runApprovalsList(ctx context.Context, addr string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr+"/v1/approvals", nil)
	if err != nil {
		return err
	}
	resp, err := adminClient.Do(req)
	if err != nil {
		return fmt.Errorf("admin api: %w", err)
	}
	defer resp.Body.Close()

	var pending []approval.Request
	if err := json.NewDecoder(resp.Body).Decode(&pending); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if len(pending) == 0 {
		fmt.Println("no pending approvals")
		return nil
	}
	for _, p := range pending {
		fmt.Printf("%s  %-10s %-20s %s (expires %s)\n",
			p.ID, p.Kind, p.Actor, p.Summary, p.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

func runApprovalsRespond(ctx context.Context, addr, id string, approved bool, by, reason string) error {
	payload, err := json.Marshal(server.ApprovalResponse{
		Approved: approved, DecidedBy: by, Reason: reason,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		addr+"/v1/approvals/"+id, strings.NewReader(string(payload)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := adminClient.Do(req)
	if err != nil {
		return fmt.Errorf("admin api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("admin api: %s", apiErr.Error)
	}
	verb := "approved"
	if !approved {
		verb = "denied"
	}
	fmt.Printf("request %s %s by %s\n", id, verb, by)
	return nil
}

// =============================================================================
// credential
// =============================================================================

func openCredentials(configPath string) (*credentials.Store, *config.Config, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	key, err := credentials.LoadMasterKey()
	if err != nil {
		return nil, nil, err
	}
	store, err := credentials.Open(cfg.Credentials.Path, key,
		credentials.WithEnvFallback(!cfg.Credentials.DisableEnvFallback))
	if err != nil {
		return nil, nil, err
	}
	return store, cfg, nil
}

func runCredentialSet(ctx context.Context, configPath, name string) error {
	store, _, err := openCredentials(configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	var value string
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintf(os.Stderr, "value for %q: ", name)
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("read value: %w", err)
		}
		value = string(raw)
	} else {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read value: %w", err)
		}
		value = strings.TrimRight(line, "\n")
	}
	if value == "" {
		return errors.New("empty value")
	}

	if err := store.Set(ctx, name, value); err != nil {
		return err
	}
	fmt.Printf("stored %q\n", name)
	return nil
}

func runCredentialList(ctx context.Context, configPath string) error {
	store, _, err := openCredentials(configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	infos, err := store.List(ctx)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Println("no credentials stored")
		return nil
	}
	for _, info := range infos {
		fmt.Printf("%-30s updated %s\n", info.Name, info.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}

func runCredentialRm(ctx context.Context, configPath, name string) error {
	store, _, err := openCredentials(configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Delete(ctx, name); err != nil {
		return err
	}
	fmt.Printf("deleted %q\n", name)
	return nil
}

func runCredentialRotateKey(ctx context.Context, configPath string) error {
	store, _, err := openCredentials(configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	newKey, err := credentials.GenerateKey()
	if err != nil {
		return err
	}
	if err := store.RotateKey(ctx, newKey); err != nil {
		return err
	}
	fmt.Printf("store re-encrypted; new master key:\n%s\n", hex.EncodeToString(newKey))
	fmt.Fprintln(os.Stderr, "update AEGIS_MASTER_KEY (or the key file) before the next run")
	return nil
}
