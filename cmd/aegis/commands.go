// commands.go contains the cobra command definitions and their flag
// configurations. Each builder creates a command and wires it to its
// handler in handlers.go.
package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline as a daemon with the admin API",
		Long: `Run the pipeline as a long-lived process.

The daemon:
1. Loads configuration (or defaults when the file is absent)
2. Opens the audit log and credential store
3. Loads permission rules and watches the file for changes
4. Serves the admin API: submit, approvals, audit verify/tail,
   /healthz, and prometheus /metrics

Graceful shutdown on SIGINT/SIGTERM.`,
		Example: `  aegis serve
  aegis serve --config /etc/aegis/aegis.yaml --addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), addr, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&addr, "addr", "", "Admin API listen address (overrides metrics.addr)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

// =============================================================================
// Run Command
// =============================================================================

func buildRunCmd() *cobra.Command {
	var (
		configPath string
		actor      string
		content    string
		contextStr string
	)

	cmd := &cobra.Command{
		Use:   "run <kind> <payload>",
		Short: "Submit one action through the pipeline locally",
		Long: `Submit a single action and wait for its terminal state.

Kind is one of: shell, file_read, file_write, network. The payload is
the command line for shell, the path for file operations, or the URL
for network. When a permission rule asks for approval, the decision is
prompted on the console.`,
		Example: `  aegis run shell "ls -la"
  aegis run file_read /etc/hostname
  aegis run file_write /workspace/out.txt --content "hello"
  aegis run network https://example.com/feed.json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd.Context(), resolveConfigPath(configPath), args[0], args[1], actor, content, contextStr)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&actor, "actor", "cli", "Actor recorded for the request")
	cmd.Flags().StringVar(&content, "content", "", "Data to write (file_write only)")
	cmd.Flags().StringVar(&contextStr, "context", "", "Upstream conversation context to scan")

	return cmd
}

// =============================================================================
// Audit Commands
// =============================================================================

func buildVerifyCmd() *cobra.Command {
	var (
		configPath string
		dbPath     string
		fromSeq    uint64
		toSeq      uint64
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the audit log hash chain",
		Long: `Recompute every entry hash and prev-hash link in the audit log and
report the first broken sequence number, if any.`,
		Example: `  aegis verify
  aegis verify --db /var/lib/aegis/audit.db
  aegis verify --from 100 --to 200`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd.Context(), resolveConfigPath(configPath), dbPath, fromSeq, toSeq)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&dbPath, "db", "", "Audit database path (overrides config)")
	cmd.Flags().Uint64Var(&fromSeq, "from", 0, "First sequence number to check (0 = start)")
	cmd.Flags().Uint64Var(&toSeq, "to", 0, "Last sequence number to check (0 = end)")

	return cmd
}

func buildLogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Inspect the audit log",
	}
	cmd.AddCommand(buildLogTailCmd())
	return cmd
}

func buildLogTailCmd() *cobra.Command {
	var (
		configPath string
		dbPath     string
		n          int
	)

	cmd := &cobra.Command{
		Use:     "tail",
		Short:   "Show the most recent audit entries",
		Example: `  aegis log tail -n 50`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogTail(cmd.Context(), resolveConfigPath(configPath), dbPath, n)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&dbPath, "db", "", "Audit database path (overrides config)")
	cmd.Flags().IntVarP(&n, "lines", "n", 20, "Number of entries to show")

	return cmd
}

// =============================================================================
// Rules Command
// =============================================================================

func buildRulesCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Dump the effective permission rules in evaluation order",
		Example: `  aegis rules
  aegis rules --config /etc/aegis/aegis.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRules(resolveConfigPath(configPath))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")

	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and check pipeline configuration",
	}
	cmd.AddCommand(buildConfigSchemaCmd(), buildConfigCheckCmd())
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema for the config file",
		Long: `Print the JSON Schema describing aegis.yaml. Point an editor or a
schema-aware linter at it to validate config files as they are written.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema()
		},
	}
	return cmd
}

func buildConfigCheckCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Load and validate the config file without starting anything",
		Example: `  aegis config check
  aegis config check --config /etc/aegis/aegis.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigCheck(resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

// =============================================================================
// Approvals Commands (against a running daemon)
// =============================================================================

func buildApprovalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "Inspect and decide pending approvals on a running daemon",
	}
	cmd.AddCommand(buildApprovalsListCmd(), buildApprovalsApproveCmd(), buildApprovalsDenyCmd())
	return cmd
}

func buildApprovalsListCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests awaiting a decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApprovalsList(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:9090", "Admin API address")
	return cmd
}

func buildApprovalsApproveCmd() *cobra.Command {
	var (
		addr   string
		by     string
		reason string
	)

	cmd := &cobra.Command{
		Use:   "approve <request-id>",
		Short: "Approve a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApprovalsRespond(cmd.Context(), addr, args[0], true, by, reason)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:9090", "Admin API address")
	cmd.Flags().StringVar(&by, "by", "operator", "Approver identity recorded in the audit log")
	cmd.Flags().StringVar(&reason, "reason", "", "Optional justification")
	return cmd
}

func buildApprovalsDenyCmd() *cobra.Command {
	var (
		addr   string
		by     string
		reason string
	)

	cmd := &cobra.Command{
		Use:   "deny <request-id>",
		Short: "Deny a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApprovalsRespond(cmd.Context(), addr, args[0], false, by, reason)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:9090", "Admin API address")
	cmd.Flags().StringVar(&by, "by", "operator", "Identity recorded in the audit log")
	cmd.Flags().StringVar(&reason, "reason", "", "Optional justification")
	return cmd
}

// =============================================================================
// Credential Commands
// =============================================================================

func buildCredentialCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage the encrypted credential store",
	}
	cmd.AddCommand(
		buildCredentialSetCmd(),
		buildCredentialListCmd(),
		buildCredentialRmCmd(),
		buildCredentialRotateKeyCmd(),
	)
	return cmd
}

func buildCredentialSetCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "set <name>",
		Short: "Store a credential (value prompted without echo)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCredentialSet(cmd.Context(), resolveConfigPath(configPath), args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

func buildCredentialListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List credential names (never values)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCredentialList(cmd.Context(), resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

func buildCredentialRmCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "rm <name>",
		Short: "Delete a credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCredentialRm(cmd.Context(), resolveConfigPath(configPath), args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

func buildCredentialRotateKeyCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "rotate-key",
		Short: "Re-encrypt the store under a freshly generated key",
		Long: `Generate a new 32-byte key, re-encrypt every credential under it in a
single transaction, and print the new key as hex. Store it in
AEGIS_MASTER_KEY (or the key file) before the next run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCredentialRotateKey(cmd.Context(), resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}
