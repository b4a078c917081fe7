// Package main provides the CLI entry point for aegis, a secure
// command-execution pipeline for autonomous agents.
//
// Every proposed action flows through validation, permission rules,
// optional human approval, and a Docker sandbox; filtered output and a
// hash-chained audit trail come back out.
//
// # Basic Usage
//
// Run the pipeline as a daemon with the admin API:
//
//	aegis serve --config aegis.yaml
//
// Submit a single action locally with a console approval prompt:
//
//	aegis run shell "ls -la"
//
// Verify the audit chain:
//
//	aegis verify --db aegis-audit.db
//
// # Environment Variables
//
//   - AEGIS_CONFIG: path to the configuration file (default: aegis.yaml)
//   - AEGIS_MASTER_KEY: hex-encoded 32-byte credential encryption key
//   - AEGIS_MASTER_KEY_FILE: path to a file holding the key
//   - AEGIS_SECRET_<NAME>: fallback credential values
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "aegis",
		Short: "Secure command-execution pipeline for autonomous agents",
		Long: `aegis gates every action an agent proposes behind validation,
permission rules, human approval, and sandboxed execution, and keeps a
tamper-evident audit trail of the outcomes.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildRunCmd(),
		buildVerifyCmd(),
		buildRulesCmd(),
		buildConfigCmd(),
		buildApprovalsCmd(),
		buildCredentialCmd(),
		buildLogCmd(),
	)

	return rootCmd
}

// resolveConfigPath applies the AEGIS_CONFIG fallback and the default.
func resolveConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv("AEGIS_CONFIG"); env != "" {
		return env
	}
	return "aegis.yaml"
}
