package cli

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "cleargate",
	Short: "Policy-driven authorization decision engine",
	Long:  "Decides ALLOW, DENY, or REQUIRE_APPROVAL for every governed action,\ngates high-risk actions behind time-boxed single-use approvals, and keeps a\ntamper-evident, hash-chained audit trail of every decision.",
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// defaultDir is the base directory for local state.
func defaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "cleargate")
	}
	return filepath.Join(home, ".cleargate")
}

func defaultPolicyPath() string { return filepath.Join(defaultDir(), "policy.yaml") }
func defaultDBPath() string     { return filepath.Join(defaultDir(), "cleargate.db") }
func defaultAuditPath() string  { return filepath.Join(defaultDir(), "audit.jsonl") }
