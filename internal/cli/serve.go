package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mlevins/cleargate/internal/server"
)

var (
	serveAddr     string
	servePolicy   string
	serveDB       string
	serveAuditLog string
	serveTTL      time.Duration
	serveRepAge   time.Duration
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8460", "HTTP listen address")
	serveCmd.Flags().StringVar(&servePolicy, "policy", defaultPolicyPath(), "Path to policy YAML")
	serveCmd.Flags().StringVar(&serveDB, "db", defaultDBPath(), "Path to sqlite store (empty = in-memory)")
	serveCmd.Flags().StringVar(&serveAuditLog, "audit-log", defaultAuditPath(), "Path to audit log JSONL file")
	serveCmd.Flags().DurationVar(&serveTTL, "approval-ttl", 0, "Approval TTL (default 5m)")
	serveCmd.Flags().DurationVar(&serveRepAge, "reputation-max-age", 0, "Staleness bound for cached reputation (default 15m)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the governance HTTP server",
	Long:  "Serves the decision and approval endpoints over HTTP.\nSupports hot-reload of the policy file: edits are validated and swapped in\natomically, and a malformed file leaves the active policy set untouched.",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg := server.Config{
		Addr:             serveAddr,
		PolicyPath:       servePolicy,
		AuditLogPath:     serveAuditLog,
		DBPath:           serveDB,
		ApprovalTTL:      serveTTL,
		ReputationMaxAge: serveRepAge,
	}

	// A missing policy file is not an error at first boot; serve falls
	// back to the built-in default set (which still denies by default).
	if cfg.PolicyPath != "" {
		if _, err := os.Stat(cfg.PolicyPath); err != nil {
			fmt.Fprintf(os.Stderr, "policy file %s not found, using built-in defaults (run 'cleargate init-policy')\n", cfg.PolicyPath)
			cfg.PolicyPath = ""
		}
	}

	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down...")
		cancel()
	}()

	return srv.Run(ctx)
}
