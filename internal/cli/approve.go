package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mlevins/cleargate/internal/approval"
	"github.com/mlevins/cleargate/internal/audit"
	"github.com/mlevins/cleargate/internal/store"
)

var (
	confirmToken string
	confirmBy    string
	confirmDB    string
	confirmAudit string
)

func init() {
	for _, c := range []*cobra.Command{approveCmd, denyCmd} {
		rootCmd.AddCommand(c)
		c.Flags().StringVar(&confirmToken, "token", "", "One-time confirmation token from the approval request (required)")
		c.Flags().StringVar(&confirmBy, "by", "human:operator", "Subject reference recorded as the confirmer")
		c.Flags().StringVar(&confirmDB, "db", defaultDBPath(), "Path to sqlite store")
		c.Flags().StringVar(&confirmAudit, "audit-log", defaultAuditPath(), "Path to audit log JSONL file")
		c.MarkFlagRequired("token")
	}
}

var approveCmd = &cobra.Command{
	Use:   "approve <approval-id>",
	Short: "Confirm a pending approval",
	Long:  "Resolves a pending approval to APPROVED. The token is single-use:\na second confirmation attempt fails as a detected replay, and a token past\nits deadline fails as expired no matter what.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConfirm(args[0], true)
	},
}

var denyCmd = &cobra.Command{
	Use:   "deny <approval-id>",
	Short: "Refuse a pending approval",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConfirm(args[0], false)
	},
}

func runConfirm(approvalID string, approved bool) error {
	svc, closeFn, err := openApprovalService()
	if err != nil {
		return err
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, err := svc.Confirm(ctx, approvalID, confirmToken, approved, confirmBy)
	if err != nil {
		return fmt.Errorf("confirm %s: %w", approvalID, err)
	}

	fmt.Printf("%s  decision=%s  by=%s\n", a.Status, a.DecisionID, a.ApprovedBy)
	return nil
}

// openApprovalService builds a Service over the same durable store the
// server uses.
func openApprovalService() (*approval.Service, func(), error) {
	st, err := store.OpenSQLite(confirmDB)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}

	var sink audit.Sink
	var log *audit.Log
	if confirmAudit != "" {
		log, err = audit.Open(confirmAudit)
		if err != nil {
			st.Close()
			return nil, nil, fmt.Errorf("open audit log: %w", err)
		}
		sink = log
	}

	closeFn := func() {
		if log != nil {
			log.Close()
		}
		st.Close()
	}
	return approval.NewService(st, sink, 0), closeFn, nil
}
