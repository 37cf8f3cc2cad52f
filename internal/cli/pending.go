package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mlevins/cleargate/internal/model"
	"github.com/mlevins/cleargate/internal/store"
)

var pendingDB string

func init() {
	rootCmd.AddCommand(pendingCmd)
	pendingCmd.Flags().StringVar(&pendingDB, "db", defaultDBPath(), "Path to sqlite store")
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List pending approval requests",
	Long:  "Shows approvals still awaiting confirmation, with their decision,\nrequester, and deadline.",
	RunE:  runPending,
}

func runPending(cmd *cobra.Command, args []string) error {
	st, err := store.OpenSQLite(pendingDB)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	list, err := st.ListApprovals(ctx, model.ApprovalPending)
	if err != nil {
		return fmt.Errorf("list approvals: %w", err)
	}

	if len(list) == 0 {
		fmt.Println("No pending approvals.")
		return nil
	}

	fmt.Printf("%-38s %-38s %-22s %s\n", "APPROVAL", "DECISION", "REQUESTED BY", "EXPIRES")
	now := time.Now().UTC()
	for _, a := range list {
		remaining := "expired"
		if a.ExpiresAt.After(now) {
			remaining = "in " + a.ExpiresAt.Sub(now).Round(time.Second).String()
		}
		fmt.Printf("%-38s %-38s %-22s %s\n", a.ApprovalID, a.DecisionID, truncate(a.RequestedBy, 22), remaining)
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
