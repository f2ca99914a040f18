// Package cli implements settlectl, the operator tool for tasks that need
// manual review.
package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/Oniqq60/task_system_control/settlement/internal/audit"
	"github.com/Oniqq60/task_system_control/settlement/internal/settlement"
	"github.com/spf13/cobra"
)

// SettlementAPI is the internal RPC surface settlectl drives.
type SettlementAPI interface {
	GetTask(ctx context.Context, req *settlement.TaskRequest) (*settlement.TaskReply, error)
	ListTasks(ctx context.Context, req *settlement.ListTasksRequest) (*settlement.ListTasksReply, error)
	ReconcileTask(ctx context.Context, req *settlement.TaskRequest) (*settlement.TaskReply, error)
	ConfirmLedgerID(ctx context.Context, req *settlement.ConfirmLedgerIDRequest) (*settlement.TaskReply, error)
}

// Set by main before Execute.
var (
	Settlement SettlementAPI
	History    audit.Journal
)

var callTimeout = 30 * time.Second

var rootCmd = &cobra.Command{
	Use:   "settlectl",
	Short: "Operator tool for the escrow settlement service",
	Long: `settlectl inspects and repairs settlement tasks.

It reconciles shadow records against the ledger, confirms ledger ids that
were derived from the task counter, and prints the audit history of a task.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().DurationVar(&callTimeout, "timeout", callTimeout, "Timeout for each call to the settlement service")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func requireSettlement() error {
	if Settlement == nil {
		return fmt.Errorf("settlement client not initialized")
	}
	return nil
}

func callContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, callTimeout)
}

func printTask(w io.Writer, task settlement.Task) {
	fmt.Fprintf(w, "Task %s\n", task.ID)
	fmt.Fprintf(w, "  Status:   %s\n", task.Status)
	if task.LedgerTaskID != nil {
		confirmed := ""
		if !task.LedgerIDConfirmed {
			confirmed = " (unconfirmed)"
		}
		fmt.Fprintf(w, "  Ledger:   %d%s\n", *task.LedgerTaskID, confirmed)
	}
	fmt.Fprintf(w, "  Employer: %s %s\n", task.EmployerID, task.EmployerAddress)
	if task.WorkerAddress != nil {
		worker := "-"
		if task.WorkerID != nil {
			worker = task.WorkerID.String()
		}
		fmt.Fprintf(w, "  Worker:   %s %s\n", worker, *task.WorkerAddress)
	}
	fmt.Fprintf(w, "  Amount:   %s wei (%s)\n", task.AmountWei, task.CurrencyLabel)
	fmt.Fprintf(w, "  Accepted: client=%t worker=%t\n", task.ClientAccepted, task.WorkerAccepted)
	if task.PendingOp != nil {
		hash := "-"
		if task.PendingTxHash != nil {
			hash = *task.PendingTxHash
		}
		fmt.Fprintf(w, "  Pending:  %s tx=%s\n", *task.PendingOp, hash)
	}
	if task.FailureReason != nil {
		fmt.Fprintf(w, "  Failure:  %s\n", *task.FailureReason)
	}
}
