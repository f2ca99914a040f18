package cli

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/Oniqq60/task_system_control/settlement/internal/settlement"
	"github.com/spf13/cobra"
)

var (
	listEmployer string
	listWorker   string
	listStatus   string
	listLimit    int
	confirmID    string
)

var getCmd = &cobra.Command{
	Use:   "get <task-id>",
	Short: "Show a task after a reconciling read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireSettlement(); err != nil {
			return err
		}
		ctx, cancel := callContext(cmd)
		defer cancel()

		reply, err := Settlement.GetTask(ctx, &settlement.TaskRequest{TaskID: args[0]})
		if err != nil {
			return fmt.Errorf("getting task: %w", err)
		}
		printReply(cmd, reply)
		return nil
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <task-id>",
	Short: "Compare a task against the ledger and repair divergence",
	Long: `Reconcile reads the ledger, resolves any in-flight operation and advances
the shadow record when the ledger is ahead. Divergence that cannot be
resolved by advancing moves the task to FAILED and is reported as a conflict.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireSettlement(); err != nil {
			return err
		}
		ctx, cancel := callContext(cmd)
		defer cancel()

		reply, err := Settlement.ReconcileTask(ctx, &settlement.TaskRequest{TaskID: args[0]})
		if err != nil {
			return fmt.Errorf("reconciling task: %w", err)
		}
		printReply(cmd, reply)
		if reply.Conflict != "" {
			return fmt.Errorf("reconciliation conflict: %s", reply.Conflict)
		}
		return nil
	},
}

var confirmCmd = &cobra.Command{
	Use:   "confirm <task-id>",
	Short: "Confirm a ledger id derived from the task counter",
	Long: `Confirm verifies that a ledger task matches the shadow record's employer,
amount and title, then marks its ledger id as confirmed.

Without --ledger-id the most recent ledger tasks are searched; the command
fails if none or more than one of them match.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireSettlement(); err != nil {
			return err
		}
		req := &settlement.ConfirmLedgerIDRequest{TaskID: args[0]}
		if confirmID != "" {
			id, err := strconv.ParseUint(confirmID, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid --ledger-id %q: %w", confirmID, err)
			}
			req.Candidate = &id
		}

		ctx, cancel := callContext(cmd)
		defer cancel()

		reply, err := Settlement.ConfirmLedgerID(ctx, req)
		if err != nil {
			return fmt.Errorf("confirming ledger id: %w", err)
		}
		printTask(cmd.OutOrStdout(), reply.Task)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks from the shadow store",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireSettlement(); err != nil {
			return err
		}
		ctx, cancel := callContext(cmd)
		defer cancel()

		reply, err := Settlement.ListTasks(ctx, &settlement.ListTasksRequest{
			EmployerID: listEmployer,
			WorkerID:   listWorker,
			Status:     listStatus,
			Limit:      listLimit,
		})
		if err != nil {
			return fmt.Errorf("listing tasks: %w", err)
		}
		if len(reply.Tasks) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No tasks found.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tLEDGER\tAMOUNT (WEI)\tPENDING")
		for _, task := range reply.Tasks {
			ledgerID := "-"
			if task.LedgerTaskID != nil {
				ledgerID = strconv.FormatUint(*task.LedgerTaskID, 10)
				if !task.LedgerIDConfirmed {
					ledgerID += "?"
				}
			}
			pending := "-"
			if task.PendingOp != nil {
				pending = string(*task.PendingOp)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", task.ID, task.Status, ledgerID, task.AmountWei, pending)
		}
		return w.Flush()
	},
}

func printReply(cmd *cobra.Command, reply *settlement.TaskReply) {
	out := cmd.OutOrStdout()
	printTask(out, reply.Task)
	if reply.Reconcile != "" {
		fmt.Fprintf(out, "  Reconcile: %s\n", reply.Reconcile)
	}
	if reply.LedgerError != "" {
		fmt.Fprintf(out, "  Ledger error: %s\n", reply.LedgerError)
	}
}

func init() {
	listCmd.Flags().StringVar(&listEmployer, "employer", "", "Filter by employer id")
	listCmd.Flags().StringVar(&listWorker, "worker", "", "Filter by worker id")
	listCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status (e.g. FAILED)")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "Maximum number of tasks")
	confirmCmd.Flags().StringVar(&confirmID, "ledger-id", "", "Candidate ledger id to verify")

	rootCmd.AddCommand(getCmd, reconcileCmd, confirmCmd, listCmd)
}
