package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history <task-id>",
	Short: "Print the audit journal of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if History == nil {
			return fmt.Errorf("audit journal not initialized")
		}
		ctx, cancel := callContext(cmd)
		defer cancel()

		entries, err := History.ForTask(ctx, args[0])
		if err != nil {
			return fmt.Errorf("reading history: %w", err)
		}
		if len(entries) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No history for task %s.\n", args[0])
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tOP\tOUTCOME\tTRANSITION\tTX\tERROR")
		for _, e := range entries {
			transition := e.FromStatus
			if e.ToStatus != "" && e.ToStatus != e.FromStatus {
				transition += " -> " + e.ToStatus
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				e.RecordedAt.Format(time.RFC3339), e.Op, e.Outcome, transition, dash(e.TxHash), dash(e.Error))
		}
		return w.Flush()
	},
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	rootCmd.AddCommand(historyCmd)
}
