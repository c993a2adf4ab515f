package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"terminal-trader/internal/store"
	"terminal-trader/pkg/utils"
)

func newHistoryCmd(app *App) *cobra.Command {
	var (
		filter store.ExecutionFilter
		since  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "history [execution-id]",
		Short: "Show journaled executions, or one execution's trace",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			journal, err := store.NewSQLiteJournal(app.Config.Backend.JournalPath)
			if err != nil {
				return err
			}
			defer journal.Close()

			if len(args) == 1 {
				lines, err := journal.ExecutionLogs(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if output.IsJSON() {
					return output.JSON(map[string]interface{}{"id": args[0], "logs": lines})
				}
				if len(lines) == 0 {
					output.Warning("No trace for %s", args[0])
				}
				for _, l := range lines {
					output.Println(l)
				}
				return nil
			}

			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			records, err := journal.RecentExecutions(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				data, err := store.Export(records)
				if err != nil {
					return err
				}
				output.Println(string(data))
				return nil
			}
			if len(records) == 0 {
				output.Dim("No executions recorded.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tID\tSYMBOL\tSIDE\tQTY\tENTRY\tDURATION\tOUTCOME")
			for _, r := range records {
				qty, entry := "auto", "-"
				if r.Requested > 0 {
					qty = utils.FormatQuantity(r.Requested)
				}
				if r.Details != nil {
					qty = utils.FormatQuantity(r.Details.Quantity)
					entry = utils.FormatPrice(r.Details.EntryPrice)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					r.CreatedAt.Local().Format("01-02 15:04:05"), r.ID, r.Symbol, r.Direction,
					qty, entry, r.Duration.Round(100*time.Millisecond), Outcome(r.Outcome))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&filter.Symbol, "symbol", "s", "", "only this instrument")
	cmd.Flags().StringVar(&filter.Outcome, "outcome", "", "only this outcome (filled, rejected, blocked, indeterminate, failed)")
	cmd.Flags().StringVar(&filter.Backend, "backend", "", "only this backend (terminal, rest)")
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 20, "maximum rows")
	cmd.Flags().DurationVar(&since, "since", 0, "only executions newer than this (e.g. 24h)")
	return cmd
}
