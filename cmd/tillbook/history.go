package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:     "history",
	GroupID: "sync",
	Short:   "List recent sync sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		tenantID, err := a.tenantID()
		if err != nil {
			return err
		}
		runs, err := a.coord.History(cmd.Context(), tenantID, limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), renderMuted("No sync sessions recorded"))
			return nil
		}

		rows := make([][]string, 0, len(runs))
		for _, run := range runs {
			state := run.State
			switch state {
			case "ok":
				state = renderPass(state)
			case "partial":
				state = renderWarn(state)
			case "error":
				state = renderFail(state)
			}
			rows = append(rows, []string{
				run.FinishedAt.Local().Format("2006-01-02 15:04:05"),
				run.Kind.String(),
				state,
				strconv.Itoa(run.Pushed + run.Deleted),
				strconv.Itoa(run.Pulled + run.Removed),
				strconv.Itoa(run.Failed),
				run.Error,
			})
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderTable(
			[]string{"FINISHED", "KIND", "STATE", "OUT", "IN", "FAILED", "ERROR"}, rows))
		return nil
	},
}

func init() {
	historyCmd.Flags().IntP("limit", "n", 20, "number of sessions to show")
	rootCmd.AddCommand(historyCmd)
}
