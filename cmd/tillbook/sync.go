package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tillbook/tillbook/internal/syncer"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Push local changes and pull remote ones",
	Long: `Run one sync session per kind for the current tenant.

Each session pushes dirty records and tombstones, then pulls the remote
listing. A device that has never completed an initial sync is hydrated
first. Records that fail are reported and retried on the next sync.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		kindNames, _ := cmd.Flags().GetStringSlice("kind")

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		tenantID, err := a.tenantID()
		if err != nil {
			return err
		}
		kinds, err := a.kinds(kindNames)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if !a.monitor.Check(ctx) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s Remote unreachable; local changes stay queued\n", renderWarn("⚠"))
			return nil
		}

		hydrated, err := a.coord.Hydrated(ctx, tenantID)
		if err != nil {
			return err
		}
		if !hydrated {
			fmt.Fprintf(cmd.OutOrStdout(), "%s Hydrating %s...\n", renderAccent("↓"), tenantID)
			if _, err := a.coord.InitialSync(ctx, tenantID); err != nil {
				return err
			}
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s Syncing %d kinds for %s...\n", renderAccent("⇅"), len(kinds), tenantID)
		start := time.Now()
		report, err := a.coord.Sync(ctx, tenantID, kinds...)
		if err != nil {
			return err
		}

		printReport(cmd.OutOrStdout(), report)
		elapsed := time.Since(start).Round(time.Millisecond)
		if n := countFailures(report); n > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "\n%s Sync finished in %v with %d failed records\n", renderWarn("⚠"), elapsed, n)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\n%s Sync complete in %v\n", renderPass("✓"), elapsed)
		return nil
	},
}

func countFailures(r *syncer.Report) int {
	n := len(r.Errors)
	for _, res := range r.Results {
		n += len(res.Failures)
	}
	return n
}

func printReport(w io.Writer, r *syncer.Report) {
	rows := make([][]string, 0, len(r.Results))
	for _, res := range r.Results {
		errText := ""
		if err := r.Errors[res.Kind]; err != nil {
			errText = renderFail(err.Error())
		} else if len(res.Failures) > 0 {
			errText = renderWarn(res.Failures[0].Error())
			if len(res.Failures) > 1 {
				errText += renderMuted(fmt.Sprintf(" (+%d more)", len(res.Failures)-1))
			}
		}
		rows = append(rows, []string{
			res.Kind.String(),
			strconv.Itoa(res.Pushed),
			strconv.Itoa(res.Deleted),
			strconv.Itoa(res.Pulled),
			strconv.Itoa(res.Removed),
			errText,
		})
	}
	fmt.Fprintln(w, renderTable([]string{"KIND", "PUSHED", "DELETED", "PULLED", "REMOVED", "ERRORS"}, rows))
}

func init() {
	syncCmd.Flags().StringSliceP("kind", "k", nil, "kinds to sync (default all)")
	rootCmd.AddCommand(syncCmd)
}
