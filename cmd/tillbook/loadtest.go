package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tillbook/tillbook/internal/loadtest"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "setup",
	Short:   "Simulate many devices syncing one tenant and check they converge",
	Long: `Simulate concurrent devices of one tenant against an in-memory remote.

Each device runs rounds of local writes (adds, an edit of another device's
record and a delete) followed by a sync session. Optionally a fraction of
remote calls fail with a transient error. When the rounds finish, faults
are cleared, every device syncs until idle, and the command verifies that
all devices hold exactly the remote state.

Examples:
  # 20 devices, 10 writes per round, 5 rounds
  tillbook loadtest --devices 20 --writes 10 --rounds 5

  # With 10% of remote calls failing
  tillbook loadtest --faults 0.1 --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		devices, _ := cmd.Flags().GetInt("devices")
		writes, _ := cmd.Flags().GetInt("writes")
		rounds, _ := cmd.Flags().GetInt("rounds")
		faults, _ := cmd.Flags().GetFloat64("faults")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		if devices <= 0 || writes <= 0 || rounds <= 0 {
			return fmt.Errorf("--devices, --writes and --rounds must be positive")
		}
		if faults < 0 || faults >= 1 {
			return fmt.Errorf("--faults must be in [0, 1)")
		}

		dir, err := os.MkdirTemp("", "tillbook-loadtest-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)

		ctx := cmd.Context()
		cluster, err := loadtest.NewCluster(ctx, dir, devices, nil)
		if err != nil {
			return err
		}
		defer cluster.Close()

		cluster.InjectFaults(faults)
		start := time.Now()
		stats, err := cluster.Run(ctx, writes, rounds)
		if err != nil {
			return err
		}
		elapsed := time.Since(start)

		convergeErr := cluster.Converge(ctx)
		if convergeErr == nil {
			convergeErr = cluster.VerifyConvergence(ctx)
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			result := map[string]any{
				"devices":    devices,
				"elapsed_ms": elapsed.Milliseconds(),
				"sessions":   stats.Sessions,
				"errors":     stats.Errors,
				"failures":   stats.Failures,
				"writes":     stats.Writes,
				"updates":    stats.Updates,
				"deletes":    stats.Deletes,
				"p50_ms":     float64(stats.P50.Microseconds()) / 1000,
				"p95_ms":     float64(stats.P95.Microseconds()) / 1000,
				"p99_ms":     float64(stats.P99.Microseconds()) / 1000,
				"converged":  convergeErr == nil,
			}
			if err := enc.Encode(result); err != nil {
				return err
			}
			return convergeErr
		}

		fmt.Fprintf(out, "\n%s Load test: %d devices, %d rounds in %v\n\n",
			renderAccent("⇅"), devices, rounds, elapsed.Round(time.Millisecond))
		stats.Print(out)
		fmt.Fprintln(out)
		if convergeErr != nil {
			return fmt.Errorf("devices did not converge: %w", convergeErr)
		}
		fmt.Fprintf(out, "%s All devices converged\n", renderPass("✓"))
		return nil
	},
}

func init() {
	loadtestCmd.Flags().Int("devices", 10, "number of simulated devices")
	loadtestCmd.Flags().Int("writes", 10, "customers added per device per round")
	loadtestCmd.Flags().Int("rounds", 5, "write-then-sync rounds per device")
	loadtestCmd.Flags().Float64("faults", 0, "fraction of remote calls that fail transiently")
	loadtestCmd.Flags().Bool("json", false, "output results as JSON")
	rootCmd.AddCommand(loadtestCmd)
}
