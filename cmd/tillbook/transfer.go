package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tillbook/tillbook/internal/migrate"
	"github.com/tillbook/tillbook/internal/record"
)

var importCmd = &cobra.Command{
	Use:     "import <kind> <file.jsonl>",
	GroupID: "data",
	Short:   "Import records of a kind from JSONL",
	Long: `Import records from a JSONL file, one {"id", "payload", "created_at",
"updated_at"} object per line. Only payload is required. Imported records
are queued for push on the next sync. Use - to read from stdin.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		tenantID, err := a.tenantID()
		if err != nil {
			return err
		}

		var in io.Reader = cmd.InOrStdin()
		if args[1] != "-" {
			// #nosec G304 - controlled path from CLI
			f, err := os.Open(args[1])
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", args[1], err)
			}
			defer f.Close()
			in = f
		}

		res, err := migrate.Import(cmd.Context(), a.local, a.registry, in, migrate.ImportOptions{
			Kind:     record.Kind(args[0]),
			TenantID: tenantID,
			DryRun:   dryRun,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		verb := "Imported"
		if dryRun {
			verb = "Would import"
		}
		fmt.Fprintf(out, "%s %s %d of %d records (%d older than local)\n",
			renderPass("✓"), verb, res.Imported, res.Read, res.Skipped)
		for _, e := range res.Errors {
			fmt.Fprintf(out, "  %s %s\n", renderWarn("⚠"), e)
		}
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:     "export <kind>",
	GroupID: "data",
	Short:   "Export live records of a kind as JSONL",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		outPath, _ := cmd.Flags().GetString("output")

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		tenantID, err := a.tenantID()
		if err != nil {
			return err
		}
		kinds, err := a.kinds(args)
		if err != nil {
			return err
		}

		var out io.Writer = cmd.OutOrStdout()
		if outPath != "" {
			f, err := os.Create(outPath)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}

		n, err := migrate.Export(cmd.Context(), a.local, kinds[0], tenantID, out)
		if err != nil {
			return err
		}
		if outPath != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "%s Exported %d %s to %s\n", renderPass("✓"), n, kinds[0], outPath)
		}
		return nil
	},
}

func init() {
	importCmd.Flags().Bool("dry-run", false, "validate without writing")
	exportCmd.Flags().StringP("output", "o", "", "write to file instead of stdout")
	rootCmd.AddCommand(importCmd, exportCmd)
}
