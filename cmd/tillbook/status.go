package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tillbook/tillbook/internal/record"
)

type kindStatus struct {
	Kind    record.Kind `json:"kind" yaml:"kind"`
	Records int         `json:"records" yaml:"records"`
	Pending int         `json:"pending" yaml:"pending"`
	LastRun *time.Time  `json:"last_run,omitempty" yaml:"last_run,omitempty"`
	State   string      `json:"last_state,omitempty" yaml:"last_state,omitempty"`
}

type statusReport struct {
	TenantID string       `json:"tenant_id" yaml:"tenant_id"`
	Local    string       `json:"local" yaml:"local"`
	Remote   string       `json:"remote" yaml:"remote"`
	Online   bool         `json:"online" yaml:"online"`
	Hydrated bool         `json:"hydrated" yaml:"hydrated"`
	Kinds    []kindStatus `json:"kinds" yaml:"kinds"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show pending changes and the last sync per kind",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		tenantID, err := a.tenantID()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		report := statusReport{
			TenantID: tenantID,
			Local:    a.local.Path(),
			Remote:   a.cfg.Remote.Driver,
			Online:   a.monitor.Check(ctx),
		}
		if report.Hydrated, err = a.coord.Hydrated(ctx, tenantID); err != nil {
			return err
		}

		runs, err := a.coord.History(ctx, tenantID, 100)
		if err != nil {
			return err
		}
		for _, kind := range a.coord.Kinds() {
			ks := kindStatus{Kind: kind}
			if ks.Records, err = a.local.Count(ctx, kind, tenantID); err != nil {
				return err
			}
			if ks.Pending, err = a.local.CountDirty(ctx, kind, tenantID); err != nil {
				return err
			}
			for _, run := range runs {
				if run.Kind == kind {
					finished := run.FinishedAt
					ks.LastRun = &finished
					ks.State = run.State
					break
				}
			}
			report.Kinds = append(report.Kinds, ks)
		}

		out := cmd.OutOrStdout()
		switch format {
		case "yaml":
			enc := yaml.NewEncoder(out)
			enc.SetIndent(2)
			if err := enc.Encode(report); err != nil {
				return err
			}
			return enc.Close()
		case "json":
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		case "text", "":
		default:
			return fmt.Errorf("unknown format %q", format)
		}

		online := renderPass("online")
		if !report.Online {
			online = renderWarn("offline")
		}
		hydrated := renderPass("yes")
		if !report.Hydrated {
			hydrated = renderWarn("no")
		}
		fmt.Fprintf(out, "\n%s Sync status for %s\n\n", renderAccent("●"), tenantID)
		fmt.Fprintf(out, "Local:    %s\n", report.Local)
		fmt.Fprintf(out, "Remote:   %s (%s)\n", report.Remote, online)
		fmt.Fprintf(out, "Hydrated: %s\n\n", hydrated)

		rows := make([][]string, 0, len(report.Kinds))
		for _, ks := range report.Kinds {
			last := renderMuted("never")
			if ks.LastRun != nil {
				last = ks.LastRun.Local().Format("2006-01-02 15:04:05") + " " + ks.State
			}
			pending := fmt.Sprint(ks.Pending)
			if ks.Pending > 0 {
				pending = renderWarn(pending)
			}
			rows = append(rows, []string{ks.Kind.String(), fmt.Sprint(ks.Records), pending, last})
		}
		fmt.Fprintln(out, renderTable([]string{"KIND", "RECORDS", "PENDING", "LAST SYNC"}, rows))
		fmt.Fprintln(out)
		return nil
	},
}

func init() {
	statusCmd.Flags().StringP("format", "f", "text", "output format: text, yaml or json")
	rootCmd.AddCommand(statusCmd)
}
