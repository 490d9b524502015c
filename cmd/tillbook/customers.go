package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tillbook/tillbook/internal/entity"
	"github.com/tillbook/tillbook/internal/record"
	"github.com/tillbook/tillbook/internal/repository"
)

// pushAfterWrite is the one-shot counterpart of the daemon's nudge: kinds
// written by a command are synced before it exits, when the remote is
// reachable.
type pushAfterWrite struct {
	kinds map[record.Kind]bool
}

func (p *pushAfterWrite) Nudge(kind record.Kind) {
	if p.kinds == nil {
		p.kinds = make(map[record.Kind]bool)
	}
	p.kinds[kind] = true
}

func (p *pushAfterWrite) flush(ctx context.Context, a *app, cmd *cobra.Command) {
	if len(p.kinds) == 0 {
		return
	}
	if !a.monitor.Check(ctx) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s Offline; change queued for the next sync\n", renderWarn("⚠"))
		return
	}
	tenantID, err := a.tenantID()
	if err != nil {
		return
	}
	for kind := range p.kinds {
		res, err := a.coord.SyncKind(ctx, kind, tenantID)
		if err != nil {
			a.logger.Warn("push after write failed", zap.String("kind", kind.String()), zap.Error(err))
			continue
		}
		if err := res.Err(); err != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "%s Not synced yet: %v\n", renderWarn("⚠"), err)
		}
	}
}

func customerRepo(a *app, nudger repository.Nudger) *repository.Repository[entity.Customer] {
	return repository.New(a.local, entity.Customers, a.tenants,
		repository.WithNudger(nudger),
		repository.WithSync(a.coord, a.cfg.Sync.RequireHydration),
		repository.WithLogger(a.logger.Named("repository")),
	)
}

func explainWriteErr(err error) error {
	if errors.Is(err, record.ErrNotHydrated) {
		return fmt.Errorf("%w: run 'tillbook sync' once while online", err)
	}
	return err
}

var customersCmd = &cobra.Command{
	Use:     "customers",
	GroupID: "data",
	Short:   "Manage customers in the local store",
}

var customersAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a customer",
	RunE: func(cmd *cobra.Command, args []string) error {
		var c entity.Customer
		c.Name, _ = cmd.Flags().GetString("name")
		c.Phone, _ = cmd.Flags().GetString("phone")
		c.Email, _ = cmd.Flags().GetString("email")
		c.Active = true

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		pusher := &pushAfterWrite{}
		repo := customerRepo(a, pusher)
		item, err := repo.Add(cmd.Context(), c)
		if err != nil {
			return explainWriteErr(err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Added %s %s\n", renderPass("✓"), item.Entity.Name, renderMuted(item.ID))
		pusher.flush(cmd.Context(), a, cmd)
		if n := repo.LastSyncErrors(); n > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "%s Last sync had %d errors\n", renderWarn("⚠"), n)
		}
		return nil
	},
}

var customersRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a customer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		pusher := &pushAfterWrite{}
		if err := customerRepo(a, pusher).Delete(cmd.Context(), args[0]); err != nil {
			return explainWriteErr(err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Deleted %s\n", renderPass("✓"), args[0])
		pusher.flush(cmd.Context(), a, cmd)
		return nil
	},
}

var customersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List customers",
	RunE: func(cmd *cobra.Command, args []string) error {
		query, _ := cmd.Flags().GetString("search")

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		repo := customerRepo(a, nil)
		var items []repository.Item[entity.Customer]
		if query != "" {
			items, err = repo.Search(cmd.Context(), query)
		} else {
			items, err = repo.List(cmd.Context())
		}
		if err != nil {
			return err
		}

		rows := make([][]string, 0, len(items))
		for _, it := range items {
			state := renderPass("synced")
			if it.Pending {
				state = renderWarn("pending")
			}
			rows = append(rows, []string{it.ID, it.Entity.Name, it.Entity.Phone, it.Entity.Email, state})
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"ID", "NAME", "PHONE", "EMAIL", "SYNC"}, rows))
		return nil
	},
}

func init() {
	customersAddCmd.Flags().String("name", "", "customer name (required)")
	customersAddCmd.Flags().String("phone", "", "phone number")
	customersAddCmd.Flags().String("email", "", "email address")
	_ = customersAddCmd.MarkFlagRequired("name")

	customersListCmd.Flags().StringP("search", "s", "", "case-insensitive search across name, phone and email")

	customersCmd.AddCommand(customersAddCmd, customersListCmd, customersRmCmd)
	rootCmd.AddCommand(customersCmd)
}
