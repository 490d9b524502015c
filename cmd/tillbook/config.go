package main

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/tillbook/tillbook/internal/config"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "setup",
	Short:   "Manage tillbook configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a default configuration file",
	Long: `Write the default configuration as TOML, to ./tillbook.toml unless a
path is given. Every key can also be set through the environment, for
example TILLBOOK_REMOTE_DSN or TILLBOOK_SYNC_PULL_INTERVAL.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		path := "tillbook.toml"
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.WriteDefault(path, force); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Wrote %s\n", renderPass("✓"), path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Tenant.Secret != "" {
			cfg.Tenant.Secret = "********"
		}
		if cfg.Remote.AuthToken != "" {
			cfg.Remote.AuthToken = "********"
		}
		return toml.NewEncoder(cmd.OutOrStdout()).Encode(cfg)
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
