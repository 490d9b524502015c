// Command tillbook syncs an on-device business database with its remote
// store.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tillbook",
	Short: "Offline-first sync for tillbook business data",
	Long: `tillbook keeps the local database of a device in sync with the shared
remote store of its tenant. Writes always land locally first; sync sessions
push local changes and pull remote ones whenever the remote is reachable.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "data", Title: "Data:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&globalOpts.configPath, "config", "c", "", "config file (default ./tillbook.{yaml,toml})")
	flags.StringVar(&globalOpts.tenantID, "tenant", "", "tenant id to act as when no tenant.token is configured")
	flags.StringVar(&globalOpts.driver, "remote", "", "override remote.driver (memory, postgres, libsql)")
	flags.BoolVar(&globalOpts.offline, "offline", false, "treat the remote as unreachable")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", renderFail("✗"), err)
		os.Exit(1)
	}
}
