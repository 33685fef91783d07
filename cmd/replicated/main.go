// Command replicated runs the storage replication engine: an HTTP status
// API plus a cron scheduler in serve mode, and one-shot subcommands for
// ad-hoc runs, size estimates and retention pruning.
package main

import (
	"fmt"
	"os"

	logging "github.com/ipfs/go-log/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var log = logging.Logger("replicated")

func main() {
	// A .env next to the binary is a convenience for development.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "replicated",
		Short: "Storage replication engine",
		Long: "replicated moves ZFS and btrfs snapshots and directory trees to " +
			"local or remote targets over SSH or raw TCP, with live progress, " +
			"retries and run history.",
		SilenceUsage: true,
	}

	root.AddCommand(
		serveCmd(),
		runCmd(),
		estimateCmd(),
		retentionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
