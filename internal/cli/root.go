// Package cli holds the newsbot command tree.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"newsbot/internal/admin"
)

// Version is set at build time with -ldflags "-X newsbot/internal/cli.Version=...".
var Version = "dev"

type options struct {
	configPath string
}

// NewRootCmd builds the command tree. Running it without a subcommand serves.
func NewRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "newsbot",
		Short: "newsbot - publishes RSS, Zen and X/Twitter news to Telegram",
		Long: `newsbot periodically fetches the registered news sources and publishes
every item it has not delivered before to the configured Telegram chats.

Operators manage sources through Telegram commands, the HTTP API or the
source subcommands below. All of them share one config file and database.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "./config.yaml", "config file (json or yaml)")

	root.AddCommand(
		newServeCmd(opts),
		newSourceCmd(opts),
		newFetchCmd(opts),
		newVersionCmd(),
	)
	return root
}

// Execute runs the command tree with ctx.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "newsbot %s\n", Version)
		},
	}
}

func cliActor() admin.Actor {
	name := os.Getenv("USER")
	if name == "" {
		name = "cli"
	}
	return admin.Actor{Username: name, Surface: admin.SurfaceCLI}
}
