package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"newsbot/internal/app"
	"newsbot/internal/dispatcher"
)

func newFetchCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch",
		Short: "Run one dispatch run and exit",
		Long: `Fetch every active source once and publish the items that were not
delivered before. The run shares the database with a running bot and
takes the same run lease, so it is refused while the bot is dispatching.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := app.New(ctx, opts.configPath, app.ModeOneShot)
			if err != nil {
				return err
			}
			defer func() { _ = a.Stop(context.WithoutCancel(ctx), app.StopOneShot) }()

			res, err := a.Admin().Fetch(ctx, cliActor(), dispatcher.TriggerCLI)
			if err != nil {
				return operatorError(err)
			}
			return writeRun(cmd.OutOrStdout(), res)
		},
	}
}

func writeRun(w io.Writer, res dispatcher.RunResult) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tFETCHED\tDELIVERED\tERRORS\tERROR")
	for _, s := range res.Sources {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\n", s.Source, s.Fetched, s.Delivered, s.Errors, s.Err)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "published: %d, already delivered: %d, filtered: %d, errors: %d (%s)\n",
		res.Delivered, res.Seen, res.Filtered, res.Errors, res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
	return err
}
