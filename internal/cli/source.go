package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"newsbot/internal/admin"
	"newsbot/internal/app"
	"newsbot/internal/news"
)

func newSourceCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "source",
		Aliases: []string{"sources"},
		Short:   "Manage news sources",
	}
	cmd.AddCommand(newSourceAddCmd(opts), newSourceRemoveCmd(opts), newSourceListCmd(opts))
	return cmd
}

func newSourceAddCmd(opts *options) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "add <name> <url|handle> [rss|zen|twitter]",
		Short: "Register a news source",
		Long: `Register a news source. The kind defaults to rss.

Example:
  newsbot source add Habr https://habr.com/ru/rss/all/
  newsbot source add "Dzen Crypto" https://dzen.ru/crypto zen
  newsbot source add golang golang --kind twitter`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 3 {
				kind = args[2]
			}
			return withOffline(cmd.Context(), opts, func(svc *admin.Service) error {
				src, err := svc.AddSource(cmd.Context(), cliActor(), args[0], args[1], kind)
				if err != nil {
					return operatorError(err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added %s (%s) %s\n", src.Name, src.Kind, src.URL)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "source kind: rss, zen or twitter")
	return cmd
}

func newSourceRemoveCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <name>",
		Aliases: []string{"rm"},
		Short:   "Deactivate a news source",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.Join(args, " ")
			return withOffline(cmd.Context(), opts, func(svc *admin.Service) error {
				if err := svc.RemoveSource(cmd.Context(), cliActor(), name); err != nil {
					return operatorError(err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", name)
				return nil
			})
		},
	}
}

func newSourceListCmd(opts *options) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List news sources",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withOffline(cmd.Context(), opts, func(svc *admin.Service) error {
				list, err := svc.Sources(cmd.Context(), all)
				if err != nil {
					return err
				}
				return writeSources(cmd.OutOrStdout(), list)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include deactivated sources")
	return cmd
}

func writeSources(w io.Writer, list []news.Source) error {
	if len(list) == 0 {
		_, err := fmt.Fprintln(w, "no sources")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tKIND\tACTIVE\tURL")
	for _, s := range list {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", s.Name, s.Kind, s.Active, s.URL)
	}
	return tw.Flush()
}

// withOffline opens storage without contacting Telegram, runs fn and shuts down.
func withOffline(ctx context.Context, opts *options, fn func(*admin.Service) error) error {
	a, err := app.New(ctx, opts.configPath, app.ModeOffline)
	if err != nil {
		return err
	}
	defer func() { _ = a.Stop(context.WithoutCancel(ctx), app.StopOneShot) }()
	return fn(a.Admin())
}

// operatorError keeps the wrapped error but leads with the operator-facing reason.
func operatorError(err error) error {
	return fmt.Errorf("%s: %w", admin.Reason(err), err)
}
