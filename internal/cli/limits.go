package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/runrecorder/internal/client"
	"github.com/roach88/runrecorder/internal/store"
)

// LimitOptions holds flags shared by the concurrency-limit subcommands.
type LimitOptions struct {
	*RootOptions
	URL string
}

// NewConcurrencyLimitCommand creates the concurrency-limit command group.
func NewConcurrencyLimitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LimitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:     "concurrency-limit",
		Aliases: []string{"cl"},
		Short:   "Manage concurrency limits on a running server",
		Long: `Manage tag-based concurrency limits through the admission API.

Examples:
  runrecorder concurrency-limit create db 2
  runrecorder concurrency-limit inspect db
  runrecorder concurrency-limit ls --format json
  runrecorder concurrency-limit reset db --slot-override run-7
  runrecorder concurrency-limit delete db`,
	}
	cmd.PersistentFlags().StringVar(&opts.URL, "url", "", "admission API base URL (default from config)")

	cmd.AddCommand(newLimitCreateCommand(opts))
	cmd.AddCommand(newLimitInspectCommand(opts))
	cmd.AddCommand(newLimitListCommand(opts))
	cmd.AddCommand(newLimitResetCommand(opts))
	cmd.AddCommand(newLimitDeleteCommand(opts))
	cmd.AddCommand(newLimitIncrementCommand(opts))
	cmd.AddCommand(newLimitDecrementCommand(opts))
	cmd.AddCommand(newLimitReleasesCommand(opts))

	return cmd
}

func (o *LimitOptions) client() *client.Client {
	return client.New(o.Config.Client.URL, client.WithHTTPClient(&http.Client{Timeout: o.Config.Client.Timeout}))
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func newLimitCreateCommand(opts *LimitOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "create <tag> <limit>",
		Short:         "Create a concurrency limit",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			capacity, err := strconv.Atoi(args[1])
			if err != nil {
				return WrapExitError(ExitCommandError, "limit must be an integer", err)
			}
			lim, err := opts.client().CreateLimit(commandContext(cmd), args[0], capacity)
			if err != nil {
				return clientError(opts.formatter(cmd), "create limit", err)
			}
			return writeLimit(opts.formatter(cmd), lim)
		},
	}
}

func newLimitInspectCommand(opts *LimitOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "inspect <tag>",
		Short:         "Show a concurrency limit and its active slots",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			lim, err := opts.client().ReadLimit(commandContext(cmd), args[0])
			if err != nil {
				return clientError(opts.formatter(cmd), "inspect limit", err)
			}
			return writeLimit(opts.formatter(cmd), lim)
		},
	}
}

func newLimitListCommand(opts *LimitOptions) *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:           "ls",
		Short:         "List concurrency limits",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			limits, err := opts.client().ListLimits(commandContext(cmd), limit, offset)
			if err != nil {
				return clientError(opts.formatter(cmd), "list limits", err)
			}
			f := opts.formatter(cmd)
			if f.Format == "json" {
				return f.Success(limits)
			}
			return writeLimitTable(f.Writer, limits)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 200, "maximum number of limits")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of limits to skip")
	return cmd
}

func newLimitResetCommand(opts *LimitOptions) *cobra.Command {
	var override []string
	cmd := &cobra.Command{
		Use:           "reset <tag>",
		Short:         "Clear or replace the active slots of a limit",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			lim, err := opts.client().ResetLimit(commandContext(cmd), args[0], override)
			if err != nil {
				return clientError(opts.formatter(cmd), "reset limit", err)
			}
			return writeLimit(opts.formatter(cmd), lim)
		},
	}
	cmd.Flags().StringSliceVar(&override, "slot-override", nil, "holders to install as the active slots")
	return cmd
}

func newLimitDeleteCommand(opts *LimitOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "delete <tag>",
		Short:         "Delete a concurrency limit",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			if err := opts.client().DeleteLimit(commandContext(cmd), args[0]); err != nil {
				return clientError(f, "delete limit", err)
			}
			if f.Format == "json" {
				return f.Success(map[string]string{"deleted": args[0]})
			}
			fmt.Fprintf(f.Writer, "Deleted concurrency limit %s\n", args[0])
			return nil
		},
	}
}

func newLimitIncrementCommand(opts *LimitOptions) *cobra.Command {
	var holder string
	cmd := &cobra.Command{
		Use:           "increment <tag>...",
		Short:         "Take a slot on every tag for a holder",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			limits, err := opts.client().Increment(commandContext(cmd), args, holder)
			if err != nil {
				return clientError(opts.formatter(cmd), "increment", err)
			}
			return writeLimits(opts.formatter(cmd), limits)
		},
	}
	cmd.Flags().StringVar(&holder, "holder", "", "slot holder id, usually a task run id (required)")
	_ = cmd.MarkFlagRequired("holder")
	return cmd
}

func newLimitDecrementCommand(opts *LimitOptions) *cobra.Command {
	var (
		holder    string
		occupancy time.Duration
	)
	cmd := &cobra.Command{
		Use:           "decrement <tag>...",
		Short:         "Release a holder's slot on every tag",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			limits, err := opts.client().Decrement(commandContext(cmd), args, holder, occupancy.Seconds())
			if err != nil {
				return clientError(opts.formatter(cmd), "decrement", err)
			}
			return writeLimits(opts.formatter(cmd), limits)
		},
	}
	cmd.Flags().StringVar(&holder, "holder", "", "slot holder id (required)")
	cmd.Flags().DurationVar(&occupancy, "occupancy", 0, "how long the slot was occupied")
	_ = cmd.MarkFlagRequired("holder")
	return cmd
}

func newLimitReleasesCommand(opts *LimitOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:           "releases <tag>",
		Short:         "Show recent slot releases of a limit",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			releases, err := opts.client().ListReleases(commandContext(cmd), args[0], limit)
			if err != nil {
				return clientError(opts.formatter(cmd), "list releases", err)
			}
			f := opts.formatter(cmd)
			if f.Format == "json" {
				return f.Success(releases)
			}
			return writeReleaseTable(f.Writer, releases)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of releases")
	return cmd
}

func writeLimit(f *OutputFormatter, lim store.ConcurrencyLimit) error {
	if f.Format == "json" {
		return f.Success(lim)
	}
	return writeLimitText(f.Writer, lim)
}

func writeLimits(f *OutputFormatter, limits []store.ConcurrencyLimit) error {
	if f.Format == "json" {
		return f.Success(limits)
	}
	return writeLimitTable(f.Writer, limits)
}

// writeLimitText renders one limit for inspect.
func writeLimitText(w io.Writer, lim store.ConcurrencyLimit) error {
	fmt.Fprintf(w, "Concurrency Limit: %s\n", lim.Tag)
	fmt.Fprintf(w, "  ID:      %s\n", lim.ID)
	fmt.Fprintf(w, "  Limit:   %d\n", lim.ConcurrencyLimit)
	fmt.Fprintf(w, "  Active:  %d/%d\n", len(lim.ActiveSlots), lim.ConcurrencyLimit)
	fmt.Fprintf(w, "  Created: %s\n", lim.Created.UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "  Updated: %s\n", lim.Updated.UTC().Format(time.RFC3339))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "=== Active Slots ===")
	if len(lim.ActiveSlots) == 0 {
		fmt.Fprintln(w, "  (none)")
		return nil
	}
	for i, holder := range lim.ActiveSlots {
		fmt.Fprintf(w, "  [%d] %s\n", i+1, holder)
	}
	return nil
}

// writeLimitTable renders limits as an aligned table.
func writeLimitTable(w io.Writer, limits []store.ConcurrencyLimit) error {
	if len(limits) == 0 {
		_, err := fmt.Fprintln(w, "No concurrency limits.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TAG\tLIMIT\tACTIVE\tHOLDERS")
	for _, lim := range limits {
		holders := strings.Join(lim.ActiveSlots, ",")
		if holders == "" {
			holders = "-"
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", lim.Tag, lim.ConcurrencyLimit, len(lim.ActiveSlots), holders)
	}
	return tw.Flush()
}

// clientError reports a client failure and maps it to an exit code.
func clientError(f *OutputFormatter, op string, err error) error {
	code, exit := CodeRequestFailed, ExitFailure
	var herr *client.HTTPError
	switch {
	case errors.Is(err, client.ErrObjectNotFound):
		code = CodeNotFound
	case errors.Is(err, client.ErrSlotsUnavailable):
		code = CodeUnavailable
	case errors.As(err, &herr) && herr.StatusCode == http.StatusConflict:
		code = CodeConflict
	case errors.As(err, &herr) && herr.StatusCode == http.StatusUnprocessableEntity:
		code, exit = CodeInvalid, ExitCommandError
	}
	if f.Format == "json" {
		_ = f.Error(code, err.Error(), nil)
	}
	return WrapExitError(exit, op+" failed", err)
}

// writeReleaseTable renders slot releases, newest first.
func writeReleaseTable(w io.Writer, releases []store.SlotRelease) error {
	if len(releases) == 0 {
		_, err := fmt.Fprintln(w, "No slot releases.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RELEASED\tHOLDER\tHELD\tOCCUPANCY")
	for _, rel := range releases {
		fmt.Fprintf(tw, "%s\t%s\t%.1fs\t%.1fs\n", rel.Released.UTC().Format(time.RFC3339), rel.HolderID, rel.HeldSeconds, rel.OccupancySeconds)
	}
	return tw.Flush()
}
