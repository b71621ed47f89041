package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/runrecorder/internal/store"
)

// NewDeadLetterCommand creates the dead-letter command group.
func NewDeadLetterCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DatabaseOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "dead-letter",
		Short: "Inspect messages the recorder gave up on",
	}
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")

	var limit int
	ls := &cobra.Command{
		Use:           "ls",
		Short:         "List dead-lettered messages, oldest first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.openExisting()
			if err != nil {
				return err
			}
			defer st.Close()

			letters, err := st.ListDeadLetters(commandContext(cmd), limit)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list dead letters", err)
			}
			f := opts.formatter(cmd)
			if f.Format == "json" {
				return f.Success(letters)
			}
			return writeDeadLetterTable(f.Writer, letters)
		},
	}
	ls.Flags().IntVar(&limit, "limit", 100, "maximum number of dead letters")
	cmd.AddCommand(ls)

	return cmd
}

func writeDeadLetterTable(w io.Writer, letters []store.DeadLetter) error {
	if len(letters) == 0 {
		_, err := fmt.Fprintln(w, "No dead letters.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tMESSAGE\tREASON\tERROR")
	for _, dl := range letters {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", dl.ID, dl.Created.UTC().Format(time.RFC3339), dl.MessageID, dl.Reason, dl.Error)
	}
	return tw.Flush()
}
