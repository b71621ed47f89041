package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/roach88/runrecorder/internal/store"
)

// DatabaseOptions holds flags for commands that read the database directly.
type DatabaseOptions struct {
	*RootOptions
	Database string
}

// TaskRunView is the JSON payload of task-run inspect.
type TaskRunView struct {
	TaskRun store.TaskRun        `json:"task_run"`
	States  []store.TaskRunState `json:"states"`
}

// NewTaskRunCommand creates the task-run command group.
func NewTaskRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DatabaseOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "task-run",
		Short: "Inspect recorded task runs",
	}
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")

	inspect := &cobra.Command{
		Use:   "inspect <task-run-id>",
		Short: "Show a task run and its state history",
		Long: `Show the materialized task run row and every recorded state, oldest first.

Examples:
  runrecorder task-run inspect 0191c3a2-7d7e-7c4e-9a52-6b1f0e7d9a10 --db ./runrecorder.db`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTaskRunInspect(opts, args[0], cmd)
		},
	}
	cmd.AddCommand(inspect)

	return cmd
}

// openExisting opens the configured database, refusing to create one.
func (o *DatabaseOptions) openExisting() (*store.Store, error) {
	path := o.Config.Database
	if _, err := os.Stat(path); err != nil {
		return nil, WrapExitError(ExitCommandError, "database not found", err)
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

func runTaskRunInspect(opts *DatabaseOptions, rawID string, cmd *cobra.Command) error {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid task run id", err)
	}

	st, err := opts.openExisting()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := commandContext(cmd)
	f := opts.formatter(cmd)

	run, err := st.ReadTaskRun(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			if f.Format == "json" {
				_ = f.Error(CodeNotFound, err.Error(), nil)
			}
			return WrapExitError(ExitFailure, "task run not found", err)
		}
		return WrapExitError(ExitFailure, "failed to read task run", err)
	}
	states, err := st.ListTaskRunStates(ctx, id)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to list states", err)
	}

	view := TaskRunView{TaskRun: run, States: states}
	if f.Format == "json" {
		return f.Success(view)
	}
	return writeTaskRunText(f.Writer, view)
}

func writeTaskRunText(w io.Writer, view TaskRunView) error {
	run := view.TaskRun
	fmt.Fprintf(w, "Task Run: %s\n", run.ID)
	fmt.Fprintf(w, "  Name:     %s\n", run.Name)
	fmt.Fprintf(w, "  Task Key: %s\n", run.TaskKey)
	if run.FlowRunID != nil {
		fmt.Fprintf(w, "  Flow Run: %s\n", *run.FlowRunID)
	}
	if len(run.Tags) > 0 {
		fmt.Fprintf(w, "  Tags:     %s\n", strings.Join(run.Tags, ", "))
	}
	if run.StateTimestamp != nil {
		fmt.Fprintf(w, "  State:    %s (%s) at %s\n", run.StateName, run.StateType, run.StateTimestamp.UTC().Format(time.RFC3339Nano))
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== States ===")
	if len(view.States) == 0 {
		fmt.Fprintln(w, "  (none)")
		return nil
	}
	for _, state := range view.States {
		fmt.Fprintf(w, "  %s  %-10s %s\n", state.Timestamp.UTC().Format(time.RFC3339Nano), state.Type, state.Name)
	}
	return nil
}
