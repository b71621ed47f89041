package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/runrecorder/internal/config"
	"github.com/roach88/runrecorder/internal/events"
	"github.com/roach88/runrecorder/internal/messaging"
)

// PublishOptions holds flags for the publish command.
type PublishOptions struct {
	*RootOptions
	Broker   string
	Validate bool
}

// PublishResult is the JSON payload of a publish.
type PublishResult struct {
	Topic     string `json:"topic"`
	Published int    `json:"published"`
}

// NewPublishCommand creates the publish command.
func NewPublishCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PublishOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "publish [file...]",
		Short: "Publish events to the shared broker",
		Long: `Publish newline-delimited event JSON to the configured broker.

Events are read from the given files, or from stdin when none are given.
Only the redis broker is shared between processes; use serve --ingest to
feed the in-process memory broker.

With --validate every line is decoded first and nothing is published if
any line is not a valid event.

Examples:
  runrecorder publish --broker redis events.jsonl
  cat events.jsonl | runrecorder publish --validate`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Broker, "broker", "", "event broker (default from config; must be redis)")
	cmd.Flags().BoolVar(&opts.Validate, "validate", false, "decode every event before publishing")

	return cmd
}

func runPublish(opts *PublishOptions, args []string, cmd *cobra.Command) error {
	cfg := opts.Config
	if cfg.Broker.Type != config.BrokerRedis {
		return NewExitError(ExitCommandError,
			fmt.Sprintf("publish needs a shared broker; broker type is %q (use --broker redis or serve --ingest)", cfg.Broker.Type))
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	broker, err := newBroker(cfg.Broker, nil, opts.Logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to connect to broker", err)
	}
	defer broker.Close()

	n, err := publishInputs(ctx, broker, args, cmd.InOrStdin(), opts.Validate)
	if err != nil {
		return WrapExitError(ExitFailure, "publish failed", err)
	}

	result := PublishResult{Topic: broker.Topic(), Published: n}
	formatter := opts.formatter(cmd)
	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "Published %d events to %s\n", result.Published, result.Topic)
	return nil
}

// publishInputs publishes the lines of each file, or of stdin when files is
// empty. With validate, all input is decoded before anything is published.
func publishInputs(ctx context.Context, pub messaging.Publisher, files []string, stdin io.Reader, validate bool) (int, error) {
	var readers []io.Reader
	if len(files) == 0 {
		readers = append(readers, stdin)
	}
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			return 0, err
		}
		defer f.Close()
		readers = append(readers, f)
	}
	r := io.MultiReader(readers...)

	if !validate {
		return publishLines(ctx, pub, r)
	}

	var buf collectPublisher
	if _, err := publishLines(ctx, &buf, r); err != nil {
		return 0, err
	}
	for i, data := range buf.lines {
		if _, err := events.Decode(data, time.Now()); err != nil {
			return 0, fmt.Errorf("event %d: %w", i+1, err)
		}
	}
	for i, data := range buf.lines {
		if err := pub.Publish(ctx, data); err != nil {
			return i, err
		}
	}
	return len(buf.lines), nil
}

// collectPublisher holds published payloads in memory.
type collectPublisher struct {
	lines [][]byte
}

func (c *collectPublisher) Publish(_ context.Context, data []byte) error {
	c.lines = append(c.lines, data)
	return nil
}
