package cli

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/runrecorder/internal/api"
	"github.com/roach88/runrecorder/internal/concurrency"
	"github.com/roach88/runrecorder/internal/messaging"
	"github.com/roach88/runrecorder/internal/ordering"
	"github.com/roach88/runrecorder/internal/recorder"
	"github.com/roach88/runrecorder/internal/store"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Database string
	Broker   string
	Addr     string
	Ingest   string
	NoAPI    bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the task run recorder and the admission API",
		Long: `Run the task run recorder and the concurrency limit admission API.

The recorder consumes events from the configured broker (memory or redis),
applies them to the task_runs tables in causal order and dead-letters what
it cannot record. The admission API listens on --addr.

With the memory broker, --ingest feeds newline-delimited event JSON from a
file (or - for stdin) into the broker at startup.

Examples:
  runrecorder serve --db ./runrecorder.db
  runrecorder serve --broker redis --addr :4200
  runrecorder serve --ingest events.jsonl --no-api`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")
	cmd.Flags().StringVar(&opts.Broker, "broker", "", "event broker: memory|redis (default from config)")
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "admission API listen address (default from config)")
	cmd.Flags().StringVar(&opts.Ingest, "ingest", "", "newline-delimited events to publish at startup (- for stdin)")
	cmd.Flags().BoolVar(&opts.NoAPI, "no-api", false, "do not start the admission API")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg := opts.Config
	logger := opts.Logger

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("opening database", "path", cfg.Database)
	st, err := store.Open(cfg.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	brokerMetrics := messaging.MustNewMetrics(reg)

	broker, err := newBroker(cfg.Broker, brokerMetrics, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create broker", err)
	}
	defer broker.Close()

	handler := recorder.NewHandler(st, st,
		recorder.WithOrderingOptions(
			ordering.WithLookback(cfg.Recorder.Lookback),
			ordering.WithSeenTTL(cfg.Recorder.SeenTTL),
			ordering.WithSeenCapacity(cfg.Recorder.SeenCapacity),
			ordering.WithMaxParked(cfg.Recorder.MaxParked),
		),
		recorder.WithMetrics(recorder.MustNewMetrics(reg)),
		recorder.WithLogger(logger),
	)
	broker.SetDeadLetter(handler.DeadLetterMessage)

	svc := recorder.NewService(broker, handler,
		recorder.WithSweepInterval(cfg.Recorder.SweepInterval),
		recorder.WithMetricsInterval(cfg.Recorder.MetricsInterval),
		recorder.WithBrokerMetrics(brokerMetrics),
		recorder.WithServiceLogger(logger),
	)

	policy, err := concurrency.ParseCreatePolicy(cfg.Concurrency.CreatePolicy)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid create policy", err)
	}
	limits := concurrency.NewService(st,
		concurrency.WithCreatePolicy(policy),
		concurrency.WithMetrics(concurrency.MustNewMetrics(reg)),
		concurrency.WithLogger(logger),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(gctx)
	})
	if cfg.API.Enabled && !opts.NoAPI {
		server := api.NewServer(api.Config{
			Addr:            cfg.API.Addr,
			ReadTimeout:     cfg.API.ReadTimeout,
			WriteTimeout:    cfg.API.WriteTimeout,
			ShutdownTimeout: cfg.API.ShutdownTimeout,
			Debug:           opts.Verbose,
		}, limits, api.WithGatherer(reg), api.WithLogger(logger))
		g.Go(func() error {
			return server.Run(gctx)
		})
	}
	if opts.Ingest != "" {
		g.Go(func() error {
			n, err := ingest(gctx, broker, opts.Ingest, cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("ingest %s: %w", opts.Ingest, err)
			}
			logger.Info("ingested events", "path", opts.Ingest, "count", n)
			return nil
		})
	}

	logger.Info("runrecorder started",
		"db", cfg.Database,
		"broker", cfg.Broker.Type,
		"topic", broker.Topic(),
	)
	fmt.Fprintln(cmd.OutOrStdout(), "Recorder started. Press Ctrl-C to stop.")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "recorder error", err)
	}

	logger.Info("runrecorder stopped gracefully")
	return nil
}

// ingest publishes each non-empty line of path (or stdin for "-").
func ingest(ctx context.Context, pub messaging.Publisher, path string, stdin io.Reader) (int, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return 0, err
		}
		defer f.Close()
		r = f
	}
	return publishLines(ctx, pub, r)
}

// publishLines publishes each non-empty line of r.
func publishLines(ctx context.Context, pub messaging.Publisher, r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	count := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		data := make([]byte, len(line))
		copy(data, line)
		if err := pub.Publish(ctx, data); err != nil {
			return count, err
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, err
	}
	return count, nil
}
