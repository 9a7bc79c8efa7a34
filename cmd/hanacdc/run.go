package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/redbco/hana-cdc/internal/consumer"
	"github.com/redbco/hana-cdc/internal/engine"
	"github.com/redbco/hana-cdc/internal/health"
	"github.com/redbco/hana-cdc/internal/opsserver"
	"github.com/redbco/hana-cdc/internal/sink"
	"github.com/redbco/hana-cdc/pkg/cdc"
)

const checkSinkPing = "sink_ping"

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the consumer loop",
	Long: `Promotes newly added tables through their initial load, then polls change batches,
writes them to the configured sink and acknowledges them once the sink has flushed.
Metrics, health and status are served on the ops address until SIGINT or SIGTERM.`,
	Args: noArgs,
	RunE: runRun,
}

func init() {
	runCmd.Flags().String("sink", "", "sink type: jsonl, clickhouse, nats, redis (overrides sink.type)")
	runCmd.Flags().String("ops-addr", "", "ops HTTP address, empty string from config disables it (overrides ops.addr)")
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runRun(cmd *cobra.Command, args []string) error {
	f, log, err := setup()
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("sink"); v != "" {
		f.Sink.Type = v
	}
	if cmd.Flags().Changed("ops-addr") {
		f.Ops.Addr, _ = cmd.Flags().GetString("ops-addr")
	}
	if err := f.Sink.Validate(); err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	eng, err := engine.Open(ctx, f.Config, log)
	if err != nil {
		return err
	}
	defer eng.Close()

	snk, err := openSink(ctx, f.Sink, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := snk.Close(); err != nil {
			log.Warn("closing sink: %v", err)
		}
	}()

	checker := health.NewChecker()
	loop := consumer.New(eng, snk, consumer.Options{
		BatchLimit:     f.BatchLimit,
		PollInterval:   f.PollInterval,
		StatusInterval: f.Ops.StatusInterval,
	}, checker, log)
	ops := opsserver.New(f.ClientID, eng, loop, checker, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stop()
		return loop.Run(gctx)
	})
	if f.Ops.Addr != "" {
		g.Go(func() error {
			return ops.Serve(gctx, f.Ops.Addr)
		})
		g.Go(func() error {
			ops.Collect(gctx, log)
			return nil
		})
	}
	g.Go(func() error {
		pingSink(gctx, checker, snk, f.Ops.StatusInterval)
		return nil
	})

	log.Info("running client %s on %d tables with sink %s", f.ClientID, len(eng.Tables()), f.Sink.Type)
	err = g.Wait()
	log.Info("shutting down")
	return err
}

// pingSink records the sink's reachability until ctx is done.
func pingSink(ctx context.Context, checker *health.Checker, s cdc.EventSink, every time.Duration) {
	if every <= 0 {
		every = 15 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		_ = checker.RunCheck(ctx, checkSinkPing, func(ctx context.Context) error {
			return sink.Ping(ctx, s)
		})
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
