// Package cli wires the harvester's commands: the long-running scheduler,
// a one-shot drain, and the admin commands that create and steer jobs.
package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"listing_harvester/metrics"
	"listing_harvester/ratelimit"
	"listing_harvester/scheduler"
	"listing_harvester/workers"
)

type rootOptions struct {
	dbPath   string
	logLevel string
}

// BuildCLI assembles the root command and its subcommands.
func BuildCLI() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "harvester",
		Short:         "Batch harvesting scheduler for marketplace listings",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.dbPath, "db", "", "SQLite task database (overrides DB_PATH)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")

	root.AddCommand(
		newServeCmd(opts),
		newRunOnceCmd(opts),
		newCreateJobCmd(opts),
		newJobsCmd(opts),
		newTasksCmd(opts),
		newPauseCmd(opts),
		newResumeCmd(opts),
		newBudgetCmd(opts),
	)
	return root
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	if err := BuildCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and executors until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts)
		},
	}
}

func serve(ctx context.Context, opts *rootOptions) error {
	a, err := openApp(opts, true)
	if err != nil {
		return err
	}
	defer a.Close()

	a.logger.Info("starting listing harvester",
		zap.String("db", a.cfg.DBPath),
		zap.Int("sources", len(a.cfg.Sources)),
		zap.Int("workers", a.cfg.Scheduler.Workers))

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	pool, err := a.harvestWorkers(ctx, a.cfg.Scheduler.Workers, collector,
		ratelimit.WithWaitObserver(collector.BudgetWait))
	if err != nil {
		return err
	}

	sched := scheduler.New(a.cfg.Scheduler, a.store, a.jobService(), a.logger)
	ws := make([]scheduler.Worker, len(pool))
	for i, w := range pool {
		ws[i] = w
	}
	sched.SetWorkers(ws...)
	sched.SetGauges(collector)

	var srv *http.Server
	if a.cfg.Metrics != "" {
		srv = metrics.NewServer(a.cfg.Metrics, reg)
		go func() {
			a.logger.Info("metrics listening", zap.String("addr", a.cfg.Metrics))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics server", zap.Error(err))
			}
		}()
	}

	if err := sched.Start(ctx); err != nil {
		return err
	}
	sched.TriggerAll()

	<-ctx.Done()
	a.logger.Info("shutting down")
	sched.Stop()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	return nil
}

func newRunOnceCmd(opts *rootOptions) *cobra.Command {
	var maxTasks int
	cmd := &cobra.Command{
		Use:   "run-once",
		Short: "Execute pending tasks with a single executor, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(opts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			pool, err := a.harvestWorkers(ctx, 1, nil)
			if err != nil {
				return err
			}
			w := pool[0]

			counts := map[workers.Outcome]int{}
			pages, saved := 0, 0
			for i := 0; maxTasks <= 0 || i < maxTasks; i++ {
				res, err := w.RunOne(ctx)
				if err != nil {
					return err
				}
				if res.Outcome == workers.OutcomeIdle {
					break
				}
				counts[res.Outcome]++
				pages += res.PagesFetched
				saved += res.ItemsSaved
				if ctx.Err() != nil {
					break
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "pages fetched: %d, items saved: %d\n", pages, saved)
			for _, o := range []workers.Outcome{
				workers.OutcomeCompleted, workers.OutcomeRetrying, workers.OutcomeFailed,
				workers.OutcomePaused, workers.OutcomeYielded, workers.OutcomeReleased,
			} {
				if counts[o] > 0 {
					fmt.Fprintf(out, "%s: %d\n", o, counts[o])
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&maxTasks, "max-tasks", 0, "stop after this many task executions (0 = until idle)")
	return cmd
}
