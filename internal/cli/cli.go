// Package cli implements the researchx command line.
//
// Command structure:
//
//	researchx
//	├── worker            run the queue processor and /metrics
//	├── migrate           apply or roll back the job schema
//	├── submit QUERY      submit a quick or deep research request
//	├── status JOB_ID     show a job, optionally following it to the end
//	├── resume            find the newest unfinished deep job
//	├── history           list finished jobs, newest first
//	└── verify            verify claims from a JSON file
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mohans/researchx/internal/config"
	"github.com/mohans/researchx/internal/logger"
	"github.com/mohans/researchx/internal/metrics"
	"github.com/mohans/researchx/researchx"
)

const version = "0.1.0"

type rootOptions struct {
	configPath string
	owner      string
	logLevel   string
}

func (o *rootOptions) ownerID() string {
	if o.owner != "" {
		return o.owner
	}
	return os.Getenv("RESEARCHX_OWNER")
}

// BuildCLI assembles the root command and every subcommand.
func BuildCLI() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "researchx",
		Short: "Asynchronous research jobs and claim verification",
		Long: `researchx submits research queries to an upstream worker. Quick queries
run inline; deep queries are queued and executed by the worker command.
Claims extracted from results can be verified one by one.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.PathFromEnv(""), "path to a YAML config file")
	root.PersistentFlags().StringVar(&opts.owner, "owner", "", "owner identity (default $RESEARCHX_OWNER)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level")

	root.AddCommand(
		buildWorkerCommand(opts),
		buildMigrateCommand(opts),
		buildSubmitCommand(opts),
		buildStatusCommand(opts),
		buildResumeCommand(opts),
		buildHistoryCommand(opts),
		buildVerifyCommand(opts),
	)
	return root
}

func buildMigrateCommand(opts *rootOptions) *cobra.Command {
	var down int
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply (or roll back) the research job schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := loadDeps(opts)
			if err != nil {
				return err
			}
			defer d.close()

			store, err := d.openStore(cmd.Context())
			if err != nil {
				return err
			}
			if down > 0 {
				err = store.MigrateDown(cmd.Context(), down)
			} else {
				err = store.Migrate(cmd.Context())
			}
			if err != nil {
				return err
			}
			version, dirty, err := store.MigrationVersion(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d (%s, dirty=%t)\n", version, d.cfg.Database.Driver, dirty)
			return nil
		},
	}
	cmd.Flags().IntVar(&down, "down", 0, "roll back this many migrations instead of applying")
	return cmd
}

func buildWorkerCommand(opts *rootOptions) *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start the deep research queue worker",
		Long: `Runs queued deep research jobs until SIGINT or SIGTERM, and serves
Prometheus metrics on metrics.addr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := loadDeps(opts)
			if err != nil {
				return err
			}
			defer d.close()

			store, err := d.openStore(cmd.Context())
			if err != nil {
				return err
			}
			if migrate {
				if err := store.Migrate(cmd.Context()); err != nil {
					return err
				}
			}
			rw, err := d.researchClient()
			if err != nil {
				return err
			}

			executor := researchx.NewExecutor(d.jobs, rw, researchx.ExecutorOptions{
				Timeout: d.cfg.Worker.DeepTimeout,
				History: d.history(),
				Logger:  d.log,
				Metrics: d.metrics,
			})
			processor := researchx.NewProcessor(d.redisOpt(), executor, researchx.ProcessorConfig{
				Concurrency: d.cfg.Queue.Concurrency,
				Queues:      map[string]int{d.cfg.Queue.Name: 1},
				Logger:      d.log,
			})

			srv := startMetricsServer(d.cfg.Metrics.Addr, d, d.log)
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(ctx)
			}()

			d.log.Info("worker starting",
				logger.String("queue", d.cfg.Queue.Name),
				logger.Int("concurrency", d.cfg.Queue.Concurrency),
				logger.String("metrics_addr", d.cfg.Metrics.Addr),
			)
			// Run blocks until a termination signal, then drains in-flight tasks.
			return processor.Run()
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "create the schema before starting")
	return cmd
}

func startMetricsServer(addr string, d *deps, log logger.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(d.registry))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", logger.Error(err))
		}
	}()
	return srv
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
