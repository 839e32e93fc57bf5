package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/dbpool/internal/bench"
	"github.com/ajitpratap0/dbpool/pkg/datasource"
	"github.com/ajitpratap0/dbpool/pkg/json"
	"github.com/ajitpratap0/dbpool/pkg/logger"
	"github.com/ajitpratap0/dbpool/pkg/metrics"
)

// openPool loads the configuration and opens a DataSource registered with reg.
func openPool(g *globalFlags, reg prometheus.Registerer) (*datasource.DataSource, func(), error) {
	cfg, err := loadConfig(g)
	if err != nil {
		return nil, nil, err
	}
	stopTracing, err := withTracing(cfg)
	if err != nil {
		return nil, nil, err
	}
	opts := []datasource.Option{datasource.WithLogger(logger.Get())}
	if reg != nil {
		opts = append(opts, datasource.WithRegisterer(reg))
	}
	ds, err := datasource.Open(cfg, opts...)
	if err != nil {
		stopTracing()
		return nil, nil, err
	}
	return ds, func() {
		if err := ds.Close(); err != nil {
			logger.Warn("failed to close pool", zap.Error(err))
		}
		stopTracing()
	}, nil
}

func newCheckCommand(g *globalFlags) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Borrow and validate a session, then print pool stats",
		Long: `Open the configured pool, borrow one session, run the validation query on
it, return it and print the pool stats as JSON.

Example:
  dbpool check --config pool.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, closePool, err := openPool(g, nil)
			if err != nil {
				return err
			}
			defer closePool()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := check(ctx, ds); err != nil {
				return err
			}
			return json.WriteIndented(cmd.OutOrStdout(), ds.Stats())
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Time allowed for the check")
	return cmd
}

func check(ctx context.Context, ds *datasource.DataSource) error {
	h, err := ds.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to borrow session: %w", err)
	}
	defer h.Close()

	cfg := ds.Config()
	if err := h.Ping(ctx); err != nil {
		return fmt.Errorf("session %s failed ping: %w", h.ID(), err)
	}
	if q := cfg.Validation.Query; q != "" {
		cur, err := h.Query(ctx, q)
		if err != nil {
			return fmt.Errorf("validation query failed: %w", err)
		}
		defer cur.Close()
		if !cur.Next() {
			return fmt.Errorf("validation query %q returned no rows", q)
		}
	}
	logger.Info("session check passed", zap.String("pool", ds.Name()), zap.String("session", h.ID()))
	return nil
}

func newBenchCommand(g *globalFlags) *cobra.Command {
	bc := bench.DefaultConfig()
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Load test the pool with concurrent borrowers",
		Long: `Borrow sessions from the configured pool with concurrent workers and print a
JSON report with borrow latency, throughput and pool stats. A non-zero leak
rate makes workers keep some sessions without returning them, which
exercises abandonment reclamation.

Example:
  dbpool bench --config pool.yaml --workers 32 --duration 1m --leak-rate 0.01`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, closePool, err := openPool(g, nil)
			if err != nil {
				return err
			}
			defer closePool()

			if interval > 0 {
				bc.Interval = interval
				bc.Samples = json.NewLineEncoder(cmd.ErrOrStderr())
			}
			ctx, stop := signalContext()
			defer stop()
			report, err := bench.Run(ctx, ds, bc, logger.Get())
			if err != nil {
				return err
			}
			return json.WriteIndented(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().IntVar(&bc.Workers, "workers", bc.Workers, "Concurrent borrowers")
	cmd.Flags().DurationVar(&bc.Duration, "duration", bc.Duration, "How long to run")
	cmd.Flags().StringVar(&bc.Query, "query", bc.Query, "Query run on every borrowed session (empty to skip)")
	cmd.Flags().DurationVar(&bc.Hold, "hold", 0, "Extra time each borrow keeps its session")
	cmd.Flags().Float64Var(&bc.LeakRate, "leak-rate", 0, "Fraction of borrows never returned (0-1)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Write a throughput sample to stderr at this interval")
	return cmd
}

func newServeMetricsCommand(g *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve-metrics",
		Short: "Serve pool metrics over HTTP",
		Long: `Open the configured pool and serve Prometheus metrics on /metrics and the
pool stats as JSON on /stats until interrupted. The listen address defaults
to observability.metrics_addr from the configuration.

Example:
  dbpool serve-metrics --config pool.yaml --addr :9102`,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			ds, closePool, err := openPool(g, reg)
			if err != nil {
				return err
			}
			defer closePool()

			pc := metrics.NewPoolCollector("dbpool")
			pc.Add(ds)
			if err := reg.Register(pc); err != nil {
				return fmt.Errorf("failed to register pool collector: %w", err)
			}

			if addr == "" {
				addr = ds.Config().Observability.MetricsAddr
			}
			if addr == "" {
				addr = ":9102"
			}
			srv := &http.Server{
				Addr:              addr,
				Handler:           metricsMux(reg, ds),
				ReadHeaderTimeout: 5 * time.Second,
			}

			ctx, stop := signalContext()
			defer stop()
			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()
			logger.Info("serving metrics", zap.String("addr", addr), zap.String("pool", ds.Name()))

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("metrics server failed: %w", err)
				}
				return nil
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address")
	return cmd
}

func metricsMux(reg *prometheus.Registry, ds *datasource.DataSource) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.WriteIndented(w, ds.Stats()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return mux
}
