package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/dbpool/pkg/config"
	"github.com/ajitpratap0/dbpool/pkg/logger"
	"github.com/ajitpratap0/dbpool/pkg/observability"
)

var version = "0.1.0"

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configFile string
	logLevel   string
	dev        bool
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "dbpool",
		Short: "dbpool - pooled database sessions with abandonment reclamation",
		Long: `dbpool opens a pool of database sessions from a YAML configuration,
checks that sessions can be borrowed and validated, load tests the pool and
exposes its counters as Prometheus metrics.

Every configuration key can be overridden from the environment with the
DBPOOL_ prefix, e.g. DBPOOL_POOL_MAX_ACTIVE=16. A .env file in the working
directory is loaded first.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logger.Init(logger.Config{
				Level:       g.logLevel,
				Development: g.dev,
				Encoding:    "console",
				OutputPaths: []string{"stderr"},
			})
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			// Syncing a terminal fails on some platforms; nothing is lost.
			_ = logger.Sync()
		},
	}
	root.PersistentFlags().StringVarP(&g.configFile, "config", "c", "", "Path to pool configuration YAML file")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&g.dev, "dev", false, "Development logging")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dbpool v%s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "Go version: %s\n", runtime.Version())
			fmt.Fprintf(cmd.OutOrStdout(), "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})
	root.AddCommand(newCheckCommand(g))
	root.AddCommand(newBenchCommand(g))
	root.AddCommand(newServeMetricsCommand(g))
	return root
}

// loadConfig reads the config file, if any, applies DBPOOL_* overrides and
// validates the result.
func loadConfig(g *globalFlags) (*config.PoolConfig, error) {
	v, err := config.NewViper()
	if err != nil {
		return nil, err
	}
	if g.configFile != "" {
		cfg := config.NewPoolConfig("")
		if err := config.Load(g.configFile, cfg); err != nil {
			return nil, err
		}
		if err := config.BindDefaults(v, cfg); err != nil {
			return nil, err
		}
	}
	return config.FromViper(v)
}

// withTracing installs a stdout tracer provider when the config asks for
// one and returns its shutdown function.
func withTracing(cfg *config.PoolConfig) (func(), error) {
	if !cfg.Observability.TracingEnabled {
		return func() {}, nil
	}
	tc := observability.DefaultTracingConfig()
	tc.ServiceVersion = version
	tc.Writer = os.Stderr
	shutdown, err := observability.Init(tc)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			logger.Warn("failed to flush spans", zap.Error(err))
		}
	}, nil
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
