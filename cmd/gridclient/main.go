package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"storagegrid/pkg/config"
	"storagegrid/pkg/metrics"
	"storagegrid/pkg/telemetry"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// app carries what every subcommand needs once flags are parsed.
type app struct {
	configFile  string
	verbose     bool
	metricsAddr string

	logger   *zap.Logger
	cfg      *config.Config
	registry *prometheus.Registry

	shutdownTracing func(context.Context) error
	metricsServer   *http.Server
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{}
	if err := a.execute(ctx, newRootCmd(a)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gridclient",
		Short: "Storage grid client",
		Long: `Uploads and downloads immutable shares on storage grid servers.
Servers are ranked per storage index; each share goes to a server over its HTTP API.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}

	rootCmd.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "config file path (default $GRID_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&a.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")

	rootCmd.AddCommand(
		rankCmd(a),
		versionCmd(a),
		sharesCmd(a),
		uploadCmd(a),
		downloadCmd(a),
	)
	return rootCmd
}

// execute runs cmd and always releases what setup started, including
// when setup or the command itself fails.
func (a *app) execute(ctx context.Context, cmd *cobra.Command) error {
	defer a.teardown(ctx)
	return cmd.ExecuteContext(ctx)
}

func (a *app) setup(cmd *cobra.Command, args []string) error {
	a.logger = setupLogger(a.verbose)

	var err error
	if a.configFile != "" {
		a.cfg, err = config.LoadConfig(a.configFile)
	} else {
		a.cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	a.registry = prometheus.NewRegistry()
	metrics.Register(a.registry)
	if a.metricsAddr != "" {
		if err := a.serveMetrics(); err != nil {
			return err
		}
	}

	a.shutdownTracing, err = telemetry.Init(cmd.Context(), "gridclient", a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	return nil
}

func (a *app) serveMetrics() error {
	lis, err := net.Listen("tcp", a.metricsAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.metricsAddr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	a.metricsServer = &http.Server{Addr: lis.Addr().String(), Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := a.metricsServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Warn("Metrics server stopped", zap.Error(err))
		}
	}()
	a.logger.Info("Serving metrics", zap.String("address", lis.Addr().String()))
	return nil
}

func (a *app) teardown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if a.metricsServer != nil {
		_ = a.metricsServer.Shutdown(ctx)
	}
	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(ctx); err != nil {
			a.logger.Warn("Failed to flush traces", zap.Error(err))
		}
	}
	// setup never ran, e.g. for --help
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := config.Build()
	return logger
}
