package main

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
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/zzenonn/zstore-cluster/internal/app"
	"github.com/zzenonn/zstore-cluster/internal/config"
	"github.com/zzenonn/zstore-cluster/internal/logging"
	"github.com/zzenonn/zstore-cluster/internal/metrics"
)

const shutdownTimeout = 10 * time.Second

var (
	cfg        *config.Config
	configPath string
)

var rootCmd = &cobra.Command{
	Use:          "zstore-server",
	Short:        "Storage node health monitor with Prometheus metrics",
	Long:         "zstore-server probes every registered storage node, persists their health and capacity, and serves /metrics and /healthz.",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.yaml")
	rootCmd.PersistentFlags().String("log_level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("catalog.table", "zstore-catalog", "DynamoDB catalog table")
	rootCmd.PersistentFlags().String("metrics.listen_address", ":9090", "Address serving /metrics and /healthz")
	rootCmd.PersistentFlags().Int("node_health.poll_interval_seconds", 10, "Seconds between probe rounds")
}

func initConfig() {
	var err error
	cfg, err = config.LoadConfig(configPath, rootCmd)
	if err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}

	logging.InitLogger(cfg)
}

func serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	store, err := app.New(cfg, metrics.NewMetrics(reg))
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.LoadNodes(ctx); err != nil {
		return fmt.Errorf("failed to load nodes: %w", err)
	}

	store.Monitor.Start(ctx)
	defer store.Monitor.Stop()

	go refreshNodes(ctx, store, cfg.NodeHealth.PollInterval()*6)

	server := &http.Server{
		Addr:              cfg.MetricsListenAddress,
		Handler:           newMux(reg, store.Monitor, store.Registry),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Serving metrics on %s", cfg.MetricsListenAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// refreshNodes picks up nodes registered or removed by other processes.
func refreshNodes(ctx context.Context, store *app.App, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := store.LoadNodes(ctx); err != nil {
				log.Warnf("Failed to refresh nodes: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
