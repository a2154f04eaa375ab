package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/llmariner/mnist-serving/pkg/s3"
	"github.com/llmariner/mnist-serving/server/internal/config"
	"github.com/llmariner/mnist-serving/server/internal/health"
	"github.com/llmariner/mnist-serving/server/internal/modeldownloader"
	"github.com/llmariner/mnist-serving/server/internal/modelloader"
	"github.com/llmariner/mnist-serving/server/internal/monitoring"
	"github.com/llmariner/mnist-serving/server/internal/rate"
	"github.com/llmariner/mnist-serving/server/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func runCmd() *cobra.Command {
	var path string
	var modelDir string
	var port int
	var logLevel int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "run",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := config.Default()
			if path != "" {
				var err error
				if c, err = config.Parse(path); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("model-dir") {
				c.ModelDir = modelDir
			}
			if cmd.Flags().Changed("port") {
				c.HTTPPort = port
			}
			if err := c.Validate(); err != nil {
				return err
			}

			if err := run(cmd.Context(), &c, logLevel); err != nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "config", "", "Path to the config file")
	cmd.Flags().StringVar(&modelDir, "model-dir", "saved_model", "Directory of the saved model")
	cmd.Flags().IntVar(&port, "port", 8080, "HTTP port")
	cmd.Flags().IntVar(&logLevel, "v", 0, "Log level")
	return cmd
}

func run(ctx context.Context, c *config.Config, lv int) error {
	stdr.SetVerbosity(lv)
	logger := stdr.New(log.Default())
	log := logger.WithName("boot")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if c.ObjectStore != nil {
		s3Client, err := s3.NewClient(ctx, c.ObjectStore.S3)
		if err != nil {
			return err
		}
		d := modeldownloader.New(c.ModelDir, s3Client, logger)
		if err := d.Download(ctx, c.ObjectStore.Prefix); err != nil {
			return fmt.Errorf("download model: %s", err)
		}
	}

	loader := modelloader.New(c.ModelDir, logger)
	if err := loader.Load(); err != nil {
		// Keep serving so that the health endpoint reports the failure. With
		// watchModelDir set, the watcher creates a missing directory and
		// loads the bundle once it is written.
		log.Error(err, "Failed to load model")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := monitoring.NewMetricsMonitor(reg)
	defer m.UnregisterAllCollectors()
	loader.SetReloadObserver(m)

	probe := health.NewProbeHandler(logger)
	probe.AddProbe(loader)

	limiter := rate.NewLimiter(c.RateLimit, logger)
	s := server.New(loader, limiter, m, logger)
	mux := runtime.NewServeMux()
	if err := s.RegisterHandlers(mux, probe); err != nil {
		return err
	}

	errCh := make(chan error)

	if c.WatchModelDir {
		go func() {
			errCh <- loader.Watch(ctx)
		}()
	}

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", c.HTTPPort),
		Handler: server.WithRequestLogging(mux, logger),
	}
	go func() {
		log.Info("Starting HTTP server...", "port", c.HTTPPort)
		errCh <- serve(httpSrv)
	}()

	var monitoringSrv *http.Server
	if c.MonitoringPort > 0 {
		monitoringMux := http.NewServeMux()
		monitoringMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		monitoringSrv = &http.Server{
			Addr:    fmt.Sprintf(":%d", c.MonitoringPort),
			Handler: monitoringMux,
		}
		go func() {
			log.Info("Starting monitoring server...", "port", c.MonitoringPort)
			errCh <- serve(monitoringSrv)
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info("Got signal. Starting graceful shutdown", "signal", sig, "timeout", c.GracefulShutdownTimeout)
		cancel()
		sctx, scancel := context.WithTimeout(context.Background(), c.GracefulShutdownTimeout)
		defer scancel()
		shutdown(sctx, httpSrv, log)
		if monitoringSrv != nil {
			shutdown(sctx, monitoringSrv, log)
		}
		return nil
	}
}

// serve runs the server until it is shut down.
func serve(srv *http.Server) error {
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func shutdown(ctx context.Context, srv *http.Server, log logr.Logger) {
	if err := srv.Shutdown(ctx); err != nil {
		log.Error(err, "Failed to shut down server", "addr", srv.Addr)
	}
}
