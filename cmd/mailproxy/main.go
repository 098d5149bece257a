// Command mailproxy exposes a pooled SMTP mail client over an HTTP request
// bus. Producers POST send requests to /bus/{address}; every request is
// delivered through one shared connection pool.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alexisbouchez/mailer/config"
	"github.com/alexisbouchez/mailer/mailclient"
	"github.com/alexisbouchez/mailer/proxy"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML or YAML configuration file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := cfg.Logging.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("mailproxy failed", "error", err)
		os.Exit(1)
	}
	logger.Info("mailproxy stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	mc, err := cfg.Mailer()
	if err != nil {
		return err
	}
	shutdownTimeout, err := cfg.Proxy.GetShutdownTimeout()
	if err != nil {
		return err
	}

	client, err := mailclient.NewShared(mc, cfg.Proxy.PoolName, mailclient.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create mail client: %w", err)
	}
	defer client.Close()

	bus := proxy.NewLocalBus()
	gateway := proxy.NewGateway(client, bus, cfg.Proxy.BusAddress, proxy.WithLogger(logger))
	if err := gateway.Start(ctx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	router := proxy.NewHTTPHandler(bus)
	if cfg.Metrics.Enabled {
		router.Handle(cfg.Metrics.Path, promhttp.Handler()).Methods(http.MethodGet)
	}
	server := &http.Server{
		Addr:              cfg.Proxy.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("starting mailproxy",
		"listen", cfg.Proxy.Listen,
		"bus_address", gateway.Address(),
		"smtp", mc.Addr(),
		"pool", client.PoolName(),
		"max_pool_size", mc.MaxPoolSize,
		"metrics", cfg.Metrics.Enabled)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("received signal, initiating shutdown")
	case err := <-errCh:
		if err != nil {
			gateway.Stop(context.Background())
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("error shutting down http server", "error", err)
	}
	return gateway.Stop(shutdownCtx)
}
