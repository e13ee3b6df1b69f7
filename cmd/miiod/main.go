// miiod polls a fleet of Mi Home devices and exposes their call metrics on
// a Prometheus endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/mihome-go/miioc/internal/config"
	miiometrics "github.com/mihome-go/miioc/internal/metrics"
	"github.com/mihome-go/miioc/internal/netio"
	appversion "github.com/mihome-go/miioc/internal/version"
	"github.com/mihome-go/miioc/miio"
)

// shutdownTimeout bounds how long the metrics server is given to drain
// in-flight scrapes during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("miiod starting",
		slog.String("version", appversion.Version),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.Int("devices", len(cfg.Devices)),
	)

	reg := prometheus.NewRegistry()
	collector := miiometrics.NewCollector(reg)

	transport := netio.New(logger)
	defer func() {
		if err := transport.Close(); err != nil {
			logger.Warn("failed to close transport", slog.String("error", err.Error()))
		}
	}()

	clients, err := newClients(cfg.Devices, cfg.Client, transport, collector, logger)
	if err != nil {
		logger.Error("failed to construct device clients", slog.String("error", err.Error()))
		return 1
	}
	defer closeClients(clients, logger)

	if err := runDaemon(cfg, clients, reg, logger, *configPath, logLevel); err != nil {
		logger.Error("miiod exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("miiod stopped")
	return 0
}

// deviceClient pairs a constructed miio.Client with its configuration, since
// the poller loop needs the method/interval/name alongside the client.
type deviceClient struct {
	name   string
	client *miio.Client
	cfg    config.DeviceConfig
}

// newClients builds one miio.Client per configured device, wiring each to
// collector via WithMetricsHook so call-lifecycle events surface as labeled
// Prometheus counters without miio importing Prometheus itself.
func newClients(
	devices []config.DeviceConfig,
	clientCfg config.ClientConfig,
	transport *netio.Transport,
	collector *miiometrics.Collector,
	logger *slog.Logger,
) ([]*deviceClient, error) {
	out := make([]*deviceClient, 0, len(devices))

	for _, d := range devices {
		opts := []miio.Option{
			miio.WithLogger(logger.With(slog.String("device", d.Name))),
			miio.WithMetricsHook(collector.HookFor(d.Name)),
			miio.WithHandshakeTTL(clientCfg.HandshakeTTL),
			miio.WithRequestTimeout(clientCfg.RequestTimeout),
			miio.WithMaxAttempts(clientCfg.MaxAttempts),
		}
		if d.Port != 0 {
			opts = append(opts, miio.WithPort(d.Port))
		}

		c, err := miio.NewClient(transport, d.Token, d.Address, opts...)
		if err != nil {
			return nil, fmt.Errorf("new client for device %q: %w", d.Name, err)
		}

		out = append(out, &deviceClient{name: d.Name, client: c, cfg: d})
	}

	return out, nil
}

func closeClients(clients []*deviceClient, logger *slog.Logger) {
	for _, dc := range clients {
		if err := dc.client.Close(); err != nil {
			logger.Warn("failed to close client",
				slog.String("device", dc.name),
				slog.String("error", err.Error()),
			)
		}
	}
}

// runDaemon sets up and runs the metrics HTTP server and per-device pollers
// using an errgroup with signal-aware context for graceful shutdown.
func runDaemon(
	cfg *config.Config,
	clients []*deviceClient,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
) error {
	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	lc := net.ListenConfig{}
	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(gCtx, &lc, metricsSrv, cfg.Metrics.Addr)
	})

	startPollers(gCtx, g, clients, logger)
	startSIGHUPHandler(gCtx, g, configPath, logLevel, logger)

	<-gCtx.Done()

	if err := gracefulShutdown(ctx, logger, metricsSrv); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	return g.Wait()
}

// startPollers starts one goroutine per device with a nonzero PollInterval,
// issuing PollMethod on a ticker. A device-reported error is logged and
// counted but never stops the poller — a single unreachable device must not
// take down monitoring for the rest of the fleet.
func startPollers(ctx context.Context, g *errgroup.Group, clients []*deviceClient, logger *slog.Logger) {
	for _, dc := range clients {
		if dc.cfg.PollInterval <= 0 || dc.cfg.PollMethod == "" {
			continue
		}

		g.Go(func() error {
			pollDevice(ctx, dc, logger)
			return nil
		})
	}
}

func pollDevice(ctx context.Context, dc *deviceClient, logger *slog.Logger) {
	ticker := time.NewTicker(dc.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := dc.client.SimpleSend(ctx, dc.cfg.PollMethod, nil); err != nil {
				logger.Warn("poll failed",
					slog.String("device", dc.name),
					slog.String("method", dc.cfg.PollMethod),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// startSIGHUPHandler reloads just the dynamic log level on SIGHUP. Device
// set membership is fixed for the process lifetime; reconfiguring it
// requires a restart.
func startSIGHUPHandler(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)

	g.Go(func() error {
		defer signal.Stop(sigHUP)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-sigHUP:
				reloadLogLevel(configPath, logLevel, logger)
			}
		}
	})
}

func reloadLogLevel(configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current log level",
			slog.String("error", err.Error()),
		)
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)
}

func gracefulShutdown(ctx context.Context, logger *slog.Logger, servers ...*http.Server) error {
	logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
