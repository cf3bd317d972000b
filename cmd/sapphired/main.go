// Sapphire mesh node daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/giapdangle/sapphire/internal/config"
	"github.com/giapdangle/sapphire/internal/diag"
	"github.com/giapdangle/sapphire/internal/node"
	"github.com/giapdangle/sapphire/internal/radio"
	"github.com/giapdangle/sapphire/internal/socket"
)

// shutdownTimeout bounds how long the diagnostics/metrics HTTP servers
// are given to drain connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	dumpConfig := flag.Bool("dump-config", false, "print the resolved configuration as YAML and exit")
	flag.Parse()

	// 2. Load config.
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	if *dumpConfig {
		out, err := config.DumpYAML(cfg)
		if err != nil {
			slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to dump configuration",
				slog.String("error", err.Error()),
			)
			return 1
		}
		os.Stdout.Write(out)
		return 0
	}

	// 3. Set up logger with dynamic level support for SIGHUP reload.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLogger(cfg.Log, logLevel)

	logger.Info("sapphired starting",
		slog.Uint64("short_addr", uint64(cfg.Identity.ShortAddr)),
		slog.Bool("gateway", cfg.Identity.Gateway),
		slog.String("diag_addr", cfg.Diag.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	// 4. Create Prometheus registry.
	reg := prometheus.NewRegistry()

	// 5. Build the radio. Sapphire's hardware transceiver driver is an
	// external collaborator this module deliberately excludes; until one
	// is linked in, sapphired runs against a
	// single-node radio.Mock attached to its own empty radio.Medium, so
	// the daemon is runnable stand-alone for bench/diagnostics use even
	// with no peers reachable.
	clock := radio.SystemClock{}
	medium := radio.NewMedium(uint64(cfg.Identity.ShortAddr))
	rdo := radio.NewMock(medium, uint64(cfg.Identity.ShortAddr), clock.NowMicros)

	// 6. Construct the node: every protocol layer wired in dependency
	// order (internal/node.New).
	core, err := node.New(logger, cfg, rdo, clock, reg)
	if err != nil {
		logger.Error("failed to construct node", slog.String("error", err.Error()))
		return 1
	}

	// 7. Run servers and the node's own loops.
	if err := runDaemon(cfg, core, reg, logger, *configPath, logLevel); err != nil {
		logger.Error("sapphired exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("sapphired stopped")
	return 0
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

func newLogger(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// runDaemon orchestrates the node's scheduler loop, its MAC receive
// pump, the diagnostics HTTP server, and the metrics HTTP server under
// one signal-aware errgroup.
func runDaemon(
	cfg *config.Config,
	core *node.Node,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	diagSrv := newHTTPServer(cfg.Diag.Addr, diag.New(
		logger.With(slog.String("component", "diag")),
		core.NeighborTable, core.RouteTable, core.TimeSync, core,
	))
	metricsSrv := newHTTPServer(cfg.Metrics.Addr, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	g.Go(func() error {
		return core.Receiver.Run(gCtx)
	})
	g.Go(func() error {
		return core.Start(gCtx)
	})

	startHTTPServers(gCtx, g, cfg, diagSrv, metricsSrv, logger)
	startDaemonGoroutines(gCtx, g, configPath, logLevel, logger)

	if cfg.Identity.Gateway && cfg.Gateway.Enabled {
		if err := startGatewayBridge(gCtx, g, cfg, core, logger); err != nil {
			return fmt.Errorf("start gateway bridge: %w", err)
		}
	}

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(logger, diagSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run daemon: %w", err)
	}

	return nil
}

// startGatewayBridge relays UDP traffic between the mesh (via
// core.Dispatcher) and a real host socket, for the one node in a PAN
// acting as gateway. The gateway application itself is out of scope,
// but the transport seam it would bind is not. Packets
// arriving on the host socket are injected into the dispatcher as if
// they had arrived off the mesh radio; packets the mesh addresses to
// cfg.Gateway.MeshPort are relayed back out the host socket.
func startGatewayBridge(ctx context.Context, g *errgroup.Group, cfg *config.Config, core *node.Node, logger *slog.Logger) error {
	listenAddr, err := netip.ParseAddr(cfg.Gateway.ListenAddr)
	if err != nil {
		return fmt.Errorf("parse gateway.listen_addr %q: %w", cfg.Gateway.ListenAddr, err)
	}

	var opts []socket.HostBridgeOption
	if cfg.Gateway.BindDevice != "" {
		opts = append(opts, socket.WithBindDevice(cfg.Gateway.BindDevice))
	}

	bridgeLog := logger.With(slog.String("component", "gateway-bridge"))
	bridge, err := socket.NewHostBridge(bridgeLog, core.Dispatcher, listenAddr, cfg.Gateway.Port, opts...)
	if err != nil {
		return fmt.Errorf("open gateway host bridge: %w", err)
	}

	if err := core.Dispatcher.Bind(cfg.Gateway.MeshPort, func(d socket.Datagram) {
		addr := netip.AddrPortFrom(netip.AddrFrom4([4]byte{
			byte(d.SrcAddr >> 24), byte(d.SrcAddr >> 16), byte(d.SrcAddr >> 8), byte(d.SrcAddr),
		}), d.SrcPort)
		if err := bridge.Write(addr, d.Payload); err != nil {
			bridgeLog.Warn("gateway bridge write failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("bind gateway mesh port %d: %w", cfg.Gateway.MeshPort, err)
	}

	logger.Info("gateway bridge listening",
		slog.String("host_addr", cfg.Gateway.ListenAddr),
		slog.Uint64("host_port", uint64(cfg.Gateway.Port)),
		slog.Uint64("mesh_port", uint64(cfg.Gateway.MeshPort)),
	)

	g.Go(func() error {
		return bridge.Serve(ctx, cfg.Identity.IPv4Addr, cfg.Gateway.MeshPrefix, cfg.Gateway.MeshPort)
	})

	return nil
}

func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{Addr: addr, Handler: handler}
}

func startHTTPServers(ctx context.Context, g *errgroup.Group, cfg *config.Config, diagSrv, metricsSrv *http.Server, logger *slog.Logger) {
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("diagnostics server listening", slog.String("addr", cfg.Diag.Addr))
		return listenAndServe(ctx, &lc, diagSrv)
	})

	g.Go(func() error {
		logger.Info("metrics server listening", slog.String("addr", cfg.Metrics.Addr), slog.String("path", cfg.Metrics.Path))
		return listenAndServe(ctx, &lc, metricsSrv)
	})
}

func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server) error {
	ln, err := lc.Listen(ctx, "tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", srv.Addr, err)
	}

	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve %s: %w", srv.Addr, err)
	}

	return nil
}

func gracefulShutdown(logger *slog.Logger, servers ...*http.Server) error {
	notifyStopping(logger)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("server shutdown error", slog.String("addr", srv.Addr), slog.String("error", err.Error()))
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

func startDaemonGoroutines(ctx context.Context, g *errgroup.Group, configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, logger)
		return nil
	})
}

func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled", slog.Duration("watchdog_sec", interval), slog.Duration("keepalive_interval", tickInterval))

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", err.Error()))
			}
		}
	}
}

// handleSIGHUP reloads the dynamic log level from a fresh read of
// configPath on SIGHUP. Sapphire's peer/route state is mesh-discovered
// at runtime rather than declaratively configured, so reload is limited
// to the log level and any config validation errors — restarting the
// daemon is still required to change identity, radio, or crypto
// settings.
func handleSIGHUP(ctx context.Context, sigHUP <-chan os.Signal, configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading log level")
			reloadLogLevel(configPath, logLevel, logger)
		}
	}
}

func reloadLogLevel(configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings", slog.String("error", err.Error()))
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded", slog.String("old_log_level", oldLevel.String()), slog.String("new_log_level", newLevel.String()))
}
