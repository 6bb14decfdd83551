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
	"runtime/debug"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/wilsonzlin/aero/proxy/webrtc-socket/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-socket/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-socket/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-socket/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-socket/internal/tunnel"
	"github.com/wilsonzlin/aero/proxy/webrtc-socket/internal/webrtcpeer"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	// Construct the WebRTC API early so misconfigurations are caught on startup.
	api, err := webrtcpeer.NewAPI(cfg, logger)
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		os.Exit(2)
	}

	logger.Info("starting aero-webrtc-socket",
		"signal_host", safeURLHost(cfg.SignalURL),
		"socket_dir", cfg.SocketDir,
		"admin_listen_addr", cfg.AdminListenAddr,
		"mode", cfg.Mode,
		"ice_servers", len(cfg.ICEServers),
		"read_buffer_bytes", cfg.ReadBufferBytes,
		"tunnel_linger_timeout", cfg.TunnelLingerTimeout,
		"max_tunnel_connections_per_second", cfg.MaxTunnelConnectionsPerSecond,
		"webrtc_sctp_max_receive_buffer_bytes", cfg.WebRTCSCTPMaxReceiveBufferBytes,
	)
	logStartupWarnings(logger, cfg)

	if err := prepareSocketDir(cfg.SocketDir); err != nil {
		logger.Error("failed to prepare socket directory", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	engine := webrtcpeer.NewEngine(api, cfg.ICEServers, logger)
	bridge := tunnel.New(tunnel.Config{
		Dir:                     cfg.SocketDir,
		ReadBufferBytes:         cfg.ReadBufferBytes,
		LingerTimeout:           cfg.TunnelLingerTimeout,
		MaxConnectionsPerSecond: cfg.MaxTunnelConnectionsPerSecond,
		Logger:                  logger,
		Metrics:                 m,
	})
	machine := signaling.NewMachine(signaling.MachineConfig{
		Peers:   engine,
		Bridge:  bridge,
		Logger:  logger,
		Metrics: m,
	})

	transport, err := signaling.DialWebSocket(ctx, signaling.WebSocketConfig{
		URL:             cfg.SignalURL,
		DialTimeout:     cfg.SignalingDialTimeout,
		PingInterval:    cfg.SignalingWSPingInterval,
		IdleTimeout:     cfg.SignalingWSIdleTimeout,
		MaxMessageBytes: cfg.MaxSignalingMessageBytes,
	}, logger)
	if err != nil {
		logger.Error("failed to connect to signaling relay", "err", err)
		os.Exit(1)
	}

	client := signaling.NewClient(signaling.ClientConfig{
		Transport: transport,
		Machine:   machine,
		Events:    engine.Events(),
		Logger:    logger,
		Metrics:   m,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return client.Run(gctx)
	})

	if cfg.AdminListenAddr != "" {
		ln, err := net.Listen("tcp", cfg.AdminListenAddr)
		if err != nil {
			logger.Error("failed to listen", "err", err)
			os.Exit(1)
		}
		commit, built := resolveBuildInfo(buildCommit, buildTime)
		srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, httpserver.Sources{
			Connected: client.Connected,
			Peers:     machine.Peers,
			Tunnels:   bridge.Peers,
			Metrics:   m,
		})
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("admin http server shutdown failed", "err", err)
			}
			return nil
		})
	}

	err = g.Wait()
	if ctx.Err() != nil {
		logger.Info("shutdown signal received")
	}

	// client.Run has already torn down every session; this waits for the
	// tunnel goroutines.
	bridge.Close()
	engine.Close()

	if err != nil {
		logger.Error("signaling stopped", "err", err)
		os.Exit(1)
	}
}

// prepareSocketDir recreates dir so sockets left by an earlier run do not
// linger.
func prepareSocketDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
