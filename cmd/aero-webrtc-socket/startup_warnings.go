package main

import (
	"log/slog"
	"net"
	"net/url"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-socket/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Mode == config.ModeProd && strings.HasPrefix(strings.ToLower(cfg.SignalURL), "ws://") {
		logger.Warn("startup security warning: signaling relay URL is not TLS (ws://) while --mode=prod",
			"warning_code", "signal_url_insecure",
			"signal_host", safeURLHost(cfg.SignalURL),
			"mode", cfg.Mode,
		)
	}

	if cfg.AdminListenAddr != "" && !isLoopbackListenAddr(cfg.AdminListenAddr) {
		logger.Warn("startup security warning: admin http server listens on a non-loopback address (exposes peer ids and counters)",
			"warning_code", "admin_listen_non_loopback",
			"admin_listen_addr", cfg.AdminListenAddr,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxTunnelConnectionsPerSecond <= 0 {
		logger.Warn("startup security warning: MAX_TUNNEL_CONNECTIONS_PER_SECOND is unset/0 (unlimited) while --mode=prod",
			"warning_code", "tunnel_connections_unlimited_in_prod",
			"max_tunnel_connections_per_second", cfg.MaxTunnelConnectionsPerSecond,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.WebRTCIncludeLoopbackCandidates {
		logger.Warn("startup security warning: WEBRTC_INCLUDE_LOOPBACK_CANDIDATES=true while --mode=prod",
			"warning_code", "loopback_candidates_in_prod",
			"mode", cfg.Mode,
		)
	}

	if cfg.WebRTCSCTPMaxReceiveBufferBytes > 8<<20 { // 8MiB
		logger.Warn("startup security warning: WEBRTC_SCTP_MAX_RECEIVE_BUFFER_BYTES is very large (increases receive-side buffering/allocation risk)",
			"warning_code", "webrtc_sctp_max_receive_buffer_large",
			"webrtc_sctp_max_receive_buffer_bytes", cfg.WebRTCSCTPMaxReceiveBufferBytes,
			"mode", cfg.Mode,
		)
	}
}

func isLoopbackListenAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func safeURLHost(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return u.Host
}
