package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarSignalURL       = "AERO_WEBRTC_SOCKET_SIGNAL_URL"
	envVarSocketDir       = "AERO_WEBRTC_SOCKET_DIR"
	envVarAdminListenAddr = "AERO_WEBRTC_SOCKET_ADMIN_LISTEN_ADDR"
	envVarLogFormat       = "AERO_WEBRTC_SOCKET_LOG_FORMAT"
	envVarLogLevel        = "AERO_WEBRTC_SOCKET_LOG_LEVEL"
	envVarShutdownTimeout = "AERO_WEBRTC_SOCKET_SHUTDOWN_TIMEOUT"
	envVarMode            = "AERO_WEBRTC_SOCKET_MODE"

	// Tunnel knobs.
	envVarReadBufferBytes               = "AERO_WEBRTC_SOCKET_READ_BUFFER_BYTES"
	envVarTunnelLingerTimeout           = "AERO_WEBRTC_SOCKET_TUNNEL_LINGER_TIMEOUT"
	envVarMaxTunnelConnectionsPerSecond = "AERO_WEBRTC_SOCKET_MAX_TUNNEL_CONNECTIONS_PER_SECOND"

	// Signaling relay connection.
	envVarSignalingDialTimeout     = "AERO_WEBRTC_SOCKET_SIGNALING_DIAL_TIMEOUT"
	envVarSignalingWSIdleTimeout   = "AERO_WEBRTC_SOCKET_SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval  = "AERO_WEBRTC_SOCKET_SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes = "AERO_WEBRTC_SOCKET_MAX_SIGNALING_MESSAGE_BYTES"

	// WebRTC network settings.
	envVarWebRTCUDPPortMin                = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax                = "WEBRTC_UDP_PORT_MAX"
	envVarWebRTCNAT1To1IPs                = "WEBRTC_NAT_1TO1_IPS"
	envVarWebRTCNAT1To1IPCandidateType    = "WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"
	envVarWebRTCUDPListenIP               = "WEBRTC_UDP_LISTEN_IP"
	envVarWebRTCIncludeLoopbackCandidates = "WEBRTC_INCLUDE_LOOPBACK_CANDIDATES"
	envVarWebRTCSCTPMaxReceiveBufferBytes = "WEBRTC_SCTP_MAX_RECEIVE_BUFFER_BYTES"
)

const (
	DefaultSocketDir = "/tmp/webrtc"
	DefaultShutdown  = 5 * time.Second

	DefaultMode Mode = ModeDev

	// MinReadBufferBytes is the smallest buffer a detached data channel read
	// accepts without failing on a full-size message.
	MinReadBufferBytes     = 32 * 1024
	DefaultReadBufferBytes = MinReadBufferBytes

	DefaultTunnelLingerTimeout = 2 * time.Second

	DefaultSignalingDialTimeout     = 10 * time.Second
	DefaultSignalingWSIdleTimeout   = 60 * time.Second
	DefaultSignalingWSPingInterval  = 20 * time.Second
	DefaultMaxSignalingMessageBytes = int64(256 * 1024)

	DefaultWebRTCUDPListenIP               = "0.0.0.0"
	DefaultWebRTCSCTPMaxReceiveBufferBytes = 1 << 20 // 1MiB

	// DefaultSTUNURL is used when no ICE servers are configured.
	DefaultSTUNURL = "stun:stun.l.google.com:19302"
)

// minWebRTCSCTPReceiveBufferBytes is the smallest receive buffer pion/sctp
// will negotiate an association with.
const minWebRTCSCTPReceiveBufferBytes = 1500

const (
	flagWebRTCUDPPortMin                = "webrtc-udp-port-min"
	flagWebRTCUDPPortMax                = "webrtc-udp-port-max"
	flagWebRTCNAT1To1IPs                = "webrtc-nat-1to1-ips"
	flagWebRTCNAT1To1IPCandidateType    = "webrtc-nat-1to1-ip-candidate-type"
	flagWebRTCUDPListenIP               = "webrtc-udp-listen-ip"
	flagWebRTCIncludeLoopbackCandidates = "webrtc-include-loopback-candidates"
	flagWebRTCSCTPMaxReceiveBufferBytes = "webrtc-sctp-max-receive-buffer-bytes"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

type Config struct {
	// SignalURL is the ws:// or wss:// address of the signaling relay.
	SignalURL string
	// SocketDir holds one Unix socket per established peer.
	SocketDir string
	// AdminListenAddr enables the admin HTTP server when non-empty.
	AdminListenAddr string

	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	ReadBufferBytes int
	// TunnelLingerTimeout bounds how long a binding keeps delivering channel
	// data after the local client half-closed, measured from the last
	// inbound chunk.
	TunnelLingerTimeout time.Duration
	// MaxTunnelConnectionsPerSecond limits accepted local connections per
	// tunnel. <= 0 disables the limit.
	MaxTunnelConnectionsPerSecond int

	SignalingDialTimeout     time.Duration
	SignalingWSIdleTimeout   time.Duration
	SignalingWSPingInterval  time.Duration
	MaxSignalingMessageBytes int64

	ICEServers []webrtc.ICEServer

	// WebRTCUDPPortRange restricts the UDP ports used for ICE. When nil, pion uses
	// OS ephemeral port selection.
	WebRTCUDPPortRange *UDPPortRange

	// WebRTCNAT1To1IPs are advertised in place of local addresses when the
	// process runs behind a 1:1 NAT. Literal IPs only.
	WebRTCNAT1To1IPs             []string
	WebRTCNAT1To1IPCandidateType NAT1To1IPCandidateType

	// WebRTCUDPListenIP restricts which local interface ICE binds to.
	// 0.0.0.0 means all interfaces.
	WebRTCUDPListenIP net.IP

	WebRTCIncludeLoopbackCandidates bool

	// WebRTCSCTPMaxReceiveBufferBytes caps how much data pion buffers per
	// association before the tunnel reads it.
	WebRTCSCTPMaxReceiveBufferBytes int
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	signalURL := envOrDefault(lookup, envVarSignalURL, "")
	socketDir := envOrDefault(lookup, envVarSocketDir, DefaultSocketDir)
	adminListenAddr := envOrDefault(lookup, envVarAdminListenAddr, "")

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	tunnelLinger, err := envDurationOrDefault(lookup, envVarTunnelLingerTimeout, DefaultTunnelLingerTimeout)
	if err != nil {
		return Config{}, err
	}
	dialTimeout, err := envDurationOrDefault(lookup, envVarSignalingDialTimeout, DefaultSignalingDialTimeout)
	if err != nil {
		return Config{}, err
	}
	wsIdleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}

	readBufferBytes, err := envIntOrDefault(lookup, envVarReadBufferBytes, DefaultReadBufferBytes)
	if err != nil {
		return Config{}, err
	}
	maxConnsPerSecond, err := envIntOrDefault(lookup, envVarMaxTunnelConnectionsPerSecond, 0)
	if err != nil {
		return Config{}, err
	}
	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = v
	}

	udpPortMinDefault := envOrDefault(lookup, envVarWebRTCUDPPortMin, "")
	udpPortMaxDefault := envOrDefault(lookup, envVarWebRTCUDPPortMax, "")
	nat1to1Default := envOrDefault(lookup, envVarWebRTCNAT1To1IPs, "")
	nat1to1TypeDefault := envOrDefault(lookup, envVarWebRTCNAT1To1IPCandidateType, string(NAT1To1CandidateTypeHost))
	udpListenIPDefault := envOrDefault(lookup, envVarWebRTCUDPListenIP, DefaultWebRTCUDPListenIP)
	sctpBufDefault, err := envIntOrDefault(lookup, envVarWebRTCSCTPMaxReceiveBufferBytes, DefaultWebRTCSCTPMaxReceiveBufferBytes)
	if err != nil {
		return Config{}, err
	}
	includeLoopback := false
	if raw, ok := lookup(envVarWebRTCIncludeLoopbackCandidates); ok && strings.TrimSpace(raw) != "" {
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCIncludeLoopbackCandidates, raw, err)
		}
		includeLoopback = v
	}

	fs := flag.NewFlagSet("aero-webrtc-socket", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		mode          string
		logFormat     string
		logLevel      string
		udpPortMin    string
		udpPortMax    string
		nat1to1       string
		nat1to1Type   string
		udpListenIP   string
		iceServersRaw string
	)

	fs.StringVar(&signalURL, "signal-url", signalURL, "Signaling relay WebSocket URL (env "+envVarSignalURL+")")
	fs.StringVar(&socketDir, "socket-dir", socketDir, "Directory for per-peer Unix sockets; emptied at startup (env "+envVarSocketDir+")")
	fs.StringVar(&adminListenAddr, "admin-listen-addr", adminListenAddr, "Admin HTTP listen address; empty disables (env "+envVarAdminListenAddr+")")
	fs.StringVar(&mode, "mode", modeDefault, "Runtime mode: dev or prod (env "+envVarMode+")")
	fs.StringVar(&logFormat, "log-format", logFormatDefault, "Log format: text or json (env "+envVarLogFormat+")")
	fs.StringVar(&logLevel, "log-level", logLevelDefault, "Log level: debug, info, warn, error (env "+envVarLogLevel+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")

	fs.IntVar(&readBufferBytes, "read-buffer-bytes", readBufferBytes, "Data channel read buffer size in bytes (env "+envVarReadBufferBytes+")")
	fs.DurationVar(&tunnelLinger, "tunnel-linger-timeout", tunnelLinger, "How long a half-closed tunnel connection waits for more channel data; a queued connection ends the wait early (env "+envVarTunnelLingerTimeout+")")
	fs.IntVar(&maxConnsPerSecond, "max-tunnel-connections-per-second", maxConnsPerSecond, "Accepted local connections per tunnel per second; 0 disables (env "+envVarMaxTunnelConnectionsPerSecond+")")

	fs.DurationVar(&dialTimeout, "signaling-dial-timeout", dialTimeout, "Signaling WebSocket handshake timeout (env "+envVarSignalingDialTimeout+")")
	fs.DurationVar(&wsIdleTimeout, "signaling-ws-idle-timeout", wsIdleTimeout, "Close the signaling connection after this long without inbound traffic (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&wsPingInterval, "signaling-ws-ping-interval", wsPingInterval, "Signaling WebSocket ping interval (env "+envVarSignalingWSPingInterval+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Maximum inbound signaling message size (env "+envVarMaxSignalingMessageBytes+")")

	fs.StringVar(&iceServersRaw, "ice-servers-json", iceServersJSON, "ICE servers as a JSON array (env "+envICEServersJSON+")")
	fs.StringVar(&udpPortMin, flagWebRTCUDPPortMin, udpPortMinDefault, "Minimum UDP port for ICE (env "+envVarWebRTCUDPPortMin+")")
	fs.StringVar(&udpPortMax, flagWebRTCUDPPortMax, udpPortMaxDefault, "Maximum UDP port for ICE (env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&nat1to1, flagWebRTCNAT1To1IPs, nat1to1Default, "Comma-separated public IPs to advertise (env "+envVarWebRTCNAT1To1IPs+")")
	fs.StringVar(&nat1to1Type, flagWebRTCNAT1To1IPCandidateType, nat1to1TypeDefault, "Candidate type for NAT 1:1 IPs: host or srflx (env "+envVarWebRTCNAT1To1IPCandidateType+")")
	fs.StringVar(&udpListenIP, flagWebRTCUDPListenIP, udpListenIPDefault, "Local IP to bind ICE UDP sockets to (env "+envVarWebRTCUDPListenIP+")")
	fs.BoolVar(&includeLoopback, flagWebRTCIncludeLoopbackCandidates, includeLoopback, "Gather loopback ICE candidates (env "+envVarWebRTCIncludeLoopbackCandidates+")")
	fs.IntVar(&sctpBufDefault, flagWebRTCSCTPMaxReceiveBufferBytes, sctpBufDefault, "SCTP receive buffer cap in bytes (env "+envVarWebRTCSCTPMaxReceiveBufferBytes+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	parsedMode, err := parseMode(mode)
	if err != nil {
		return Config{}, err
	}
	parsedLogFormat, err := parseLogFormat(logFormat)
	if err != nil {
		return Config{}, err
	}
	parsedLogLevel, err := parseLogLevel(logLevel)
	if err != nil {
		return Config{}, err
	}

	if err := validateSignalURL(signalURL); err != nil {
		return Config{}, err
	}
	socketDir = strings.TrimSpace(socketDir)
	if socketDir == "" {
		return Config{}, errors.New("socket-dir must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown-timeout must be > 0 (got %s)", shutdownTimeout)
	}
	if readBufferBytes < MinReadBufferBytes {
		return Config{}, fmt.Errorf("read-buffer-bytes must be >= %d (got %d)", MinReadBufferBytes, readBufferBytes)
	}
	if tunnelLinger <= 0 {
		return Config{}, fmt.Errorf("tunnel-linger-timeout must be > 0 (got %s)", tunnelLinger)
	}
	if dialTimeout <= 0 {
		return Config{}, fmt.Errorf("signaling-dial-timeout must be > 0 (got %s)", dialTimeout)
	}
	if wsIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("signaling-ws-idle-timeout must be > 0 (got %s)", wsIdleTimeout)
	}
	if wsPingInterval <= 0 || wsPingInterval >= wsIdleTimeout {
		return Config{}, fmt.Errorf("signaling-ws-ping-interval must be > 0 and < signaling-ws-idle-timeout (got %s, idle %s)", wsPingInterval, wsIdleTimeout)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("max-signaling-message-bytes must be > 0 (got %d)", maxSignalingMessageBytes)
	}

	iceServers, err := parseICEServersFromValues(iceServersRaw, stunURLs, turnURLs, turnUsername, turnCredential)
	if err != nil {
		return Config{}, err
	}
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{{URLs: []string{DefaultSTUNURL}}}
	}

	var portRange *UDPPortRange
	if strings.TrimSpace(udpPortMin) != "" || strings.TrimSpace(udpPortMax) != "" {
		if strings.TrimSpace(udpPortMin) == "" || strings.TrimSpace(udpPortMax) == "" {
			return Config{}, fmt.Errorf("%s and %s must be set together", flagWebRTCUDPPortMin, flagWebRTCUDPPortMax)
		}
		lo, err := parsePortString(udpPortMin)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", flagWebRTCUDPPortMin, err)
		}
		hi, err := parsePortString(udpPortMax)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", flagWebRTCUDPPortMax, err)
		}
		if lo > hi {
			return Config{}, fmt.Errorf("%s (%d) must be <= %s (%d)", flagWebRTCUDPPortMin, lo, flagWebRTCUDPPortMax, hi)
		}
		portRange = &UDPPortRange{Min: lo, Max: hi}
	}

	var nat1to1IPs []string
	if strings.TrimSpace(nat1to1) != "" {
		nat1to1IPs, err = parseIPList(nat1to1)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", flagWebRTCNAT1To1IPs, err)
		}
	}
	candidateType, err := parseCandidateType(nat1to1Type)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", flagWebRTCNAT1To1IPCandidateType, err)
	}

	listenIP := net.ParseIP(strings.TrimSpace(udpListenIP))
	if listenIP == nil {
		return Config{}, fmt.Errorf("%s: invalid IP %q", flagWebRTCUDPListenIP, udpListenIP)
	}

	if sctpBufDefault < minWebRTCSCTPReceiveBufferBytes {
		return Config{}, fmt.Errorf("%s must be >= %d (got %d)", flagWebRTCSCTPMaxReceiveBufferBytes, minWebRTCSCTPReceiveBufferBytes, sctpBufDefault)
	}

	return Config{
		SignalURL:                       strings.TrimSpace(signalURL),
		SocketDir:                       socketDir,
		AdminListenAddr:                 strings.TrimSpace(adminListenAddr),
		LogFormat:                       parsedLogFormat,
		LogLevel:                        parsedLogLevel,
		ShutdownTimeout:                 shutdownTimeout,
		Mode:                            parsedMode,
		ReadBufferBytes:                 readBufferBytes,
		TunnelLingerTimeout:             tunnelLinger,
		MaxTunnelConnectionsPerSecond:   maxConnsPerSecond,
		SignalingDialTimeout:            dialTimeout,
		SignalingWSIdleTimeout:          wsIdleTimeout,
		SignalingWSPingInterval:         wsPingInterval,
		MaxSignalingMessageBytes:        maxSignalingMessageBytes,
		ICEServers:                      iceServers,
		WebRTCUDPPortRange:              portRange,
		WebRTCNAT1To1IPs:                nat1to1IPs,
		WebRTCNAT1To1IPCandidateType:    candidateType,
		WebRTCUDPListenIP:               listenIP,
		WebRTCIncludeLoopbackCandidates: includeLoopback,
		WebRTCSCTPMaxReceiveBufferBytes: sctpBufDefault,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func validateSignalURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("signal-url is required (or set %s)", envVarSignalURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid signal-url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return fmt.Errorf("invalid signal-url %q: scheme must be ws or wss", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid signal-url %q: missing host", raw)
	}
	return nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func IsUnspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.Equal(net.IPv4zero) || ip.Equal(net.IPv6zero)
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if v == 0 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}

func parseCandidateType(s string) (NAT1To1IPCandidateType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(NAT1To1CandidateTypeHost):
		return NAT1To1CandidateTypeHost, nil
	case string(NAT1To1CandidateTypeSrflx):
		return NAT1To1CandidateTypeSrflx, nil
	default:
		return "", fmt.Errorf("unknown candidate type %q", s)
	}
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", raw)
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("must include at least one IP")
	}
	return out, nil
}
