// Package tunnel exposes each established peer's data channel as a local
// unix stream socket and relays bytes between the two.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-socket/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-socket/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-socket/internal/ratelimit"
)

const socketSuffix = ".sock"

var (
	ErrInvalidPeerID = errors.New("invalid peer id")
	ErrTunnelExists  = errors.New("tunnel already attached")
	ErrNoTunnel      = errors.New("no tunnel for peer")
	ErrBridgeClosed  = errors.New("bridge closed")
	ErrDetached      = errors.New("tunnel detached")
)

type Config struct {
	// Dir holds one socket per attached peer. It must already exist.
	Dir string

	ReadBufferBytes int
	LingerTimeout   time.Duration

	// MaxConnectionsPerSecond limits accepted local connections per tunnel.
	// Zero disables the limit.
	MaxConnectionsPerSecond int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Clock   ratelimit.Clock
}

// Bridge owns every attached data channel. It implements the signaling
// machine's Bridge interface.
type Bridge struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	tunnels map[string]*tunnel
	closed  bool

	wg sync.WaitGroup
}

func New(cfg Config) *Bridge {
	if cfg.ReadBufferBytes < config.MinReadBufferBytes {
		cfg.ReadBufferBytes = config.DefaultReadBufferBytes
	}
	if cfg.LingerTimeout <= 0 {
		cfg.LingerTimeout = config.DefaultTunnelLingerTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg:     cfg,
		logger:  logger,
		metrics: cfg.Metrics,
		tunnels: make(map[string]*tunnel),
	}
}

// ValidatePeerID rejects ids that cannot be used as a socket file name.
func ValidatePeerID(peerID string) error {
	switch {
	case peerID == "", peerID == ".", peerID == "..":
		return fmt.Errorf("%w: %q", ErrInvalidPeerID, peerID)
	case strings.ContainsAny(peerID, "/\x00"):
		return fmt.Errorf("%w: %q contains a path separator or NUL", ErrInvalidPeerID, peerID)
	}
	return nil
}

// SocketPath is where peerID's tunnel listens.
func (b *Bridge) SocketPath(peerID string) string {
	return filepath.Join(b.cfg.Dir, peerID+socketSuffix)
}

// Attach takes ownership of channel and starts listening on peerID's socket.
// On error the caller keeps ownership of channel.
func (b *Bridge) Attach(peerID string, channel io.ReadWriteCloser) error {
	if err := ValidatePeerID(peerID); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBridgeClosed
	}
	if _, ok := b.tunnels[peerID]; ok {
		return fmt.Errorf("%w: %s", ErrTunnelExists, peerID)
	}

	path := b.SocketPath(peerID)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket %s: %w", path, err)
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return fmt.Errorf("listen %s: %w", path, err)
	}

	t := newTunnel(peerID, path, channel, ln, b)
	b.tunnels[peerID] = t
	t.start()
	b.logger.Info("tunnel attached", "peer_id", peerID, "socket", path)
	return nil
}

// Detach stops peerID's tunnel: its bindings are cancelled, the socket is
// removed and the channel is closed. It does not wait for in-flight I/O.
func (b *Bridge) Detach(peerID string) {
	b.mu.Lock()
	t, ok := b.tunnels[peerID]
	delete(b.tunnels, peerID)
	b.mu.Unlock()
	if !ok {
		return
	}
	t.close()
	b.logger.Info("tunnel detached", "peer_id", peerID)
}

// Bind relays conn over peerID's data channel. It waits for any earlier
// binding of the same tunnel to finish first, and returns once this binding
// has ended. conn is always closed.
func (b *Bridge) Bind(ctx context.Context, peerID string, conn net.Conn) error {
	b.mu.Lock()
	t, ok := b.tunnels[peerID]
	b.mu.Unlock()
	if !ok {
		_ = conn.Close()
		return fmt.Errorf("%w: %s", ErrNoTunnel, peerID)
	}
	return t.serve(ctx, conn)
}

// Peers lists the peers with an attached tunnel.
func (b *Bridge) Peers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.tunnels))
	for id := range b.tunnels {
		out = append(out, id)
	}
	return out
}

// Close detaches every tunnel and waits for their goroutines to exit.
func (b *Bridge) Close() {
	b.mu.Lock()
	b.closed = true
	tunnels := b.tunnels
	b.tunnels = make(map[string]*tunnel)
	b.mu.Unlock()

	for _, t := range tunnels {
		t.close()
	}
	b.wg.Wait()
}
