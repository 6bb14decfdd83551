package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteWait = 1 * time.Second

// ErrTransportClosed is returned once the relay connection has gone away.
var ErrTransportClosed = errors.New("signaling transport closed")

type WebSocketConfig struct {
	URL    string
	Header http.Header

	DialTimeout     time.Duration
	PingInterval    time.Duration
	IdleTimeout     time.Duration
	MaxMessageBytes int64
}

// WebSocketTransport is a Transport over a gorilla/websocket client
// connection. It keeps the connection alive with pings and treats
// IdleTimeout without any inbound frame (pongs included) as a failure.
type WebSocketTransport struct {
	conn   *websocket.Conn
	cfg    WebSocketConfig
	logger *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func DialWebSocket(ctx context.Context, cfg WebSocketConfig, logger *slog.Logger) (*WebSocketTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.DialTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, cfg.URL, cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial signaling relay %s: %w (status %d)", cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial signaling relay %s: %w", cfg.URL, err)
	}
	return newWebSocketTransport(conn, cfg, logger), nil
}

func newWebSocketTransport(conn *websocket.Conn, cfg WebSocketConfig, logger *slog.Logger) *WebSocketTransport {
	t := &WebSocketTransport{
		conn:   conn,
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
	if cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(cfg.MaxMessageBytes)
	}
	t.extendReadDeadline()
	conn.SetPongHandler(func(string) error {
		t.extendReadDeadline()
		return nil
	})
	if cfg.PingInterval > 0 {
		go t.pingLoop()
	}
	return t
}

func (t *WebSocketTransport) extendReadDeadline() {
	if t.cfg.IdleTimeout <= 0 {
		return
	}
	_ = t.conn.SetReadDeadline(time.Now().Add(t.cfg.IdleTimeout))
}

func (t *WebSocketTransport) pingLoop() {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			// WriteControl may run concurrently with WriteMessage.
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				t.logger.Debug("signaling ping failed", "err", err)
				return
			}
		}
	}
}

// Receive blocks for the next data frame. Cancelling ctx closes the
// connection, since gorilla reads cannot be interrupted otherwise.
func (t *WebSocketTransport) Receive(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() { _ = t.conn.Close() })
	defer stop()

	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, classifyReadError(err)
		}
		t.extendReadDeadline()
		switch msgType {
		case websocket.TextMessage, websocket.BinaryMessage:
			return data, nil
		}
	}
}

func classifyReadError(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return fmt.Errorf("%w: %s", ErrTransportClosed, closeErr.Error())
	}
	if isTimeout(err) {
		return fmt.Errorf("%w: idle timeout: %v", ErrTransportClosed, err)
	}
	if errors.Is(err, net.ErrClosed) {
		return ErrTransportClosed
	}
	return fmt.Errorf("read signaling message: %w", err)
}

func (t *WebSocketTransport) Send(ctx context.Context, msg []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.conn.SetWriteDeadline(deadline)
	if err := t.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("write signaling message: %w", err)
	}
	return nil
}

// Close sends a normal close frame and releases the connection.
func (t *WebSocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(wsWriteWait))
		err = t.conn.Close()
	})
	return err
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
