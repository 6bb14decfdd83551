package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/webrtc-socket/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-socket/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-socket/internal/ratelimit"
)

const acceptRetryDelay = 50 * time.Millisecond

// maxMessageBytes caps each outbound data channel message. Every valid remote
// reads with at least this much buffer; a larger message fails its Read with
// io.ErrShortBuffer.
const maxMessageBytes = config.MinReadBufferBytes

// chunk is one read from the data channel. buf goes back to the pool once
// the bytes have been written out.
type chunk struct {
	buf *[]byte
	n   int
}

type tunnel struct {
	peerID  string
	path    string
	channel io.ReadWriteCloser
	ln      *net.UnixListener

	logger  *slog.Logger
	metrics *metrics.Metrics
	limiter *ratelimit.TokenBucket
	wg      *sync.WaitGroup

	readBufferBytes int
	linger          time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	// sem serializes bindings. The holder is the only reader of inbound and
	// the only writer to channel.
	sem chan struct{}
	// waiting counts connections blocked on sem. queued wakes a lingering
	// binding so it can hand over early.
	waiting atomic.Int32
	queued  chan struct{}

	pool     sync.Pool
	inbound  chan chunk
	pumpDone chan struct{}
	pumpErr  error

	closeOnce sync.Once
}

func newTunnel(peerID, path string, channel io.ReadWriteCloser, ln *net.UnixListener, b *Bridge) *tunnel {
	ctx, cancel := context.WithCancel(context.Background())
	t := &tunnel{
		peerID:          peerID,
		path:            path,
		channel:         channel,
		ln:              ln,
		logger:          b.logger.With("peer_id", peerID),
		metrics:         b.metrics,
		limiter:         ratelimit.NewPerSecond(b.cfg.Clock, b.cfg.MaxConnectionsPerSecond),
		wg:              &b.wg,
		readBufferBytes: b.cfg.ReadBufferBytes,
		linger:          b.cfg.LingerTimeout,
		ctx:             ctx,
		cancel:          cancel,
		sem:             make(chan struct{}, 1),
		queued:          make(chan struct{}, 1),
		inbound:         make(chan chunk),
		pumpDone:        make(chan struct{}),
	}
	size := t.readBufferBytes
	t.pool.New = func() any {
		buf := make([]byte, size)
		return &buf
	}
	return t
}

func (t *tunnel) start() {
	t.wg.Add(2)
	go t.pump()
	go t.acceptLoop()
}

func (t *tunnel) close() {
	t.closeOnce.Do(func() {
		t.cancel()
		_ = t.ln.Close()
		if err := os.Remove(t.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			t.logger.Warn("failed to remove tunnel socket", "socket", t.path, "err", err)
		}
		_ = t.channel.Close()
	})
}

// pump is the only reader of the data channel. Chunks are handed over
// synchronously, so nothing is read on behalf of a binding that has already
// ended and pumpDone is closed only after the last chunk was taken.
func (t *tunnel) pump() {
	defer t.wg.Done()
	defer close(t.pumpDone)

	for {
		buf := t.pool.Get().(*[]byte)
		n, err := t.channel.Read(*buf)
		if n > 0 {
			select {
			case t.inbound <- chunk{buf: buf, n: n}:
			case <-t.ctx.Done():
				t.pumpErr = t.ctx.Err()
				return
			}
		} else {
			t.pool.Put(buf)
		}
		if err != nil {
			if errors.Is(err, io.ErrShortBuffer) {
				t.logger.Error("data channel message larger than read buffer", "read_buffer_bytes", t.readBufferBytes)
			}
			t.pumpErr = err
			return
		}
	}
}

func (t *tunnel) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			if t.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Warn("tunnel accept failed", "err", err)
			select {
			case <-t.ctx.Done():
				return
			case <-time.After(acceptRetryDelay):
			}
			continue
		}
		if !t.limiter.Allow(1) {
			t.metrics.Inc(metrics.TunnelAcceptRateLimited)
			t.logger.Debug("tunnel connection rate limited")
			_ = conn.Close()
			continue
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			if err := t.serve(t.ctx, conn); err != nil && !errors.Is(err, ErrDetached) {
				t.logger.Debug("tunnel binding ended", "err", err)
			}
		}()
	}
}

// acquire takes the binding slot, waiting behind the active binding.
func (t *tunnel) acquire(ctx context.Context) error {
	select {
	case t.sem <- struct{}{}:
		return nil
	default:
	}

	t.waiting.Add(1)
	defer t.waiting.Add(-1)
	select {
	case t.queued <- struct{}{}:
	default:
	}

	select {
	case t.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.ctx.Done():
		return ErrDetached
	}
}

// serve runs one binding. Local EOF stops the local->channel direction only;
// channel data keeps flowing to conn until the channel ends, a write to conn
// fails, another connection is waiting, or linger passes without inbound
// data. Channel EOF half-closes conn.
func (t *tunnel) serve(ctx context.Context, conn net.Conn) error {
	if err := t.acquire(ctx); err != nil {
		_ = conn.Close()
		return err
	}
	defer func() { <-t.sem }()

	if t.ctx.Err() != nil {
		_ = conn.Close()
		return ErrDetached
	}

	id := uuid.NewString()
	logger := t.logger.With("binding_id", id)
	logger.Debug("tunnel binding started")
	t.metrics.Inc(metrics.TunnelBindingsStarted)
	defer t.metrics.Inc(metrics.TunnelBindingsCompleted)

	// A blocked write to conn must not outlive the binding.
	stopCtx := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stopCtx()
	stopTunnel := context.AfterFunc(t.ctx, func() { _ = conn.Close() })
	defer stopTunnel()

	upstream := make(chan error, 1)
	go func() { upstream <- t.copyToChannel(conn) }()

	joined, err := t.copyToLocal(ctx, conn, upstream)

	// Abandon the local->channel direction and wait for it, so the next
	// binding never shares the channel with it.
	_ = conn.Close()
	if !joined {
		<-upstream
	}
	logger.Debug("tunnel binding finished", "err", err)
	return err
}

// copyToLocal reports whether it already received the local->channel
// result.
func (t *tunnel) copyToLocal(ctx context.Context, conn net.Conn, upstream <-chan error) (bool, error) {
	localDone := upstream
	var lingerTimer *time.Timer
	var lingerC <-chan time.Time
	var queuedC <-chan struct{}
	defer func() {
		if lingerTimer != nil {
			lingerTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return localDone == nil, ctx.Err()

		case <-t.ctx.Done():
			return localDone == nil, ErrDetached

		case err := <-localDone:
			localDone = nil
			if err != nil {
				return true, err
			}
			if t.waiting.Load() > 0 {
				return true, nil
			}
			lingerTimer = time.NewTimer(t.linger)
			lingerC = lingerTimer.C
			queuedC = t.queued

		case <-queuedC:
			// The signal may predate this binding.
			if t.waiting.Load() > 0 {
				return true, nil
			}

		case c := <-t.inbound:
			n, err := conn.Write((*c.buf)[:c.n])
			t.pool.Put(c.buf)
			if n > 0 {
				t.metrics.Add(metrics.TunnelBytesToLocal, uint64(n))
			}
			if err != nil {
				return localDone == nil, fmt.Errorf("write local connection: %w", err)
			}
			if lingerTimer != nil {
				lingerTimer.Reset(t.linger)
			}

		case <-t.pumpDone:
			closeWrite(conn)
			if errors.Is(t.pumpErr, io.EOF) {
				return localDone == nil, nil
			}
			return localDone == nil, fmt.Errorf("data channel closed: %w", t.pumpErr)

		case <-lingerC:
			return true, nil
		}
	}
}

func (t *tunnel) copyToChannel(conn net.Conn) error {
	buf := make([]byte, t.readBufferBytes)
	for {
		n, err := conn.Read(buf)
		for p := buf[:n]; len(p) > 0; {
			m := min(len(p), maxMessageBytes)
			if _, werr := t.channel.Write(p[:m]); werr != nil {
				return fmt.Errorf("write data channel: %w", werr)
			}
			t.metrics.Add(metrics.TunnelBytesToChannel, uint64(m))
			p = p[m:]
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read local connection: %w", err)
		}
	}
}

func closeWrite(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}
