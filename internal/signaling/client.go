package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/wilsonzlin/aero/proxy/webrtc-socket/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-socket/internal/queue"
	"github.com/wilsonzlin/aero/proxy/webrtc-socket/internal/webrtcpeer"
)

// Transport is an ordered, message-oriented connection to the relay.
type Transport interface {
	Send(ctx context.Context, msg []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

type ClientConfig struct {
	Transport Transport
	Machine   *Machine
	// Events is the engine's queue; it is drained on the same goroutine that
	// handles relay messages.
	Events  *queue.Queue[webrtcpeer.Event]
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Client runs one relay connection: it greets the relay, feeds decoded
// messages and engine events to the Machine, and writes the replies in order.
type Client struct {
	transport Transport
	machine   *Machine
	events    *queue.Queue[webrtcpeer.Event]
	logger    *slog.Logger
	metrics   *metrics.Metrics

	outbound  *queue.Queue[[]byte]
	connected atomic.Bool
}

func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	events := cfg.Events
	if events == nil {
		events = queue.New[webrtcpeer.Event]()
	}
	return &Client{
		transport: cfg.Transport,
		machine:   cfg.Machine,
		events:    events,
		logger:    logger,
		metrics:   cfg.Metrics,
		outbound:  queue.New[[]byte](),
	}
}

// Connected reports whether the greeting was sent and the connection is
// still being serviced.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Run services the relay connection until ctx is cancelled or the transport
// fails. Every session is torn down before Run returns. A cancelled ctx
// yields a nil error.
func (c *Client) Run(ctx context.Context) error {
	defer c.machine.Close()
	defer c.transport.Close()

	if err := c.transport.Send(ctx, EncodeAnnounce()); err != nil {
		return fmt.Errorf("announce: %w", err)
	}
	c.connected.Store(true)
	defer c.connected.Store(false)
	c.logger.Info("connected to signaling relay")

	g, gctx := errgroup.WithContext(ctx)
	inbound := make(chan []byte)

	g.Go(func() error { return c.readLoop(gctx, inbound) })
	g.Go(func() error { return c.writeLoop(gctx) })
	g.Go(func() error { return c.dispatchLoop(gctx, inbound) })

	err := g.Wait()
	if n := c.outbound.Len(); n > 0 {
		c.logger.Warn("discarding unsent signaling messages", "count", n)
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

func (c *Client) readLoop(ctx context.Context, inbound chan<- []byte) error {
	for {
		msg, err := c.transport.Receive(ctx)
		if err != nil {
			return err
		}
		select {
		case inbound <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.outbound.Ready():
		}
		for _, msg := range c.outbound.Drain() {
			if err := c.transport.Send(ctx, msg); err != nil {
				return err
			}
			c.metrics.Inc(metrics.SignalingMessagesSent)
		}
	}
}

// dispatchLoop is the only goroutine that touches the Machine while Run is
// active, so messages for one peer are applied strictly in arrival order.
func (c *Client) dispatchLoop(ctx context.Context, inbound <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw := <-inbound:
			c.handleRaw(raw)
		case <-c.events.Ready():
			for _, ev := range c.events.Drain() {
				c.enqueue(c.machine.HandleEvent(ev))
			}
		}
	}
}

func (c *Client) handleRaw(raw []byte) {
	c.metrics.Inc(metrics.SignalingMessagesReceived)
	env, err := Decode(raw)
	if err != nil {
		c.metrics.Inc(metrics.SignalingDecodeErrors)
		c.logger.Warn("dropping undecodable signaling message", "err", err)
		return
	}
	c.logger.Debug("signaling message received",
		"connection_id", env.ConnectionID,
		"event", string(env.Message.event()),
		"peer_id", env.Message.PeerID(),
	)
	c.enqueue(c.machine.Handle(env.Message))
}

func (c *Client) enqueue(out []Envelope) {
	for _, env := range out {
		raw, err := Encode(env)
		if err != nil {
			c.logger.Error("failed to encode signaling message", "peer_id", env.Message.PeerID(), "err", err)
			continue
		}
		c.outbound.Push(raw)
	}
}
