package webrtcpeer

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-socket/internal/queue"
)

// Peer is one peer connection as seen by the signaling state machine. All
// asynchronous activity (candidates, channel open, state changes) is reported
// through the owning Engine's event queue instead of callbacks.
type Peer interface {
	// CreateDataChannel creates the tunnel channel. Only the offering side
	// calls it; the answering side accepts the remote channel.
	CreateDataChannel() error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	Close() error
}

// Engine creates pion-backed peers that share one API and one event queue.
type Engine struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	logger     *slog.Logger
	events     *queue.Queue[Event]
}

func NewEngine(api *webrtc.API, iceServers []webrtc.ICEServer, logger *slog.Logger) *Engine {
	if api == nil {
		api = webrtc.NewAPI()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		api:        api,
		iceServers: iceServers,
		logger:     logger,
		events:     queue.New[Event](),
	}
}

// Events is the queue every peer created by this engine reports into.
func (e *Engine) Events() *queue.Queue[Event] {
	return e.events
}

// Close stops accepting events; peers must be closed by their owner.
func (e *Engine) Close() {
	e.events.Close()
}

func (e *Engine) NewPeer(peerID string) (Peer, error) {
	pc, err := e.api.NewPeerConnection(webrtc.Configuration{ICEServers: e.iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	p := &pcPeer{
		id:     peerID,
		pc:     pc,
		events: e.events,
		logger: e.logger.With("peer_id", peerID),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		ev := Event{Kind: EventLocalCandidate}
		if c != nil {
			init := c.ToJSON()
			ev.Candidate = &init
		}
		p.emit(ev)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.emit(Event{Kind: EventConnectionState, State: state})
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if err := validateTunnelDataChannel(dc); err != nil {
			p.logger.Warn("rejecting datachannel",
				"label", dc.Label(),
				"ordered", dc.Ordered(),
				"err", err,
			)
			_ = dc.Close()
			return
		}
		p.watchOpen(dc)
	})

	return p, nil
}

type pcPeer struct {
	id     string
	pc     *webrtc.PeerConnection
	events *queue.Queue[Event]
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

func (p *pcPeer) emit(ev Event) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	ev.PeerID = p.id
	ev.Peer = p
	p.events.Push(ev)
}

// watchOpen detaches dc once it opens and reports it. Detaching hands the raw
// SCTP stream to the tunnel, which reads with its own buffer.
func (p *pcPeer) watchOpen(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		rwc, err := dc.Detach()
		if err != nil {
			p.logger.Warn("detach datachannel failed", "label", dc.Label(), "err", err)
			_ = dc.Close()
			return
		}
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			_ = rwc.Close()
			return
		}
		p.emit(Event{Kind: EventDataChannelOpen, Channel: rwc})
	})
}

func (p *pcPeer) CreateDataChannel() error {
	dc, err := p.pc.CreateDataChannel(DataChannelLabel, tunnelDataChannelInit())
	if err != nil {
		return fmt.Errorf("create datachannel: %w", err)
	}
	p.watchOpen(dc)
	return nil
}

func (p *pcPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pcPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pcPeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pcPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pcPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

// Close is idempotent. Events raised during or after Close are dropped.
func (p *pcPeer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	return p.pc.Close()
}
