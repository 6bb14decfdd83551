package signaling

import (
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-socket/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-socket/internal/webrtcpeer"
)

// PeerFactory creates the engine object for a newly added peer.
type PeerFactory interface {
	NewPeer(peerID string) (webrtcpeer.Peer, error)
}

// Bridge receives each established tunnel channel. Detach must not block on
// in-flight tunnel I/O.
type Bridge interface {
	Attach(peerID string, channel io.ReadWriteCloser) error
	Detach(peerID string)
}

type MachineConfig struct {
	Peers   PeerFactory
	Bridge  Bridge
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Machine applies relay messages and engine events to the session table and
// returns the envelopes to send in response. It is not safe for concurrent
// use; only Peers may be called from other goroutines.
type Machine struct {
	peers   PeerFactory
	bridge  Bridge
	logger  *slog.Logger
	metrics *metrics.Metrics

	table    *Table
	snapshot atomic.Pointer[[]PeerStatus]
}

func NewMachine(cfg MachineConfig) *Machine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Machine{
		peers:   cfg.Peers,
		bridge:  cfg.Bridge,
		logger:  logger,
		metrics: cfg.Metrics,
		table:   NewTable(),
	}
	m.publish()
	return m
}

// Peers returns the session list as of the last processed message or event.
func (m *Machine) Peers() []PeerStatus {
	return *m.snapshot.Load()
}

// State reports the state of peerID's session.
func (m *Machine) State(peerID string) (State, bool) {
	s, err := m.table.Get(peerID)
	if err != nil {
		return StateClosed, false
	}
	return s.State, true
}

func (m *Machine) publish() {
	snap := m.table.Snapshot()
	m.snapshot.Store(&snap)
}

func (m *Machine) Handle(msg Message) []Envelope {
	defer m.publish()

	switch msg := msg.(type) {
	case AddPeer:
		return m.handleAddPeer(msg)
	case RemovePeer:
		m.handleRemovePeer(msg)
		return nil
	case SessionDescription:
		return m.handleSessionDescription(msg)
	case ICECandidate:
		m.handleRemoteCandidate(msg)
		return nil
	default:
		m.logger.Warn("ignoring unsupported signaling message", "type", fmt.Sprintf("%T", msg))
		return nil
	}
}

func (m *Machine) handleAddPeer(msg AddPeer) []Envelope {
	logger := m.logger.With("peer_id", msg.Peer, "polite", msg.Polite)

	if _, err := m.table.Get(msg.Peer); err == nil {
		logger.Debug("ignoring repeated add-peer")
		return nil
	}

	peer, err := m.peers.NewPeer(msg.Peer)
	if err != nil {
		logger.Error("failed to create peer connection", "err", err)
		m.metrics.Inc(metrics.PeerEngineFailures)
		return nil
	}
	sess, err := m.table.InsertIfAbsent(msg.Peer, msg.Polite)
	if err != nil {
		_ = peer.Close()
		return nil
	}
	sess.peer = peer
	m.metrics.Inc(metrics.PeersAdded)

	if sess.Polite {
		sess.State = StateAwaitingOffer
		logger.Info("peer added, awaiting offer", "peers", m.table.Len())
		return nil
	}

	offer, err := m.createOffer(peer)
	if err != nil {
		m.engineFailure(sess, "create offer", err)
		return nil
	}
	sess.State = StateOfferSent
	logger.Info("peer added, offer sent", "peers", m.table.Len())
	return []Envelope{m.envelope(SessionDescription{Peer: sess.PeerID, Description: offer})}
}

func (m *Machine) createOffer(peer webrtcpeer.Peer) (webrtc.SessionDescription, error) {
	if err := peer.CreateDataChannel(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := peer.CreateOffer()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := peer.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return offer, nil
}

func (m *Machine) handleRemovePeer(msg RemovePeer) {
	sess := m.table.Remove(msg.Peer)
	if sess == nil {
		return
	}
	m.logger.Info("peer removed", "peer_id", msg.Peer, "state", sess.State.String(), "peers", m.table.Len())
	m.release(sess)
}

func (m *Machine) handleSessionDescription(msg SessionDescription) []Envelope {
	sess, err := m.table.Get(msg.Peer)
	if err != nil {
		m.protocolViolation("session description for unknown peer", msg.Peer)
		return nil
	}
	logger := m.logger.With("peer_id", sess.PeerID, "state", sess.State.String())

	switch msg.Description.Type {
	case webrtc.SDPTypeOffer:
		if !sess.Polite {
			// Both sides offered; the impolite side keeps its own offer.
			logger.Warn("ignoring offer from polite peer")
			m.metrics.Inc(metrics.SignalingProtocolErrors)
			return nil
		}
		switch sess.State {
		case StateAwaitingOffer, StateAnswerExchanged, StateEstablished:
		default:
			logger.Warn("ignoring offer in unexpected state")
			m.metrics.Inc(metrics.SignalingProtocolErrors)
			return nil
		}
		answer, err := m.acceptOffer(sess, msg.Description)
		if err != nil {
			m.engineFailure(sess, "answer offer", err)
			return nil
		}
		if sess.State == StateAwaitingOffer {
			sess.State = StateAnswerExchanged
		}
		logger.Debug("offer answered")
		return []Envelope{m.envelope(SessionDescription{Peer: sess.PeerID, Description: answer})}

	case webrtc.SDPTypeAnswer:
		if sess.State != StateOfferSent {
			logger.Info("ignoring unexpected answer")
			return nil
		}
		if err := sess.peer.SetRemoteDescription(msg.Description); err != nil {
			m.engineFailure(sess, "set remote answer", err)
			return nil
		}
		sess.remoteDescriptionSet = true
		m.flushPending(sess)
		sess.State = StateAnswerExchanged
		logger.Debug("answer applied")
		return nil

	default:
		m.protocolViolation("unsupported session description type "+msg.Description.Type.String(), msg.Peer)
		return nil
	}
}

func (m *Machine) acceptOffer(sess *Session, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := sess.peer.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	sess.remoteDescriptionSet = true
	m.flushPending(sess)

	answer, err := sess.peer.CreateAnswer()
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := sess.peer.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return answer, nil
}

func (m *Machine) handleRemoteCandidate(msg ICECandidate) {
	sess, err := m.table.Get(msg.Peer)
	if err != nil {
		m.protocolViolation("ice candidate for unknown peer", msg.Peer)
		return
	}
	if msg.Candidate == nil {
		// pion infers end-of-candidates; nothing to apply.
		m.logger.Debug("remote end of candidates", "peer_id", sess.PeerID)
		return
	}
	if !sess.remoteDescriptionSet {
		sess.pending = append(sess.pending, *msg.Candidate)
		m.metrics.Inc(metrics.CandidatesBuffered)
		return
	}
	m.addCandidate(sess, *msg.Candidate)
}

func (m *Machine) flushPending(sess *Session) {
	pending := sess.pending
	sess.pending = nil
	for _, c := range pending {
		m.addCandidate(sess, c)
	}
}

// addCandidate never fails the session: one bad candidate must not abort
// connectivity checks on the others.
func (m *Machine) addCandidate(sess *Session, c webrtc.ICECandidateInit) {
	if err := sess.peer.AddICECandidate(c); err != nil {
		m.logger.Warn("rejected remote ice candidate", "peer_id", sess.PeerID, "candidate", c.Candidate, "err", err)
		m.metrics.Inc(metrics.CandidatesRejected)
	}
}

// HandleEvent applies one engine event. Events from a peer object that no
// longer owns its session are dropped.
func (m *Machine) HandleEvent(ev webrtcpeer.Event) []Envelope {
	defer m.publish()

	sess, err := m.table.Get(ev.PeerID)
	if err != nil || sess.peer != ev.Peer {
		if ev.Channel != nil {
			_ = ev.Channel.Close()
		}
		m.logger.Debug("dropping stale engine event", "peer_id", ev.PeerID, "kind", ev.Kind.String())
		return nil
	}

	switch ev.Kind {
	case webrtcpeer.EventLocalCandidate:
		return []Envelope{m.envelope(ICECandidate{Peer: sess.PeerID, Candidate: ev.Candidate})}

	case webrtcpeer.EventDataChannelOpen:
		m.attachChannel(sess, ev.Channel)
		return nil

	case webrtcpeer.EventConnectionState:
		logger := m.logger.With("peer_id", sess.PeerID, "connection_state", ev.State.String())
		switch ev.State {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			logger.Warn("peer connection ended")
			m.teardown(sess)
		default:
			logger.Debug("peer connection state changed")
		}
		return nil

	default:
		return nil
	}
}

func (m *Machine) attachChannel(sess *Session, channel io.ReadWriteCloser) {
	if channel == nil {
		return
	}
	if sess.channelAttached {
		m.logger.Warn("refusing additional datachannel", "peer_id", sess.PeerID)
		m.metrics.Inc(metrics.DataChannelsRefused)
		_ = channel.Close()
		return
	}
	if err := m.bridge.Attach(sess.PeerID, channel); err != nil {
		m.logger.Error("failed to attach tunnel", "peer_id", sess.PeerID, "err", err)
		_ = channel.Close()
		m.teardown(sess)
		return
	}
	sess.channelAttached = true
	sess.State = StateEstablished
	m.metrics.Inc(metrics.PeersEstablished)
	m.logger.Info("peer established", "peer_id", sess.PeerID)
}

// Close tears every session down.
func (m *Machine) Close() {
	for _, st := range m.table.Snapshot() {
		if sess := m.table.Remove(st.PeerID); sess != nil {
			m.release(sess)
		}
	}
	m.publish()
}

func (m *Machine) engineFailure(sess *Session, op string, err error) {
	m.logger.Error("peer engine failure", "peer_id", sess.PeerID, "op", op, "err", err)
	m.metrics.Inc(metrics.PeerEngineFailures)
	m.teardown(sess)
}

func (m *Machine) teardown(sess *Session) {
	if cur, err := m.table.Get(sess.PeerID); err == nil && cur == sess {
		m.table.Remove(sess.PeerID)
	}
	m.release(sess)
}

// release frees a session already removed from the table.
func (m *Machine) release(sess *Session) {
	if sess.State == StateClosed {
		return
	}
	sess.State = StateClosed
	sess.pending = nil
	if sess.channelAttached {
		m.bridge.Detach(sess.PeerID)
	}
	if sess.peer != nil {
		if err := sess.peer.Close(); err != nil {
			m.logger.Debug("close peer connection", "peer_id", sess.PeerID, "err", err)
		}
	}
	m.metrics.Inc(metrics.PeersRemoved)
}

func (m *Machine) protocolViolation(reason, peerID string) {
	m.logger.Warn("signaling protocol violation", "reason", reason, "peer_id", peerID)
	m.metrics.Inc(metrics.SignalingProtocolErrors)
}

// envelope addresses msg to its peer; the relay routes by connectionId.
func (m *Machine) envelope(msg Message) Envelope {
	return Envelope{ConnectionID: msg.PeerID(), Message: msg}
}
