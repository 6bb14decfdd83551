package signaling

import (
	"errors"
	"sort"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-socket/internal/webrtcpeer"
)

var (
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionNotFound = errors.New("session not found")
)

// State is a session's negotiation progress.
type State int

const (
	StateNew State = iota
	StateOfferSent
	StateAwaitingOffer
	StateAnswerExchanged
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOfferSent:
		return "offer_sent"
	case StateAwaitingOffer:
		return "awaiting_offer"
	case StateAnswerExchanged:
		return "answer_exchanged"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is the negotiation state for one remote peer.
type Session struct {
	PeerID string
	Polite bool
	State  State

	peer webrtcpeer.Peer

	// Remote candidates that arrived before the remote description, in
	// arrival order.
	pending              []webrtc.ICECandidateInit
	remoteDescriptionSet bool
	channelAttached      bool

	createdAt time.Time
}

// PeerStatus is a read-only view of a Session.
type PeerStatus struct {
	PeerID    string    `json:"peer"`
	Polite    bool      `json:"polite"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// Table holds at most one Session per peer id. It is not safe for concurrent
// use; the Machine goroutine owns it.
type Table struct {
	sessions map[string]*Session
	now      func() time.Time
}

func NewTable() *Table {
	return &Table{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

func (t *Table) InsertIfAbsent(peerID string, polite bool) (*Session, error) {
	if _, ok := t.sessions[peerID]; ok {
		return nil, ErrSessionExists
	}
	s := &Session{
		PeerID:    peerID,
		Polite:    polite,
		State:     StateNew,
		createdAt: t.now(),
	}
	t.sessions[peerID] = s
	return s, nil
}

func (t *Table) Get(peerID string) (*Session, error) {
	s, ok := t.sessions[peerID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Remove deletes and returns the session for peerID, or nil if there is none.
func (t *Table) Remove(peerID string) *Session {
	s, ok := t.sessions[peerID]
	if !ok {
		return nil
	}
	delete(t.sessions, peerID)
	return s
}

func (t *Table) Len() int {
	return len(t.sessions)
}

// Snapshot lists every session ordered by peer id.
func (t *Table) Snapshot() []PeerStatus {
	out := make([]PeerStatus, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, PeerStatus{
			PeerID:    s.PeerID,
			Polite:    s.Polite,
			State:     s.State.String(),
			CreatedAt: s.createdAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}
