package webrtcpeer

import (
	"github.com/pion/datachannel"
	"github.com/pion/webrtc/v4"
)

type EventKind int

const (
	// EventLocalCandidate carries a locally gathered ICE candidate, or a nil
	// Candidate once gathering completed.
	EventLocalCandidate EventKind = iota + 1
	// EventDataChannelOpen carries the detached tunnel channel.
	EventDataChannelOpen
	// EventConnectionState reports a peer connection state change.
	EventConnectionState
)

func (k EventKind) String() string {
	switch k {
	case EventLocalCandidate:
		return "local_candidate"
	case EventDataChannelOpen:
		return "datachannel_open"
	case EventConnectionState:
		return "connection_state"
	default:
		return "unknown"
	}
}

// Event is emitted by a Peer from pion's callback goroutines. Peer identifies
// the emitting object so consumers can discard events from a peer that has
// since been replaced.
type Event struct {
	Kind   EventKind
	PeerID string
	Peer   Peer

	Candidate *webrtc.ICECandidateInit
	Channel   datachannel.ReadWriteCloser
	State     webrtc.PeerConnectionState
}
