package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

type eventType string

const (
	eventAddPeer            eventType = "add-peer"
	eventRemovePeer         eventType = "remove-peer"
	eventSessionDescription eventType = "session-description"
	eventICECandidate       eventType = "ice-candidate"
)

const (
	actionAnnounce = "announce"
	actionMessage  = "message"
)

// Envelope is one relay frame. ConnectionID is relay framing and is passed
// through untouched.
type Envelope struct {
	ConnectionID string
	Message      Message
}

// Message is one of AddPeer, RemovePeer, SessionDescription or ICECandidate.
type Message interface {
	PeerID() string
	event() eventType
}

// AddPeer announces a remote peer. Polite=false makes this endpoint the
// offerer for the pair.
type AddPeer struct {
	Peer   string
	Polite bool
}

type RemovePeer struct {
	Peer string
}

type SessionDescription struct {
	Peer        string
	Description webrtc.SessionDescription
}

// ICECandidate carries one trickled candidate. A nil Candidate is the
// end-of-candidates marker and is encoded as "data": null.
type ICECandidate struct {
	Peer      string
	Candidate *webrtc.ICECandidateInit
}

func (m AddPeer) PeerID() string            { return m.Peer }
func (m RemovePeer) PeerID() string         { return m.Peer }
func (m SessionDescription) PeerID() string { return m.Peer }
func (m ICECandidate) PeerID() string       { return m.Peer }

func (AddPeer) event() eventType            { return eventAddPeer }
func (RemovePeer) event() eventType         { return eventRemovePeer }
func (SessionDescription) event() eventType { return eventSessionDescription }
func (ICECandidate) event() eventType       { return eventICECandidate }

// DecodeError reports an inbound frame that could not be turned into an
// Envelope. It is never fatal: the frame is dropped and reading continues.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return "decode signaling message: " + e.Reason + ": " + e.Err.Error()
	}
	return "decode signaling message: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErrorf(format string, args ...any) *DecodeError {
	return &DecodeError{Reason: fmt.Sprintf(format, args...)}
}

type sdp struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func sdpFromPion(desc webrtc.SessionDescription) sdp {
	return sdp{Type: desc.Type.String(), SDP: desc.SDP}
}

func (s sdp) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	if s.SDP == "" {
		return webrtc.SessionDescription{}, errors.New("empty sdp")
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// candidate is the browser RTCIceCandidateInit shape.
type candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func candidateFromPion(init webrtc.ICECandidateInit) candidate {
	return candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// wireEnvelope is the flat JSON frame. Data stays raw so that an explicit
// null survives decoding as the bytes "null" while an absent field stays nil.
type wireEnvelope struct {
	Action       string          `json:"action,omitempty"`
	ConnectionID string          `json:"connectionId"`
	Event        eventType       `json:"event"`
	Peer         string          `json:"peer"`
	Polite       *bool           `json:"polite,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

var jsonNull = json.RawMessage("null")

// EncodeAnnounce returns the greeting sent once when the relay connection
// opens.
func EncodeAnnounce() []byte {
	return []byte(`{"action":"announce"}`)
}

func Encode(env Envelope) ([]byte, error) {
	if env.Message == nil {
		return nil, errors.New("encode signaling message: nil message")
	}
	w := wireEnvelope{
		Action:       actionMessage,
		ConnectionID: env.ConnectionID,
		Event:        env.Message.event(),
		Peer:         env.Message.PeerID(),
	}

	switch m := env.Message.(type) {
	case AddPeer:
		polite := m.Polite
		w.Polite = &polite
	case RemovePeer:
	case SessionDescription:
		data, err := json.Marshal(sdpFromPion(m.Description))
		if err != nil {
			return nil, fmt.Errorf("encode session description: %w", err)
		}
		w.Data = data
	case ICECandidate:
		if m.Candidate == nil {
			w.Data = jsonNull
			break
		}
		data, err := json.Marshal(candidateFromPion(*m.Candidate))
		if err != nil {
			return nil, fmt.Errorf("encode ice candidate: %w", err)
		}
		w.Data = data
	default:
		return nil, fmt.Errorf("encode signaling message: unsupported message %T", env.Message)
	}

	return json.Marshal(w)
}

// Decode parses one inbound frame. All failures are *DecodeError.
func Decode(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	var w wireEnvelope
	if err := dec.Decode(&w); err != nil {
		return Envelope{}, &DecodeError{Reason: "malformed json", Err: err}
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, decodeErrorf("unexpected trailing data")
	}

	switch w.Action {
	case "", actionMessage:
	default:
		return Envelope{}, decodeErrorf("unsupported action %q", w.Action)
	}
	if w.Event == "" {
		return Envelope{}, decodeErrorf("missing event")
	}
	if w.Peer == "" {
		return Envelope{}, decodeErrorf("%s: missing peer", w.Event)
	}

	msg, err := decodeMessage(w)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{ConnectionID: w.ConnectionID, Message: msg}, nil
}

func decodeMessage(w wireEnvelope) (Message, error) {
	switch w.Event {
	case eventAddPeer:
		if w.Polite == nil {
			return nil, decodeErrorf("add-peer: missing polite")
		}
		return AddPeer{Peer: w.Peer, Polite: *w.Polite}, nil

	case eventRemovePeer:
		return RemovePeer{Peer: w.Peer}, nil

	case eventSessionDescription:
		if w.Data == nil || bytes.Equal(w.Data, jsonNull) {
			return nil, decodeErrorf("session-description: missing data")
		}
		var s sdp
		if err := json.Unmarshal(w.Data, &s); err != nil {
			return nil, &DecodeError{Reason: "session-description: invalid data", Err: err}
		}
		desc, err := s.ToPion()
		if err != nil {
			return nil, &DecodeError{Reason: "session-description", Err: err}
		}
		return SessionDescription{Peer: w.Peer, Description: desc}, nil

	case eventICECandidate:
		if w.Data == nil {
			return nil, decodeErrorf("ice-candidate: missing data")
		}
		if bytes.Equal(w.Data, jsonNull) {
			return ICECandidate{Peer: w.Peer}, nil
		}
		var c candidate
		if err := json.Unmarshal(w.Data, &c); err != nil {
			return nil, &DecodeError{Reason: "ice-candidate: invalid data", Err: err}
		}
		init := c.ToPion()
		return ICECandidate{Peer: w.Peer, Candidate: &init}, nil

	default:
		return nil, decodeErrorf("unsupported event %q", w.Event)
	}
}
