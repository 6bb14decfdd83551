package signaling

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-socket/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-socket/internal/webrtcpeer"
)

type machineHarness struct {
	m       *Machine
	peers   *fakeFactory
	bridge  *fakeBridge
	metrics *metrics.Metrics
}

func newMachineHarness(t *testing.T) *machineHarness {
	t.Helper()
	h := &machineHarness{
		peers:   newFakeFactory(),
		bridge:  newFakeBridge(),
		metrics: metrics.New(),
	}
	h.m = NewMachine(MachineConfig{Peers: h.peers, Bridge: h.bridge, Metrics: h.metrics})
	return h
}

func (h *machineHarness) requireState(t *testing.T, peer string, want State) {
	t.Helper()
	got, ok := h.m.State(peer)
	if !ok {
		t.Fatalf("no session for %q, want state %v", peer, want)
	}
	if got != want {
		t.Fatalf("state(%q)=%v, want %v", peer, got, want)
	}
}

func (h *machineHarness) requireNoSession(t *testing.T, peer string) {
	t.Helper()
	if st, ok := h.m.State(peer); ok {
		t.Fatalf("session for %q still present in state %v", peer, st)
	}
}

func (h *machineHarness) event(peer string, ev webrtcpeer.Event) []Envelope {
	ev.PeerID = peer
	if ev.Peer == nil {
		ev.Peer = h.peers.latest(peer)
	}
	return h.m.HandleEvent(ev)
}

func answerFor(peer string) SessionDescription {
	return SessionDescription{Peer: peer, Description: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "remote-answer"}}
}

func offerFor(peer string) SessionDescription {
	return SessionDescription{Peer: peer, Description: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote-offer"}}
}

func requireSingleDescription(t *testing.T, out []Envelope, peer string, want webrtc.SDPType) {
	t.Helper()
	if len(out) != 1 {
		t.Fatalf("got %d envelopes, want 1: %+v", len(out), out)
	}
	if out[0].ConnectionID != peer {
		t.Fatalf("connectionId=%q, want %q", out[0].ConnectionID, peer)
	}
	sd, ok := out[0].Message.(SessionDescription)
	if !ok {
		t.Fatalf("message=%T, want SessionDescription", out[0].Message)
	}
	if sd.Peer != peer || sd.Description.Type != want {
		t.Fatalf("description=%+v, want %v for %q", sd, want, peer)
	}
}

func TestMachine_ImpoliteOffersThenAcceptsAnswer(t *testing.T) {
	h := newMachineHarness(t)

	out := h.m.Handle(AddPeer{Peer: "A", Polite: false})
	requireSingleDescription(t, out, "A", webrtc.SDPTypeOffer)
	h.requireState(t, "A", StateOfferSent)

	p := h.peers.latest("A")
	if p.dataChannels != 1 {
		t.Fatalf("dataChannels=%d, want 1 (offerer opens the channel)", p.dataChannels)
	}
	if len(p.local) != 1 || p.local[0].Type != webrtc.SDPTypeOffer {
		t.Fatalf("local descriptions=%+v, want the offer", p.local)
	}

	if out := h.m.Handle(answerFor("A")); len(out) != 0 {
		t.Fatalf("answer produced %d envelopes, want 0", len(out))
	}
	h.requireState(t, "A", StateAnswerExchanged)

	// A duplicate answer must not re-apply or trigger anything.
	if out := h.m.Handle(answerFor("A")); len(out) != 0 {
		t.Fatalf("duplicate answer produced %d envelopes, want 0", len(out))
	}
	h.requireState(t, "A", StateAnswerExchanged)
	if len(p.remote) != 1 || p.answers != 0 {
		t.Fatalf("remote=%d answers=%d after duplicate answer, want 1 and 0", len(p.remote), p.answers)
	}
}

func TestMachine_PoliteWaitsForOfferAndAnswersOnce(t *testing.T) {
	h := newMachineHarness(t)

	if out := h.m.Handle(AddPeer{Peer: "B", Polite: true}); len(out) != 0 {
		t.Fatalf("polite add-peer produced %d envelopes, want 0", len(out))
	}
	h.requireState(t, "B", StateAwaitingOffer)

	out := h.m.Handle(offerFor("B"))
	requireSingleDescription(t, out, "B", webrtc.SDPTypeAnswer)
	h.requireState(t, "B", StateAnswerExchanged)

	p := h.peers.latest("B")
	if p.offers != 0 || p.dataChannels != 0 {
		t.Fatalf("polite side offered=%d dataChannels=%d, want 0 and 0", p.offers, p.dataChannels)
	}
	if len(p.remote) != 1 || p.remote[0].Type != webrtc.SDPTypeOffer {
		t.Fatalf("remote descriptions=%+v", p.remote)
	}

	// A stray answer on the polite side never produces a reply.
	if out := h.m.Handle(answerFor("B")); len(out) != 0 {
		t.Fatalf("answer on polite side produced %d envelopes", len(out))
	}
}

func TestMachine_ImpoliteIgnoresCollidingOffer(t *testing.T) {
	h := newMachineHarness(t)
	h.m.Handle(AddPeer{Peer: "A", Polite: false})

	if out := h.m.Handle(offerFor("A")); len(out) != 0 {
		t.Fatalf("colliding offer produced %d envelopes, want 0", len(out))
	}
	h.requireState(t, "A", StateOfferSent)
	if p := h.peers.latest("A"); len(p.remote) != 0 {
		t.Fatalf("colliding offer applied as remote description")
	}
}

func TestMachine_RepeatedAddPeerIsIgnored(t *testing.T) {
	h := newMachineHarness(t)
	h.m.Handle(AddPeer{Peer: "A", Polite: true})

	if out := h.m.Handle(AddPeer{Peer: "A", Polite: false}); len(out) != 0 {
		t.Fatalf("repeated add-peer produced %d envelopes", len(out))
	}
	if n := len(h.peers.peers["A"]); n != 1 {
		t.Fatalf("created %d peers, want 1", n)
	}
	h.requireState(t, "A", StateAwaitingOffer)
	if peers := h.m.Peers(); len(peers) != 1 || !peers[0].Polite {
		t.Fatalf("Peers=%+v, want one polite session", peers)
	}
}

func TestMachine_RemovePeer(t *testing.T) {
	h := newMachineHarness(t)

	if out := h.m.Handle(RemovePeer{Peer: "ghost"}); len(out) != 0 {
		t.Fatalf("removing unknown peer produced %d envelopes", len(out))
	}

	h.m.Handle(AddPeer{Peer: "A", Polite: false})
	h.m.Handle(AddPeer{Peer: "B", Polite: true})
	h.m.Handle(RemovePeer{Peer: "A"})

	h.requireNoSession(t, "A")
	h.requireState(t, "B", StateAwaitingOffer)
	if p := h.peers.latest("A"); p.closed != 1 {
		t.Fatalf("peer A closed %d times, want 1", p.closed)
	}
	if p := h.peers.latest("B"); p.closed != 0 {
		t.Fatalf("peer B closed by unrelated removal")
	}
}

func TestMachine_UnknownPeerMessagesAreDiscarded(t *testing.T) {
	h := newMachineHarness(t)

	if out := h.m.Handle(offerFor("nobody")); len(out) != 0 {
		t.Fatalf("offer for unknown peer produced %d envelopes", len(out))
	}
	h.m.Handle(ICECandidate{Peer: "nobody", Candidate: &webrtc.ICECandidateInit{Candidate: "candidate:1"}})

	if got := h.metrics.Get(metrics.SignalingProtocolErrors); got != 2 {
		t.Fatalf("protocol errors=%d, want 2", got)
	}
	h.requireNoSession(t, "nobody")
}

func TestMachine_BuffersCandidatesUntilRemoteDescription(t *testing.T) {
	h := newMachineHarness(t)
	h.m.Handle(AddPeer{Peer: "B", Polite: true})
	p := h.peers.latest("B")

	h.m.Handle(ICECandidate{Peer: "B", Candidate: &webrtc.ICECandidateInit{Candidate: "c1"}})
	h.m.Handle(ICECandidate{Peer: "B", Candidate: &webrtc.ICECandidateInit{Candidate: "c2"}})
	h.m.Handle(ICECandidate{Peer: "B"})
	if len(p.candidates) != 0 {
		t.Fatalf("applied %d candidates before remote description", len(p.candidates))
	}

	h.m.Handle(offerFor("B"))
	h.m.Handle(ICECandidate{Peer: "B", Candidate: &webrtc.ICECandidateInit{Candidate: "c3"}})

	want := []string{"c1", "c2", "c3"}
	if len(p.candidates) != len(want) {
		t.Fatalf("applied candidates=%+v, want %v", p.candidates, want)
	}
	for i, c := range p.candidates {
		if c.Candidate != want[i] {
			t.Fatalf("candidate %d=%q, want %q", i, c.Candidate, want[i])
		}
	}
	if got := h.metrics.Get(metrics.CandidatesBuffered); got != 2 {
		t.Fatalf("buffered=%d, want 2", got)
	}
}

func TestMachine_BadCandidateDoesNotAbortSession(t *testing.T) {
	h := newMachineHarness(t)
	h.peers.prepare = func(p *fakePeer) {
		p.failAddCandidate = func(c webrtc.ICECandidateInit) bool { return c.Candidate == "bad" }
	}
	h.m.Handle(AddPeer{Peer: "A", Polite: false})
	h.m.Handle(answerFor("A"))

	h.m.Handle(ICECandidate{Peer: "A", Candidate: &webrtc.ICECandidateInit{Candidate: "bad"}})
	h.m.Handle(ICECandidate{Peer: "A", Candidate: &webrtc.ICECandidateInit{Candidate: "good"}})

	h.requireState(t, "A", StateAnswerExchanged)
	if p := h.peers.latest("A"); len(p.candidates) != 1 || p.candidates[0].Candidate != "good" {
		t.Fatalf("candidates=%+v, want only the good one", p.candidates)
	}
	if got := h.metrics.Get(metrics.CandidatesRejected); got != 1 {
		t.Fatalf("rejected=%d, want 1", got)
	}
}

func TestMachine_RelaysLocalCandidatesIncludingEnd(t *testing.T) {
	h := newMachineHarness(t)
	h.m.Handle(AddPeer{Peer: "A", Polite: false})

	out := h.event("A", webrtcpeer.Event{Kind: webrtcpeer.EventLocalCandidate, Candidate: &webrtc.ICECandidateInit{Candidate: "local"}})
	if len(out) != 1 {
		t.Fatalf("got %d envelopes, want 1", len(out))
	}
	if c, ok := out[0].Message.(ICECandidate); !ok || c.Peer != "A" || c.Candidate == nil || c.Candidate.Candidate != "local" {
		t.Fatalf("message=%+v", out[0].Message)
	}

	out = h.event("A", webrtcpeer.Event{Kind: webrtcpeer.EventLocalCandidate})
	if len(out) != 1 {
		t.Fatalf("end of candidates produced %d envelopes, want 1", len(out))
	}
	if c, ok := out[0].Message.(ICECandidate); !ok || c.Candidate != nil {
		t.Fatalf("end of candidates message=%+v, want nil candidate", out[0].Message)
	}
}

func TestMachine_DataChannelOpenEstablishesOnce(t *testing.T) {
	h := newMachineHarness(t)
	h.m.Handle(AddPeer{Peer: "A", Polite: false})
	h.m.Handle(answerFor("A"))

	first := &fakeChannel{}
	h.event("A", webrtcpeer.Event{Kind: webrtcpeer.EventDataChannelOpen, Channel: first})
	h.requireState(t, "A", StateEstablished)
	if h.bridge.attached["A"] != first {
		t.Fatalf("bridge did not receive the channel")
	}

	second := &fakeChannel{}
	h.event("A", webrtcpeer.Event{Kind: webrtcpeer.EventDataChannelOpen, Channel: second})
	if !second.isClosed() {
		t.Fatalf("second channel was not closed")
	}
	if h.bridge.attached["A"] != first || first.isClosed() {
		t.Fatalf("second channel disturbed the attached one")
	}

	h.m.Handle(RemovePeer{Peer: "A"})
	if len(h.bridge.detached) != 1 || h.bridge.detached[0] != "A" {
		t.Fatalf("detached=%v, want [A]", h.bridge.detached)
	}
}

func TestMachine_StaleEventsAreDropped(t *testing.T) {
	h := newMachineHarness(t)
	h.m.Handle(AddPeer{Peer: "A", Polite: false})
	old := h.peers.latest("A")
	h.m.Handle(RemovePeer{Peer: "A"})
	h.m.Handle(AddPeer{Peer: "A", Polite: false})

	ch := &fakeChannel{}
	out := h.event("A", webrtcpeer.Event{Kind: webrtcpeer.EventDataChannelOpen, Peer: old, Channel: ch})
	if len(out) != 0 {
		t.Fatalf("stale event produced %d envelopes", len(out))
	}
	if !ch.isClosed() {
		t.Fatalf("stale channel was not closed")
	}
	h.requireState(t, "A", StateOfferSent)
	if _, ok := h.bridge.attached["A"]; ok {
		t.Fatalf("stale channel reached the bridge")
	}

	if out := h.event("gone", webrtcpeer.Event{Kind: webrtcpeer.EventLocalCandidate, Peer: old}); len(out) != 0 {
		t.Fatalf("event for unknown peer produced %d envelopes", len(out))
	}
}

func TestMachine_EngineFailureTearsDownOnlyThatPeer(t *testing.T) {
	h := newMachineHarness(t)
	h.m.Handle(AddPeer{Peer: "ok", Polite: true})

	h.peers.prepare = func(p *fakePeer) { p.failCreateOffer = true }
	if out := h.m.Handle(AddPeer{Peer: "bad", Polite: false}); len(out) != 0 {
		t.Fatalf("failed offer produced %d envelopes", len(out))
	}
	h.requireNoSession(t, "bad")
	if p := h.peers.latest("bad"); p.closed != 1 {
		t.Fatalf("failed peer closed %d times, want 1", p.closed)
	}

	h.peers.fail["nopc"] = true
	h.m.Handle(AddPeer{Peer: "nopc", Polite: true})
	h.requireNoSession(t, "nopc")

	h.requireState(t, "ok", StateAwaitingOffer)
	if got := h.metrics.Get(metrics.PeerEngineFailures); got != 2 {
		t.Fatalf("engine failures=%d, want 2", got)
	}
}

func TestMachine_SetRemoteFailureTearsDown(t *testing.T) {
	h := newMachineHarness(t)
	h.peers.prepare = func(p *fakePeer) { p.failSetRemote = true }
	h.m.Handle(AddPeer{Peer: "B", Polite: true})

	if out := h.m.Handle(offerFor("B")); len(out) != 0 {
		t.Fatalf("failed offer produced %d envelopes", len(out))
	}
	h.requireNoSession(t, "B")
}

func TestMachine_FailedConnectionStateTearsDown(t *testing.T) {
	h := newMachineHarness(t)
	h.m.Handle(AddPeer{Peer: "A", Polite: false})
	h.m.Handle(answerFor("A"))
	h.event("A", webrtcpeer.Event{Kind: webrtcpeer.EventDataChannelOpen, Channel: &fakeChannel{}})

	h.event("A", webrtcpeer.Event{Kind: webrtcpeer.EventConnectionState, State: webrtc.PeerConnectionStateDisconnected})
	h.requireState(t, "A", StateEstablished)

	h.event("A", webrtcpeer.Event{Kind: webrtcpeer.EventConnectionState, State: webrtc.PeerConnectionStateFailed})
	h.requireNoSession(t, "A")
	if len(h.bridge.detached) != 1 {
		t.Fatalf("detached=%v, want [A]", h.bridge.detached)
	}
}

func TestMachine_AttachFailureTearsDown(t *testing.T) {
	h := newMachineHarness(t)
	h.bridge.failFor["A"] = true
	h.m.Handle(AddPeer{Peer: "A", Polite: false})
	h.m.Handle(answerFor("A"))

	ch := &fakeChannel{}
	h.event("A", webrtcpeer.Event{Kind: webrtcpeer.EventDataChannelOpen, Channel: ch})
	h.requireNoSession(t, "A")
	if !ch.isClosed() {
		t.Fatalf("channel not closed after attach failure")
	}
	if len(h.bridge.detached) != 0 {
		t.Fatalf("detached a tunnel that was never attached")
	}
}

func TestMachine_CloseTearsDownEverything(t *testing.T) {
	h := newMachineHarness(t)
	h.m.Handle(AddPeer{Peer: "A", Polite: false})
	h.m.Handle(AddPeer{Peer: "B", Polite: true})
	h.m.Handle(answerFor("A"))
	h.event("A", webrtcpeer.Event{Kind: webrtcpeer.EventDataChannelOpen, Channel: &fakeChannel{}})

	if got := len(h.m.Peers()); got != 2 {
		t.Fatalf("Peers len=%d, want 2", got)
	}

	h.m.Close()

	if got := len(h.m.Peers()); got != 0 {
		t.Fatalf("Peers len=%d after Close, want 0", got)
	}
	for _, id := range []string{"A", "B"} {
		h.requireNoSession(t, id)
		if p := h.peers.latest(id); p.closed != 1 {
			t.Fatalf("peer %s closed %d times, want 1", id, p.closed)
		}
	}
	if len(h.bridge.detached) != 1 || h.bridge.detached[0] != "A" {
		t.Fatalf("detached=%v, want [A]", h.bridge.detached)
	}
}

func TestMachine_LogsPeerCount(t *testing.T) {
	var buf bytes.Buffer
	peers := newFakeFactory()
	m := NewMachine(MachineConfig{
		Peers:   peers,
		Bridge:  newFakeBridge(),
		Metrics: metrics.New(),
		Logger:  slog.New(slog.NewJSONHandler(&buf, nil)),
	})

	m.Handle(AddPeer{Peer: "A", Polite: true})
	m.Handle(AddPeer{Peer: "B", Polite: false})
	m.Handle(RemovePeer{Peer: "A"})

	var counts []float64
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var rec map[string]any
		if err := json.Unmarshal(line, &rec); err != nil {
			t.Fatalf("decode log line %q: %v", line, err)
		}
		if n, ok := rec["peers"].(float64); ok {
			counts = append(counts, n)
		}
	}
	want := []float64{1, 2, 1}
	if len(counts) != len(want) {
		t.Fatalf("peer counts=%v, want %v", counts, want)
	}
	for i := range want {
		if counts[i] != want[i] {
			t.Fatalf("peer counts=%v, want %v", counts, want)
		}
	}
}
