package signaling

import (
	"errors"
	"io"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-socket/internal/webrtcpeer"
)

var errInjected = errors.New("injected failure")

type fakePeer struct {
	id string

	failCreateOffer  bool
	failSetRemote    bool
	failAddCandidate func(webrtc.ICECandidateInit) bool

	dataChannels int
	offers       int
	answers      int
	local        []webrtc.SessionDescription
	remote       []webrtc.SessionDescription
	candidates   []webrtc.ICECandidateInit
	closed       int
}

func (p *fakePeer) CreateDataChannel() error {
	p.dataChannels++
	return nil
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	if p.failCreateOffer {
		return webrtc.SessionDescription{}, errInjected
	}
	p.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-from-" + p.id}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-from-" + p.id}, nil
}

func (p *fakePeer) SetLocalDescription(d webrtc.SessionDescription) error {
	p.local = append(p.local, d)
	return nil
}

func (p *fakePeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	if p.failSetRemote {
		return errInjected
	}
	p.remote = append(p.remote, d)
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	if p.failAddCandidate != nil && p.failAddCandidate(c) {
		return errInjected
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) Close() error {
	p.closed++
	return nil
}

type fakeFactory struct {
	peers   map[string][]*fakePeer
	fail    map[string]bool
	prepare func(*fakePeer)
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{peers: map[string][]*fakePeer{}, fail: map[string]bool{}}
}

func (f *fakeFactory) NewPeer(peerID string) (webrtcpeer.Peer, error) {
	if f.fail[peerID] {
		return nil, errInjected
	}
	p := &fakePeer{id: peerID}
	if f.prepare != nil {
		f.prepare(p)
	}
	f.peers[peerID] = append(f.peers[peerID], p)
	return p, nil
}

// latest returns the most recently created peer for id.
func (f *fakeFactory) latest(id string) *fakePeer {
	ps := f.peers[id]
	if len(ps) == 0 {
		return nil
	}
	return ps[len(ps)-1]
}

type fakeBridge struct {
	mu       sync.Mutex
	attached map[string]io.ReadWriteCloser
	detached []string
	failFor  map[string]bool
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{attached: map[string]io.ReadWriteCloser{}, failFor: map[string]bool{}}
}

func (b *fakeBridge) Attach(peerID string, ch io.ReadWriteCloser) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failFor[peerID] {
		return errInjected
	}
	b.attached[peerID] = ch
	return nil
}

func (b *fakeBridge) Detach(peerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.attached, peerID)
	b.detached = append(b.detached, peerID)
}

// fakeChannel satisfies datachannel.ReadWriteCloser.
type fakeChannel struct {
	mu     sync.Mutex
	closed bool
}

func (c *fakeChannel) Read([]byte) (int, error)  { return 0, io.EOF }
func (c *fakeChannel) Write(b []byte) (int, error) { return len(b), nil }
func (c *fakeChannel) ReadDataChannel([]byte) (int, bool, error) {
	return 0, false, io.EOF
}
func (c *fakeChannel) WriteDataChannel(b []byte, _ bool) (int, error) { return len(b), nil }
func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
