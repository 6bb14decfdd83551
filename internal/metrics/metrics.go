package metrics

import "sync"

// Event names. Keep them stable: they are exported verbatim as the `event`
// label on /metrics.
const (
	SignalingMessagesReceived = "signaling_messages_received"
	SignalingMessagesSent     = "signaling_messages_sent"
	SignalingDecodeErrors     = "signaling_decode_errors"
	SignalingProtocolErrors   = "signaling_protocol_errors"

	PeersAdded          = "peers_added"
	PeersRemoved        = "peers_removed"
	PeerEngineFailures  = "peer_engine_failures"
	PeersEstablished    = "peers_established"
	CandidatesBuffered  = "ice_candidates_buffered"
	CandidatesRejected  = "ice_candidates_rejected"
	DataChannelsRefused = "datachannels_refused"

	TunnelBindingsStarted   = "tunnel_bindings_started"
	TunnelBindingsCompleted = "tunnel_bindings_completed"
	TunnelBytesToChannel    = "tunnel_bytes_to_channel"
	TunnelBytesToLocal      = "tunnel_bytes_to_local"
	TunnelAcceptRateLimited = "tunnel_accept_rate_limited"
)

// Metrics is a minimal, concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

// Inc is a no-op on a nil receiver so components can run without metrics.
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
