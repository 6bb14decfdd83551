package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"
)

const signalPath = "/signal"

type relayMessage struct {
	Action       string `json:"action"`
	ConnectionID string `json:"connectionId"`
	Event        string `json:"event"`
	Peer         string `json:"peer"`
	Polite       *bool  `json:"polite,omitempty"`
}

type hub struct {
	log *slog.Logger

	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

func newHub(logger *slog.Logger) *hub {
	return &hub{log: logger, conns: make(map[string]*websocket.Conn)}
}

func newHandler(h *hub) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(signalPath, websocket.Server{
		Handshake: func(cfg *websocket.Config, r *http.Request) error {
			// Accept all origins (and none) for E2E.
			origin, _ := websocket.Origin(cfg, r)
			if origin == nil {
				origin = &url.URL{Scheme: "http", Host: "localhost"}
			}
			cfg.Origin = origin
			return nil
		},
		Handler: websocket.Handler(h.serve),
	})
	return mux
}

func (h *hub) serve(ws *websocket.Conn) {
	defer ws.Close()

	var raw string
	if err := websocket.Message.Receive(ws, &raw); err != nil {
		return
	}
	var greeting struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal([]byte(raw), &greeting); err != nil || greeting.Action != "announce" {
		h.log.Warn("expected announce", "msg", raw)
		return
	}

	id := uuid.NewString()
	h.join(id, ws)
	defer h.leave(id)

	for {
		if err := websocket.Message.Receive(ws, &raw); err != nil {
			return
		}
		h.forward(id, raw)
	}
}

// join introduces id to every existing connection. Existing connections are
// told first, so the newcomer's offer can never overtake their add-peer.
func (h *hub) join(id string, ws *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for otherID, other := range h.conns {
		h.send(other, addPeer(id, true))
		h.send(ws, addPeer(otherID, false))
	}
	h.conns[id] = ws
	h.log.Info("peer joined", "peer", id, "peers", len(h.conns))
}

func (h *hub) leave(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.conns, id)
	for _, other := range h.conns {
		h.send(other, relayMessage{Action: "message", ConnectionID: id, Event: "remove-peer", Peer: id})
	}
	h.log.Info("peer left", "peer", id, "peers", len(h.conns))
}

// forward delivers raw to the connection it addresses, rewritten so the
// receiver sees the sender as the peer.
func (h *hub) forward(from, raw string) {
	var msg map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		h.log.Warn("dropping malformed message", "from", from, "err", err)
		return
	}
	var to string
	if err := json.Unmarshal(msg["connectionId"], &to); err != nil || to == "" {
		h.log.Warn("dropping message without connectionId", "from", from)
		return
	}

	h.mu.Lock()
	target, ok := h.conns[to]
	h.mu.Unlock()
	if !ok {
		h.log.Debug("dropping message for unknown peer", "from", from, "to", to)
		return
	}

	sender, _ := json.Marshal(from)
	msg["connectionId"] = sender
	msg["peer"] = sender
	out, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := websocket.Message.Send(target, string(out)); err != nil {
		h.log.Debug("forward failed", "to", to, "err", err)
	}
}

func (h *hub) send(ws *websocket.Conn, msg relayMessage) {
	out, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = websocket.Message.Send(ws, string(out))
}

func addPeer(peer string, polite bool) relayMessage {
	return relayMessage{Action: "message", ConnectionID: peer, Event: "add-peer", Peer: peer, Polite: &polite}
}
