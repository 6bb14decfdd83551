// Package signaling drives per-peer WebRTC negotiation through a signaling
// relay.
//
// The relay speaks JSON envelopes over a persistent WebSocket. It assigns
// each peer pair an offerer (polite=false) and an answerer (polite=true), so
// negotiation never races. A single goroutine (Client.Run) owns the Machine
// and its session Table; engine activity reaches it through an event queue.
package signaling
