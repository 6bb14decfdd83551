// Package webrtcpeer adapts pion/webrtc to the peer operations the signaling
// state machine drives, and reports engine activity as queued events.
package webrtcpeer

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-socket/internal/config"
)

// NewAPI builds a pion API with detached data channels and the configured
// network settings. pion's internal logging is routed into logger.
func NewAPI(cfg config.Config, logger *slog.Logger) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	se.DetachDataChannels()
	if logger != nil {
		se.LoggerFactory = NewLoggerFactory(logger)
	}
	if err := ApplyNetworkSettings(&se, cfg); err != nil {
		return nil, err
	}
	if cfg.WebRTCSCTPMaxReceiveBufferBytes > 0 {
		se.SetSCTPMaxReceiveBufferSize(uint32(cfg.WebRTCSCTPMaxReceiveBufferBytes))
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se)), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, cfg config.Config) error {
	if cfg.WebRTCUDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(cfg.WebRTCUDPPortRange.Min, cfg.WebRTCUDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	if len(cfg.WebRTCNAT1To1IPs) > 0 {
		candidateType, err := nat1To1CandidateType(cfg.WebRTCNAT1To1IPCandidateType)
		if err != nil {
			return err
		}
		se.SetNAT1To1IPs(cfg.WebRTCNAT1To1IPs, candidateType)
	}

	// There is no bind-address setting; restricting gathered interfaces via
	// the IP filter also restricts which sockets ICE opens.
	if !config.IsUnspecifiedIP(cfg.WebRTCUDPListenIP) {
		listenIP := cfg.WebRTCUDPListenIP
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(listenIP)
		})
	}

	if cfg.WebRTCIncludeLoopbackCandidates {
		se.SetIncludeLoopbackCandidate(true)
	}
	return nil
}

func nat1To1CandidateType(t config.NAT1To1IPCandidateType) (webrtc.ICECandidateType, error) {
	switch t {
	case config.NAT1To1CandidateTypeHost, "":
		return webrtc.ICECandidateTypeHost, nil
	case config.NAT1To1CandidateTypeSrflx:
		return webrtc.ICECandidateTypeSrflx, nil
	default:
		return 0, fmt.Errorf("invalid NAT 1:1 IP candidate type %q", t)
	}
}
