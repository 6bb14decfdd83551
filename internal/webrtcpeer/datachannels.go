package webrtcpeer

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// DataChannelLabel is the label of the single tunnel channel negotiated per
// peer. The offerer creates it; the answerer only accepts channels with this
// label.
const DataChannelLabel = "updates"

// tunnelDataChannelInit requests an ordered, fully reliable channel. A byte
// stream tunnel cannot tolerate reordering or loss.
func tunnelDataChannelInit() *webrtc.DataChannelInit {
	ordered := true
	return &webrtc.DataChannelInit{Ordered: &ordered}
}

func validateTunnelDataChannel(dc *webrtc.DataChannel) error {
	if dc.Label() != DataChannelLabel {
		return fmt.Errorf("expected label=%q (got %q)", DataChannelLabel, dc.Label())
	}
	if !dc.Ordered() {
		return fmt.Errorf("tunnel datachannel must be ordered (ordered=false)")
	}
	if dc.MaxPacketLifeTime() != nil {
		return fmt.Errorf("tunnel datachannel must be fully reliable (maxPacketLifeTime must be unset)")
	}
	if dc.MaxRetransmits() != nil {
		return fmt.Errorf("tunnel datachannel must be fully reliable (maxRetransmits must be unset)")
	}
	return nil
}
