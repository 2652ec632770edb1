// Package delivery implements C6: per-peer per-channel receive queues,
// in-order reassembly, duplicate suppression, welcome handling and ack
// generation (spec section 4.6). The sliding window is a circular
// array of slots exactly as spec section 3 describes it, generalized
// from the teacher's single ACKQueue/NACKQueue-per-session model
// (pkg/raknet/protocol.go Session) to four independent channels per
// peer plus real gap reassembly instead of a bare missing-set.
package delivery

import "github.com/safircore/communication/internal/wire"

// welcomeUnset is the sentinel "unset" welcomeSeq value (spec section 3).
const welcomeUnset = ^uint64(0)

// slot is one position in a channel's sliding window (spec section 3).
type slot struct {
	free              bool
	dataTypeID        int64
	sequenceNumber    uint64
	fragmentNumber    uint16
	numberOfFragments uint16
	buffer            *wire.SharedBuffer
	totalContentSize  uint32
	fragmentOffset    uint32
	fragmentSize      uint32
}

// channel is one (deliveryGuarantee, sendMethod) receive channel for
// one peer (spec section 3).
type channel struct {
	acked           bool
	requiresWelcome bool // true only for Acked+MultiReceiver (spec section 3)
	welcomeSeq      uint64
	lastInSequence  uint64
	biggestSequence uint64
	window          []slot
}

func newChannel(acked, multiReceiver bool, windowSize int) *channel {
	c := &channel{
		acked:           acked,
		requiresWelcome: acked && multiReceiver,
		welcomeSeq:      welcomeUnset,
		window:          make([]slot, windowSize),
	}
	for i := range c.window {
		c.window[i].free = true
	}
	return c
}

func (c *channel) windowSize() int { return len(c.window) }

// slotIndex returns the circular index for sequence number seq,
// anchored at lastInSequence+1 (spec section 3).
func (c *channel) slotIndex(seq uint64) int {
	return int(seq - c.lastInSequence - 1)
}
