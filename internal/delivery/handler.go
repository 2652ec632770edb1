package delivery

import (
	"encoding/binary"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/safircore/communication/internal/metrics"
	"github.com/safircore/communication/internal/nodetable"
	"github.com/safircore/communication/internal/wire"
)

// AckWriter is the narrow send surface DeliveryHandler needs to emit
// acks on the data path (spec section 4.6).
type AckWriter interface {
	WriteUnicast(addr string, buf []byte) error
}

// Delivered is one fully-reassembled message handed to the
// application (spec section 4.6).
type Delivered struct {
	SenderID     int64
	SenderNodeType int64
	DataTypeID   int64
	Payload      []byte
}

// Callbacks are the upper-layer hooks driven by DeliveryHandler.
type Callbacks struct {
	// Deliver posts a reassembled message to the delivery executor.
	// The handler increments its undelivered counter before calling
	// Deliver and expects the caller to invoke DecrementUndelivered
	// once the application consumes it.
	Deliver func(Delivered)
	// GotRecv reports liveness for heartbeat/system-picture purposes.
	GotRecv func(nodeID int64)
}

// ErrProtocolInvariant marks the fatal "protocol invariant violation"
// class of spec section 7: out-of-window acked sequence, a slot
// collision with mismatched sequence, or a second distinct welcome.
// The containing process is expected to terminate or be restarted by
// supervision; Handler never recovers from it internally.
var ErrProtocolInvariant = errors.New("delivery: protocol invariant violation")

type peerChannels struct {
	channels [nodetable.NumChannels]*channel
}

// Handler is C6 (spec section 4.6). All exported methods are expected
// to run on the owning (receive) strand.
type Handler struct {
	windowSize int
	table      *nodetable.Table
	writer     AckWriter
	cb         Callbacks
	log        *logrus.Entry
	mx         *metrics.Set

	peers       map[int64]*peerChannels
	undelivered int64
	selfID      int64
}

func New(windowSize int, table *nodetable.Table, writer AckWriter, cb Callbacks, log *logrus.Entry, mx *metrics.Set, selfID int64) *Handler {
	return &Handler{
		windowSize: windowSize,
		table:      table,
		writer:     writer,
		cb:         cb,
		log:        log,
		mx:         mx,
		peers:      make(map[int64]*peerChannels),
		selfID:     selfID,
	}
}

func (h *Handler) NumberOfUndeliveredMessages() int { return int(h.undelivered) }

// AddNode registers table state for a newly-discovered peer, mirroring
// datasender.Sender.AddNode. Idempotent, since the handler and both
// senders of a node-type bundle share one table.
func (h *Handler) AddNode(n *nodetable.Node) {
	if h.table.Get(n.NodeID) == nil {
		h.table.Insert(n)
	}
}

// RemoveNode erases a peer's table record and its per-channel receive
// state, releasing any buffers still held in its reassembly windows.
func (h *Handler) RemoveNode(id int64) {
	h.table.Erase(id)
	pc, ok := h.peers[id]
	if !ok {
		return
	}
	for _, ch := range pc.channels {
		h.clearChannel(ch)
	}
	delete(h.peers, id)
}

// DecrementUndelivered is called by the delivery executor once the
// application callback for one delivered message returns (spec
// section 4.6/5: the shared backpressure counter).
func (h *Handler) DecrementUndelivered() {
	h.undelivered--
	if h.undelivered < 0 {
		h.undelivered = 0
	}
	h.mx.UndeliveredMessages.Set(float64(h.undelivered))
}

func (h *Handler) peerState(peerID int64) *peerChannels {
	pc, ok := h.peers[peerID]
	if !ok {
		pc = &peerChannels{}
		for i := range pc.channels {
			acked := i == int(nodetable.ChannelAckedSingle) || i == int(nodetable.ChannelAckedMulti)
			multi := i == int(nodetable.ChannelUnackedMulti) || i == int(nodetable.ChannelAckedMulti)
			pc.channels[i] = newChannel(acked, multi, h.windowSize)
		}
		h.peers[peerID] = pc
	}
	return pc
}

// ReceivedApplicationData dispatches one inbound application or
// welcome datagram (spec section 4.6).
func (h *Handler) ReceivedApplicationData(hdr wire.MessageHeader, payload []byte) error {
	peerID := hdr.Common.SenderID
	ch := h.peerState(peerID).channels[nodetable.ChannelOf(hdr.DeliveryGuarantee == wire.Acked, hdr.SendMethod == wire.MultiReceiver)]

	if hdr.Common.DataType == wire.WelcomeDataType {
		if err := h.handleWelcome(peerID, ch, hdr, payload); err != nil {
			return err
		}
	}

	if ch.acked {
		return h.receiveAcked(peerID, ch, hdr, payload)
	}
	return h.receiveUnacked(peerID, ch, hdr, payload)
}

func (h *Handler) receiveAcked(peerID int64, ch *channel, hdr wire.MessageHeader, payload []byte) error {
	s := hdr.SequenceNumber

	if ch.welcomeSeq != welcomeUnset && s < ch.welcomeSeq {
		// Sent before we were welcomed: drop, do not ack.
		return nil
	}
	if ch.welcomeSeq == welcomeUnset {
		if ch.requiresWelcome {
			// Acked-MultiReceiver channel: nothing is accepted until our
			// own welcome arrives and binds welcomeSeq (spec section 3).
			return nil
		}
		// All other channels accept the first seen sequence as
		// welcomeSeq = seq-1 (spec section 3).
		ch.welcomeSeq = s - 1
		ch.lastInSequence = s - 1
	}

	switch {
	case s <= ch.lastInSequence:
		// Duplicate already delivered: ack immediately so the sender
		// stops retransmitting.
		h.mx.DuplicatesDropped.WithLabelValues(labelForPeer(peerID)).Inc()
		h.sendAck(peerID, ch, hdr.SendMethod)
		return nil
	case s == ch.lastInSequence+1:
		if err := h.insert(ch, hdr, payload); err != nil {
			return err
		}
		if hdr.AckNow {
			h.sendAck(peerID, ch, hdr.SendMethod)
		}
	case s <= ch.lastInSequence+uint64(ch.windowSize()):
		if err := h.insert(ch, hdr, payload); err != nil {
			return err
		}
		h.sendAck(peerID, ch, hdr.SendMethod)
	default:
		return errors.Wrapf(ErrProtocolInvariant,
			"peer %d channel acked=%v: sequence %d beyond window (lastInSequence=%d window=%d)",
			peerID, ch.acked, s, ch.lastInSequence, ch.windowSize())
	}

	h.deliver(peerID, ch)
	return nil
}

func (h *Handler) receiveUnacked(peerID int64, ch *channel, hdr wire.MessageHeader, payload []byte) error {
	s := hdr.SequenceNumber

	switch {
	case s == ch.lastInSequence+1:
		if err := h.insert(ch, hdr, payload); err != nil {
			return err
		}
	case s > ch.lastInSequence+1:
		// Gap: nothing older is ever coming, clear the whole channel.
		h.clearChannel(ch)
		if hdr.FragmentNumber == 0 {
			ch.lastInSequence = s - 1
			if err := h.insert(ch, hdr, payload); err != nil {
				return err
			}
		} else {
			// Joined mid-message: resynchronize on the next message
			// boundary instead of attempting to reassemble a partial one.
			remaining := uint64(hdr.NumberOfFragments) - uint64(hdr.FragmentNumber)
			ch.lastInSequence = s + remaining - 1
			return nil
		}
	default:
		// Stale, drop.
		h.mx.DuplicatesDropped.WithLabelValues(labelForPeer(peerID)).Inc()
		return nil
	}

	h.deliver(peerID, ch)
	return nil
}

func (h *Handler) clearChannel(ch *channel) {
	for i := range ch.window {
		if !ch.window[i].free && ch.window[i].buffer != nil {
			ch.window[i].buffer.Release()
		}
		ch.window[i] = slot{free: true}
	}
}

// insert places one fragment into its window slot (spec section 4.6).
func (h *Handler) insert(ch *channel, hdr wire.MessageHeader, payload []byte) error {
	s := hdr.SequenceNumber
	idx := ch.slotIndex(s)
	if idx < 0 || idx >= len(ch.window) {
		return errors.Wrapf(ErrProtocolInvariant, "insert index %d out of window (size %d)", idx, len(ch.window))
	}
	sl := &ch.window[idx]
	if !sl.free {
		if sl.sequenceNumber == s {
			return nil // duplicate, drop
		}
		return errors.Wrapf(ErrProtocolInvariant, "slot %d collision: occupied by seq %d, got seq %d", idx, sl.sequenceNumber, s)
	}

	sl.free = false
	sl.dataTypeID = hdr.Common.DataType
	sl.sequenceNumber = s
	sl.fragmentNumber = hdr.FragmentNumber
	sl.numberOfFragments = hdr.NumberOfFragments
	sl.totalContentSize = hdr.TotalContentSize
	sl.fragmentOffset = hdr.FragmentOffset
	sl.fragmentSize = uint32(len(payload))

	if hdr.NumberOfFragments <= 1 {
		sl.buffer = wire.NewSharedBuffer(hdr.TotalContentSize)
		copy(sl.buffer.Bytes()[hdr.FragmentOffset:], payload)
		if s > ch.biggestSequence {
			ch.biggestSequence = s
		}
		return nil
	}

	// Multi-fragment message: the first arriving fragment (by receipt
	// order, not necessarily fragment 0) allocates the shared buffer;
	// later fragments of the same message share its handle. We find a
	// sibling by scanning the contiguous window span this message
	// could occupy.
	firstIdx := idx - int(hdr.FragmentNumber)
	lastIdx := idx + int(hdr.NumberOfFragments-hdr.FragmentNumber) - 1
	var buf *wire.SharedBuffer
	for i := firstIdx; i <= lastIdx; i++ {
		if i == idx || i < 0 || i >= len(ch.window) {
			continue
		}
		if !ch.window[i].free && ch.window[i].buffer != nil && ch.window[i].sequenceNumber-uint64(ch.window[i].fragmentNumber) == s-uint64(hdr.FragmentNumber) {
			buf = ch.window[i].buffer
			break
		}
	}
	if buf == nil {
		buf = wire.NewSharedBuffer(hdr.TotalContentSize)
	} else {
		buf.Acquire()
	}
	sl.buffer = buf
	copy(buf.Bytes()[hdr.FragmentOffset:], payload)

	if s > ch.biggestSequence {
		ch.biggestSequence = s
	}
	return nil
}

// deliver slides the window forward while slot 0 is populated,
// advancing lastInSequence and posting complete messages (spec
// section 4.6).
func (h *Handler) deliver(peerID int64, ch *channel) {
	for len(ch.window) > 0 && !ch.window[0].free {
		sl := ch.window[0]

		// A non-terminal fragment can't slide out yet: insert's sibling
		// scan finds an earlier fragment's buffer by its still being
		// resident in the window, so slot 0 must stay put until the
		// rest of its message has arrived behind it.
		remaining := int(sl.numberOfFragments) - int(sl.fragmentNumber) - 1
		if remaining > 0 && (remaining >= len(ch.window) || ch.window[remaining].free) {
			break
		}

		ch.lastInSequence = sl.sequenceNumber

		if sl.fragmentNumber+1 == sl.numberOfFragments {
			if sl.dataTypeID == wire.WelcomeDataType {
				// Consumed internally, never posted to the application.
			} else {
				h.undelivered++
				h.mx.UndeliveredMessages.Set(float64(h.undelivered))
				h.mx.DeliveredMessages.WithLabelValues(labelForPeer(peerID)).Inc()
				node := h.table.Get(peerID)
				var nodeType int64
				if node != nil {
					nodeType = node.NodeTypeID
				}
				if h.cb.Deliver != nil {
					h.cb.Deliver(Delivered{
						SenderID:       peerID,
						SenderNodeType: nodeType,
						DataTypeID:     sl.dataTypeID,
						Payload:        sl.buffer.Bytes(),
					})
				}
			}
		}
		// Every slot holds its own buffer reference (the first fragment's
		// from NewSharedBuffer, each sibling's from insert's Acquire), so
		// each must release its own as it slides out of the window, not
		// just the terminal fragment's.
		if sl.buffer != nil {
			sl.buffer.Release()
		}

		copy(ch.window, ch.window[1:])
		ch.window[len(ch.window)-1] = slot{free: true}
	}
}

// handleWelcome binds ch.welcomeSeq to the incoming welcome's sequence
// number (spec section 4.6).
func (h *Handler) handleWelcome(peerID int64, ch *channel, hdr wire.MessageHeader, payload []byte) error {
	// The payload carries the welcomed node's id as a little-endian
	// int64; only a welcome naming us binds ch.welcomeSeq. The header's
	// ReceiverID is not used for this, since a retransmission rewrites
	// it to whichever node the copy is resent to.
	s := hdr.SequenceNumber
	if len(payload) < 8 || int64(binary.LittleEndian.Uint64(payload)) != h.selfID {
		// Welcome addressed to a third node: no binding here, only the
		// later ack-gating check in receiveAcked applies.
		return nil
	}
	if ch.welcomeSeq == welcomeUnset {
		ch.welcomeSeq = s
		ch.lastInSequence = s - 1
		ch.biggestSequence = s
		return nil
	}
	if ch.welcomeSeq == s {
		return nil // duplicate welcome, fine
	}
	return errors.Wrapf(ErrProtocolInvariant, "peer %d sent a second distinct welcome (have %d, got %d)", peerID, ch.welcomeSeq, s)
}

// sendAck emits an Ack for the given channel to peerID (spec section 4.6).
func (h *Handler) sendAck(peerID int64, ch *channel, sendMethod uint8) {
	node := h.table.Get(peerID)
	if node == nil {
		return
	}
	missing := make([]bool, ch.windowSize())
	for i := range missing {
		targetSeq := ch.biggestSequence - uint64(i)
		if targetSeq < ch.lastInSequence+1 {
			break
		}
		idx := ch.slotIndex(targetSeq)
		if idx < 0 || idx >= len(ch.window) || ch.window[idx].free {
			missing[i] = true
		}
	}
	ack := wire.Ack{
		Common:         wire.CommonHeader{SenderID: h.selfID, ReceiverID: peerID, DataType: wire.AckType},
		SendMethod:     sendMethod,
		SequenceNumber: ch.biggestSequence,
		Missing:        missing,
	}
	if err := h.writer.WriteUnicast(node.UnicastEndpoint.String(), ack.Encode()); err != nil {
		h.log.WithError(err).Warn("ack send failed")
	}
}

// HandleHeartbeat updates peer liveness only (spec section 4.8/4.7).
func (h *Handler) HandleHeartbeat(peerID int64) {
	if h.cb.GotRecv != nil {
		h.cb.GotRecv(peerID)
	}
}

func labelForPeer(peerID int64) string {
	return strconv.FormatInt(peerID, 10)
}
