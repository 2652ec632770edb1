// Package datasender implements C5: the per-node-type send queue,
// fragmentation, sliding-window dispatch, ack bookkeeping and
// retransmit timer of spec section 4.5. Each configured node type has
// two Senders, one per delivery guarantee, mirroring the teacher's per-Session
// ACKQueue/NACKQueue bookkeeping (pkg/raknet/protocol.go Session)
// generalized to a shared, windowed send queue instead of one session
// per connection.
package datasender

import (
	"encoding/binary"
	"strconv"
	"sync/atomic"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/safircore/communication/internal/clock"
	"github.com/safircore/communication/internal/metrics"
	"github.com/safircore/communication/internal/nodetable"
	"github.com/safircore/communication/internal/wire"
)

// Writer abstracts the single concrete UDP writer used by production
// code (spec section 9: "no dynamic dispatch in the hot path" — this
// interface exists only as a test seam).
type Writer interface {
	WriteUnicast(addr string, buf []byte) error
	WriteMulticast(buf []byte) error
	HasMulticast() bool
}

// receiverState is the per-receiver bookkeeping carried by one
// in-flight UserData item (spec section 3: "receivers:
// map<NodeId,{sendMethod,sequenceNumber,sendTime}>").
type receiverState struct {
	sendMethod     uint8
	sequenceNumber uint64
	sendTime       int64 // unix nano, compared against clock.Now()
}

// userData is one fragment-sized queue item (spec section 3).
type userData struct {
	id                   xid.ID // send-path trace correlation only
	header               wire.MessageHeader
	payload              []byte
	senderID             int64
	dataTypeID           int64
	sendToAllSystemNodes bool
	toID                 int64
	receivers            map[int64]*receiverState
}

// Config is the per-node-type configuration relevant to DataSender
// (spec section 6).
type Config struct {
	NodeTypeID                   int64
	DeliveryGuarantee            uint8 // wire.Acked or wire.Unacked
	SendQueueSize                int
	SlidingWindowSize            int
	FragmentSize                 int
	RetryTimeout                 int64 // nanoseconds
	QueueNotFullThresholdPercent int   // e.g. 70 means notify at <=70% full
	SelfID                       int64 // this node's id, for welcome emission
}

// Callbacks are the upper-layer notifications DataSender drives (spec
// section 4.5/4.8).
type Callbacks struct {
	QueueNotFull  func(nodeTypeID int64)
	RetransmitTo  func(nodeID int64)
}

// Sender is one node-type's DataSender (spec section 4.5). All
// exported methods are expected to run on the owning strand; Sender
// applies no internal locking of its own beyond the atomic queue-size
// counter the spec calls out as the one datum shared with the
// user-calling thread (spec section 5).
type Sender struct {
	cfg    Config
	clk    clock.Clock
	writer Writer
	table  *nodetable.Table
	cb     Callbacks
	log    *logrus.Entry
	mx     *metrics.Set

	queue              []*userData
	firstUnhandledIndex int
	queueSizeAtomic    int64 // fragments currently queued, incl. extension
	queueNotFullLatch  bool

	lastSentMultiReceiverSeqNo uint64
}

func New(cfg Config, clk clock.Clock, writer Writer, table *nodetable.Table, cb Callbacks, log *logrus.Entry, mx *metrics.Set) *Sender {
	return &Sender{cfg: cfg, clk: clk, writer: writer, table: table, cb: cb, log: log, mx: mx}
}

// QueueSize returns the current logical queue size (fragments),
// including any extension beyond nominal capacity. Safe to call
// without being on the owning strand (spec section 5: atomic).
func (s *Sender) QueueSize() int {
	return int(atomic.LoadInt64(&s.queueSizeAtomic))
}

// AddToSendQueue enqueues one user payload, split into fragments (spec
// section 4.5). toID == 0 means "all system nodes". Must run on the
// owning strand.
func (s *Sender) AddToSendQueue(toID int64, payload []byte, dataTypeID int64, senderID int64) bool {
	fragSize := wire.FragmentDataSize(s.cfg.FragmentSize)
	totalFragments := (len(payload) + fragSize - 1) / fragSize
	if totalFragments == 0 {
		totalFragments = 1 // zero-length payloads still occupy one fragment slot
	}

	current := s.QueueSize()
	if current+totalFragments > s.cfg.SendQueueSize && current > 0 {
		// Reject unless this would be the sole message occupying the
		// queue: a single fragmented message is always admitted in
		// full, never partially (spec section 3, "extension region").
		s.queueNotFullLatch = true
		s.mx.SendQueueRejected.WithLabelValues(labelFor(s.cfg.NodeTypeID)).Inc()
		return false
	}

	items := make([]*userData, 0, totalFragments)
	for frag := 0; frag < totalFragments; frag++ {
		off := frag * fragSize
		end := off + fragSize
		if end > len(payload) {
			end = len(payload)
		}
		ud := &userData{
			id:         xid.New(),
			payload:    payload[off:end],
			senderID:   senderID,
			dataTypeID: dataTypeID,
			toID:       toID,
			receivers:  make(map[int64]*receiverState),
			header: wire.MessageHeader{
				Common:              wire.CommonHeader{SenderID: senderID, DataType: dataTypeID},
				DeliveryGuarantee:   s.cfg.DeliveryGuarantee,
				AckNow:              frag == totalFragments-1,
				TotalContentSize:    uint32(len(payload)),
				FragmentOffset:      uint32(off),
				FragmentContentSize: uint32(end - off),
				FragmentNumber:      uint16(frag),
				NumberOfFragments:   uint16(totalFragments),
			},
		}
		if toID == 0 {
			ud.sendToAllSystemNodes = true
		} else {
			ud.header.Common.ReceiverID = toID
			ud.receivers[toID] = &receiverState{}
		}
		items = append(items, ud)
	}

	s.queue = append(s.queue, items...)
	atomic.AddInt64(&s.queueSizeAtomic, int64(totalFragments))
	s.mx.SendQueueDepth.WithLabelValues(labelFor(s.cfg.NodeTypeID)).Set(float64(s.QueueSize()))
	return true
}

// HandleSendQueue drains queued-but-unsent items into the sliding
// window (spec section 4.5).
func (s *Sender) HandleSendQueue() {
	for s.firstUnhandledIndex < len(s.queue) && s.firstUnhandledIndex < s.cfg.SlidingWindowSize {
		item := s.queue[s.firstUnhandledIndex]
		s.dispatch(item)
		if s.cfg.DeliveryGuarantee == wire.Acked {
			s.firstUnhandledIndex++
		} else {
			s.queue = append(s.queue[:s.firstUnhandledIndex], s.queue[s.firstUnhandledIndex+1:]...)
			atomic.AddInt64(&s.queueSizeAtomic, -1)
		}
	}
	s.notifyIfNotFull()
}

func (s *Sender) dispatch(item *userData) {
	if item.sendToAllSystemNodes {
		s.lastSentMultiReceiverSeqNo++
		seq := s.lastSentMultiReceiverSeqNo
		item.header.SendMethod = wire.MultiReceiver
		item.header.SequenceNumber = seq
		buf := item.header.Encode(item.payload)

		if s.writer.HasMulticast() {
			if err := s.writer.WriteMulticast(buf); err != nil {
				s.log.WithError(err).Warn("multicast send failed")
			}
			s.table.Iter(func(n *nodetable.Node) {
				if n.IsSystemNode {
					item.receivers[n.NodeID] = &receiverState{sendMethod: wire.MultiReceiver, sequenceNumber: seq}
				}
			})
		} else {
			s.table.Iter(func(n *nodetable.Node) {
				if !n.IsSystemNode {
					return
				}
				if err := s.writer.WriteUnicast(n.UnicastEndpoint.String(), buf); err != nil {
					s.log.WithError(err).Warn("unicast fan-out send failed")
				}
				item.receivers[n.NodeID] = &receiverState{sendMethod: wire.MultiReceiver, sequenceNumber: seq}
			})
		}
	} else {
		item.header.SendMethod = wire.SingleReceiver
		for id, rs := range item.receivers {
			n := s.table.Get(id)
			if n == nil {
				delete(item.receivers, id)
				continue
			}
			n.LastSentUnicastSeq++
			rs.sequenceNumber = n.LastSentUnicastSeq
			item.header.SequenceNumber = rs.sequenceNumber
			buf := item.header.Encode(item.payload)
			if err := s.writer.WriteUnicast(n.UnicastEndpoint.String(), buf); err != nil {
				s.log.WithError(err).Warn("unicast send failed")
			}
		}
	}

	if s.cfg.DeliveryGuarantee == wire.Acked {
		now := s.clk.Now().UnixNano()
		for _, rs := range item.receivers {
			rs.sendTime = now
		}
	}
	s.mx.MessagesSent.WithLabelValues(labelFor(s.cfg.NodeTypeID)).Inc()
}

// HandleAck processes an inbound Ack for this node type (acked-only,
// spec section 4.5).
func (s *Sender) HandleAck(senderID int64, sendMethod uint8, biggestSeq uint64, missing []bool) {
	if s.cfg.DeliveryGuarantee != wire.Acked {
		return
	}
	for i := 0; i < s.firstUnhandledIndex && i < len(s.queue); i++ {
		item := s.queue[i]
		rs, ok := item.receivers[senderID]
		if !ok || rs.sendMethod != sendMethod {
			continue
		}
		if rs.sequenceNumber > biggestSeq {
			continue
		}
		idx := biggestSeq - rs.sequenceNumber
		if idx < uint64(len(missing)) && missing[idx] {
			continue
		}
		delete(item.receivers, senderID)
		s.mx.AcksReceived.WithLabelValues(labelFor(s.cfg.NodeTypeID)).Inc()
	}
	s.removeCompletedMessages()
}

// removeCompletedMessages dequeues sent items at the queue head whose
// receivers set has drained to empty (spec section 4.5).
func (s *Sender) removeCompletedMessages() {
	removed := 0
	for removed < s.firstUnhandledIndex && len(s.queue[removed].receivers) == 0 {
		removed++
	}
	if removed == 0 {
		return
	}
	s.queue = append(s.queue[:0], s.queue[removed:]...)
	s.firstUnhandledIndex -= removed
	atomic.AddInt64(&s.queueSizeAtomic, -int64(removed))
	s.mx.SendQueueDepth.WithLabelValues(labelFor(s.cfg.NodeTypeID)).Set(float64(s.QueueSize()))
	s.notifyIfNotFull()
}

// RetransmitDue scans sent-but-unacked items and retransmits any whose
// sendTime exceeds RetryTimeout, unicast to every still-unacked
// receiver, preserving the original sendMethod (spec section 4.5).
func (s *Sender) RetransmitDue() {
	if s.cfg.DeliveryGuarantee != wire.Acked {
		return
	}
	now := s.clk.Now().UnixNano()
	for i := 0; i < s.firstUnhandledIndex && i < len(s.queue); i++ {
		item := s.queue[i]
		for id, rs := range item.receivers {
			if now-rs.sendTime <= s.cfg.RetryTimeout {
				continue
			}
			n := s.table.Get(id)
			if n == nil {
				delete(item.receivers, id)
				continue
			}
			hdr := item.header
			hdr.SendMethod = rs.sendMethod
			hdr.SequenceNumber = rs.sequenceNumber
			hdr.Common.ReceiverID = id
			buf := hdr.Encode(item.payload)
			if err := s.writer.WriteUnicast(n.UnicastEndpoint.String(), buf); err != nil {
				s.log.WithError(err).Warn("retransmit send failed")
			}
			rs.sendTime = now
			s.mx.Retransmits.WithLabelValues(labelFor(s.cfg.NodeTypeID)).Inc()
			if s.cb.RetransmitTo != nil {
				s.cb.RetransmitTo(id)
			}
		}
	}
}

func (s *Sender) notifyIfNotFull() {
	limit := s.cfg.SendQueueSize * s.cfg.QueueNotFullThresholdPercent / 100
	if s.queueNotFullLatch && s.QueueSize() <= limit {
		s.queueNotFullLatch = false
		if s.cb.QueueNotFull != nil {
			s.cb.QueueNotFull(s.cfg.NodeTypeID)
		}
	}
}

// AddNode allocates table state for a newly-discovered peer (spec
// section 4.5). Idempotent: the facade posts this alongside the
// handler's own AddNode against the same shared table.
func (s *Sender) AddNode(n *nodetable.Node) {
	if s.table.Get(n.NodeID) == nil {
		s.table.Insert(n)
	}
}

// IncludeNode marks a peer as a system node and, for an Acked sender,
// welcomes it onto the Acked-MultiReceiver stream: a peer's channel
// for that stream rejects everything until a WelcomeDataType message
// addressed to it arrives (spec section 3), so one must be sent
// before the peer will ever ack anything it receives on it.
func (s *Sender) IncludeNode(id int64) {
	s.table.Include(id)
	if s.cfg.DeliveryGuarantee == wire.Acked {
		s.sendWelcome(id)
	}
}

// sendWelcome queues a WelcomeDataType message addressed to id,
// fanned out to every system node like any other multi-receiver
// message so the rest of the group's sequence stream stays
// contiguous; only id itself binds its channel window to it (spec
// section 3/4.6). The payload carries id so a receiver can tell a
// welcome meant for it from one addressed to a third node.
func (s *Sender) sendWelcome(id int64) {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, uint64(id))

	item := &userData{
		id:                   xid.New(),
		payload:              payload,
		senderID:             s.cfg.SelfID,
		dataTypeID:           wire.WelcomeDataType,
		sendToAllSystemNodes: true,
		toID:                 id,
		receivers:            make(map[int64]*receiverState),
		header: wire.MessageHeader{
			Common:              wire.CommonHeader{SenderID: s.cfg.SelfID, ReceiverID: id, DataType: wire.WelcomeDataType},
			DeliveryGuarantee:   wire.Acked,
			AckNow:              true,
			TotalContentSize:    uint32(len(payload)),
			FragmentContentSize: uint32(len(payload)),
			FragmentNumber:      0,
			NumberOfFragments:   1,
		},
	}
	s.queue = append(s.queue, item)
	atomic.AddInt64(&s.queueSizeAtomic, 1)
	s.mx.SendQueueDepth.WithLabelValues(labelFor(s.cfg.NodeTypeID)).Set(float64(s.QueueSize()))
}

// RemoveNode erases a peer and sweeps it out of every queued item's
// receivers set (spec section 4.5).
func (s *Sender) RemoveNode(id int64) {
	s.table.Erase(id)
	for _, item := range s.queue {
		delete(item.receivers, id)
	}
	s.removeCompletedMessages()
}

func labelFor(nodeTypeID int64) string {
	return strconv.FormatInt(nodeTypeID, 10)
}
