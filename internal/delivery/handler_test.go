package delivery

import (
	"net"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/safircore/communication/internal/metrics"
	"github.com/safircore/communication/internal/nodetable"
	"github.com/safircore/communication/internal/wire"

	"github.com/prometheus/client_golang/prometheus"
)

type fakeAckWriter struct {
	sent [][]byte
}

func (f *fakeAckWriter) WriteUnicast(addr string, buf []byte) error {
	f.sent = append(f.sent, buf)
	return nil
}

func newTestHandler(t *testing.T, selfID int64, cb Callbacks) (*Handler, *fakeAckWriter, *nodetable.Table) {
	t.Helper()
	table := nodetable.New()
	table.Insert(&nodetable.Node{NodeID: 1, UnicastEndpoint: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 10000}})
	w := &fakeAckWriter{}
	mx := metrics.New(prometheus.NewRegistry())
	log := logrus.NewEntry(logrus.New())
	h := New(4, table, w, cb, log, mx, selfID)
	return h, w, table
}

func TestDeliverSingleMessageAcked(t *testing.T) {
	var delivered []Delivered
	h, w, _ := newTestHandler(t, 2, Callbacks{Deliver: func(d Delivered) { delivered = append(delivered, d) }})

	payload := []byte("hello")
	hdr := wire.MessageHeader{
		Common:              wire.CommonHeader{SenderID: 1, ReceiverID: 2, DataType: 1000100222},
		SendMethod:          wire.SingleReceiver,
		DeliveryGuarantee:   wire.Acked,
		AckNow:              true,
		SequenceNumber:      1,
		TotalContentSize:    uint32(len(payload)),
		FragmentContentSize: uint32(len(payload)),
		NumberOfFragments:   1,
	}
	if err := h.ReceivedApplicationData(hdr, payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(delivered) != 1 {
		t.Fatalf("delivered count = %d, want 1", len(delivered))
	}
	if string(delivered[0].Payload) != "hello" {
		t.Errorf("payload = %q, want %q", delivered[0].Payload, "hello")
	}
	if len(w.sent) != 1 {
		t.Fatalf("acks sent = %d, want 1", len(w.sent))
	}
}

func TestDuplicateDeliveredOnce(t *testing.T) {
	count := 0
	h, _, _ := newTestHandler(t, 2, Callbacks{Deliver: func(d Delivered) { count++ }})

	payload := []byte("x")
	hdr := wire.MessageHeader{
		Common:              wire.CommonHeader{SenderID: 1, ReceiverID: 2, DataType: 42},
		DeliveryGuarantee:   wire.Acked,
		AckNow:              true,
		SequenceNumber:      1,
		TotalContentSize:    1,
		FragmentContentSize: 1,
		NumberOfFragments:   1,
	}
	for i := 0; i < 3; i++ {
		if err := h.ReceivedApplicationData(hdr, payload); err != nil {
			t.Fatalf("unexpected error on attempt %d: %v", i, err)
		}
	}
	if count != 1 {
		t.Fatalf("delivered count = %d, want 1", count)
	}
}

func TestFragmentReassembly(t *testing.T) {
	var delivered []Delivered
	h, _, _ := newTestHandler(t, 2, Callbacks{Deliver: func(d Delivered) { delivered = append(delivered, d) }})

	full := []byte("0123456789")
	frag1 := full[0:5]
	frag2 := full[5:10]

	hdr1 := wire.MessageHeader{
		Common: wire.CommonHeader{SenderID: 1, ReceiverID: 2, DataType: 7}, DeliveryGuarantee: wire.Acked,
		SequenceNumber: 1, TotalContentSize: 10, FragmentOffset: 0, FragmentContentSize: 5,
		FragmentNumber: 0, NumberOfFragments: 2,
	}
	hdr2 := hdr1
	hdr2.SequenceNumber = 2
	hdr2.FragmentOffset = 5
	hdr2.FragmentNumber = 1
	hdr2.AckNow = true

	if err := h.ReceivedApplicationData(hdr1, frag1); err != nil {
		t.Fatalf("frag1: %v", err)
	}
	if len(delivered) != 0 {
		t.Fatalf("delivered too early: %d", len(delivered))
	}
	if err := h.ReceivedApplicationData(hdr2, frag2); err != nil {
		t.Fatalf("frag2: %v", err)
	}
	if len(delivered) != 1 {
		t.Fatalf("delivered count = %d, want 1", len(delivered))
	}
	if string(delivered[0].Payload) != string(full) {
		t.Errorf("payload = %q, want %q", delivered[0].Payload, full)
	}
}

func TestFragmentReassemblyReleasesEveryFragmentsReference(t *testing.T) {
	var delivered []Delivered
	h, _, _ := newTestHandler(t, 2, Callbacks{Deliver: func(d Delivered) { delivered = append(delivered, d) }})

	full := []byte("0123456789")
	frag1 := full[0:5]
	frag2 := full[5:10]

	hdr1 := wire.MessageHeader{
		Common: wire.CommonHeader{SenderID: 1, ReceiverID: 2, DataType: 7}, DeliveryGuarantee: wire.Acked,
		SequenceNumber: 1, TotalContentSize: 10, FragmentOffset: 0, FragmentContentSize: 5,
		FragmentNumber: 0, NumberOfFragments: 2,
	}
	hdr2 := hdr1
	hdr2.SequenceNumber = 2
	hdr2.FragmentOffset = 5
	hdr2.FragmentNumber = 1
	hdr2.AckNow = true

	if err := h.ReceivedApplicationData(hdr1, frag1); err != nil {
		t.Fatalf("frag1: %v", err)
	}
	ch := h.peerState(1).channels[nodetable.ChannelAckedSingle]
	buf := ch.window[0].buffer
	if buf == nil {
		t.Fatal("expected the first fragment to allocate a shared buffer")
	}
	if got, want := buf.Refs(), 1; got != want {
		t.Fatalf("refs after first fragment = %d, want %d", got, want)
	}

	if err := h.ReceivedApplicationData(hdr2, frag2); err != nil {
		t.Fatalf("frag2: %v", err)
	}
	if len(delivered) != 1 {
		t.Fatalf("delivered count = %d, want 1", len(delivered))
	}
	if got := buf.Refs(); got != 0 {
		t.Fatalf("refs after full delivery = %d, want 0 (every slot must release its own reference)", got)
	}
}

func TestWelcomeGating(t *testing.T) {
	var delivered []Delivered
	h, _, _ := newTestHandler(t, 2, Callbacks{Deliver: func(d Delivered) { delivered = append(delivered, d) }})

	base := wire.MessageHeader{
		Common:            wire.CommonHeader{SenderID: 1, ReceiverID: 2, DataType: 99},
		SendMethod:        wire.MultiReceiver,
		DeliveryGuarantee: wire.Acked,
		TotalContentSize:  1, FragmentContentSize: 1, NumberOfFragments: 1,
	}

	// seq=43 arrives before any welcome: must not be delivered.
	preWelcome := base
	preWelcome.SequenceNumber = 43
	if err := h.ReceivedApplicationData(preWelcome, []byte{1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(delivered) != 0 {
		t.Fatalf("delivered before welcome: %d", len(delivered))
	}

	welcome := base
	welcome.Common.DataType = wire.WelcomeDataType
	welcome.SequenceNumber = 44
	welcome.AckNow = true
	if err := h.ReceivedApplicationData(welcome, []byte{2, 0, 0, 0, 0, 0, 0, 0}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	after := base
	after.SequenceNumber = 45
	after.AckNow = true
	if err := h.ReceivedApplicationData(after, []byte{9}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(delivered) != 1 {
		t.Fatalf("delivered count = %d, want 1 (seq 45 only)", len(delivered))
	}
}

func TestUnackedGapClearsChannel(t *testing.T) {
	var delivered []Delivered
	h, _, _ := newTestHandler(t, 2, Callbacks{Deliver: func(d Delivered) { delivered = append(delivered, d) }})

	hdr := wire.MessageHeader{
		Common: wire.CommonHeader{SenderID: 1, ReceiverID: 2, DataType: 7}, DeliveryGuarantee: wire.Unacked,
		SequenceNumber: 1, TotalContentSize: 1, FragmentContentSize: 1, NumberOfFragments: 1,
	}
	if err := h.ReceivedApplicationData(hdr, []byte{1}); err != nil {
		t.Fatalf("seq1: %v", err)
	}

	gapHdr := hdr
	gapHdr.SequenceNumber = 5
	if err := h.ReceivedApplicationData(gapHdr, []byte{5}); err != nil {
		t.Fatalf("seq5: %v", err)
	}
	if len(delivered) != 2 {
		t.Fatalf("delivered count = %d, want 2", len(delivered))
	}
}

func TestOutOfWindowIsProtocolInvariant(t *testing.T) {
	h, _, _ := newTestHandler(t, 2, Callbacks{})
	base := wire.MessageHeader{
		Common: wire.CommonHeader{SenderID: 1, ReceiverID: 2, DataType: 7}, DeliveryGuarantee: wire.Acked,
		TotalContentSize: 1, FragmentContentSize: 1, NumberOfFragments: 1,
	}
	first := base
	first.SequenceNumber = 1
	if err := h.ReceivedApplicationData(first, []byte{1}); err != nil {
		t.Fatalf("unexpected error priming channel: %v", err)
	}

	farAhead := base
	farAhead.SequenceNumber = 100
	if err := h.ReceivedApplicationData(farAhead, []byte{1}); err == nil {
		t.Fatal("expected protocol invariant error")
	}
}
