package wire

import "testing"

func TestDiscoverRoundTrip(t *testing.T) {
	d := Discover{
		From: NodeDescriptor{
			Name: "nodeA", NodeID: 1, NodeTypeID: 10,
			ControlAddress: "127.0.0.1:10000", DataAddress: "127.0.0.1:10001",
		},
		SentToID: 2,
	}
	buf := EncodeDiscover(d)
	gotD, gotN, err := DecodeEnvelope(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotN != nil {
		t.Fatalf("expected Discover, got NodeInfo")
	}
	if *gotD != d {
		t.Errorf("got %+v, want %+v", *gotD, d)
	}
}

func TestNodeInfoRoundTrip(t *testing.T) {
	n := NodeInfo{
		SentFromID:   1,
		SentToID:     2,
		SentFromNode: NodeDescriptor{Name: "a", NodeID: 1, NodeTypeID: 10, ControlAddress: "1.1.1.1:1", DataAddress: "1.1.1.1:2"},
		Nodes: []NodeDescriptor{
			{Name: "seed", NodeID: 0, ControlAddress: "2.2.2.2:1"},
			{Name: "b", NodeID: 3, NodeTypeID: 11, ControlAddress: "3.3.3.3:1", DataAddress: "3.3.3.3:2"},
		},
		NumberOfPackets: 1,
		PacketNumber:    0,
	}
	buf := EncodeNodeInfo(n)
	gotD, gotN, err := DecodeEnvelope(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotD != nil {
		t.Fatalf("expected NodeInfo, got Discover")
	}
	if gotN.SentFromID != n.SentFromID || len(gotN.Nodes) != len(n.Nodes) {
		t.Fatalf("got %+v, want %+v", *gotN, n)
	}
	for i := range n.Nodes {
		if gotN.Nodes[i] != n.Nodes[i] {
			t.Errorf("Nodes[%d] = %+v, want %+v", i, gotN.Nodes[i], n.Nodes[i])
		}
	}
}

func TestDecodeEnvelopeUnknownTag(t *testing.T) {
	if _, _, err := DecodeEnvelope([]byte{0xFF}); err == nil {
		t.Fatal("expected error for unknown tag")
	}
}
