package nodetable

import (
	"net"
	"testing"
)

func TestInsertGetErase(t *testing.T) {
	tbl := New()
	n := &Node{NodeID: 1, UnicastEndpoint: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1234}}
	tbl.Insert(n)

	if got := tbl.Get(1); got != n {
		t.Fatalf("Get(1) = %v, want %v", got, n)
	}
	if tbl.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", tbl.Len())
	}

	tbl.Erase(1)
	if got := tbl.Get(1); got != nil {
		t.Fatalf("Get(1) after erase = %v, want nil", got)
	}
	// Erasing an unknown id is a no-op, not an error.
	tbl.Erase(999)
}

func TestInsertDuplicatePanics(t *testing.T) {
	tbl := New()
	tbl.Insert(&Node{NodeID: 1})
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic on duplicate insert")
		}
	}()
	tbl.Insert(&Node{NodeID: 1})
}

func TestIncludeMarksSystemNode(t *testing.T) {
	tbl := New()
	tbl.Insert(&Node{NodeID: 1})
	tbl.Include(1)
	if !tbl.Get(1).IsSystemNode {
		t.Fatal("expected node 1 to be marked a system node")
	}
	// Including an unknown id is a no-op.
	tbl.Include(999)
}

func TestSystemNodesAndIter(t *testing.T) {
	tbl := New()
	tbl.Insert(&Node{NodeID: 1, IsSystemNode: true})
	tbl.Insert(&Node{NodeID: 2, IsSystemNode: false})
	tbl.Insert(&Node{NodeID: 3, IsSystemNode: true})

	ids := tbl.SystemNodes()
	if len(ids) != 2 {
		t.Fatalf("SystemNodes() returned %d ids, want 2", len(ids))
	}

	seen := 0
	tbl.Iter(func(n *Node) { seen++ })
	if seen != 3 {
		t.Fatalf("Iter visited %d nodes, want 3", seen)
	}
}

func TestChannelOf(t *testing.T) {
	cases := []struct {
		acked, multi bool
		want         Channel
	}{
		{false, false, ChannelUnackedSingle},
		{false, true, ChannelUnackedMulti},
		{true, false, ChannelAckedSingle},
		{true, true, ChannelAckedMulti},
	}
	for _, c := range cases {
		if got := ChannelOf(c.acked, c.multi); got != c.want {
			t.Fatalf("ChannelOf(%v,%v) = %v, want %v", c.acked, c.multi, got, c.want)
		}
	}
}
