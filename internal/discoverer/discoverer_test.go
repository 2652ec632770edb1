package discoverer

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/safircore/communication/internal/clock"
	"github.com/safircore/communication/internal/metrics"
	"github.com/safircore/communication/internal/wire"
)

type captureWriter struct {
	sentTo []string
}

func (c *captureWriter) WriteUnicast(addr string, buf []byte) error {
	c.sentTo = append(c.sentTo, addr)
	return nil
}

func newTestDiscoverer(t *testing.T, cfg Config, cb Callbacks) (*Discoverer, *captureWriter) {
	t.Helper()
	clk := clock.NewFake(time.Unix(0, 0))
	w := &captureWriter{}
	mx := metrics.New(prometheus.NewRegistry())
	log := logrus.NewEntry(logrus.New())
	if cfg.FragmentSize == 0 {
		cfg.FragmentSize = 1500
	}
	return New(cfg, clk, w, cb, log, mx), w
}

func TestHandleDiscoverAddsNewNodeAndReplies(t *testing.T) {
	var newNodes []wire.NodeDescriptor
	d, w := newTestDiscoverer(t, Config{SelfID: 1, SelfName: "a"}, Callbacks{
		NewNode: func(desc wire.NodeDescriptor) { newNodes = append(newNodes, desc) },
	})

	err := d.HandleDiscover(wire.Discover{
		From:     wire.NodeDescriptor{Name: "b", NodeID: 2, ControlAddress: "127.0.0.1:20000"},
		SentToID: 1,
	}, "127.0.0.1:20000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(newNodes) != 1 || newNodes[0].NodeID != 2 {
		t.Fatalf("new nodes = %+v", newNodes)
	}
	if len(w.sentTo) != 1 || w.sentTo[0] != "127.0.0.1:20000" {
		t.Fatalf("expected a NodeInfo reply to the requester, got %+v", w.sentTo)
	}
}

func TestHandleDiscoverFromSelfErasesSeed(t *testing.T) {
	d, _ := newTestDiscoverer(t, Config{SelfID: 1, SelfName: "a"}, Callbacks{})
	d.InjectSeeds([]string{"127.0.0.1:30000"})
	if !d.HasSeed("127.0.0.1:30000") {
		t.Fatal("seed not injected")
	}
	err := d.HandleDiscover(wire.Discover{
		From: wire.NodeDescriptor{Name: "a", NodeID: 1, ControlAddress: "127.0.0.1:30000"},
	}, "127.0.0.1:30000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.HasSeed("127.0.0.1:30000") {
		t.Fatal("self-seed entry should have been erased")
	}
}

func TestLightNodeNodeInfoOnlySelf(t *testing.T) {
	d, w := newTestDiscoverer(t, Config{SelfID: 1, SelfName: "light", IsLightNode: true}, Callbacks{})
	d.nodes[2] = wire.NodeDescriptor{Name: "other", NodeID: 2, ControlAddress: "127.0.0.1:1"}
	d.sendNodeInfo(wire.NodeDescriptor{NodeID: 3, ControlAddress: "127.0.0.1:40000"})
	if len(w.sentTo) != 1 {
		t.Fatalf("expected exactly one NodeInfo packet, got %d", len(w.sentTo))
	}
}

func TestNodeInfoNeverListsLightNodeToLightNode(t *testing.T) {
	lightTypes := map[int64]bool{99: true}
	d, w := newTestDiscoverer(t, Config{SelfID: 1, SelfName: "ordinary", LightNodeTypes: lightTypes}, Callbacks{})
	d.nodes[2] = wire.NodeDescriptor{Name: "light-peer", NodeID: 2, NodeTypeID: 99, ControlAddress: "127.0.0.1:1"}
	d.nodes[3] = wire.NodeDescriptor{Name: "ordinary-peer", NodeID: 3, NodeTypeID: 1, ControlAddress: "127.0.0.1:2"}

	requester := wire.NodeDescriptor{NodeID: 4, NodeTypeID: 99, ControlAddress: "127.0.0.1:50000"}
	pool := d.nodeInfoPool(requester)
	for _, desc := range pool {
		if desc.NodeTypeID == 99 {
			t.Fatalf("lightNode requester was shown a lightNode peer: %+v", desc)
		}
	}
	found := false
	for _, desc := range pool {
		if desc.NodeID == 3 {
			found = true
		}
	}
	if !found {
		t.Fatal("ordinary peer should still be shared with a lightNode requester")
	}

	d.sendNodeInfo(requester)
	if len(w.sentTo) == 0 {
		t.Fatal("expected a NodeInfo reply")
	}
}

func TestExcludeNodeOrdinaryIsPermanent(t *testing.T) {
	d, _ := newTestDiscoverer(t, Config{SelfID: 1, SelfName: "a"}, Callbacks{})
	d.nodes[2] = wire.NodeDescriptor{Name: "b", NodeID: 2, ControlAddress: "127.0.0.1:1"}
	d.ExcludeNode(2)
	until, _, ok := d.ExcludedUntil(2)
	if !ok {
		t.Fatal("expected an excluded entry")
	}
	if until != nil {
		t.Fatalf("expected permanent exclusion (until == nil), got %v", *until)
	}
}

func TestExcludeNodeLightNodeIsTimeLimited(t *testing.T) {
	d, _ := newTestDiscoverer(t, Config{SelfID: 1, SelfName: "light", IsLightNode: true, LightNodesExcludeTimeLimit: 10 * time.Second}, Callbacks{})
	d.nodes[2] = wire.NodeDescriptor{Name: "a", NodeID: 2, ControlAddress: "127.0.0.1:10000"}
	d.ExcludeNode(2)

	until, seedAddr, ok := d.ExcludedUntil(2)
	if !ok {
		t.Fatal("expected an excluded entry")
	}
	if until == nil {
		t.Fatal("expected a time-limited exclusion")
	}
	if seedAddr != "127.0.0.1:10000" {
		t.Fatalf("seedAddress = %q, want %q", seedAddr, "127.0.0.1:10000")
	}

	fake := d.clk.(*clock.Fake)
	fake.Advance(10 * time.Second)
	d.purgeExpiredExclusions()
	if _, _, ok := d.ExcludedUntil(2); ok {
		t.Fatal("expected exclusion to have been purged")
	}
	if !d.HasSeed("127.0.0.1:10000") {
		t.Fatal("expected the address to be re-seeded after expiry")
	}
}

func TestPaginationAlwaysEmitsAtLeastOnePacket(t *testing.T) {
	d, w := newTestDiscoverer(t, Config{SelfID: 1, SelfName: "a"}, Callbacks{})
	d.sendNodeInfo(wire.NodeDescriptor{NodeID: 2, ControlAddress: "127.0.0.1:1"})
	if len(w.sentTo) != 1 {
		t.Fatalf("expected exactly one packet when pool is empty, got %d", len(w.sentTo))
	}
}
