package communication

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/safircore/communication/internal/config"
)

// twoNodeConfigs returns a matched pair of single-node-type configs on
// loopback ephemeral ports, mirroring the scenario 1 setup of a node
// type with one peer type and acked delivery.
func twoNodeConfigs() (a, b *config.Config) {
	peerType := config.NodeType{
		Name:              "peer",
		NodeTypeID:        1,
		UnicastAddress:    "127.0.0.1:0",
		HeartbeatInterval: 50 * time.Millisecond,
		RetryTimeout:      100 * time.Millisecond,
	}
	base := func(id int64) *config.Config {
		return &config.Config{
			SelfNodeID:                 id,
			SelfName:                   "node",
			SelfNodeTypeID:             1,
			ControlAddress:             "127.0.0.1:0",
			SendQueueSize:              64,
			SlidingWindowSize:          32,
			FragmentSize:               1500,
			ReceiveBufferSize:          65536,
			MaxNumberOfUndelivered:     256,
			LightNodesExcludeTimeLimit: 30 * time.Second,
			DiscoverInterval:           50 * time.Millisecond,
			NodeTypes:                  []config.NodeType{peerType},
			LogLevel:                   "error",
			LogFormat:                  "text",
		}
	}
	return base(1), base(2)
}

// TestSingleAckedMessageDelivery exercises the acked unicast path
// end to end: two Communication instances discover each other over
// loopback, then one Send reaches the other's Receive callback.
func TestSingleAckedMessageDelivery(t *testing.T) {
	cfgA, cfgB := twoNodeConfigs()

	var mu sync.Mutex
	received := make(chan []byte, 1)

	a, err := New(cfgA, Callbacks{})
	if err != nil {
		t.Fatalf("New(a): %v", err)
	}
	b, err := New(cfgB, Callbacks{
		Receive: func(senderID, senderNodeType, dataTypeID int64, payload []byte) {
			mu.Lock()
			defer mu.Unlock()
			select {
			case received <- append([]byte(nil), payload...):
			default:
			}
		},
	})
	if err != nil {
		t.Fatalf("New(b): %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go a.Start(ctx)
	go b.Start(ctx)
	defer a.Stop()
	defer b.Stop()

	// Let both control sockets bind before wiring discovery.
	time.Sleep(20 * time.Millisecond)

	a.InjectSeeds([]string{b.ControlAddr()})
	b.InjectSeeds([]string{a.ControlAddr()})

	deadline := time.After(5 * time.Second)
	for {
		a.mu.RLock()
		_, known := a.peerTypeOf[cfgB.SelfNodeID]
		a.mu.RUnlock()
		if known {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for node a to discover node b")
		case <-time.After(20 * time.Millisecond):
		}
	}

	payload := []byte("hello safir")
	sendDeadline := time.After(2 * time.Second)
	for {
		if a.Send(cfgB.SelfNodeID, payload, 42, true) {
			break
		}
		select {
		case <-sendDeadline:
			t.Fatal("timed out waiting for Send to succeed")
		case <-time.After(10 * time.Millisecond):
		}
	}

	select {
	case got := <-received:
		if string(got) != string(payload) {
			t.Fatalf("got payload %q, want %q", got, payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}
