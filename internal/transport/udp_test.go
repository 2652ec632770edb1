package transport

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/safircore/communication/internal/clock"
	"github.com/safircore/communication/internal/metrics"
)

func newTestSocket(t *testing.T, unicastAddr, multicastAddr string) *Socket {
	t.Helper()
	mx := metrics.New(prometheus.NewRegistry())
	s, err := Open("t", unicastAddr, multicastAddr, 2048, clock.Real{}, logrus.NewEntry(logrus.New()), mx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUnicastRoundTrip(t *testing.T) {
	a := newTestSocket(t, "127.0.0.1:0", "")
	b := newTestSocket(t, "127.0.0.1:0", "")

	got := make(chan string, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx, func(buf []byte, n int, from *net.UDPAddr) bool {
		got <- string(buf[:n])
		return true
	}, func() bool { return true })

	if err := a.WriteUnicast(b.LocalAddr(), []byte("hello")); err != nil {
		t.Fatalf("WriteUnicast: %v", err)
	}

	select {
	case msg := <-got:
		if msg != "hello" {
			t.Fatalf("got %q, want %q", msg, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram")
	}
}

func TestMixedIPVersionsRejected(t *testing.T) {
	mx := metrics.New(prometheus.NewRegistry())
	_, err := Open("t", "127.0.0.1:0", "[::1]:12345", 2048, clock.Real{}, logrus.NewEntry(logrus.New()), mx)
	if err == nil {
		t.Fatal("expected an error for mixed IPv4/IPv6 endpoints")
	}
}

func TestPauseResumeOnBackpressure(t *testing.T) {
	a := newTestSocket(t, "127.0.0.1:0", "")
	b := newTestSocket(t, "127.0.0.1:0", "")

	var ready atomic.Bool
	count := make(chan int, 8)
	n := 0
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx, func(buf []byte, size int, from *net.UDPAddr) bool {
		n++
		count <- n
		return ready.Load() // pause after first datagram
	}, ready.Load)

	a.WriteUnicast(b.LocalAddr(), []byte("one"))
	select {
	case <-count:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first datagram")
	}

	ready.Store(true)
	a.WriteUnicast(b.LocalAddr(), []byte("two"))
	select {
	case <-count:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for resumed delivery")
	}
}
