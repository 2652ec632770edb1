// Package transport implements C1: binding the unicast (and optional
// multicast) UDP sockets, asynchronous receive with cooperative
// backpressure pausing, and the unicast/multicast write surface the
// other strands depend on (spec section 4.1). This generalizes the
// teacher's single net.UDPConn ReadFromUDP loop
// (source/server/server.go Start/listen) to two sockets per node type
// and an explicit pause/resume protocol instead of an unbounded
// goroutine-per-packet fan-out.
package transport

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/safircore/communication/internal/clock"
	"github.com/safircore/communication/internal/metrics"
)

const (
	pausePollInterval = 10 * time.Millisecond
	readDeadline      = 200 * time.Millisecond
)

// ErrMixedIPVersions is a configuration error raised at construction
// when the unicast and multicast endpoints of one node type have
// different IP families (spec section 4.1/7).
var ErrMixedIPVersions = errors.New("transport: unicast and multicast endpoints have different IP versions")

// OnRecv is the upper-layer inbound hook (spec section 4.1). It
// returns false when the receiver is saturated, asking the socket to
// pause reception.
type OnRecv func(buf []byte, n int, from *net.UDPAddr) bool

// IsReceiverReady is polled every 10ms while paused (spec section 4.1).
type IsReceiverReady func() bool

// Socket owns one node type's unicast socket and optional multicast
// socket.
type Socket struct {
	name          string
	unicastConn   *net.UDPConn
	multicastConn *net.UDPConn
	multicastAddr *net.UDPAddr
	advertiseIP   net.IP
	recvBufSize   int

	clk  clock.Clock
	log  *logrus.Entry
	mx   *metrics.Set

	paused bool
}

// Open binds the unicast socket at unicastAddr and, if multicastAddr
// is non-empty, joins that multicast group (spec section 4.1). Fails
// hard if the two addresses are of different IP families.
func Open(name, unicastAddr, multicastAddr string, recvBufSize int, clk clock.Clock, log *logrus.Entry, mx *metrics.Set) (*Socket, error) {
	uAddr, err := net.ResolveUDPAddr("udp", unicastAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "transport: resolve unicast address %q", unicastAddr)
	}
	if multicastAddr != "" {
		mAddr, err := net.ResolveUDPAddr("udp", multicastAddr)
		if err != nil {
			return nil, errors.Wrapf(err, "transport: resolve multicast address %q", multicastAddr)
		}
		if isIPv4(uAddr.IP) != isIPv4(mAddr.IP) {
			return nil, errors.Wrapf(ErrMixedIPVersions, "unicast=%s multicast=%s", unicastAddr, multicastAddr)
		}
	}

	bindAddr := bindAny(uAddr)
	uConn, err := net.ListenUDP("udp", bindAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "transport: bind unicast %s", bindAddr)
	}

	s := &Socket{
		name:        name,
		unicastConn: uConn,
		advertiseIP: uAddr.IP,
		recvBufSize: recvBufSize,
		clk:         clk,
		log:         log,
		mx:          mx,
	}

	if multicastAddr != "" {
		mAddr, _ := net.ResolveUDPAddr("udp", multicastAddr)
		mConn, err := net.ListenMulticastUDP("udp", nil, mAddr)
		if err != nil {
			uConn.Close()
			return nil, errors.Wrapf(err, "transport: join multicast %s", multicastAddr)
		}
		s.multicastConn = mConn
		s.multicastAddr = mAddr
	}

	return s, nil
}

func isIPv4(ip net.IP) bool { return ip.To4() != nil }

func bindAny(addr *net.UDPAddr) *net.UDPAddr {
	if isIPv4(addr.IP) {
		return &net.UDPAddr{IP: net.IPv4zero, Port: addr.Port}
	}
	return &net.UDPAddr{IP: net.IPv6zero, Port: addr.Port}
}

func (s *Socket) HasMulticast() bool { return s.multicastConn != nil }

// LocalAddr returns the address peers should use to reach this socket:
// the originally configured host joined with the actual bound port,
// which may differ from the requested port when the caller asked for
// an ephemeral one (":0"), as tests commonly do. The host is preserved
// rather than taken from the "any"-bound local address, which would
// otherwise advertise 0.0.0.0.
func (s *Socket) LocalAddr() string {
	port := s.unicastConn.LocalAddr().(*net.UDPAddr).Port
	return net.JoinHostPort(s.advertiseIP.String(), fmt.Sprintf("%d", port))
}

// WriteUnicast writes buf to addr over the unicast socket.
func (s *Socket) WriteUnicast(addr string, buf []byte) error {
	uAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return errors.Wrapf(err, "transport: resolve %q", addr)
	}
	_, err = s.unicastConn.WriteToUDP(buf, uAddr)
	return err
}

// WriteMulticast writes buf to this node type's multicast group.
func (s *Socket) WriteMulticast(buf []byte) error {
	if s.multicastConn == nil {
		return errors.New("transport: no multicast socket configured")
	}
	_, err := s.unicastConn.WriteToUDP(buf, s.multicastAddr)
	return err
}

// Run drives the async-receive/pause loop for both the unicast conn
// and, if configured, the joined multicast conn, until ctx is
// cancelled (spec section 4.1). Safe to call once per Socket.
func (s *Socket) Run(ctx context.Context, onRecv OnRecv, ready IsReceiverReady) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { s.receiveLoop(gctx, s.unicastConn, onRecv, ready); return nil })
	if s.multicastConn != nil {
		g.Go(func() error { s.receiveLoop(gctx, s.multicastConn, onRecv, ready); return nil })
	}
	return g.Wait()
}

func (s *Socket) receiveLoop(ctx context.Context, conn *net.UDPConn, onRecv OnRecv, ready IsReceiverReady) {
	buf := make([]byte, s.recvBufSize)
	stop := ctx.Done()

	for {
		select {
		case <-stop:
			return
		default:
		}

		conn.SetReadDeadline(s.clk.Now().Add(readDeadline))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			select {
			case <-stop:
				return
			default:
			}
			s.log.WithError(err).Debug("udp read error")
			continue
		}

		if !onRecv(buf, n, from) {
			s.pause(stop, ready)
		}
	}
}

func (s *Socket) pause(stop <-chan struct{}, ready IsReceiverReady) {
	s.paused = true
	s.mx.ReceiverPaused.Inc()
	ticker := s.clk.NewTicker(pausePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			if ready() {
				s.paused = false
				return
			}
		}
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func (s *Socket) Close() error {
	var errs []string
	if err := s.unicastConn.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if s.multicastConn != nil {
		if err := s.multicastConn.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
