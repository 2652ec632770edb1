// Package communication is C8, the facade spec section 4.8 describes:
// construction validation, wiring of the per-node-type DataSenders,
// DeliveryHandler, Heartbeat and Discoverer onto their transport
// sockets, inbound datagram routing by dataType, and the public
// send/include/exclude/inject-seeds surface. It plays the role the
// teacher's server.Server.Start/handleConnection loop plays for one
// RakNet listener (source/server/server.go), generalized to a swarm of
// per-node-type sockets instead of one game-server socket.
package communication

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/safircore/communication/internal/clock"
	"github.com/safircore/communication/internal/config"
	"github.com/safircore/communication/internal/datasender"
	"github.com/safircore/communication/internal/delivery"
	"github.com/safircore/communication/internal/discoverer"
	"github.com/safircore/communication/internal/heartbeat"
	"github.com/safircore/communication/internal/logging"
	"github.com/safircore/communication/internal/metrics"
	"github.com/safircore/communication/internal/nodetable"
	"github.com/safircore/communication/internal/strand"
	"github.com/safircore/communication/internal/transport"
	"github.com/safircore/communication/internal/wire"
)

// Callbacks are the full set of upper-layer hooks Communication drives
// (spec section 4.8).
type Callbacks struct {
	NewNode      func(nodeID int64)
	GotReceive   func(nodeID int64)
	RetransmitTo func(nodeID int64)
	QueueNotFull func(nodeTypeID int64)
	Receive      func(senderID, senderNodeType, dataTypeID int64, payload []byte)
	Fatal        func(err error)
}

// typeBundle is one configured node type's full vertical slice: its
// own data socket, send queue, receive state and heartbeat source
// (spec section 3: tables are "exclusively owned by its containing
// table", generalized here to one table per node type, shared by both
// senders and the handler). All
// calls into sender/handler/beacon are posted onto strand so the
// receive-loop goroutine and the periodic-timer goroutine never touch
// this bundle's state concurrently (spec section 5).
type typeBundle struct {
	cfg     config.NodeType
	socket  *transport.Socket
	table   *nodetable.Table
	acked   *datasender.Sender // wire.Acked DataSender: retransmits, consumes acks
	unacked *datasender.Sender // wire.Unacked DataSender: fire-and-forget, no acks
	handler *delivery.Handler
	beacon  *heartbeat.Beacon
	strand  *strand.Strand
}

// senderFor returns the node type's DataSender for the requested
// delivery guarantee (spec section 4.5: DataSender is parameterized
// over {Acked, Unacked}; the facade keeps one instance of each, since
// their queueing, retransmit and ack bookkeeping are independent).
func (b *typeBundle) senderFor(guarantee uint8) *datasender.Sender {
	if guarantee == wire.Acked {
		return b.acked
	}
	return b.unacked
}

// Communication is C8.
type Communication struct {
	cfg *config.Config
	clk clock.Clock
	log *logrus.Entry
	mx  *metrics.Set
	cb  Callbacks

	controlSocket *transport.Socket
	controlStrand *strand.Strand
	disc          *discoverer.Discoverer

	mu         sync.RWMutex
	byType     map[int64]*typeBundle
	peerTypeOf map[int64]int64 // NodeID -> NodeTypeID, for routing Send()

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// New validates cfg and wires every strand, but does not yet start I/O;
// call Start to begin receiving and run the periodic timers (spec
// section 4.8: construction validation happens before any socket is
// opened).
func New(cfg *config.Config, cb Callbacks) (*Communication, error) {
	if cfg.SelfNodeID == 0 {
		return nil, errors.New("communication: nodeId must be non-zero (0 means \"all system nodes\")")
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, cfg.SelfNodeID)
	if err != nil {
		return nil, errors.Wrap(err, "communication: logger setup")
	}
	mx := metrics.New(prometheus.NewRegistry())
	clk := clock.Real{}

	c := &Communication{
		cfg:        cfg,
		clk:        clk,
		log:        log,
		mx:         mx,
		cb:         cb,
		byType:     make(map[int64]*typeBundle),
		peerTypeOf: make(map[int64]int64),
	}

	controlSocket, err := transport.Open("control", cfg.ControlAddress, "", cfg.ReceiveBufferSize, clk, logging.ForComponent(log, "transport.control"), mx)
	if err != nil {
		return nil, errors.Wrap(err, "communication: open control socket")
	}
	c.controlSocket = controlSocket
	c.controlStrand = strand.New(64)

	for _, nt := range cfg.NodeTypes {
		if err := c.addNodeType(nt); err != nil {
			return nil, err
		}
	}

	// A node gossips its own data-plane address, which is the actual
	// bound address of its own node type's socket if one is configured
	// for self (spec section 4.4's NodeDescriptor.dataAddress); otherwise
	// it falls back to the control socket's bound address (a node that
	// only ever discovers but exchanges no application data of its own).
	// The bound address, not the configured one, matters because a
	// configured port of 0 (as tests use) is only known after Open.
	selfDataAddress := controlSocket.LocalAddr()
	if b, ok := c.byType[cfg.SelfNodeTypeID]; ok {
		selfDataAddress = b.socket.LocalAddr()
	}

	c.disc = discoverer.New(discoverer.Config{
		SelfID:                     cfg.SelfNodeID,
		SelfName:                   cfg.SelfName,
		SelfNodeTypeID:             cfg.SelfNodeTypeID,
		SelfUnicastEndpoint:        controlSocket.LocalAddr(),
		SelfDataAddress:            selfDataAddress,
		IsLightNode:                cfg.SelfIsLightNode,
		LightNodeTypes:             cfg.LightNodeTypeSet(),
		LightNodesExcludeTimeLimit: cfg.LightNodesExcludeTimeLimit,
		FragmentSize:               cfg.FragmentSize,
	}, clk, controlSocket, discoverer.Callbacks{
		NewNode:     c.onDiscovererNewNode,
		ExcludeNode: c.onDiscovererExcludeNode,
		Fatal:       c.onFatal,
	}, logging.ForComponent(log, "discoverer"), mx)

	return c, nil
}

func (c *Communication) addNodeType(nt config.NodeType) error {
	multicastAddr := ""
	if nt.UseMulticast {
		multicastAddr = nt.MulticastAddress
	}
	sock, err := transport.Open(nt.Name, nt.UnicastAddress, multicastAddr, c.cfg.ReceiveBufferSize,
		c.clk, logging.ForComponent(c.log, "transport."+nt.Name), c.mx)
	if err != nil {
		return errors.Wrapf(err, "communication: open socket for node type %q", nt.Name)
	}

	table := nodetable.New()
	b := &typeBundle{cfg: nt, socket: sock, table: table, strand: strand.New(256)}

	senderConfig := func(guarantee uint8) datasender.Config {
		return datasender.Config{
			NodeTypeID:                   nt.NodeTypeID,
			DeliveryGuarantee:            guarantee,
			SendQueueSize:                c.cfg.SendQueueSize,
			SlidingWindowSize:            c.cfg.SlidingWindowSize,
			FragmentSize:                 c.cfg.FragmentSize,
			RetryTimeout:                 nt.RetryTimeout.Nanoseconds(),
			QueueNotFullThresholdPercent: 70,
			SelfID:                       c.cfg.SelfNodeID,
		}
	}
	senderCallbacks := datasender.Callbacks{
		QueueNotFull: c.cb.QueueNotFull,
		RetransmitTo: c.cb.RetransmitTo,
	}
	b.acked = datasender.New(senderConfig(wire.Acked), c.clk, sock, table, senderCallbacks,
		logging.ForComponent(c.log, "datasender.acked."+nt.Name), c.mx)
	b.unacked = datasender.New(senderConfig(wire.Unacked), c.clk, sock, table, senderCallbacks,
		logging.ForComponent(c.log, "datasender.unacked."+nt.Name), c.mx)

	b.handler = delivery.New(c.cfg.SlidingWindowSize, table, sock, delivery.Callbacks{
		Deliver: c.onDeliver(nt.NodeTypeID),
		GotRecv: c.cb.GotReceive,
	}, logging.ForComponent(c.log, "delivery."+nt.Name), c.mx, c.cfg.SelfNodeID)

	b.beacon = heartbeat.New(c.cfg.SelfNodeID, nt.NodeTypeID, table, sock, logging.ForComponent(c.log, "heartbeat."+nt.Name), c.mx)

	c.byType[nt.NodeTypeID] = b
	return nil
}

func (c *Communication) onDeliver(selfNodeType int64) func(delivery.Delivered) {
	return func(d delivery.Delivered) {
		if c.cb.Receive != nil {
			c.cb.Receive(d.SenderID, d.SenderNodeType, d.DataTypeID, d.Payload)
		}
		if b, ok := c.byType[selfNodeType]; ok {
			b.handler.DecrementUndelivered()
		}
	}
}

func (c *Communication) onFatal(err error) {
	c.log.WithError(err).Error("fatal configuration error")
	if c.cb.Fatal != nil {
		c.cb.Fatal(err)
	}
	if c.cancel != nil {
		c.cancel()
	}
}

// onDiscovererNewNode wires a freshly-discovered peer into its node
// type's table, which the DataSenders and DeliveryHandler share (spec
// section 4.8).
func (c *Communication) onDiscovererNewNode(desc wire.NodeDescriptor) {
	c.mu.Lock()
	c.peerTypeOf[desc.NodeID] = desc.NodeTypeID
	b, ok := c.byType[desc.NodeTypeID]
	c.mu.Unlock()
	if !ok {
		c.log.WithField("node_type", desc.NodeTypeID).Warn("discovered node of unconfigured type, ignoring")
		return
	}

	addr, err := net.ResolveUDPAddr("udp", desc.DataAddress)
	if err != nil {
		c.log.WithError(err).WithField("peer", desc.NodeID).Warn("discovered node has unresolvable data address")
		return
	}
	n := &nodetable.Node{
		Name:            desc.Name,
		NodeID:          desc.NodeID,
		NodeTypeID:      desc.NodeTypeID,
		UnicastEndpoint: addr,
		IsSystemNode:    false, // becomes a system node only via IncludeNode
	}
	b.strand.Post(func() {
		b.acked.AddNode(n)
		b.unacked.AddNode(n)
		b.handler.AddNode(n)
	})
	if c.cb.NewNode != nil {
		c.cb.NewNode(desc.NodeID)
	}
}

func (c *Communication) onDiscovererExcludeNode(id int64) {
	c.mu.Lock()
	typeID, known := c.peerTypeOf[id]
	delete(c.peerTypeOf, id)
	c.mu.Unlock()
	if !known {
		return
	}
	if b, ok := c.byType[typeID]; ok {
		b.strand.Post(func() {
			b.acked.RemoveNode(id)
			b.unacked.RemoveNode(id)
			b.handler.RemoveNode(id)
		})
	}
}

// IncludeNode marks a peer as a system node for send fan-out (spec
// section 4.8). Only the Acked sender emits a welcome: the Unacked
// Acked-MultiReceiver gate doesn't exist, there's nothing to welcome
// a peer into on that side.
func (c *Communication) IncludeNode(id int64) {
	c.mu.RLock()
	typeID, ok := c.peerTypeOf[id]
	c.mu.RUnlock()
	if !ok {
		return
	}
	if b, ok := c.byType[typeID]; ok {
		b.strand.Post(func() {
			b.acked.IncludeNode(id)
			b.unacked.IncludeNode(id)
		})
	}
}

// ExcludeNode applies the role-dependent exclusion policy of spec
// section 4.4 to id.
func (c *Communication) ExcludeNode(id int64) {
	c.controlStrand.Post(func() { c.disc.ExcludeNode(id) })
}

// InjectSeeds adds bootstrap gossip addresses (spec section 4.8).
func (c *Communication) InjectSeeds(addresses []string) {
	c.controlStrand.Post(func() { c.disc.InjectSeeds(addresses) })
}

// Send routes payload to one peer, via the Acked or Unacked DataSender
// for the peer's node type depending on acked (spec section 9's
// resolved SendToNode stub: this always sends, never stubs; spec
// section 4.5 parameterizes DataSender over {Acked, Unacked}).
func (c *Communication) Send(toNodeID int64, payload []byte, dataTypeID int64, acked bool) bool {
	c.mu.RLock()
	typeID, ok := c.peerTypeOf[toNodeID]
	c.mu.RUnlock()
	if !ok {
		c.log.WithField("peer", toNodeID).Warn("send to unknown node")
		return false
	}
	b, ok := c.byType[typeID]
	if !ok {
		return false
	}
	guarantee := wire.Unacked
	if acked {
		guarantee = wire.Acked
	}
	result := make(chan bool, 1)
	b.strand.Post(func() {
		result <- b.senderFor(guarantee).AddToSendQueue(toNodeID, payload, dataTypeID, c.cfg.SelfNodeID)
	})
	return <-result
}

// SendToNodeType routes payload to every system node of nodeTypeID via
// multicast fan-out or unicast fan-out, through the Acked or Unacked
// DataSender depending on acked (spec section 9's resolved
// SendToNodeType stub; spec section 4.5).
func (c *Communication) SendToNodeType(nodeTypeID int64, payload []byte, dataTypeID int64, acked bool) bool {
	b, ok := c.byType[nodeTypeID]
	if !ok {
		c.log.WithField("node_type", nodeTypeID).Warn("sendToNodeType for unconfigured node type")
		return false
	}
	guarantee := wire.Unacked
	if acked {
		guarantee = wire.Acked
	}
	result := make(chan bool, 1)
	b.strand.Post(func() {
		result <- b.senderFor(guarantee).AddToSendQueue(0, payload, dataTypeID, c.cfg.SelfNodeID)
	})
	return <-result
}

// ControlAddr returns the actual bound address of the control socket,
// resolving any ephemeral (":0") port the OS assigned.
func (c *Communication) ControlAddr() string {
	return c.controlSocket.LocalAddr()
}

// DataAddr returns the actual bound data-plane address for nodeTypeID,
// if that type is configured locally.
func (c *Communication) DataAddr(nodeTypeID int64) (string, bool) {
	c.mu.RLock()
	b, ok := c.byType[nodeTypeID]
	c.mu.RUnlock()
	if !ok {
		return "", false
	}
	return b.socket.LocalAddr(), true
}

// NumberOfUndeliveredMessages sums the backpressure counter across
// every node type's DeliveryHandler.
func (c *Communication) NumberOfUndeliveredMessages() int {
	total := 0
	for _, b := range c.byType {
		total += b.handler.NumberOfUndeliveredMessages()
	}
	return total
}

// Start opens the receive loops and periodic timers and blocks until
// ctx is cancelled or a strand reports a fatal error (spec section 5:
// errgroup supervises every strand/socket goroutine).
func (c *Communication) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.ctx = ctx
	c.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	c.group = g

	g.Go(func() error { c.controlStrand.Run(gctx); return nil })
	g.Go(func() error { return c.runControlReceive(gctx) })
	g.Go(func() error { return c.runDiscoverTimer(gctx) })

	for _, b := range c.byType {
		b := b
		g.Go(func() error { b.strand.Run(gctx); return nil })
		g.Go(func() error { return c.runDataReceive(gctx, b) })
		g.Go(func() error { return c.runSendQueueTimer(gctx, b) })
		g.Go(func() error { return c.runRetransmitTimer(gctx, b) })
		g.Go(func() error { return c.runHeartbeatTimer(gctx, b) })
	}

	return g.Wait()
}

// Stop cancels every strand and socket goroutine. Callbacks posted
// after Stop are silently dropped by strand.Post (spec section 5).
func (c *Communication) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.controlSocket.Close()
	for _, b := range c.byType {
		b.socket.Close()
	}
	if c.group != nil {
		c.group.Wait()
	}
}

func (c *Communication) runControlReceive(ctx context.Context) error {
	onRecv := func(buf []byte, n int, from *net.UDPAddr) bool {
		data := append([]byte(nil), buf[:n]...)
		c.controlStrand.Post(func() { c.handleControlDatagram(data, from) })
		return true
	}
	ready := func() bool { return true }
	return c.controlSocket.Run(ctx, onRecv, ready)
}

func (c *Communication) handleControlDatagram(buf []byte, from *net.UDPAddr) {
	common, err := wire.DecodeCommonHeader(buf)
	if err != nil {
		return
	}
	if common.DataType != wire.ControlDataType {
		return
	}
	disc, nodeInfo, err := wire.DecodeEnvelope(buf[wire.CommonHeaderSize:])
	if err != nil {
		c.log.WithError(err).Debug("malformed control envelope")
		return
	}
	if disc != nil {
		if err := c.disc.HandleDiscover(*disc, from.String()); err != nil {
			c.log.WithError(err).Warn("discover handling failed")
		}
		return
	}
	if nodeInfo != nil {
		if err := c.disc.HandleNodeInfo(*nodeInfo); err != nil {
			c.log.WithError(err).Warn("node info handling failed")
		}
	}
}

func (c *Communication) runDataReceive(ctx context.Context, b *typeBundle) error {
	onRecv := func(buf []byte, n int, from *net.UDPAddr) bool {
		data := append([]byte(nil), buf[:n]...)
		notFull := b.handler.NumberOfUndeliveredMessages() < c.cfg.MaxNumberOfUndelivered
		b.strand.Post(func() { c.handleDataDatagram(b, data) })
		return notFull
	}
	ready := func() bool { return b.handler.NumberOfUndeliveredMessages() < c.cfg.MaxNumberOfUndelivered }
	return b.socket.Run(ctx, onRecv, ready)
}

func (c *Communication) handleDataDatagram(b *typeBundle, buf []byte) {
	common, err := wire.DecodeCommonHeader(buf)
	if err != nil {
		c.mx.DatagramsDropped.WithLabelValues(b.cfg.Name).Inc()
		return
	}

	switch common.DataType {
	case wire.HeartbeatType:
		b.handler.HandleHeartbeat(common.SenderID)
	case wire.AckType:
		ack, err := wire.DecodeAck(buf, c.cfg.SlidingWindowSize)
		if err != nil {
			c.mx.DatagramsDropped.WithLabelValues(b.cfg.Name).Inc()
			return
		}
		// Only the Acked sender ever awaits an ack; Unacked's HandleAck
		// is a no-op anyway, but acks are never addressed to it.
		b.acked.HandleAck(ack.Common.SenderID, ack.SendMethod, ack.SequenceNumber, ack.Missing)
	default:
		hdr, payload, err := wire.DecodeMessageHeader(buf)
		if err != nil {
			c.mx.DatagramsDropped.WithLabelValues(b.cfg.Name).Inc()
			return
		}
		if err := b.handler.ReceivedApplicationData(hdr, payload); err != nil {
			c.onFatal(err)
		}
	}
}

func (c *Communication) runDiscoverTimer(ctx context.Context) error {
	done := make(chan struct{})
	c.controlStrand.Post(func() { c.disc.ArmTimer(true); close(done) })
	select {
	case <-done:
	case <-ctx.Done():
		return nil
	}
	for {
		timerCh := c.disc.TimerChannel()
		select {
		case <-ctx.Done():
			return nil
		case <-timerCh:
			fired := make(chan struct{})
			c.controlStrand.Post(func() { c.disc.OnTick(); close(fired) })
			select {
			case <-fired:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (c *Communication) runSendQueueTimer(ctx context.Context, b *typeBundle) error {
	ticker := c.clk.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			b.strand.Post(b.acked.HandleSendQueue)
			b.strand.Post(b.unacked.HandleSendQueue)
		}
	}
}

func (c *Communication) runRetransmitTimer(ctx context.Context, b *typeBundle) error {
	// Polled faster than RetryTimeout so a due item is never missed by
	// more than one tick; RetransmitDue re-checks each item's own
	// deadline, so over-polling just costs an extra no-op scan.
	interval := b.cfg.RetryTimeout - 10*time.Millisecond
	if interval <= 0 {
		interval = b.cfg.RetryTimeout
	}
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := c.clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			b.strand.Post(b.acked.RetransmitDue)
		}
	}
}

func (c *Communication) runHeartbeatTimer(ctx context.Context, b *typeBundle) error {
	ticker := c.clk.NewTicker(b.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			b.strand.Post(b.beacon.Tick)
		}
	}
}
