// Package discoverer implements C4: the gossip protocol that
// maintains seeds/known/reported/incomplete/excluded peer sets,
// periodically emits Discover, replies with paginated NodeInfo, and
// surfaces newly-contacted peers (spec section 4.4). The five-set
// state machine plays the role the teacher's RakNet Session state
// field (pkg/raknet/protocol.go STATE_UNCONNECTED..STATE_IN_GAME)
// plays for one connection, generalized to a swarm of peers with no
// central connect/accept handshake — convergence instead comes from
// periodic re-announcement, the same "keep pinging until acked" idea
// behind RakNet's ID_UNCONNECTED_PING/ID_UNCONNECTED_PONG exchange
// (source/protocol/raknet.go).
package discoverer

import (
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/safircore/communication/internal/clock"
	"github.com/safircore/communication/internal/metrics"
	"github.com/safircore/communication/internal/wire"
)

// ErrLightNodeMisconfiguration is the fatal configuration error of
// spec section 4.4: two lightNodes discovering each other.
var ErrLightNodeMisconfiguration = errors.New("discoverer: two lightNodes configured to discover each other")

// Writer is the narrow send surface Discoverer needs (spec section 4.4).
type Writer interface {
	WriteUnicast(addr string, buf []byte) error
}

// excludedEntry is one entry of spec section 3's excludedNodes map.
type excludedEntry struct {
	until        *time.Time // nil means excluded forever
	seedAddress  string     // re-seeded on expiry, if non-empty
}

// incompleteEntry tracks which NodeInfo pages we've received from a
// peer that is still paginating to us (spec section 4.4).
type incompleteEntry struct {
	receivedPages []bool
}

// Config is the static configuration of one Discoverer instance (spec
// section 4.4/6).
type Config struct {
	SelfID                     int64
	SelfName                   string
	SelfNodeTypeID             int64
	SelfUnicastEndpoint        string
	SelfDataAddress            string
	IsLightNode                bool
	LightNodeTypes             map[int64]bool
	LightNodesExcludeTimeLimit time.Duration
	FragmentSize               int
}

// Callbacks are the upper-layer hooks Discoverer drives.
type Callbacks struct {
	NewNode     func(desc wire.NodeDescriptor)
	ExcludeNode func(id int64)
	Fatal       func(err error)
}

// Discoverer is C4. All exported methods are expected to run on the
// owning strand.
type Discoverer struct {
	cfg Config
	clk clock.Clock
	w   Writer
	cb  Callbacks
	log *logrus.Entry
	mx  *metrics.Set

	seeds         map[int64]wire.NodeDescriptor
	nodes         map[int64]wire.NodeDescriptor
	reportedNodes map[int64]wire.NodeDescriptor
	incompleteNodes map[int64]*incompleteEntry
	excludedNodes map[int64]excludedEntry

	replyLimiters map[int64]*rate.Limiter

	timer clock.Timer
}

func New(cfg Config, clk clock.Clock, w Writer, cb Callbacks, log *logrus.Entry, mx *metrics.Set) *Discoverer {
	return &Discoverer{
		cfg:             cfg,
		clk:             clk,
		w:               w,
		cb:              cb,
		log:             log,
		mx:              mx,
		seeds:           make(map[int64]wire.NodeDescriptor),
		nodes:           make(map[int64]wire.NodeDescriptor),
		reportedNodes:   make(map[int64]wire.NodeDescriptor),
		incompleteNodes: make(map[int64]*incompleteEntry),
		excludedNodes:   make(map[int64]excludedEntry),
		replyLimiters:   make(map[int64]*rate.Limiter),
	}
}

// seedIDFromAddress hashes a seed address string into a placeholder
// NodeId, since a seed has no real node on the far side yet (spec
// section 4.4). FNV-1a keeps this collision-resistant enough for the
// bootstrap set without pulling in a new dependency for one hash.
func seedIDFromAddress(addr string) int64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(addr); i++ {
		h ^= uint64(addr[i])
		h *= 1099511628211
	}
	id := int64(h)
	if id == 0 {
		id = 1
	}
	if id < 0 {
		id = -id
	}
	return id
}

// InjectSeeds adds bootstrap addresses to the seed set (spec section
// 4.8's injectSeeds). Each address becomes a synthetic seed entry
// keyed by a hash of the address until it answers and becomes a real
// node.
func (d *Discoverer) InjectSeeds(addresses []string) {
	for _, addr := range addresses {
		id := seedIDFromAddress(addr)
		if d.isKnownElsewhere(id) {
			continue
		}
		d.seeds[id] = wire.NodeDescriptor{Name: "seed", NodeID: 0, ControlAddress: addr}
	}
	d.updateGauges()
}

func (d *Discoverer) isKnownElsewhere(id int64) bool {
	if _, ok := d.nodes[id]; ok {
		return true
	}
	if _, ok := d.reportedNodes[id]; ok {
		return true
	}
	if _, ok := d.excludedNodes[id]; ok {
		return true
	}
	return false
}

// ArmTimer schedules the next discover tick with the spec's jittered
// delay (spec section 4.4): [0,1000ms] on first arm, [500ms,3000ms]
// thereafter.
func (d *Discoverer) ArmTimer(initial bool) {
	var delay time.Duration
	if initial {
		delay = time.Duration(rand.Int63n(int64(1000 * time.Millisecond)))
	} else {
		delay = 500*time.Millisecond + time.Duration(rand.Int63n(int64(2500*time.Millisecond)))
	}
	d.timer = d.clk.NewTimer(delay)
}

// TimerChannel exposes the armed timer's fire channel to the owning
// strand's select loop.
func (d *Discoverer) TimerChannel() <-chan time.Time {
	if d.timer == nil {
		return nil
	}
	return d.timer.C()
}

// OnTick runs one discover-timer firing: purge expired exclusions,
// then emit Discover to every seed/reported/incomplete peer (spec
// section 4.4).
func (d *Discoverer) OnTick() {
	d.purgeExpiredExclusions()
	d.emitDiscover()
	d.ArmTimer(false)
}

func (d *Discoverer) purgeExpiredExclusions() {
	now := d.clk.Now()
	for id, entry := range d.excludedNodes {
		if entry.until == nil || now.Before(*entry.until) {
			continue
		}
		delete(d.excludedNodes, id)
		if entry.seedAddress != "" {
			seedID := seedIDFromAddress(entry.seedAddress)
			d.seeds[seedID] = wire.NodeDescriptor{Name: "seed", NodeID: 0, ControlAddress: entry.seedAddress}
		}
	}
}

func (d *Discoverer) emitDiscover() {
	targets := make(map[int64]string)
	for id, desc := range d.seeds {
		targets[id] = desc.ControlAddress
	}
	for id, desc := range d.reportedNodes {
		targets[id] = desc.ControlAddress
	}
	for id := range d.incompleteNodes {
		if desc, ok := d.nodes[id]; ok {
			targets[id] = desc.ControlAddress
		}
	}
	if len(targets) == 0 {
		return
	}
	msg := wire.Discover{From: d.selfDescriptor()}
	for id, addr := range targets {
		m := msg
		m.SentToID = id
		buf := wire.EncodeDiscover(m)
		if err := d.w.WriteUnicast(addr, buf); err != nil {
			d.log.WithError(err).WithField("peer", id).Debug("discover send failed")
			continue
		}
		d.mx.DiscoverSent.Inc()
	}
}

func (d *Discoverer) selfDescriptor() wire.NodeDescriptor {
	dataAddr := d.cfg.SelfDataAddress
	if dataAddr == "" {
		dataAddr = d.cfg.SelfUnicastEndpoint
	}
	return wire.NodeDescriptor{
		Name:           d.cfg.SelfName,
		NodeID:         d.cfg.SelfID,
		NodeTypeID:     d.cfg.SelfNodeTypeID,
		ControlAddress: d.cfg.SelfUnicastEndpoint,
		DataAddress:    dataAddr,
	}
}

func (d *Discoverer) isLightNodeType(nodeTypeID int64) bool {
	return d.cfg.LightNodeTypes[nodeTypeID]
}

// HandleDiscover processes an inbound Discover (spec section 4.4).
func (d *Discoverer) HandleDiscover(msg wire.Discover, fromAddr string) error {
	if msg.From.NodeID == d.cfg.SelfID {
		// We were in our own seed table under our own address.
		delete(d.seeds, seedIDFromAddress(msg.From.ControlAddress))
		return nil
	}
	if d.cfg.IsLightNode && d.isLightNodeType(msg.From.NodeTypeID) {
		err := errors.Wrapf(ErrLightNodeMisconfiguration, "self node %d and peer %d are both lightNodes", d.cfg.SelfID, msg.From.NodeID)
		if d.cb.Fatal != nil {
			d.cb.Fatal(err)
		}
		return err
	}
	if d.isExcluded(msg.From.NodeID) {
		return nil
	}
	if _, known := d.nodes[msg.From.NodeID]; !known {
		d.addNewNode(msg.From)
	}
	d.sendNodeInfo(msg.From)
	return nil
}

func (d *Discoverer) isExcluded(id int64) bool {
	_, ok := d.excludedNodes[id]
	return ok
}

func (d *Discoverer) addNewNode(desc wire.NodeDescriptor) {
	d.nodes[desc.NodeID] = desc
	d.incompleteNodes[desc.NodeID] = &incompleteEntry{}
	delete(d.seeds, seedIDFromAddress(desc.ControlAddress))
	delete(d.reportedNodes, desc.NodeID)
	d.mx.NewNodeEvents.Inc()
	d.updateGauges()
	if d.cb.NewNode != nil {
		d.cb.NewNode(desc)
	}
}

// sendNodeInfo emits the paginated NodeInfo reply to requester (spec
// section 4.4).
func (d *Discoverer) sendNodeInfo(requester wire.NodeDescriptor) {
	limiter, ok := d.replyLimiters[requester.NodeID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(100*time.Millisecond), 5)
		d.replyLimiters[requester.NodeID] = limiter
	}
	if !limiter.Allow() {
		return
	}

	if d.cfg.IsLightNode {
		// A lightNode shares only itself, in exactly one packet.
		d.sendNodeInfoPacket(requester, []wire.NodeDescriptor{}, 1, 0)
		return
	}

	pool := d.nodeInfoPool(requester)

	perPacket := d.nodesPerPacket()
	numberOfPackets := (len(pool) + perPacket - 1) / perPacket
	if numberOfPackets == 0 {
		numberOfPackets = 1 // always emit at least one, even if empty
	}
	for p := 0; p < numberOfPackets; p++ {
		start := p * perPacket
		end := start + perPacket
		if end > len(pool) {
			end = len(pool)
		}
		d.sendNodeInfoPacket(requester, pool[start:end], numberOfPackets, p)
	}
}

// nodeInfoPool computes the set of descriptors we are willing to share
// with requester (spec section 4.4): our seeds plus our nodes, minus
// any lightNode entries when requester is itself a lightNode.
func (d *Discoverer) nodeInfoPool(requester wire.NodeDescriptor) []wire.NodeDescriptor {
	var pool []wire.NodeDescriptor
	for _, desc := range d.seeds {
		pool = append(pool, desc)
	}
	requesterIsLight := d.isLightNodeType(requester.NodeTypeID)
	for _, desc := range d.nodes {
		if requesterIsLight && d.isLightNodeType(desc.NodeTypeID) {
			continue // never share a lightNode with a lightNode
		}
		pool = append(pool, desc)
	}
	return pool
}

func (d *Discoverer) nodesPerPacket() int {
	fixedSize := 8 + 8 + wire.NodeDescriptorWireSize(d.selfDescriptor()) + 4 + 4
	perNode := wire.NodeDescriptorWireSize(wire.NodeDescriptor{Name: "0123456789012345", ControlAddress: "255.255.255.255:65535", DataAddress: "255.255.255.255:65535"})
	n := (d.cfg.FragmentSize - fixedSize) / perNode
	if n < 1 {
		n = 1
	}
	return n
}

func (d *Discoverer) sendNodeInfoPacket(to wire.NodeDescriptor, nodes []wire.NodeDescriptor, numberOfPackets, packetNumber int) {
	ni := wire.NodeInfo{
		SentFromID:      d.cfg.SelfID,
		SentToID:        to.NodeID,
		SentFromNode:    d.selfDescriptor(),
		Nodes:           nodes,
		NumberOfPackets: int32(numberOfPackets),
		PacketNumber:    int32(packetNumber),
	}
	if err := d.w.WriteUnicast(to.ControlAddress, wire.EncodeNodeInfo(ni)); err != nil {
		d.log.WithError(err).WithField("peer", to.NodeID).Debug("node info send failed")
		return
	}
	d.mx.NodeInfoSent.Inc()
}

// HandleNodeInfo processes an inbound NodeInfo page (spec section 4.4).
func (d *Discoverer) HandleNodeInfo(msg wire.NodeInfo) error {
	if d.isExcluded(msg.SentFromNode.NodeID) {
		return nil
	}
	if d.cfg.IsLightNode && d.isLightNodeType(msg.SentFromNode.NodeTypeID) {
		err := errors.Wrapf(ErrLightNodeMisconfiguration, "self node %d and peer %d are both lightNodes", d.cfg.SelfID, msg.SentFromNode.NodeID)
		if d.cb.Fatal != nil {
			d.cb.Fatal(err)
		}
		return err
	}

	delete(d.seeds, seedIDFromAddress(msg.SentFromNode.ControlAddress))
	delete(d.reportedNodes, msg.SentFromNode.NodeID)
	if _, known := d.nodes[msg.SentFromNode.NodeID]; !known {
		d.addNewNode(msg.SentFromNode)
	}

	entry, ok := d.incompleteNodes[msg.SentFromNode.NodeID]
	if !ok {
		entry = &incompleteEntry{}
		d.incompleteNodes[msg.SentFromNode.NodeID] = entry
	}
	if len(entry.receivedPages) != int(msg.NumberOfPackets) {
		entry.receivedPages = make([]bool, msg.NumberOfPackets)
	}
	if msg.PacketNumber >= 0 && int(msg.PacketNumber) < len(entry.receivedPages) {
		entry.receivedPages[msg.PacketNumber] = true
	}
	allReceived := true
	for _, got := range entry.receivedPages {
		if !got {
			allReceived = false
			break
		}
	}
	if allReceived {
		delete(d.incompleteNodes, msg.SentFromNode.NodeID)
	}

	for _, listed := range msg.Nodes {
		if d.isExcluded(listed.NodeID) {
			continue
		}
		if listed.NodeID == 0 && listed.Name == "seed" {
			seedID := seedIDFromAddress(listed.ControlAddress)
			if _, already := d.seeds[seedID]; !already {
				d.seeds[seedID] = listed
			}
			continue
		}
		if listed.NodeID == d.cfg.SelfID {
			continue
		}
		if _, known := d.nodes[listed.NodeID]; known {
			continue
		}
		if _, alreadyReported := d.reportedNodes[listed.NodeID]; alreadyReported {
			continue
		}
		d.reportedNodes[listed.NodeID] = listed
	}
	d.updateGauges()
	return nil
}

// ExcludeNode removes a peer and applies the role-dependent exclusion
// policy of spec section 4.4.
func (d *Discoverer) ExcludeNode(id int64) {
	desc, known := d.nodes[id]
	seedAddr := ""
	if known {
		seedAddr = d.seedAddressFor(id)
	}

	switch {
	case d.cfg.IsLightNode:
		until := d.clk.Now().Add(d.cfg.LightNodesExcludeTimeLimit)
		d.excludedNodes[id] = excludedEntry{until: &until, seedAddress: seedAddr}
	case known && d.isLightNodeType(desc.NodeTypeID):
		// Ordinary node excluding a lightNode: do not record the
		// exclusion at all, but re-seed its address (see seedAddressFor).
		if seedAddr != "" {
			seedID := seedIDFromAddress(seedAddr)
			d.seeds[seedID] = wire.NodeDescriptor{Name: "seed", NodeID: 0, ControlAddress: seedAddr}
		}
	default:
		d.excludedNodes[id] = excludedEntry{until: nil}
	}

	delete(d.nodes, id)
	delete(d.reportedNodes, id)
	delete(d.incompleteNodes, id)
	delete(d.replyLimiters, id)
	d.mx.ExcludeNodeEvents.Inc()
	d.updateGauges()
	if d.cb.ExcludeNode != nil {
		d.cb.ExcludeNode(id)
	}
}

// seedAddressFor returns the control address to re-seed with: the
// current control address of any known node, or "" for an unknown id.
// The Discoverer does not record whether a known node was once one of
// our seeds, so every known node is treated as a former seed.
func (d *Discoverer) seedAddressFor(id int64) string {
	if desc, ok := d.nodes[id]; ok {
		return desc.ControlAddress
	}
	return ""
}

func (d *Discoverer) updateGauges() {
	d.mx.DiscovererKnownNodes.WithLabelValues("seeds").Set(float64(len(d.seeds)))
	d.mx.DiscovererKnownNodes.WithLabelValues("nodes").Set(float64(len(d.nodes)))
	d.mx.DiscovererKnownNodes.WithLabelValues("reported").Set(float64(len(d.reportedNodes)))
	d.mx.DiscovererKnownNodes.WithLabelValues("incomplete").Set(float64(len(d.incompleteNodes)))
	d.mx.DiscovererKnownNodes.WithLabelValues("excluded").Set(float64(len(d.excludedNodes)))
}

// Nodes returns a snapshot of currently known peers, for tests and for
// the facade to resolve endpoints.
func (d *Discoverer) Nodes() map[int64]wire.NodeDescriptor {
	out := make(map[int64]wire.NodeDescriptor, len(d.nodes))
	for k, v := range d.nodes {
		out[k] = v
	}
	return out
}

// ExcludedUntil exposes one excluded entry's expiry for tests (spec
// section 8, scenario 6).
func (d *Discoverer) ExcludedUntil(id int64) (until *time.Time, seedAddress string, ok bool) {
	e, found := d.excludedNodes[id]
	if !found {
		return nil, "", false
	}
	return e.until, e.seedAddress, true
}

func (d *Discoverer) HasSeed(addr string) bool {
	_, ok := d.seeds[seedIDFromAddress(addr)]
	return ok
}
