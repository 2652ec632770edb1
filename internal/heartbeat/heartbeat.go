// Package heartbeat implements C7: periodic liveness beacons to
// system peers, per node type (spec section 4.7).
package heartbeat

import (
	"github.com/sirupsen/logrus"

	"github.com/safircore/communication/internal/metrics"
	"github.com/safircore/communication/internal/nodetable"
	"github.com/safircore/communication/internal/wire"
)

// Writer is the narrow send surface Heartbeat needs.
type Writer interface {
	WriteUnicast(addr string, buf []byte) error
	WriteMulticast(buf []byte) error
	HasMulticast() bool
}

// Beacon is one per-node-type heartbeat source.
type Beacon struct {
	selfID     int64
	nodeTypeID int64
	table      *nodetable.Table
	writer     Writer
	log        *logrus.Entry
	mx         *metrics.Set
}

func New(selfID, nodeTypeID int64, table *nodetable.Table, writer Writer, log *logrus.Entry, mx *metrics.Set) *Beacon {
	return &Beacon{selfID: selfID, nodeTypeID: nodeTypeID, table: table, writer: writer, log: log, mx: mx}
}

// Tick sends one heartbeat round to every system peer of this node
// type (spec section 4.7): multicast if available, else unicast to
// each.
func (b *Beacon) Tick() {
	hdr := wire.CommonHeader{SenderID: b.selfID, DataType: wire.HeartbeatType}
	buf := hdr.Encode()

	if b.writer.HasMulticast() {
		if err := b.writer.WriteMulticast(buf); err != nil {
			b.log.WithError(err).Warn("heartbeat multicast failed")
			return
		}
		b.mx.HeartbeatsSent.Inc()
		return
	}

	b.table.Iter(func(n *nodetable.Node) {
		if !n.IsSystemNode || n.NodeTypeID != b.nodeTypeID {
			return
		}
		// Log and move on to the next peer: one peer's send failure
		// must not stop the rest of the fan-out from receiving theirs.
		if err := b.writer.WriteUnicast(n.UnicastEndpoint.String(), buf); err != nil {
			b.log.WithError(err).WithField("peer", n.NodeID).Warn("heartbeat unicast failed")
			return
		}
		b.mx.HeartbeatsSent.Inc()
	})
}
