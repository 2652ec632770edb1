package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// NodeDescriptor is the gossip-exchanged identity record of spec
// section 6. Encoded with the same length-prefixed-string convention
// as the teacher's BitStream.WriteString/ReadString.
type NodeDescriptor struct {
	Name           string
	NodeID         int64
	NodeTypeID     int64
	ControlAddress string
	DataAddress    string
}

// Discover is the gossip "who's out there" ping of spec section 4.4.
type Discover struct {
	From     NodeDescriptor
	SentToID int64
}

// NodeInfo is one page of the paginated peer list reply of spec
// section 4.4.
type NodeInfo struct {
	SentFromID      int64
	SentToID        int64
	SentFromNode    NodeDescriptor
	Nodes           []NodeDescriptor
	NumberOfPackets int32
	PacketNumber    int32
}

const (
	envelopeDiscover byte = 1
	envelopeNodeInfo byte = 2
)

// EncodeDiscover serializes a Discover as a ControlDataType payload.
func EncodeDiscover(d Discover) []byte {
	w := newEnvelopeWriter()
	w.writeByte(envelopeDiscover)
	writeDescriptor(w, d.From)
	w.writeInt64(d.SentToID)
	return w.bytes()
}

// EncodeNodeInfo serializes a NodeInfo as a ControlDataType payload.
func EncodeNodeInfo(n NodeInfo) []byte {
	w := newEnvelopeWriter()
	w.writeByte(envelopeNodeInfo)
	w.writeInt64(n.SentFromID)
	w.writeInt64(n.SentToID)
	writeDescriptor(w, n.SentFromNode)
	w.writeInt32(int32(len(n.Nodes)))
	for _, d := range n.Nodes {
		writeDescriptor(w, d)
	}
	w.writeInt32(n.NumberOfPackets)
	w.writeInt32(n.PacketNumber)
	return w.bytes()
}

// DecodeEnvelope parses a ControlDataType payload into exactly one of
// the two oneof arms.
func DecodeEnvelope(buf []byte) (discover *Discover, nodeInfo *NodeInfo, err error) {
	r := newEnvelopeReader(buf)
	tag, err := r.readByte()
	if err != nil {
		return nil, nil, err
	}
	switch tag {
	case envelopeDiscover:
		d := Discover{}
		if d.From, err = readDescriptor(r); err != nil {
			return nil, nil, err
		}
		if d.SentToID, err = r.readInt64(); err != nil {
			return nil, nil, err
		}
		return &d, nil, nil
	case envelopeNodeInfo:
		n := NodeInfo{}
		if n.SentFromID, err = r.readInt64(); err != nil {
			return nil, nil, err
		}
		if n.SentToID, err = r.readInt64(); err != nil {
			return nil, nil, err
		}
		if n.SentFromNode, err = readDescriptor(r); err != nil {
			return nil, nil, err
		}
		count, err2 := r.readInt32()
		if err2 != nil {
			return nil, nil, err2
		}
		if count < 0 || int(count) > len(r.buf)-r.offset {
			return nil, nil, errors.Errorf("wire: node count %d does not fit the envelope", count)
		}
		n.Nodes = make([]NodeDescriptor, 0, count)
		for i := int32(0); i < count; i++ {
			d, derr := readDescriptor(r)
			if derr != nil {
				return nil, nil, derr
			}
			n.Nodes = append(n.Nodes, d)
		}
		if n.NumberOfPackets, err = r.readInt32(); err != nil {
			return nil, nil, err
		}
		if n.PacketNumber, err = r.readInt32(); err != nil {
			return nil, nil, err
		}
		return nil, &n, nil
	default:
		return nil, nil, errors.Errorf("wire: unknown envelope tag %d", tag)
	}
}

func writeDescriptor(w *envelopeWriter, d NodeDescriptor) {
	w.writeString(d.Name)
	w.writeInt64(d.NodeID)
	w.writeInt64(d.NodeTypeID)
	w.writeString(d.ControlAddress)
	w.writeString(d.DataAddress)
}

func readDescriptor(r *envelopeReader) (NodeDescriptor, error) {
	var d NodeDescriptor
	var err error
	if d.Name, err = r.readString(); err != nil {
		return d, err
	}
	if d.NodeID, err = r.readInt64(); err != nil {
		return d, err
	}
	if d.NodeTypeID, err = r.readInt64(); err != nil {
		return d, err
	}
	if d.ControlAddress, err = r.readString(); err != nil {
		return d, err
	}
	if d.DataAddress, err = r.readString(); err != nil {
		return d, err
	}
	return d, nil
}

// NodeDescriptorWireSize returns the exact encoded size of d (a 2-byte
// length prefix per string plus the two 8-byte ids), used by the
// Discoverer to compute NumberOfNodesPerNodeInfoMsg (spec section 4.4).
func NodeDescriptorWireSize(d NodeDescriptor) int {
	return 2 + len(d.Name) + 8 + 8 + 2 + len(d.ControlAddress) + 2 + len(d.DataAddress)
}

// envelopeWriter/envelopeReader: a minimal append-only binary cursor,
// generalized from the teacher's BitStream to the little-endian,
// length-prefixed-string encoding this protocol standardizes on.

type envelopeWriter struct {
	buf []byte
}

func newEnvelopeWriter() *envelopeWriter { return &envelopeWriter{} }

func (w *envelopeWriter) bytes() []byte { return w.buf }

func (w *envelopeWriter) writeByte(b byte) { w.buf = append(w.buf, b) }

func (w *envelopeWriter) writeInt32(v int32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(v))
	w.buf = append(w.buf, tmp[:]...)
}

func (w *envelopeWriter) writeInt64(v int64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(v))
	w.buf = append(w.buf, tmp[:]...)
}

func (w *envelopeWriter) writeString(s string) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], uint16(len(s)))
	w.buf = append(w.buf, tmp[:]...)
	w.buf = append(w.buf, s...)
}

type envelopeReader struct {
	buf    []byte
	offset int
}

func newEnvelopeReader(buf []byte) *envelopeReader { return &envelopeReader{buf: buf} }

func (r *envelopeReader) readByte() (byte, error) {
	if r.offset+1 > len(r.buf) {
		return 0, ErrShortDatagram
	}
	b := r.buf[r.offset]
	r.offset++
	return b, nil
}

func (r *envelopeReader) readInt32() (int32, error) {
	if r.offset+4 > len(r.buf) {
		return 0, ErrShortDatagram
	}
	v := int32(binary.LittleEndian.Uint32(r.buf[r.offset : r.offset+4]))
	r.offset += 4
	return v, nil
}

func (r *envelopeReader) readInt64() (int64, error) {
	if r.offset+8 > len(r.buf) {
		return 0, ErrShortDatagram
	}
	v := int64(binary.LittleEndian.Uint64(r.buf[r.offset : r.offset+8]))
	r.offset += 8
	return v, nil
}

func (r *envelopeReader) readString() (string, error) {
	if r.offset+2 > len(r.buf) {
		return "", ErrShortDatagram
	}
	n := int(binary.LittleEndian.Uint16(r.buf[r.offset : r.offset+2]))
	r.offset += 2
	if r.offset+n > len(r.buf) {
		return "", ErrShortDatagram
	}
	s := string(r.buf[r.offset : r.offset+n])
	r.offset += n
	return s, nil
}
