package wire

import "encoding/binary"

// AckFixedSize is the size of an Ack up to (but not including) the
// missing bitmap, whose length depends on the configured window size.
const AckFixedSize = CommonHeaderSize + 1 + 8

// Ack is the selective-ack message of spec section 6. Missing[i] == true
// means the slot for BiggestSequence-i has not yet been received.
type Ack struct {
	Common         CommonHeader
	SendMethod     uint8
	SequenceNumber uint64 // == biggestSequence at the acker
	Missing        []bool // length == window size
}

func (a Ack) Encode() []byte {
	bitmapBytes := (len(a.Missing) + 7) / 8
	buf := make([]byte, AckFixedSize+bitmapBytes)
	a.Common.EncodeInto(buf[0:CommonHeaderSize])
	buf[24] = a.SendMethod
	binary.LittleEndian.PutUint64(buf[25:33], a.SequenceNumber)
	for i, missing := range a.Missing {
		if missing {
			buf[33+i/8] |= 1 << uint(i%8)
		}
	}
	return buf
}

func DecodeAck(buf []byte, windowSize int) (Ack, error) {
	common, err := DecodeCommonHeader(buf)
	if err != nil {
		return Ack{}, err
	}
	if len(buf) < AckFixedSize {
		return Ack{}, ErrShortDatagram
	}
	bitmapBytes := (windowSize + 7) / 8
	if len(buf) < AckFixedSize+bitmapBytes {
		return Ack{}, ErrShortDatagram
	}
	a := Ack{
		Common:         common,
		SendMethod:     buf[24],
		SequenceNumber: binary.LittleEndian.Uint64(buf[25:33]),
		Missing:        make([]bool, windowSize),
	}
	for i := 0; i < windowSize; i++ {
		a.Missing[i] = buf[33+i/8]&(1<<uint(i%8)) != 0
	}
	return a, nil
}
