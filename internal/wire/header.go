// Package wire implements the Communication on-wire layout: the fixed
// Common Header and Message Header of spec section 6, and the Ack
// bitmap encoding. All multi-byte integers are little-endian, encoded
// field by field with encoding/binary — no unsafe casts, per the
// little-endian/alignment requirement of spec section 9.
//
// The field-by-field style mirrors the teacher's own BitStream
// reader/writer (pkg/raknet/protocol.go, source/protocol/raknet.go)
// generalized from RakNet's 24-bit/bit-packed fields to this
// protocol's fixed 52-byte Message Header.
package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Reserved dataType values (spec section 2/6).
const (
	HeartbeatType    int64 = -1
	AckType          int64 = -2
	ControlDataType  int64 = -3
	WelcomeDataType  int64 = -4
)

// SendMethod values (spec section 6).
const (
	SingleReceiver uint8 = 0
	MultiReceiver  uint8 = 1
)

// DeliveryGuarantee values (spec section 6).
const (
	Unacked uint8 = 0
	Acked   uint8 = 1
)

const (
	CommonHeaderSize  = 24
	MessageHeaderSize = 52
)

// ErrShortDatagram is returned when a datagram is smaller than a
// header it is being decoded as. This is a recoverable transport
// condition per spec section 7, never a protocol invariant violation.
var ErrShortDatagram = errors.New("wire: datagram shorter than header")

// CommonHeader is present on every datagram (spec section 6).
type CommonHeader struct {
	SenderID   int64
	ReceiverID int64
	DataType   int64
}

func (h CommonHeader) Encode() []byte {
	buf := make([]byte, CommonHeaderSize)
	h.EncodeInto(buf)
	return buf
}

func (h CommonHeader) EncodeInto(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(h.SenderID))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.ReceiverID))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(h.DataType))
}

func DecodeCommonHeader(buf []byte) (CommonHeader, error) {
	if len(buf) < CommonHeaderSize {
		return CommonHeader{}, ErrShortDatagram
	}
	return CommonHeader{
		SenderID:   int64(binary.LittleEndian.Uint64(buf[0:8])),
		ReceiverID: int64(binary.LittleEndian.Uint64(buf[8:16])),
		DataType:   int64(binary.LittleEndian.Uint64(buf[16:24])),
	}, nil
}

// MessageHeader follows CommonHeader for application/control/welcome
// datagrams (spec section 6).
type MessageHeader struct {
	Common              CommonHeader
	SendMethod          uint8
	DeliveryGuarantee   uint8
	AckNow              bool
	SequenceNumber      uint64
	TotalContentSize    uint32
	FragmentOffset      uint32
	FragmentContentSize uint32
	FragmentNumber      uint16
	NumberOfFragments   uint16
}

func (h MessageHeader) Encode(payload []byte) []byte {
	buf := make([]byte, MessageHeaderSize+len(payload))
	h.Common.EncodeInto(buf[0:CommonHeaderSize])
	buf[24] = h.SendMethod
	buf[25] = h.DeliveryGuarantee
	if h.AckNow {
		buf[26] = 1
	}
	buf[27] = 0
	binary.LittleEndian.PutUint64(buf[28:36], h.SequenceNumber)
	binary.LittleEndian.PutUint32(buf[36:40], h.TotalContentSize)
	binary.LittleEndian.PutUint32(buf[40:44], h.FragmentOffset)
	binary.LittleEndian.PutUint32(buf[44:48], h.FragmentContentSize)
	binary.LittleEndian.PutUint16(buf[48:50], h.FragmentNumber)
	binary.LittleEndian.PutUint16(buf[50:52], h.NumberOfFragments)
	copy(buf[MessageHeaderSize:], payload)
	return buf
}

func DecodeMessageHeader(buf []byte) (MessageHeader, []byte, error) {
	common, err := DecodeCommonHeader(buf)
	if err != nil {
		return MessageHeader{}, nil, err
	}
	if len(buf) < MessageHeaderSize {
		return MessageHeader{}, nil, ErrShortDatagram
	}
	h := MessageHeader{
		Common:              common,
		SendMethod:          buf[24],
		DeliveryGuarantee:   buf[25],
		AckNow:              buf[26] != 0,
		SequenceNumber:      binary.LittleEndian.Uint64(buf[28:36]),
		TotalContentSize:    binary.LittleEndian.Uint32(buf[36:40]),
		FragmentOffset:      binary.LittleEndian.Uint32(buf[40:44]),
		FragmentContentSize: binary.LittleEndian.Uint32(buf[44:48]),
		FragmentNumber:      binary.LittleEndian.Uint16(buf[48:50]),
		NumberOfFragments:   binary.LittleEndian.Uint16(buf[50:52]),
	}
	payload := buf[MessageHeaderSize:]
	if uint32(len(payload)) < h.FragmentContentSize {
		return MessageHeader{}, nil, ErrShortDatagram
	}
	return h, payload[:h.FragmentContentSize], nil
}

// FragmentDataSize returns the maximum fragment payload size for a
// given FragmentSize configuration value (spec section 6).
func FragmentDataSize(fragmentSize int) int {
	return fragmentSize - MessageHeaderSize
}
