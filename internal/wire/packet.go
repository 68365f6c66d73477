// Package wire implements the little-endian datagram encoding used by
// every layer of the reliability and agreement stack: the fixed 20-byte
// Packet header and the lattice PROPOSAL/ACCEPT payload encoding.
// Marshaling is hand-rolled field-by-field rather than reflection-based
// encoding.
package wire

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// PacketType distinguishes a DATA datagram from its ACK.
type PacketType uint32

const (
	Data PacketType = 0
	ACK  PacketType = 1
)

func (t PacketType) String() string {
	if t == ACK {
		return "ACK"
	}
	return "DATA"
}

// HeaderSize is the fixed wire size of a Packet header: origin_pid(8) +
// type(4) + seq_id(4) + payload_len(4).
const HeaderSize = 20

// Packet is the unit exchanged between peers on the wire.
type Packet struct {
	OriginPID uint64
	Type      PacketType
	SeqID     uint32
	Payload   []byte
}

// Key identifies a Packet for unacked/delivered-set membership, keyed by
// (origin_pid, seq_id).
type Key struct {
	OriginPID uint64
	SeqID     uint32
}

// Key returns this packet's dedup/ack key.
func (p *Packet) Key() Key {
	return Key{OriginPID: p.OriginPID, SeqID: p.SeqID}
}

// seqCounter is the process-global monotonic counter used to assign
// seq_id to originated DATA packets.
var seqCounter uint32

// NextSeqID returns the next value of the process-global sequence
// counter, starting at 1.
func NextSeqID() uint32 {
	return atomic.AddUint32(&seqCounter, 1)
}

// ResetSeqCounter rewinds the global counter; exported only for tests
// that need a deterministic starting sequence.
func ResetSeqCounter() {
	atomic.StoreUint32(&seqCounter, 0)
}

// NewData builds a DATA packet from the given origin, assigning it the
// next process-global seq_id.
func NewData(originPID uint64, payload []byte) *Packet {
	return &Packet{
		OriginPID: originPID,
		Type:      Data,
		SeqID:     NextSeqID(),
		Payload:   payload,
	}
}

// NewACK builds an ACK for the given key; ACKs copy the seq_id of the
// DATA packet they acknowledge.
func NewACK(key Key) *Packet {
	return &Packet{
		OriginPID: key.OriginPID,
		Type:      ACK,
		SeqID:     key.SeqID,
	}
}

// Encode serializes the packet to its wire form: 20-byte header,
// little-endian, followed by the payload.
func (p *Packet) Encode() []byte {
	buf := make([]byte, HeaderSize+len(p.Payload))
	binary.LittleEndian.PutUint64(buf[0:8], p.OriginPID)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(p.Type))
	binary.LittleEndian.PutUint32(buf[12:16], p.SeqID)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(p.Payload)))
	copy(buf[HeaderSize:], p.Payload)
	return buf
}

// Decode parses a Packet from its wire form. A datagram shorter than the
// fixed header, or whose declared payload length overruns the buffer, is
// malformed and yields an error; the caller drops the datagram rather
// than crashing the receiver.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("wire: short packet: %d bytes < header size %d", len(data), HeaderSize)
	}
	originPID := binary.LittleEndian.Uint64(data[0:8])
	typ := binary.LittleEndian.Uint32(data[8:12])
	seqID := binary.LittleEndian.Uint32(data[12:16])
	payloadLen := binary.LittleEndian.Uint32(data[16:20])

	if uint64(HeaderSize)+uint64(payloadLen) > uint64(len(data)) {
		return nil, fmt.Errorf("wire: declared payload length %d overruns %d-byte datagram", payloadLen, len(data))
	}

	payload := make([]byte, payloadLen)
	copy(payload, data[HeaderSize:HeaderSize+payloadLen])

	return &Packet{
		OriginPID: originPID,
		Type:      PacketType(typ),
		SeqID:     seqID,
		Payload:   payload,
	}, nil
}
