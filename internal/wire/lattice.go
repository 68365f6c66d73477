package wire

import (
	"encoding/binary"
	"fmt"
)

// LatticeMsgType tags the payload of a lattice-agreement datagram.
type LatticeMsgType byte

const (
	MsgProposal LatticeMsgType = 0
	MsgAck      LatticeMsgType = 1
	MsgNack     LatticeMsgType = 2
)

// Proposal carries one round's PROPOSAL(r, apn, T) for a single round.
type Proposal struct {
	Round                uint32
	ActiveProposalNumber uint32
	Values               []uint32
}

// ProposalBatch is the payload of a DATA packet carrying up to
// constants.MaxProposalsPerPacket PROPOSAL entries: u32 count, then count
// items of {u32 n_values, n_values x u32, u32 apn} with the per-proposal
// round number riding alongside each entry so a single batch can span
// multiple rounds.
type ProposalBatch struct {
	Proposals []RoundProposal
}

// RoundProposal pairs a round index with its Proposal payload.
type RoundProposal struct {
	Round    uint32
	Proposal Proposal
}

// Accept is one ACK or NACK reply to a proposal round.
type Accept struct {
	Round                uint32
	Nack                 bool
	ActiveProposalNumber uint32
	Values               []uint32 // only populated for NACK (the accepted-after set U)
}

// AcceptBatch is the payload of a DATA packet carrying up to
// constants.MaxProposalsPerPacket Accept entries: u32 count, then count
// items of {u8 nack_flag, u32 proposal_number, u32 n_values, n_values x
// u32}, again with the round index riding alongside.
type AcceptBatch struct {
	Accepts []RoundAccept
}

// RoundAccept pairs a round index with its Accept payload.
type RoundAccept struct {
	Round  uint32
	Accept Accept
}

// EncodeProposalBatch serializes a ProposalBatch: type tag MsgProposal,
// u32 count, then per entry {u32 round, u32 n_values, n_values x u32, u32 apn}.
func EncodeProposalBatch(b ProposalBatch) []byte {
	size := 1 + 4
	for _, rp := range b.Proposals {
		size += 4 + 4 + 4 + 4*len(rp.Proposal.Values)
	}
	buf := make([]byte, size)
	buf[0] = byte(MsgProposal)
	off := 1
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(b.Proposals)))
	off += 4
	for _, rp := range b.Proposals {
		binary.LittleEndian.PutUint32(buf[off:], rp.Round)
		off += 4
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(rp.Proposal.Values)))
		off += 4
		for _, v := range rp.Proposal.Values {
			binary.LittleEndian.PutUint32(buf[off:], v)
			off += 4
		}
		binary.LittleEndian.PutUint32(buf[off:], rp.Proposal.ActiveProposalNumber)
		off += 4
	}
	return buf
}

// DecodeProposalBatch parses the payload produced by EncodeProposalBatch.
// payload must already have had its leading type byte consumed by the
// caller's dispatch on payload[0].
func DecodeProposalBatch(payload []byte) (ProposalBatch, error) {
	if len(payload) < 4 {
		return ProposalBatch{}, fmt.Errorf("wire: proposal batch too short")
	}
	count := binary.LittleEndian.Uint32(payload[0:4])
	off := 4
	out := ProposalBatch{Proposals: make([]RoundProposal, 0, count)}
	for i := uint32(0); i < count; i++ {
		if off+8 > len(payload) {
			return ProposalBatch{}, fmt.Errorf("wire: truncated proposal entry %d", i)
		}
		round := binary.LittleEndian.Uint32(payload[off:])
		off += 4
		nValues := binary.LittleEndian.Uint32(payload[off:])
		off += 4
		if off+int(nValues)*4+4 > len(payload) {
			return ProposalBatch{}, fmt.Errorf("wire: truncated proposal values for entry %d", i)
		}
		values := make([]uint32, nValues)
		for j := range values {
			values[j] = binary.LittleEndian.Uint32(payload[off:])
			off += 4
		}
		apn := binary.LittleEndian.Uint32(payload[off:])
		off += 4
		out.Proposals = append(out.Proposals, RoundProposal{
			Round: round,
			Proposal: Proposal{
				Round:                round,
				ActiveProposalNumber: apn,
				Values:               values,
			},
		})
	}
	return out, nil
}

// EncodeAcceptBatch serializes an AcceptBatch. Since ACK and NACK share a
// frame here, every entry carries its own nack_flag byte and the outer
// tag is always MsgAck; the NACK/ACK distinction lives in the per-entry
// flag.
func EncodeAcceptBatch(b AcceptBatch) []byte {
	size := 1 + 4
	for _, ra := range b.Accepts {
		size += 1 + 4 + 4 + 4*len(ra.Accept.Values)
	}
	buf := make([]byte, size)
	buf[0] = byte(MsgAck)
	off := 1
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(b.Accepts)))
	off += 4
	for _, ra := range b.Accepts {
		if ra.Accept.Nack {
			buf[off] = 1
		} else {
			buf[off] = 0
		}
		off++
		binary.LittleEndian.PutUint32(buf[off:], ra.Round)
		off += 4
		// proposal_number field in the wire layout actually carries the
		// round for re-demux on the receiver; the active proposal number
		// that's being ACKed/NACKed rides in the next field.
		binary.LittleEndian.PutUint32(buf[off:], ra.Accept.ActiveProposalNumber)
		off += 4
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(ra.Accept.Values)))
		off += 4
		for _, v := range ra.Accept.Values {
			binary.LittleEndian.PutUint32(buf[off:], v)
			off += 4
		}
	}
	return buf
}

// DecodeAcceptBatch parses the payload produced by EncodeAcceptBatch,
// with the leading type byte already consumed.
func DecodeAcceptBatch(payload []byte) (AcceptBatch, error) {
	if len(payload) < 4 {
		return AcceptBatch{}, fmt.Errorf("wire: accept batch too short")
	}
	count := binary.LittleEndian.Uint32(payload[0:4])
	off := 4
	out := AcceptBatch{Accepts: make([]RoundAccept, 0, count)}
	for i := uint32(0); i < count; i++ {
		if off+1+4+4+4 > len(payload) {
			return AcceptBatch{}, fmt.Errorf("wire: truncated accept entry %d", i)
		}
		nack := payload[off] == 1
		off++
		round := binary.LittleEndian.Uint32(payload[off:])
		off += 4
		apn := binary.LittleEndian.Uint32(payload[off:])
		off += 4
		nValues := binary.LittleEndian.Uint32(payload[off:])
		off += 4
		if off+int(nValues)*4 > len(payload) {
			return AcceptBatch{}, fmt.Errorf("wire: truncated accept values for entry %d", i)
		}
		values := make([]uint32, nValues)
		for j := range values {
			values[j] = binary.LittleEndian.Uint32(payload[off:])
			off += 4
		}
		out.Accepts = append(out.Accepts, RoundAccept{
			Round: round,
			Accept: Accept{
				Round:                round,
				Nack:                 nack,
				ActiveProposalNumber: apn,
				Values:               values,
			},
		})
	}
	return out, nil
}

// PeekMsgType reads the leading type-tag byte of a lattice payload
// without consuming it, so the caller can dispatch before decoding.
func PeekMsgType(payload []byte) (LatticeMsgType, error) {
	if len(payload) < 1 {
		return 0, fmt.Errorf("wire: empty lattice payload")
	}
	return LatticeMsgType(payload[0]), nil
}
