// Package lattice implements multi-round, multi-shot lattice agreement
// over best-effort point-to-point sends on top of internal/links.PerfectLink,
// sharing internal/broadcast.URB's sharded-state-plus-majority-check shape
// but without URB's echo-relay or majority-delivery semantics: each round
// here terminates locally once its proposer observes a majority of ACKs,
// with no decision ever sent on the network.
package lattice

import (
	"sync"

	"github.com/kvant-labs/dalink/internal/dalerr"
	"github.com/kvant-labs/dalink/internal/hostconf"
	"github.com/kvant-labs/dalink/internal/wire"
)

// Sender is the subset of internal/links.PerfectLink's API lattice needs:
// a point-to-point send to one peer, plus the full peer id list for
// best-effort fan-out of proposals.
type Sender interface {
	Send(peer uint64, packets ...*wire.Packet) error
	Peers() []uint64
}

// DecisionFunc is invoked once per round, strictly in ascending round
// order, as soon as that round's decision and every round before it have
// been decided.
type DecisionFunc func(round uint32, values []uint32)

// Agreement runs one independent lattice-agreement instance per round
// slot: a vector of rounds sized to the number of proposal slots.
type Agreement struct {
	selfID uint64
	sender Sender
	f      int // majority threshold, floor(N/2)+1 (spec glossary: "f")

	rounds []roundState

	decMu      sync.Mutex
	decisions  map[uint32][]uint32
	nextOutput uint32
	numRounds  uint32
	emit       DecisionFunc
}

type roundState struct {
	mu        sync.Mutex
	active    bool
	decided   bool
	proposed  Set
	accepted  Set
	apn       uint32
	ackCount  int
	nackCount int
}

// terminationAction is what checkTerminationLocked decided to do, applied
// by the caller after releasing the round lock: locks are never held
// across I/O.
type terminationAction struct {
	decide      bool
	rebroadcast bool
	apn         uint32
	values      []uint32
}

// New constructs an Agreement with numRounds independent round slots.
func New(selfID uint64, hosts *hostconf.HostSet, numRounds int, sender Sender, emit DecisionFunc) *Agreement {
	a := &Agreement{
		selfID:    selfID,
		sender:    sender,
		f:         hosts.Majority(),
		rounds:    make([]roundState, numRounds),
		decisions: make(map[uint32][]uint32),
		numRounds: uint32(numRounds),
		emit:      emit,
	}
	for i := range a.rounds {
		a.rounds[i].proposed = make(Set)
		a.rounds[i].accepted = make(Set)
	}
	return a
}

// ProposeAll kicks off every round slot with its initial value set, one
// per line of the lattice run-configuration file.
func (a *Agreement) ProposeAll(values [][]uint32) {
	for r, vs := range values {
		a.Propose(uint32(r), vs)
	}
}

// Propose starts (or retries) round with proposal set values.
func (a *Agreement) Propose(round uint32, values []uint32) {
	rs := &a.rounds[round]
	rs.mu.Lock()
	rs.proposed = setFromSlice(values)
	rs.active = true
	rs.apn++
	rs.ackCount = 0
	rs.nackCount = 0
	apn := rs.apn
	snapshot := rs.proposed.sortedSlice()
	rs.mu.Unlock()

	a.broadcastProposal(round, apn, snapshot)
}

func (a *Agreement) broadcastProposal(round, apn uint32, values []uint32) {
	batch := wire.ProposalBatch{Proposals: []wire.RoundProposal{{
		Round: round,
		Proposal: wire.Proposal{
			Round:                round,
			ActiveProposalNumber: apn,
			Values:               values,
		},
	}}}
	pkt := &wire.Packet{OriginPID: a.selfID, Type: wire.Data, SeqID: wire.NextSeqID(), Payload: wire.EncodeProposalBatch(batch)}
	for _, peer := range a.sender.Peers() {
		_ = a.sender.Send(peer, pkt)
	}
}

// HandlePacket dispatches an incoming DATA packet's lattice payload to the
// matching round state, replying or updating local state as needed. It is
// meant to be wired as a PerfectLink deliver callback in lattice mode.
func (a *Agreement) HandlePacket(fromPeer uint64, pkt *wire.Packet) error {
	typ, err := wire.PeekMsgType(pkt.Payload)
	if err != nil {
		return dalerr.Wrap("lattice.handlepacket", err)
	}
	body := pkt.Payload[1:]
	switch typ {
	case wire.MsgProposal:
		batch, err := wire.DecodeProposalBatch(body)
		if err != nil {
			return dalerr.Wrap("lattice.handlepacket", err)
		}
		for _, rp := range batch.Proposals {
			a.onProposal(fromPeer, rp.Round, rp.Proposal.ActiveProposalNumber, rp.Proposal.Values)
		}
	case wire.MsgAck:
		batch, err := wire.DecodeAcceptBatch(body)
		if err != nil {
			return dalerr.Wrap("lattice.handlepacket", err)
		}
		for _, ra := range batch.Accepts {
			if ra.Accept.Nack {
				a.onNack(ra.Round, ra.Accept.ActiveProposalNumber, ra.Accept.Values)
			} else {
				a.onAck(ra.Round, ra.Accept.ActiveProposalNumber)
			}
		}
	default:
		return dalerr.New("lattice.handlepacket", dalerr.CodeProtocolViolation, "unknown lattice message type")
	}
	return nil
}

// onProposal handles an incoming PROPOSAL(round, apn, values) from a peer.
func (a *Agreement) onProposal(fromPeer uint64, round, apn uint32, values []uint32) {
	rs := &a.rounds[round]
	rs.mu.Lock()
	acceptedAfter := rs.accepted.unionInto(values)
	ackable := len(acceptedAfter) == len(values)
	if ackable {
		rs.accepted = setFromSlice(values)
	} else {
		rs.accepted = acceptedAfter
	}
	reply := rs.accepted.sortedSlice()
	rs.mu.Unlock()

	if ackable {
		a.sendAck(fromPeer, round, apn)
	} else {
		a.sendNack(fromPeer, round, apn, reply)
	}
}

// onAck handles an incoming ACK(round, apn).
func (a *Agreement) onAck(round, apn uint32) {
	rs := &a.rounds[round]
	rs.mu.Lock()
	if !rs.active || apn != rs.apn {
		rs.mu.Unlock()
		return
	}
	rs.ackCount++
	action := a.checkTerminationLocked(rs)
	rs.mu.Unlock()
	a.applyAction(round, action)
}

// onNack handles an incoming NACK(round, apn, values).
func (a *Agreement) onNack(round, apn uint32, values []uint32) {
	rs := &a.rounds[round]
	rs.mu.Lock()
	if !rs.active || apn != rs.apn {
		rs.mu.Unlock()
		return
	}
	rs.proposed = rs.proposed.unionInto(values)
	rs.nackCount++
	action := a.checkTerminationLocked(rs)
	rs.mu.Unlock()
	a.applyAction(round, action)
}

// checkTerminationLocked decides whether round rs has reached a majority
// decision or needs to retry with a bumped apn; rs.mu must already be
// held. It never performs I/O itself.
func (a *Agreement) checkTerminationLocked(rs *roundState) terminationAction {
	if rs.ackCount >= a.f {
		rs.active = false
		rs.decided = true
		return terminationAction{decide: true, values: rs.proposed.sortedSlice()}
	}
	if rs.nackCount > 0 && rs.ackCount+rs.nackCount >= a.f {
		rs.apn++
		rs.ackCount = 0
		rs.nackCount = 0
		return terminationAction{rebroadcast: true, apn: rs.apn, values: rs.proposed.sortedSlice()}
	}
	return terminationAction{}
}

func (a *Agreement) applyAction(round uint32, action terminationAction) {
	switch {
	case action.decide:
		a.recordDecision(round, action.values)
	case action.rebroadcast:
		a.broadcastProposal(round, action.apn, action.values)
	}
}

func (a *Agreement) sendAck(to uint64, round, apn uint32) {
	batch := wire.AcceptBatch{Accepts: []wire.RoundAccept{{Round: round, Accept: wire.Accept{
		Round: round, Nack: false, ActiveProposalNumber: apn,
	}}}}
	pkt := &wire.Packet{OriginPID: a.selfID, Type: wire.Data, SeqID: wire.NextSeqID(), Payload: wire.EncodeAcceptBatch(batch)}
	_ = a.sender.Send(to, pkt)
}

func (a *Agreement) sendNack(to uint64, round, apn uint32, values []uint32) {
	batch := wire.AcceptBatch{Accepts: []wire.RoundAccept{{Round: round, Accept: wire.Accept{
		Round: round, Nack: true, ActiveProposalNumber: apn, Values: values,
	}}}}
	pkt := &wire.Packet{OriginPID: a.selfID, Type: wire.Data, SeqID: wire.NextSeqID(), Payload: wire.EncodeAcceptBatch(batch)}
	_ = a.sender.Send(to, pkt)
}

// recordDecision stores round's decision and drains every consecutive
// decided round starting at nextOutput, emitting each in order (spec
// §4.5 "Decision output ordering").
func (a *Agreement) recordDecision(round uint32, values []uint32) {
	a.decMu.Lock()
	a.decisions[round] = values
	var ready []struct {
		round  uint32
		values []uint32
	}
	for {
		v, ok := a.decisions[a.nextOutput]
		if !ok {
			break
		}
		ready = append(ready, struct {
			round  uint32
			values []uint32
		}{a.nextOutput, v})
		a.nextOutput++
	}
	a.decMu.Unlock()

	for _, rd := range ready {
		if a.emit != nil {
			a.emit(rd.round, rd.values)
		}
	}
}

// AllDecided reports whether every round slot has had its decision
// emitted in order, used by the process wiring layer to know when it is
// safe to flush and exit in lattice mode.
func (a *Agreement) AllDecided() bool {
	a.decMu.Lock()
	defer a.decMu.Unlock()
	return a.nextOutput >= a.numRounds
}
