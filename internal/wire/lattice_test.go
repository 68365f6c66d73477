package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProposalBatchRoundTrip(t *testing.T) {
	batch := ProposalBatch{Proposals: []RoundProposal{
		{Round: 0, Proposal: Proposal{ActiveProposalNumber: 1, Values: []uint32{1, 2}}},
		{Round: 1, Proposal: Proposal{ActiveProposalNumber: 2, Values: []uint32{}}},
	}}
	encoded := EncodeProposalBatch(batch)
	assert.Equal(t, MsgProposal, LatticeMsgType(encoded[0]))

	decoded, err := DecodeProposalBatch(encoded[1:])
	require.NoError(t, err)
	require.Len(t, decoded.Proposals, 2)
	assert.Equal(t, uint32(0), decoded.Proposals[0].Round)
	assert.Equal(t, []uint32{1, 2}, decoded.Proposals[0].Proposal.Values)
	assert.Equal(t, uint32(1), decoded.Proposals[0].Proposal.ActiveProposalNumber)
	assert.Equal(t, uint32(1), decoded.Proposals[1].Round)
	assert.Empty(t, decoded.Proposals[1].Proposal.Values)
}

func TestAcceptBatchRoundTrip(t *testing.T) {
	batch := AcceptBatch{Accepts: []RoundAccept{
		{Round: 4, Accept: Accept{Nack: false, ActiveProposalNumber: 3}},
		{Round: 5, Accept: Accept{Nack: true, ActiveProposalNumber: 1, Values: []uint32{9, 8, 7}}},
	}}
	encoded := EncodeAcceptBatch(batch)
	assert.Equal(t, MsgAck, LatticeMsgType(encoded[0]))

	decoded, err := DecodeAcceptBatch(encoded[1:])
	require.NoError(t, err)
	require.Len(t, decoded.Accepts, 2)
	assert.False(t, decoded.Accepts[0].Accept.Nack)
	assert.True(t, decoded.Accepts[1].Accept.Nack)
	assert.Equal(t, []uint32{9, 8, 7}, decoded.Accepts[1].Accept.Values)
}

func TestPeekMsgType(t *testing.T) {
	encoded := EncodeProposalBatch(ProposalBatch{})
	typ, err := PeekMsgType(encoded)
	require.NoError(t, err)
	assert.Equal(t, MsgProposal, typ)

	_, err = PeekMsgType(nil)
	assert.Error(t, err)
}

func TestDecodeProposalBatchTruncated(t *testing.T) {
	_, err := DecodeProposalBatch([]byte{0, 0, 0})
	assert.Error(t, err)
}
