package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketRoundTrip(t *testing.T) {
	p := &Packet{
		OriginPID: 7,
		Type:      Data,
		SeqID:     42,
		Payload:   []byte("hello distributed world"),
	}
	decoded, err := Decode(p.Encode())
	require.NoError(t, err)
	assert.Equal(t, p.OriginPID, decoded.OriginPID)
	assert.Equal(t, p.Type, decoded.Type)
	assert.Equal(t, p.SeqID, decoded.SeqID)
	assert.Equal(t, p.Payload, decoded.Payload)
}

func TestPacketRoundTripEmptyPayload(t *testing.T) {
	p := NewACK(Key{OriginPID: 3, SeqID: 9})
	decoded, err := Decode(p.Encode())
	require.NoError(t, err)
	assert.Equal(t, ACK, decoded.Type)
	assert.Equal(t, Key{OriginPID: 3, SeqID: 9}, decoded.Key())
	assert.Empty(t, decoded.Payload)
}

func TestDecodeRejectsShortHeader(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestDecodeRejectsOverrunPayloadLength(t *testing.T) {
	p := &Packet{OriginPID: 1, Type: Data, SeqID: 1, Payload: []byte("ab")}
	buf := p.Encode()
	buf[16] = 200 // lie about payload length
	_, err := Decode(buf)
	assert.Error(t, err)
}

func TestNextSeqIDMonotonic(t *testing.T) {
	ResetSeqCounter()
	a := NextSeqID()
	b := NextSeqID()
	assert.Equal(t, uint32(1), a)
	assert.Equal(t, uint32(2), b)
}

func TestNewDataAssignsSeq(t *testing.T) {
	ResetSeqCounter()
	p := NewData(5, []byte("x"))
	assert.Equal(t, uint64(5), p.OriginPID)
	assert.Equal(t, uint32(1), p.SeqID)
	assert.Equal(t, Data, p.Type)
}
