package broadcast

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvant-labs/dalink/internal/wire"
)

func TestFIFODeliversInOrderDespiteArrivalShuffle(t *testing.T) {
	hosts := threeHostSet(t)
	var delivered []uint32
	f := NewFIFO(hosts, func(pkt *wire.Packet) {
		delivered = append(delivered, pkt.SeqID)
	})

	pkts := make([]*wire.Packet, 5)
	for i := range pkts {
		pkts[i] = &wire.Packet{OriginPID: 2, Type: wire.Data, SeqID: uint32(i + 1), Payload: []byte("x")}
	}
	rand.Shuffle(len(pkts), func(i, j int) { pkts[i], pkts[j] = pkts[j], pkts[i] })

	for _, p := range pkts {
		f.Deliver(p)
	}

	require.Len(t, delivered, 5)
	assert.Equal(t, []uint32{1, 2, 3, 4, 5}, delivered)
}

func TestFIFOHoldsBackOutOfOrderGap(t *testing.T) {
	hosts := threeHostSet(t)
	var delivered []uint32
	f := NewFIFO(hosts, func(pkt *wire.Packet) {
		delivered = append(delivered, pkt.SeqID)
	})

	f.Deliver(&wire.Packet{OriginPID: 1, SeqID: 2})
	assert.Empty(t, delivered, "seq 2 must wait for seq 1")

	f.Deliver(&wire.Packet{OriginPID: 1, SeqID: 1})
	assert.Equal(t, []uint32{1, 2}, delivered)
}

func TestFIFOTracksDistinctSendersIndependently(t *testing.T) {
	hosts := threeHostSet(t)
	var delivered []wire.Key
	f := NewFIFO(hosts, func(pkt *wire.Packet) {
		delivered = append(delivered, pkt.Key())
	})

	f.Deliver(&wire.Packet{OriginPID: 1, SeqID: 1})
	f.Deliver(&wire.Packet{OriginPID: 2, SeqID: 1})
	f.Deliver(&wire.Packet{OriginPID: 1, SeqID: 2})

	assert.Equal(t, uint32(3), f.NextExpected(1))
	assert.Equal(t, uint32(2), f.NextExpected(2))
	assert.Len(t, delivered, 3)
}

func TestFIFOErasesDeliveredEntriesFromPending(t *testing.T) {
	hosts := threeHostSet(t)
	f := NewFIFO(hosts, func(*wire.Packet) {})

	f.Deliver(&wire.Packet{OriginPID: 3, SeqID: 1})
	state := &f.senders[(uint64(3)-1)%uint64(len(f.senders))]
	assert.Empty(t, state.pending, "delivered entries must not be retained")
}
