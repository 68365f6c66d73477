package links

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kvant-labs/dalink/internal/wire"
)

func newTestPerfectLink(t *testing.T) *PerfectLink {
	t.Helper()
	pl := &PerfectLink{selfID: 1, links: map[uint64]*StubbornLink{}}
	for i := range pl.shards {
		pl.shards[i].seen = make(map[wire.Key]struct{})
	}
	return pl
}

func TestDeliverPacketDedupsByOriginAndSeq(t *testing.T) {
	pl := newTestPerfectLink(t)
	var count int
	pl.deliver = func(*wire.Packet, uint64) { count++ }

	pkt := wire.NewData(3, []byte("payload"))
	pl.deliverPacket(pkt, 2)
	pl.deliverPacket(pkt, 2)

	assert.Equal(t, 1, count)
}

func TestDeliverPacketDistinguishesDistinctOrigins(t *testing.T) {
	pl := newTestPerfectLink(t)
	var count int
	pl.deliver = func(*wire.Packet, uint64) { count++ }

	pl.deliverPacket(wire.NewData(3, []byte("a")), 2)
	pl.deliverPacket(wire.NewData(4, []byte("b")), 2)

	assert.Equal(t, 2, count)
}

func TestShardIndexIsOriginMinusOne(t *testing.T) {
	assert.Equal(t, 0, shardIndex(1))
	assert.Equal(t, 1, shardIndex(2))
}
