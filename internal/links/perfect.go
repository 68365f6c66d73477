package links

import (
	"sync"

	"github.com/kvant-labs/dalink/internal/constants"
	"github.com/kvant-labs/dalink/internal/dalerr"
	"github.com/kvant-labs/dalink/internal/hostconf"
	"github.com/kvant-labs/dalink/internal/logging"
	"github.com/kvant-labs/dalink/internal/obsmetrics"
	"github.com/kvant-labs/dalink/internal/reactor"
	"github.com/kvant-labs/dalink/internal/wire"
)

// PerfectDeliverFunc hands a dedup'd DATA packet up to URB/lattice, along
// with the id of the peer whose stubborn link it arrived on (distinct from
// pkt.OriginPID once the packet has been relayed), so URB's ack_from can
// track distinct echoing peers rather than the immutable origin id.
type PerfectDeliverFunc func(pkt *wire.Packet, fromPeer uint64)

// PerfectLink provides at-most-once delivery per origin packet across all
// peers. It owns one StubbornLink per non-self peer and a delivered-set
// sharded by origin pid.
type PerfectLink struct {
	selfID uint64
	links  map[uint64]*StubbornLink
	deliver PerfectDeliverFunc

	shards [constants.PerfectLinkDeliveredShards]deliveredShard
}

type deliveredShard struct {
	mu   sync.Mutex
	seen map[wire.Key]struct{}
}

// NewPerfectLink constructs the per-peer stubborn links and wires their
// deliveries through the dedup layer before calling deliver upward.
func NewPerfectLink(selfID uint64, hosts *hostconf.HostSet, loop *reactor.Loop, m *obsmetrics.Metrics, logger *logging.Logger, deliver PerfectDeliverFunc) (*PerfectLink, error) {
	self, ok := hosts.Get(selfID)
	if !ok {
		return nil, dalerr.New("perfectlink.new", dalerr.CodeConfig, "self id not present in host set")
	}

	pl := &PerfectLink{
		selfID:  selfID,
		links:   make(map[uint64]*StubbornLink),
		deliver: deliver,
	}
	for i := range pl.shards {
		pl.shards[i].seen = make(map[wire.Key]struct{})
	}

	for _, h := range hosts.Peers(selfID) {
		peerID := h.ID
		sl, err := NewStubbornLink(selfID, peerID, self.Addr(), h.Addr(), loop, m, logger, func(pkt *wire.Packet) {
			pl.deliverPacket(pkt, peerID)
		})
		if err != nil {
			return nil, err
		}
		pl.links[peerID] = sl
	}
	return pl, nil
}

// Send forwards packets to one peer's stubborn link.
func (pl *PerfectLink) Send(peer uint64, packets ...*wire.Packet) error {
	sl, ok := pl.links[peer]
	if !ok {
		return dalerr.NewPeer("perfectlink.send", peer, dalerr.CodeConfig, "unknown peer")
	}
	return sl.Send(packets...)
}

// Peers returns every peer id this perfect link maintains a link to.
func (pl *PerfectLink) Peers() []uint64 {
	ids := make([]uint64, 0, len(pl.links))
	for id := range pl.links {
		ids = append(ids, id)
	}
	return ids
}

// Links exposes the underlying stubborn links for the process wiring layer
// to launch retransmit workers and perform shutdown.
func (pl *PerfectLink) Links() map[uint64]*StubbornLink {
	return pl.links
}

// deliverPacket applies the sharded at-most-once dedup check before
// invoking the upper-layer callback with the real last-hop peer.
func (pl *PerfectLink) deliverPacket(pkt *wire.Packet, fromPeer uint64) {
	shard := &pl.shards[shardIndex(pkt.OriginPID)]
	key := pkt.Key()

	shard.mu.Lock()
	_, dup := shard.seen[key]
	if !dup {
		shard.seen[key] = struct{}{}
	}
	shard.mu.Unlock()

	if dup {
		return
	}
	if pl.deliver != nil {
		pl.deliver(pkt, fromPeer)
	}
}

// shardIndex maps an origin pid to a delivered-set shard (sharded by
// origin_pid - 1, since ids are 1-based dense).
func shardIndex(originPID uint64) int {
	return int((originPID - 1) % constants.PerfectLinkDeliveredShards)
}

// Stop tears down every underlying stubborn link.
func (pl *PerfectLink) Stop() {
	for _, sl := range pl.links {
		sl.Stop()
	}
}
