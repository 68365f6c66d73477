// Package broadcast implements uniform reliable broadcast and FIFO
// broadcast on top of internal/links.PerfectLink, using a pool-of-workers
// shape for the URB monitor scanners and an explicit lock-scoped mutation
// style for the sharded pending/ack_from maps.
package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/kvant-labs/dalink/internal/constants"
	"github.com/kvant-labs/dalink/internal/hostconf"
	"github.com/kvant-labs/dalink/internal/obsmetrics"
	"github.com/kvant-labs/dalink/internal/wire"
)

// DeliverFunc hands a URB-delivered packet up to the FIFO layer.
type DeliverFunc func(pkt *wire.Packet)

// PerfectSender is the subset of internal/links.PerfectLink's API the URB
// layer needs to best-effort broadcast a packet to every peer.
type PerfectSender interface {
	Send(peer uint64, packets ...*wire.Packet) error
}

// URB implements uniform reliable broadcast.
type URB struct {
	selfID uint64
	pl     PerfectSender
	hosts  *hostconf.HostSet
	metrics *obsmetrics.Metrics
	deliver DeliverFunc

	pendingShards []pendingShard

	ackMu   sync.Mutex
	ackFrom map[uint32]map[uint64]struct{}

	deliveredMu sync.Mutex
	delivered   map[wire.Key]struct{}
}

type pendingShard struct {
	mu      sync.Mutex
	packets map[wire.Key]*wire.Packet
}

// New constructs a URB layer delivering through deliver once a packet's
// echo count exceeds floor(N/2), i.e. reaches a strict majority.
func New(selfID uint64, pl PerfectSender, hosts *hostconf.HostSet, m *obsmetrics.Metrics, deliver DeliverFunc) *URB {
	u := &URB{
		selfID:        selfID,
		pl:            pl,
		hosts:         hosts,
		metrics:       m,
		deliver:       deliver,
		pendingShards: make([]pendingShard, hosts.N()),
		ackFrom:       make(map[uint32]map[uint64]struct{}),
		delivered:     make(map[wire.Key]struct{}),
	}
	for i := range u.pendingShards {
		u.pendingShards[i].packets = make(map[wire.Key]*wire.Packet)
	}
	return u
}

func (u *URB) shardFor(originPID uint64) *pendingShard {
	return &u.pendingShards[(originPID-1)%uint64(len(u.pendingShards))]
}

// Broadcast implements urb_broadcast: insert into pending[origin], then
// best-effort broadcast to every peer and self-deliver.
func (u *URB) Broadcast(pkt *wire.Packet) {
	shard := u.shardFor(pkt.OriginPID)
	shard.mu.Lock()
	shard.packets[pkt.Key()] = pkt
	shard.mu.Unlock()

	u.bebBroadcast(pkt)
}

func (u *URB) bebBroadcast(pkt *wire.Packet) {
	for _, peer := range u.hosts.Peers(u.selfID) {
		_ = u.pl.Send(peer.ID, pkt)
	}
	u.bebDeliver(pkt, u.selfID)
}

// BebDeliver is invoked for every packet the perfect link hands up, along
// with the id of the peer whose link it arrived on (self-delivery or relay
// from a peer). It records an echo from that peer and, the first time the
// packet is seen in pending[origin], relays it again, the step that
// yields uniformity.
func (u *URB) BebDeliver(pkt *wire.Packet, fromPeer uint64) {
	u.bebDeliver(pkt, fromPeer)
}

func (u *URB) bebDeliver(pkt *wire.Packet, echoFrom uint64) {
	u.ackMu.Lock()
	set, ok := u.ackFrom[pkt.SeqID]
	if !ok {
		set = make(map[uint64]struct{})
		u.ackFrom[pkt.SeqID] = set
	}
	set[echoFrom] = struct{}{}
	u.ackMu.Unlock()

	shard := u.shardFor(pkt.OriginPID)
	shard.mu.Lock()
	_, seen := shard.packets[pkt.Key()]
	if !seen {
		shard.packets[pkt.Key()] = pkt
	}
	shard.mu.Unlock()

	if !seen {
		u.bebBroadcast(pkt)
	}
}

// RunMonitor is one of constants.MonitorDeliveryWorkers scanners: it
// repeatedly walks the pending shards assigned to it (partitioned by
// shard_index mod N) looking for packets whose echo count has reached
// majority, delivering each exactly once.
func (u *URB) RunMonitor(ctx context.Context, workerIndex, totalWorkers int) {
	majorityFloor := u.hosts.N() / 2 // deliver once |ack_from| > floor(N/2)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		progressed := false
		for i := workerIndex; i < len(u.pendingShards); i += totalWorkers {
			shard := &u.pendingShards[i]
			var toDeliver []*wire.Packet

			shard.mu.Lock()
			for key, pkt := range shard.packets {
				if u.alreadyDelivered(key) {
					continue
				}
				u.ackMu.Lock()
				count := len(u.ackFrom[pkt.SeqID])
				u.ackMu.Unlock()
				if count > majorityFloor {
					u.markDelivered(key)
					toDeliver = append(toDeliver, pkt)
				}
			}
			if u.metrics != nil {
				u.metrics.URBPendingSize.Store(int64(len(shard.packets)))
			}
			shard.mu.Unlock()

			if len(toDeliver) > 0 {
				progressed = true
				for _, pkt := range toDeliver {
					if u.deliver != nil {
						u.deliver(pkt)
					}
				}
			}
		}

		if !progressed {
			select {
			case <-ctx.Done():
				return
			case <-time.After(constants.URBMonitorIdleSleep):
			}
		}
	}
}

func (u *URB) alreadyDelivered(key wire.Key) bool {
	u.deliveredMu.Lock()
	defer u.deliveredMu.Unlock()
	_, ok := u.delivered[key]
	return ok
}

func (u *URB) markDelivered(key wire.Key) {
	u.deliveredMu.Lock()
	u.delivered[key] = struct{}{}
	u.deliveredMu.Unlock()
}
