package broadcast

import (
	"sync"

	"github.com/kvant-labs/dalink/internal/hostconf"
	"github.com/kvant-labs/dalink/internal/wire"
)

// FIFO implements per-sender in-order delivery on top of URB: each
// sender's URB-delivered packets are buffered until they can be released
// in strict seq_id order starting at 1.
type FIFO struct {
	deliver DeliverFunc
	senders []senderState
}

type senderState struct {
	mu      sync.Mutex
	pending map[uint32]*wire.Packet
	next    uint32
}

// NewFIFO allocates one sender slot per host in the cluster and wires
// delivery through deliver once a packet's turn comes up.
func NewFIFO(hosts *hostconf.HostSet, deliver DeliverFunc) *FIFO {
	f := &FIFO{
		deliver: deliver,
		senders: make([]senderState, hosts.N()),
	}
	for i := range f.senders {
		f.senders[i].pending = make(map[uint32]*wire.Packet)
		f.senders[i].next = 1
	}
	return f
}

// Deliver is the URB deliver callback: it buffers pkt under its origin's
// sender slot, then releases every contiguous run starting at next[p] in
// seq_id order. Delivered entries are erased from pending as they're
// released rather than retained indefinitely, to keep memory bounded.
func (f *FIFO) Deliver(pkt *wire.Packet) {
	state := &f.senders[(pkt.OriginPID-1)%uint64(len(f.senders))]

	state.mu.Lock()
	state.pending[pkt.SeqID] = pkt
	var toDeliver []*wire.Packet
	for {
		next, ok := state.pending[state.next]
		if !ok {
			break
		}
		toDeliver = append(toDeliver, next)
		delete(state.pending, state.next)
		state.next++
	}
	state.mu.Unlock()

	for _, p := range toDeliver {
		if f.deliver != nil {
			f.deliver(p)
		}
	}
}

// NextExpected reports the next seq_id awaited from origin, for tests and
// diagnostics.
func (f *FIFO) NextExpected(origin uint64) uint32 {
	state := &f.senders[(origin-1)%uint64(len(f.senders))]
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.next
}
