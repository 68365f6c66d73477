// Package links implements the stubborn-link and perfect-link layers: a
// ctx-cancellable, logger-aware read/write loop per descriptor retrying an
// unacked-packet set on a jittered backoff, with encoding/binary-based
// wire marshaling. Each ordered peer pair owns its own connected UDP
// socket rather than sharing one socket across peers.
package links

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/sys/unix"

	"github.com/kvant-labs/dalink/internal/budget"
	"github.com/kvant-labs/dalink/internal/constants"
	"github.com/kvant-labs/dalink/internal/dalerr"
	"github.com/kvant-labs/dalink/internal/logging"
	"github.com/kvant-labs/dalink/internal/netudp"
	"github.com/kvant-labs/dalink/internal/obsmetrics"
	"github.com/kvant-labs/dalink/internal/reactor"
	"github.com/kvant-labs/dalink/internal/wire"
)

// DeliverFunc hands a decoded DATA packet up to the perfect-link layer.
type DeliverFunc func(pkt *wire.Packet)

// StubbornLink is the fair-loss-to-infinitely-often link for one ordered
// peer pair. It owns a UDP socket connected to the peer, registered with
// the shared internal/reactor.Loop for read readiness.
type StubbornLink struct {
	selfID  uint64
	peerID  uint64
	conn    *netudp.Endpoint
	loop    *reactor.Loop
	budget  *budget.Bucket
	logger  *logging.Logger
	metrics *obsmetrics.Metrics
	deliver DeliverFunc

	mu      sync.Mutex
	unacked map[wire.Key]*wire.Packet
	stopped bool
}

// NewStubbornLink opens a non-blocking UDP socket bound to localAddr,
// connects it to peerAddr, and registers it for edge-triggered read
// readiness on loop.
func NewStubbornLink(selfID, peerID uint64, localAddr, peerAddr *net.UDPAddr, loop *reactor.Loop, m *obsmetrics.Metrics, logger *logging.Logger, deliver DeliverFunc) (*StubbornLink, error) {
	if logger == nil {
		logger = logging.Default()
	}
	ep, err := netudp.Open(localAddr.IP, uint16(localAddr.Port))
	if err != nil {
		return nil, dalerr.Wrap("stubbornlink.open", err)
	}
	if err := ep.Connect(peerAddr); err != nil {
		ep.Close()
		return nil, dalerr.Wrap("stubbornlink.connect", err)
	}

	l := &StubbornLink{
		selfID:  selfID,
		peerID:  peerID,
		conn:    ep,
		loop:    loop,
		budget:  budget.New(constants.DefaultMaxBudget, constants.DefaultMaxBudget),
		logger:  logger.With("peer", peerID),
		metrics: m,
		deliver: deliver,
		unacked: make(map[wire.Key]*wire.Packet),
	}

	if err := loop.Register(ep.FD(), false, l.onReadable); err != nil {
		ep.Close()
		return nil, dalerr.Wrap("stubbornlink.register", err)
	}
	return l, nil
}

// Send buffers packets for retransmission; purely bookkeeping, no I/O.
func (l *StubbornLink) Send(packets ...*wire.Packet) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return dalerr.ErrStopped
	}
	for _, p := range packets {
		l.unacked[p.Key()] = p
	}
	return nil
}

// onReadable is the reactor handler for this link's socket: it drains the
// connected socket and re-arms for the next edge.
func (l *StubbornLink) onReadable(ev reactor.Event) {
	buf := make([]byte, constants.DatagramBufferSize)
	for {
		n, err := l.conn.Read(buf)
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			if err == unix.ECONNREFUSED {
				break
			}
			l.logger.Debug("read error", "error", err)
			break
		}
		pkt, decErr := wire.Decode(buf[:n])
		if decErr != nil {
			if l.metrics != nil {
				l.metrics.PacketsDropped.Add(1)
			}
			l.logger.Warn("dropping malformed packet", "error", decErr)
			continue
		}
		if err := l.Process(pkt); err != nil && !dalerr.IsTransient(err) {
			l.logger.Debug("process error", "error", err)
		}
	}
	_ = l.loop.Rearm(l.conn.FD(), false)
}

// Process handles one decoded datagram from the peer.
func (l *StubbornLink) Process(pkt *wire.Packet) error {
	switch pkt.Type {
	case wire.ACK:
		l.mu.Lock()
		_, existed := l.unacked[pkt.Key()]
		if existed {
			delete(l.unacked, pkt.Key())
		}
		l.mu.Unlock()
		if existed {
			l.budget.Credit(1)
			if l.metrics != nil {
				l.metrics.BudgetLevel.Store(int64(l.budget.Level()))
			}
		}
		return nil
	case wire.Data:
		if l.deliver != nil {
			l.deliver(pkt)
		}
		ack := wire.NewACK(pkt.Key())
		return l.sendRaw(ack)
	default:
		return dalerr.New("stubbornlink.process", dalerr.CodeProtocolViolation, "unknown packet type")
	}
}

// sendRaw writes one already-serialized packet to the peer, classifying
// transient would-block and connection-refused conditions rather than
// treating them as failures.
func (l *StubbornLink) sendRaw(pkt *wire.Packet) error {
	err := l.conn.Write(pkt.Encode())
	if err == nil {
		if l.metrics != nil {
			l.metrics.PacketsSent.Add(1)
		}
		return nil
	}
	werr := dalerr.Wrap("stubbornlink.send", err)
	werr.Peer = l.peerID
	return werr
}

// RunRetransmit is the write-side worker: it loops until ctx is done,
// taking budget-bounded snapshots of unacked packets and resending them,
// backing off between passes; while the link is stopped or its unacked
// set is empty it only sleeps. The process wiring launches one
// RunRetransmit per link via internal/workerpool.
func (l *StubbornLink) RunRetransmit(ctx context.Context) {
	bo := &backoff.Backoff{
		Min:    constants.MinRetransmitInterval,
		Max:    constants.MaxRetransmitInterval,
		Factor: 2,
		Jitter: true,
	}
	replenishTicker := time.NewTicker(constants.DefaultReplenishInterval)
	defer replenishTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-replenishTicker.C:
			l.budget.Credit(constants.DefaultReplenishAmount)
		default:
		}

		if l.isStoppedOrEmpty() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(bo.Duration()):
			}
			continue
		}

		avail := l.budget.Level()
		if avail <= 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(bo.Duration()):
			}
			continue
		}

		snapshot := l.snapshotUpTo(avail)
		l.budget.Take(len(snapshot))
		if l.metrics != nil {
			l.metrics.BudgetLevel.Store(int64(l.budget.Level()))
		}

		allOK := true
		for _, p := range snapshot {
			if err := l.sendRaw(p); err != nil {
				allOK = false
				if dalerr.IsCode(err, dalerr.CodeConnRefused) {
					break
				}
			} else if l.metrics != nil {
				l.metrics.Retransmits.Add(1)
			}
		}

		if allOK {
			bo.Reset()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.Duration()):
		}
	}
}

func (l *StubbornLink) isStoppedOrEmpty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped || len(l.unacked) == 0
}

func (l *StubbornLink) snapshotUpTo(n int) []*wire.Packet {
	l.mu.Lock()
	defer l.mu.Unlock()
	snapshot := make([]*wire.Packet, 0, n)
	for _, p := range l.unacked {
		if len(snapshot) >= n {
			break
		}
		snapshot = append(snapshot, p)
	}
	return snapshot
}

// UnackedLen reports the current unacked set size, used by tests and by
// §8's budget-saturation property.
func (l *StubbornLink) UnackedLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.unacked)
}

// Stop marks the link stopped and closes its socket; enqueue-after-stop
// then fails with dalerr.ErrStopped.
func (l *StubbornLink) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	l.loop.Unregister(l.conn.FD())
	l.conn.Close()
}
