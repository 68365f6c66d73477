// Package dalink wires the reliability and agreement stack's layers
// (internal/links, internal/broadcast, internal/lattice) into one running
// process: NewProcess/Process.Run wires per-peer stubborn links to one
// perfect link to one FIFO-broadcast or lattice driver.
package dalink

import (
	"context"
	"fmt"
	"sync"

	"github.com/kvant-labs/dalink/internal/broadcast"
	"github.com/kvant-labs/dalink/internal/constants"
	"github.com/kvant-labs/dalink/internal/hostconf"
	"github.com/kvant-labs/dalink/internal/lattice"
	"github.com/kvant-labs/dalink/internal/links"
	"github.com/kvant-labs/dalink/internal/logging"
	"github.com/kvant-labs/dalink/internal/obsmetrics"
	"github.com/kvant-labs/dalink/internal/reactor"
	"github.com/kvant-labs/dalink/internal/wire"
	"github.com/kvant-labs/dalink/internal/workerpool"
)

// Mode selects which of the three run configurations a Process drives.
type Mode string

const (
	ModePerfectLink Mode = "perfect-link"
	ModeFIFO        Mode = "fifo"
	ModeLattice     Mode = "lattice"
)

// Params configures a Process.
type Params struct {
	SelfID     uint64
	Hosts      *hostconf.HostSet
	Mode       Mode
	Output     *OutputWriter
	Logger     *logging.Logger
	Metrics    *obsmetrics.Metrics

	// PerfectLink/FIFO mode.
	NumMessages int
	ReceiverID  uint64 // perfect-link mode only

	// Lattice mode.
	Proposals [][]uint32
}

// Process owns every layer for one peer in the cluster: the shared
// readiness loop, the read/write/monitor worker pools, the perfect link
// (and everything below it), and whichever upper layer Mode selects.
type Process struct {
	p       Params
	loop    *reactor.Loop
	readPool    *workerpool.Pool
	writePool   *workerpool.Pool
	monitorPool *workerpool.Pool
	pl      *links.PerfectLink
	fifo    *broadcast.FIFO
	urb     *broadcast.URB
	lat     *lattice.Agreement

	cancel context.CancelFunc

	stopOnce sync.Once
}

// NewProcess constructs every layer for p.Mode but does not yet start the
// worker pools or readiness loop; call Run for that.
func NewProcess(p Params) (*Process, error) {
	if p.Logger == nil {
		p.Logger = logging.Default()
	}
	if p.Metrics == nil {
		p.Metrics = obsmetrics.New()
	}

	loop, err := reactor.New(p.Logger)
	if err != nil {
		return nil, fmt.Errorf("process: new reactor: %w", err)
	}

	// Each stubborn link's retransmit worker is a long-lived task, so the
	// write pool needs at least one worker per peer.
	writeWorkers := constants.WriteEventLoopWorkers
	if peers := p.Hosts.N() - 1; peers > writeWorkers {
		writeWorkers = peers
	}

	proc := &Process{
		p:           p,
		loop:        loop,
		readPool:    workerpool.New("read-loop", constants.ReadEventLoopWorkers, p.Logger),
		writePool:   workerpool.New("write-loop", writeWorkers, p.Logger),
		monitorPool: workerpool.New("urb-monitor", constants.MonitorDeliveryWorkers, p.Logger),
	}

	var deliverUp links.PerfectDeliverFunc
	switch p.Mode {
	case ModeFIFO:
		proc.fifo = broadcast.NewFIFO(p.Hosts, func(pkt *wire.Packet) {
			p.Output.WriteDelivery(pkt.OriginPID, pkt.SeqID)
			if p.Metrics != nil {
				p.Metrics.FIFODelivered.Add(1)
			}
		})
		deliverUp = func(pkt *wire.Packet, fromPeer uint64) { proc.urb.BebDeliver(pkt, fromPeer) }
	case ModePerfectLink:
		deliverUp = func(pkt *wire.Packet, _ uint64) {
			p.Output.WriteDelivery(pkt.OriginPID, pkt.SeqID)
		}
	case ModeLattice:
		deliverUp = func(pkt *wire.Packet, fromPeer uint64) {
			if err := proc.lat.HandlePacket(fromPeer, pkt); err != nil {
				p.Logger.Warn("lattice: dropping packet", "error", err)
			}
		}
	default:
		return nil, fmt.Errorf("process: unknown mode %q", p.Mode)
	}

	pl, err := links.NewPerfectLink(p.SelfID, p.Hosts, loop, p.Metrics, p.Logger, deliverUp)
	if err != nil {
		return nil, fmt.Errorf("process: new perfect link: %w", err)
	}
	proc.pl = pl

	if p.Mode == ModeFIFO {
		proc.urb = broadcast.New(p.SelfID, pl, p.Hosts, p.Metrics, proc.fifo.Deliver)
	}
	if p.Mode == ModeLattice {
		proc.lat = lattice.New(p.SelfID, p.Hosts, len(p.Proposals), pl, func(round uint32, values []uint32) {
			p.Output.WriteDecision(values)
			if p.Metrics != nil {
				p.Metrics.RoundsDecided.Add(1)
			}
		})
	}

	return proc, nil
}

// Run starts the readiness loop workers, the retransmit workers for every
// per-peer stubborn link, and (in FIFO mode) the URB monitor scanners. It
// blocks until ctx is cancelled.
func (proc *Process) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	proc.cancel = cancel

	for i := 0; i < constants.ReadEventLoopWorkers; i++ {
		_ = proc.readPool.Go(ctx, func(ctx context.Context) { _ = proc.loop.Run(ctx) })
	}

	for _, sl := range proc.pl.Links() {
		sl := sl
		_ = proc.writePool.Go(ctx, func(ctx context.Context) { sl.RunRetransmit(ctx) })
	}

	if proc.urb != nil {
		for i := 0; i < constants.MonitorDeliveryWorkers; i++ {
			i := i
			_ = proc.monitorPool.Go(ctx, func(ctx context.Context) {
				proc.urb.RunMonitor(ctx, i, constants.MonitorDeliveryWorkers)
			})
		}
	}

	<-ctx.Done()
	return nil
}

// BroadcastApplicationMessages drives perfect-link/FIFO application
// traffic: it emits NumMessages payloads, sending each one via the
// selected mode's send path and writing the corresponding `b <seq>`
// record.
func (proc *Process) BroadcastApplicationMessages() {
	for i := 0; i < proc.p.NumMessages; i++ {
		pkt := wire.NewData(proc.p.SelfID, nil)
		proc.p.Output.WriteBroadcast(pkt.SeqID)
		switch proc.p.Mode {
		case ModePerfectLink:
			_ = proc.pl.Send(proc.p.ReceiverID, pkt)
		case ModeFIFO:
			proc.urb.Broadcast(pkt)
		}
	}
}

// ProposeAll kicks off every lattice round with its configured value set
// (lattice mode only).
func (proc *Process) ProposeAll() {
	if proc.lat != nil {
		proc.lat.ProposeAll(proc.p.Proposals)
	}
}

// AllDecided reports whether every lattice round has been decided and
// emitted (lattice mode only; always false otherwise).
func (proc *Process) AllDecided() bool {
	if proc.lat == nil {
		return false
	}
	return proc.lat.AllDecided()
}

// Stop runs the shutdown sequence: stop per-subsystem work, wake the
// readiness loop, drain and join the worker pools, close every socket.
// Safe to call more than once.
func (proc *Process) Stop() {
	proc.stopOnce.Do(func() {
		if proc.cancel != nil {
			proc.cancel()
		}
		proc.pl.Stop()
		_ = proc.loop.Close()
		proc.writePool.Stop()
		proc.monitorPool.Stop()
		proc.readPool.Stop()
	})
}
