package lattice

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvant-labs/dalink/internal/hostconf"
	"github.com/kvant-labs/dalink/internal/wire"
)

// router wires a fixed set of Agreements together in-process, delivering
// every Send synchronously to the target's HandlePacket, standing in for
// the perfect-link fan-out a real process tree would provide.
type router struct {
	mu     sync.Mutex
	selfID uint64
	peers  []uint64
	table  map[uint64]*Agreement
}

func (r *router) Send(peer uint64, packets ...*wire.Packet) error {
	r.mu.Lock()
	target := r.table[peer]
	r.mu.Unlock()
	for _, p := range packets {
		_ = target.HandlePacket(r.selfID, p)
	}
	return nil
}

func (r *router) Peers() []uint64 {
	return r.peers
}

func threeHostSetForLattice(t *testing.T) *hostconf.HostSet {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "hosts.txt")
	require.NoError(t, os.WriteFile(path, []byte("1 127.0.0.1 12001\n2 127.0.0.1 12002\n3 127.0.0.1 12003\n"), 0o644))
	hs, err := hostconf.ParseHostsFile(path)
	require.NoError(t, err)
	return hs
}

// buildCluster wires three Agreements around a shared router table and
// returns them alongside per-peer decision logs.
func buildCluster(t *testing.T, hosts *hostconf.HostSet, numRounds int) ([]*Agreement, map[uint64][][]uint32) {
	t.Helper()
	decisions := make(map[uint64][][]uint32)
	var mu sync.Mutex
	table := make(map[uint64]*Agreement)
	agreements := make([]*Agreement, 0, 3)

	// two-pass construction: routers need every Agreement to exist before
	// any Send can be routed, so build the routers first with peer ids
	// only, then the Agreements, then back-fill the routing table.
	routers := make(map[uint64]*router)
	for _, h := range []uint64{1, 2, 3} {
		peers := make([]uint64, 0, 2)
		for _, p := range hosts.Peers(h) {
			peers = append(peers, p.ID)
		}
		routers[h] = &router{selfID: h, peers: peers, table: table}
	}

	for _, id := range []uint64{1, 2, 3} {
		id := id
		decisions[id] = make([][]uint32, numRounds)
		a := New(id, hosts, numRounds, routers[id], func(round uint32, values []uint32) {
			mu.Lock()
			decisions[id][round] = append([]uint32(nil), values...)
			mu.Unlock()
		})
		table[id] = a
		agreements = append(agreements, a)
	}
	return agreements, decisions
}

func TestLatticeSingleRoundAgreement(t *testing.T) {
	hosts := threeHostSetForLattice(t)
	agreements, decisions := buildCluster(t, hosts, 1)

	agreements[0].Propose(0, []uint32{1, 2})
	agreements[1].Propose(0, []uint32{2, 3})
	agreements[2].Propose(0, []uint32{1, 3})

	for _, id := range []uint64{1, 2, 3} {
		require.True(t, agreements[id-1].AllDecided())
		got := append([]uint32(nil), decisions[id][0]...)
		sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
		assert.Equal(t, []uint32{1, 2, 3}, got, "peer %d should decide {1,2,3}", id)
	}
}

func TestLatticeMultiRoundOrdering(t *testing.T) {
	hosts := threeHostSetForLattice(t)
	agreements, decisions := buildCluster(t, hosts, 2)

	agreements[0].ProposeAll([][]uint32{{1}, {2}})
	agreements[1].ProposeAll([][]uint32{{1, 3}, {2}})
	agreements[2].ProposeAll([][]uint32{{3}, {2, 4}})

	for _, id := range []uint64{1, 2, 3} {
		require.True(t, agreements[id-1].AllDecided())
		round0 := append([]uint32(nil), decisions[id][0]...)
		round1 := append([]uint32(nil), decisions[id][1]...)
		sort.Slice(round0, func(i, j int) bool { return round0[i] < round0[j] })
		sort.Slice(round1, func(i, j int) bool { return round1[i] < round1[j] })
		assert.Equal(t, []uint32{1, 3}, round0)
		assert.Equal(t, []uint32{2, 4}, round1)
	}
}
