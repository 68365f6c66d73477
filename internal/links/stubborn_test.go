package links

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kvant-labs/dalink/internal/netudp"
	"github.com/kvant-labs/dalink/internal/reactor"
	"github.com/kvant-labs/dalink/internal/wire"
)

// reservePort opens and immediately closes a loopback UDP socket to learn a
// free port, so two StubbornLinks can be wired to know each other's
// address ahead of time.
func reservePort(t *testing.T) uint16 {
	t.Helper()
	ep, err := netudp.Open(net.ParseIP("127.0.0.1"), 0)
	require.NoError(t, err)
	port := uint16(ep.LocalAddr().Port)
	require.NoError(t, ep.Close())
	return port
}

func TestStubbornLinkDeliversData(t *testing.T) {
	loop, err := reactor.New(nil)
	require.NoError(t, err)
	defer loop.Close()

	portA := reservePort(t)
	portB := reservePort(t)
	addrA := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: int(portA)}
	addrB := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: int(portB)}

	delivered := make(chan *wire.Packet, 1)
	b, err := NewStubbornLink(2, 1, addrB, addrA, loop, nil, nil, func(p *wire.Packet) {
		delivered <- p
	})
	require.NoError(t, err)
	defer b.Stop()

	a, err := NewStubbornLink(1, 2, addrA, addrB, loop, nil, nil, nil)
	require.NoError(t, err)
	defer a.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go loop.Run(ctx)

	pkt := wire.NewData(1, []byte("hello"))
	require.NoError(t, a.sendRaw(pkt))

	select {
	case p := <-delivered:
		require.Equal(t, []byte("hello"), p.Payload)
	case <-time.After(time.Second):
		t.Fatal("packet never delivered")
	}
}

func TestSendBuffersUntilAcked(t *testing.T) {
	loop, err := reactor.New(nil)
	require.NoError(t, err)
	defer loop.Close()

	portA := reservePort(t)
	portB := reservePort(t)
	addrA := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: int(portA)}
	addrB := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: int(portB)}

	a, err := NewStubbornLink(1, 2, addrA, addrB, loop, nil, nil, nil)
	require.NoError(t, err)
	defer a.Stop()

	pkt := wire.NewData(1, []byte("x"))
	require.NoError(t, a.Send(pkt))
	require.Equal(t, 1, a.UnackedLen())

	require.NoError(t, a.Process(wire.NewACK(pkt.Key())))
	require.Equal(t, 0, a.UnackedLen())
}

func TestSendAfterStopFails(t *testing.T) {
	loop, err := reactor.New(nil)
	require.NoError(t, err)
	defer loop.Close()

	portA := reservePort(t)
	portB := reservePort(t)
	addrA := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: int(portA)}
	addrB := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: int(portB)}

	a, err := NewStubbornLink(1, 2, addrA, addrB, loop, nil, nil, nil)
	require.NoError(t, err)
	a.Stop()

	err = a.Send(wire.NewData(1, []byte("x")))
	require.Error(t, err)
}
