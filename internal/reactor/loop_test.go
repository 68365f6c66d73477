package reactor

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/kvant-labs/dalink/internal/netudp"
)

func TestLoopDeliversReadability(t *testing.T) {
	loop, err := New(nil)
	require.NoError(t, err)
	defer loop.Close()

	a, err := netudp.Open(net.ParseIP("127.0.0.1"), 0)
	require.NoError(t, err)
	defer a.Close()
	b, err := netudp.Open(net.ParseIP("127.0.0.1"), 0)
	require.NoError(t, err)
	defer b.Close()

	fired := make(chan struct{}, 1)
	require.NoError(t, loop.Register(b.FD(), false, func(ev Event) {
		require.Equal(t, EventReadable, ev.Kind)
		select {
		case fired <- struct{}{}:
		default:
		}
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go loop.Run(ctx)

	require.NoError(t, a.SendTo([]byte("ping"), b.LocalAddr()))

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("handler never fired")
	}
}

func TestCloseWakesRun(t *testing.T) {
	loop, err := New(nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- loop.Run(context.Background())
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, loop.Close())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestRegisterAfterCloseFails(t *testing.T) {
	loop, err := New(nil)
	require.NoError(t, err)
	require.NoError(t, loop.Close())

	err = loop.Register(int(unix.Stdin), false, func(Event) {})
	require.ErrorIs(t, err, ErrClosed)
}
