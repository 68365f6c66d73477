package dalerr

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapClassifiesErrno(t *testing.T) {
	e := Wrap("link.send", syscall.EAGAIN)
	assert.Equal(t, CodeWouldBlock, e.Code)
	assert.True(t, IsTransient(e))
}

func TestWrapClassifiesConnRefused(t *testing.T) {
	e := Wrap("link.send", syscall.ECONNREFUSED)
	assert.Equal(t, CodeConnRefused, e.Code)
	assert.True(t, IsTransient(e))
}

func TestIsMatchesByCode(t *testing.T) {
	a := New("urb.deliver", CodeMalformedPacket, "short header")
	b := New("perfectlink.deliver", CodeMalformedPacket, "bad length")
	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, ErrStopped))
}

func TestWrapPreservesAlreadyStructured(t *testing.T) {
	inner := NewPeer("stubbornlink.send", 3, CodeConnRefused, "peer unreachable")
	wrapped := Wrap("process.run", inner)
	assert.Equal(t, uint64(3), wrapped.Peer)
	assert.Equal(t, CodeConnRefused, wrapped.Code)
}
