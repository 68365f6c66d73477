package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsEnqueuedTasks(t *testing.T) {
	p := New("test", 4, nil)
	defer p.Stop()

	var n int64
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Enqueue(func() {
			if atomic.AddInt64(&n, 1) == 10 {
				close(done)
			}
		}))
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks did not complete")
	}
	assert.EqualValues(t, 10, atomic.LoadInt64(&n))
}

func TestPoolRunsLongLivedGoTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := New("loop", 2, nil)

	started := make(chan struct{})
	require.NoError(t, p.Go(ctx, func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	}))
	<-started
	cancel()
	p.Stop()
}

func TestEnqueueAfterStopFails(t *testing.T) {
	p := New("test", 1, nil)
	p.Stop()
	err := p.Enqueue(func() {})
	assert.ErrorIs(t, err, ErrStopped)
}
