package gate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/xkilldash9x/critpath/internal/observability"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recorder collects log lines from concurrent tasks.
type recorder struct {
	mu    sync.Mutex
	lines []int
}

func (r *recorder) log(v int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, v)
}

func (r *recorder) snapshot() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.lines...)
}

func TestNewClampsCapacity(t *testing.T) {
	assert.Equal(t, 1, New("zero", 0).Capacity())
	assert.Equal(t, 5, New("five", 5).Capacity())
}

// Two tasks through a single permit never interleave.
func TestRunSerializesWithSinglePermit(t *testing.T) {
	g := New("capture", 1)
	rec := &recorder{}
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, g.Run(ctx, func(context.Context) error {
			rec.log(1)
			time.Sleep(20 * time.Millisecond)
			rec.log(11)
			return nil
		}))
	}()
	require.Eventually(t, func() bool { return g.Running() == 1 }, time.Second, time.Millisecond)

	go func() {
		defer wg.Done()
		assert.NoError(t, g.Run(ctx, func(context.Context) error {
			rec.log(2)
			time.Sleep(10 * time.Millisecond)
			rec.log(22)
			return nil
		}))
	}()
	wg.Wait()

	assert.Equal(t, []int{1, 11, 2, 22}, rec.snapshot())
	assert.Equal(t, 0, g.Running())
}

func TestRunNeverExceedsCapacity(t *testing.T) {
	const capacity = 3
	g := New("validation", capacity)

	var current, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = g.Run(context.Background(), func(context.Context) error {
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				current.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(capacity))
	assert.Equal(t, 0, g.Running())
	assert.Equal(t, 0, g.Waiting())
}

func TestReleaseWakesLongestWaiterFirst(t *testing.T) {
	g := New("fifo", 1)
	ctx := context.Background()
	require.NoError(t, g.Acquire(ctx))

	rec := &recorder{}
	var wg sync.WaitGroup
	for i := 1; i <= 5; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			_ = g.Run(ctx, func(context.Context) error {
				rec.log(id)
				return nil
			})
		}(i)
		// wait until this waiter is queued before enqueuing the next one
		require.Eventually(t, func() bool { return g.Waiting() == i }, time.Second, time.Millisecond)
	}

	g.Release()
	wg.Wait()

	assert.Equal(t, []int{1, 2, 3, 4, 5}, rec.snapshot())
}

func TestRunReleasesOnFailure(t *testing.T) {
	g := New("errors", 1)
	boom := errors.New("boom")

	err := g.Run(context.Background(), func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, g.Running())

	assert.Panics(t, func() {
		_ = g.Run(context.Background(), func(context.Context) error { panic("kaboom") })
	})
	assert.Equal(t, 0, g.Running())

	// the permit is available again
	require.NoError(t, g.Run(context.Background(), func(context.Context) error { return nil }))
}

func TestAcquireHonoursContext(t *testing.T) {
	g := New("cancel", 1)
	require.NoError(t, g.Acquire(context.Background()))
	defer g.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ran := false
	err := g.Run(ctx, func(context.Context) error {
		ran = true
		return nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, ran)
	assert.Equal(t, 0, g.Waiting())
}

// A task queued behind another still observes the trace of the caller that submitted it.
func TestQueuedTaskKeepsSubmitterTrace(t *testing.T) {
	g := New("trace", 1)
	base := zap.NewNop()
	first := observability.NewTrace(base)
	second := observability.NewTrace(base)

	release := make(chan struct{})
	seen := make(chan string, 2)
	task := func(ctx context.Context) error {
		tr, _ := observability.TraceFrom(ctx)
		seen <- tr.ID
		<-release
		return nil
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = g.Run(observability.WithTrace(context.Background(), first), task)
	}()
	require.Eventually(t, func() bool { return g.Running() == 1 }, time.Second, time.Millisecond)
	go func() {
		defer wg.Done()
		_ = g.Run(observability.WithTrace(context.Background(), second), task)
	}()
	require.Eventually(t, func() bool { return g.Waiting() == 1 }, time.Second, time.Millisecond)

	close(release)
	wg.Wait()
	close(seen)

	var ids []string
	for id := range seen {
		ids = append(ids, id)
	}
	assert.Equal(t, []string{first.ID, second.ID}, ids)
}
