package tasks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deemkeen/tusker/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePool struct {
	err error
}

func (p fakePool) Ping(context.Context) error { return p.err }

func (p fakePool) ReadActivityByURI(context.Context, string) (*domain.Activity, error) {
	return nil, domain.ErrNotFound
}

func (p fakePool) ReadProfileByUsername(context.Context, string) (*domain.Profile, error) {
	return nil, domain.ErrNotFound
}

func newTestRunner(t *testing.T) (*Runner, chan Event) {
	t.Helper()
	events := make(chan Event, 16)
	return NewRunner(Resources{Pool: fakePool{}, Events: events}, time.Second), events
}

func waitFor(t *testing.T, r *Runner) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Wait(ctx))
}

func TestDispatchRunsInBackground(t *testing.T) {
	r, events := newTestRunner(t)
	release := make(chan struct{})
	var got []string
	r.Register("echo", func(ctx context.Context, res Resources, args []string) error {
		<-release
		got = args
		return res.Pool.Ping(ctx)
	})
	assert.True(t, r.Registered("echo"))

	require.NoError(t, r.Dispatch("echo", "a", "b"))
	// Dispatch returned while the task is still blocked
	close(release)
	waitFor(t, r)

	assert.Equal(t, []string{"a", "b"}, got)
	ev := <-events
	assert.Equal(t, "echo", ev.Task)
	assert.Equal(t, []string{"a", "b"}, ev.Args)
	assert.NoError(t, ev.Err)
	assert.False(t, ev.At.IsZero())
}

func TestDispatchUnknownTask(t *testing.T) {
	r, _ := newTestRunner(t)
	assert.ErrorIs(t, r.Dispatch("missing"), ErrUnknownTask)
	assert.ErrorIs(t, r.Run(context.Background(), "missing"), ErrUnknownTask)
	assert.False(t, r.Registered("missing"))
}

func TestTaskFailuresBecomeEvents(t *testing.T) {
	r, events := newTestRunner(t)
	boom := errors.New("boom")
	r.Register("fail", func(context.Context, Resources, []string) error { return boom })
	r.Register("panic", func(context.Context, Resources, []string) error { panic("oh no") })

	require.NoError(t, r.Dispatch("fail"))
	require.NoError(t, r.Dispatch("panic"))
	waitFor(t, r)

	errs := map[string]error{}
	for i := 0; i < 2; i++ {
		ev := <-events
		errs[ev.Task] = ev.Err
	}
	assert.ErrorIs(t, errs["fail"], boom)
	require.Error(t, errs["panic"])
	assert.Contains(t, errs["panic"].Error(), "oh no")
}

func TestRunIsSynchronousAndBounded(t *testing.T) {
	events := make(chan Event, 1)
	r := NewRunner(Resources{Events: events}, 20*time.Millisecond)
	r.Register("slow", func(ctx context.Context, _ Resources, _ []string) error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := r.Run(context.Background(), "slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	ev := <-events
	assert.GreaterOrEqual(t, ev.Duration, 20*time.Millisecond)
}

func TestNestedDispatchIsAwaited(t *testing.T) {
	r, _ := newTestRunner(t)
	var done atomic.Int32
	r.Register("child", func(context.Context, Resources, []string) error {
		time.Sleep(10 * time.Millisecond)
		done.Add(1)
		return nil
	})
	r.Register("parent", func(context.Context, Resources, []string) error {
		return r.Dispatch("child")
	})

	require.NoError(t, r.Dispatch("parent"))
	waitFor(t, r)
	assert.Equal(t, int32(1), done.Load())
}

func TestEventsNeverBlock(t *testing.T) {
	r := NewRunner(Resources{Events: make(chan Event)}, 0)
	r.Register("noop", func(context.Context, Resources, []string) error { return nil })
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Dispatch("noop"))
	}
	waitFor(t, r)
}

func TestWaitHonoursContext(t *testing.T) {
	r, _ := newTestRunner(t)
	release := make(chan struct{})
	defer close(release)
	r.Register("stuck", func(context.Context, Resources, []string) error {
		<-release
		return nil
	})
	require.NoError(t, r.Dispatch("stuck"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Wait(ctx), context.DeadlineExceeded)
}
