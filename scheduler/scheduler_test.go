package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStopWaitsForInflightFire(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	s := New(store, func(ctx context.Context, job *Job) (string, error) {
		close(entered)
		<-release
		return "ok", nil
	}, nil)

	require.NoError(t, s.Start(ctx))

	require.NoError(t, s.Create(ctx, &Job{
		Name: "soon", Prompt: "p", SessionID: "s",
		Schedule: Schedule{Kind: ScheduleAt, At: time.Now().Add(10 * time.Millisecond)},
		Enabled:  true,
	}))

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("job never fired")
	}

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a firing was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the firing finished")
	}
}

func TestNoArmAfterStop(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	s := New(store, func(ctx context.Context, job *Job) (string, error) {
		return "", nil
	}, nil)
	require.NoError(t, s.Start(ctx))
	s.Stop()

	require.NoError(t, s.Create(ctx, &Job{
		Name: "late", Prompt: "p", SessionID: "s",
		Schedule: Schedule{Kind: ScheduleEvery, Every: time.Minute},
		Enabled:  true,
	}))

	s.mu.Lock()
	n := len(s.timers)
	s.mu.Unlock()
	assert.Zero(t, n)
}
