package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := &Job{
		Name:      "morning briefing",
		Prompt:    "Summarize my day.",
		SessionID: "+4915551234",
		Schedule:  Schedule{Kind: ScheduleDaily, Hour: 7, Minute: 30},
		Enabled:   true,
	}
	require.NoError(t, store.Create(ctx, job))
	require.NotEmpty(t, job.ID)

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "morning briefing", got.Name)
	assert.Equal(t, ScheduleDaily, got.Schedule.Kind)
	assert.Equal(t, 7, got.Schedule.Hour)
	assert.Equal(t, 30, got.Schedule.Minute)
	assert.True(t, got.Enabled)
}

func TestStoreGetMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestStoreListEnabledOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &Job{
		Name: "on", Prompt: "p", SessionID: "s",
		Schedule: Schedule{Kind: ScheduleEvery, Every: time.Hour},
		Enabled:  true,
	}))
	require.NoError(t, store.Create(ctx, &Job{
		Name: "off", Prompt: "p", SessionID: "s",
		Schedule: Schedule{Kind: ScheduleEvery, Every: time.Hour},
		Enabled:  false,
	}))

	all, err := store.List(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	enabled, err := store.List(ctx, true)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "on", enabled[0].Name)
}

func TestStoreUpdateAndDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := &Job{
		Name: "tick", Prompt: "p", SessionID: "s",
		Schedule: Schedule{Kind: ScheduleEvery, Every: time.Minute},
		Enabled:  true,
	}
	require.NoError(t, store.Create(ctx, job))

	job.Enabled = false
	job.Prompt = "updated"
	require.NoError(t, store.Update(ctx, job))

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, "updated", got.Prompt)

	require.NoError(t, store.Delete(ctx, job.ID))
	assert.ErrorIs(t, store.Delete(ctx, job.ID), ErrJobNotFound)
}

func TestStoreRecordRun(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := &Job{
		Name: "tick", Prompt: "p", SessionID: "s",
		Schedule: Schedule{Kind: ScheduleEvery, Every: time.Minute},
		Enabled:  true,
	}
	require.NoError(t, store.Create(ctx, job))

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.RecordRun(ctx, job.ID, at, "done"))

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "done", got.LastResult)
	assert.Equal(t, at, got.LastRunAt)
}

func TestJobNextRun(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("at in future", func(t *testing.T) {
		j := &Job{Schedule: Schedule{Kind: ScheduleAt, At: now.Add(time.Hour)}}
		next, ok := j.NextRun(now)
		require.True(t, ok)
		assert.Equal(t, now.Add(time.Hour), next)
	})

	t.Run("at already passed", func(t *testing.T) {
		j := &Job{Schedule: Schedule{Kind: ScheduleAt, At: now.Add(-time.Hour)}}
		_, ok := j.NextRun(now)
		assert.False(t, ok)
	})

	t.Run("every aligns to creation time", func(t *testing.T) {
		j := &Job{
			CreatedAt: now.Add(-90 * time.Minute),
			Schedule:  Schedule{Kind: ScheduleEvery, Every: time.Hour},
		}
		next, ok := j.NextRun(now)
		require.True(t, ok)
		assert.Equal(t, now.Add(30*time.Minute), next)
	})

	t.Run("daily later today", func(t *testing.T) {
		j := &Job{Schedule: Schedule{Kind: ScheduleDaily, Hour: 18, Minute: 0}}
		next, ok := j.NextRun(now)
		require.True(t, ok)
		assert.Equal(t, time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC), next)
	})

	t.Run("daily rolls to tomorrow", func(t *testing.T) {
		j := &Job{Schedule: Schedule{Kind: ScheduleDaily, Hour: 7, Minute: 30}}
		next, ok := j.NextRun(now)
		require.True(t, ok)
		assert.Equal(t, time.Date(2026, 3, 2, 7, 30, 0, 0, time.UTC), next)
	})
}
