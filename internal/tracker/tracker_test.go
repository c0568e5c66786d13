package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caltasks/internal/kvstore"
	"caltasks/internal/model"
)

var tokyo = time.FixedZone("JST", 9*3600)

func standup(day int) model.Event {
	start := time.Date(2025, 3, day, 9, 30, 0, 0, tokyo)
	return model.Event{ID: "standup", CalendarID: "team", Title: "Standup", Start: start, End: start.Add(15 * time.Minute)}
}

func TestEvents(t *testing.T) {
	ctx := context.Background()
	tr := New(kvstore.NewMemory(), tokyo)

	assert.False(t, tr.IsEventTracked(ctx, standup(10)))
	require.NoError(t, tr.RecordEvent(ctx, standup(10), "task-1", "unmarked"))
	assert.True(t, tr.IsEventTracked(ctx, standup(10)))
	assert.False(t, tr.IsEventTracked(ctx, standup(11)), "instances are tracked per date")
	assert.Equal(t, "tracker:event:team:standup:2025-03-10", tr.EventKey(standup(10)))

	require.NoError(t, tr.ForgetEvent(ctx, standup(10)))
	assert.False(t, tr.IsEventTracked(ctx, standup(10)))
}

func TestEventEntry(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemory()
	tr := New(kv, tokyo)

	_, ok := tr.EventEntry(ctx, standup(10))
	assert.False(t, ok)

	require.NoError(t, tr.RecordEvent(ctx, standup(10), "task-1", ReasonUnmarked))
	e, ok := tr.EventEntry(ctx, standup(10))
	require.True(t, ok)
	assert.Equal(t, "task-1", e.TaskID)
	assert.True(t, e.PendingMark())
	assert.False(t, tr.IsEventSettled(ctx, standup(10)), "an unmarked event still needs its mark")

	require.NoError(t, tr.RecordEvent(ctx, standup(10), "task-1", ReasonReadOnly))
	assert.True(t, tr.IsEventSettled(ctx, standup(10)))

	require.NoError(t, kv.Set(ctx, tr.EventKey(standup(11)), "not json"))
	e, ok = tr.EventEntry(ctx, standup(11))
	require.True(t, ok)
	assert.True(t, e.PendingMark())
}

func TestMessages(t *testing.T) {
	ctx := context.Background()
	tr := New(kvstore.NewMemory(), tokyo)

	require.NoError(t, tr.RecordMessage(ctx, "m1", "Re: 見積書"))
	assert.True(t, tr.IsMessageTracked(ctx, "m1"))
	assert.False(t, tr.IsMessageTracked(ctx, "m2"))
}

func TestCleanup(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemory()
	tr := New(kv, tokyo)
	now := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

	tr.SetClock(func() time.Time { return now.Add(-40 * 24 * time.Hour) })
	require.NoError(t, tr.RecordEvent(ctx, standup(1), "", "unmarked"))
	tr.SetClock(func() time.Time { return now.Add(-time.Hour) })
	require.NoError(t, tr.RecordEvent(ctx, standup(9), "", "unmarked"))
	require.NoError(t, tr.RecordMessage(ctx, "m1", "hello"))
	require.NoError(t, kv.Set(ctx, "tracker:mail:broken", "not json"))

	tr.SetClock(func() time.Time { return now })
	removed, err := tr.Cleanup(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	events, messages, err := tr.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, events)
	assert.Equal(t, 1, messages)
	assert.True(t, tr.IsEventTracked(ctx, standup(9)))
}
