package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRedeliverer_DeliversWhenWindowOpens(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	log := zaptest.NewLogger(t).Sugar()
	chat := &stubChannel{name: ChannelChat}
	d := NewDispatcherWithChannels(utcHours, store, log, NewDashboardChannel(store), chat)
	r := NewRedeliverer(store, d, log)

	ev := testEvent(at(6, 22, 15)) // Friday night
	d.Dispatch(ctx, ev)
	require.Zero(t, chat.count())

	// Saturday: nothing due yet
	n, err := r.RunOnce(ctx, at(7, 9, 0))
	require.NoError(t, err)
	assert.Zero(t, n)

	// Monday 08:00 the held event goes out on every channel
	n, err = r.RunOnce(ctx, at(9, 8, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Equal(t, 1, chat.count())
	assert.Equal(t, ev.ID, chat.sent[0].ID)
	assert.Equal(t, ev.Summary, chat.sent[0].Summary)

	notifications, err := store.ListNotifications(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, notifications, 1)

	pending, err := store.CountPendingDeferred(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	// A second pass finds nothing to resend
	n, err = r.RunOnce(ctx, at(9, 9, 0))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, chat.count())
}

func TestStore_ClaimDeferredOnce(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Defer(ctx, testEvent(at(6, 22, 0)), at(9, 8, 0)))

	due, err := store.DueDeferred(ctx, at(9, 8, 0), 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, at(9, 8, 0), due[0].DeliverAt)
	assert.Equal(t, "evt-1", due[0].Event.ID)
	assert.True(t, due[0].Event.TriggeredAt.Equal(at(6, 22, 0)))

	ok, err := store.ClaimDeferred(ctx, due[0].ID, at(9, 8, 0))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.ClaimDeferred(ctx, due[0].ID, at(9, 8, 1))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedeliverer_StartStop(t *testing.T) {
	store := newTestStore(t)
	d := NewDispatcherWithChannels(utcHours, store, nil)
	r := NewRedeliverer(store, d, zaptest.NewLogger(t).Sugar())

	require.Error(t, r.Start(context.Background(), "not a cron spec"))
	require.NoError(t, r.Start(context.Background(), "*/5 * * * *"))
	require.NoError(t, r.Start(context.Background(), "*/5 * * * *"), "second start is a no-op")

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
