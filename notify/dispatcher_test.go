package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/cadence/db"
	"github.com/teranos/cadence/errors"
	cadencetest "github.com/teranos/cadence/internal/testing"
)

// stubChannel records what it was sent and returns err or panics
type stubChannel struct {
	name    string
	err     error
	panics  bool
	release chan struct{} // when set, Send blocks until closed

	mu   sync.Mutex
	sent []Event
}

func (c *stubChannel) Name() string { return c.name }

func (c *stubChannel) Send(ctx context.Context, ev Event) error {
	if c.release != nil {
		<-c.release
	}
	if c.panics {
		panic("provider SDK exploded")
	}
	c.mu.Lock()
	c.sent = append(c.sent, ev)
	c.mu.Unlock()
	return c.err
}

func (c *stubChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func newTestStore(t *testing.T) *Store {
	store := NewStore(cadencetest.CreateTestDB(t), db.DialectSQLite)
	store.now = func() time.Time { return at(2, 10, 0) }
	return store
}

func testEvent(triggered time.Time) Event {
	return Event{
		ID:          "evt-1",
		Subject:     "Construction wire",
		Summary:     "Construction wire failed: rate limited",
		Body:        "**Error:** rate limited",
		Priority:    PriorityHigh,
		Recipients:  []string{"ops@example.com"},
		TriggeredAt: triggered,
		RunID:       "run-1",
		ScheduleID:  "sched-1",
		Source:      "construction_wire",
	}
}

func TestDispatchNow_OneChannelFailing(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sms := &stubChannel{name: ChannelSMS}
	chat := &stubChannel{name: ChannelChat, err: errors.New("webhook returned 500")}
	email := &stubChannel{name: ChannelEmail}
	d := NewDispatcherWithChannels(utcHours, store, zaptest.NewLogger(t).Sugar(), sms, chat, email)

	results := d.DispatchNow(ctx, testEvent(at(2, 10, 0)))

	require.Len(t, results, 3)
	assert.Equal(t, ChannelResult{Channel: ChannelSMS, Sent: true}, results[0])
	assert.Equal(t, ChannelChat, results[1].Channel)
	assert.False(t, results[1].Sent)
	assert.Equal(t, "webhook returned 500", results[1].Error)
	assert.Equal(t, ChannelResult{Channel: ChannelEmail, Sent: true}, results[2])
	assert.Equal(t, 1, sms.count())
	assert.Equal(t, 1, email.count())

	deliveries, err := store.ListDeliveries(ctx, "evt-1")
	require.NoError(t, err)
	require.Len(t, deliveries, 3)
	byChannel := map[string]Delivery{}
	for _, del := range deliveries {
		byChannel[del.Channel] = del
	}
	assert.True(t, byChannel[ChannelSMS].Sent)
	assert.False(t, byChannel[ChannelChat].Sent)
	assert.Equal(t, "webhook returned 500", byChannel[ChannelChat].Error)
}

func TestDispatchNow_PanicIsIsolated(t *testing.T) {
	sms := &stubChannel{name: ChannelSMS, panics: true}
	email := &stubChannel{name: ChannelEmail}
	d := NewDispatcherWithChannels(utcHours, newTestStore(t), zaptest.NewLogger(t).Sugar(), sms, email)

	results := d.DispatchNow(context.Background(), testEvent(at(2, 10, 0)))

	require.Len(t, results, 2)
	assert.False(t, results[0].Sent)
	assert.Contains(t, results[0].Error, "provider SDK exploded")
	assert.True(t, results[1].Sent)
}

func TestDispatchNow_SendsConcurrently(t *testing.T) {
	release := make(chan struct{})
	slow := &stubChannel{name: ChannelSMS, release: release}
	fast := &stubChannel{name: ChannelChat}
	d := NewDispatcherWithChannels(utcHours, nil, zaptest.NewLogger(t).Sugar(), slow, fast)

	done := make(chan []ChannelResult, 1)
	go func() { done <- d.DispatchNow(context.Background(), testEvent(at(2, 10, 0))) }()

	require.Eventually(t, func() bool { return fast.count() == 1 }, 2*time.Second, 5*time.Millisecond,
		"a blocked channel must not hold up the others")
	close(release)

	select {
	case results := <-done:
		assert.Equal(t, []string{ChannelSMS, ChannelChat}, []string{results[0].Channel, results[1].Channel})
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch round did not finish")
	}
}

func TestDispatch_InsideBusinessHoursSendsNow(t *testing.T) {
	chat := &stubChannel{name: ChannelChat}
	d := NewDispatcherWithChannels(utcHours, newTestStore(t), zaptest.NewLogger(t).Sugar(), chat)

	results := d.Dispatch(context.Background(), testEvent(at(6, 17, 59)))

	require.Len(t, results, 1)
	assert.True(t, results[0].Sent)
	assert.Equal(t, 1, chat.count())
}

func TestDispatch_OutsideBusinessHoursDefers(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	chat := &stubChannel{name: ChannelChat}
	d := NewDispatcherWithChannels(utcHours, store, zaptest.NewLogger(t).Sugar(), NewDashboardChannel(store), chat)

	// Friday 18:00 rolls to Monday 08:00
	results := d.Dispatch(ctx, testEvent(at(6, 18, 0)))

	require.Equal(t, []ChannelResult{{
		Channel: ChannelDashboard,
		Sent:    false,
		Error:   "deferred until 2026-03-09T08:00:00Z",
	}}, results)
	assert.Zero(t, chat.count(), "no channel is attempted outside business hours")

	pending, err := store.CountPendingDeferred(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	notifications, err := store.ListNotifications(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, notifications)

	// The same event deferred twice is stored once
	d.Dispatch(ctx, testEvent(at(6, 18, 0)))
	pending, err = store.CountPendingDeferred(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestDispatch_UsesTriggerTimeNotDispatchTime(t *testing.T) {
	chat := &stubChannel{name: ChannelChat}
	d := NewDispatcherWithChannels(utcHours, newTestStore(t), zaptest.NewLogger(t).Sugar(), chat)
	d.now = func() time.Time { return at(7, 12, 0) } // Saturday

	results := d.Dispatch(context.Background(), testEvent(at(6, 17, 0)))
	require.Len(t, results, 1)
	assert.True(t, results[0].Sent)
}

func TestNewDispatcher_EnablesConfiguredChannels(t *testing.T) {
	store := newTestStore(t)
	log := zaptest.NewLogger(t).Sugar()

	d := NewDispatcher(Config{Hours: utcHours}, store, log)
	assert.Equal(t, []string{ChannelDashboard}, d.Channels(), "dashboard is always enabled")

	d.Reload(Config{
		Hours: utcHours,
		SMS:   SMSConfig{AccountSID: "AC1", AuthToken: "tok", FromNumber: "+15550001", ToNumber: "+15550002"},
		Chat:  ChatConfig{WebhookURL: "https://hooks.example.com/T000/B000"},
		Email: EmailConfig{SMTPHost: "smtp.example.com", From: "cadence@example.com"},
	})
	assert.Equal(t, []string{ChannelDashboard, ChannelSMS, ChannelChat, ChannelEmail}, d.Channels())

	// Incomplete SMS credentials disable the channel rather than failing
	d.Reload(Config{Hours: utcHours, SMS: SMSConfig{AccountSID: "AC1", AuthToken: "tok"}})
	assert.Equal(t, []string{ChannelDashboard}, d.Channels())
}

func TestDispatchNow_AllExternalChannelsDownLeavesDashboardRecord(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	down := errors.New("connection refused")
	d := NewDispatcherWithChannels(utcHours, store, zaptest.NewLogger(t).Sugar(),
		NewDashboardChannel(store),
		&stubChannel{name: ChannelSMS, err: down},
		&stubChannel{name: ChannelChat, err: down},
		&stubChannel{name: ChannelEmail, err: down})

	results := d.DispatchNow(ctx, testEvent(at(2, 10, 0)))
	require.Len(t, results, 4)
	assert.True(t, results[0].Sent)

	notifications, err := store.ListNotifications(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	n := notifications[0]
	assert.Equal(t, "[cadence] Construction wire failed", n.Title)
	assert.Equal(t, "ops@example.com", n.Recipient)
	assert.Equal(t, PriorityHigh, n.Priority)
	assert.Equal(t, "run.failed:evt-1", n.SourceEvent)
	assert.Equal(t, "run-1", n.RunID)
	assert.False(t, n.IsRead)
}
