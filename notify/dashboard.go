package notify

import (
	"context"
	"strings"

	"github.com/teranos/cadence/errors"
)

// DashboardChannel writes the in-app notification. It is always enabled and
// is the durable record when every external channel is down.
type DashboardChannel struct {
	store *Store
}

// NewDashboardChannel creates the in-app channel
func NewDashboardChannel(store *Store) *DashboardChannel {
	return &DashboardChannel{store: store}
}

func (c *DashboardChannel) Name() string { return ChannelDashboard }

// Send inserts one row per round; recipients are joined into a single field
func (c *DashboardChannel) Send(ctx context.Context, ev Event) error {
	if c.store == nil {
		return errors.Mark(errors.New("dashboard store not configured"), errors.ErrChannelDisabled)
	}
	return c.store.InsertNotification(ctx, &SystemNotification{
		OrganizationID: ev.OrganizationID,
		Recipient:      strings.Join(ev.Recipients, ","),
		Title:          ev.Title(),
		Body:           ev.Body,
		Priority:       ev.Priority,
		SourceEvent:    ev.SourceEvent(),
		RunID:          ev.RunID,
	})
}
