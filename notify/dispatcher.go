package notify

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/cadence/internal/metrics"
	"github.com/teranos/cadence/logger"
)

// Channel names, in dispatch order
const (
	ChannelDashboard = "dashboard"
	ChannelSMS       = "sms"
	ChannelChat      = "chat"
	ChannelEmail     = "email"
)

// Channel delivers an event through one mechanism. Send must be safe to call
// concurrently with other channels' Send.
type Channel interface {
	Name() string
	Send(ctx context.Context, ev Event) error
}

// ChannelResult is the outcome of one channel within a dispatch round
type ChannelResult struct {
	Channel string `json:"channel"`
	Sent    bool   `json:"sent"`
	Error   string `json:"error,omitempty"`
}

// Config is everything the dispatcher needs to decide timing and build its
// channels. Nothing is read from the environment.
type Config struct {
	Hours BusinessHours
	SMS   SMSConfig
	Chat  ChatConfig
	Email EmailConfig

	// AllowPrivateHosts lets HTTP channels reach loopback and RFC 1918 hosts
	AllowPrivateHosts bool
}

// channelSet is swapped as a unit on reload
type channelSet struct {
	hours    BusinessHours
	channels []Channel
}

// Dispatcher fans an event out to every enabled channel, or defers it to the
// next business-hours window.
type Dispatcher struct {
	store  *Store
	logger *zap.SugaredLogger
	now    func() time.Time
	sender EmailSender // nil builds an SMTPSender from Config.Email
	set    atomic.Pointer[channelSet]

	// sendTimeout bounds each channel's Send within a round
	sendTimeout time.Duration
}

// DefaultSendTimeout bounds a single channel send
const DefaultSendTimeout = 45 * time.Second

// NewDispatcher builds the channel set from cfg. The dashboard channel is
// always present; the others only when fully configured.
func NewDispatcher(cfg Config, store *Store, log *zap.SugaredLogger) *Dispatcher {
	d := newDispatcher(store, log)
	d.Reload(cfg)
	return d
}

// NewDispatcherWithChannels uses the given channels as-is, in order
func NewDispatcherWithChannels(hours BusinessHours, store *Store, log *zap.SugaredLogger, channels ...Channel) *Dispatcher {
	d := newDispatcher(store, log)
	d.set.Store(&channelSet{hours: hours, channels: channels})
	return d
}

func newDispatcher(store *Store, log *zap.SugaredLogger) *Dispatcher {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Dispatcher{
		store:       store,
		logger:      logger.AddNotifySymbol(log),
		now:         time.Now,
		sendTimeout: DefaultSendTimeout,
	}
}

// SetSendTimeout changes the per-channel send bound. Zero or negative restores the default.
func (d *Dispatcher) SetSendTimeout(timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	d.sendTimeout = timeout
}

// SetEmailSender overrides the SMTP sender used by the next Reload
func (d *Dispatcher) SetEmailSender(s EmailSender) {
	d.sender = s
}

// Reload rebuilds the channel set from cfg and swaps it in. Rounds already in
// flight finish with the previous set.
func (d *Dispatcher) Reload(cfg Config) {
	d.set.Store(&channelSet{hours: cfg.Hours, channels: d.buildChannels(cfg)})
}

// Channels returns the names of the enabled channels in dispatch order
func (d *Dispatcher) Channels() []string {
	set := d.set.Load()
	names := make([]string, len(set.channels))
	for i, ch := range set.channels {
		names[i] = ch.Name()
	}
	return names
}

// Hours returns the active business-hours window
func (d *Dispatcher) Hours() BusinessHours {
	return d.set.Load().hours
}

func (d *Dispatcher) buildChannels(cfg Config) []Channel {
	channels := []Channel{NewDashboardChannel(d.store)}

	if missing := cfg.SMS.Missing(); len(missing) == 0 {
		channels = append(channels, NewSMSChannel(cfg.SMS, cfg.AllowPrivateHosts, d.logger))
	} else if !cfg.SMS.empty() {
		d.logger.Warnw("SMS channel disabled: incomplete configuration",
			logger.FieldChannel, ChannelSMS, "missing", missing)
	} else {
		d.logger.Debugw("SMS channel disabled", logger.FieldChannel, ChannelSMS)
	}

	if cfg.Chat.WebhookURL != "" {
		channels = append(channels, NewChatChannel(cfg.Chat, cfg.AllowPrivateHosts, d.logger))
	} else {
		d.logger.Debugw("Chat channel disabled", logger.FieldChannel, ChannelChat)
	}

	if missing := cfg.Email.Missing(); len(missing) == 0 {
		sender := d.sender
		if sender == nil {
			sender = NewSMTPSender(cfg.Email)
		}
		channels = append(channels, NewEmailChannel(cfg.Email, sender))
	} else if !cfg.Email.empty() {
		d.logger.Warnw("Email channel disabled: incomplete configuration",
			logger.FieldChannel, ChannelEmail, "missing", missing)
	} else {
		d.logger.Debugw("Email channel disabled", logger.FieldChannel, ChannelEmail)
	}
	return channels
}

// Dispatch sends ev now when it was triggered inside business hours, otherwise
// persists it for redelivery and reports a single unsent dashboard result.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) []ChannelResult {
	if ev.TriggeredAt.IsZero() {
		ev.TriggeredAt = d.now()
	}
	hours := d.set.Load().hours
	if d.store == nil || hours.InBusinessHours(ev.TriggeredAt) {
		return d.DispatchNow(ctx, ev)
	}

	deliverAt := hours.NextBusinessStart(ev.TriggeredAt)
	log := d.logger.With(logger.FieldEventID, ev.ID, logger.FieldDeferTill, deliverAt.Format(time.RFC3339))
	if err := d.store.Defer(ctx, ev, deliverAt); err != nil {
		// Sending late-night beats losing the notification
		log.Errorw("Failed to defer notification, sending now", logger.FieldError, err)
		return d.DispatchNow(ctx, ev)
	}
	metrics.DeferredNotifications.Inc()
	log.Infow("Notification deferred to business hours")

	results := []ChannelResult{{
		Channel: ChannelDashboard,
		Sent:    false,
		Error:   "deferred until " + deliverAt.Format(time.RFC3339),
	}}
	d.audit(ctx, ev, results)
	return results
}

// DispatchNow sends ev to every enabled channel concurrently, ignoring business
// hours. Results come back in channel order, one per channel.
func (d *Dispatcher) DispatchNow(ctx context.Context, ev Event) []ChannelResult {
	channels := d.set.Load().channels
	results := make([]ChannelResult, len(channels))

	var wg sync.WaitGroup
	for i, ch := range channels {
		wg.Add(1)
		go func(i int, ch Channel) {
			defer wg.Done()
			results[i] = d.send(ctx, ch, ev)
		}(i, ch)
	}
	wg.Wait()

	for _, r := range results {
		metrics.ObserveSend(r.Channel, r.Sent)
		if r.Sent {
			d.logger.Debugw("Notification sent", logger.FieldEventID, ev.ID, logger.FieldChannel, r.Channel)
		} else {
			d.logger.Warnw("Notification channel failed",
				logger.FieldEventID, ev.ID,
				logger.FieldChannel, r.Channel,
				logger.FieldError, r.Error)
		}
	}
	d.audit(ctx, ev, results)
	return results
}

// send isolates one channel: errors, panics and sends that outlive the
// per-channel timeout become a result value
func (d *Dispatcher) send(ctx context.Context, ch Channel, ev Event) ChannelResult {
	name := ch.Name()
	ctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	done := make(chan ChannelResult, 1)
	go func() {
		res := ChannelResult{Channel: name}
		defer func() {
			if r := recover(); r != nil {
				res.Sent = false
				res.Error = fmt.Sprintf("panic: %v", r)
			}
			done <- res
		}()
		if err := ch.Send(ctx, ev); err != nil {
			res.Error = err.Error()
			return
		}
		res.Sent = true
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		select {
		case res := <-done:
			return res
		default:
		}
		return ChannelResult{Channel: name, Error: fmt.Sprintf("%s send abandoned: %v", name, ctx.Err())}
	}
}

func (d *Dispatcher) audit(ctx context.Context, ev Event, results []ChannelResult) {
	if d.store == nil {
		return
	}
	if err := d.store.RecordDeliveries(context.WithoutCancel(ctx), ev.ID, results); err != nil {
		d.logger.Errorw("Failed to record notification deliveries",
			logger.FieldEventID, ev.ID, logger.FieldError, err)
	}
}
