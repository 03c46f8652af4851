package notify

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/internal/httpclient"
	"github.com/teranos/cadence/internal/util"
)

// MaxSMSLength keeps a message within two concatenated segments
const MaxSMSLength = 320

// DefaultSMSBaseURL is the Twilio REST API
const DefaultSMSBaseURL = "https://api.twilio.com"

// SMSConfig holds Twilio-compatible credentials
type SMSConfig struct {
	AccountSID    string
	AuthToken     string
	FromNumber    string
	ToNumber      string
	BaseURL       string
	RatePerMinute int // 0 disables the limiter
}

// Missing lists the required settings that are unset
func (c SMSConfig) Missing() []string {
	var missing []string
	if c.AccountSID == "" {
		missing = append(missing, "account_sid")
	}
	if c.AuthToken == "" {
		missing = append(missing, "auth_token")
	}
	if c.ToNumber == "" {
		missing = append(missing, "to_number")
	}
	if c.FromNumber == "" {
		missing = append(missing, "from_number")
	}
	return missing
}

func (c SMSConfig) empty() bool {
	return len(c.Missing()) == 4
}

// SMSChannel sends a plain-text summary through the provider's Messages API
type SMSChannel struct {
	cfg     SMSConfig
	client  *httpclient.Client
	limiter *rate.Limiter
}

// NewSMSChannel creates the SMS channel
func NewSMSChannel(cfg SMSConfig, allowPrivate bool, log *zap.SugaredLogger) *SMSChannel {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultSMSBaseURL
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), cfg.RatePerMinute)
	}
	return &SMSChannel{
		cfg:     cfg,
		client:  httpclient.New(httpclient.Options{Name: ChannelSMS, AllowPrivate: allowPrivate, Logger: log}),
		limiter: limiter,
	}
}

func (c *SMSChannel) Name() string { return ChannelSMS }

// Send posts To/From/Body as a form with basic auth
func (c *SMSChannel) Send(ctx context.Context, ev Event) error {
	if missing := c.cfg.Missing(); len(missing) > 0 {
		return errors.Mark(errors.Newf("sms not configured: missing %s", strings.Join(missing, ", ")),
			errors.ErrChannelDisabled)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "sms rate limit")
	}

	form := url.Values{}
	form.Set("To", c.cfg.ToNumber)
	form.Set("From", c.cfg.FromNumber)
	form.Set("Body", RenderSMS(ev))

	header := http.Header{}
	header.Set("Content-Type", "application/x-www-form-urlencoded")
	header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString(
		[]byte(c.cfg.AccountSID+":"+c.cfg.AuthToken)))

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") +
		"/2010-04-01/Accounts/" + url.PathEscape(c.cfg.AccountSID) + "/Messages.json"
	if err := c.client.Post(ctx, endpoint, header, []byte(form.Encode())); err != nil {
		return errors.Mark(errors.Wrap(err, "sms delivery"), errors.ErrDeliveryFailed)
	}
	return nil
}

// RenderSMS is the single-line text message for ev
func RenderSMS(ev Event) string {
	text := ev.Summary
	if text == "" {
		text = ev.Title()
	} else {
		text = "[cadence] " + text
	}
	text = strings.Join(strings.Fields(text), " ")
	return util.Truncate(text, MaxSMSLength-len("…"))
}
