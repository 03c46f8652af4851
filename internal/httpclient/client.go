// Package httpclient is the outbound HTTP transport shared by notification
// channels: URL validation against internal addresses, bounded retries, and a
// circuit breaker per provider.
package httpclient

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/version"
)

const (
	DefaultTimeout        = 10 * time.Second
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 500 * time.Millisecond

	// maxErrorBody bounds how much of a failed response is kept in the error
	maxErrorBody = 1024
)

// Options configures a Client. Zero values take the defaults above.
type Options struct {
	Name           string // breaker name, e.g. "sms"
	Timeout        time.Duration
	MaxAttempts    uint64
	InitialBackoff time.Duration
	AllowPrivate   bool // permit loopback and RFC 1918 hosts (tests, self-hosted webhooks)
	Logger         *zap.SugaredLogger
}

// Client posts to provider APIs
type Client struct {
	http    *http.Client
	opts    Options
	breaker *gobreaker.CircuitBreaker
	logger  *zap.SugaredLogger
}

// StatusError is a non-2xx provider response
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return "provider returned HTTP " + http.StatusText(e.Code)
	}
	return "provider returned HTTP " + http.StatusText(e.Code) + ": " + e.Body
}

// Retryable reports whether the provider may accept the same request later
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// New creates a Client
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultInitialBackoff
	}
	if opts.Name == "" {
		opts.Name = "http"
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	c := &Client{
		http:   &http.Client{Timeout: opts.Timeout},
		opts:   opts,
		logger: log,
	}

	c.http.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= 5 {
			return errors.Newf("stopped after %d redirects", len(via))
		}
		if err := c.validateURL(req.URL); err != nil {
			return errors.Wrap(err, "redirect blocked")
		}
		return nil
	}

	if !opts.AllowPrivate {
		dialer := &net.Dialer{Timeout: opts.Timeout, KeepAlive: 30 * time.Second}
		c.http.Transport = &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, _, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, errors.Wrap(err, "invalid address")
				}
				ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
				if err != nil {
					return nil, errors.Wrapf(err, "failed to resolve host %q", host)
				}
				// Resolved addresses are checked again to catch DNS rebinding
				for _, ip := range ips {
					if isPrivateIP(ip) {
						return nil, errors.Newf("private IP address blocked: %s", ip)
					}
				}
				return dialer.DialContext(ctx, network, addr)
			},
			MaxIdleConns:        20,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		}
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        opts.Name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// A rejected request says nothing about provider health
		IsSuccessful: func(err error) bool {
			var se *StatusError
			return err == nil || (errors.As(err, &se) && !se.Retryable())
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnw("Circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	})
	return c
}

// Post sends body to rawURL. It retries network errors, 429 and 5xx with
// exponential backoff, and returns a *StatusError for a final non-2xx.
func (c *Client) Post(ctx context.Context, rawURL string, header http.Header, body []byte) error {
	u, err := c.ValidateURL(rawURL)
	if err != nil {
		return err
	}

	attempt := 0
	op := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(errors.Wrap(err, "build request"))
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		if req.Header.Get("User-Agent") == "" {
			req.Header.Set("User-Agent", version.Get().UserAgent())
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			c.logger.Debugw("Provider request failed",
				"breaker", c.opts.Name, "attempt", attempt, "error", err)
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
			return nil
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		se := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
		if !se.Retryable() {
			return backoff.Permanent(se)
		}
		c.logger.Debugw("Provider returned retryable status",
			"breaker", c.opts.Name, "attempt", attempt, "status", resp.StatusCode)
		return se
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.opts.InitialBackoff
	policy.MaxElapsedTime = 0
	bounded := backoff.WithContext(backoff.WithMaxRetries(policy, c.opts.MaxAttempts-1), ctx)

	_, err = c.breaker.Execute(func() (interface{}, error) {
		return nil, backoff.Retry(op, bounded)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.WithHintf(errors.Wrapf(err, "%s provider", c.opts.Name),
			"%s has failed repeatedly; requests resume after the breaker timeout", c.opts.Name)
	}
	return err
}

// BreakerState reports the circuit breaker state, e.g. "closed" or "open"
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

// ValidateURL parses rawURL and rejects schemes and hosts the client will not contact
func (c *Client) ValidateURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid URL")
	}
	if err := c.validateURL(u); err != nil {
		return nil, err
	}
	return u, nil
}

func (c *Client) validateURL(u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return errors.Newf("scheme %q not allowed", scheme)
	}
	// Userinfo in a provider URL is either a mistake or host confusion
	if u.User != nil {
		return errors.New("URL must not carry credentials; configure them separately")
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("URL missing hostname")
	}
	if c.opts.AllowPrivate {
		return nil
	}
	if isLocalhost(host) {
		return errors.New("localhost access blocked")
	}
	if ip := net.ParseIP(host); ip != nil && isPrivateIP(ip) {
		return errors.Newf("private IP address blocked: %s", host)
	}
	return nil
}

var privateBlocks = []net.IPNet{
	{IP: net.IPv4(10, 0, 0, 0), Mask: net.CIDRMask(8, 32)},
	{IP: net.IPv4(172, 16, 0, 0), Mask: net.CIDRMask(12, 32)},
	{IP: net.IPv4(192, 168, 0, 0), Mask: net.CIDRMask(16, 32)},
	{IP: net.IPv4(127, 0, 0, 0), Mask: net.CIDRMask(8, 32)},
	{IP: net.IPv4(169, 254, 0, 0), Mask: net.CIDRMask(16, 32)}, // link-local, cloud metadata
	{IP: net.IPv4(0, 0, 0, 0), Mask: net.CIDRMask(8, 32)},
	{IP: net.IPv4(224, 0, 0, 0), Mask: net.CIDRMask(4, 32)},
	{IP: net.IPv4(240, 0, 0, 0), Mask: net.CIDRMask(4, 32)},
}

func isPrivateIP(ip net.IP) bool {
	if ip4 := ip.To4(); ip4 != nil {
		for _, block := range privateBlocks {
			if block.Contains(ip4) {
				return true
			}
		}
		return false
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsMulticast() || ip.IsUnspecified() || ip.IsPrivate() {
		return true
	}
	// fec0::/10 site-local
	return len(ip) == net.IPv6len && ip[0] == 0xfe && ip[1]&0xc0 == 0xc0
}

func isLocalhost(host string) bool {
	host = strings.ToLower(host)
	return host == "localhost" || host == "localhost.localdomain" || strings.HasSuffix(host, ".localhost")
}
