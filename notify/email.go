package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"embed"
	"html/template"
	"io"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/teranos/cadence/errors"
)

//go:embed templates/email.html
var templateFS embed.FS

var emailTemplate = template.Must(template.ParseFS(templateFS, "templates/email.html"))

var emailMarkdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithHardWraps(), html.WithXHTML()),
)

var emailMarkdownMu sync.Mutex

// EmailConfig holds SMTP settings
type EmailConfig struct {
	SMTPHost  string
	SMTPPort  int
	Username  string
	Password  string
	From      string
	DefaultTo []string // used when the event carries no email recipients
}

// Missing lists the required settings that are unset
func (c EmailConfig) Missing() []string {
	var missing []string
	if c.SMTPHost == "" {
		missing = append(missing, "smtp_host")
	}
	if c.From == "" {
		missing = append(missing, "from")
	}
	return missing
}

func (c EmailConfig) empty() bool {
	return c.SMTPHost == "" && c.From == "" && c.Username == "" && len(c.DefaultTo) == 0
}

// EmailSender hands a composed message to a mail transport
type EmailSender interface {
	Send(ctx context.Context, from string, to []string, msg []byte) error
}

// DefaultSMTPTimeout bounds an SMTP session when ctx carries no deadline
const DefaultSMTPTimeout = 30 * time.Second

// SMTPSender delivers through an SMTP relay with STARTTLS when offered
type SMTPSender struct {
	host    string
	addr    string
	auth    smtp.Auth
	timeout time.Duration
}

// NewSMTPSender creates a sender for cfg. PLAIN auth is used when a username is set.
func NewSMTPSender(cfg EmailConfig) *SMTPSender {
	port := cfg.SMTPPort
	if port == 0 {
		port = 587
	}
	s := &SMTPSender{
		host:    cfg.SMTPHost,
		addr:    net.JoinHostPort(cfg.SMTPHost, strconv.Itoa(port)),
		timeout: DefaultSMTPTimeout,
	}
	if cfg.Username != "" {
		s.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.SMTPHost)
	}
	return s
}

// Send implements EmailSender. The whole session runs under one connection
// deadline: ctx's when it has one, DefaultSMTPTimeout otherwise. Cancelling
// ctx aborts the session.
func (s *SMTPSender) Send(ctx context.Context, from string, to []string, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(s.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	dialer := &net.Dialer{Deadline: deadline}
	conn, err := dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "smtp dial %s", s.addr)
	}
	defer conn.Close()
	if err := conn.SetDeadline(deadline); err != nil {
		return errors.Wrap(err, "smtp set deadline")
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := s.session(conn, from, to, msg); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Wrapf(ctxErr, "smtp %s", s.addr)
		}
		return errors.Wrapf(err, "smtp %s", s.addr)
	}
	return nil
}

func (s *SMTPSender) session(conn net.Conn, from string, to []string, msg []byte) error {
	c, err := smtp.NewClient(conn, s.host)
	if err != nil {
		return errors.Wrap(err, "greeting")
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: s.host}); err != nil {
			return errors.Wrap(err, "starttls")
		}
	}
	if s.auth != nil {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(s.auth); err != nil {
				return errors.Wrap(err, "auth")
			}
		}
	}
	if err := c.Mail(from); err != nil {
		return errors.Wrap(err, "MAIL FROM")
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return errors.Wrapf(err, "RCPT TO %s", rcpt)
		}
	}
	w, err := c.Data()
	if err != nil {
		return errors.Wrap(err, "DATA")
	}
	if _, err := w.Write(msg); err != nil {
		return errors.Wrap(err, "write message")
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, "close message")
	}
	return c.Quit()
}

// EmailChannel renders the event body to HTML and mails it
type EmailChannel struct {
	cfg    EmailConfig
	sender EmailSender
	now    func() time.Time
}

// NewEmailChannel creates the email channel
func NewEmailChannel(cfg EmailConfig, sender EmailSender) *EmailChannel {
	return &EmailChannel{cfg: cfg, sender: sender, now: time.Now}
}

func (c *EmailChannel) Name() string { return ChannelEmail }

// Send fails when no recipient resolves or the sender errors
func (c *EmailChannel) Send(ctx context.Context, ev Event) error {
	if missing := c.cfg.Missing(); len(missing) > 0 || c.sender == nil {
		return errors.Mark(errors.Newf("email not configured: missing %s", strings.Join(missing, ", ")),
			errors.ErrChannelDisabled)
	}
	to := ev.EmailRecipients()
	if len(to) == 0 {
		to = c.cfg.DefaultTo
	}
	if len(to) == 0 {
		return errors.Mark(errors.New("email has no recipient"), errors.ErrDeliveryFailed)
	}

	msg, err := ComposeEmail(c.cfg.From, to, ev, c.now())
	if err != nil {
		return err
	}
	fromAddr, err := mail.ParseAddress(c.cfg.From)
	if err != nil {
		return errors.Wrapf(err, "invalid from address %q", c.cfg.From)
	}
	if err := c.sender.Send(ctx, fromAddr.Address, to, msg); err != nil {
		return errors.Mark(errors.Wrap(err, "email delivery"), errors.ErrDeliveryFailed)
	}
	return nil
}

// ComposeEmail builds a multipart/alternative message with a plain-text part
// (the markdown body) and an HTML part
func ComposeEmail(from string, to []string, ev Event, now time.Time) ([]byte, error) {
	fromAddr, err := mail.ParseAddress(from)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid from address %q", from)
	}
	toAddrs := make([]*mail.Address, 0, len(to))
	for _, t := range to {
		addr, err := mail.ParseAddress(t)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid recipient %q", t)
		}
		toAddrs = append(toAddrs, addr)
	}

	htmlBody, err := RenderEmailHTML(ev, now)
	if err != nil {
		return nil, err
	}

	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{fromAddr})
	h.SetAddressList("To", toAddrs)
	h.SetSubject(ev.Title())
	if err := h.GenerateMessageID(); err != nil {
		return nil, errors.Wrap(err, "generate message id")
	}
	if ev.Priority == PriorityHigh {
		h.Set("X-Priority", "1")
	}

	var buf bytes.Buffer
	w, err := mail.CreateInlineWriter(&buf, h)
	if err != nil {
		return nil, errors.Wrap(err, "create message")
	}
	parts := []struct{ contentType, body string }{
		{"text/plain", ev.Body},
		{"text/html", htmlBody},
	}
	for _, p := range parts {
		var ph mail.InlineHeader
		ph.SetContentType(p.contentType, map[string]string{"charset": "utf-8"})
		pw, err := w.CreatePart(ph)
		if err != nil {
			return nil, errors.Wrap(err, "create message part")
		}
		if _, err := io.WriteString(pw, p.body); err != nil {
			return nil, errors.Wrap(err, "write message part")
		}
		if err := pw.Close(); err != nil {
			return nil, errors.Wrap(err, "close message part")
		}
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "close message")
	}
	return buf.Bytes(), nil
}

type emailData struct {
	Title     string
	Preheader string
	Body      template.HTML
	Footer    string
	Failed    bool
}

// RenderEmailHTML renders the markdown body into the HTML template
func RenderEmailHTML(ev Event, now time.Time) (string, error) {
	body := strings.TrimSpace(ev.Body)
	if body == "" {
		body = ev.Summary
	}

	var content bytes.Buffer
	emailMarkdownMu.Lock()
	err := emailMarkdown.Convert([]byte(body), &content)
	emailMarkdownMu.Unlock()
	if err != nil {
		content.Reset()
		content.WriteString("<pre>" + template.HTMLEscapeString(body) + "</pre>")
	}

	data := emailData{
		Title:     ev.Title(),
		Preheader: ev.Summary,
		Body:      template.HTML(content.String()),
		Footer:    "cadence • " + now.UTC().Format(time.RFC3339),
		Failed:    !ev.Success,
	}
	var out bytes.Buffer
	if err := emailTemplate.Execute(&out, data); err != nil {
		return "", errors.Wrap(err, "render email template")
	}
	return out.String(), nil
}
