package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/internal/httpclient"
	"github.com/teranos/cadence/internal/util"
)

// slackSectionLimit is the provider's cap on a section's text
const slackSectionLimit = 3000

// ChatConfig holds the incoming-webhook URL
type ChatConfig struct {
	WebhookURL string
}

// ChatChannel posts a Slack-compatible block message to a webhook
type ChatChannel struct {
	cfg    ChatConfig
	client *httpclient.Client
}

// NewChatChannel creates the chat channel
func NewChatChannel(cfg ChatConfig, allowPrivate bool, log *zap.SugaredLogger) *ChatChannel {
	return &ChatChannel{
		cfg:    cfg,
		client: httpclient.New(httpclient.Options{Name: ChannelChat, AllowPrivate: allowPrivate, Logger: log}),
	}
}

func (c *ChatChannel) Name() string { return ChannelChat }

// Send posts the rendered blocks
func (c *ChatChannel) Send(ctx context.Context, ev Event) error {
	if c.cfg.WebhookURL == "" {
		return errors.Mark(errors.New("chat webhook not configured"), errors.ErrChannelDisabled)
	}
	body, err := json.Marshal(RenderChat(ev))
	if err != nil {
		return errors.Wrap(err, "encode chat message")
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	if err := c.client.Post(ctx, c.cfg.WebhookURL, header, body); err != nil {
		return errors.Mark(errors.Wrap(err, "chat delivery"), errors.ErrDeliveryFailed)
	}
	return nil
}

type chatText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type chatBlock struct {
	Type     string     `json:"type"`
	Text     *chatText  `json:"text,omitempty"`
	Elements []chatText `json:"elements,omitempty"`
}

// ChatMessage is the webhook payload; Text is the notification fallback
type ChatMessage struct {
	Text   string      `json:"text"`
	Blocks []chatBlock `json:"blocks"`
}

// RenderChat builds the block message for ev
func RenderChat(ev Event) ChatMessage {
	title := ev.Title()
	if ev.Priority == PriorityHigh {
		title = ":rotating_light: " + title
	}

	blocks := []chatBlock{
		{Type: "header", Text: &chatText{Type: "plain_text", Text: util.Truncate(title, 150)}},
	}
	if ev.Summary != "" {
		blocks = append(blocks, chatBlock{Type: "section", Text: &chatText{Type: "mrkdwn", Text: ev.Summary}})
	}
	if body := strings.TrimSpace(ev.Body); body != "" {
		blocks = append(blocks, chatBlock{
			Type: "section",
			Text: &chatText{Type: "mrkdwn", Text: util.Truncate(toMrkdwn(body), slackSectionLimit-len("…"))},
		})
	}

	var ctxParts []string
	if ev.RunID != "" {
		ctxParts = append(ctxParts, "run `"+ev.RunID+"`")
	}
	if !ev.TriggeredAt.IsZero() {
		ctxParts = append(ctxParts, ev.TriggeredAt.UTC().Format(time.RFC3339))
	}
	if len(ctxParts) > 0 {
		blocks = append(blocks, chatBlock{
			Type:     "context",
			Elements: []chatText{{Type: "mrkdwn", Text: strings.Join(ctxParts, " • ")}},
		})
	}

	fallback := ev.Summary
	if fallback == "" {
		fallback = ev.Title()
	}
	return ChatMessage{Text: fallback, Blocks: blocks}
}

// toMrkdwn converts the markdown bold marker to Slack's
func toMrkdwn(s string) string {
	return strings.ReplaceAll(s, "**", "*")
}
