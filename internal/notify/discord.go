package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/alanyoungcy/tradebot/internal/domain"
)

// DiscordSender delivers events via a Discord webhook.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender for the given webhook URL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts the event to the webhook. Discord answers 204 on success.
func (d *DiscordSender) Send(ctx context.Context, ev domain.Event) error {
	title, body := render(ev)
	return postJSON(ctx, d.client, "discord", d.webhookURL, map[string]string{
		"content": fmt.Sprintf("**%s**\n%s", title, body),
	})
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string {
	return "discord"
}
