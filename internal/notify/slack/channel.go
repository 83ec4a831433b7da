// Package slack delivers notifications to Slack incoming webhooks.
package slack

import (
	"context"
	"fmt"

	"trellis/internal/notify"
)

const Name = "slack"

// Defaults fill message fields the notification left empty.
type Defaults struct {
	Username  string
	IconEmoji string
	Channel   string
}

// Channel is the "slack" notification channel. The route is the webhook URL.
type Channel struct {
	poster   Poster
	defaults Defaults
}

func NewChannel(p Poster, d Defaults) *Channel {
	return &Channel{poster: p, defaults: d}
}

func (c *Channel) Name() string { return Name }

func (c *Channel) Send(ctx context.Context, route string, n *notify.Notification) error {
	if route == "" {
		return nil
	}
	msg := c.message(n)
	if msg == nil {
		return notify.Permanent(fmt.Errorf("%w: %s", notify.ErrNoContent, Name))
	}
	return c.poster.Post(ctx, route, BuildPayload(msg))
}

// message returns the Slack model for n, or nil when there is nothing to say.
func (c *Channel) message(n *notify.Notification) *notify.SlackMessage {
	if n == nil {
		return nil
	}
	var msg notify.SlackMessage
	if n.Slack != nil {
		msg = *n.Slack
	}
	if msg.Content == "" {
		msg.Content = n.Text
	}
	if msg.Content == "" && len(msg.Attachments) == 0 {
		return nil
	}
	if msg.Username == "" {
		msg.Username = c.defaults.Username
	}
	if msg.Icon == "" {
		msg.Icon = c.defaults.IconEmoji
	}
	if msg.Channel == "" {
		msg.Channel = c.defaults.Channel
	}
	return &msg
}
