// Package telegram delivers notifications as Telegram messages.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	"trellis/internal/notify"
	logx "trellis/pkg/logx"
)

const Name = "telegram"

// textLimit stays under Telegram's 4096 character cap.
const textLimit = 4000

// Sender is the part of *tele.Bot the channel uses.
type Sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// NewBot builds an offline bot: no getMe call and no poller, it only sends.
func NewBot(token string) (*tele.Bot, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	return tele.NewBot(tele.Settings{Token: token, Offline: true})
}

// Target is a chat and optional forum thread.
type Target struct {
	ChatID   int64
	ThreadID int
}

// ParseRoute parses "<chat_id>" or "<chat_id>/<thread_id>".
func ParseRoute(route string) (Target, error) {
	route = strings.TrimSpace(route)
	chat, thread, hasThread := strings.Cut(route, "/")
	id, err := strconv.ParseInt(strings.TrimSpace(chat), 10, 64)
	if err != nil || id == 0 {
		return Target{}, fmt.Errorf("telegram: invalid chat id in route %q", route)
	}
	t := Target{ChatID: id}
	if hasThread {
		tid, err := strconv.Atoi(strings.TrimSpace(thread))
		if err != nil || tid <= 0 {
			return Target{}, fmt.Errorf("telegram: invalid thread id in route %q", route)
		}
		t.ThreadID = tid
	}
	return t, nil
}

// Channel is the "telegram" notification channel.
type Channel struct {
	bot Sender
	log logx.Logger
}

func NewChannel(bot Sender, log logx.Logger) *Channel {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Channel{bot: bot, log: log}
}

func (c *Channel) Name() string { return Name }

func (c *Channel) Send(ctx context.Context, route string, n *notify.Notification) error {
	if route == "" {
		return nil
	}
	to, err := ParseRoute(route)
	if err != nil {
		return notify.Permanent(err)
	}
	text := plainText(n)
	if text == "" {
		return notify.Permanent(fmt.Errorf("%w: %s", notify.ErrNoContent, Name))
	}

	chat := &tele.Chat{ID: to.ChatID}
	chunks := splitText(priorityPrefix(n.Priority)+text, textLimit)
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		opt := &tele.SendOptions{DisableWebPagePreview: true, ThreadID: to.ThreadID}
		if _, err := c.bot.Send(chat, chunk, opt); err != nil {
			if i > 0 {
				c.log.Warn("telegram message partially sent",
					logx.Int64("chat_id", to.ChatID),
					logx.Int("sent_chunks", i),
					logx.Int("chunks", len(chunks)),
				)
			}
			return err
		}
	}
	c.log.Debug("telegram notification sent",
		logx.Int64("chat_id", to.ChatID),
		logx.Int("thread_id", to.ThreadID),
		logx.Int("priority", n.Priority),
	)
	return nil
}

func priorityPrefix(p int) string {
	switch {
	case p >= 8:
		return "🚨 "
	case p >= 5:
		return "⚠️ "
	default:
		return "ℹ️ "
	}
}

// plainText picks the best plain rendering of n.
func plainText(n *notify.Notification) string {
	if n == nil {
		return ""
	}
	if n.Text != "" {
		return n.Text
	}
	if n.Slack != nil && n.Slack.Content != "" {
		return n.Slack.Content
	}
	if m := n.Mail; m != nil {
		parts := make([]string, 0, 3)
		if m.Subject != "" {
			parts = append(parts, m.Subject)
		}
		if len(m.IntroLines) > 0 {
			parts = append(parts, strings.Join(m.IntroLines, "\n"))
		}
		if m.HasAction() {
			parts = append(parts, m.ActionText+": "+m.ActionURL)
		}
		return strings.Join(parts, "\n\n")
	}
	return ""
}

// splitText cuts s into chunks of at most limit runes, preferring a newline
// in the last two thirds of each window.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
