package mail

import (
	"context"
	"fmt"
	"strings"

	"trellis/internal/notify"
)

const Name = "mail"

type Options struct {
	From    string
	AppName string
}

// Channel is the "mail" notification channel. The route is a recipient
// address, or several separated by commas.
type Channel struct {
	mailer Mailer
	tr     Translator
	opts   Options
}

func NewChannel(m Mailer, tr Translator, opts Options) *Channel {
	return &Channel{mailer: m, tr: tr, opts: opts}
}

func (c *Channel) Name() string { return Name }

func (c *Channel) Send(ctx context.Context, route string, n *notify.Notification) error {
	if route == "" {
		return nil
	}
	msg := message(n)
	if msg == nil {
		return notify.Permanent(fmt.Errorf("%w: %s", notify.ErrNoContent, Name))
	}
	var to []string
	for _, addr := range strings.Split(route, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			to = append(to, addr)
		}
	}
	subject := msg.Subject
	if subject == "" {
		subject = c.opts.AppName
	}
	return c.mailer.Send(ctx, Envelope{
		From:    c.opts.From,
		To:      to,
		Subject: subject,
		Body:    RenderPlain(msg, forLocale(c.tr, n.Locale), c.opts.AppName),
	})
}

// message returns the mail model for n. Plain text becomes a single intro
// line.
func message(n *notify.Notification) *notify.MailMessage {
	if n == nil {
		return nil
	}
	if n.Mail != nil {
		return n.Mail
	}
	if n.Text == "" {
		return nil
	}
	return &notify.MailMessage{IntroLines: []string{n.Text}}
}
