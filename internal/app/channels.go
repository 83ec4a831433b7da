package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"trellis/internal/config"
	"trellis/internal/notify"
	"trellis/internal/notify/mail"
	"trellis/internal/notify/slack"
	"trellis/internal/notify/telegram"
	logx "trellis/pkg/logx"
)

// applyChannels registers the enabled channels on the dispatcher and
// unregisters the disabled ones. A channel that fails to build is left
// unregistered and logged; the others still apply.
func (a *App) applyChannels(cfg *config.Config) {
	if cfg.Slack.Enabled {
		ch, err := a.slackChannel(cfg)
		if err != nil {
			a.log.Warn("slack channel not configured", logx.Err(err))
			a.notif.Unregister(slack.Name)
		} else {
			a.notif.Register(ch)
		}
	} else {
		a.notif.Unregister(slack.Name)
	}

	if cfg.Mail.Enabled {
		a.notif.Register(mail.NewChannel(
			mail.NewSMTPMailer(mail.SMTPConfig{
				Host:     cfg.Mail.Host,
				Port:     cfg.Mail.Port,
				Username: cfg.Mail.Username,
				Password: cfg.Mail.Password,
			}),
			a.tr,
			mail.Options{From: cfg.Mail.From, AppName: appName(cfg)},
		))
	} else {
		a.notif.Unregister(mail.Name)
	}

	if cfg.Telegram.Enabled {
		bot, err := telegram.NewBot(cfg.Telegram.Token)
		if err != nil {
			a.log.Warn("telegram channel not configured", logx.Err(err))
			a.notif.Unregister(telegram.Name)
		} else {
			a.notif.Register(telegram.NewChannel(bot, a.log.With(logx.String("comp", "telegram"))))
		}
	} else {
		a.notif.Unregister(telegram.Name)
	}
}

func (a *App) slackChannel(cfg *config.Config) (*slack.Channel, error) {
	sc := cfg.Slack
	timeout, err := config.ParseDurationOrDefault("slack.timeout", sc.Timeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	open, err := config.ParseDurationField("slack.breaker.open_timeout", sc.Breaker.OpenTimeout)
	if err != nil {
		return nil, err
	}
	poster := slack.NewHTTPPoster(slack.PosterOptions{
		Client:      &http.Client{Timeout: timeout},
		Log:         a.log.With(logx.String("comp", "slack")),
		MaxFailures: sc.Breaker.MaxFailures,
		OpenTimeout: open,
	})
	return slack.NewChannel(poster, slack.Defaults{
		Username:  sc.Username,
		IconEmoji: sc.IconEmoji,
		Channel:   sc.Channel,
	}), nil
}

// forwardLog turns a forwarded log line into an operator notification on the
// configured channel. The route comes from logging.forward.route, else the
// channel's default route.
func (a *App) forwardLog(ctx context.Context, text string) error {
	cfg := a.cfgm.Get()
	if cfg == nil {
		return nil
	}
	fw := cfg.Logging.Forward
	channel := strings.TrimSpace(fw.Channel)
	if channel == "" {
		return nil
	}
	route := strings.TrimSpace(fw.Route)
	if route == "" {
		route = defaultRoutes(cfg).RouteNotificationFor(channel)
	}
	if route == "" {
		return nil
	}
	n := &notify.Notification{
		Channels: []string{channel},
		Priority: 8,
		Text:     text,
		Slack:    &notify.SlackMessage{Level: notify.LevelError, Content: text},
	}
	return a.notif.Send(ctx, notify.Routes{channel: route}, n)
}
