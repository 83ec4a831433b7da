package app

import (
	"fmt"
	"strings"
	"time"

	"trellis/internal/config"
	"trellis/internal/httpserver"
	"trellis/internal/middleware"
	"trellis/internal/notify"
	"trellis/internal/notify/mail"
	"trellis/internal/notify/slack"
	"trellis/internal/notify/telegram"
	"trellis/internal/scheduler"
	"trellis/internal/storage"
	logx "trellis/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Forward: logx.ForwardConfig{
			Enabled:    cfg.Logging.Forward.Enabled,
			MinLevel:   cfg.Logging.Forward.MinLevel,
			RatePerSec: cfg.Logging.Forward.RatePerSec,
		},
	}
}

// mapNotifierConfig maps the JSON section into the runtime notify.Config. An
// omitted section means the defaults, enabled.
func mapNotifierConfig(cfg *config.Config) (notify.Config, error) {
	n := config.DefaultNotifierConfig()
	if cfg != nil && cfg.Notifier != nil {
		n = *cfg.Notifier
	}
	out := notify.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
		HistorySize:     n.HistorySize,
	}
	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, 500*time.Millisecond); err != nil {
		return notify.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, 10*time.Second); err != nil {
		return notify.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationField("notifier.dedup_window", n.DedupWindow); err != nil {
		return notify.Config{}, err
	}
	if out.Workers < 0 || out.QueueSize < 0 || out.RatePerSec < 0 || out.RetryMax < 0 || out.DedupMaxEntries < 0 {
		return notify.Config{}, fmt.Errorf("notifier: counts must be >= 0")
	}
	return out, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
		Addr:        sc.Addr,
		Password:    sc.Password,
		DB:          sc.DB,
		Prefix:      sc.Prefix,
	}, true, nil
}

func mapHTTPConfig(cfg *config.Config) (httpserver.Config, error) {
	h := cfg.HTTP
	out := httpserver.Config{
		Addr:   h.Addr,
		Routes: h.Routes,
		Pprof: httpserver.PprofConfig{
			Enabled:              cfg.Pprof.Enabled,
			Prefix:               cfg.Pprof.Prefix,
			Token:                cfg.Pprof.Token,
			AllowInsecure:        cfg.Pprof.AllowInsecure,
			MutexProfileFraction: cfg.Pprof.MutexProfileFraction,
			BlockProfileRate:     cfg.Pprof.BlockProfileRate,
			MemProfileRate:       cfg.Pprof.MemProfileRate,
		},
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 15*time.Second); err != nil {
		return out, err
	}
	if out.WriteTimeout, err = config.ParseDurationOrDefault("http.write_timeout", h.WriteTimeout, 60*time.Second); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, 2*time.Minute); err != nil {
		return out, err
	}
	if out.ShutdownTimeout, err = config.ParseDurationOrDefault("http.shutdown_timeout", h.ShutdownTimeout, 5*time.Second); err != nil {
		return out, err
	}
	return out, nil
}

func mapSchedules(cfg *config.Config) []scheduler.Entry {
	out := make([]scheduler.Entry, 0, len(cfg.Schedules))
	for _, sc := range cfg.Schedules {
		if !sc.IsEnabled() {
			continue
		}
		out = append(out, scheduler.Entry{
			Name:     sc.Name,
			Schedule: sc.Schedule,
			Channels: sc.Channels,
			Text:     sc.Text,
			Priority: sc.Priority,
		})
	}
	return out
}

// defaultRoutes are the configured operator addresses per enabled channel.
func defaultRoutes(cfg *config.Config) notify.Routes {
	r := notify.Routes{}
	if cfg == nil {
		return r
	}
	if cfg.Slack.Enabled && cfg.Slack.WebhookURL != "" {
		r[slack.Name] = cfg.Slack.WebhookURL
	}
	if cfg.Mail.Enabled && cfg.Mail.To != "" {
		r[mail.Name] = cfg.Mail.To
	}
	if cfg.Telegram.Enabled && cfg.Telegram.Chat != "" {
		r[telegram.Name] = cfg.Telegram.Chat
	}
	return r
}

func priorityOf(cfg *config.Config) []string {
	if len(cfg.Middleware.Priority) == 0 {
		return middleware.DefaultPriority
	}
	return cfg.Middleware.Priority
}

func appName(cfg *config.Config) string {
	if n := strings.TrimSpace(cfg.App.Name); n != "" {
		return n
	}
	return "Trellis"
}
