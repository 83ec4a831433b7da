package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"trellis/internal/scheduler"
)

var ErrInvalid = errors.New("invalid config")

// Validate checks cross-field constraints that the strict decoder cannot.
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, fmt.Errorf("%w: %v", ErrInvalid, err))
		}
	}

	dur("http.read_timeout", cfg.HTTP.ReadTimeout)
	dur("http.write_timeout", cfg.HTTP.WriteTimeout)
	dur("http.idle_timeout", cfg.HTTP.IdleTimeout)
	dur("http.shutdown_timeout", cfg.HTTP.ShutdownTimeout)
	for name, secret := range cfg.HTTP.Tokens {
		if strings.TrimSpace(secret) == "" {
			add("http.tokens.%s is empty", name)
		}
	}

	for name, members := range cfg.Middleware.Groups {
		if strings.TrimSpace(name) == "" || strings.Contains(name, ":") {
			add("middleware.groups: invalid group name %q", name)
		}
		if len(members) == 0 {
			add("middleware.groups.%s is empty", name)
		}
	}

	if n := cfg.Notifier; n != nil {
		if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 || n.HistorySize < 0 {
			add("notifier: numeric fields must be >= 0")
		}
		dur("notifier.retry_base", n.RetryBase)
		dur("notifier.retry_max_delay", n.RetryMaxDelay)
		dur("notifier.dedup_window", n.DedupWindow)
	}

	if cfg.Slack.Enabled {
		u, err := url.Parse(strings.TrimSpace(cfg.Slack.WebhookURL))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("slack.webhook_url must be an http(s) URL")
		}
		dur("slack.timeout", cfg.Slack.Timeout)
		dur("slack.breaker.open_timeout", cfg.Slack.Breaker.OpenTimeout)
	}

	if cfg.Mail.Enabled {
		if strings.TrimSpace(cfg.Mail.Host) == "" {
			add("mail.host is required")
		}
		if cfg.Mail.Port <= 0 || cfg.Mail.Port > 65535 {
			add("mail.port out of range: %d", cfg.Mail.Port)
		}
		if strings.TrimSpace(cfg.Mail.From) == "" {
			add("mail.from is required")
		}
	}

	if cfg.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.Token) == "" {
		add("telegram.token is required")
	}

	if cfg.Logging.Forward.Enabled && strings.TrimSpace(cfg.Logging.Forward.Channel) == "" {
		add("logging.forward.channel is required")
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				add("storage.path is required for driver %q", s.Driver)
			}
			dur("storage.busy_timeout", s.BusyTimeout)
		case "redis":
			if strings.TrimSpace(s.Addr) == "" {
				add("storage.addr is required for redis")
			}
		default:
			add("storage.driver: unknown driver %q", s.Driver)
		}
	}

	seen := map[string]struct{}{}
	for i, sc := range cfg.Schedules {
		name := strings.TrimSpace(sc.Name)
		if name == "" {
			add("schedules[%d].name is required", i)
		} else if _, dup := seen[name]; dup {
			add("schedules[%d]: duplicate name %q", i, name)
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(sc.Schedule) == "" {
			add("schedules[%d].schedule is required", i)
		} else if _, err := scheduler.ParseSchedule(sc.Schedule); err != nil {
			add("schedules[%d].schedule: %v", i, err)
		}
		if len(sc.Channels) == 0 {
			add("schedules[%d].channels is empty", i)
		}
		if sc.Priority < 0 || sc.Priority > 10 {
			add("schedules[%d].priority must be within 0..10", i)
		}
	}

	return errors.Join(errs...)
}
