package config

import (
	"reflect"
	"sort"
	"strings"

	logx "trellis/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens,
// passwords or webhook URLs).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.App, newCfg.App) {
		changed = append(changed, "app")
		attrs = append(attrs,
			logx.String("app.name", newCfg.App.Name),
			logx.String("app.timezone", newCfg.App.Timezone),
		)
	}

	// HTTP (never log tokens)
	oH, nH := oldCfg.HTTP, newCfg.HTTP
	if oH.Addr != nH.Addr || oH.ReadTimeout != nH.ReadTimeout || oH.WriteTimeout != nH.WriteTimeout ||
		oH.IdleTimeout != nH.IdleTimeout || oH.ShutdownTimeout != nH.ShutdownTimeout ||
		!reflect.DeepEqual(oH.Routes, nH.Routes) || !reflect.DeepEqual(oH.Tokens, nH.Tokens) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", nH.Addr),
			logx.Int("http.token_count", len(nH.Tokens)),
			logx.Int("http.route_count", len(nH.Routes)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Middleware, newCfg.Middleware) {
		changed = append(changed, "middleware")
		attrs = append(attrs,
			logx.Strings("middleware.priority", newCfg.Middleware.Priority),
			logx.Strings("middleware.groups", sortedKeys(newCfg.Middleware.Groups)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.forward_enabled", newCfg.Logging.Forward.Enabled),
			logx.String("logx.forward_channel", newCfg.Logging.Forward.Channel),
		)
	}

	// Notifier: nil means runtime defaults.
	defN := DefaultNotifierConfig()
	oldN, newN := &defN, &defN
	if oldCfg.Notifier != nil {
		oldN = oldCfg.Notifier
	}
	if newCfg.Notifier != nil {
		newN = newCfg.Notifier
	}
	if !reflect.DeepEqual(*oldN, *newN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.queue_size", newN.QueueSize),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Int("notifier.retry_max", newN.RetryMax),
			logx.Bool("notifier.persist_dedup", newN.PersistDedup),
		)
	}

	// Slack (never log the webhook URL)
	if !reflect.DeepEqual(oldCfg.Slack, newCfg.Slack) {
		changed = append(changed, "slack")
		attrs = append(attrs,
			logx.Bool("slack.enabled", newCfg.Slack.Enabled),
			logx.Bool("slack.webhook_set", strings.TrimSpace(newCfg.Slack.WebhookURL) != ""),
			logx.String("slack.channel", newCfg.Slack.Channel),
		)
	}

	// Mail (never log the password)
	if !reflect.DeepEqual(oldCfg.Mail, newCfg.Mail) {
		changed = append(changed, "mail")
		attrs = append(attrs,
			logx.Bool("mail.enabled", newCfg.Mail.Enabled),
			logx.String("mail.host", newCfg.Mail.Host),
			logx.Int("mail.port", newCfg.Mail.Port),
			logx.Bool("mail.auth_set", newCfg.Mail.Username != ""),
		)
	}

	// Telegram (never log token)
	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.enabled", newCfg.Telegram.Enabled),
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Bool("telegram.chat_set", strings.TrimSpace(newCfg.Telegram.Chat) != ""),
		)
	}

	if oldCfg.I18n != newCfg.I18n {
		changed = append(changed, "i18n")
		attrs = append(attrs,
			logx.String("i18n.dir", newCfg.I18n.Dir),
			logx.String("i18n.default", newCfg.I18n.Default),
		)
	}

	// Storage: nil means disabled.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.addr_set", strings.TrimSpace(nS.Addr) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Schedules, newCfg.Schedules) {
		changed = append(changed, "schedules")
		attrs = append(attrs, logx.Int("schedules.count", len(newCfg.Schedules)))
	}

	// Pprof (never log token)
	if !reflect.DeepEqual(oldCfg.Pprof, newCfg.Pprof) {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.prefix", strings.TrimSpace(newCfg.Pprof.Prefix)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
			logx.Bool("pprof.allow_insecure", newCfg.Pprof.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
