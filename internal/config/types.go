package config

type Config struct {
	App        AppConfig        `json:"app"`
	HTTP       HTTPConfig       `json:"http"`
	Middleware MiddlewareConfig `json:"middleware"`
	Logging    LoggingConfig    `json:"logging"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Slack    SlackConfig     `json:"slack"`
	Mail     MailConfig      `json:"mail"`
	Telegram TelegramConfig  `json:"telegram"`
	I18n     I18nConfig      `json:"i18n"`

	Storage   *StorageConfig   `json:"storage,omitempty"`
	Schedules []ScheduleConfig `json:"schedules,omitempty"`
	Pprof     PprofConfig      `json:"pprof,omitempty"`
}

type AppConfig struct {
	// Name is substituted into e-mail salutations (":appName").
	Name string `json:"name"`
	// Timezone for schedules (IANA name). Empty means local.
	Timezone string `json:"timezone,omitempty"`
}

// HTTPConfig controls the HTTP surface.
//
// Routes maps a route key ("notify", "history", "resolve", "health") to the
// middleware references applied to it, e.g. ["api", "throttle:30,1m"].
// Tokens maps token names (referenced as "auth:<name>") to bearer secrets.
type HTTPConfig struct {
	Addr            string              `json:"addr"`
	ReadTimeout     string              `json:"read_timeout,omitempty"`
	WriteTimeout    string              `json:"write_timeout,omitempty"`
	IdleTimeout     string              `json:"idle_timeout,omitempty"`
	ShutdownTimeout string              `json:"shutdown_timeout,omitempty"`
	Tokens          map[string]string   `json:"tokens,omitempty"`
	Routes          map[string][]string `json:"routes,omitempty"`
}

// MiddlewareConfig holds the priority list and named groups.
//
// Example:
//
//	"middleware": {
//	  "priority": ["recover", "log", "metrics", "auth", "throttle", "timeout"],
//	  "groups": { "api": ["recover", "log", "metrics", "auth:api"] }
//	}
type MiddlewareConfig struct {
	Priority []string            `json:"priority,omitempty"`
	Groups   map[string][]string `json:"groups,omitempty"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LoggingFile    `json:"file"`
	Forward LoggingForward `json:"forward"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingForward sends warn+ log lines to an operator notification channel.
type LoggingForward struct {
	Enabled    bool   `json:"enabled"`
	Channel    string `json:"channel"`
	Route      string `json:"route,omitempty"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// NotifierConfig controls the async notification pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// If the whole section is omitted, the notifier defaults to enabled=true.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
	HistorySize     int    `json:"history_size,omitempty"`
}

// DefaultNotifierConfig is what an omitted notifier section means.
func DefaultNotifierConfig() NotifierConfig {
	return NotifierConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "1m",
		DedupMaxEntries: 2000,
		HistorySize:     200,
	}
}

// SlackConfig configures the incoming-webhook channel. The webhook URL is a
// secret and is never logged.
type SlackConfig struct {
	Enabled    bool          `json:"enabled"`
	WebhookURL string        `json:"webhook_url"`
	Username   string        `json:"username,omitempty"`
	IconEmoji  string        `json:"icon_emoji,omitempty"`
	Channel    string        `json:"channel,omitempty"`
	Timeout    string        `json:"timeout,omitempty"`
	Breaker    BreakerConfig `json:"breaker,omitempty"`
}

// BreakerConfig tunes the circuit breaker in front of an outbound endpoint.
type BreakerConfig struct {
	MaxFailures int    `json:"max_failures,omitempty"`
	OpenTimeout string `json:"open_timeout,omitempty"`
}

type MailConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	From     string `json:"from"`
	// To is the default recipient for notifications addressed to the operator.
	To string `json:"to,omitempty"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	// Chat is the default route, "<chat_id>" or "<chat_id>/<thread_id>".
	Chat string `json:"chat,omitempty"`
}

// I18nConfig points at a directory of <lang>.yaml files.
type I18nConfig struct {
	Dir     string `json:"dir"`
	Default string `json:"default"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/trellis.db" }
//	"storage": { "driver": "redis", "addr": "127.0.0.1:6379", "prefix": "trellis:" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)

	Addr     string `json:"addr,omitempty"` // redis
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// ScheduleConfig declares a recurring notification.
//
// Schedule accepts a cron expression, a Go duration ("15m"), an "HH:MM"
// interval or "daily:HH:MM".
type ScheduleConfig struct {
	Name     string   `json:"name"`
	Schedule string   `json:"schedule"`
	Channels []string `json:"channels"`
	Text     string   `json:"text"`
	Priority int      `json:"priority,omitempty"`
	Enabled  *bool    `json:"enabled,omitempty"`
}

func (s ScheduleConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// PprofConfig mounts net/http/pprof on the main router under Prefix.
//
// Security note: set a token unless the HTTP listener is loopback-only, or
// explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}
