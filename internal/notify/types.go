package notify

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled       = errors.New("notifier disabled")
	ErrQueueFull      = errors.New("notifier queue full")
	ErrStopped        = errors.New("notifier stopped")
	ErrUnknownChannel = errors.New("unknown notification channel")
	ErrNoContent      = errors.New("notification has no content for channel")
)

// Level is the severity of a message. It picks the Slack attachment colour
// and the default e-mail greeting.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// ParseLevel maps free text to a Level, defaulting to LevelInfo.
func ParseLevel(s string) Level {
	switch Level(s) {
	case LevelSuccess, LevelWarning, LevelError:
		return Level(s)
	default:
		return LevelInfo
	}
}

// Notification is one message addressed to one or more channels.
//
// Text is the plain rendering used by channels without a richer model
// (Telegram) and as a fallback for Slack content.
type Notification struct {
	ID       string    `json:"id"`
	Channels []string  `json:"channels"`
	Priority int       `json:"priority,omitempty"` // 0..10
	Locale   string    `json:"locale,omitempty"`
	Text     string    `json:"text,omitempty"`
	Created  time.Time `json:"created"`

	Slack *SlackMessage `json:"slack,omitempty"`
	Mail  *MailMessage  `json:"mail,omitempty"`
}

// Notifiable is a recipient. RouteNotificationFor returns the address used on
// channel, or "" when the recipient does not receive that channel.
type Notifiable interface {
	RouteNotificationFor(channel string) string
}

// Routes is a Notifiable backed by a channel -> route map.
type Routes map[string]string

func (r Routes) RouteNotificationFor(channel string) string { return r[channel] }

// Channel delivers a notification to a route.
type Channel interface {
	Name() string
	Send(ctx context.Context, route string, n *Notification) error
}

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
	HistorySize     int
	// SendTimeout bounds a single delivery attempt. Default 10s.
	SendTimeout time.Duration
}

// HistoryItem is one delivery outcome. Routes are not kept: webhook URLs are
// secrets.
type HistoryItem struct {
	At       time.Time `json:"at"`
	ID       string    `json:"id"`
	Channel  string    `json:"channel"`
	Priority int       `json:"priority,omitempty"`
	Summary  string    `json:"summary"`
	Attempts int       `json:"attempts"`
	OK       bool      `json:"ok"`
	Error    string    `json:"error,omitempty"`
}

// NotificationEvent is emitted on the event bus for dispatcher lifecycle
// events. Keep it small; Data may be logged/serialized by subscribers.
type NotificationEvent struct {
	ID      string    `json:"id"`
	Channel string    `json:"channel"`
	Key     string    `json:"key,omitempty"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}

// Permanent marks err as not worth retrying (bad request, rejected payload).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err (or anything it wraps) was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }
