// Package notify delivers notifications to channels (Slack webhook, e-mail,
// Telegram) through an async pipeline.
//
// A Notification carries per-channel content. The recipient (a Notifiable)
// resolves each channel to a route: a webhook URL, an e-mail address or a
// chat id. An empty route means the recipient does not use that channel and
// it is skipped.
//
// # Pipeline
//
// Dispatcher.Send enqueues one job per channel. Workers apply a token-bucket
// rate limit, retry failed deliveries with jittered exponential backoff and
// record every attempt in the delivery log when storage is configured.
// Identical content sent to the same route within the dedup window is
// suppressed; the window can be persisted to survive restarts.
//
// Lifecycle events are published on the event bus as notify.queued,
// notify.deduped, notify.dropped, notify.sent and notify.failed.
//
// # History
//
// For operator visibility the dispatcher keeps a small in-memory history of
// recent delivery outcomes.
package notify
