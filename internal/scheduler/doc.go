// Package scheduler fires config-defined notifications on a schedule.
//
// Each entry names the channels to notify, the text and a priority. Schedules
// are cron expressions, Go durations or HH:MM intervals (see ParseSchedule).
// A firing only enqueues on the notification dispatcher; delivery, retry and
// dedup are the dispatcher's job.
//
// Entries are replaced as a set by Apply, so config hot reload is a single
// call. Apply works while stopped; entries are registered on Start.
package scheduler
