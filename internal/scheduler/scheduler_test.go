package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"trellis/internal/eventbus"
	"trellis/internal/notify"
	logx "trellis/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		cron     string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron", cron: "*/5 * * * *"},
		{name: "descriptor", raw: "@hourly", kind: SpecCron, source: "cron", cron: "@hourly"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron", cron: "0 0 * * *"},
		{name: "daily", raw: "daily:07:30", kind: SpecCron, source: "daily", cron: "30 7 * * *"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "every hhmm", raw: "every:00:50", kind: SpecInterval, source: "hhmm", duration: 50 * time.Minute},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind || got.Source != tt.source {
				t.Fatalf("got %+v", got)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
			if tt.kind == SpecCron && got.Cron != tt.cron {
				t.Fatalf("Cron = %q, want %q", got.Cron, tt.cron)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "00:00", "01:75", "-5m", "interval:", "cron:", "daily:24:00"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Errorf("ParseSchedule(%q): expected error", raw)
		}
	}
}

type recordingSender struct {
	mu   sync.Mutex
	got  []*notify.Notification
	tos  []notify.Notifiable
	err  error
	sent chan struct{}
}

func (r *recordingSender) Send(_ context.Context, to notify.Notifiable, n *notify.Notification) error {
	r.mu.Lock()
	r.got = append(r.got, n)
	r.tos = append(r.tos, to)
	r.mu.Unlock()
	if n.ID == "" {
		n.ID = "n-1"
	}
	if r.sent != nil {
		select {
		case r.sent <- struct{}{}:
		default:
		}
	}
	return r.err
}

func TestApplyRejectsInvalidSet(t *testing.T) {
	t.Parallel()
	s := New(Options{Log: logx.Nop()})
	if err := s.Apply([]Entry{{Name: "ok", Schedule: "1h"}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	err := s.Apply([]Entry{
		{Name: "ok", Schedule: "1h"},
		{Name: "ok", Schedule: "2h"},
		{Name: "bad-cron", Schedule: "61 * * * *"},
		{Name: "", Schedule: "1h"},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{`"ok": duplicate`, `"bad-cron"`, "name required"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
	if snap := s.Snapshot(); len(snap) != 1 || snap[0].Name != "ok" {
		t.Fatalf("failed Apply must keep the old set, got %+v", snap)
	}
}

func TestFireSendsNotification(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, "scheduler.")
	defer unsub()

	snd := &recordingSender{}
	routes := notify.Routes{"slack": "https://hooks.example/x"}
	s := New(Options{Sender: snd, Routes: func() notify.Notifiable { return routes }, Bus: bus})
	if err := s.Apply([]Entry{{Name: "daily-report", Schedule: "daily:08:00", Channels: []string{"slack"}, Text: "report", Priority: 6}}); err != nil {
		t.Fatal(err)
	}
	if err := s.RunNow(context.Background(), "daily-report"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if len(snd.got) != 1 {
		t.Fatalf("sent = %d", len(snd.got))
	}
	n := snd.got[0]
	if n.Text != "report" || n.Priority != 6 || len(n.Channels) != 1 || n.Channels[0] != "slack" {
		t.Fatalf("notification = %+v", n)
	}
	if snd.tos[0].RouteNotificationFor("slack") != "https://hooks.example/x" {
		t.Fatalf("routes not passed through")
	}
	ev := <-events
	if fe, ok := ev.Data.(FireEvent); ev.Type != "scheduler.fired" || !ok || fe.Name != "daily-report" || fe.NotificationID != "n-1" {
		t.Fatalf("event = %+v", ev)
	}

	if err := s.RunNow(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatal("expected not found")
	}

	snd.err = notify.ErrQueueFull
	if err := s.RunNow(context.Background(), "daily-report"); !errors.Is(err, notify.ErrQueueFull) {
		t.Fatalf("expected sender error, got %v", err)
	}
	if fe := (<-events).Data.(FireEvent); fe.Error == "" {
		t.Fatalf("failed firing should carry the error")
	}
}

func TestServiceFiresOnSchedule(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	snd := &recordingSender{sent: make(chan struct{}, 1)}
	s := New(Options{Sender: snd, Log: logx.Nop(), Timezone: "UTC"})
	if err := s.Apply([]Entry{{Name: "tick", Schedule: "1s", Channels: []string{"telegram"}, Text: "tick"}}); err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())

	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].Kind != "interval" || snap[0].Next.IsZero() {
		t.Fatalf("snapshot = %+v", snap)
	}

	select {
	case <-snd.sent:
	case <-time.After(3 * time.Second):
		t.Fatal("schedule did not fire")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	if snap := s.Snapshot(); !snap[0].Next.IsZero() {
		t.Fatalf("stopped scheduler should not report next run")
	}
}
