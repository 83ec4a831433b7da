package notify

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"trellis/internal/eventbus"
	"trellis/internal/storage"
	logx "trellis/pkg/logx"
)

// fakeChannel fails the first failures sends, then succeeds.
type fakeChannel struct {
	name string

	mu       sync.Mutex
	failures int
	err      error
	sent     []string // route|text
	block    chan struct{}
}

func (c *fakeChannel) Name() string { return c.name }

func (c *fakeChannel) Send(ctx context.Context, route string, n *Notification) error {
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures > 0 {
		c.failures--
		if c.err != nil {
			return c.err
		}
		return errors.New("transient")
	}
	c.sent = append(c.sent, route+"|"+n.Text)
	return nil
}

func (c *fakeChannel) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func testConfig() Config {
	return Config{
		Enabled:       true,
		Workers:       1,
		QueueSize:     16,
		RatePerSec:    1000,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		DedupWindow:   time.Minute,
		HistorySize:   10,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestDispatcherDeliversAndRetries(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	bus := eventbus.New()
	events, unsub := bus.Subscribe(32, "notify.")
	defer unsub()

	ch := &fakeChannel{name: "slack", failures: 2}
	d := NewDispatcher(testConfig(), logx.Nop(), bus, nil)
	d.Register(ch)
	d.Start(context.Background())

	n := &Notification{Channels: []string{"slack"}, Text: "deploy done"}
	if err := d.Send(context.Background(), Routes{"slack": "https://hooks.example/x"}, n); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n.ID == "" || n.Created.IsZero() {
		t.Fatalf("defaults not filled: %+v", n)
	}
	waitFor(t, func() bool { return len(ch.Sent()) == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d.Stop(ctx)

	h := d.History()
	if len(h) != 1 || !h[0].OK || h[0].Attempts != 3 || h[0].Summary != "deploy done" {
		t.Fatalf("history = %+v", h)
	}

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	if len(types) != 2 || types[0] != "notify.queued" || types[1] != "notify.sent" {
		t.Fatalf("events = %v", types)
	}
}

func TestDispatcherDedup(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ch := &fakeChannel{name: "slack"}
	d := NewDispatcher(testConfig(), logx.Nop(), nil, nil)
	d.Register(ch)
	d.Start(context.Background())
	defer d.Stop(context.Background())

	to := Routes{"slack": "r1"}
	for i := 0; i < 3; i++ {
		if err := d.Send(context.Background(), to, &Notification{Channels: []string{"slack"}, Text: "same"}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	// A different route is different content.
	if err := d.Send(context.Background(), Routes{"slack": "r2"}, &Notification{Channels: []string{"slack"}, Text: "same"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, func() bool { return len(ch.Sent()) == 2 })
	time.Sleep(20 * time.Millisecond)
	if got := ch.Sent(); len(got) != 2 {
		t.Fatalf("sent = %v", got)
	}
}

func TestDispatcherSkipsUnroutedAndRejectsUnknown(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	slack := &fakeChannel{name: "slack"}
	mail := &fakeChannel{name: "mail"}
	d := NewDispatcher(testConfig(), logx.Nop(), nil, nil)
	d.Register(slack)
	d.Register(mail)
	d.Start(context.Background())
	defer d.Stop(context.Background())

	err := d.Send(context.Background(), Routes{"slack": "x"}, &Notification{Channels: []string{"slack", "sms"}, Text: "t"})
	if !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("expected ErrUnknownChannel, got %v", err)
	}
	if len(d.History()) != 0 {
		t.Fatalf("nothing should be queued on unknown channel")
	}

	if err := d.SendNow(context.Background(), Routes{"slack": "x"}, &Notification{Channels: []string{"slack", "mail"}, Text: "t"}); err != nil {
		t.Fatalf("SendNow: %v", err)
	}
	if len(slack.Sent()) != 1 || len(mail.Sent()) != 0 {
		t.Fatalf("slack=%v mail=%v", slack.Sent(), mail.Sent())
	}
}

func TestDispatcherPermanentErrorNotRetried(t *testing.T) {
	t.Parallel()
	ch := &fakeChannel{name: "slack", failures: 5, err: Permanent(errors.New("status 400"))}
	d := NewDispatcher(testConfig(), logx.Nop(), nil, nil)
	d.Register(ch)

	err := d.SendNow(context.Background(), Routes{"slack": "x"}, &Notification{Channels: []string{"slack"}, Text: "t"})
	if err == nil || !IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	h := d.History()
	if len(h) != 1 || h[0].Attempts != 1 || h[0].OK {
		t.Fatalf("history = %+v", h)
	}
}

func TestDispatcherStates(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := testConfig()
	cfg.Enabled = false
	d := NewDispatcher(cfg, logx.Nop(), nil, nil)
	d.Register(&fakeChannel{name: "slack"})
	n := func() *Notification { return &Notification{Channels: []string{"slack"}, Text: "t"} }
	to := Routes{"slack": "x"}

	if err := d.Send(context.Background(), to, n()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled: %v", err)
	}

	d.Apply(testConfig())
	if err := d.Send(context.Background(), to, n()); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started: %v", err)
	}

	d.Start(context.Background())
	d.Stop(context.Background())
	if err := d.Send(context.Background(), to, n()); !errors.Is(err, ErrStopped) {
		t.Fatalf("stopped: %v", err)
	}
}

func TestDispatcherQueueFull(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := testConfig()
	cfg.QueueSize = 1
	cfg.DedupWindow = 0
	ch := &fakeChannel{name: "slack", block: make(chan struct{})}
	d := NewDispatcher(cfg, logx.Nop(), nil, nil)
	d.Register(ch)
	d.Start(context.Background())

	to := Routes{"slack": "x"}
	var full bool
	for i := 0; i < 5 && !full; i++ {
		err := d.Send(context.Background(), to, &Notification{Channels: []string{"slack"}, Text: "t"})
		full = errors.Is(err, ErrQueueFull)
	}
	if !full {
		t.Fatalf("expected ErrQueueFull")
	}
	close(ch.block)
	d.Stop(context.Background())
}

func TestDispatcherDroppedContentCanBeResent(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := testConfig()
	cfg.QueueSize = 1
	ch := &fakeChannel{name: "slack", block: make(chan struct{})}
	d := NewDispatcher(cfg, logx.Nop(), nil, nil)
	d.Register(ch)
	d.Start(context.Background())
	defer d.Stop(context.Background())

	to := Routes{"slack": "r"}
	var (
		dropped  string
		accepted int
	)
	for i := 0; i < 5 && dropped == ""; i++ {
		text := fmt.Sprintf("n%d", i)
		err := d.Send(context.Background(), to, &Notification{Channels: []string{"slack"}, Text: text})
		switch {
		case errors.Is(err, ErrQueueFull):
			dropped = text
		case err != nil:
			t.Fatalf("Send(%s): %v", text, err)
		default:
			accepted++
		}
	}
	if dropped == "" {
		t.Fatalf("expected a send to hit ErrQueueFull")
	}
	close(ch.block)
	waitFor(t, func() bool { return len(ch.Sent()) == accepted })

	if err := d.Send(context.Background(), to, &Notification{Channels: []string{"slack"}, Text: dropped}); err != nil {
		t.Fatalf("resend: %v", err)
	}
	waitFor(t, func() bool {
		for _, s := range ch.Sent() {
			if s == "r|"+dropped {
				return true
			}
		}
		return false
	})
}

func TestDispatcherFailedContentCanBeResent(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := testConfig()
	cfg.RetryMax = 0
	ch := &fakeChannel{name: "slack", failures: 1}
	d := NewDispatcher(cfg, logx.Nop(), nil, nil)
	d.Register(ch)
	d.Start(context.Background())
	defer d.Stop(context.Background())

	to := Routes{"slack": "r"}
	send := func() {
		t.Helper()
		if err := d.Send(context.Background(), to, &Notification{Channels: []string{"slack"}, Text: "flaky"}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	send()
	waitFor(t, func() bool { return len(d.History()) == 1 })
	if d.History()[0].OK {
		t.Fatalf("first delivery should fail: %+v", d.History())
	}

	send()
	waitFor(t, func() bool { return len(ch.Sent()) == 1 })

	// Delivered content stays suppressed for the window.
	send()
	time.Sleep(20 * time.Millisecond)
	if got := ch.Sent(); len(got) != 1 {
		t.Fatalf("sent = %v", got)
	}
}

func TestDispatcherDedupConcurrentSends(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := testConfig()
	cfg.Workers = 4
	cfg.QueueSize = 64
	ch := &fakeChannel{name: "slack"}
	d := NewDispatcher(cfg, logx.Nop(), nil, nil)
	d.Register(ch)
	d.Start(context.Background())

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_ = d.Send(context.Background(), Routes{"slack": "r"}, &Notification{Channels: []string{"slack"}, Text: "once"})
		}()
	}
	close(start)
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d.Stop(ctx)
	if got := ch.Sent(); len(got) != 1 {
		t.Fatalf("sent = %v", got)
	}
}

func TestDedupReleaseKeepsNewerReservation(t *testing.T) {
	t.Parallel()
	d := NewDispatcher(testConfig(), logx.Nop(), nil, nil)

	first, ok := d.dedupReserve(context.Background(), "k", time.Minute, 0, false, nil)
	if !ok {
		t.Fatalf("first reservation refused")
	}
	if _, ok := d.dedupReserve(context.Background(), "k", time.Minute, 0, false, nil); ok {
		t.Fatalf("second reservation should be refused while the window is open")
	}
	d.dedupRelease("k", first)

	second, ok := d.dedupReserve(context.Background(), "k", time.Minute, 0, false, nil)
	if !ok {
		t.Fatalf("reservation refused after release")
	}
	d.dedupRelease("k", first.Add(-time.Second))
	if _, ok := d.dedupReserve(context.Background(), "k", time.Minute, 0, false, nil); ok {
		t.Fatalf("stale release removed reservation %v", second)
	}
}

func TestDispatcherPersistsDeliveriesAndDedup(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "t.db")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	cfg := testConfig()
	cfg.PersistDedup = true
	ch := &fakeChannel{name: "slack", failures: 1}
	d := NewDispatcher(cfg, logx.Nop(), nil, st)
	d.Register(ch)
	d.Start(context.Background())

	to := Routes{"slack": "x"}
	if err := d.Send(context.Background(), to, &Notification{Channels: []string{"slack"}, Text: "persist me"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(ch.Sent()) == 1 })
	d.Stop(context.Background())

	recs, err := st.RecentDeliveries(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || !recs[0].OK || recs[1].OK || recs[0].Attempt != 2 {
		t.Fatalf("deliveries = %+v", recs)
	}

	// A fresh dispatcher sharing the store still suppresses the same content.
	d2 := NewDispatcher(cfg, logx.Nop(), nil, st)
	ch2 := &fakeChannel{name: "slack"}
	d2.Register(ch2)
	d2.Start(context.Background())
	if err := d2.Send(context.Background(), to, &Notification{Channels: []string{"slack"}, Text: "persist me"}); err != nil {
		t.Fatal(err)
	}
	d2.Stop(context.Background())
	if got := ch2.Sent(); len(got) != 0 {
		t.Fatalf("persisted dedup ignored: %v", got)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > time.Second {
			t.Fatalf("attempt %d: delay %v out of bounds", attempt, d)
		}
	}
	if d := retryDelay(cfg, 1); d < 70*time.Millisecond || d > 130*time.Millisecond {
		t.Fatalf("first delay %v outside jitter range", d)
	}
}

func TestSummary(t *testing.T) {
	t.Parallel()
	tests := []struct {
		n    *Notification
		want string
	}{
		{&Notification{Text: "line one\nline two"}, "line one"},
		{&Notification{Slack: &SlackMessage{Content: "from slack"}}, "from slack"},
		{&Notification{Mail: &MailMessage{Subject: "subject"}}, "subject"},
		{&Notification{Mail: &MailMessage{IntroLines: []string{"intro"}}}, "intro"},
	}
	for _, tt := range tests {
		if got := summary(tt.n); got != tt.want {
			t.Errorf("summary = %q, want %q", got, tt.want)
		}
	}
}
