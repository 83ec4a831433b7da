package mail

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"trellis/internal/i18n"
	"trellis/internal/notify"
)

func TestRenderPlain(t *testing.T) {
	t.Parallel()
	tr := i18n.New("en")

	tests := []struct {
		name string
		msg  *notify.MailMessage
		want string
	}{
		{
			name: "default greeting only",
			msg:  &notify.MailMessage{},
			want: "Hello!\n\nRegards,\nTrellis",
		},
		{
			name: "error greeting",
			msg:  &notify.MailMessage{Level: notify.LevelError},
			want: "Whoops!\n\nRegards,\nTrellis",
		},
		{
			name: "custom greeting wins over level",
			msg:  &notify.MailMessage{Level: notify.LevelError, Greeting: "Hi Ana"},
			want: "Hi Ana\n\nRegards,\nTrellis",
		},
		{
			name: "full layout",
			msg: (&notify.MailMessage{}).
				Line("Your invoice is ready.").
				Line("It is due in 7 days.").
				Action("View invoice", "https://example.com/i/1").
				Line("Thanks for using Trellis."),
			want: "Hello!\n\n" +
				"Your invoice is ready.\nIt is due in 7 days.\n\n" +
				"View invoice: https://example.com/i/1\n\n" +
				"Thanks for using Trellis.\n\n" +
				"Regards,\nTrellis",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := RenderPlain(tt.msg, tr, "Trellis"); got != tt.want {
				t.Fatalf("got %q\nwant %q", got, tt.want)
			}
		})
	}
}

func TestRenderPlainLocale(t *testing.T) {
	t.Parallel()
	got := RenderPlain(&notify.MailMessage{}, forLocale(i18n.New("en"), "id-ID"), "Trellis")
	if got != "Halo!\n\nSalam,\nTrellis" {
		t.Fatalf("got %q", got)
	}
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []Envelope
	err  error
}

func (m *fakeMailer) Send(_ context.Context, e Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, e)
	return nil
}

func TestChannelSend(t *testing.T) {
	t.Parallel()
	fm := &fakeMailer{}
	ch := NewChannel(fm, i18n.New("en"), Options{From: "bot@example.com", AppName: "Trellis"})

	n := &notify.Notification{Text: "backup finished"}
	if err := ch.Send(context.Background(), "a@example.com, b@example.com", n); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(fm.sent) != 1 {
		t.Fatalf("sent = %d", len(fm.sent))
	}
	e := fm.sent[0]
	if e.From != "bot@example.com" || len(e.To) != 2 || e.To[1] != "b@example.com" || e.Subject != "Trellis" {
		t.Fatalf("envelope = %+v", e)
	}
	if e.Body != "Hello!\n\nbackup finished\n\nRegards,\nTrellis" {
		t.Fatalf("body = %q", e.Body)
	}

	err := ch.Send(context.Background(), "a@example.com", &notify.Notification{})
	if !errors.Is(err, notify.ErrNoContent) {
		t.Fatalf("expected ErrNoContent, got %v", err)
	}
	if err := ch.Send(context.Background(), "", n); err != nil || len(fm.sent) != 1 {
		t.Fatalf("empty route should be skipped: %v", err)
	}
}

func TestCompose(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b := string(Compose(Envelope{
		From:    "bot@example.com",
		To:      []string{"a@example.com"},
		Subject: "Ünicode",
		Body:    "line 1\nline 2",
	}, now))

	head, body, ok := strings.Cut(b, "\r\n\r\n")
	if !ok {
		t.Fatalf("no header separator in %q", b)
	}
	if !strings.Contains(head, "Subject: =?utf-8?q?") || !strings.Contains(head, "Date: Fri, 02 Jan 2026 03:04:05 +0000") {
		t.Fatalf("headers = %q", head)
	}
	if body != "line 1\r\nline 2\r\n" {
		t.Fatalf("body = %q", body)
	}
}
