package slack

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	json "github.com/json-iterator/go"

	"trellis/internal/notify"
	logx "trellis/pkg/logx"
)

func TestBuildPayload(t *testing.T) {
	t.Parallel()

	msg := &notify.SlackMessage{Level: notify.LevelError, Content: "disk almost full", Username: "ops"}
	msg.Attach("host-1", "92% used").Field("mount", "/var").Field("free", "3G")
	msg.Attachments = append(msg.Attachments, notify.SlackAttachment{URL: "https://status.example"})

	got := BuildPayload(msg)
	want := Payload{
		Text:     "disk almost full",
		Username: "ops",
		Attachments: []Attachment{
			{
				Color: "danger",
				Title: "host-1",
				Text:  "92% used",
				Fields: []Field{
					{Title: "mount", Value: "/var", Short: true},
					{Title: "free", Value: "3G", Short: true},
				},
			},
			{Color: "danger", TitleLink: "https://status.example"},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildPayloadOmitsEmptyKeys(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(BuildPayload(&notify.SlackMessage{Content: "hi"}))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"text":"hi","attachments":[]}` {
		t.Fatalf("payload = %s", b)
	}

	b, _ = json.Marshal(BuildPayload(&notify.SlackMessage{
		Content:     "hi",
		Attachments: []notify.SlackAttachment{{Title: "t"}},
	}))
	if string(b) != `{"text":"hi","attachments":[{"title":"t"}]}` {
		t.Fatalf("info payload = %s", b)
	}
}

type recorder struct {
	status int
	hits   atomic.Int32
	last   atomic.Value // map[string]any
}

func (r *recorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.hits.Add(1)
	b, _ := io.ReadAll(req.Body)
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	r.last.Store(m)
	if req.Header.Get("Content-Type") != "application/json" {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		return
	}
	w.WriteHeader(r.status)
	_, _ = io.WriteString(w, "no_text")
}

func TestChannelSendsWithDefaults(t *testing.T) {
	t.Parallel()

	rec := &recorder{status: http.StatusOK}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	ch := NewChannel(NewHTTPPoster(PosterOptions{Log: logx.Nop()}), Defaults{Username: "trellis", IconEmoji: ":bell:"})
	n := &notify.Notification{Text: "plain fallback", Slack: &notify.SlackMessage{Username: "override"}}
	if err := ch.Send(context.Background(), srv.URL, n); err != nil {
		t.Fatalf("Send: %v", err)
	}
	m := rec.last.Load().(map[string]any)
	if m["text"] != "plain fallback" || m["username"] != "override" || m["icon_emoji"] != ":bell:" {
		t.Fatalf("payload = %v", m)
	}
	if _, ok := m["channel"]; ok {
		t.Fatalf("empty channel should be omitted: %v", m)
	}
}

func TestChannelNoContent(t *testing.T) {
	t.Parallel()

	ch := NewChannel(NewHTTPPoster(PosterOptions{}), Defaults{})
	err := ch.Send(context.Background(), "http://unused", &notify.Notification{})
	if !errors.Is(err, notify.ErrNoContent) || !notify.IsPermanent(err) {
		t.Fatalf("expected permanent ErrNoContent, got %v", err)
	}
	if err := ch.Send(context.Background(), "", &notify.Notification{Text: "x"}); err != nil {
		t.Fatalf("empty route should be skipped, got %v", err)
	}
}

func TestPosterStatusErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusNotFound, true},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		rec := &recorder{status: tt.status}
		srv := httptest.NewServer(rec)
		err := NewHTTPPoster(PosterOptions{}).Post(context.Background(), srv.URL, Payload{Text: "x"})
		srv.Close()

		var de *DeliveryError
		if !errors.As(err, &de) || de.StatusCode != tt.status {
			t.Fatalf("status %d: expected DeliveryError, got %v", tt.status, err)
		}
		if de.Body != "no_text" {
			t.Fatalf("status %d: body = %q", tt.status, de.Body)
		}
		if got := notify.IsPermanent(err); got != tt.permanent {
			t.Fatalf("status %d: permanent = %v, want %v", tt.status, got, tt.permanent)
		}
	}
}

func TestPosterBreakerOpens(t *testing.T) {
	t.Parallel()

	rec := &recorder{status: http.StatusBadGateway}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	p := NewHTTPPoster(PosterOptions{MaxFailures: 2, OpenTimeout: time.Minute})
	for i := 0; i < 2; i++ {
		_ = p.Post(context.Background(), srv.URL, Payload{Text: "x"})
	}
	if p.State(srv.URL) != "open" {
		t.Fatalf("state = %s", p.State(srv.URL))
	}
	err := p.Post(context.Background(), srv.URL, Payload{Text: "x"})
	if err == nil || notify.IsPermanent(err) {
		t.Fatalf("open breaker should fail retryably, got %v", err)
	}
	if rec.hits.Load() != 2 {
		t.Fatalf("open breaker still reached the endpoint: %d hits", rec.hits.Load())
	}
	if p.State("http://other.invalid") != "closed" {
		t.Fatalf("breakers should be per destination")
	}
}

func TestPosterRejectionsDoNotTrip(t *testing.T) {
	t.Parallel()

	rec := &recorder{status: http.StatusBadRequest}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	p := NewHTTPPoster(PosterOptions{MaxFailures: 1})
	for i := 0; i < 3; i++ {
		_ = p.Post(context.Background(), srv.URL, Payload{Text: "x"})
	}
	if p.State(srv.URL) != "closed" || rec.hits.Load() != 3 {
		t.Fatalf("state=%s hits=%d", p.State(srv.URL), rec.hits.Load())
	}
}
