package logx

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	json "github.com/json-iterator/go"
)

func TestNewWriterEmitsFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))
	log.Info("hello", Int("n", 3), Bool("ok", true))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if m["message"] != "hello" || m["comp"] != "test" || m["n"] != float64(3) || m["ok"] != true {
		t.Fatalf("unexpected fields: %v", m)
	}
	if _, ok := m["caller"]; !ok {
		t.Fatalf("expected caller field, got %v", m)
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	// must not panic
	l.Error("dropped", Err(nil))
}

func TestFormatForwardJSON(t *testing.T) {
	t.Parallel()
	line := `{"level":"error","time":"x","message":"send failed","zeta":"z","alpha":1}`
	got := formatForwardJSON([]byte(line))
	want := "[ERROR] send failed\n- alpha=1\n- zeta=z"
	if got != want {
		t.Fatalf("formatForwardJSON =\n%q\nwant\n%q", got, want)
	}

	raw := formatForwardJSON([]byte("  not json \n"))
	if raw != "not json" {
		t.Fatalf("raw fallback = %q", raw)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	if got := truncate("abcdefghijklmnop", 12); got != "abcdefghi..." {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("short", 12); got != "short" {
		t.Fatalf("truncate = %q", got)
	}
}

func TestServiceForwardsWarnings(t *testing.T) {
	got := make(chan string, 4)
	svc, log := New(Config{
		Level:   "debug",
		Forward: ForwardConfig{Enabled: true, MinLevel: "warn", RatePerSec: 10},
	})
	t.Cleanup(func() { _ = svc.Close() })
	svc.SetForwarder(ForwarderFunc(func(_ context.Context, text string) error {
		got <- text
		return nil
	}))

	log.Info("not forwarded")
	log.Warn("disk almost full", String("mount", "/var"))

	select {
	case text := <-got:
		if !strings.HasPrefix(text, "[WARN] disk almost full") || !strings.Contains(text, "mount=/var") {
			t.Fatalf("unexpected forwarded text: %q", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forwarded log")
	}

	select {
	case text := <-got:
		t.Fatalf("unexpected extra forward: %q", text)
	case <-time.After(50 * time.Millisecond):
	}
}
