package logx

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"github.com/rs/zerolog"
)

// Forwarder receives formatted warn+ log lines. The app wires it to the
// notification dispatcher so operators see errors in chat.
type Forwarder interface {
	ForwardLog(ctx context.Context, text string) error
}

// ForwarderFunc adapts a function to Forwarder.
type ForwarderFunc func(ctx context.Context, text string) error

func (f ForwarderFunc) ForwardLog(ctx context.Context, text string) error { return f(ctx, text) }

// SetForwarder installs (or clears, with nil) the forwarding target.
func (s *Service) SetForwarder(f Forwarder) {
	s.fwd.Store(forwarderBox{f: f})
}

func (s *Service) forwarder() Forwarder {
	b, _ := s.fwd.Load().(forwarderBox)
	return b.f
}

func (s *Service) forwardWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.fwdQueue:
			f := s.forwarder()
			if f == nil {
				continue
			}
			cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_ = f.ForwardLog(cctx, msg)
			cancel()
		}
	}
}

func (s *Service) enqueueForward(msg string) {
	// Never block core logging.
	select {
	case s.fwdQueue <- msg:
	default:
	}
}

type forwardWriter struct{ svc *Service }

func (w *forwardWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *forwardWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	if s == nil || s.forwarder() == nil {
		return len(p), nil
	}

	s.mu.Lock()
	lim := s.limiter
	minLevel := s.minLevel
	s.mu.Unlock()

	if lim == nil || level < minLevel {
		return len(p), nil
	}
	if !lim.Allow() {
		return len(p), nil
	}

	msg := formatForwardJSON(p)
	if msg == "" {
		return len(p), nil
	}
	s.enqueueForward(msg)
	return len(p), nil
}

// formatForwardJSON renders a zerolog JSON line as a compact, chat-friendly text.
// Keys are sorted so the same event always renders the same way (dedup relies on it).
func formatForwardJSON(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(p))), &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), 3500)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[")
		b.WriteString(strings.ToUpper(lvl))
		b.WriteString("] ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := fmt.Sprint(m[k])
		if k == "stack" {
			b.WriteString("\n- stack=\n")
			b.WriteString(truncate(v, 900))
			continue
		}
		b.WriteString("\n- ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(truncate(v, 600))
	}

	return truncate(b.String(), 3500)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
