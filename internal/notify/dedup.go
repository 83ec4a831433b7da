package notify

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"strings"
	"time"

	"trellis/internal/storage"
)

// dedupKey fingerprints the content delivered on channel to route. Two
// notifications with different IDs but the same content share a key.
func dedupKey(channel, route string, n *Notification) string {
	if channel == "" || n == nil {
		return ""
	}
	h := fnv.New64a()
	w := func(parts ...string) {
		for _, p := range parts {
			_, _ = io.WriteString(h, p)
			_, _ = h.Write([]byte{0})
		}
	}
	w(channel, route, fmt.Sprint(n.Priority), n.Text)
	if m := n.Slack; m != nil {
		w("slack", string(m.Level), m.Username, m.Icon, m.Channel, m.Content)
		for _, a := range m.Attachments {
			w(a.Title, a.URL, a.Content)
			for _, f := range a.Fields {
				w(f.Title, f.Value)
			}
		}
	}
	if m := n.Mail; m != nil {
		w("mail", string(m.Level), m.Subject, m.Greeting, m.ActionText, m.ActionURL)
		w(strings.Join(m.IntroLines, "\n"), strings.Join(m.OutroLines, "\n"))
	}
	return fmt.Sprintf("%x", h.Sum64())
}

// dedupReserve opens a suppression window for key unless one is already
// open, in memory or in the store. The returned deadline identifies the
// reservation for dedupRelease.
func (d *Dispatcher) dedupReserve(ctx context.Context, key string, window time.Duration, max int, persist bool, st storage.Store) (time.Time, bool) {
	var stored time.Time
	if persist && st != nil {
		cctx, cancel := context.WithTimeout(ctx, 25*time.Millisecond)
		until, ok, err := st.GetDedup(cctx, key)
		cancel()
		if err == nil && ok {
			stored = until
		}
	}

	now := time.Now()
	d.dmu.Lock()
	defer d.dmu.Unlock()
	if until, ok := d.dedup[key]; ok && now.Before(until) {
		return time.Time{}, false
	}
	if now.Before(stored) {
		d.dedup[key] = stored
		return time.Time{}, false
	}

	until := now.Add(window)
	d.dedup[key] = until
	for k, u := range d.dedup {
		if !now.Before(u) {
			delete(d.dedup, k)
		}
	}
	// Over the cap: evict the entries expiring first.
	for max > 0 && len(d.dedup) > max {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range d.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(d.dedup, minKey)
	}
	return until, true
}

// dedupRelease closes the window opened by the reservation until, so the same
// content can be sent again. A newer reservation for key is left alone.
func (d *Dispatcher) dedupRelease(key string, until time.Time) {
	d.dmu.Lock()
	if u, ok := d.dedup[key]; ok && u.Equal(until) {
		delete(d.dedup, key)
	}
	d.dmu.Unlock()
}

// dedupPersist hands the window to the persist loop, dropping it when the
// loop is behind.
func dedupPersist(pch chan dedupWrite, key string, until time.Time) {
	if pch == nil {
		return
	}
	select {
	case pch <- dedupWrite{key: key, until: until}:
	default:
	}
}
