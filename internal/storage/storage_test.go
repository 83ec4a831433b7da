package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	logx "trellis/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	mr := miniredis.RunT(t)

	cfgs := map[string]Config{
		"file":   {Driver: "file", Path: filepath.Join(dir, "file", "trellis")},
		"sqlite": {Driver: "sqlite", Path: filepath.Join(dir, "sqlite", "trellis.db"), BusyTimeout: time.Second},
		"redis":  {Driver: "redis", Addr: mr.Addr(), Prefix: "test:"},
	}
	out := make(map[string]Store, len(cfgs))
	for name, cfg := range cfgs {
		st, err := Open(cfg, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%s): %v", name, err)
		}
		t.Cleanup(func() { _ = st.Close() })
		out[name] = st
	}
	return out
}

func TestDeliveriesNewestFirst(t *testing.T) {
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
			for i := 1; i <= 5; i++ {
				d := Delivery{
					At:             base.Add(time.Duration(i) * time.Second),
					NotificationID: "n1",
					Channel:        "slack",
					Attempt:        i,
					OK:             i == 5,
					TookMS:         int64(i),
				}
				if i < 5 {
					d.Error = "status 500"
				}
				if err := st.AppendDelivery(ctx, d); err != nil {
					t.Fatalf("AppendDelivery: %v", err)
				}
			}

			got, err := st.RecentDeliveries(ctx, 3)
			if err != nil {
				t.Fatalf("RecentDeliveries: %v", err)
			}
			if len(got) != 3 {
				t.Fatalf("len = %d, want 3", len(got))
			}
			for i, want := range []int{5, 4, 3} {
				if got[i].Attempt != want {
					t.Fatalf("got[%d].Attempt = %d, want %d", i, got[i].Attempt, want)
				}
			}
			if !got[0].OK || got[0].Error != "" || got[1].OK || got[1].Error != "status 500" {
				t.Fatalf("unexpected records: %+v", got)
			}
			if !got[0].At.Equal(base.Add(5 * time.Second)) {
				t.Fatalf("At = %v", got[0].At)
			}

			all, err := st.RecentDeliveries(ctx, 50)
			if err != nil || len(all) != 5 {
				t.Fatalf("RecentDeliveries(50) = %d records, %v", len(all), err)
			}
		})
	}
}

func TestDedupRoundTrip(t *testing.T) {
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
			if err := st.PutDedup(ctx, "k1", until); err != nil {
				t.Fatalf("PutDedup: %v", err)
			}
			got, ok, err := st.GetDedup(ctx, "k1")
			if err != nil || !ok {
				t.Fatalf("GetDedup = %v, %v, %v", got, ok, err)
			}
			if !got.Equal(until) {
				t.Fatalf("until = %v, want %v", got, until)
			}
			if _, ok, err := st.GetDedup(ctx, "missing"); err != nil || ok {
				t.Fatalf("missing key: ok=%v err=%v", ok, err)
			}
			if _, ok, _ := st.GetDedup(ctx, ""); ok {
				t.Fatalf("empty key should never match")
			}
		})
	}
}

func TestFileStoreReloadsDedup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trellis")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	if err := st.PutDedup(context.Background(), "k", until); err != nil {
		t.Fatal(err)
	}
	if err := st.PutDedup(context.Background(), "expired", time.Now().Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	_ = st.Close()

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	if got, ok, _ := st.GetDedup(context.Background(), "k"); !ok || !got.Equal(until) {
		t.Fatalf("reloaded dedup = %v, %v", got, ok)
	}
	if _, ok, _ := st.GetDedup(context.Background(), "expired"); ok {
		t.Fatalf("expired entry survived reload")
	}
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if st != nil || err != nil {
			t.Fatalf("Open(%q) = %v, %v", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for redis without addr")
	}
}
