package app

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"sleeptimer/internal/config"
	"sleeptimer/internal/disconnect"
	"sleeptimer/internal/notifier"
	"sleeptimer/internal/storage"
	logx "sleeptimer/pkg/logx"
)

func TestMapStorageConfig(t *testing.T) {
	cases := []struct {
		name    string
		in      *config.StorageConfig
		want    storage.Config
		wantErr string
	}{
		{name: "omitted", want: storage.Config{Driver: "file", Path: config.DefaultStoragePath}},
		{
			name: "sqlite defaults",
			in:   &config.StorageConfig{Driver: "SQLite"},
			want: storage.Config{Driver: "sqlite", Path: "./data/sleeptimer.db", BusyTimeout: time.Second},
		},
		{
			name: "redis",
			in:   &config.StorageConfig{Driver: "redis", Redis: &config.RedisStorageConfig{Addr: " 127.0.0.1:6379 ", DB: 2}},
			want: storage.Config{Driver: "redis", Path: config.DefaultStoragePath, Redis: storage.RedisConfig{Addr: "127.0.0.1:6379", DB: 2}},
		},
		{name: "redis without addr", in: &config.StorageConfig{Driver: "redis"}, wantErr: "storage.redis.addr"},
		{name: "unknown", in: &config.StorageConfig{Driver: "etcd"}, wantErr: "unknown storage.driver"},
		{name: "bad busy timeout", in: &config.StorageConfig{Driver: "sqlite", BusyTimeout: "soon"}, wantErr: "storage.busy_timeout"},
	}
	for _, tc := range cases {
		got, err := mapStorageConfig(&config.Config{Storage: tc.in}, time.UTC)
		if tc.wantErr != "" {
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("%s: err = %v, want %q", tc.name, err, tc.wantErr)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got.Location != time.UTC {
			t.Fatalf("%s: location = %v", tc.name, got.Location)
		}
		got.Location = nil
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Fatalf("%s: mismatch (-want +got):\n%s", tc.name, diff)
		}
	}
}

func TestMapNotifierConfig(t *testing.T) {
	got, err := mapNotifierConfig(&config.Config{})
	if err != nil || !got.Enabled {
		t.Fatalf("omitted section = %+v, %v; want enabled", got, err)
	}

	got, err = mapNotifierConfig(&config.Config{Notifier: &config.NotifierConfig{
		Enabled:     true,
		Workers:     3,
		RetryBase:   "250ms",
		DedupWindow: "1m",
	}})
	if err != nil {
		t.Fatal(err)
	}
	want := notifier.Config{Enabled: true, Workers: 3, RetryBase: 250 * time.Millisecond, DedupWindow: time.Minute}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}

	if _, err := mapNotifierConfig(&config.Config{Notifier: &config.NotifierConfig{RetryMaxDelay: "later"}}); err == nil {
		t.Fatal("expected error for bad duration")
	}
}

func TestOpenStoreNone(t *testing.T) {
	st, err := OpenStore(&config.Config{Storage: &config.StorageConfig{Driver: "none"}}, logx.Nop())
	if err != nil || st != nil {
		t.Fatalf("OpenStore(none) = %v, %v", st, err)
	}
}

type nopEffect struct{}

func (nopEffect) RemoveSubjectFromScope(context.Context, string, string) error { return nil }

func TestPendingStatus(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	reg := disconnect.New(disconnect.Config{}, nil, nopEffect{}, logx.Nop(), disconnect.WithClock(func() time.Time { return now }))
	ctx := context.Background()
	if err := reg.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = reg.Stop(context.Background()) })

	if _, err := reg.Schedule(ctx, "u1", "g1", now.Add(90*time.Minute)); err != nil {
		t.Fatal(err)
	}

	st := pendingStatus(reg).(map[string]any)
	if st["pending"] != 1 {
		t.Fatalf("pending = %v", st["pending"])
	}
	recs := st["records"].([]pendingView)
	want := []pendingView{{Subject: "u1", Scope: "g1", DueAt: now.Add(90 * time.Minute), In: "1 Hour 30 Minutes"}}
	if diff := cmp.Diff(want, recs); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}
