package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"

	logx "sleeptimer/pkg/logx"
)

func sampleRecords() []Record {
	base := time.Date(2025, 3, 1, 12, 0, 0, 123456789, time.UTC)
	return []Record{
		{SubjectID: "111", ScopeID: "900", DueAt: base},
		{SubjectID: "222", ScopeID: "900", DueAt: base.Add(time.Minute)},
		{SubjectID: "111", ScopeID: "901", DueAt: base.Add(time.Hour)},
		{SubjectID: "111", ScopeID: "900", DueAt: base}, // duplicate, kept
	}
}

func TestParseLine(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("X", 2*3600)
	cases := []struct {
		name    string
		line    string
		want    Record
		wantErr bool
	}{
		{
			name: "rfc3339",
			line: "1 2 2025-03-01T12:00:00.5Z",
			want: Record{SubjectID: "1", ScopeID: "2", DueAt: time.Date(2025, 3, 1, 12, 0, 0, 5e8, time.UTC)},
		},
		{
			name: "naive iso uses location",
			line: "1 2 2025-03-01T12:00:00.250000",
			want: Record{SubjectID: "1", ScopeID: "2", DueAt: time.Date(2025, 3, 1, 12, 0, 0, 25e7, loc)},
		},
		{
			name: "python offset",
			line: "1 2 2025-03-01T12:00:00.000001+00:00",
			want: Record{SubjectID: "1", ScopeID: "2", DueAt: time.Date(2025, 3, 1, 12, 0, 0, 1000, time.UTC)},
		},
		{
			name: "extra whitespace",
			line: "  1\t2   2025-03-01T12:00:00Z  ",
			want: Record{SubjectID: "1", ScopeID: "2", DueAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
		},
		{name: "too few fields", line: "1 2", wantErr: true},
		{name: "bad time", line: "1 2 tomorrow", wantErr: true},
		{name: "timestamp with trailing junk", line: "1 2 2025-03-01T12:00:00Z extra", wantErr: true},
		{name: "empty", line: "", wantErr: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseLine(tc.line, loc)
			if tc.wantErr {
				if !errors.Is(err, ErrMalformed) {
					t.Fatalf("ParseLine(%q) err = %v, want ErrMalformed", tc.line, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseLine(%q): %v", tc.line, err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("ParseLine(%q) mismatch (-want +got):\n%s", tc.line, diff)
			}
		})
	}
}

func openTestStore(t *testing.T, cfg Config) Store {
	t.Helper()
	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", cfg.Driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func driverConfigs(t *testing.T) map[string]Config {
	t.Helper()
	mr := miniredis.RunT(t)
	dir := t.TempDir()
	return map[string]Config{
		"file":   {Driver: "file", Path: filepath.Join(dir, "pending_commands.txt")},
		"sqlite": {Driver: "sqlite", Path: filepath.Join(dir, "pending.db")},
		"redis":  {Driver: "redis", Redis: RedisConfig{Addr: mr.Addr()}},
	}
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	for name, cfg := range driverConfigs(t) {
		name, cfg := name, cfg
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := openTestStore(t, cfg)

			got, err := st.Load(ctx)
			if err != nil {
				t.Fatalf("Load empty: %v", err)
			}
			if len(got) != 0 {
				t.Fatalf("Load empty returned %d records", len(got))
			}

			recs := sampleRecords()
			if err := st.ReplaceAll(ctx, recs[:2]); err != nil {
				t.Fatalf("ReplaceAll: %v", err)
			}
			for _, r := range recs[2:] {
				if err := st.Append(ctx, r); err != nil {
					t.Fatalf("Append: %v", err)
				}
			}
			got, err = st.Load(ctx)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if diff := cmp.Diff(recs, got); diff != "" {
				t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
			}

			if err := st.ReplaceAll(ctx, nil); err != nil {
				t.Fatalf("ReplaceAll(nil): %v", err)
			}
			got, err = st.Load(ctx)
			if err != nil || len(got) != 0 {
				t.Fatalf("Load after clear = %v, %v", got, err)
			}
		})
	}
}

func TestFileStoreSkipsMalformedLines(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "pending_commands.txt")
	content := "111 900 2025-03-01T12:00:00Z\n" +
		"garbage\n" +
		"555 900 " + strings.Repeat("x", 70<<10) + "\n" +
		"\n" +
		"222 900 not-a-time\n" +
		"333 901 2025-03-01T12:00:00.000000\n" +
		"444 902 2025-03-01T13:00:00Z"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	st := openTestStore(t, Config{Driver: "file", Path: path, Location: time.UTC})
	got, err := st.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []Record{
		{SubjectID: "111", ScopeID: "900", DueAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
		{SubjectID: "333", ScopeID: "901", DueAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
		{SubjectID: "444", ScopeID: "902", DueAt: time.Date(2025, 3, 1, 13, 0, 0, 0, time.UTC)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Load mismatch (-want +got):\n%s", diff)
	}
}

func TestFileStoreReplaceAllLeavesNoTemp(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "pending_commands.txt")
	st := openTestStore(t, Config{Driver: "file", Path: path})
	if err := st.ReplaceAll(context.Background(), sampleRecords()); err != nil {
		t.Fatalf("ReplaceAll: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("temp file still present: %v", err)
	}
}

func TestClosedFileStore(t *testing.T) {
	t.Parallel()

	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "p.txt")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	_ = st.Close()
	if err := st.Append(context.Background(), sampleRecords()[0]); !errors.Is(err, ErrClosed) {
		t.Fatalf("Append after Close err = %v", err)
	}
}

func TestOpenDriverSelection(t *testing.T) {
	t.Parallel()

	st, err := Open(Config{Driver: "none"}, logx.Nop())
	if err != nil || st != nil {
		t.Fatalf("none driver = %v, %v", st, err)
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("file driver without path accepted")
	}
}

func TestDecodeLinesSkipsOversizedLine(t *testing.T) {
	t.Parallel()

	in := "1 A 2025-03-01T12:00:00Z\n" +
		strings.Repeat("y", maxLineLen) + "z\n" +
		"2 A 2025-03-01T12:00:00Z\n"
	got, err := decodeLines(strings.NewReader(in), time.UTC, logx.Nop())
	if err != nil {
		t.Fatalf("decodeLines: %v", err)
	}
	if len(got) != 2 || got[0].SubjectID != "1" || got[1].SubjectID != "2" {
		t.Fatalf("got %+v", got)
	}
}
