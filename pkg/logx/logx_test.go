package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	kit "sleeptimer/internal/transport"
)

func TestFormatChatLine(t *testing.T) {
	t.Parallel()

	line := `{"level":"warn","time":"x","message":"fire failed","subject":"42","comp":"disconnect"}`
	got := formatChatLine([]byte(line))
	want := "[WARN] fire failed\n- comp=disconnect\n- subject=42"
	if got != want {
		t.Fatalf("formatChatLine() = %q, want %q", got, want)
	}

	raw := formatChatLine([]byte("  not json \n"))
	if raw != "not json" {
		t.Fatalf("raw line = %q", raw)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"0123456789abcdef", 12, "012345678..."},
		{"abcdef", 3, "abc"},
		{"abc", 0, "abc"},
	}
	for _, tc := range cases {
		if got := truncate(tc.in, tc.n); got != tc.want {
			t.Fatalf("truncate(%q,%d)=%q want %q", tc.in, tc.n, got, tc.want)
		}
	}
}

func TestLoggerWithFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))
	log.Info("hello", Int("n", 3))
	log.Trace("dropped")

	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &m); err != nil {
		t.Fatalf("unmarshal: %v (%q)", err, buf.String())
	}
	if m["comp"] != "test" || m["message"] != "hello" || m["n"] != float64(3) {
		t.Fatalf("unexpected entry: %v", m)
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logx_test.go:") {
		t.Fatalf("caller = %q", c)
	}
}

func TestZeroLoggerIsNop(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Error("nothing happens")
}

func TestValidLevel(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"", "info", "WARNING", "trace"} {
		if !ValidLevel(s) {
			t.Fatalf("ValidLevel(%q) = false", s)
		}
	}
	if ValidLevel("loud") {
		t.Fatal("ValidLevel(loud) = true")
	}
}

type captureSender struct {
	mu   sync.Mutex
	sent []string
	to   []string
}

func (c *captureSender) Name() string                                   { return "capture" }
func (c *captureSender) Start(context.Context, chan<- kit.Update) error { return nil }
func (c *captureSender) Stop(context.Context) error                     { return nil }
func (c *captureSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, text)
	c.to = append(c.to, to.ChatID)
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (c *captureSender) snapshot() ([]string, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...), append([]string(nil), c.to...)
}

func TestServiceChatSinkFiltersByLevel(t *testing.T) {
	sender := &captureSender{}
	svc, log := New(Config{
		Level: "debug",
		Chat:  ChatConfig{Enabled: true, Target: "mods", MinLevel: "warn", RatePerSec: 10},
	}, sender)
	defer svc.Close()

	log.Info("quiet")
	log.Warn("loud", String("k", "v"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sent, _ := sender.snapshot(); len(sent) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	sent, to := sender.snapshot()
	if len(sent) != 1 {
		t.Fatalf("sent %d chat lines, want 1: %q", len(sent), sent)
	}
	if !strings.HasPrefix(sent[0], "[WARN] loud") || to[0] != "mods" {
		t.Fatalf("unexpected chat line %q to %q", sent[0], to[0])
	}
}
