package sloghooks

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func newTestHooks(opts Options) (*Hooks, *bytes.Buffer) {
	var buf bytes.Buffer
	l := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return New(l, opts), &buf
}

func TestRedactsKeys(t *testing.T) {
	h, buf := newTestHooks(Options{})
	h.KeyEvicted("session_secret", "capacity")
	out := buf.String()
	if strings.Contains(out, "session_secret") || !strings.Contains(out, "reason=capacity") {
		t.Fatalf("record: %s", out)
	}
}

func TestSamplesEvictions(t *testing.T) {
	h, buf := newTestHooks(Options{EvictedEvery: 3, Redact: func(s string) string { return s }})
	for i := 0; i < 9; i++ {
		h.KeyEvicted("k", "lru")
	}
	if n := strings.Count(buf.String(), "statekv.key_evicted"); n != 3 {
		t.Fatalf("want 3 sampled records, got %d", n)
	}
}

func TestWriteDroppedAlwaysLogged(t *testing.T) {
	h, buf := newTestHooks(Options{EvictedEvery: 100})
	h.WriteDropped("multiSet", "no_victim", errors.New("quota exceeded"))
	if !strings.Contains(buf.String(), "level=ERROR") {
		t.Fatalf("record: %s", buf.String())
	}
}

func TestNilLogger(t *testing.T) {
	h := New(nil, Options{})
	h.QuotaReported(1, 2)
	h.StorageDegraded("redis", errors.New("down"))
}
