package slog

import (
	"bytes"
	stdslog "log/slog"
	"strings"
	"testing"

	"github.com/unkn0wn-root/statekv"
)

func TestFieldsInKeyOrder(t *testing.T) {
	var buf bytes.Buffer
	l := Logger{L: stdslog.New(stdslog.NewTextHandler(&buf, &stdslog.HandlerOptions{Level: stdslog.LevelDebug}))}

	l.Info("storage quota", statekv.Fields{"used": 10, "remaining": 90})

	out := buf.String()
	if !strings.Contains(out, "level=INFO") || !strings.Contains(out, `msg="storage quota"`) {
		t.Fatalf("record: %s", out)
	}
	if strings.Index(out, "remaining=90") > strings.Index(out, "used=10") {
		t.Fatalf("fields not sorted: %s", out)
	}
}

func TestDisabledLevelSkipped(t *testing.T) {
	var buf bytes.Buffer
	l := Logger{L: stdslog.New(stdslog.NewTextHandler(&buf, &stdslog.HandlerOptions{Level: stdslog.LevelWarn}))}
	l.Debug("noise", statekv.Fields{"k": 1})
	if buf.Len() != 0 {
		t.Fatalf("debug must be dropped: %s", buf.String())
	}
}
