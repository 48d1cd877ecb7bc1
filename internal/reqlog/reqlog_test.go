package reqlog

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func newTestLogger(t *testing.T, buf *bytes.Buffer) *Logger {
	t.Helper()
	slogger := slog.New(slog.NewJSONHandler(buf, nil))
	l, err := New(context.Background(), "", slogger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLogFallsBackToSlogWithoutDSN(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf)

	l.Log(Entry{
		RequestID: "req-1",
		Provider:  "qwen_cloud",
		Model:     "qwen-max",
		Status:    200,
		CreatedAt: time.Now(),
	})

	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if !strings.Contains(buf.String(), "req-1") {
		t.Fatalf("expected flushed log to contain request id, got: %s", buf.String())
	}
}

func TestLogDropsWhenChannelFull(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf)

	for i := 0; i < channelBuffer+10; i++ {
		l.Log(Entry{RequestID: "flood"})
	}

	if l.DroppedLogs() == 0 {
		t.Fatalf("expected some entries to be dropped once the channel filled")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf)

	if err := l.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
