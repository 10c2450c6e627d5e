package lalog

import (
	"errors"
	"strings"
	"testing"
)

func TestLogger_Format(t *testing.T) {
	logger := &Logger{ComponentName: "lmtp", ComponentID: []IDField{{Key: "session", Value: 42}}}
	msg := logger.Format("Dispatch", "10.0.0.1", nil, "accepted %s", "RCPT")
	if !strings.Contains(msg, "lmtp") || !strings.Contains(msg, "session=42") || !strings.Contains(msg, "accepted RCPT") {
		t.Fatalf("unexpected format output: %q", msg)
	}
}

func TestLogger_FormatWithError(t *testing.T) {
	logger := &Logger{ComponentName: "proxy"}
	msg := logger.Format("Dial", nil, errors.New("connection refused"), "")
	if !strings.Contains(msg, "connection refused") {
		t.Fatalf("expected error text in formatted message, got %q", msg)
	}
}

func TestLogger_InfoPopulatesRing(t *testing.T) {
	logger := &Logger{ComponentName: "ringtest"}
	logger.Info("actor", nil, "hello %d", 1)
	found := false
	for _, line := range LatestLogs() {
		if strings.Contains(line, "ringtest") && strings.Contains(line, "hello 1") {
			found = true
			break
		}
	}
	if !found {
		t.Fatal("expected logged line to appear in LatestLogs")
	}
}

func TestLogger_MaybeMinorErrorDropsEOF(t *testing.T) {
	logger := &Logger{ComponentName: "quiet"}
	before := len(LatestLogs())
	logger.MaybeMinorError(errors.New("unexpected EOF"))
	after := len(LatestLogs())
	if after != before {
		t.Fatalf("expected EOF-ish error to be dropped, ring grew from %d to %d", before, after)
	}
}
