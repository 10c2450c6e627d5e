package lmtp

import (
	"io"
	"net"
	"os"
	"strings"
	"testing"
	"time"
)

// fakeMetrics records the calls PayloadSink.Close makes to its
// MetricsRecorder, so tests can assert on the observed terminal shape
// instead of only on the sink's own accessors.
type fakeMetrics struct {
	payloadCalls []struct {
		spilled bool
		bytes   int64
	}
}

func (f *fakeMetrics) ObserveRouted(kind string, accepted bool) {}
func (f *fakeMetrics) ObservePayload(spilled bool, bytes int64) {
	f.payloadCalls = append(f.payloadCalls, struct {
		spilled bool
		bytes   int64
	}{spilled, bytes})
}
func (f *fakeMetrics) ObserveProxyDispatch(d time.Duration) {}

func TestPayloadSink_StaysInMemoryBelowCeiling(t *testing.T) {
	metrics := &fakeMetrics{}
	sink := NewPayloadSink(1024, t.TempDir(), metrics)
	if err := sink.Append([]byte("hello")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sink.Spilled() {
		t.Fatal("small payload should not spill")
	}
	if sink.Size() != 5 {
		t.Fatalf("unexpected size: %d", sink.Size())
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("unexpected error closing sink: %v", err)
	}
	if len(metrics.payloadCalls) != 1 || metrics.payloadCalls[0].spilled || metrics.payloadCalls[0].bytes != 5 {
		t.Fatalf("expected one unspilled 5-byte observation, got %+v", metrics.payloadCalls)
	}
}

func TestPayloadSink_SpillsPastCeilingWithNoLeakedPath(t *testing.T) {
	// Scenario S5 (spec.md §8): a body larger than the in-memory ceiling
	// completes successfully and leaves no path on disk afterward.
	dir := t.TempDir()
	metrics := &fakeMetrics{}
	sink := NewPayloadSink(16, dir, metrics)
	big := strings.Repeat("x", 64)
	if err := sink.Append([]byte(big)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sink.Spilled() {
		t.Fatal("expected payload to spill past the ceiling")
	}
	names, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("unexpected error listing temp dir: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("expected no leaked filenames under %s, found %v", dir, names)
	}

	reader, err := sink.Reader()
	if err != nil {
		t.Fatalf("unexpected error getting reader: %v", err)
	}
	got, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("unexpected error reading payload: %v", err)
	}
	if string(got) != big {
		t.Fatalf("payload content mismatch: got %d bytes, want %d", len(got), len(big))
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("unexpected error closing sink: %v", err)
	}
	if len(metrics.payloadCalls) != 1 || !metrics.payloadCalls[0].spilled || metrics.payloadCalls[0].bytes != int64(len(big)) {
		t.Fatalf("expected one spilled %d-byte observation, got %+v", len(big), metrics.payloadCalls)
	}
}

func TestComposeTraceHeaders_SingleRecipient(t *testing.T) {
	s := NewSession("abc123", net.ParseIP("203.0.113.5"), 54321, net.ParseIP("10.0.0.1"), 24, "mail.example.com")
	s.Greet("client.example.com")
	if err := s.StartEnvelope(EnvelopeSender{Address: SmtpAddress{Local: "sender", Domain: "example.com"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rcpt := Recipient{Address: SmtpAddress{Local: "alice", Domain: "local"}, Routing: RoutingDecision{Kind: RouteLocal}}
	if err := s.AddRecipient(rcpt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	headers := ComposeTraceHeaders(s)
	if !strings.Contains(headers, "Return-Path: <sender@example.com>") {
		t.Errorf("missing Return-Path in %q", headers)
	}
	if !strings.Contains(headers, "Delivered-To: <alice@local>") {
		t.Errorf("missing Delivered-To in %q", headers)
	}
	if !strings.Contains(headers, "Received: from client.example.com ([203.0.113.5])") {
		t.Errorf("missing Received in %q", headers)
	}
	if !strings.Contains(headers, "by mail.example.com with LMTP id abc123") {
		t.Errorf("missing LMTP id clause in %q", headers)
	}
	if !strings.HasPrefix(headers, "Return-Path:") {
		t.Errorf("Return-Path must lead the trace header block: %q", headers)
	}
}
