package lmtp

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// DefaultInMemoryCeiling is MAIL_DATA_MAX_INMEMORY_SIZE (spec.md §6),
// the recommended ~64 KiB threshold at which a payload spills to disk.
const DefaultInMemoryCeiling = 64 * 1024

// PayloadSink is the tagged union of spec.md §3: InMemory(buffer) or
// Spilled(fd, byte_count). The zero-value is unusable; construct with
// NewPayloadSink.
type PayloadSink struct {
	ceiling int64
	tempDir string
	metrics MetricsRecorder

	mem     bytes.Buffer
	spilled *os.File
	size    int64
}

// NewPayloadSink creates a sink that stays in memory until ceiling bytes
// have been written, then spills to an unlinked temp file under tempDir.
// metrics may be nil to disable observation.
func NewPayloadSink(ceiling int64, tempDir string, metrics MetricsRecorder) *PayloadSink {
	if ceiling <= 0 {
		ceiling = DefaultInMemoryCeiling
	}
	return &PayloadSink{ceiling: ceiling, tempDir: tempDir, metrics: metrics}
}

// Append writes chunk to the sink, spilling to disk first if this append
// would exceed the in-memory ceiling. A short write to the spill file is
// reported as an error; the caller (Session/Dispatcher) treats this as
// fatal to the session per spec.md §4.4.
func (p *PayloadSink) Append(chunk []byte) error {
	if p.spilled != nil {
		n, err := p.spilled.Write(chunk)
		p.size += int64(n)
		if err != nil {
			return fmt.Errorf("spill write: %w", err)
		}
		if n != len(chunk) {
			return fmt.Errorf("short write to spill file: wrote %d of %d bytes", n, len(chunk))
		}
		return nil
	}
	if int64(p.mem.Len())+int64(len(chunk)) > p.ceiling {
		if err := p.spill(); err != nil {
			return err
		}
		return p.Append(chunk)
	}
	n, err := p.mem.Write(chunk)
	p.size += int64(n)
	return err
}

// spill moves the in-memory buffer to an already-unlinked temp file,
// satisfying spec.md §3's "no filesystem name leak" invariant: the file is
// created then immediately removed while the descriptor stays open.
func (p *PayloadSink) spill() error {
	f, err := os.CreateTemp(p.tempDir, "lmtpd-spill-*")
	if err != nil {
		return fmt.Errorf("create spill file: %w", err)
	}
	if err := os.Remove(f.Name()); err != nil {
		f.Close()
		return fmt.Errorf("unlink spill file: %w", err)
	}
	if _, err := f.Write(p.mem.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("seed spill file: %w", err)
	}
	p.spilled = f
	p.mem.Reset()
	return nil
}

// observeComplete reports this sink's terminal shape (spilled or not, and
// total size) to the metrics collaborator, once, at Close.
func (p *PayloadSink) observeComplete() {
	if p.metrics != nil {
		p.metrics.ObservePayload(p.spilled != nil, p.size)
	}
}

// Spilled reports whether the sink has transitioned to the on-disk form.
func (p *PayloadSink) Spilled() bool { return p.spilled != nil }

// Size returns the total number of bytes appended so far.
func (p *PayloadSink) Size() int64 { return p.size }

// Reader returns a fresh, seeked-to-start reader over the full payload, for
// handing to the delivery fan-out (spec.md §4.6).
func (p *PayloadSink) Reader() (io.ReadSeeker, error) {
	if p.spilled != nil {
		if _, err := p.spilled.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		return p.spilled, nil
	}
	return bytes.NewReader(p.mem.Bytes()), nil
}

// Close releases the sink's resources and reports its terminal shape to
// the metrics collaborator. For a spilled sink this closes the
// already-unlinked file, freeing its disk space; for an in-memory sink
// closing is a no-op.
func (p *PayloadSink) Close() error {
	p.observeComplete()
	if p.spilled != nil {
		return p.spilled.Close()
	}
	return nil
}

// DeliveryHeaderPolicy selects how the Delivered-To trace header is
// synthesized for a single-recipient message (spec.md §4.5).
type DeliveryHeaderPolicy int

const (
	DeliveredToNone DeliveryHeaderPolicy = iota
	DeliveredToFinal
	DeliveredToOriginal
)

// ComposeTraceHeaders builds the added_headers string prepended to the
// payload before delivery (spec.md §4.5). It is computed once, at the start
// of DATA, from the session's envelope as it stands at that moment.
func ComposeTraceHeaders(s *Session) string {
	var buf bytes.Buffer
	if s.envelope == nil || len(s.envelope.Rcpts) == 0 {
		return ""
	}
	buf.WriteString(fmt.Sprintf("Return-Path: %s\r\n", s.envelope.Sender.Address.String()))

	if len(s.envelope.Rcpts) == 1 {
		rcpt := s.envelope.Rcpts[0]
		switch deliveredToPolicy(rcpt) {
		case DeliveredToFinal:
			buf.WriteString(fmt.Sprintf("Delivered-To: %s\r\n", rcpt.Address.String()))
		case DeliveredToOriginal:
			orcpt := rcpt.Params.Raw["ORCPT"]
			if orcpt == "" {
				orcpt = rcpt.Address.String()
			}
			buf.WriteString(fmt.Sprintf("Delivered-To: %s\r\n", orcpt))
		case DeliveredToNone:
			// omitted
		}
	}

	if s.RemoteIP != nil {
		buf.WriteString(fmt.Sprintf("Received: from %s ([%s])\r\n", s.GreetingName, s.RemoteIP.String()))
	} else {
		buf.WriteString(fmt.Sprintf("Received: from %s\r\n", s.GreetingName))
	}
	if s.TLS != nil {
		buf.WriteString(fmt.Sprintf("\t(using %s)\r\n", s.TLS.CipherSuite))
	}
	buf.WriteString(fmt.Sprintf("\tby %s with LMTP id %s\r\n", s.MyDomain, s.ID))
	if len(s.envelope.Rcpts) == 1 {
		buf.WriteString(fmt.Sprintf("\tfor %s; %s\r\n", s.envelope.Rcpts[0].Address.String(), rfc5322Date()))
	} else {
		buf.WriteString(fmt.Sprintf("; %s\r\n", rfc5322Date()))
	}
	return buf.String()
}

// deliveredToPolicy reports the DeliveryHeaderPolicy a recipient's RCPT
// parameters select: DSN-marked recipients get the "original" form so the
// ORCPT survives forwarding; all others get "final".
func deliveredToPolicy(r Recipient) DeliveryHeaderPolicy {
	if r.Params.DSN {
		return DeliveredToOriginal
	}
	return DeliveredToFinal
}

func rfc5322Date() string {
	return nowFunc().Format("Mon, 02 Jan 2006 15:04:05 -0700")
}
