package lmtpd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/cyclops-mail/lmtpd/lalog"
	"github.com/cyclops-mail/lmtpd/lmtp"
)

// fakeRouter accepts every recipient except local part "no-such-user",
// which it rejects with a 550 — the contract TestLMTPDaemon's doc comment
// requires of the Router it is handed.
type fakeRouter struct{}

func (fakeRouter) Route(ctx context.Context, addr lmtp.SmtpAddress, delim byte, sessionID string, proxyTTL uint32, meta lmtp.ConnMeta, existingKind lmtp.RoutingKind) (lmtp.RouteOutcome, error) {
	if addr.Local == "no-such-user" {
		return lmtp.RouteOutcome{ReplyCode: 550, EnhancedCode: "5.1.1", Reason: fmt.Sprintf("User doesn't exist: %s", addr.Local)}, nil
	}
	return lmtp.RouteOutcome{Accepted: true, Routing: lmtp.RoutingDecision{Kind: lmtp.RouteLocal}, UserHandle: "handle:" + addr.Local}, nil
}

type fakeLocalDelivery struct{}

func (fakeLocalDelivery) Deliver(ctx context.Context, handle interface{}, rcpt lmtp.Recipient, payload io.ReadSeeker) lmtp.LocalDeliveryOutcome {
	return lmtp.LocalDeliveryOutcome{ReplyCode: 250, EnhancedCode: "2.0.0", Reason: fmt.Sprintf("<%s> delivered", rcpt.Address.Local)}
}

type fakeProxyDialer struct{}

func (fakeProxyDialer) NewSession(ctx context.Context, params lmtp.ProxySessionParams) (lmtp.ProxySession, error) {
	return nil, fmt.Errorf("proxying not exercised by this test")
}

func newTestDaemon(t *testing.T, port int) *Daemon {
	t.Helper()
	d := &Daemon{
		Address:          "127.0.0.1",
		Port:             port,
		MyDomain:         "test.example.com",
		PerIPLimit:       100,
		IOTimeout:        5 * time.Second,
		MaxMessageLength: 1024 * 1024,
		SpoolDir:         t.TempDir(),
		Router:           fakeRouter{},
		LocalDelivery:    fakeLocalDelivery{},
		ProxyDialer:      fakeProxyDialer{},
		Logger:           lalog.DefaultLogger,
	}
	if err := d.Initialise(); err != nil {
		t.Fatalf("Initialise: %v", err)
	}
	return d
}

// TestDaemon_MinimalLocalDelivery exercises S1 — minimal local delivery —
// over a real TCP connection against a fully wired Daemon.
func TestDaemon_MinimalLocalDelivery(t *testing.T) {
	d := newTestDaemon(t, 1)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	d.Listener = ln
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go d.HandleConnection(conn)
		}
	}()
	defer ln.Close()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	r := bufio.NewReader(conn)
	readLine := func() string {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		return strings.TrimRight(line, "\r\n")
	}
	readMultiline := func() {
		for {
			line := readLine()
			if len(line) >= 4 && line[3] == ' ' {
				return
			}
		}
	}

	if got := readLine(); !strings.HasPrefix(got, "220 ") {
		t.Fatalf("expected 220 greeting, got %q", got)
	}

	fmt.Fprintf(conn, "LHLO client.example.com\r\n")
	readMultiline()

	fmt.Fprintf(conn, "MAIL FROM:<sender@example.com>\r\n")
	if got := readLine(); !strings.HasPrefix(got, "250 ") {
		t.Fatalf("expected 250 for MAIL, got %q", got)
	}

	fmt.Fprintf(conn, "RCPT TO:<user@local>\r\n")
	if got := readLine(); !strings.HasPrefix(got, "250 ") {
		t.Fatalf("expected 250 for RCPT, got %q", got)
	}

	fmt.Fprintf(conn, "DATA\r\n")
	if got := readLine(); !strings.HasPrefix(got, "354 ") {
		t.Fatalf("expected 354, got %q", got)
	}
	fmt.Fprintf(conn, "Subject: hi\r\n\r\nhello\r\n.\r\n")
	if got := readLine(); !strings.HasPrefix(got, "250 ") {
		t.Fatalf("expected 250 per-recipient reply, got %q", got)
	}

	fmt.Fprintf(conn, "QUIT\r\n")
	if got := readLine(); !strings.HasPrefix(got, "221 ") {
		t.Fatalf("expected 221 on QUIT, got %q", got)
	}
}

// freePort finds a currently-unused TCP port on 127.0.0.1 by binding and
// immediately releasing it, so StartAndBlock can bind the same port itself.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// TestDaemon_SelfTest wires a real, runnable Daemon and hands it to
// TestLMTPDaemon, the daemon-level self test grounded on laitos'
// TestSMTPD — flood past the rate limit, deliver an ordinary message,
// confirm a rejected recipient comes back as an error, then stop.
func TestDaemon_SelfTest(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping rate-limit-window self test in short mode")
	}
	d := &Daemon{
		Address:          "127.0.0.1",
		Port:             freePort(t),
		MyDomain:         "test.example.com",
		PerIPLimit:       5,
		IOTimeout:        5 * time.Second,
		MaxMessageLength: 1024 * 1024,
		SpoolDir:         t.TempDir(),
		Router:           fakeRouter{},
		LocalDelivery:    fakeLocalDelivery{},
		ProxyDialer:      fakeProxyDialer{},
		Logger:           lalog.DefaultLogger,
	}
	if err := d.Initialise(); err != nil {
		t.Fatalf("Initialise: %v", err)
	}
	TestLMTPDaemon(d, t)
}
