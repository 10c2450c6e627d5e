// Package lmtpd wires the lmtp protocol engine together with its
// collaborators into a runnable network daemon, grounded directly on
// HouzuoGuo-laitos/daemon/smtpd/smtpd.go: a Daemon struct with
// Initialise/StartAndBlock/Stop/HandleConnection, per-IP rate limiting via
// ratelimit.RateLimit, and a TestLMTPDaemon helper in the shape of
// laitos' TestSMTPD. Where laitos' Daemon forwards every mail
// unconditionally to a fixed address list, this daemon wires a
// passdb.Lookup + router.Route + storage/proxy fan-out per spec.md
// §4.3-§4.6 instead.
package lmtpd

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	netSMTP "net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/cyclops-mail/lmtpd/config"
	"github.com/cyclops-mail/lmtpd/lalog"
	"github.com/cyclops-mail/lmtpd/lmtp"
	"github.com/cyclops-mail/lmtpd/metrics"
	"github.com/cyclops-mail/lmtpd/ratelimit"
	"github.com/cyclops-mail/lmtpd/testingstub"
)

// RateLimitIntervalSecs is the fixed-window length for per-IP connection
// limiting, matching smtpd.RateLimitIntervalSec's ten-second window.
const RateLimitIntervalSecs = 10

// Daemon listens for LMTP connections and dispatches each to a fresh
// lmtp.Dispatcher wired against the supplied collaborators.
type Daemon struct {
	Address    string
	Port       int
	MyDomain   string
	PerIPLimit int

	RecipientDelimiter byte
	Trusted            bool
	IOTimeout          time.Duration
	InMemoryCeiling    int64
	MaxMessageLength   int64
	SpoolDir           string

	TLSConfig *tls.Config

	Router        lmtp.Router
	LocalDelivery lmtp.LocalDelivery
	ProxyDialer   lmtp.ProxyDialer

	Metrics *metrics.Server
	Logger  *lalog.Logger

	RateLimit *ratelimit.RateLimit
	Listener  net.Listener
}

// FromSettings builds a Daemon's network/timeout/TLS fields from a decoded
// config.Settings, leaving the collaborator fields (Router, LocalDelivery,
// ProxyDialer, Metrics) for the caller to wire — cmd/lmtpd's job, not
// this package's, so daemon/lmtpd stays independent of concrete
// passdb/storage/proxy/router construction.
func FromSettings(s *config.Settings) (*Daemon, error) {
	d := &Daemon{
		Address:            s.Address,
		Port:               s.Port,
		MyDomain:           s.MyDomain,
		PerIPLimit:         s.PerIPLimit,
		RecipientDelimiter: s.Delimiter(),
		IOTimeout:          s.IOTimeout(),
		InMemoryCeiling:    s.InMemoryCeiling,
		MaxMessageLength:   s.MaxMessageLength,
		SpoolDir:           s.SpoolDir,
	}
	if s.TLSCertPath != "" {
		cert, err := tls.LoadX509KeyPair(s.TLSCertPath, s.TLSKeyPath)
		if err != nil {
			return nil, fmt.Errorf("lmtpd: failed to read TLS certificate: %w", err)
		}
		d.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	return d, nil
}

// Initialise checks configuration and prepares internal state. Collaborator
// fields (Router, LocalDelivery, ProxyDialer) must already be set.
func (d *Daemon) Initialise() error {
	if d.Logger == nil {
		d.Logger = &lalog.Logger{ComponentName: "lmtpd", ComponentID: []lalog.IDField{{Key: "addr", Value: fmt.Sprintf("%s:%d", d.Address, d.Port)}}}
	}
	if d.Address == "" {
		return fmt.Errorf("lmtpd.Initialise: listen address must not be empty")
	}
	if d.Port < 1 {
		return fmt.Errorf("lmtpd.Initialise: listen port must be greater than 0")
	}
	if d.PerIPLimit < 1 {
		return fmt.Errorf("lmtpd.Initialise: PerIPLimit must be greater than 0")
	}
	if d.MyDomain == "" {
		return fmt.Errorf("lmtpd.Initialise: MyDomain must be configured")
	}
	if d.Router == nil || d.LocalDelivery == nil || d.ProxyDialer == nil {
		return fmt.Errorf("lmtpd.Initialise: Router, LocalDelivery, and ProxyDialer collaborators must be set")
	}
	if d.InMemoryCeiling <= 0 {
		d.InMemoryCeiling = lmtp.DefaultInMemoryCeiling
	}
	d.RateLimit = &ratelimit.RateLimit{
		MaxCount: d.PerIPLimit,
		UnitSecs: RateLimitIntervalSecs,
		Logger:   d.Logger,
	}
	d.RateLimit.Initialise()
	return nil
}

// StartAndBlock listens on Address:Port and serves connections until the
// listener is closed via Stop.
func (d *Daemon) StartAndBlock() error {
	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", d.Address, d.Port))
	if err != nil {
		return fmt.Errorf("lmtpd.StartAndBlock: failed to listen on %s:%d: %w", d.Address, d.Port, err)
	}
	d.Listener = listener
	d.Logger.Info("", nil, "listening on %s:%d", d.Address, d.Port)
	for {
		conn, err := d.Listener.Accept()
		if err != nil {
			if strings.Contains(err.Error(), "closed") {
				return nil
			}
			return fmt.Errorf("lmtpd.StartAndBlock: failed to accept connection: %w", err)
		}
		go d.HandleConnection(conn)
	}
}

// Stop closes the listener, unblocking StartAndBlock.
func (d *Daemon) Stop() {
	if d.Listener != nil {
		d.Logger.MaybeMinorError(d.Listener.Close())
	}
}

// HandleConnection serves a single accepted connection to completion.
func (d *Daemon) HandleConnection(conn net.Conn) {
	defer conn.Close()

	clientIP := remoteIP(conn)
	if !d.RateLimit.Add(clientIP, true) {
		conn.Write([]byte("421 4.7.0 Too many connections, try again later\r\n"))
		return
	}
	if d.Metrics != nil {
		d.Metrics.SessionsStarted.Inc()
	}

	transport := lmtp.NewTransport(conn, lmtp.TransportConfig{
		TLSConfig:        d.TLSConfig,
		IOTimeout:        d.IOTimeout,
		MaxMessageLength: d.MaxMessageLength,
		ServerName:       d.MyDomain,
	}, d.Logger)
	defer transport.Close()

	remoteIPAddr, remotePort := splitHostPort(conn.RemoteAddr())
	localIPAddr, localPort := splitHostPort(conn.LocalAddr())
	sessionID := fmt.Sprintf("%s-%d", clientIP, time.Now().UnixNano())

	session := lmtp.NewSession(sessionID, remoteIPAddr, remotePort, localIPAddr, localPort, d.MyDomain)

	dispatcher := &lmtp.Dispatcher{
		Config: lmtp.DispatcherConfig{
			RecipientDelimiter: d.RecipientDelimiter,
			InMemoryCeiling:    d.InMemoryCeiling,
			SpillDir:           d.SpoolDir,
			Trusted:            d.Trusted,
		},
		Transport:     transport,
		Session:       session,
		Logger:        d.Logger,
		Router:        d.Router,
		LocalDelivery: d.LocalDelivery,
		ProxyDialer:   d.ProxyDialer,
	}
	if d.Metrics != nil {
		// Assigned only when set, so a nil *metrics.Server leaves the
		// interface nil and payload observation disabled.
		dispatcher.Metrics = d.Metrics
	}

	if err := dispatcher.Serve(context.Background()); err != nil {
		d.Logger.Warning(clientIP, err, "session ended with error")
	}
	if d.Metrics != nil {
		d.Metrics.SessionsTerminated.WithLabelValues("complete").Inc()
	}
}

func remoteIP(conn net.Conn) string {
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcpAddr.IP.String()
	}
	return conn.RemoteAddr().String()
}

func splitHostPort(addr net.Addr) (net.IP, int) {
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return tcpAddr.IP, tcpAddr.Port
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil, 0
	}
	port, _ := strconv.Atoi(portStr)
	return net.ParseIP(host), port
}

// TestLMTPDaemon exercises a fully wired Daemon end to end, the same shape
// laitos' TestSMTPD uses for its own daemon-level self test: start, flood
// past the per-IP rate limit, wait for the window to clear, deliver an
// ordinary message through net/smtp (LMTP shares SMTP's wire grammar for
// this purpose), confirm a recipient the Router is wired to reject comes
// back as an error, then stop.
//
// The Daemon's Router is assumed to accept any recipient at "user@"+
// d.MyDomain and to reject local part "no-such-user" with a 5xx — the
// fakeRouter daemon_test.go builds for this purpose follows that contract.
func TestLMTPDaemon(d *Daemon, t testingstub.T) {
	var stoppedNormally bool
	go func() {
		if err := d.StartAndBlock(); err != nil {
			t.Fatal(err)
		}
		stoppedNormally = true
	}()
	// The daemon is expected to start listening in well under a second.
	time.Sleep(200 * time.Millisecond)

	addr := d.Address + ":" + strconv.Itoa(d.Port)
	goodRecipient := "user@" + d.MyDomain
	badRecipient := "no-such-user@" + d.MyDomain
	testMessage := []byte("Content-type: text/plain; charset=utf-8\r\nFrom: MsgFrom@whatever\r\nTo: MsgTo@whatever\r\nSubject: text subject\r\n\r\ntest body")

	// Try to exceed the per-IP rate limit.
	success := 0
	for i := 0; i < 3*d.PerIPLimit; i++ {
		if err := netSMTP.SendMail(addr, nil, "ClientFrom@localhost", []string{goodRecipient}, testMessage); err == nil {
			success++
		}
	}
	if success < 1 || success > d.PerIPLimit {
		t.Fatal("rate limit did not take effect, delivered", success)
	}
	// Wait till the rate limit window clears.
	time.Sleep(time.Duration(RateLimitIntervalSecs+1) * time.Second)

	// Send an ordinary mail to a recipient the Router accepts.
	if err := netSMTP.SendMail(addr, nil, "ClientFrom@localhost", []string{goodRecipient}, testMessage); err != nil {
		t.Fatal(err)
	}
	// Send a mail to a recipient the Router is wired to reject.
	err := netSMTP.SendMail(addr, nil, "ClientFrom@localhost", []string{badRecipient}, testMessage)
	if err == nil || !strings.Contains(err.Error(), "550") {
		t.Fatal("expected a 550 rejection for", badRecipient, "got", err)
	}

	// Daemon must stop in a second.
	d.Stop()
	time.Sleep(1 * time.Second)
	if !stoppedNormally {
		t.Fatal("daemon did not stop")
	}
	// Repeatedly stopping the daemon should have no negative consequence.
	d.Stop()
	d.Stop()
}
