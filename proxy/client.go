// Package proxy implements the outbound proxy collaborator of spec.md
// §4.3/§4.6/§6, grounded heavily on
// HouzuoGuo-laitos/inet/mail_client.go's dialMTA/sendMail pair: a TCP dial
// with a TLS-upgrade attempt that falls back to plaintext. Generalised from
// single-shot net/smtp submission to a persistent ProxySession that relays
// MAIL FROM, accumulates RCPT TO, and streams the composed payload once,
// collecting one reply line per proxied recipient — the reason this
// package exists instead of reusing net/smtp.Client directly, which only
// ever reports one reply for the whole transaction.
package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/cyclops-mail/lmtpd/lalog"
	"github.com/cyclops-mail/lmtpd/lmtp"
)

// Dialer implements lmtp.ProxyDialer, dialing an upstream LMTP/SMTP server
// for each new proxy session.
type Dialer struct {
	Resolver  ResolverConfig
	TLSConfig *tls.Config
	Logger    *lalog.Logger

	// Metrics is the ambient observability collaborator (SPEC_FULL.md
	// §5.7), threaded into every Session this Dialer creates so each
	// Start call can report its wall time. A nil Metrics disables this
	// without further guards.
	Metrics lmtp.MetricsRecorder
}

// NewDialer constructs a Dialer.
func NewDialer(resolver ResolverConfig, tlsConfig *tls.Config, logger *lalog.Logger, metrics lmtp.MetricsRecorder) *Dialer {
	return &Dialer{Resolver: resolver, TLSConfig: tlsConfig, Logger: logger, Metrics: metrics}
}

// NewSession dials params.Target, resolving its HostIP ahead of time when
// not already supplied (proxy/resolve.go), and attempts a TLS upgrade that
// falls back to plaintext on failure, mirroring dialMTA's behaviour.
func (d *Dialer) NewSession(ctx context.Context, params lmtp.ProxySessionParams) (lmtp.ProxySession, error) {
	target := params.Target
	ip := target.HostIP
	if ip == nil {
		if resolved, err := ResolveHostIP(d.Resolver, target.Host); err == nil {
			ip = resolved
		} else {
			d.Logger.Warning(target.Host, err, "pre-flight A-record resolution failed, dialing by name instead")
		}
	}
	dialHost := target.Host
	if ip != nil {
		dialHost = ip.String()
	}
	addr := net.JoinHostPort(dialHost, strconv.Itoa(target.Port))

	timeout := target.Timeout
	if timeout <= 0 {
		timeout = lmtp.ProxyDefaultTimeout
	}
	dialer := net.Dialer{Timeout: timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	d.Logger.MaybeMinorError(netConn.SetDeadline(time.Now().Add(timeout)))

	client, err := smtp.NewClient(netConn, target.Host)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("greet %s: %w", addr, err)
	}
	if err := client.Hello(params.MyDomain); err != nil {
		client.Close()
		return nil, fmt.Errorf("hello %s: %w", addr, err)
	}

	if d.TLSConfig != nil {
		if ok, _ := client.Extension("STARTTLS"); ok {
			tlsConfig := d.TLSConfig.Clone()
			tlsConfig.ServerName = target.Host
			if err := client.StartTLS(tlsConfig); err != nil {
				// TLS upgrade failure is not fatal to the proxy session: carry
				// on in plaintext, the same fallback dialMTA performs.
				d.Logger.Warning(addr, err, "STARTTLS to upstream failed, continuing in plaintext")
			}
		}
	}

	return &Session{client: client, target: target, timeout: timeout, logger: d.Logger, metrics: d.Metrics}, nil
}

// Session is a single outbound LMTP/SMTP relay connection kept open for the
// lifetime of one inbound LMTP session's proxy recipients.
type Session struct {
	client    *smtp.Client
	target    lmtp.ProxyTarget
	timeout   time.Duration
	logger    *lalog.Logger
	metrics   lmtp.MetricsRecorder
	rcptCount int
}

// MailFrom relays the inbound envelope's MAIL FROM.
func (s *Session) MailFrom(sender lmtp.EnvelopeSender) error {
	return s.client.Mail(sender.Address.Bare(), nil)
}

// AddRecipient relays one RCPT TO, reading its immediate reply directly off
// the client's text connection so a synchronous failure can be reported to
// the inbound client right away (spec.md §4.3 step 8: "if the proxy add
// fails synchronously, reply 451 4.4.0").
func (s *Session) AddRecipient(addr lmtp.SmtpAddress, orcpt string) error {
	cmd := fmt.Sprintf("RCPT TO:<%s>", addr.Bare())
	if orcpt != "" {
		cmd += " ORCPT=" + orcpt
	}
	id, err := s.client.Text.Cmd(cmd)
	if err != nil {
		return err
	}
	s.client.Text.StartResponse(id)
	code, _, err := s.client.Text.ReadResponse(25)
	s.client.Text.EndResponse(id)
	if err != nil && code == 0 {
		return err
	}
	if code/100 != 2 {
		return fmt.Errorf("upstream refused recipient: %d", code)
	}
	s.rcptCount++
	return nil
}

// Start streams payload as the message body and collects one reply per
// recipient previously added via AddRecipient, in the order they were
// added, relaying the upstream's status verbatim (spec.md §4.6).
func (s *Session) Start(ctx context.Context, payload io.Reader) ([]lmtp.ProxyReply, error) {
	if s.metrics != nil {
		start := time.Now()
		defer func() { s.metrics.ObserveProxyDispatch(time.Since(start)) }()
	}

	id, err := s.client.Text.Cmd("DATA")
	if err != nil {
		return nil, err
	}
	s.client.Text.StartResponse(id)
	_, _, err = s.client.Text.ReadResponse(354)
	s.client.Text.EndResponse(id)
	if err != nil {
		return nil, err
	}

	w := s.client.Text.DotWriter()
	if _, err := io.Copy(w, payload); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	replies := make([]lmtp.ProxyReply, 0, s.rcptCount)
	for i := 0; i < s.rcptCount; i++ {
		id := s.client.Text.Next()
		s.client.Text.StartResponse(id)
		code, msg, err := s.client.Text.ReadResponse(0)
		s.client.Text.EndResponse(id)
		if err != nil && code == 0 {
			replies = append(replies, lmtp.ProxyReply{Code: 451, Text: "4.4.0 Remote server not answering"})
			continue
		}
		replies = append(replies, lmtp.ProxyReply{Code: code, Text: msg})
	}
	return replies, nil
}

// Deinit closes the upstream connection.
func (s *Session) Deinit() {
	if s.client == nil {
		return
	}
	s.logger.MaybeMinorError(s.client.Quit())
	s.logger.MaybeMinorError(s.client.Close())
}
