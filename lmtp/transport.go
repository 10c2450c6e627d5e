package lmtp

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"time"

	"github.com/cyclops-mail/lmtpd/lalog"
)

// MaxCommandLength bounds a single command line read outside of DATA, in
// the shape HouzuoGuo-laitos/daemon/smtpd/smtp.MaxCommandLength does.
const MaxCommandLength = 4096

// TransportConfig tunes the framed line transport.
type TransportConfig struct {
	TLSConfig        *tls.Config
	IOTimeout        time.Duration
	MaxMessageLength int64
	ServerName       string
}

// Transport is the framed byte-stream layer of spec.md §2.1: it consumes
// bytes off a net.Conn and yields CRLF-terminated command lines, plus, on
// request, a dot-stuffed body substream. Grounded on
// HouzuoGuo-laitos/daemon/smtpd/smtp/connection.go's Connection, generalised
// to LMTP's full verb set via the Dispatcher instead of baking the SMTP
// state machine directly into this type.
type Transport struct {
	Config TransportConfig
	Logger *lalog.Logger

	netConn     net.Conn
	limitReader *io.LimitedReader
	textReader  *textproto.Reader

	tlsAttempted bool
	tlsState     tls.ConnectionState
}

// NewTransport wraps conn in a Transport ready to read LMTP commands.
func NewTransport(conn net.Conn, cfg TransportConfig, logger *lalog.Logger) *Transport {
	t := &Transport{Config: cfg, Logger: logger}
	t.setupReaders(conn)
	return t
}

func (t *Transport) setupReaders(conn net.Conn) {
	t.netConn = conn
	t.limitReader = io.LimitReader(conn, MaxCommandLength).(*io.LimitedReader)
	t.textReader = textproto.NewReader(bufio.NewReader(t.limitReader))
}

// RemoteAddr returns the underlying connection's remote address.
func (t *Transport) RemoteAddr() net.Addr { return t.netConn.RemoteAddr() }

// LocalAddr returns the underlying connection's local address.
func (t *Transport) LocalAddr() net.Addr { return t.netConn.LocalAddr() }

// TLSActive reports whether STARTTLS has already completed on this transport.
func (t *Transport) TLSActive() bool { return t.tlsAttempted }

// TLSState returns the negotiated TLS connection state, valid only after
// TLSActive() is true.
func (t *Transport) TLSState() tls.ConnectionState { return t.tlsState }

// ReadLine reads one CRLF-terminated command line, bounded by
// MaxCommandLength and Config.IOTimeout. Returns io.EOF-wrapping errors on
// connection loss so callers can distinguish a clean close from a protocol
// violation.
func (t *Transport) ReadLine() (string, error) {
	t.limitReader.N = MaxCommandLength
	if t.Config.IOTimeout > 0 {
		t.Logger.MaybeMinorError(t.netConn.SetReadDeadline(time.Now().Add(t.Config.IOTimeout)))
	}
	line, err := t.textReader.ReadLine()
	if err != nil {
		return "", err
	}
	if t.limitReader.N == 0 {
		return "", fmt.Errorf("command line exceeded %d bytes", MaxCommandLength)
	}
	return line, nil
}

// ReadDotBody reads a dot-stuffed mail body per RFC 5321 §4.5.2: a lone "."
// on a line terminates the body, and interior lines starting with "." have
// the leading dot removed. maxLength bounds the total body size.
func (t *Transport) ReadDotBody(maxLength int64) ([]byte, error) {
	t.limitReader.N = maxLength
	if t.Config.IOTimeout > 0 {
		t.Logger.MaybeMinorError(t.netConn.SetReadDeadline(time.Now().Add(t.Config.IOTimeout)))
	}
	data, err := t.textReader.ReadDotBytes()
	if err != nil {
		return nil, err
	}
	if t.limitReader.N == 0 {
		return nil, fmt.Errorf("message body exceeded %d bytes", maxLength)
	}
	return data, nil
}

// WriteReply writes one already-formatted reply line, appending CRLF.
func (t *Transport) WriteReply(line string) error {
	if t.Config.IOTimeout > 0 {
		t.Logger.MaybeMinorError(t.netConn.SetWriteDeadline(time.Now().Add(t.Config.IOTimeout)))
	}
	_, err := t.netConn.Write([]byte(line + "\r\n"))
	return err
}

// WriteReplyLines writes a multi-line reply in one syscall, each line as
// given plus CRLF. Callers supply the "-" continuation marker on every line
// but the last per RFC 5321 §4.2.1 (e.g. LHLO's 250- sequence).
func (t *Transport) WriteReplyLines(lines []string) error {
	if t.Config.IOTimeout > 0 {
		t.Logger.MaybeMinorError(t.netConn.SetWriteDeadline(time.Now().Add(t.Config.IOTimeout)))
	}
	var out []byte
	for _, line := range lines {
		out = append(out, line...)
		out = append(out, '\r', '\n')
	}
	_, err := t.netConn.Write(out)
	return err
}

// UpgradeTLS performs the server-side TLS handshake and, on success,
// replaces the underlying reader/writer with the negotiated TLS connection
// (spec.md §4.2's STARTTLS transition). Session state is not touched here;
// the caller resets it after a successful upgrade (Session.MarkTLS).
func (t *Transport) UpgradeTLS() error {
	if t.Config.TLSConfig == nil {
		return fmt.Errorf("TLS is not configured")
	}
	if t.Config.IOTimeout > 0 {
		t.Logger.MaybeMinorError(t.netConn.SetDeadline(time.Now().Add(t.Config.IOTimeout)))
	}
	tlsConn := tls.Server(t.netConn, t.Config.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		return err
	}
	t.Logger.MaybeMinorError(t.netConn.SetReadDeadline(time.Time{}))
	t.setupReaders(tlsConn)
	t.tlsAttempted = true
	t.tlsState = tlsConn.ConnectionState()
	return nil
}

// Close tears down the underlying connection.
func (t *Transport) Close() error { return t.netConn.Close() }

// CipherSuiteDescription renders a TLS connection state's cipher suite for
// the "Received:" trace header's "(using ...)" clause (spec.md §4.5).
func CipherSuiteDescription(state tls.ConnectionState) string {
	return tls.CipherSuiteName(state.CipherSuite)
}
