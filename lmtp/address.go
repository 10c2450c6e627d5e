package lmtp

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// SmtpAddress is the (localpart, domain) pair found on an SMTP path, in the
// shape gopistolet's MailAddress models it, generalised with the detail
// suffix LMTP recipient delimiting needs (spec.md §3).
type SmtpAddress struct {
	Local  string
	Domain string
	// Detail is the portion of Local after the recipient delimiter, e.g.
	// the "orders" in "sales+orders@example.com" with delimiter '+'.
	Detail string
}

// IsEmpty reports whether this is the distinguished null address used by
// "MAIL FROM:<>".
func (a SmtpAddress) IsEmpty() bool {
	return a.Local == "" && a.Domain == ""
}

// String renders the canonical "<local@domain>" form, or "<>" for the null
// address.
func (a SmtpAddress) String() string {
	if a.IsEmpty() {
		return "<>"
	}
	if a.Domain == "" {
		return fmt.Sprintf("<%s>", a.Local)
	}
	return fmt.Sprintf("<%s@%s>", a.Local, a.Domain)
}

// Bare renders addr without the angle brackets, as net/smtp.Client.Mail and
// Rcpt expect ("local@domain" or "" for the null address).
func (a SmtpAddress) Bare() string {
	if a.IsEmpty() {
		return ""
	}
	if a.Domain == "" {
		return a.Local
	}
	return fmt.Sprintf("%s@%s", a.Local, a.Domain)
}

// SplitDetail splits Local on the first occurrence of delim, returning the
// base localpart and the detail suffix. An empty delim disables splitting.
func (a SmtpAddress) SplitDetail(delim byte) SmtpAddress {
	if delim == 0 {
		return a
	}
	if idx := strings.IndexByte(a.Local, delim); idx >= 0 {
		return SmtpAddress{Local: a.Local[:idx], Domain: a.Domain, Detail: a.Local[idx+1:]}
	}
	return a
}

// WithLocal returns a copy of a with Local replaced, re-attaching Detail
// with the given delimiter if Detail is non-empty (spec.md §4.3 step 4).
func (a SmtpAddress) WithLocal(local string, delim byte) SmtpAddress {
	out := a
	out.Local = local
	if out.Detail != "" && delim != 0 {
		out.Local = local + string(delim) + out.Detail
	}
	return out
}

// MailParams holds the decoded ESMTP parameters from a MAIL FROM command.
type MailParams struct {
	Body string // "7BIT" or "8BITMIME", empty if unspecified
	Size int64  // 0 if unspecified
	Raw  map[string]string
}

// RcptParams holds the decoded ESMTP parameters from a RCPT TO command.
type RcptParams struct {
	DSN bool
	Raw map[string]string
}

// EnvelopeSender is the sender half of an envelope, fixed at the first
// successful MAIL FROM (spec.md §3).
type EnvelopeSender struct {
	Address SmtpAddress
	Params  MailParams
}

// ProxyProtocol names the wire protocol spoken to an upstream proxy target.
type ProxyProtocol int

const (
	ProtocolLMTP ProxyProtocol = iota
	ProtocolSMTP
)

func (p ProxyProtocol) String() string {
	if p == ProtocolSMTP {
		return "smtp"
	}
	return "lmtp"
}

// DefaultPort returns the conventional port for the protocol, per spec.md §3.
func (p ProxyProtocol) DefaultPort() int {
	if p == ProtocolSMTP {
		return 25
	}
	return 24
}

// ProxyDefaultTimeout is LMTP_PROXY_DEFAULT_TIMEOUT_MSECS from spec.md §6.
const ProxyDefaultTimeout = 125 * time.Second

// ProxyTarget describes where a proxied recipient's mail should be relayed.
type ProxyTarget struct {
	Host       string
	HostIP     net.IP
	Port       int
	Protocol   ProxyProtocol
	Timeout    time.Duration
	RcptParams string
}

// NewProxyTarget fills in the protocol-dependent defaults from spec.md §3.
func NewProxyTarget(host string, protocol ProxyProtocol) ProxyTarget {
	return ProxyTarget{
		Host:     host,
		Port:     protocol.DefaultPort(),
		Protocol: protocol,
		Timeout:  ProxyDefaultTimeout,
	}
}

// RoutingKind distinguishes the two destinations a recipient can resolve to.
type RoutingKind int

const (
	RouteUnresolved RoutingKind = iota
	RouteLocal
	RouteProxy
)

// RoutingDecision is the tagged union described in spec.md §3
// ("routing ∈ {Local, Proxy(ProxyTarget)}").
type RoutingDecision struct {
	Kind   RoutingKind
	Target ProxyTarget // only meaningful when Kind == RouteProxy
}

// Recipient is one accepted RCPT TO, immutable once added to the envelope
// (spec.md §3's Lifecycle clause).
type Recipient struct {
	Address    SmtpAddress
	Detail     string
	Params     RcptParams
	SessionID  string
	Routing    RoutingDecision
	UserHandle interface{} // *storage.Handle when RouteLocal; kept untyped here to avoid an import cycle
	AnvilToken string
}

// RecipientSessionID computes the per-recipient session-id required by
// spec.md §3/§8 property 5: the base id for the first recipient, and
// "{base}:{k}" (1-based) for each subsequent one.
func RecipientSessionID(base string, indexZeroBased int) string {
	if indexZeroBased == 0 {
		return base
	}
	return fmt.Sprintf("%s:%d", base, indexZeroBased+1)
}
