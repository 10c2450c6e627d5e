package lmtp

import (
	"context"
	"io"
	"net"
	"time"
)

// ConnMeta is the connection metadata passed to passdb/router lookups
// (spec.md §6, "connection-info").
type ConnMeta struct {
	Service    string
	RemoteIP   net.IP
	RemotePort int
	LocalIP    net.IP
	LocalPort  int
}

// RouteOutcome is what the Router collaborator reports back for one RCPT TO
// (spec.md §4.3). When Accepted is false, ReplyCode/EnhancedCode/Reason
// together form the "<code> <enhanced> <addr> <reason>" reply the
// Dispatcher writes back (spec.md §4.3's "451 4.3.0 <addr> {reason}" shape).
type RouteOutcome struct {
	Accepted     bool
	ReplyCode    int
	EnhancedCode string
	Reason       string
	Routing      RoutingDecision
	UserHandle   interface{}
	AnvilToken   string
	// EffectiveAddress is the (possibly destuser-rewritten) address to use
	// downstream instead of the address as parsed off the wire (spec.md
	// §4.3 step 4). Zero value means "unchanged, use the parsed address".
	EffectiveAddress SmtpAddress
}

// Router is the Recipient Router collaborator (spec.md §4.3), injected into
// the Dispatcher so the lmtp package stays independent of the concrete
// passdb/anvil/storage stack that implements the routing algorithm.
// existingKind tells the router what routing class (if any) the envelope
// already committed to, so it can enforce the mixed-destination guard at
// the correct step instead of relying solely on Session.AddRecipient's
// defensive check.
type Router interface {
	Route(ctx context.Context, addr SmtpAddress, delim byte, sessionID string, proxyTTL uint32, meta ConnMeta, existingKind RoutingKind) (RouteOutcome, error)
}

// LocalDeliveryOutcome is the per-recipient reply a LocalDelivery
// collaborator returns after attempting to save a message, in the same
// "<code> <enhanced> <addr> <reason>" shape as RouteOutcome.
type LocalDeliveryOutcome struct {
	ReplyCode    int
	EnhancedCode string
	Reason       string
}

// LocalDelivery is the local-delivery collaborator of spec.md §4.6/§6. The
// payload reader already has the synthesized trace headers prepended
// (spec.md §4.5), so Deliver need not handle them separately.
type LocalDelivery interface {
	Deliver(ctx context.Context, handle interface{}, rcpt Recipient, payload io.ReadSeeker) LocalDeliveryOutcome
}

// ProxyReply is one upstream reply line relayed verbatim to the client
// (spec.md §4.6, "proxy replies are relayed verbatim").
type ProxyReply struct {
	Code int
	Text string
}

// ProxySession is the outbound proxy collaborator of spec.md §6: init via
// ProxyDialer.NewSession, then mail_from/add_rcpt/start/deinit. The payload
// reader passed to Start already carries the synthesized trace headers.
type ProxySession interface {
	MailFrom(sender EnvelopeSender) error
	AddRecipient(addr SmtpAddress, rcptParams string) error
	Start(ctx context.Context, payload io.Reader) ([]ProxyReply, error)
	Deinit()
}

// ProxySessionParams seeds a new outbound proxy session (spec.md §4.3
// step 8: "seeded with my_hostname, session-id, source IP/port, and
// proxy_ttl - 1").
type ProxySessionParams struct {
	MyDomain   string
	SessionID  string
	RemoteIP   net.IP
	RemotePort int
	TTL        uint32
	Target     ProxyTarget
}

// ProxyDialer creates outbound ProxySessions. Implemented by package proxy.
type ProxyDialer interface {
	NewSession(ctx context.Context, params ProxySessionParams) (ProxySession, error)
}

// MetricsRecorder is the ambient observability collaborator
// (SPEC_FULL.md §5.7), optionally wired into Dispatcher, Router, and the
// outbound proxy dialer. Implemented by *metrics.Server; a nil
// MetricsRecorder on any of those collaborators disables observation
// there without further guards.
type MetricsRecorder interface {
	// ObserveRouted records one RCPT TO outcome, kind being "local" or
	// "proxy" (empty when the recipient was rejected before a routing
	// kind was decided).
	ObserveRouted(kind string, accepted bool)
	// ObservePayload records one completed DATA ingest.
	ObservePayload(spilled bool, bytes int64)
	// ObserveProxyDispatch records the wall time spent in one
	// ProxySession.Start call.
	ObserveProxyDispatch(d time.Duration)
}
