// Package router implements the Recipient Router collaborator of spec.md
// §4.3: passdb consult, proxy-field interpretation, loop/TTL guards, the
// mixed-destination guard, and the local path's concurrency gate. Its
// decision function is grounded on the shape of
// HouzuoGuo-laitos/daemon/smtpd/blacklist.go's IsClientIPBlacklisted (a
// single synchronous decision built from one or more collaborator
// look-ups, reduced to a boolean/error-class outcome) and wired against
// the interface-typed collaborator fields
// HouzuoGuo-laitos/daemon/smtpd/mailcmd/cmd_runner.go uses to keep its
// command runner independent of concrete passdb/storage implementations.
package router

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cyclops-mail/lmtpd/anvil"
	"github.com/cyclops-mail/lmtpd/lalog"
	"github.com/cyclops-mail/lmtpd/lmtp"
	"github.com/cyclops-mail/lmtpd/passdb"
	"github.com/cyclops-mail/lmtpd/storage"
)

// Router implements lmtp.Router against a passdb lookup, a storage
// directory for the local path, and a concurrency registry guarding
// per-user local delivery concurrency (spec.md §4.3).
type Router struct {
	// Passdb is consulted first when ProxyEnabled is true. A nil Passdb is
	// equivalent to every lookup returning "no record" (local path only).
	Passdb passdb.Lookup
	// Directory resolves accepted local recipients to storage handles.
	Directory storage.Directory
	// Concurrency gates local delivery (spec.md §4.3 step: "Success: ...
	// issue a LOOKUP ... query to the concurrency registry"). A nil
	// Concurrency accepts every local recipient immediately.
	Concurrency anvil.Registry

	// ProxyEnabled mirrors spec.md §4.3 step 1's "if proxying is enabled
	// globally" gate; when false, passdb is never consulted and every
	// recipient takes the local path.
	ProxyEnabled bool

	// RecipientDelimiter is the configured detail-address delimiter
	// (spec.md §3). Route does not read it: Detail is re-attached after a
	// destuser rewrite with Route's own delim argument.
	RecipientDelimiter byte

	// Metrics is the ambient observability collaborator (SPEC_FULL.md
	// §5.7): every RouteOutcome this Router produces, whatever path
	// produced it, is reported here once. A nil Metrics disables this
	// without further guards.
	Metrics lmtp.MetricsRecorder

	Logger *lalog.Logger
}

// Route implements lmtp.Router.
func (r *Router) Route(ctx context.Context, addr lmtp.SmtpAddress, delim byte, sessionID string, proxyTTL uint32, meta lmtp.ConnMeta, existingKind lmtp.RoutingKind) (lmtp.RouteOutcome, error) {
	outcome, err := r.route(ctx, addr, delim, proxyTTL, meta, existingKind)
	if err == nil && r.Metrics != nil {
		r.Metrics.ObserveRouted(routingKindLabel(outcome.Routing.Kind), outcome.Accepted)
	}
	return outcome, err
}

func (r *Router) route(ctx context.Context, addr lmtp.SmtpAddress, delim byte, proxyTTL uint32, meta lmtp.ConnMeta, existingKind lmtp.RoutingKind) (lmtp.RouteOutcome, error) {
	if r.ProxyEnabled && r.Passdb != nil {
		rec, found, err := r.Passdb.Lookup(ctx, addr.Local, meta)
		if err != nil {
			return lmtp.RouteOutcome{
				ReplyCode: 451, EnhancedCode: "4.3.0",
				Reason: passdbErrorReason(err),
			}, nil
		}
		if found {
			return r.routeWithRecord(ctx, addr, delim, proxyTTL, meta, existingKind, rec)
		}
	}
	return r.routeLocal(ctx, addr, meta, existingKind)
}

// routingKindLabel reports the metrics label for a routing decision kind:
// "local" or "proxy" for a resolved kind, "" when the recipient was
// rejected before a kind was decided (RouteUnresolved).
func routingKindLabel(kind lmtp.RoutingKind) string {
	switch kind {
	case lmtp.RouteLocal:
		return "local"
	case lmtp.RouteProxy:
		return "proxy"
	default:
		return ""
	}
}

func passdbErrorReason(err error) string {
	if err == nil {
		return "Temporary internal error"
	}
	return err.Error()
}

// routeWithRecord implements spec.md §4.3 steps 2-8: interpret the
// proxy-field record, guard against self-loops and TTL exhaustion, enforce
// the mixed-destination rule, and hand back a RouteProxy decision (the
// Dispatcher is the one that actually dials the proxy session).
func (r *Router) routeWithRecord(ctx context.Context, addr lmtp.SmtpAddress, delim byte, proxyTTL uint32, meta lmtp.ConnMeta, existingKind lmtp.RoutingKind, rec passdb.Record) (lmtp.RouteOutcome, error) {
	if _, proxySet := rec["proxy"]; !proxySet {
		return r.routeLocal(ctx, addr, meta, existingKind)
	}

	host := rec["host"]
	if host == "" {
		return lmtp.RouteOutcome{
			ReplyCode: 451, EnhancedCode: "4.3.0",
			Reason: "passdb configuration error: proxy set without host",
		}, nil
	}

	protocol := lmtp.ProtocolLMTP
	if strings.EqualFold(rec["protocol"], "smtp") {
		protocol = lmtp.ProtocolSMTP
	}
	target := lmtp.NewProxyTarget(host, protocol)
	if hostip := rec["hostip"]; hostip != "" {
		target.HostIP = net.ParseIP(hostip)
	}
	if portStr := rec["port"]; portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			target.Port = port
		}
	}
	if timeoutStr := rec["proxy_timeout"]; timeoutStr != "" {
		if secs, err := strconv.Atoi(timeoutStr); err == nil {
			target.Timeout = time.Duration(secs) * time.Second
		}
	}
	target.RcptParams = rec["rcpt_params"]

	effective := addr
	if newUser := firstNonEmpty(rec["destuser"], rec["user"]); newUser != "" && newUser != addr.Local {
		effective = addr.WithLocal(newUser, delim)
	}

	if isSelfLoop(target, meta) {
		return lmtp.RouteOutcome{
			ReplyCode: 554, EnhancedCode: "5.4.6",
			Reason: "Proxying loops to itself",
		}, nil
	}
	if proxyTTL <= 1 {
		return lmtp.RouteOutcome{
			ReplyCode: 554, EnhancedCode: "5.4.6",
			Reason: "Proxying appears to be looping (TTL=0)",
		}, nil
	}
	if existingKind != lmtp.RouteUnresolved && existingKind != lmtp.RouteProxy {
		return lmtp.RouteOutcome{
			ReplyCode: 451, EnhancedCode: "4.3.0",
			Reason: "Can't handle mixed proxy/non-proxy destinations",
		}, nil
	}

	return lmtp.RouteOutcome{
		Accepted:         true,
		Routing:          lmtp.RoutingDecision{Kind: lmtp.RouteProxy, Target: target},
		EffectiveAddress: effective,
	}, nil
}

// isSelfLoop reports whether target resolves to this server's own
// (local_ip, local_port), spec.md §4.3 step 5.
func isSelfLoop(target lmtp.ProxyTarget, meta lmtp.ConnMeta) bool {
	if meta.LocalPort == 0 || target.Port != meta.LocalPort {
		return false
	}
	if target.HostIP != nil && meta.LocalIP != nil {
		return target.HostIP.Equal(meta.LocalIP)
	}
	return isLoopbackHost(target.Host) && meta.LocalIP != nil && meta.LocalIP.IsLoopback()
}

func isLoopbackHost(host string) bool {
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return host == "localhost"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// routeLocal implements the local path's tail of spec.md §4.3: storage
// lookup, mixed-destination guard, then an optional concurrency gate.
func (r *Router) routeLocal(ctx context.Context, addr lmtp.SmtpAddress, meta lmtp.ConnMeta, existingKind lmtp.RoutingKind) (lmtp.RouteOutcome, error) {
	handle, err := r.Directory.Lookup(ctx, addr.Local)
	if err != nil {
		if err == storage.ErrNotFound {
			return lmtp.RouteOutcome{
				ReplyCode: 550, EnhancedCode: "5.1.1",
				Reason: fmt.Sprintf("User doesn't exist: %s", addr.Local),
			}, nil
		}
		return lmtp.RouteOutcome{
			ReplyCode: 451, EnhancedCode: "4.3.0",
			Reason: "Temporary internal error",
		}, nil
	}

	if existingKind == lmtp.RouteProxy {
		return lmtp.RouteOutcome{
			ReplyCode: 451, EnhancedCode: "4.3.0",
			Reason: "Can't handle mixed proxy/non-proxy destinations",
		}, nil
	}

	if r.Concurrency != nil {
		service := meta.Service
		if service == "" {
			service = "lmtp"
		}
		allowed, err := r.Concurrency.Query(ctx, service, addr.Local)
		if err != nil {
			return lmtp.RouteOutcome{
				ReplyCode: 451, EnhancedCode: "4.3.0",
				Reason: "Temporary internal error",
			}, nil
		}
		if !allowed {
			return lmtp.RouteOutcome{
				ReplyCode: 451, EnhancedCode: "4.3.0",
				Reason: "Too many concurrent connections",
			}, nil
		}
	}

	return lmtp.RouteOutcome{
		Accepted:   true,
		Routing:    lmtp.RoutingDecision{Kind: lmtp.RouteLocal},
		UserHandle: handle,
	}, nil
}
