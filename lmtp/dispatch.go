package lmtp

import (
	"context"
	"fmt"
	"strings"

	"github.com/cyclops-mail/lmtpd/lalog"
)

// DispatcherConfig carries the tunables the Dispatcher needs beyond those
// already on TransportConfig.
type DispatcherConfig struct {
	// RecipientDelimiter splits "user+detail" into localpart and detail
	// (spec.md §3). Zero disables detail splitting.
	RecipientDelimiter byte
	// InMemoryCeiling is MAIL_DATA_MAX_INMEMORY_SIZE (spec.md §6).
	InMemoryCeiling int64
	// SpillDir is where payload spill files are created (and immediately
	// unlinked).
	SpillDir string
	// Trusted reports whether the peer is allowed to issue XCLIENT
	// (spec.md §4.2).
	Trusted bool
}

// Dispatcher maps verb to handler, enforcing spec.md §4.2's ordering rules
// and handing RCPT and DATA-completion off to the injected collaborators.
// Grounded on HouzuoGuo-laitos/daemon/smtpd/smtpd.go's HandleConnection
// event loop, generalised from one reply-per-mail to one reply-per-recipient
// and from SMTP's HELO/MAIL/RCPT/DATA subset to LMTP's full verb table.
type Dispatcher struct {
	Config    DispatcherConfig
	Transport *Transport
	Session   *Session
	Logger    *lalog.Logger

	Router        Router
	LocalDelivery LocalDelivery
	ProxyDialer   ProxyDialer

	// Metrics is threaded into each DATA's PayloadSink so payload spill/size
	// can be observed at Close (SPEC_FULL.md §5.7); Router and ProxyDialer
	// hold their own Metrics reference and report routing/dispatch events
	// directly, so the Dispatcher itself never calls Metrics. A nil Metrics
	// disables payload observation without further guards.
	Metrics MetricsRecorder
}

// Serve runs the dispatch loop until QUIT, a fatal error, or the client
// disconnects. It never returns an error for ordinary protocol violations:
// those are always answered with exactly one reply line (spec.md §8
// invariant 1) and the loop continues.
func (d *Dispatcher) Serve(ctx context.Context) error {
	if err := d.Transport.WriteReply(fmt.Sprintf("220 %s LMTP ready", d.Session.MyDomain)); err != nil {
		return err
	}
	for {
		line, err := d.Transport.ReadLine()
		if err != nil {
			return nil // connection lost or cleanly closed without QUIT
		}
		if err := d.dispatchLine(ctx, line); err != nil {
			return err
		}
		if d.Session.State() == StateQuit {
			return nil
		}
	}
}

func (d *Dispatcher) dispatchLine(ctx context.Context, line string) error {
	verb, arg := ParseVerb(line)
	switch verb {
	case VerbLHLO:
		return d.handleLHLO(arg)
	case VerbSTARTTLS:
		return d.handleSTARTTLS()
	case VerbMAIL:
		return d.handleMAIL(arg)
	case VerbRCPT:
		return d.handleRCPT(ctx, arg)
	case VerbDATA:
		return d.handleDATA(ctx, arg)
	case VerbRSET:
		d.Session.Reset()
		return d.Transport.WriteReply("250 2.0.0 OK")
	case VerbNOOP:
		return d.Transport.WriteReply("250 2.0.0 OK")
	case VerbVRFY:
		// VRFY is stubbed, per spec.md §9 Open Question 2.
		return d.Transport.WriteReply("252 2.3.3 Cannot VRFY user")
	case VerbQUIT:
		d.Session.Quit()
		return d.Transport.WriteReply("221 2.0.0 OK")
	case VerbXCLIENT:
		return d.handleXCLIENT(arg)
	default:
		return d.Transport.WriteReply("500 5.5.2 Command not recognized")
	}
}

func (d *Dispatcher) handleLHLO(arg string) error {
	name := ParseLHLOArgument(arg)
	d.Session.Greet(name)

	lines := []string{fmt.Sprintf("250-%s", d.Session.MyDomain)}
	if d.Transport.Config.TLSConfig != nil && !d.Transport.TLSActive() {
		lines = append(lines, "250-STARTTLS")
	}
	if d.Config.Trusted {
		lines = append(lines, "250-XCLIENT ADDR PORT TTL TIMEOUT")
	}
	lines = append(lines, "250-8BITMIME", "250-ENHANCEDSTATUSCODES", "250 PIPELINING")
	return d.Transport.WriteReplyLines(lines)
}

func (d *Dispatcher) handleSTARTTLS() error {
	if d.Session.TLS != nil {
		return d.Transport.WriteReply("443 5.5.1 TLS is already active.")
	}
	if d.Transport.Config.TLSConfig == nil {
		return d.Transport.WriteReply("454 4.7.0 TLS not available due to temporary reason")
	}
	if err := d.Transport.WriteReply("220 2.0.0 Ready to start TLS"); err != nil {
		return err
	}
	if err := d.Transport.UpgradeTLS(); err != nil {
		// Transport-layer TLS init error is non-fatal (spec.md §7(e)): the
		// session carries on in plaintext.
		d.Logger.Warning(d.Session.ID, err, "STARTTLS handshake failed")
		return d.Transport.WriteReply("454 4.7.0 TLS not available due to temporary reason")
	}
	state := d.Transport.TLSState()
	d.Session.MarkTLS(&TLSContext{ConnectionState: state, CipherSuite: CipherSuiteDescription(state)})
	return nil
}

func (d *Dispatcher) handleMAIL(arg string) error {
	if d.Session.HasEnvelope() {
		return d.Transport.WriteReply("503 5.5.1 MAIL already given")
	}
	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		return d.Transport.WriteReply("501 5.5.4 Syntax error, expected MAIL FROM:<address>")
	}
	addr, rest, perr := ParsePath(arg[len("FROM:"):], true, false)
	if perr != nil {
		return d.writeParseError(perr)
	}
	params, perr := ParseMailParams(rest)
	if perr != nil {
		return d.writeParseError(perr)
	}
	if err := d.Session.StartEnvelope(EnvelopeSender{Address: addr, Params: params}); err != nil {
		return d.Transport.WriteReply("503 5.5.1 MAIL already given")
	}
	return d.Transport.WriteReply("250 2.1.0 OK")
}

func (d *Dispatcher) writeParseError(err error) error {
	if perr, ok := err.(*ParseError); ok && perr.Class == ErrNotSupported {
		return d.Transport.WriteReply(fmt.Sprintf("555 5.5.4 %s", perr.Reason))
	}
	return d.Transport.WriteReply(fmt.Sprintf("501 5.5.4 %s", err.Error()))
}

func (d *Dispatcher) handleRCPT(ctx context.Context, arg string) error {
	if !d.Session.HasEnvelope() {
		return d.Transport.WriteReply("503 5.5.1 MAIL needed first")
	}
	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		return d.Transport.WriteReply("501 5.5.4 Syntax error, expected RCPT TO:<address>")
	}
	addr, rest, perr := ParsePath(arg[len("TO:"):], false, true)
	if perr != nil {
		return d.writeParseError(perr)
	}
	params, perr := ParseRcptParams(rest)
	if perr != nil {
		return d.writeParseError(perr)
	}

	split := addr.SplitDetail(d.Config.RecipientDelimiter)
	meta := ConnMeta{
		Service:    "lmtp",
		RemoteIP:   d.Session.RemoteIP,
		RemotePort: d.Session.RemotePort,
		LocalIP:    d.Session.LocalIP,
		LocalPort:  d.Session.LocalPort,
	}
	sessionID := d.Session.NextRecipientSessionID()
	existingKind := RouteUnresolved
	if env := d.Session.Envelope(); env != nil {
		existingKind = env.routingKindOf()
	}

	outcome, err := d.Router.Route(ctx, split, d.Config.RecipientDelimiter, sessionID, d.Session.ProxyTTL, meta, existingKind)
	if err != nil {
		d.Logger.Warning(addr.String(), err, "router lookup failed")
		return d.Transport.WriteReply(fmt.Sprintf("451 4.3.0 %s Temporary internal error", addr.String()))
	}
	if !outcome.Accepted {
		return d.Transport.WriteReply(fmt.Sprintf("%d %s %s %s", outcome.ReplyCode, outcome.EnhancedCode, addr.String(), outcome.Reason))
	}

	effective := split
	if !outcome.EffectiveAddress.IsEmpty() {
		effective = outcome.EffectiveAddress
	}
	rcpt := Recipient{
		Address:    effective,
		Detail:     effective.Detail,
		Params:     params,
		SessionID:  sessionID,
		Routing:    outcome.Routing,
		UserHandle: outcome.UserHandle,
		AnvilToken: outcome.AnvilToken,
	}

	if outcome.Routing.Kind == RouteProxy && d.Session.ActiveProxySession() == nil {
		ps, err := d.ProxyDialer.NewSession(ctx, ProxySessionParams{
			MyDomain:   d.Session.MyDomain,
			SessionID:  d.Session.ID,
			RemoteIP:   d.Session.RemoteIP,
			RemotePort: d.Session.RemotePort,
			TTL:        d.Session.ProxyTTL - 1,
			Target:     outcome.Routing.Target,
		})
		if err != nil {
			return d.Transport.WriteReply("451 4.4.0 Remote server not answering")
		}
		if env := d.Session.Envelope(); env != nil {
			if err := ps.MailFrom(env.Sender); err != nil {
				ps.Deinit()
				return d.Transport.WriteReply("451 4.4.0 Remote server not answering")
			}
		}
		d.Session.SetProxySession(ps)
	}
	if outcome.Routing.Kind == RouteProxy {
		if err := d.Session.ActiveProxySession().AddRecipient(rcpt.Address, rcpt.Params.Raw["ORCPT"]); err != nil {
			return d.Transport.WriteReply("451 4.4.0 Remote server not answering")
		}
	}

	if err := d.Session.AddRecipient(rcpt); err != nil {
		return d.Transport.WriteReply(fmt.Sprintf("451 4.3.0 %s Can't handle mixed proxy/non-proxy destinations", addr.String()))
	}
	return d.Transport.WriteReply("250 2.1.5 OK")
}

func (d *Dispatcher) handleDATA(ctx context.Context, arg string) error {
	env := d.Session.Envelope()
	if env == nil || len(env.Rcpts) == 0 {
		return d.Transport.WriteReply("554 5.5.1 No valid recipients")
	}
	ceiling := d.Config.InMemoryCeiling
	if ceiling <= 0 {
		ceiling = DefaultInMemoryCeiling
	}
	if err := d.Session.OpenPayload(ceiling, d.Config.SpillDir, d.Metrics); err != nil {
		return d.Transport.WriteReply("554 5.5.1 No valid recipients")
	}
	if err := d.Transport.WriteReply("354 OK"); err != nil {
		return err
	}

	maxLen := d.Transport.Config.MaxMessageLength
	body, err := d.Transport.ReadDotBody(maxLen)
	if err != nil {
		// Client connection errored before the terminator: destroy the
		// session without reply (spec.md §4.4).
		d.Session.Payload().Close()
		return err
	}

	sink := d.Session.Payload()
	if err := sink.Append([]byte(d.Session.addedHeadersSnapshot())); err != nil {
		sink.Close()
		return d.Transport.WriteReply("451 4.3.0 Temporary internal failure")
	}
	if err := sink.Append(body); err != nil {
		sink.Close()
		return d.Transport.WriteReply("451 4.3.0 Temporary internal failure")
	}

	replies := d.runFanOut(ctx, env, sink)
	sink.Close()
	d.Session.FinishData()

	for _, r := range replies {
		if err := d.Transport.WriteReply(r); err != nil {
			return err
		}
	}
	return nil
}

// runFanOut delivers the composed payload to every recipient in envelope
// order, local first, then starts the proxy session if one exists, and
// returns one reply line per recipient in insertion order (spec.md §4.6).
func (d *Dispatcher) runFanOut(ctx context.Context, env *Envelope, sink *PayloadSink) []string {
	replies := make([]string, len(env.Rcpts))
	proxyIndexes := make([]int, 0, len(env.Rcpts))

	for i, rcpt := range env.Rcpts {
		if rcpt.Routing.Kind == RouteProxy {
			proxyIndexes = append(proxyIndexes, i)
			continue
		}
		reader, err := sink.Reader()
		if err != nil {
			replies[i] = fmt.Sprintf("451 4.3.0 %s Temporary internal error", rcpt.Address.String())
			continue
		}
		outcome := d.LocalDelivery.Deliver(ctx, rcpt.UserHandle, rcpt, reader)
		replies[i] = fmt.Sprintf("%d %s %s %s", outcome.ReplyCode, outcome.EnhancedCode, rcpt.Address.String(), outcome.Reason)
	}

	if len(proxyIndexes) > 0 && d.Session.ActiveProxySession() != nil {
		reader, err := sink.Reader()
		if err != nil {
			for _, i := range proxyIndexes {
				replies[i] = fmt.Sprintf("451 4.4.0 %s Remote server not answering", env.Rcpts[i].Address.String())
			}
		} else {
			proxyReplies, err := d.Session.ActiveProxySession().Start(ctx, reader)
			if err != nil || len(proxyReplies) != len(proxyIndexes) {
				for _, i := range proxyIndexes {
					replies[i] = fmt.Sprintf("451 4.4.0 %s Remote server not answering", env.Rcpts[i].Address.String())
				}
			} else {
				for j, i := range proxyIndexes {
					replies[i] = fmt.Sprintf("%d %s", proxyReplies[j].Code, proxyReplies[j].Text)
				}
			}
		}
		d.Session.ActiveProxySession().Deinit()
	}
	return replies
}

func (d *Dispatcher) handleXCLIENT(arg string) error {
	if !d.Config.Trusted {
		return d.Transport.WriteReply("550 You are not from trusted IP")
	}
	attrs, perr := ParseXClient(arg)
	if perr != nil {
		return d.writeParseError(perr)
	}
	d.Session.ApplyXClient(attrs)
	return d.Transport.WriteReply(fmt.Sprintf("220 %s LMTP ready", d.Session.MyDomain))
}
