package lmtp

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// State is the session's position in the state machine of spec.md §4.7.
type State int

const (
	StateIdle State = iota
	StateGreeted
	StateEnvelope
	StateEnvelopeRcpts
	StateData
	StateQuit
)

// TLSContext describes an active TLS session on the transport, used both by
// the dispatcher (to refuse a second STARTTLS) and by trace header
// synthesis (spec.md §4.5).
type TLSContext struct {
	ConnectionState tls.ConnectionState
	CipherSuite     string
}

// Envelope is the sender/recipient-list/params triple agreed before the
// message body, created by MAIL and destroyed by RSET, a successful DATA,
// LHLO, or XCLIENT (spec.md §3's Lifecycle clause).
type Envelope struct {
	Sender           EnvelopeSender
	Rcpts            []Recipient
	MailFromTime     time.Time
}

// routingKindOf reports the RoutingKind shared by every recipient already in
// the envelope, or RouteUnresolved if it is empty.
func (e *Envelope) routingKindOf() RoutingKind {
	if len(e.Rcpts) == 0 {
		return RouteUnresolved
	}
	return e.Rcpts[0].Routing.Kind
}

// Session is the per-connection record of spec.md §3. Fields are unexported
// where spec.md's invariants must be enforced through methods rather than
// direct mutation; the Dispatcher and Router packages are the only code
// that mutates a Session, always through these methods.
type Session struct {
	ID string

	GreetingName string
	TLS          *TLSContext
	Trusted      bool
	ProxyTTL     uint32

	RemoteIP   net.IP
	RemotePort int
	LocalIP    net.IP
	LocalPort  int

	MyDomain    string
	MyLocalPort int

	envelope *Envelope
	payload  *PayloadSink

	addedHeaders string
	proxySession ProxySession

	DataEndTime time.Time

	state State
}

// NewSession constructs a freshly accepted session in StateIdle.
func NewSession(id string, remoteIP net.IP, remotePort int, localIP net.IP, localPort int, myDomain string) *Session {
	return &Session{
		ID:         id,
		RemoteIP:   remoteIP,
		RemotePort: remotePort,
		LocalIP:    localIP,
		LocalPort:  localPort,
		MyDomain:   myDomain,
		ProxyTTL:   0,
		state:      StateIdle,
	}
}

// State returns the session's current state-machine position.
func (s *Session) State() State { return s.state }

// HasEnvelope reports whether MAIL FROM has been accepted since the last
// reset (spec.md §3 invariant 1).
func (s *Session) HasEnvelope() bool { return s.envelope != nil }

// Envelope returns the current envelope, or nil if none exists.
func (s *Session) Envelope() *Envelope { return s.envelope }

// HasPayload reports whether a payload sink is currently open.
func (s *Session) HasPayload() bool { return s.payload != nil }

// Payload returns the current payload sink, or nil if none is open.
func (s *Session) Payload() *PayloadSink { return s.payload }

// ActiveProxySession returns the active outbound proxy session, or nil.
func (s *Session) ActiveProxySession() ProxySession { return s.proxySession }

// addedHeadersSnapshot returns the trace header block synthesized when the
// current payload sink was opened (spec.md §4.5).
func (s *Session) addedHeadersSnapshot() string { return s.addedHeaders }

// StartEnvelope creates a new envelope from an accepted MAIL FROM, moving
// the session from Greeted to Envelope. Returns an error if an envelope
// already exists (enforced by the dispatcher before calling this, but
// checked again here defensively).
func (s *Session) StartEnvelope(sender EnvelopeSender) error {
	if s.envelope != nil {
		return fmt.Errorf("envelope already exists")
	}
	s.envelope = &Envelope{Sender: sender, MailFromTime: time.Now()}
	s.state = StateEnvelope
	return nil
}

// AddRecipient appends recipient to the envelope's recipient list,
// enforcing the routing-homogeneity invariant (spec.md §3 invariant 2):
// every recipient added shares the same routing class as all prior ones.
func (s *Session) AddRecipient(r Recipient) error {
	if s.envelope == nil {
		return fmt.Errorf("no envelope")
	}
	if existing := s.envelope.routingKindOf(); existing != RouteUnresolved && existing != r.Routing.Kind {
		return errMixedDestinations
	}
	s.envelope.Rcpts = append(s.envelope.Rcpts, r)
	s.state = StateEnvelopeRcpts
	return nil
}

var errMixedDestinations = fmt.Errorf("mixed proxy/non-proxy destinations")

// NextRecipientSessionID computes the session-id the next recipient to be
// added would receive (spec.md §3/§8 property 5).
func (s *Session) NextRecipientSessionID() string {
	idx := 0
	if s.envelope != nil {
		idx = len(s.envelope.Rcpts)
	}
	return RecipientSessionID(s.ID, idx)
}

// SetProxySession records the outbound proxy session created for the first
// accepted proxy recipient (spec.md §4.3 step 8).
func (s *Session) SetProxySession(ps ProxySession) { s.proxySession = ps }

// OpenPayload opens a payload sink for an incoming DATA body, only valid
// once an envelope with at least one recipient exists. metrics may be nil
// to disable spill/size observation for this payload.
func (s *Session) OpenPayload(ceiling int64, tempDir string, metrics MetricsRecorder) error {
	if s.envelope == nil || len(s.envelope.Rcpts) == 0 {
		return fmt.Errorf("no recipients")
	}
	s.payload = NewPayloadSink(ceiling, tempDir, metrics)
	s.addedHeaders = ComposeTraceHeaders(s)
	s.state = StateData
	return nil
}

// FinishData closes out a successful DATA transaction: records the
// completion timestamp and returns the session to Greeted, destroying the
// envelope and payload per spec.md §4.7.
func (s *Session) FinishData() {
	s.DataEndTime = time.Now()
	s.payload = nil
	s.envelope = nil
	s.addedHeaders = ""
	if s.proxySession != nil {
		s.proxySession = nil
	}
	s.state = StateGreeted
}

// Greet moves the session to Greeted, recording the greeting name and
// resetting any existing envelope/payload (LHLO, spec.md §4.2).
func (s *Session) Greet(name string) {
	s.GreetingName = name
	s.resetEnvelope()
	s.state = StateGreeted
}

// Reset implements RSET: destroys the envelope and payload, returns to
// Greeted (or Idle if no greeting has occurred yet).
func (s *Session) Reset() {
	s.resetEnvelope()
	if s.GreetingName == "" {
		s.state = StateIdle
	} else {
		s.state = StateGreeted
	}
}

func (s *Session) resetEnvelope() {
	s.envelope = nil
	s.payload = nil
	s.addedHeaders = ""
	s.proxySession = nil
}

// ApplyXClient overwrites the session's apparent remote identity and TTL
// from a trusted XCLIENT command, and resets envelope/payload state
// (spec.md §4.2).
func (s *Session) ApplyXClient(attrs XClientAttrs) {
	if attrs.Addr != "" {
		s.RemoteIP = net.ParseIP(attrs.Addr)
	}
	if attrs.HasPort {
		s.RemotePort = int(attrs.Port)
	}
	if attrs.HasTTL {
		s.ProxyTTL = attrs.TTL
	}
	s.resetEnvelope()
	s.state = StateGreeted
}

// MarkTLS records that TLS has come up on the transport (STARTTLS,
// spec.md §4.2), and resets any in-flight envelope per RFC 3207 discipline.
func (s *Session) MarkTLS(ctx *TLSContext) {
	s.TLS = ctx
	s.resetEnvelope()
	if s.GreetingName != "" {
		s.state = StateGreeted
	} else {
		s.state = StateIdle
	}
}

// Quit moves the session to its terminal state (spec.md §4.7).
func (s *Session) Quit() { s.state = StateQuit }
