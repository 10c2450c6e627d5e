// Package anvil implements the per-user concurrency registry collaborator
// of spec.md §6 ("query(\"LOOKUP\\t<svc>/<esc-user>\") → allow | deny").
package anvil

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"time"

	"github.com/cyclops-mail/lmtpd/lalog"
	"github.com/cyclops-mail/lmtpd/ratelimit"
)

// Registry is the concurrency registry collaborator: it answers whether a
// new concurrent session for (service, user) is currently allowed.
type Registry interface {
	Query(ctx context.Context, service, user string) (bool, error)
}

// Client is a line-protocol anvil client speaking the wire shape spec.md
// §4.3/§6 specifies: "LOOKUP\t<service>/<escaped-user>" → "OK"/"DENY".
type Client struct {
	Network string
	Addr    string
	Timeout time.Duration
	Logger  *lalog.Logger
}

// NewClient constructs a Client, defaulting Timeout to 5 seconds if unset.
func NewClient(network, addr string, logger *lalog.Logger) *Client {
	return &Client{Network: network, Addr: addr, Timeout: 5 * time.Second, Logger: logger}
}

// Query dials the anvil socket and asks whether the given (service, user)
// pair may start one more concurrent session.
func (c *Client) Query(ctx context.Context, service, user string) (bool, error) {
	dialer := net.Dialer{Timeout: c.Timeout}
	conn, err := dialer.DialContext(ctx, c.Network, c.Addr)
	if err != nil {
		return false, fmt.Errorf("dial anvil: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		c.Logger.MaybeMinorError(conn.SetDeadline(deadline))
	} else {
		c.Logger.MaybeMinorError(conn.SetDeadline(time.Now().Add(c.Timeout)))
	}

	req := fmt.Sprintf("LOOKUP\t%s/%s\r\n", service, escapeUser(user))
	if _, err := conn.Write([]byte(req)); err != nil {
		return false, fmt.Errorf("write anvil request: %w", err)
	}
	reader := textproto.NewReader(bufio.NewReader(conn))
	line, err := reader.ReadLine()
	if err != nil {
		return false, fmt.Errorf("read anvil response: %w", err)
	}
	switch strings.ToUpper(strings.TrimSpace(line)) {
	case "OK":
		return true, nil
	case "DENY":
		return false, nil
	default:
		return false, fmt.Errorf("unrecognized anvil response %q", line)
	}
}

func escapeUser(user string) string {
	replacer := strings.NewReplacer("\t", "%09", "\r", "%0D", "\n", "%0A")
	return replacer.Replace(user)
}

// LocalFallback is an in-process Registry used when no anvil socket is
// configured (standalone/test operation), built directly on the
// transplanted per-actor fixed-window counter instead of a second
// implementation of the same bookkeeping.
type LocalFallback struct {
	limit *ratelimit.RateLimit
}

// NewLocalFallback builds a fallback registry permitting at most maxPerUser
// concurrent sessions per (service, user) key within a window of
// windowSecs seconds. Since a true concurrency gate (not a rate window)
// would need session-end notifications this module's Router never
// receives, the per-window counter is the closest in-process
// approximation available and is documented as such.
func NewLocalFallback(maxPerUser int, windowSecs int64, logger *lalog.Logger) *LocalFallback {
	limit := &ratelimit.RateLimit{MaxCount: maxPerUser, UnitSecs: windowSecs, Logger: logger}
	limit.Initialise()
	return &LocalFallback{limit: limit}
}

// Query reports whether one more concurrent session for (service, user) is
// currently permitted.
func (f *LocalFallback) Query(ctx context.Context, service, user string) (bool, error) {
	return f.limit.Add(service+"/"+user, true), nil
}
