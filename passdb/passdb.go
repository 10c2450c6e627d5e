// Package passdb implements the user-directory collaborator of spec.md §6:
// a lookup keyed by username plus connection metadata, returning proxy
// routing fields or a not-found/error outcome. The wire protocol is the
// same line-oriented "LOOKUP\t<service>/<user>" shape spec.md §4.3/§6
// specifies for the concurrency registry, applied here too since the spec
// never prescribes a different format for passdb.
package passdb

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"time"

	"github.com/cyclops-mail/lmtpd/lalog"
	"github.com/cyclops-mail/lmtpd/lmtp"
)

// Record is the set of key=value fields a passdb lookup returns for a user
// (spec.md §4.3 step 2): proxy, host, hostip, port, proxy_timeout, protocol,
// user/destuser.
type Record map[string]string

// Lookup is the passdb collaborator interface spec.md §6 describes:
// Ok(fields) | NotFound | Err(reason).
type Lookup interface {
	Lookup(ctx context.Context, username string, meta lmtp.ConnMeta) (Record, bool, error)
}

// Client is a line-protocol passdb client, grounded on the
// "LOOKUP\t<service>/<user>" wire shape spec.md §6 gives the concurrency
// registry. It dials addr (host:port or a Unix socket path) fresh for every
// lookup, matching anvil's own connection-per-query style in this module.
type Client struct {
	Network string // "tcp" or "unix"
	Addr    string
	Timeout time.Duration
	Logger  *lalog.Logger
}

// NewClient constructs a Client with the given network/address, defaulting
// Timeout to 5 seconds if unset.
func NewClient(network, addr string, logger *lalog.Logger) *Client {
	return &Client{Network: network, Addr: addr, Timeout: 5 * time.Second, Logger: logger}
}

// Lookup dials the configured passdb socket, sends
// "LOOKUP\t<service>/<escaped-username>", and decodes the response: "OK\t
// k=v k=v..." for a record, "NOTFOUND" for no record, "FAIL\t<reason>" for
// an error.
func (c *Client) Lookup(ctx context.Context, username string, meta lmtp.ConnMeta) (Record, bool, error) {
	dialer := net.Dialer{Timeout: c.Timeout}
	conn, err := dialer.DialContext(ctx, c.Network, c.Addr)
	if err != nil {
		return nil, false, fmt.Errorf("dial passdb: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		c.Logger.MaybeMinorError(conn.SetDeadline(deadline))
	} else {
		c.Logger.MaybeMinorError(conn.SetDeadline(time.Now().Add(c.Timeout)))
	}

	service := meta.Service
	if service == "" {
		service = "lmtp"
	}
	req := fmt.Sprintf("LOOKUP\t%s/%s\r\n", service, escapeUser(username))
	if _, err := conn.Write([]byte(req)); err != nil {
		return nil, false, fmt.Errorf("write passdb request: %w", err)
	}

	reader := textproto.NewReader(bufio.NewReader(conn))
	line, err := reader.ReadLine()
	if err != nil {
		return nil, false, fmt.Errorf("read passdb response: %w", err)
	}
	return decodeResponse(line)
}

func decodeResponse(line string) (Record, bool, error) {
	fields := strings.SplitN(line, "\t", 2)
	switch strings.ToUpper(fields[0]) {
	case "NOTFOUND":
		return nil, false, nil
	case "FAIL":
		reason := "passdb lookup failed"
		if len(fields) == 2 {
			reason = fields[1]
		}
		return nil, false, errors.New(reason)
	case "OK":
		rec := Record{}
		if len(fields) == 2 {
			for _, tok := range strings.Fields(fields[1]) {
				k, v := splitKV(tok)
				rec[k] = v
			}
		}
		return rec, true, nil
	default:
		return nil, false, fmt.Errorf("unrecognized passdb response %q", line)
	}
}

func splitKV(tok string) (string, string) {
	if idx := strings.IndexByte(tok, '='); idx >= 0 {
		return tok[:idx], tok[idx+1:]
	}
	return tok, ""
}

// escapeUser escapes TAB and CR/LF out of username so it cannot break the
// line-oriented wire protocol's framing.
func escapeUser(username string) string {
	replacer := strings.NewReplacer("\t", "%09", "\r", "%0D", "\n", "%0A")
	return replacer.Replace(username)
}
