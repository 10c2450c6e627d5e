package proxy

import (
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// ResolverConfig points at the recursive resolver used for pre-flight
// HostIP resolution of a ProxyTarget (SPEC_FULL.md §3), grounded on the
// direct dns.Client/dns.Msg query style of HouzuoGuo-laitos/dnsclient, with
// its DNS-over-TCP tunnelling machinery stripped away.
type ResolverConfig struct {
	Server  string // "host:port", e.g. "127.0.0.1:53"
	Timeout time.Duration
}

// DefaultResolverConfig queries the loopback resolver with a 5 second
// timeout.
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{Server: "127.0.0.1:53", Timeout: 5 * time.Second}
}

// ResolveHostIP resolves host's first A record, used to back a
// ProxyTarget's optional host_ip field (spec.md §3). A literal IP is
// returned unchanged. When resolution fails, Dialer.NewSession logs a
// warning and dials by host name, leaving resolution to the OS resolver.
func ResolveHostIP(cfg ResolverConfig, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	client := dns.Client{Timeout: cfg.Timeout}
	msg := dns.Msg{}
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)
	msg.RecursionDesired = true

	resp, _, err := client.Exchange(&msg, cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("resolve %s: rcode %d", host, resp.Rcode)
	}
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			return a.A, nil
		}
	}
	return nil, fmt.Errorf("resolve %s: no A record found", host)
}
