package router

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyclops-mail/lmtpd/lmtp"
	"github.com/cyclops-mail/lmtpd/passdb"
	"github.com/cyclops-mail/lmtpd/storage"
)

type fakePassdb struct {
	rec   passdb.Record
	found bool
	err   error
}

func (f fakePassdb) Lookup(ctx context.Context, username string, meta lmtp.ConnMeta) (passdb.Record, bool, error) {
	return f.rec, f.found, f.err
}

type fakeDirectory struct {
	handle *storage.Handle
	err    error
}

func (f fakeDirectory) Lookup(ctx context.Context, username string) (*storage.Handle, error) {
	return f.handle, f.err
}

func (f fakeDirectory) TempDir() string { return "" }

// fakeMetrics records ObserveRouted calls so tests can assert Router
// reports every outcome it produces, whatever path produced it.
type fakeMetrics struct {
	routed []struct {
		kind     string
		accepted bool
	}
}

func (f *fakeMetrics) ObserveRouted(kind string, accepted bool) {
	f.routed = append(f.routed, struct {
		kind     string
		accepted bool
	}{kind, accepted})
}
func (f *fakeMetrics) ObservePayload(spilled bool, bytes int64) {}
func (f *fakeMetrics) ObserveProxyDispatch(d time.Duration)     {}

func TestRouter_ReportsMetricsForLocalAndRejectedOutcomes(t *testing.T) {
	metrics := &fakeMetrics{}
	r := &Router{
		Directory: fakeDirectory{handle: &storage.Handle{Username: "alice"}},
		Metrics:   metrics,
	}
	_, err := r.Route(context.Background(), lmtp.SmtpAddress{Local: "alice", Domain: "local"}, '+', "sess1", 5, lmtp.ConnMeta{}, lmtp.RouteUnresolved)
	require.NoError(t, err)

	r2 := &Router{Directory: fakeDirectory{err: storage.ErrNotFound}, Metrics: metrics}
	_, err = r2.Route(context.Background(), lmtp.SmtpAddress{Local: "nobody", Domain: "local"}, '+', "sess1", 5, lmtp.ConnMeta{}, lmtp.RouteUnresolved)
	require.NoError(t, err)

	require.Len(t, metrics.routed, 2)
	assert.Equal(t, "local", metrics.routed[0].kind)
	assert.True(t, metrics.routed[0].accepted)
	assert.Equal(t, "", metrics.routed[1].kind)
	assert.False(t, metrics.routed[1].accepted)
}

func TestRouter_LocalDelivery(t *testing.T) {
	r := &Router{
		Directory: fakeDirectory{handle: &storage.Handle{Username: "alice"}},
	}
	outcome, err := r.Route(context.Background(), lmtp.SmtpAddress{Local: "alice", Domain: "local"}, '+', "sess1", 5, lmtp.ConnMeta{}, lmtp.RouteUnresolved)
	require.NoError(t, err)
	assert.True(t, outcome.Accepted)
	assert.Equal(t, lmtp.RouteLocal, outcome.Routing.Kind)
}

func TestRouter_LocalUnknownUser(t *testing.T) {
	r := &Router{Directory: fakeDirectory{err: storage.ErrNotFound}}
	outcome, err := r.Route(context.Background(), lmtp.SmtpAddress{Local: "nobody", Domain: "local"}, '+', "sess1", 5, lmtp.ConnMeta{}, lmtp.RouteUnresolved)
	require.NoError(t, err)
	assert.False(t, outcome.Accepted)
	assert.Equal(t, 550, outcome.ReplyCode)
}

// S3 — loop detection: passdb returns proxy host=self port=<local_port>.
func TestRouter_LoopDetection(t *testing.T) {
	r := &Router{
		ProxyEnabled: true,
		Passdb: fakePassdb{found: true, rec: map[string]string{
			"proxy":  "1",
			"host":   "10.0.0.5",
			"hostip": "10.0.0.5",
			"port":   "24",
		}},
	}
	meta := lmtp.ConnMeta{LocalIP: net.ParseIP("10.0.0.5"), LocalPort: 24}
	outcome, err := r.Route(context.Background(), lmtp.SmtpAddress{Local: "u", Domain: "x"}, '+', "sess1", 5, meta, lmtp.RouteUnresolved)
	require.NoError(t, err)
	assert.False(t, outcome.Accepted)
	assert.Equal(t, 554, outcome.ReplyCode)
	assert.Equal(t, "Proxying loops to itself", outcome.Reason)
}

// S4 — TTL exhaustion: session begins with proxy_ttl=1.
func TestRouter_TTLExhaustion(t *testing.T) {
	r := &Router{
		ProxyEnabled: true,
		Passdb: fakePassdb{found: true, rec: map[string]string{
			"proxy": "1",
			"host":  "mx.example.com",
		}},
	}
	outcome, err := r.Route(context.Background(), lmtp.SmtpAddress{Local: "u", Domain: "x"}, '+', "sess1", 1, lmtp.ConnMeta{}, lmtp.RouteUnresolved)
	require.NoError(t, err)
	assert.False(t, outcome.Accepted)
	assert.Equal(t, 554, outcome.ReplyCode)
	assert.Equal(t, "Proxying appears to be looping (TTL=0)", outcome.Reason)
}

// S2 — mixed destinations refused: an existing proxy recipient, then a
// local attempt.
func TestRouter_MixedDestinations_LocalAfterProxy(t *testing.T) {
	r := &Router{Directory: fakeDirectory{handle: &storage.Handle{Username: "bob"}}}
	outcome, err := r.Route(context.Background(), lmtp.SmtpAddress{Local: "bob", Domain: "local"}, '+', "sess1", 5, lmtp.ConnMeta{}, lmtp.RouteProxy)
	require.NoError(t, err)
	assert.False(t, outcome.Accepted)
	assert.Equal(t, 451, outcome.ReplyCode)
	assert.Equal(t, "Can't handle mixed proxy/non-proxy destinations", outcome.Reason)
}

func TestRouter_MixedDestinations_ProxyAfterLocal(t *testing.T) {
	r := &Router{
		ProxyEnabled: true,
		Passdb: fakePassdb{found: true, rec: map[string]string{
			"proxy": "1",
			"host":  "mx.example.com",
		}},
	}
	outcome, err := r.Route(context.Background(), lmtp.SmtpAddress{Local: "u", Domain: "x"}, '+', "sess1", 5, lmtp.ConnMeta{}, lmtp.RouteLocal)
	require.NoError(t, err)
	assert.False(t, outcome.Accepted)
	assert.Equal(t, 451, outcome.ReplyCode)
}

func TestRouter_DestuserRewrite(t *testing.T) {
	r := &Router{
		ProxyEnabled: true,
		Passdb: fakePassdb{found: true, rec: map[string]string{
			"proxy":    "1",
			"host":     "mx.example.com",
			"destuser": "realuser",
		}},
	}
	outcome, err := r.Route(context.Background(), lmtp.SmtpAddress{Local: "alias", Domain: "x"}, '+', "sess1", 5, lmtp.ConnMeta{}, lmtp.RouteUnresolved)
	require.NoError(t, err)
	require.True(t, outcome.Accepted)
	assert.Equal(t, "realuser", outcome.EffectiveAddress.Local)
}

func TestRouter_ProxyWithoutHostIsConfigError(t *testing.T) {
	r := &Router{
		ProxyEnabled: true,
		Passdb:       fakePassdb{found: true, rec: map[string]string{"proxy": "1"}},
	}
	outcome, err := r.Route(context.Background(), lmtp.SmtpAddress{Local: "u", Domain: "x"}, '+', "sess1", 5, lmtp.ConnMeta{}, lmtp.RouteUnresolved)
	require.NoError(t, err)
	assert.False(t, outcome.Accepted)
	assert.Equal(t, 451, outcome.ReplyCode)
}
