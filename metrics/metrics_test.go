package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_ObserveRoutedAndServe(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewServer(reg)
	s.SessionsStarted.Inc()
	s.ObserveRouted("local", true)
	s.ObserveRouted("proxy", false)
	s.PayloadsSpilled.Inc()
	s.PayloadBytes.Observe(2048)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)
	assert.NotEmpty(t, rec.Body.String())
}
