package logic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyAnonymity(t *testing.T) {
	const me = "203.0.113.7"
	tests := []struct {
		name    string
		origin  string
		headers map[string]string
		want    Anonymity
	}{
		{"elite", "198.51.100.1", map[string]string{"Host": "httpbin.org"}, AnonymityElite},
		{"leaks origin", me, nil, AnonymityTransparent},
		{"leaks forwarded-for", "198.51.100.1", map[string]string{"X-Forwarded-For": me + ", 198.51.100.1"}, AnonymityTransparent},
		{"chain", "198.51.100.1, 198.51.100.2", nil, AnonymityAnonymous},
		{"via header", "198.51.100.1", map[string]string{"Via": "1.1 squid"}, AnonymityAnonymous},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyAnonymity(tt.origin, tt.headers, me))
		})
	}
	assert.Equal(t, AnonymityElite, ClassifyAnonymity("203.0.113.7", nil, ""), "unknown public ip cannot detect leaks")
}

func TestNetProber_ProbeThroughHTTPProxy(t *testing.T) {
	echo := startEcho(t)
	p := startConnectProxy(t, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/get", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(showEnvResponse{Origin: "198.51.100.9", Headers: map[string]string{"Host": r.Host}})
	})
	mux.HandleFunc("/ip", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("203.0.113.7\n"))
	})
	mux.HandleFunc("/blob", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 32<<10)))
	})
	web := httptest.NewServer(mux)
	t.Cleanup(web.Close)

	prober := NewNetProber(ProbeConfig{
		PrecheckTimeout: time.Second,
		PingTarget:      echo,
		AnonymityURL:    web.URL + "/get",
		IPEchoURL:       web.URL + "/ip",
		SpeedURL:        web.URL + "/blob",
		SpeedSample:     true,
		SpeedMaxBytes:   64 << 10,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := prober.Probe(ctx, newCandidate(ProtocolHTTP, p.Addr(), ""))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.PingMS, int64(1))
	assert.Equal(t, AnonymityElite, res.Anonymity)
	assert.Greater(t, res.SpeedKbps, 0.0)
	assert.Equal(t, "203.0.113.7", prober.PublicIP(ctx))
}

func TestNetProber_DeadProxy(t *testing.T) {
	prober := NewNetProber(ProbeConfig{PrecheckTimeout: 500 * time.Millisecond, PingTarget: "127.0.0.1:9"})
	_, err := prober.Probe(context.Background(), newCandidate(ProtocolHTTP, closedAddr(t), ""))
	assert.ErrorIs(t, err, ErrProbeConnect)
}
