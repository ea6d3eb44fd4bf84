package service

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/proxy"

	"rotating-proxy/logic"
)

func newTestService(t *testing.T, eligible EligibleFunc) *Service {
	t.Helper()
	s := New(Config{
		HTTPListen:   "127.0.0.1:0",
		SOCKS5Listen: "127.0.0.1:0",
		DialTimeout:  2 * time.Second,
	}, eligible, zerolog.Nop())
	t.Cleanup(s.Close)
	return s
}

func listenAddr(t *testing.T, s *Service, p logic.Protocol) string {
	t.Helper()
	st, err := s.State(p)
	require.NoError(t, err)
	require.True(t, st.Running)
	return st.ListenAddr
}

func TestService_StartRequiresUpstream(t *testing.T) {
	s := newTestService(t, nil)
	assert.ErrorIs(t, s.Start(logic.ProtocolHTTP), logic.ErrNoEligibleProxy)
	assert.False(t, s.Running(logic.ProtocolHTTP))
	assert.ErrorIs(t, s.Stop(logic.ProtocolHTTP), logic.ErrNotRunning)
	assert.ErrorIs(t, s.Start("ftp"), logic.ErrUnsupportedProtocol)
}

func TestService_StartRejectsStaleUpstream(t *testing.T) {
	ok := true
	s := newTestService(t, func(logic.ProxyRecord) bool { return ok })
	require.NoError(t, s.Retarget(logic.ProtocolHTTP, validRecord(logic.ProtocolHTTP, "127.0.0.1:1")))

	ok = false
	assert.ErrorIs(t, s.Start(logic.ProtocolHTTP), logic.ErrNotValidated)
}

func TestService_RetargetValidation(t *testing.T) {
	s := newTestService(t, nil)

	err := s.Retarget(logic.ProtocolHTTP, validRecord(logic.ProtocolSOCKS5, "127.0.0.1:1080"))
	assert.ErrorIs(t, err, logic.ErrRetargetFailure)

	unvalidated := logic.ProxyRecord{Protocol: logic.ProtocolHTTP, Address: "127.0.0.1:8080"}
	err = s.Retarget(logic.ProtocolHTTP, unvalidated)
	assert.ErrorIs(t, err, logic.ErrRetargetFailure)
	assert.ErrorIs(t, err, logic.ErrNotValidated)

	_, ok := s.Current(logic.ProtocolHTTP)
	assert.False(t, ok, "failed retarget leaves no upstream behind")
}

func TestService_RetargetCheckFailureKeepsUpstream(t *testing.T) {
	s := newTestService(t, nil)
	s.cfg.RetargetCheck = true
	first := validRecord(logic.ProtocolHTTP, "127.0.0.1:3128")
	s.checkDial = func(context.Context, logic.ProxyRecord) error { return nil }
	require.NoError(t, s.Retarget(logic.ProtocolHTTP, first))

	s.checkDial = func(context.Context, logic.ProxyRecord) error { return errors.New("connection refused") }
	err := s.Retarget(logic.ProtocolHTTP, validRecord(logic.ProtocolHTTP, "127.0.0.1:3129"))
	assert.ErrorIs(t, err, logic.ErrRetargetFailure)
	assert.ErrorIs(t, err, logic.ErrUpstreamUnreachable)

	cur, ok := s.Current(logic.ProtocolHTTP)
	require.True(t, ok)
	assert.Equal(t, first.Address, cur.Address)
}

func TestService_StartStop(t *testing.T) {
	up := startUpstreamHTTP(t)
	s := newTestService(t, nil)
	require.NoError(t, s.Retarget(logic.ProtocolHTTP, up.record()))
	require.NoError(t, s.Start(logic.ProtocolHTTP))
	assert.ErrorIs(t, s.Start(logic.ProtocolHTTP), logic.ErrAlreadyRunning)

	st, err := s.State(logic.ProtocolHTTP)
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.NotZero(t, st.BoundPort)
	require.NotNil(t, st.CurrentUpstream)
	assert.Equal(t, up.ln.Addr().String(), st.CurrentUpstream.Address)
	assert.False(t, s.States()[logic.ProtocolSOCKS5].Running)

	require.NoError(t, s.Stop(logic.ProtocolHTTP))
	assert.False(t, s.Running(logic.ProtocolHTTP))
	assert.ErrorIs(t, s.Stop(logic.ProtocolHTTP), logic.ErrNotRunning)

	// The upstream survives a stop, so a restart needs no rotation.
	require.NoError(t, s.Start(logic.ProtocolHTTP))
}

func TestService_RotationKeepsOpenTunnels(t *testing.T) {
	echo := startEcho(t)
	a, b := startUpstreamHTTP(t), startUpstreamHTTP(t)
	s := newTestService(t, nil)
	require.NoError(t, s.Retarget(logic.ProtocolHTTP, a.record()))
	require.NoError(t, s.Start(logic.ProtocolHTTP))
	addr := listenAddr(t, s, logic.ProtocolHTTP)

	before := connectThrough(t, addr, echo)
	defer before.Close()
	echoOnce(t, before, "opened before rotation")

	require.NoError(t, s.Retarget(logic.ProtocolHTTP, b.record()))

	after := connectThrough(t, addr, echo)
	defer after.Close()
	echoOnce(t, after, "opened after rotation")
	echoOnce(t, before, "old tunnel still works")

	assert.EqualValues(t, 1, a.count.Load())
	assert.EqualValues(t, 1, b.count.Load())

	// Stopping only closes the listener.
	require.NoError(t, s.Stop(logic.ProtocolHTTP))
	echoOnce(t, before, "survives stop")
	echoOnce(t, after, "survives stop too")

	st, _ := s.State(logic.ProtocolHTTP)
	assert.EqualValues(t, 2, st.Stats.Handled)
	assert.EqualValues(t, 2, st.Stats.Active)
	assert.NotZero(t, st.Stats.BytesIn)
}

func TestService_HTTPForward(t *testing.T) {
	web := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello " + r.URL.Path))
	}))
	t.Cleanup(web.Close)
	up := startUpstreamHTTP(t)

	s := newTestService(t, nil)
	require.NoError(t, s.Retarget(logic.ProtocolHTTP, up.record()))
	require.NoError(t, s.Start(logic.ProtocolHTTP))

	proxyURL := &url.URL{Scheme: "http", Host: listenAddr(t, s, logic.ProtocolHTTP)}
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}, Timeout: 5 * time.Second}
	resp, err := client.Get(web.URL + "/page")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello /page", string(body))
	assert.Equal(t, up.ln.Addr().String(), resp.Header.Get("X-Upstream"))
}

func TestService_UpstreamUnreachableClosesOnlyThatRequest(t *testing.T) {
	echo := startEcho(t)
	s := newTestService(t, nil)
	require.NoError(t, s.Retarget(logic.ProtocolHTTP, validRecord(logic.ProtocolHTTP, "127.0.0.1:1")))
	require.NoError(t, s.Start(logic.ProtocolHTTP))
	addr := listenAddr(t, s, logic.ProtocolHTTP)

	proxyURL := &url.URL{Scheme: "http", Host: addr}
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}, Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + echo + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.True(t, s.Running(logic.ProtocolHTTP))

	up := startUpstreamHTTP(t)
	require.NoError(t, s.Retarget(logic.ProtocolHTTP, up.record()))
	c := connectThrough(t, addr, echo)
	defer c.Close()
	echoOnce(t, c, "listener still serving")
}

func TestService_SOCKS5Rotation(t *testing.T) {
	echo := startEcho(t)
	recA, dialsA := startUpstreamSOCKS(t)
	recB, dialsB := startUpstreamSOCKS(t)

	s := newTestService(t, nil)
	require.NoError(t, s.Retarget(logic.ProtocolSOCKS5, recA))
	require.NoError(t, s.Start(logic.ProtocolSOCKS5))
	addr := listenAddr(t, s, logic.ProtocolSOCKS5)

	dialer, err := proxy.SOCKS5("tcp", addr, nil, proxy.Direct)
	require.NoError(t, err)

	first, err := dialer.Dial("tcp", echo)
	require.NoError(t, err)
	defer first.Close()
	_ = first.SetDeadline(time.Now().Add(5 * time.Second))
	echoOnce(t, first, "via a")

	require.NoError(t, s.Retarget(logic.ProtocolSOCKS5, recB))
	second, err := dialer.Dial("tcp", echo)
	require.NoError(t, err)
	defer second.Close()
	_ = second.SetDeadline(time.Now().Add(5 * time.Second))
	echoOnce(t, second, "via b")
	echoOnce(t, first, "a still open")

	assert.EqualValues(t, 1, dialsA.Load())
	assert.EqualValues(t, 1, dialsB.Load())
}
