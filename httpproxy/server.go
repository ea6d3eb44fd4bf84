package httpproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"rotating-proxy/logbuf"
	"rotating-proxy/logic"
	"rotating-proxy/relay"
)

// Upstream hands out the proxy new client requests should go through.
type Upstream interface {
	Upstream() (logic.ProxyRecord, bool)
}

// Server is a local HTTP forward proxy. Plain requests are sent through the
// current upstream in absolute form; CONNECT is tunnelled through it.
type Server struct {
	Upstream    Upstream
	DialTimeout time.Duration
	Log         zerolog.Logger
	Stats       *relay.Stats

	transportMu sync.Mutex
	transports  map[logic.Key]*http.Transport
}

// Serve accepts connections on ln until it is closed. Closing ln only ends
// the accept loop; tunnels already established keep running.
func (s *Server) Serve(ln net.Listener) error {
	if s.Upstream == nil {
		return errors.New("httpproxy: Upstream is nil")
	}
	if s.Stats == nil {
		s.Stats = &relay.Stats{}
	}
	s.transportMu.Lock()
	if s.transports == nil {
		s.transports = make(map[logic.Key]*http.Transport, 4)
	}
	s.transportMu.Unlock()

	srv := &http.Server{
		Handler:           http.HandlerFunc(s.serveHTTP),
		ErrorLog:          logbuf.StdLogger(s.Log),
		ReadHeaderTimeout: 15 * time.Second,
	}
	err := srv.Serve(ln)
	if errors.Is(err, net.ErrClosed) || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			s.Log.Error().Interface("panic", rec).Bytes("stack", debug.Stack()).Msg("httpproxy handler panic")
			http.Error(w, "internal server error", http.StatusInternalServerError)
		}
	}()

	if r.Method == http.MethodConnect {
		s.handleConnect(w, r)
		return
	}
	s.handleForward(w, r)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	target := strings.TrimSpace(r.Host)
	if target == "" {
		http.Error(w, "missing CONNECT target", http.StatusBadRequest)
		return
	}
	if _, _, err := net.SplitHostPort(target); err != nil {
		http.Error(w, "CONNECT target must be host:port", http.StatusBadRequest)
		return
	}

	up, ok := s.Upstream.Upstream()
	if !ok {
		s.Stats.Fail()
		http.Error(w, "no upstream selected", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.dialTimeout())
	defer cancel()
	upConn, err := logic.DialViaProxy(ctx, up, "tcp", target, s.dialTimeout())
	if err != nil {
		s.Stats.Fail()
		s.Log.Warn().Err(err).Str("upstream", up.String()).Str("target", target).Msg("upstream unreachable")
		http.Error(w, fmt.Errorf("%w: %w", logic.ErrUpstreamUnreachable, err).Error(), http.StatusBadGateway)
		return
	}
	upConn = s.Stats.Track(upConn)

	hj, ok := w.(http.Hijacker)
	if !ok {
		_ = upConn.Close()
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, buf, err := hj.Hijack()
	if err != nil {
		_ = upConn.Close()
		http.Error(w, "hijack failed", http.StatusInternalServerError)
		return
	}

	_, _ = buf.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n")
	_ = buf.Flush()

	// Bytes the client sent after the CONNECT header belong to the tunnel.
	if n := buf.Reader.Buffered(); n > 0 {
		pending, _ := buf.Reader.Peek(n)
		if _, err := upConn.Write(pending); err != nil {
			_ = upConn.Close()
			_ = clientConn.Close()
			return
		}
	}
	relay.Pipe(clientConn, upConn)
}

func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	targetURL, err := forwardURL(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if targetURL.Scheme != "http" {
		http.Error(w, "only http scheme supported (https requires CONNECT)", http.StatusBadRequest)
		return
	}

	up, ok := s.Upstream.Upstream()
	if !ok {
		s.Stats.Fail()
		http.Error(w, "no upstream selected", http.StatusServiceUnavailable)
		return
	}

	out := r.Clone(r.Context())
	out.RequestURI = ""
	out.URL = targetURL
	out.Host = targetURL.Host
	removeHopByHop(out.Header)

	resp, err := s.transportFor(up).RoundTrip(out)
	if err != nil {
		s.Stats.Fail()
		s.Log.Warn().Err(err).Str("upstream", up.String()).Str("url", targetURL.String()).Msg("upstream unreachable")
		http.Error(w, fmt.Errorf("%w: %w", logic.ErrUpstreamUnreachable, err).Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	removeHopByHop(resp.Header)
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	n, _ := io.Copy(w, resp.Body)
	s.Stats.Served(n, max(r.ContentLength, 0))
}

func (s *Server) dialTimeout() time.Duration {
	if s.DialTimeout > 0 {
		return s.DialTimeout
	}
	return 15 * time.Second
}

// transportFor returns the cached transport of up. Transports of previous
// upstreams have their idle connections closed and are dropped; requests
// still in flight on them finish normally.
func (s *Server) transportFor(up logic.ProxyRecord) *http.Transport {
	s.transportMu.Lock()
	defer s.transportMu.Unlock()

	if tr, ok := s.transports[up.Key()]; ok {
		return tr
	}
	for k, old := range s.transports {
		old.CloseIdleConnections()
		delete(s.transports, k)
	}

	proxyURL := &url.URL{Scheme: "http", Host: up.Address}
	if up.User != "" || up.Pass != "" {
		proxyURL.User = url.UserPassword(up.User, up.Pass)
	}
	tr := &http.Transport{
		Proxy: http.ProxyURL(proxyURL),
		DialContext: (&net.Dialer{
			Timeout:   s.dialTimeout(),
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     false,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	s.transports[up.Key()] = tr
	return tr
}

func forwardURL(r *http.Request) (*url.URL, error) {
	if r.URL == nil {
		return nil, errors.New("bad request")
	}
	if r.URL.IsAbs() && r.URL.Host != "" {
		u := *r.URL
		return &u, nil
	}
	host := strings.TrimSpace(r.Host)
	if host == "" {
		return nil, errors.New("missing Host")
	}
	return &url.URL{
		Scheme:   "http",
		Host:     host,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
	}, nil
}

var hopByHop = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopByHop(h http.Header) {
	for _, f := range strings.Split(h.Get("Connection"), ",") {
		if f = strings.TrimSpace(f); f != "" {
			h.Del(f)
		}
	}
	for _, k := range hopByHop {
		h.Del(k)
	}
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst.Del(k)
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
