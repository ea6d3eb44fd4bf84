// Package service runs one local forwarding listener per protocol and
// swaps the upstream behind it without restarting the listener.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"rotating-proxy/httpproxy"
	"rotating-proxy/logic"
	"rotating-proxy/relay"
	"rotating-proxy/socksproxy"
)

type Config struct {
	HTTPListen   string
	SOCKS5Listen string
	DialTimeout  time.Duration

	// RetargetCheck makes Retarget open a tunnel to CheckTarget through the
	// new upstream before switching to it.
	RetargetCheck   bool
	RetargetTimeout time.Duration
	CheckTarget     string
}

// EligibleFunc reports whether rec may serve as an upstream right now.
type EligibleFunc func(rec logic.ProxyRecord) bool

type State struct {
	Protocol        logic.Protocol     `json:"protocol"`
	Running         bool               `json:"running"`
	ListenAddr      string             `json:"listen_addr"`
	BoundPort       int                `json:"bound_port,omitempty"`
	CurrentUpstream *logic.ProxyRecord `json:"current_upstream,omitempty"`
	StartedAt       *time.Time         `json:"started_at,omitempty"`
	Stats           relay.Snapshot     `json:"stats"`
}

type listener struct {
	protocol logic.Protocol
	addr     string

	// mu orders Start, Stop and Retarget of this protocol.
	mu        sync.Mutex
	ln        net.Listener
	done      chan struct{}
	startedAt time.Time

	upstream atomic.Pointer[logic.ProxyRecord]
	stats    relay.Stats
}

// Upstream is read by the proxy servers for every new client connection.
func (l *listener) Upstream() (logic.ProxyRecord, bool) {
	p := l.upstream.Load()
	if p == nil {
		return logic.ProxyRecord{}, false
	}
	return *p, true
}

type Service struct {
	cfg       Config
	eligible  EligibleFunc
	log       zerolog.Logger
	listeners map[logic.Protocol]*listener

	// checkDial is swapped in tests.
	checkDial func(ctx context.Context, rec logic.ProxyRecord) error
}

func New(cfg Config, eligible EligibleFunc, log zerolog.Logger) *Service {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	if cfg.RetargetTimeout <= 0 {
		cfg.RetargetTimeout = 5 * time.Second
	}
	if cfg.CheckTarget == "" {
		cfg.CheckTarget = "www.baidu.com:443"
	}
	if eligible == nil {
		eligible = func(rec logic.ProxyRecord) bool { return rec.Validated() }
	}
	s := &Service{
		cfg:      cfg,
		eligible: eligible,
		log:      log,
		listeners: map[logic.Protocol]*listener{
			logic.ProtocolHTTP:   {protocol: logic.ProtocolHTTP, addr: cfg.HTTPListen},
			logic.ProtocolSOCKS5: {protocol: logic.ProtocolSOCKS5, addr: cfg.SOCKS5Listen},
		},
	}
	s.checkDial = s.dialUpstream
	return s
}

func (s *Service) listener(p logic.Protocol) (*listener, error) {
	l, ok := s.listeners[p]
	if !ok {
		return nil, fmt.Errorf("%w: %q", logic.ErrUnsupportedProtocol, p)
	}
	return l, nil
}

// Start binds the listener of p. The current upstream must be set and still
// eligible.
func (s *Service) Start(p logic.Protocol) error {
	l, err := s.listener(p)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ln != nil {
		return fmt.Errorf("%s service: %w", p, logic.ErrAlreadyRunning)
	}
	up, ok := l.Upstream()
	if !ok {
		return fmt.Errorf("%s service has no upstream: %w", p, logic.ErrNoEligibleProxy)
	}
	if !s.eligible(up) {
		return fmt.Errorf("%s service upstream %s: %w", p, up, logic.ErrNotValidated)
	}

	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", l.addr, err)
	}
	log := s.log.With().Str("protocol", string(p)).Logger()
	serve := s.server(l, log)

	l.ln = ln
	l.done = make(chan struct{})
	l.startedAt = time.Now()
	go func(ln net.Listener, done chan struct{}) {
		defer close(done)
		if err := serve(ln); err != nil {
			log.Error().Err(err).Msg("accept loop ended")
		}
	}(ln, l.done)

	log.Info().Str("listen", ln.Addr().String()).Str("upstream", up.String()).Msg("forwarding service started")
	return nil
}

func (s *Service) server(l *listener, log zerolog.Logger) func(net.Listener) error {
	if l.protocol == logic.ProtocolSOCKS5 {
		srv := &socksproxy.Server{Upstream: l, DialTimeout: s.cfg.DialTimeout, Log: log, Stats: &l.stats}
		return srv.Serve
	}
	srv := &httpproxy.Server{Upstream: l, DialTimeout: s.cfg.DialTimeout, Log: log, Stats: &l.stats}
	return srv.Serve
}

// Stop closes the listener of p. Connections already relaying are not
// touched and end on their own.
func (s *Service) Stop(p logic.Protocol) error {
	l, err := s.listener(p)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ln == nil {
		return fmt.Errorf("%s service: %w", p, logic.ErrNotRunning)
	}
	err = l.ln.Close()
	<-l.done
	l.ln = nil
	l.done = nil
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	snap := l.stats.Snapshot()
	s.log.Info().Str("protocol", string(p)).Int64("active", snap.Active).Str("traffic", snap.Traffic).
		Msg("forwarding service stopped")
	return nil
}

// Retarget makes rec the upstream of p for connections opened from now on.
// On any error the previous upstream stays in place.
func (s *Service) Retarget(p logic.Protocol, rec logic.ProxyRecord) error {
	l, err := s.listener(p)
	if err != nil {
		return err
	}
	if rec.Protocol != p {
		return fmt.Errorf("%w: %s is not a %s proxy", logic.ErrRetargetFailure, rec, p)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if !s.eligible(rec) {
		return fmt.Errorf("%w: %s: %w", logic.ErrRetargetFailure, rec, logic.ErrNotValidated)
	}
	if s.cfg.RetargetCheck {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RetargetTimeout)
		defer cancel()
		if err := s.checkDial(ctx, rec); err != nil {
			return fmt.Errorf("%w: %s: %w: %w", logic.ErrRetargetFailure, rec, logic.ErrUpstreamUnreachable, err)
		}
	}
	l.upstream.Store(&rec)
	return nil
}

func (s *Service) dialUpstream(ctx context.Context, rec logic.ProxyRecord) error {
	conn, err := logic.DialViaProxy(ctx, rec, "tcp", s.cfg.CheckTarget, s.cfg.RetargetTimeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (s *Service) Current(p logic.Protocol) (logic.ProxyRecord, bool) {
	l, err := s.listener(p)
	if err != nil {
		return logic.ProxyRecord{}, false
	}
	return l.Upstream()
}

func (s *Service) Running(p logic.Protocol) bool {
	l, err := s.listener(p)
	if err != nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ln != nil
}

func (s *Service) State(p logic.Protocol) (State, error) {
	l, err := s.listener(p)
	if err != nil {
		return State{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	st := State{Protocol: p, ListenAddr: l.addr, Running: l.ln != nil, Stats: l.stats.Snapshot()}
	if l.ln != nil {
		if ta, ok := l.ln.Addr().(*net.TCPAddr); ok {
			st.BoundPort = ta.Port
		}
		st.ListenAddr = l.ln.Addr().String()
		at := l.startedAt
		st.StartedAt = &at
	}
	if up, ok := l.Upstream(); ok {
		st.CurrentUpstream = &up
	}
	return st, nil
}

func (s *Service) States() map[logic.Protocol]State {
	out := make(map[logic.Protocol]State, len(s.listeners))
	for _, p := range logic.Protocols {
		st, _ := s.State(p)
		out[p] = st
	}
	return out
}

// Close stops every running listener.
func (s *Service) Close() {
	for _, p := range logic.Protocols {
		if err := s.Stop(p); err != nil && !errors.Is(err, logic.ErrNotRunning) {
			s.log.Warn().Err(err).Str("protocol", string(p)).Msg("stop forwarding service")
		}
	}
}
