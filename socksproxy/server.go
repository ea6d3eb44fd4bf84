// Package socksproxy serves SOCKS5 clients and tunnels every CONNECT
// through the current upstream proxy.
package socksproxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	socks5 "github.com/armon/go-socks5"
	"github.com/rs/zerolog"

	"rotating-proxy/logbuf"
	"rotating-proxy/logic"
	"rotating-proxy/relay"
)

type Upstream interface {
	Upstream() (logic.ProxyRecord, bool)
}

type Server struct {
	Upstream    Upstream
	DialTimeout time.Duration
	Log         zerolog.Logger
	Stats       *relay.Stats
}

// remoteResolver leaves host names unresolved so the upstream proxy does
// the lookup.
type remoteResolver struct{}

func (remoteResolver) Resolve(ctx context.Context, _ string) (context.Context, net.IP, error) {
	return ctx, nil, nil
}

// Serve runs the SOCKS5 accept loop on ln. It returns nil once ln is
// closed; client connections already tunnelling are left alone.
func (s *Server) Serve(ln net.Listener) error {
	if s.Upstream == nil {
		return errors.New("socksproxy: Upstream is nil")
	}
	if s.Stats == nil {
		s.Stats = &relay.Stats{}
	}
	srv, err := socks5.New(&socks5.Config{
		Dial:     s.dial,
		Resolver: remoteResolver{},
		Logger:   logbuf.StdLogger(s.Log),
	})
	if err != nil {
		return err
	}
	err = srv.Serve(ln)
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// dial is called once per client CONNECT and reads the upstream at that
// moment, so a retarget only affects connections opened after it.
func (s *Server) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	up, ok := s.Upstream.Upstream()
	if !ok {
		s.Stats.Fail()
		return nil, fmt.Errorf("%w: no upstream selected", logic.ErrUpstreamUnreachable)
	}
	timeout := s.DialTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := logic.DialViaProxy(ctx, up, network, addr, timeout)
	if err != nil {
		s.Stats.Fail()
		s.Log.Warn().Err(err).Str("upstream", up.String()).Str("target", addr).Msg("upstream unreachable")
		return nil, fmt.Errorf("%w: %w", logic.ErrUpstreamUnreachable, err)
	}
	return s.Stats.Track(conn), nil
}
