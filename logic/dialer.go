package logic

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

const userAgent = "rotating-proxy/1.0"

// DialViaProxy opens a tunnel to addr through rec. The returned connection
// carries raw bytes to addr once the proxy handshake is done.
func DialViaProxy(ctx context.Context, rec ProxyRecord, network, addr string, timeout time.Duration) (net.Conn, error) {
	if rec.Address == "" {
		return nil, errors.New("proxy record has no address")
	}
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, fmt.Errorf("%s upstream only supports tcp, got %q", rec.Protocol, network)
	}
	switch rec.Protocol {
	case ProtocolSOCKS5:
		return dialSOCKS5(ctx, rec, network, addr, timeout)
	case ProtocolHTTP:
		return dialHTTPConnect(ctx, rec, addr, timeout)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProtocol, rec.Protocol)
	}
}

// ClassifyDialError maps a dial or handshake failure to ErrProbeTimeout or
// ErrProbeConnect, keeping the original error in the chain.
func ClassifyDialError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrProbeTimeout) || errors.Is(err, ErrProbeConnect) {
		return err
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) ||
		(errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%w: %w", ErrProbeTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrProbeConnect, err)
}

func dialHTTPConnect(ctx context.Context, rec ProxyRecord, addr string, timeout time.Duration) (net.Conn, error) {
	target := addr
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "443")
	}

	conn, code, status, err := connectHandshake(ctx, rec, target, timeout, connectRequest{
		version:         "HTTP/1.1",
		host:            target,
		proxyConnection: true,
		userAgent:       userAgent,
	})
	if err == nil {
		return conn, nil
	}
	if conn != nil {
		_ = conn.Close()
	}

	// Some proxies reject HTTP/1.1 CONNECT with extra headers; retry the
	// bare HTTP/1.0 form.
	if code != http.StatusBadRequest && code != http.StatusMethodNotAllowed && code != http.StatusNotImplemented {
		if code == 0 {
			return nil, err
		}
		return nil, &ConnectError{Proxy: rec.Address, Target: target, Code: code, Status: status}
	}
	host := target
	if h, _, herr := net.SplitHostPort(target); herr == nil {
		host = h
	}
	conn, code, status, err = connectHandshake(ctx, rec, target, timeout, connectRequest{
		version: "HTTP/1.0",
		host:    host,
	})
	if err == nil {
		return conn, nil
	}
	if conn != nil {
		_ = conn.Close()
	}
	if code == 0 {
		return nil, err
	}
	return nil, &ConnectError{Proxy: rec.Address, Target: target, Code: code, Status: status}
}

func dialSOCKS5(ctx context.Context, rec ProxyRecord, network, addr string, timeout time.Duration) (net.Conn, error) {
	var auth *proxy.Auth
	if rec.User != "" || rec.Pass != "" {
		auth = &proxy.Auth{User: rec.User, Password: rec.Pass}
	}

	// The forward dialer carries its own timeout in case the SOCKS dialer
	// ignores the context.
	d, err := proxy.SOCKS5("tcp", rec.Address, auth, &net.Dialer{Timeout: timeout})
	if err != nil {
		return nil, err
	}
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, network, addr)
	}
	return d.Dial(network, addr)
}

type connectRequest struct {
	version         string
	host            string
	proxyConnection bool
	userAgent       string
}

// ConnectError is a CONNECT refused by the upstream with a non-200 status.
type ConnectError struct {
	Proxy  string
	Target string
	Code   int
	Status string
}

func (e *ConnectError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("proxy connect failed: proxy=%s target=%s code=%d", e.Proxy, e.Target, e.Code)
	}
	return fmt.Sprintf("proxy connect failed: proxy=%s target=%s %s", e.Proxy, e.Target, e.Status)
}

func connectHandshake(ctx context.Context, rec ProxyRecord, target string, timeout time.Duration, req connectRequest) (net.Conn, int, string, error) {
	d := &net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", rec.Address)
	if err != nil {
		return nil, 0, "", err
	}

	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && (timeout <= 0 || dl.Before(deadline)) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	var b strings.Builder
	fmt.Fprintf(&b, "CONNECT %s %s\r\n", target, req.version)
	if req.host != "" {
		fmt.Fprintf(&b, "Host: %s\r\n", req.host)
	}
	if req.proxyConnection {
		b.WriteString("Proxy-Connection: Keep-Alive\r\n")
	}
	if req.userAgent != "" {
		fmt.Fprintf(&b, "User-Agent: %s\r\n", req.userAgent)
	}
	if rec.User != "" || rec.Pass != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(rec.User + ":" + rec.Pass))
		fmt.Fprintf(&b, "Proxy-Authorization: Basic %s\r\n", cred)
	}
	b.WriteString("\r\n")
	if _, err := conn.Write([]byte(b.String())); err != nil {
		return conn, 0, "", err
	}

	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	if err != nil {
		return conn, 0, "", err
	}
	status = strings.TrimRight(status, "\r\n")
	parts := strings.SplitN(status, " ", 3)
	if len(parts) < 2 {
		return conn, 0, status, fmt.Errorf("bad proxy response: %q", status)
	}
	code, _ := strconv.Atoi(parts[1])
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return conn, code, status, err
		}
		if strings.TrimRight(line, "\r\n") == "" {
			break
		}
	}
	if code != http.StatusOK {
		return conn, code, status, errors.New(status)
	}
	_ = conn.SetDeadline(time.Time{})

	// A proxy may pipeline tunnel bytes right after the header block.
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, code, status, nil
	}
	return conn, code, status, nil
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *bufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return errors.ErrUnsupported
}
