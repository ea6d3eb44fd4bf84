package logic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ProbeResult is what a successful probe measured.
type ProbeResult struct {
	PingMS    int64
	SpeedKbps float64
	Anonymity Anonymity
}

// Prober measures a single proxy. A returned error means the proxy is
// unusable; it should wrap ErrProbeTimeout or ErrProbeConnect.
type Prober interface {
	Probe(ctx context.Context, rec ProxyRecord) (ProbeResult, error)
}

type ProbeConfig struct {
	PrecheckTimeout time.Duration
	PingTarget      string
	AnonymityURL    string
	IPEchoURL       string
	SpeedURL        string
	SpeedSample     bool
	SpeedMaxBytes   int64
}

// Proxies slower than this are not worth a bandwidth sample.
const speedMaxPing = 7 * time.Second

// NetProber probes proxies over the network: TCP pre-check, tunnel ping,
// anonymity check, then an optional bandwidth sample.
type NetProber struct {
	cfg ProbeConfig

	ipOnce   sync.Once
	publicIP string
}

func NewNetProber(cfg ProbeConfig) *NetProber {
	if cfg.PrecheckTimeout <= 0 {
		cfg.PrecheckTimeout = 1500 * time.Millisecond
	}
	if cfg.PingTarget == "" {
		cfg.PingTarget = "www.baidu.com:443"
	}
	if cfg.SpeedMaxBytes <= 0 {
		cfg.SpeedMaxBytes = 100 << 10
	}
	return &NetProber{cfg: cfg}
}

func (p *NetProber) Probe(ctx context.Context, rec ProxyRecord) (ProbeResult, error) {
	if err := p.precheck(ctx, rec); err != nil {
		return ProbeResult{}, ClassifyDialError(err)
	}

	start := time.Now()
	conn, err := DialViaProxy(ctx, rec, "tcp", p.cfg.PingTarget, timeoutFromContext(ctx, 10*time.Second))
	if err != nil {
		return ProbeResult{}, ClassifyDialError(err)
	}
	ping := time.Since(start)
	_ = conn.Close()

	res := ProbeResult{PingMS: max(ping.Milliseconds(), 1), Anonymity: AnonymityUnknown}
	client := p.client(rec)
	defer client.CloseIdleConnections()

	if p.cfg.AnonymityURL != "" {
		res.Anonymity = p.anonymity(ctx, client)
	}
	if err := ctx.Err(); err != nil {
		return ProbeResult{}, ClassifyDialError(err)
	}

	if p.cfg.SpeedSample && p.cfg.SpeedURL != "" && res.Anonymity != AnonymityTransparent && ping <= speedMaxPing {
		res.SpeedKbps = p.speed(ctx, client)
	}
	return res, nil
}

func (p *NetProber) precheck(ctx context.Context, rec ProxyRecord) error {
	d := &net.Dialer{Timeout: p.cfg.PrecheckTimeout}
	conn, err := d.DialContext(ctx, "tcp", rec.Address)
	if err != nil {
		return fmt.Errorf("precheck %s: %w", rec.Address, err)
	}
	return conn.Close()
}

// client routes every request through rec. HTTP proxies get absolute-form
// requests for plain http and CONNECT for https; SOCKS5 tunnels both.
func (p *NetProber) client(rec ProxyRecord) *http.Client {
	timeout := 10 * time.Second
	tr := &http.Transport{
		ForceAttemptHTTP2:     false,
		TLSHandshakeTimeout:   timeout,
		ExpectContinueTimeout: time.Second,
		IdleConnTimeout:       30 * time.Second,
		DisableKeepAlives:     true,
	}
	switch rec.Protocol {
	case ProtocolHTTP:
		pu := &url.URL{Scheme: "http", Host: rec.Address}
		if rec.User != "" || rec.Pass != "" {
			pu.User = url.UserPassword(rec.User, rec.Pass)
		}
		tr.Proxy = http.ProxyURL(pu)
		tr.DialContext = (&net.Dialer{Timeout: timeout}).DialContext
	default:
		tr.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return DialViaProxy(ctx, rec, network, addr, timeout)
		}
	}
	return &http.Client{Transport: tr}
}

type showEnvResponse struct {
	Origin  string            `json:"origin"`
	Headers map[string]string `json:"headers"`
}

func (p *NetProber) anonymity(ctx context.Context, client *http.Client) Anonymity {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.AnonymityURL, nil)
	if err != nil {
		return AnonymityUnknown
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := client.Do(req)
	if err != nil {
		return AnonymityUnknown
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return AnonymityUnknown
	}
	var body showEnvResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		return AnonymityUnknown
	}
	return ClassifyAnonymity(body.Origin, body.Headers, p.PublicIP(ctx))
}

// ClassifyAnonymity decides how much of the client a proxy reveals, given
// the origin and headers an echo service saw and the host's public IP.
func ClassifyAnonymity(origin string, headers map[string]string, publicIP string) Anonymity {
	seen := origin
	var via bool
	for k, v := range headers {
		switch strings.ToLower(k) {
		case "x-forwarded-for":
			seen = v
		case "via":
			via = true
		}
	}
	var ips []string
	for _, ip := range strings.Split(seen, ",") {
		if ip = strings.TrimSpace(ip); ip != "" {
			ips = append(ips, ip)
		}
	}
	if publicIP != "" {
		for _, ip := range ips {
			if ip == publicIP {
				return AnonymityTransparent
			}
		}
	}
	if len(ips) > 1 || via {
		return AnonymityAnonymous
	}
	return AnonymityElite
}

// speed samples throughput in kbps. Any failure yields 0.
func (p *NetProber) speed(ctx context.Context, client *http.Client) float64 {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.SpeedURL, nil)
	if err != nil {
		return 0
	}
	req.Header.Set("User-Agent", userAgent)
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return 0
	}
	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, p.cfg.SpeedMaxBytes))
	if err != nil && !errors.Is(err, io.EOF) {
		return 0
	}
	secs := time.Since(start).Seconds()
	if n <= 0 || secs <= 0 {
		return 0
	}
	return float64(n) * 8 / 1000 / secs
}

// PublicIP fetches the host's address from the IP echo service once.
func (p *NetProber) PublicIP(ctx context.Context) string {
	p.ipOnce.Do(func() {
		if p.cfg.IPEchoURL == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.IPEchoURL, nil)
		if err != nil {
			return
		}
		req.Header.Set("User-Agent", "curl/8.0")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(io.LimitReader(resp.Body, 256))
		if err != nil {
			return
		}
		if ip := net.ParseIP(strings.TrimSpace(string(b))); ip != nil {
			p.publicIP = ip.String()
		}
	})
	return p.publicIP
}

func timeoutFromContext(ctx context.Context, fallback time.Duration) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d > 0 {
			return d
		}
		return time.Millisecond
	}
	return fallback
}
