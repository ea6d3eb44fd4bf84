package logic

import (
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// ParseProxySpec parses one of
//
//	socks5://ip:port, http://ip:port (https and socks5h are folded in)
//	user:pass@ip:port
//	ip:port
//
// A spec without a scheme gets defaultProtocol; "auto" or "" guesses from
// the port.
func ParseProxySpec(spec, defaultProtocol string) (ProxyRecord, bool) {
	spec = strings.TrimSpace(spec)
	if spec == "" || strings.HasPrefix(spec, "#") {
		return ProxyRecord{}, false
	}

	if strings.Contains(spec, "://") {
		u, err := url.Parse(spec)
		if err != nil {
			return ProxyRecord{}, false
		}
		p, err := ParseProtocol(u.Scheme)
		if err != nil || p == "" {
			return ProxyRecord{}, false
		}
		host, port := u.Hostname(), u.Port()
		if net.ParseIP(host) == nil || !validPort(port) {
			return ProxyRecord{}, false
		}
		rec := newCandidate(p, net.JoinHostPort(host, port), "")
		if u.User != nil {
			rec.User = u.User.Username()
			rec.Pass, _ = u.User.Password()
		}
		return rec, true
	}

	hostport := spec
	userinfo := ""
	if at := strings.LastIndex(spec, "@"); at > 0 {
		userinfo = spec[:at]
		hostport = spec[at+1:]
	}
	host, port, ok := splitHostPortLoose(hostport)
	if !ok {
		return ProxyRecord{}, false
	}

	p, err := ParseProtocol(defaultProtocol)
	if err != nil || p == "" {
		p = guessProtocol(port)
	}
	rec := newCandidate(p, net.JoinHostPort(host, port), "")
	if user, pass, found := strings.Cut(userinfo, ":"); found {
		rec.User, rec.Pass = user, pass
	}
	return rec, true
}

func ParseProxySpecs(specs []string, defaultProtocol string) []ProxyRecord {
	out := make([]ProxyRecord, 0, len(specs))
	for _, s := range specs {
		if rec, ok := ParseProxySpec(s, defaultProtocol); ok {
			out = append(out, rec)
		}
	}
	return out
}

var ipPortPattern = regexp.MustCompile(`\b(\d{1,3}(?:\.\d{1,3}){3}):(\d{1,5})\b`)

// ExtractProxies pulls every ip:port pair out of free text, for sources that
// wrap their list in HTML or JSON.
func ExtractProxies(text, defaultProtocol string) []ProxyRecord {
	var out []ProxyRecord
	for _, m := range ipPortPattern.FindAllStringSubmatch(text, -1) {
		if rec, ok := ParseProxySpec(m[1]+":"+m[2], defaultProtocol); ok {
			out = append(out, rec)
		}
	}
	return out
}

func guessProtocol(port string) Protocol {
	switch port {
	case "1080", "1081", "1085", "9050", "9150", "4145":
		return ProtocolSOCKS5
	default:
		return ProtocolHTTP
	}
}

func splitHostPortLoose(s string) (host, port string, ok bool) {
	if strings.Count(s, ":") == 1 {
		host, port, _ = strings.Cut(s, ":")
		host, port = strings.TrimSpace(host), strings.TrimSpace(port)
	} else {
		h, p, err := net.SplitHostPort(s)
		if err != nil {
			return "", "", false
		}
		host, port = strings.Trim(h, "[]"), p
	}
	if net.ParseIP(host) == nil || !validPort(port) {
		return "", "", false
	}
	return host, port, true
}

func validPort(s string) bool {
	n, err := strconv.Atoi(s)
	if err != nil {
		return false
	}
	return n >= 1 && n <= 65535
}
