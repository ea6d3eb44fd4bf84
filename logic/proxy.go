package logic

import (
	"fmt"
	"strings"
	"time"
)

type Protocol string

const (
	ProtocolHTTP   Protocol = "http"
	ProtocolSOCKS5 Protocol = "socks5"
)

// Protocols lists every protocol class that gets its own pool and listener.
var Protocols = []Protocol{ProtocolHTTP, ProtocolSOCKS5}

// ParseProtocol accepts the spellings used by sources and the dashboard.
// "all" and "" map to the empty Protocol, which List treats as no filter.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return "", nil
	case "http", "https":
		return ProtocolHTTP, nil
	case "socks5", "socks5h":
		return ProtocolSOCKS5, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedProtocol, s)
	}
}

func (p Protocol) Valid() bool {
	return p == ProtocolHTTP || p == ProtocolSOCKS5
}

type Anonymity string

const (
	AnonymityUnknown     Anonymity = "unknown"
	AnonymityTransparent Anonymity = "transparent"
	AnonymityAnonymous   Anonymity = "anonymous"
	AnonymityElite       Anonymity = "elite"
)

// Key identifies a record in the store.
type Key struct {
	Protocol Protocol `json:"protocol"`
	Address  string   `json:"address"`
}

func (k Key) String() string {
	if k.Protocol == "" {
		return k.Address
	}
	return string(k.Protocol) + "://" + k.Address
}

type ProxyRecord struct {
	Address  string   `json:"address"`
	Protocol Protocol `json:"protocol"`
	User     string   `json:"-"`
	Pass     string   `json:"-"`
	Source   string   `json:"source,omitempty"`
	Region   string   `json:"region,omitempty"`

	PingMS    *int64    `json:"ping_ms"`
	SpeedKbps *float64  `json:"speed_kbps"`
	Anonymity Anonymity `json:"anonymity"`

	Score               float64   `json:"score"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastValidatedAt     time.Time `json:"last_validated_at"`
}

func (r ProxyRecord) Key() Key {
	return Key{Protocol: r.Protocol, Address: r.Address}
}

func (r ProxyRecord) String() string {
	return r.Key().String()
}

// Validated reports whether the last probe succeeded.
func (r ProxyRecord) Validated() bool {
	return r.PingMS != nil && r.SpeedKbps != nil
}

// Excluded reports whether the record has failed too often to be ranked.
func (r ProxyRecord) Excluded(maxFailures int) bool {
	return maxFailures > 0 && r.ConsecutiveFailures >= maxFailures
}

// Eligible records can be rotated into.
func (r ProxyRecord) Eligible(maxFailures int) bool {
	return r.Validated() && !r.Excluded(maxFailures)
}

func (r ProxyRecord) clone() ProxyRecord {
	out := r
	if r.PingMS != nil {
		v := *r.PingMS
		out.PingMS = &v
	}
	if r.SpeedKbps != nil {
		v := *r.SpeedKbps
		out.SpeedKbps = &v
	}
	return out
}

func newCandidate(protocol Protocol, address, source string) ProxyRecord {
	return ProxyRecord{
		Address:   address,
		Protocol:  protocol,
		Source:    source,
		Anonymity: AnonymityUnknown,
		Score:     MinScore,
	}
}
