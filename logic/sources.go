package logic

import (
	"fmt"
	"strings"
)

// ProxySource is a plain-text list of proxies, one per line.
type ProxySource struct {
	URL      string `mapstructure:"url" json:"url" validate:"required,url"`
	Protocol string `mapstructure:"protocol" json:"protocol,omitempty"` // http | socks5 | auto
}

func (s ProxySource) Validate() error {
	switch strings.ToLower(strings.TrimSpace(s.Protocol)) {
	case "", "auto", string(ProtocolHTTP), string(ProtocolSOCKS5), "https", "socks5h":
		return nil
	default:
		return fmt.Errorf("%w: source %s has protocol %q", ErrUnsupportedProtocol, s.URL, s.Protocol)
	}
}

type Sources []ProxySource

func (s Sources) Validate() error {
	for _, src := range s {
		if err := src.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func DefaultSources() Sources {
	return Sources{
		{URL: "https://raw.githubusercontent.com/TheSpeedX/PROXY-List/master/http.txt", Protocol: string(ProtocolHTTP)},
		{URL: "https://api.proxyscrape.com/v3/free-proxy-list/get?request=displayproxies&protocol=http", Protocol: string(ProtocolHTTP)},
		{URL: "https://raw.githubusercontent.com/TheSpeedX/PROXY-List/master/socks5.txt", Protocol: string(ProtocolSOCKS5)},
		{URL: "https://api.proxyscrape.com/v3/free-proxy-list/get?request=displayproxies&protocol=socks5", Protocol: string(ProtocolSOCKS5)},
	}
}
