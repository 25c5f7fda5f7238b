package registry

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

const (
	// OneInchAPIRoot is the direct aggregator API root; requests need a bearer key.
	OneInchAPIRoot = "https://api.1inch.dev/swap/v6.0"
)

// AggregatorBaseURL returns the direct aggregator base for a chain.
func AggregatorBaseURL(chainID int64) string {
	return fmt.Sprintf("%s/%d", OneInchAPIRoot, chainID)
}

// ProxyBaseURL joins a same-origin proxy root with the chain segment. A proxy
// root that already ends in the chain ID is returned as is.
func ProxyBaseURL(proxyRoot string, chainID int64) string {
	root := strings.TrimRight(strings.TrimSpace(proxyRoot), "/")
	suffix := fmt.Sprintf("/%d", chainID)
	if strings.HasSuffix(root, suffix) {
		return root
	}
	return root + suffix
}

// IsAllowedRemoteURL accepts https endpoints and plain http on loopback hosts.
// It guards the aggregator proxy and wallet host settings.
func IsAllowedRemoteURL(endpoint string) bool {
	parsed, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return false
	}
	if strings.TrimSpace(parsed.Hostname()) == "" {
		return false
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if isLoopbackHost(parsed.Hostname()) {
		return scheme == "http" || scheme == "https"
	}
	return scheme == "https"
}

func isLoopbackHost(host string) bool {
	h := strings.TrimSpace(strings.ToLower(host))
	if h == "localhost" {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
