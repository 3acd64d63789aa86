package util

import (
	"net"
	"strings"
)

// IPVerifier checks remote addresses against the --ipWhitelist entries.
// Entries are exact addresses, CIDR ranges, dotted wildcards such as
// 192.168.*.* or "*" for everyone. "localhost" stands for both loopback
// addresses.
type IPVerifier struct {
	allowAll bool
	exact    map[string]bool
	networks []*net.IPNet
	patterns [][]string
}

// NewIPVerifier creates a verifier for whitelist
func NewIPVerifier(whitelist []string) *IPVerifier {
	v := &IPVerifier{exact: map[string]bool{}}
	for _, entry := range whitelist {
		entry = strings.TrimSpace(entry)
		switch {
		case entry == "":
		case entry == "*":
			v.allowAll = true
		case entry == "localhost":
			v.exact["127.0.0.1"] = true
			v.exact["::1"] = true
		case strings.Contains(entry, "/"):
			if _, network, err := net.ParseCIDR(entry); err == nil {
				v.networks = append(v.networks, network)
			}
		case strings.Contains(entry, "*"):
			v.patterns = append(v.patterns, strings.Split(entry, "."))
		default:
			v.exact[normalizeIP(entry)] = true
		}
	}
	return v
}

// IsAllowed reports whether a request from address (host or host:port)
// may proceed. Rejections are logged at warn level.
func (v *IPVerifier) IsAllowed(address string, logger *Logger) bool {
	if v.allowAll {
		return true
	}

	host, _, err := net.SplitHostPort(address)
	if err != nil {
		host = address
	}
	host = normalizeIP(host)

	if v.allows(host) {
		return true
	}
	if logger != nil {
		logger.Warnf("Blocking request from %s", address)
	}
	return false
}

func (v *IPVerifier) allows(host string) bool {
	if v.exact[host] {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		for _, network := range v.networks {
			if network.Contains(ip) {
				return true
			}
		}
	}
	parts := strings.Split(host, ".")
	for _, pattern := range v.patterns {
		if wildcardMatch(parts, pattern) {
			return true
		}
	}
	return false
}

func wildcardMatch(parts, pattern []string) bool {
	if len(parts) != len(pattern) {
		return false
	}
	for i := range parts {
		if pattern[i] != "*" && pattern[i] != parts[i] {
			return false
		}
	}
	return true
}

// normalizeIP strips zones and IPv4-mapped prefixes so ::ffff:127.0.0.1
// compares equal to 127.0.0.1
func normalizeIP(host string) string {
	host = strings.Trim(host, "[]")
	if i := strings.IndexByte(host, '%'); i >= 0 {
		host = host[:i]
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return host
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}
