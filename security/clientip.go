package security

import (
	"fmt"
	"net"
	"strings"
)

// IPMatcher matches addresses against a list of IPs and CIDR ranges.
type IPMatcher struct {
	nets []*net.IPNet
}

// NewIPMatcher parses entries like "10.0.0.0/8" or "203.0.113.7".
func NewIPMatcher(entries []string) (*IPMatcher, error) {
	m := &IPMatcher{}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.Contains(e, "/") {
			ip := net.ParseIP(e)
			if ip == nil {
				return nil, fmt.Errorf("invalid ip %q", e)
			}
			bits := 128
			if ip.To4() != nil {
				ip, bits = ip.To4(), 32
			}
			m.nets = append(m.nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(e)
		if err != nil {
			return nil, fmt.Errorf("invalid cidr %q: %w", e, err)
		}
		m.nets = append(m.nets, n)
	}
	return m, nil
}

func (m *IPMatcher) Empty() bool {
	return m == nil || len(m.nets) == 0
}

func (m *IPMatcher) Contains(addr string) bool {
	if m.Empty() {
		return false
	}
	ip := net.ParseIP(strings.TrimSpace(addr))
	if ip == nil {
		return false
	}
	for _, n := range m.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP derives the caller address. Forwarding headers are honoured only
// when the direct peer is a trusted proxy.
func ClientIP(peer, forwardedFor, realIP string, trusted *IPMatcher) string {
	peer = strings.TrimSpace(peer)
	if !trusted.Contains(peer) {
		return peer
	}
	if forwardedFor != "" {
		first := strings.TrimSpace(strings.Split(forwardedFor, ",")[0])
		if net.ParseIP(first) != nil {
			return first
		}
	}
	if ip := strings.TrimSpace(realIP); net.ParseIP(ip) != nil {
		return ip
	}
	return peer
}
