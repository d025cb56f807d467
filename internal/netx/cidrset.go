package netx

import (
	"fmt"
	"net"
	"strings"
)

type CIDRSet struct {
	nets []*net.IPNet
}

func ParseCIDRSet(items []string) (*CIDRSet, error) {
	set := &CIDRSet{}
	for _, raw := range items {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		// Allow plain IP shorthand
		if !strings.Contains(s, "/") {
			ip := net.ParseIP(s)
			if ip == nil {
				return nil, fmt.Errorf("invalid ip: %q", s)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			s = fmt.Sprintf("%s/%d", ip.String(), bits)
		}
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			return nil, fmt.Errorf("invalid cidr %q: %w", s, err)
		}
		set.nets = append(set.nets, n)
	}
	return set, nil
}

func (s *CIDRSet) Contains(ip net.IP) bool {
	if s == nil || len(s.nets) == 0 || ip == nil {
		return false
	}
	for _, n := range s.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// defaultTrustedCIDRs covers loopback and RFC1918 private ranges. The
// gateway always trusts them, merged with any configured trusted proxies.
var defaultTrustedCIDRs = []string{
	"127.0.0.1/8",
	"::1/128",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
}

// DefaultTrustedSet returns a CIDRSet seeded with loopback/RFC1918 ranges.
func DefaultTrustedSet() *CIDRSet {
	set, _ := ParseCIDRSet(defaultTrustedCIDRs)
	return set
}

// Merge returns a new set containing both sets' networks.
func (s *CIDRSet) Merge(other *CIDRSet) *CIDRSet {
	merged := &CIDRSet{}
	if s != nil {
		merged.nets = append(merged.nets, s.nets...)
	}
	if other != nil {
		merged.nets = append(merged.nets, other.nets...)
	}
	return merged
}
