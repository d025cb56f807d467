// Package clientid extracts and classifies the caller identity used
// by the rate limit engine and trace recorder: resolved IP, trust
// status, and a coarse user-agent class. Grounded on the teacher's
// internal/mw.IPResolver, generalized with an LRU memoization cache
// since resolution runs on the hot path of every request.
package clientid

import (
	"net"
	"net/http"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/3xpluto/go-api-gateway/internal/netx"
)

// Class is a coarse user-agent bucket used for rate-limit multipliers.
type Class string

const (
	ClassBrowser Class = "browser"
	ClassMobile  Class = "mobile"
	ClassBot     Class = "bot"
	ClassService Class = "service"
	ClassUnknown Class = "unknown"
)

// Identity is the resolved caller identity for one request.
type Identity struct {
	IP      string
	Trusted bool
	UAClass Class
}

// Resolver resolves client identity, trusting forwarded headers only
// from peers in the configured CIDR set.
type Resolver struct {
	Trusted *netx.CIDRSet
	cache   *lru.Cache[string, Identity]
}

// NewResolver builds a Resolver with an LRU memoization cache of size
// cacheSize (0 disables caching).
func NewResolver(trusted *netx.CIDRSet, cacheSize int) *Resolver {
	r := &Resolver{Trusted: trusted}
	if cacheSize > 0 {
		c, err := lru.New[string, Identity](cacheSize)
		if err == nil {
			r.cache = c
		}
	}
	return r
}

// Resolve returns the caller Identity for r, hitting the LRU cache
// when the (remote-addr, X-Forwarded-For, user-agent) triple has been
// seen before.
func (res *Resolver) Resolve(r *http.Request) Identity {
	key := r.RemoteAddr + "|" + r.Header.Get("X-Forwarded-For") + "|" + r.UserAgent()
	if res.cache != nil {
		if id, ok := res.cache.Get(key); ok {
			return id
		}
	}
	id := Identity{
		IP:      res.clientIP(r),
		UAClass: classifyUA(r.UserAgent()),
	}
	id.Trusted = res.Trusted.Contains(net.ParseIP(id.IP))
	if res.cache != nil {
		res.cache.Add(key, id)
	}
	return id
}

// clientIP mirrors the teacher's forwarded-header resolution: only
// trust X-Forwarded-For / X-Real-Ip when RemoteAddr is in the trusted
// CIDR set, otherwise fall back to the raw peer address.
func (res *Resolver) clientIP(r *http.Request) string {
	remoteIP := parseRemoteIP(r.RemoteAddr)
	if res.Trusted.Contains(net.ParseIP(remoteIP)) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			return strings.TrimSpace(parts[0])
		}
		if xr := r.Header.Get("X-Real-Ip"); xr != "" {
			return strings.TrimSpace(xr)
		}
	}
	if remoteIP != "" {
		return remoteIP
	}
	return r.RemoteAddr
}

func parseRemoteIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err == nil {
		return host
	}
	if net.ParseIP(remoteAddr) != nil {
		return remoteAddr
	}
	return ""
}

func classifyUA(ua string) Class {
	lower := strings.ToLower(ua)
	switch {
	case lower == "":
		return ClassUnknown
	case strings.Contains(lower, "bot") || strings.Contains(lower, "crawler") || strings.Contains(lower, "spider"):
		return ClassBot
	case strings.Contains(lower, "mobile") || strings.Contains(lower, "android") || strings.Contains(lower, "iphone"):
		return ClassMobile
	case strings.Contains(lower, "mozilla") || strings.Contains(lower, "chrome") || strings.Contains(lower, "safari") || strings.Contains(lower, "firefox"):
		return ClassBrowser
	case strings.Contains(lower, "curl") || strings.Contains(lower, "okhttp") || strings.Contains(lower, "go-http-client"):
		return ClassService
	default:
		return ClassUnknown
	}
}
