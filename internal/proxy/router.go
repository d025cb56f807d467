package proxy

import (
	"encoding/json"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// HeaderMatch is a case-insensitive header predicate: either an exact
// value or a glob pattern (mutually exclusive; glob wins if set).
type HeaderMatch struct {
	Name  string
	Value string
	Glob  string
}

// Status gates whether a route can ever be selected by Match. Only
// StatusActive routes are matched; the rest stay configured (visible
// on admin endpoints) but are skipped as if they didn't exist.
type Status string

const (
	StatusActive      Status = "active"
	StatusInactive    Status = "inactive"
	StatusDisabled    Status = "disabled"
	StatusMaintenance Status = "maintenance"
)

// Route describes one routable path family: its match predicates,
// rewrite behavior, and the set of upstream instances it load-balances
// across. Generalizes the teacher's single-upstream Route with the
// glob/method/header matching and priority ordering the full resolver
// needs.
type Route struct {
	Name         string
	PathGlob     string
	Methods      []string // empty = all methods
	Headers      []HeaderMatch
	Priority     int
	Upstream     *url.URL // legacy single-instance field, kept for BuildProxy callers
	Status       Status
	// StripPrefixSegments is the number of leading path segments
	// dropped from the request path before proxying (strip-prefix(n)).
	StripPrefixSegments int
	AddHeaders          map[string]string
	RemoveHeaders       []string
	PreserveHost        bool
	AuthRequired        bool
	RateLimit           RouteRateLimit
	Proxy               *httputil.ReverseProxy
}

// Active reports whether the route is selectable, treating an unset
// Status as active so route literals built before Status existed keep
// matching.
func (r *Route) Active() bool {
	return r.Status == "" || r.Status == StatusActive
}

type RouteRateLimit struct {
	Enabled bool
	RPS     float64
	Burst   float64
	Scope   string
}

// Router matches an incoming request against the configured routes
// using path glob, method set, and header predicates, falling back to
// priority then lexicographic route-name tie-break.
type Router struct {
	routes []Route
}

func New(routes []Route) (*Router, error) {
	if len(routes) == 0 {
		return nil, ErrNoRoutes
	}
	sort.SliceStable(routes, func(i, j int) bool {
		if routes[i].Priority != routes[j].Priority {
			return routes[i].Priority > routes[j].Priority
		}
		return routes[i].Name < routes[j].Name
	})
	return &Router{routes: routes}, nil
}

var ErrNoRoutes = &errString{s: "no routes"}

type errString struct{ s string }

func (e *errString) Error() string { return e.s }

// Match returns the highest-priority route whose predicates all match
// r, or nil.
func (rt *Router) Match(r *http.Request) *Route {
	for i := range rt.routes {
		if routeMatches(&rt.routes[i], r) {
			return &rt.routes[i]
		}
	}
	return nil
}

func routeMatches(route *Route, r *http.Request) bool {
	if !route.Active() {
		return false
	}
	if !pathMatches(route.PathGlob, r.URL.Path) {
		return false
	}
	if len(route.Methods) > 0 && !methodAllowed(route.Methods, r.Method) {
		return false
	}
	for _, hm := range route.Headers {
		if !headerMatches(hm, r) {
			return false
		}
	}
	return true
}

func pathMatches(glob, path string) bool {
	if glob == "" {
		return false
	}
	ok, _ := doublestar.Match(glob, strings.TrimPrefix(path, "/"))
	if ok {
		return true
	}
	ok, _ = doublestar.Match(glob, path)
	return ok
}

func methodAllowed(methods []string, method string) bool {
	for _, m := range methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

func headerMatches(hm HeaderMatch, r *http.Request) bool {
	v := r.Header.Get(hm.Name)
	if hm.Glob != "" {
		ok, _ := doublestar.Match(hm.Glob, strings.ToLower(v))
		return ok
	}
	return strings.EqualFold(v, hm.Value)
}

// BuildProxy constructs a streaming reverse proxy to up, keeping the
// teacher's Director/ErrorHandler shape. onRoundTripError, if non-nil,
// receives the raw transport error before the generic 502 body is
// written, so callers can classify timeouts separately.
func BuildProxy(up *url.URL, transport http.RoundTripper, onRoundTripError func(error)) *httputil.ReverseProxy {
	p := httputil.NewSingleHostReverseProxy(up)
	p.Transport = transport

	orig := p.Director
	p.Director = func(req *http.Request) {
		orig(req)
		req.Host = up.Host
	}

	p.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		if onRoundTripError != nil {
			onRoundTripError(err)
		}
		msg := ""
		code := http.StatusBadGateway
		if err != nil {
			msg = err.Error()
			if strings.Contains(msg, "request body too large") {
				code = http.StatusRequestEntityTooLarge
				msg = "request_too_large"
			}
		}
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": msg,
		})
	}

	return p
}

// StripPath drops the first n leading "/"-delimited segments of path
// (strip-prefix(n)), leaving a leading slash in place.
func StripPath(path string, n int) string {
	if n <= 0 {
		return path
	}
	trimmed := strings.TrimPrefix(path, "/")
	segments := strings.Split(trimmed, "/")
	if n >= len(segments) {
		return "/"
	}
	rest := strings.Join(segments[n:], "/")
	return "/" + rest
}
