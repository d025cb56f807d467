package route

import (
	"net/http"

	"github.com/3xpluto/go-api-gateway/internal/pipeline"
	"github.com/3xpluto/go-api-gateway/internal/proxy"
	"github.com/3xpluto/go-api-gateway/internal/reqctx"
)

const (
	AttrRoute    = "route.matched"
	AttrInstance = "route.instance"
	StickyCookie = "JSESSIONID"
)

// RouteSet bundles a route's matcher entry with its instance pool,
// keyed by route name. Built once from the config at startup; the
// resolver filter holds the same *RouteSet for its whole lifetime.
type RouteSet struct {
	Router    *proxy.Router
	Instances map[string]*InstanceSet
	Sticky    map[string]bool // route name -> sticky sessions enabled
}

// Filter is the pipeline's route resolver (C6): matches the request
// to a Route, then picks a healthy Instance from that route's pool.
type Filter struct {
	routes *RouteSet
}

func NewFilter(routes *RouteSet) *Filter {
	return &Filter{routes: routes}
}

func (f *Filter) Name() string { return "route_resolve" }

func (f *Filter) Run(rc *reqctx.Context, w http.ResponseWriter, r *http.Request) pipeline.Outcome {
	matched := f.routes.Router.Match(r)
	if matched == nil {
		return pipeline.Error(pipeline.KindNoRoute, nil)
	}
	rc.RouteName = matched.Name
	rc.Set(AttrRoute, matched)

	set, ok := f.routes.Instances[matched.Name]
	if !ok {
		return pipeline.Error(pipeline.KindNoInstance, nil)
	}

	stickyKey := ""
	if f.routes.Sticky[matched.Name] {
		if c, err := r.Cookie(StickyCookie); err == nil {
			stickyKey = c.Value
		}
	}

	inst := set.Pick(stickyKey)
	if inst == nil {
		return pipeline.Error(pipeline.KindNoInstance, nil)
	}
	rc.InstanceURL = inst.URL.String()
	rc.Set(AttrInstance, inst)
	return pipeline.Continue()
}
