package auth

import (
	"net/http"
	"strings"

	"github.com/3xpluto/go-api-gateway/internal/pipeline"
	"github.com/3xpluto/go-api-gateway/internal/reqctx"
)

// FilterConfig configures the auth filter's path exemptions and
// admin-role enforcement.
type FilterConfig struct {
	PathWhitelist []string // exact path prefixes that skip auth entirely
	AdminPrefix   string   // e.g. "/api/admin/"
	AdminRoles    []string // any of these roles satisfies the admin check
}

// Filter is the pipeline's auth verifier (C4): whitelist bypass,
// internal X-User-ID session lookup, bearer token validation via
// Validator, fail-closed revocation check, and admin-role gating.
type Filter struct {
	cfg        FilterConfig
	validator  Validator
	revocation RevocationSet
	sessions   SessionLookup
}

func NewFilter(cfg FilterConfig, validator Validator, revocation RevocationSet, sessions SessionLookup) *Filter {
	if revocation == nil {
		revocation = NoopRevocationSet{}
	}
	return &Filter{cfg: cfg, validator: validator, revocation: revocation, sessions: sessions}
}

func (f *Filter) Name() string { return "auth" }

func (f *Filter) Run(rc *reqctx.Context, w http.ResponseWriter, r *http.Request) pipeline.Outcome {
	for _, prefix := range f.cfg.PathWhitelist {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return pipeline.Continue()
		}
	}

	principal, err := f.authenticate(r)
	if err != nil {
		return pipeline.Error(pipeline.KindUnauthorized, err)
	}

	revoked, err := f.revocation.IsRevoked(r.Context(), principal.Subject)
	if err != nil || revoked {
		return pipeline.Error(pipeline.KindUnauthorized, err)
	}

	if f.cfg.AdminPrefix != "" && strings.HasPrefix(r.URL.Path, f.cfg.AdminPrefix) {
		if !hasAnyRole(principal, f.cfg.AdminRoles) {
			return pipeline.Error(pipeline.KindForbidden, nil)
		}
	}

	rc.Subject = principal.Subject
	rc.TenantID = principal.TenantID
	rc.Roles = principal.Roles
	return pipeline.Continue()
}

func (f *Filter) authenticate(r *http.Request) (Principal, error) {
	if f.sessions != nil {
		if uid := r.Header.Get("X-User-Id"); uid != "" {
			if p, ok, err := f.sessions.Lookup(r.Context(), uid); err == nil && ok {
				return p, nil
			}
		}
	}
	token := bearerToken(r)
	return f.validator.Validate(r.Context(), token)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

func hasAnyRole(p Principal, roles []string) bool {
	if len(roles) == 0 {
		roles = []string{"admin", "role_admin"}
	}
	for _, want := range roles {
		if p.HasRole(want) {
			return true
		}
	}
	return false
}
