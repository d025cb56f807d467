package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/3xpluto/go-api-gateway/internal/pipeline"
	"github.com/3xpluto/go-api-gateway/internal/reqctx"
)

func runFilter(f *Filter, req *http.Request) pipeline.Outcome {
	rc := reqctx.New(req)
	return f.Run(rc, httptest.NewRecorder(), req)
}

func TestFilterBypassesWhitelistedPaths(t *testing.T) {
	f := NewFilter(FilterConfig{PathWhitelist: []string{"/public/"}}, NewHMACValidator([]byte("s")), nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/public/ping", nil)
	out := runFilter(f, req)
	if !out.IsContinue() {
		t.Fatalf("expected whitelisted path to continue, got %+v", out)
	}
}

func TestFilterRejectsMissingToken(t *testing.T) {
	f := NewFilter(FilterConfig{}, NewHMACValidator([]byte("s")), nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/private", nil)
	out := runFilter(f, req)
	if out.Kind != pipeline.KindUnauthorized {
		t.Fatalf("expected unauthorized, got %+v", out)
	}
}

func TestFilterAcceptsValidBearerToken(t *testing.T) {
	secret := []byte("s")
	f := NewFilter(FilterConfig{}, NewHMACValidator(secret), nil, nil)
	tok := signHS256(t, secret, jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(time.Hour).Unix()})

	req := httptest.NewRequest(http.MethodGet, "/api/private", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rc := reqctx.New(req)
	out := f.Run(rc, httptest.NewRecorder(), req)
	if !out.IsContinue() {
		t.Fatalf("expected valid token to continue, got %+v", out)
	}
	if rc.Subject != "u1" {
		t.Fatalf("expected subject to be set on the request context, got %q", rc.Subject)
	}
}

func TestFilterEnforcesAdminRoleOnAdminPrefix(t *testing.T) {
	secret := []byte("s")
	f := NewFilter(FilterConfig{AdminPrefix: "/admin/"}, NewHMACValidator(secret), nil, nil)

	plainTok := signHS256(t, secret, jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(time.Hour).Unix()})
	req := httptest.NewRequest(http.MethodGet, "/admin/routes", nil)
	req.Header.Set("Authorization", "Bearer "+plainTok)
	out := runFilter(f, req)
	if out.Kind != pipeline.KindForbidden {
		t.Fatalf("expected forbidden for a non-admin subject, got %+v", out)
	}

	adminTok := signHS256(t, secret, jwt.MapClaims{"sub": "u2", "roles": []any{"admin"}, "exp": time.Now().Add(time.Hour).Unix()})
	req2 := httptest.NewRequest(http.MethodGet, "/admin/routes", nil)
	req2.Header.Set("Authorization", "Bearer "+adminTok)
	out2 := runFilter(f, req2)
	if !out2.IsContinue() {
		t.Fatalf("expected admin subject to continue, got %+v", out2)
	}
}

type alwaysRevoked struct{}

func (alwaysRevoked) IsRevoked(ctx context.Context, subject string) (bool, error) { return true, nil }

func TestFilterRejectsRevokedSubject(t *testing.T) {
	secret := []byte("s")
	f := NewFilter(FilterConfig{}, NewHMACValidator(secret), alwaysRevoked{}, nil)
	tok := signHS256(t, secret, jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(time.Hour).Unix()})
	req := httptest.NewRequest(http.MethodGet, "/api/private", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	out := runFilter(f, req)
	if out.Kind != pipeline.KindUnauthorized {
		t.Fatalf("expected unauthorized for a revoked subject, got %+v", out)
	}
}

type erroringRevocation struct{}

func (erroringRevocation) IsRevoked(ctx context.Context, subject string) (bool, error) {
	return false, errRevocationStoreDown
}

var errRevocationStoreDown = errors.New("revocation store down")

func TestFilterFailsClosedOnRevocationStoreError(t *testing.T) {
	secret := []byte("s")
	f := NewFilter(FilterConfig{}, NewHMACValidator(secret), erroringRevocation{}, nil)
	tok := signHS256(t, secret, jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(time.Hour).Unix()})
	req := httptest.NewRequest(http.MethodGet, "/api/private", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	out := runFilter(f, req)
	if out.Kind != pipeline.KindUnauthorized {
		t.Fatalf("expected fail-closed unauthorized on revocation store error, got %+v", out)
	}
}
