package proxy

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMatchPriorityBeatsGlob(t *testing.T) {
	r, err := New([]Route{
		{Name: "a", PathGlob: "api/**", Priority: 0},
		{Name: "b", PathGlob: "api/users/**", Priority: 10},
	})
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/users/me", nil)
	m := r.Match(req)
	if m == nil || m.Name != "b" {
		t.Fatalf("expected higher-priority route b, got %#v", m)
	}
}

func TestMatchMethodFilter(t *testing.T) {
	r, err := New([]Route{
		{Name: "writes", PathGlob: "api/**", Methods: []string{"POST"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	get := httptest.NewRequest(http.MethodGet, "/api/widgets", nil)
	if m := r.Match(get); m != nil {
		t.Fatalf("expected no match for GET, got %#v", m)
	}
	post := httptest.NewRequest(http.MethodPost, "/api/widgets", nil)
	if m := r.Match(post); m == nil {
		t.Fatalf("expected match for POST")
	}
}

func TestStripPath(t *testing.T) {
	got := StripPath("/api/users/me", 1)
	if got != "/users/me" {
		t.Fatalf("expected /users/me, got %q", got)
	}
}

func TestStripPathDropsMultipleSegments(t *testing.T) {
	got := StripPath("/api/v1/users/me", 2)
	if got != "/users/me" {
		t.Fatalf("expected /users/me, got %q", got)
	}
}

func TestStripPathBeyondPathLengthYieldsRoot(t *testing.T) {
	got := StripPath("/api", 5)
	if got != "/" {
		t.Fatalf("expected /, got %q", got)
	}
}

func TestStripPathZeroIsNoop(t *testing.T) {
	got := StripPath("/api/users/me", 0)
	if got != "/api/users/me" {
		t.Fatalf("expected unchanged path, got %q", got)
	}
}

func TestMatchSkipsNonActiveRoute(t *testing.T) {
	r, err := New([]Route{
		{Name: "old", PathGlob: "api/**", Status: StatusDisabled},
	})
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/widgets", nil)
	if m := r.Match(req); m != nil {
		t.Fatalf("expected disabled route to never match, got %#v", m)
	}
}
