package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bilusteknoloji/pipdep/internal/api"
	"github.com/bilusteknoloji/pipdep/internal/requirement"
	"github.com/bilusteknoloji/pipdep/internal/version"
)

// release describes one fake package release: its raw requires_dist
// strings and whether it's yanked.
type release struct {
	deps   []string
	yanked bool
}

// fakeStore is a full metadata.Store backed by an in-memory fixture,
// exercising the whole request -> validate -> resolve -> emit pipeline
// without a real database.
type fakeStore struct {
	releases map[string]map[string]release // name -> version -> release
}

func (f *fakeStore) AvailableVersions(_ context.Context, name requirement.Name) ([]string, error) {
	vers := f.releases[string(name)]

	out := make([]string, 0, len(vers))
	for v := range vers {
		out = append(out, v)
	}

	return out, nil
}

func (f *fakeStore) Dependencies(_ context.Context, name requirement.Name, ver string) ([]string, error) {
	rel, ok := f.releases[string(name)][ver]
	if !ok {
		return nil, nil
	}

	return rel.deps, nil
}

func (f *fakeStore) RequiresPython(_ context.Context, _ requirement.Name, _ string) (version.SpecifierSet, bool, error) {
	return version.Universal, false, nil
}

func (f *fakeStore) Yanked(_ context.Context, name requirement.Name, ver string) (bool, error) {
	return f.releases[string(name)][ver].yanked, nil
}

func (f *fakeStore) Exists(_ context.Context, name requirement.Name, spec version.SpecifierSet) (bool, error) {
	for v := range f.releases[string(name)] {
		pv, err := version.Parse(v)
		if err == nil && spec.Contains(pv, true) {
			return true, nil
		}
	}

	return false, nil
}

func newServer(releases map[string]map[string]release) *httptest.Server {
	store := &fakeStore{releases: releases}
	srv := api.New(store)

	return httptest.NewServer(srv.Routes())
}

func postResolve(t *testing.T, srv *httptest.Server, body string) (int, map[string]any) {
	t.Helper()

	resp, err := http.Post(srv.URL+"/resolve", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /resolve: %v", err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decoding response: %v", err)
	}

	return resp.StatusCode, decoded
}

func TestIndexIsLive(t *testing.T) {
	srv := newServer(nil)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

// TestResolveTrivialChain covers a simple linear dependency chain with a
// single candidate at each level (S1).
func TestResolveTrivialChain(t *testing.T) {
	srv := newServer(map[string]map[string]release{
		"flask": {"2.0.0": release{deps: []string{"click>=8.0"}}},
		"click": {"8.1.0": release{}},
	})
	defer srv.Close()

	status, body := postResolve(t, srv, `{"wants": ["flask"]}`)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %v", status, body)
	}

	if body["status"] != "ok" {
		t.Fatalf("status field = %v, want ok", body["status"])
	}

	plan, ok := body["install_plan"].([]any)
	if !ok || len(plan) != 2 {
		t.Fatalf("install_plan = %v, want 2 entries", body["install_plan"])
	}

	// click must precede flask: it's flask's dependency.
	first := plan[0].(map[string]any)
	if first["package"] != "click" {
		t.Errorf("first entry = %v, want click", first["package"])
	}
}

// TestResolveBacktracks covers a scenario where the newest candidate for a
// package leads to a dead end one frame down, forcing the engine to
// backtrack and retry with an older candidate (S2).
func TestResolveBacktracks(t *testing.T) {
	srv := newServer(map[string]map[string]release{
		"a": {
			"2.0.0": release{deps: []string{"d>=2.0"}},
			"1.0.0": release{deps: []string{"d>=1.0"}},
		},
		"d": {"1.0.0": release{}},
	})
	defer srv.Close()

	status, body := postResolve(t, srv, `{"wants": ["a"]}`)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %v", status, body)
	}

	stats, ok := body["stats"].(map[string]any)
	if !ok {
		t.Fatalf("missing stats in %v", body)
	}

	if stats["backtracks"].(float64) < 1 {
		t.Errorf("expected at least one backtrack, got %v", stats["backtracks"])
	}
}

// TestResolveRejectsNonexistentFixedVersion confirms a fixed specifier
// that matches no recorded release is rejected at validation, before the
// engine ever runs.
func TestResolveRejectsNonexistentFixedVersion(t *testing.T) {
	srv := newServer(map[string]map[string]release{
		"app": {"1.0.0": release{deps: []string{"pkg>=1.0"}}},
		"pkg": {"1.0.0": release{}, "2.0.0": release{}},
	})
	defer srv.Close()

	status, body := postResolve(t, srv, `{"wants": ["app"], "fixed": {"pkg": "==3.0.0"}}`)

	if status != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422 (nonexistent fixed release), body = %v", status, body)
	}
}

// TestResolveFixedPin confirms a fixed specifier on a transitive
// dependency narrows which release of it is chosen (S4).
func TestResolveFixedPin(t *testing.T) {
	srv := newServer(map[string]map[string]release{
		"app": {"1.0.0": release{deps: []string{"pkg>=1.0"}}},
		"pkg": {"1.0.0": release{}, "2.0.0": release{}},
	})
	defer srv.Close()

	status, body := postResolve(t, srv, `{"wants": ["app"], "fixed": {"pkg": "==1.0.0"}}`)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %v", status, body)
	}

	plan := body["install_plan"].([]any)

	var pkgEntry map[string]any

	for _, e := range plan {
		entry := e.(map[string]any)
		if entry["package"] == "pkg" {
			pkgEntry = entry
		}
	}

	if pkgEntry == nil {
		t.Fatalf("pkg missing from install_plan: %v", plan)
	}

	if pkgEntry["version"] != "1.0.0" {
		t.Errorf("version = %v, want 1.0.0", pkgEntry["version"])
	}
}

// TestResolveYankedDemotion confirms a non-yanked older release is
// preferred over a yanked newer one (S5).
func TestResolveYankedDemotion(t *testing.T) {
	srv := newServer(map[string]map[string]release{
		"pkg": {
			"2.0.0": release{yanked: true},
			"1.0.0": release{},
		},
	})
	defer srv.Close()

	status, body := postResolve(t, srv, `{"wants": ["pkg"]}`)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %v", status, body)
	}

	plan := body["install_plan"].([]any)
	entry := plan[0].(map[string]any)

	if entry["version"] != "1.0.0" {
		t.Errorf("version = %v, want 1.0.0 (yanked 2.0.0 should be demoted)", entry["version"])
	}
}

// TestResolvePreReleaseOnlyPackageRequiresAllowance covers the boundary
// case where a package's only recorded release is a pre-release: it must
// fail to resolve by default and succeed once allow_prereleases is set.
func TestResolvePreReleaseOnlyPackageRequiresAllowance(t *testing.T) {
	srv := newServer(map[string]map[string]release{
		"pkg": {"1.0.0a1": release{}},
	})
	defer srv.Close()

	status, body := postResolve(t, srv, `{"wants": ["pkg"]}`)
	if status != http.StatusConflict {
		t.Fatalf("status = %d, want 409 without allowance, body = %v", status, body)
	}

	status, body = postResolve(t, srv, `{"wants": ["pkg"], "allow_prereleases": true}`)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200 with allowance, body = %v", status, body)
	}

	plan := body["install_plan"].([]any)
	entry := plan[0].(map[string]any)

	if entry["version"] != "1.0.0a1" {
		t.Errorf("version = %v, want 1.0.0a1", entry["version"])
	}
}

func TestResolveRejectsUnknownField(t *testing.T) {
	srv := newServer(map[string]map[string]release{
		"pkg": {"1.0.0": release{}},
	})
	defer srv.Close()

	status, _ := postResolve(t, srv, `{"wants": ["pkg"], "bogus": true}`)
	if status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", status)
	}
}

func TestResolveConflictResponseShape(t *testing.T) {
	srv := newServer(map[string]map[string]release{
		"a": {"1.0.0": release{deps: []string{"shared==1.0.0"}}},
		"b": {"1.0.0": release{deps: []string{"shared==2.0.0"}}},
		"shared": {
			"1.0.0": release{},
			"2.0.0": release{},
		},
	})
	defer srv.Close()

	status, body := postResolve(t, srv, `{"wants": ["a", "b"]}`)
	if status != http.StatusConflict {
		t.Fatalf("status = %d, want 409, body = %v", status, body)
	}

	if body["status"] != "conflict" {
		t.Errorf("status field = %v, want conflict", body["status"])
	}

	if _, ok := body["debug_info"].(map[string]any); !ok {
		t.Errorf("missing debug_info in %v", body)
	}

	stats, ok := body["stats"].(map[string]any)
	if !ok {
		t.Fatalf("missing stats in conflict response: %v", body)
	}

	if stats["steps"].(float64) == 0 {
		t.Errorf("conflict stats.steps = %v, want nonzero", stats["steps"])
	}
}
