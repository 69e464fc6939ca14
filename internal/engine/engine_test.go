package engine_test

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/bilusteknoloji/pipdep/internal/candidate"
	"github.com/bilusteknoloji/pipdep/internal/engine"
	"github.com/bilusteknoloji/pipdep/internal/requirement"
	"github.com/bilusteknoloji/pipdep/internal/version"
)

// release describes one package@version in the fake index: its raw
// requires_dist strings.
type release struct {
	version string
	deps    []string
}

// fakeIndex answers both CandidateProvider and DependencyLister directly
// from an in-memory table, skipping C1/C2/C3 wiring so the engine's search
// behavior can be tested in isolation.
type fakeIndex struct {
	releases map[requirement.Name][]release
}

func (f *fakeIndex) Candidates(_ context.Context, name requirement.Name, required version.SpecifierSet, env requirement.Environment, cap *int) ([]candidate.Candidate, error) {
	var cands []candidate.Candidate

	for _, r := range f.releases[name] {
		v, err := version.Parse(r.version)
		if err != nil {
			continue
		}

		if !required.Contains(v, env.AllowPreReleases) {
			continue
		}

		cands = append(cands, candidate.Candidate{Name: name, Version: v})
	}

	sort.Slice(cands, func(i, j int) bool { return cands[i].Version.GreaterThan(cands[j].Version) })

	if cap != nil && *cap < len(cands) {
		cands = cands[:*cap]
	}

	return cands, nil
}

func (f *fakeIndex) Dependencies(_ context.Context, name requirement.Name, ver string) ([]string, error) {
	for _, r := range f.releases[name] {
		if r.version == ver {
			return r.deps, nil
		}
	}

	return nil, nil
}

func n(s string) requirement.Name { return requirement.Canonicalize(s) }

func reqs(t *testing.T, raws ...string) []requirement.Requirement {
	t.Helper()

	out := make([]requirement.Requirement, 0, len(raws))

	for _, raw := range raws {
		r, err := requirement.Parse(raw)
		if err != nil {
			t.Fatalf("parsing requirement %q: %v", raw, err)
		}

		out = append(out, r)
	}

	return out
}

func TestResolveSimpleChain(t *testing.T) {
	idx := &fakeIndex{releases: map[requirement.Name][]release{
		n("a"): {{version: "1.0.0", deps: []string{"b>=1.0"}}},
		n("b"): {{version: "1.0.0"}, {version: "2.0.0"}},
	}}

	e := engine.New(idx, idx, requirement.Environment{})

	result, err := e.Resolve(context.Background(), reqs(t, "a"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if result.Assignment[n("a")].Version.String() != "1.0.0" {
		t.Errorf("a = %s, want 1.0.0", result.Assignment[n("a")].Version.String())
	}

	if result.Assignment[n("b")].Version.String() != "2.0.0" {
		t.Errorf("b = %s, want 2.0.0 (newest satisfying >=1.0)", result.Assignment[n("b")].Version.String())
	}
}

func TestResolveBacktracksOnIncompatibleSharedDependency(t *testing.T) {
	// a@1.0 wants b==1.0; c wants b==2.0. No assignment of b satisfies both,
	// so the whole resolve must fail as a Conflict.
	idx := &fakeIndex{releases: map[requirement.Name][]release{
		n("a"): {{version: "1.0.0", deps: []string{"b==1.0"}}},
		n("c"): {{version: "1.0.0", deps: []string{"b==2.0"}}},
		n("b"): {{version: "1.0.0"}, {version: "2.0.0"}},
	}}

	e := engine.New(idx, idx, requirement.Environment{})

	_, err := e.Resolve(context.Background(), reqs(t, "a", "c"))
	if err == nil {
		t.Fatal("expected a conflict, got success")
	}

	var conflict *engine.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected *engine.ConflictError, got %T: %v", err, err)
	}
}

func TestResolveNoCompatibleVersionsIsConflict(t *testing.T) {
	idx := &fakeIndex{releases: map[requirement.Name][]release{
		n("a"): {{version: "1.0.0"}},
	}}

	e := engine.New(idx, idx, requirement.Environment{})

	_, err := e.Resolve(context.Background(), reqs(t, "a>=2.0"))
	if err == nil {
		t.Fatal("expected a conflict, got success")
	}

	var conflict *engine.ConflictError
	if !errors.As(err, &conflict) || conflict.Package != n("a") {
		t.Fatalf("expected conflict on package a, got %v", err)
	}
}

func TestResolveBacktracksToEarlierCandidateOnConflict(t *testing.T) {
	// a has two versions: 2.0 requires a release of d that doesn't exist,
	// 1.0 requires a release that does. The engine must try 2.0 first
	// (newest), recurse into a doomed frame for d, backtrack, and fall
	// back to a@1.0.
	idx := &fakeIndex{releases: map[requirement.Name][]release{
		n("a"): {
			{version: "1.0.0", deps: []string{"d>=1.0"}},
			{version: "2.0.0", deps: []string{"d>=2.0"}},
		},
		n("d"): {{version: "1.0.0"}},
	}}

	e := engine.New(idx, idx, requirement.Environment{})

	result, err := e.Resolve(context.Background(), reqs(t, "a"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if result.Assignment[n("a")].Version.String() != "1.0.0" {
		t.Errorf("a = %s, want 1.0.0 after backtracking off 2.0.0", result.Assignment[n("a")].Version.String())
	}

	if result.Stats.Backtracks == 0 {
		t.Error("expected at least one recorded backtrack")
	}
}

func TestResolveConflictCarriesStats(t *testing.T) {
	// Same fixture as TestResolveBacktracksToEarlierCandidateOnConflict, but
	// d has no releases at all, so even the fallback a@1.0 branch fails and
	// the whole resolve ends in a Conflict. The ConflictError returned must
	// still carry the accumulated Stats, not the zero value.
	idx := &fakeIndex{releases: map[requirement.Name][]release{
		n("a"): {
			{version: "1.0.0", deps: []string{"d>=1.0"}},
			{version: "2.0.0", deps: []string{"d>=2.0"}},
		},
	}}

	e := engine.New(idx, idx, requirement.Environment{})

	_, err := e.Resolve(context.Background(), reqs(t, "a"))
	if err == nil {
		t.Fatal("expected a conflict, got success")
	}

	var conflict *engine.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected *engine.ConflictError, got %T: %v", err, err)
	}

	if conflict.Stats.Steps == 0 {
		t.Error("expected conflict to carry nonzero Steps")
	}

	if conflict.Stats.Backtracks == 0 {
		t.Error("expected conflict to carry nonzero Backtracks")
	}
}

func TestResolveStatsCountSteps(t *testing.T) {
	idx := &fakeIndex{releases: map[requirement.Name][]release{
		n("a"): {{version: "1.0.0"}},
	}}

	e := engine.New(idx, idx, requirement.Environment{})

	result, err := e.Resolve(context.Background(), reqs(t, "a"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if result.Stats.Steps == 0 {
		t.Error("expected at least one recorded step")
	}
}

func TestResolveRespectsFixedConstraint(t *testing.T) {
	idx := &fakeIndex{releases: map[requirement.Name][]release{
		n("a"): {{version: "1.0.0", deps: []string{"b>=1.0"}}},
		n("b"): {{version: "1.0.0"}, {version: "2.0.0"}},
	}}

	e := engine.New(idx, idx, requirement.Environment{})

	result, err := e.Resolve(context.Background(), reqs(t, "a", "b==1.0"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if result.Assignment[n("b")].Version.String() != "1.0.0" {
		t.Errorf("b = %s, want 1.0.0 (fixed)", result.Assignment[n("b")].Version.String())
	}
}

func TestResolveCancellation(t *testing.T) {
	idx := &fakeIndex{releases: map[requirement.Name][]release{
		n("a"): {{version: "1.0.0"}},
	}}

	e := engine.New(idx, idx, requirement.Environment{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Resolve(ctx, reqs(t, "a"))
	if !errors.Is(err, engine.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestResolveDropsDependencyWithFalseMarker(t *testing.T) {
	idx := &fakeIndex{releases: map[requirement.Name][]release{
		n("a"): {{version: "1.0.0", deps: []string{`b>=1.0; python_version < "3.0"`}}},
	}}

	py, _ := version.Parse("3.11")
	e := engine.New(idx, idx, requirement.Environment{Python: &py})

	result, err := e.Resolve(context.Background(), reqs(t, "a"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if _, ok := result.Assignment[n("b")]; ok {
		t.Error("expected b to be excluded by a false marker")
	}
}
