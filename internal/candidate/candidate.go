// Package candidate implements the candidate provider (C3): given a
// package name and the constraint currently accumulated against it, it
// asks the metadata store for every recorded version, filters and
// decorates them, and returns a deterministically ordered list the engine
// can iterate over unmodified.
package candidate

import (
	"context"
	"fmt"
	"sort"

	"github.com/bilusteknoloji/pipdep/internal/metadata"
	"github.com/bilusteknoloji/pipdep/internal/requirement"
	"github.com/bilusteknoloji/pipdep/internal/version"
)

// Candidate is a release decorated with the two attributes C3 uses purely
// for ordering. It carries no other hidden state; the engine treats it as
// an opaque, already-filtered choice.
type Candidate struct {
	Name    requirement.Name
	Version version.Version
	Yanked  bool
	Risk    int
}

// Provider implements candidates() against a metadata.Store.
type Provider struct {
	store metadata.Store
}

// New builds a Provider over store.
func New(store metadata.Store) *Provider {
	return &Provider{store: store}
}

// Candidates returns the ordered candidate list for name under required,
// per the environment env. A nil cap means unbounded.
//
// Steps, matching the provider's fixed algorithm:
//  1. fetch and parse available_versions, dropping unparseable strings;
//  2. drop versions outside required (pre-releases excluded unless
//     required itself names one, or env allows them);
//  3. if env.Python is set, drop versions whose requires_python excludes it;
//  4. attach yanked and risk metadata;
//  5. sort descending by version;
//  6. stable-partition non-yanked before yanked, zero-risk before risky;
//  7. truncate to cap if set.
func (p *Provider) Candidates(
	ctx context.Context,
	name requirement.Name,
	required version.SpecifierSet,
	env requirement.Environment,
	cap *int,
) ([]Candidate, error) {
	raw, err := p.store.AvailableVersions(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("listing versions for %s: %w", name, err)
	}

	type parsed struct {
		v version.Version
	}

	var versions []parsed

	for _, s := range raw {
		v, err := version.Parse(s)
		if err != nil {
			continue
		}

		if !required.Contains(v, env.AllowPreReleases) {
			continue
		}

		versions = append(versions, parsed{v: v})
	}

	candidates := make([]Candidate, 0, len(versions))

	for _, pv := range versions {
		verStr := pv.v.String()

		if env.Python != nil {
			reqPy, ok, err := p.store.RequiresPython(ctx, name, verStr)
			if err != nil {
				return nil, fmt.Errorf("requires_python for %s %s: %w", name, verStr, err)
			}

			if ok && !reqPy.IsUniversal() && !reqPy.Contains(*env.Python, true) {
				continue
			}
		}

		yanked, err := p.store.Yanked(ctx, name, verStr)
		if err != nil {
			return nil, fmt.Errorf("yanked status for %s %s: %w", name, verStr, err)
		}

		risk := 0

		if src, ok := p.store.(metadata.VulnerabilitySource); ok {
			risk, err = src.Vulnerabilities(ctx, name, verStr)
			if err != nil {
				return nil, fmt.Errorf("vulnerability lookup for %s %s: %w", name, verStr, err)
			}
		}

		candidates = append(candidates, Candidate{
			Name:    name,
			Version: pv.v,
			Yanked:  yanked,
			Risk:    risk,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Version.GreaterThan(candidates[j].Version)
	})

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Yanked != candidates[j].Yanked {
			return !candidates[i].Yanked
		}

		return candidates[i].Risk < candidates[j].Risk
	})

	if cap != nil && *cap >= 0 && *cap < len(candidates) {
		candidates = candidates[:*cap]
	}

	return candidates, nil
}
