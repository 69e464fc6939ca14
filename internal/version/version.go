// Package version implements PEP 440 version parsing, specifier sets, and
// the containment/intersection algebra the resolver builds on.
package version

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	pep440 "github.com/aquasecurity/go-pep440-version"
)

// ErrInvalidVersion is returned when a version string cannot be parsed.
var ErrInvalidVersion = errors.New("invalid version")

// ErrInvalidSpecifier is returned when a specifier clause cannot be parsed.
var ErrInvalidSpecifier = errors.New("invalid specifier")

// Version is a parsed PEP 440 release identifier, total-ordered under the
// PEP 440 scheme.
type Version struct {
	raw string
	v   pep440.Version
}

// Parse parses a PEP 440 version string.
func Parse(s string) (Version, error) {
	v, err := pep440.Parse(s)
	if err != nil {
		return Version{}, fmt.Errorf("%w: %q: %w", ErrInvalidVersion, s, err)
	}

	return Version{raw: s, v: v}, nil
}

// String returns the original, unnormalized version string.
func (v Version) String() string {
	return v.raw
}

// Compare returns -1, 0, or 1 as v is less than, equal to, or greater than
// other, per PEP 440 ordering.
func (v Version) Compare(other Version) int {
	return v.v.Compare(other.v)
}

// GreaterThan reports whether v orders strictly after other.
func (v Version) GreaterThan(other Version) bool {
	return v.v.GreaterThan(other.v)
}

// IsPreRelease reports whether v carries a pre-release or dev segment.
func (v Version) IsPreRelease() bool {
	return v.v.IsPreRelease()
}

// SortDescending sorts versions newest-first, in place.
func SortDescending(vs []Version) {
	sort.Slice(vs, func(i, j int) bool {
		return vs[i].GreaterThan(vs[j])
	})
}

// clause is a single "<op> <version>" constraint, kept as raw text so it can
// be recombined into a comma-joined AND group understood by go-pep440-version.
type clause struct {
	text string
	spec pep440.Specifiers
}

// SpecifierSet is a conjunction ("AND") of clauses. The empty SpecifierSet is
// the universal set, satisfied by every version. Two SpecifierSets are
// intersected by unioning their clauses: the result is the strictest set
// implying both, so intersection can never weaken a constraint a caller
// already holds (the invariant the engine relies on when merging dependency
// specifiers against a "fixed" package is satisfied structurally, not by
// special-casing fixed names).
type SpecifierSet struct {
	clauses []clause
}

// Universal is the empty specifier set, satisfied by any (non-prerelease,
// unless requested) version.
var Universal = SpecifierSet{}

// ParseSpecifierSet parses a comma-separated list of PEP 440 specifier
// clauses. "" and "*" both parse to the universal set.
func ParseSpecifierSet(s string) (SpecifierSet, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return Universal, nil
	}

	parts := strings.Split(s, ",")
	clauses := make([]clause, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		spec, err := pep440.NewSpecifiers(part)
		if err != nil {
			return SpecifierSet{}, fmt.Errorf("%w: %q: %w", ErrInvalidSpecifier, part, err)
		}

		clauses = append(clauses, clause{text: part, spec: spec})
	}

	return SpecifierSet{clauses: clauses}, nil
}

// IsUniversal reports whether the set has no clauses and is satisfied by
// every version.
func (ss SpecifierSet) IsUniversal() bool {
	return len(ss.clauses) == 0
}

// NamesPreRelease reports whether any clause's own version carries a
// pre-release segment, which per PEP 440 implicitly opts the set into
// matching pre-releases even when allowPreReleases is false.
func (ss SpecifierSet) NamesPreRelease() bool {
	for _, c := range ss.clauses {
		verText := strings.TrimSuffix(strings.TrimLeft(c.text, "=!<>~"), ".*")
		verText = strings.TrimSpace(verText)

		if v, err := pep440.Parse(verText); err == nil && v.IsPreRelease() {
			return true
		}
	}

	return false
}

// Contains reports whether v satisfies every clause in the set.
// Pre-release versions are excluded unless allowPreReleases is true or the
// set itself names a pre-release version in one of its clauses.
func (ss SpecifierSet) Contains(v Version, allowPreReleases bool) bool {
	if v.IsPreRelease() && !allowPreReleases && !ss.NamesPreRelease() {
		return false
	}

	for _, c := range ss.clauses {
		if !c.spec.Check(v.v) {
			return false
		}
	}

	return true
}

// Intersect returns the strictest SpecifierSet implying both a and b: the
// union of their clauses.
func Intersect(a, b SpecifierSet) SpecifierSet {
	merged := make([]clause, 0, len(a.clauses)+len(b.clauses))
	merged = append(merged, a.clauses...)
	merged = append(merged, b.clauses...)

	return SpecifierSet{clauses: merged}
}

// String renders the set back to a comma-joined specifier string.
func (ss SpecifierSet) String() string {
	if len(ss.clauses) == 0 {
		return ""
	}

	parts := make([]string, len(ss.clauses))
	for i, c := range ss.clauses {
		parts[i] = c.text
	}

	return strings.Join(parts, ",")
}
