// Package metadata defines the read-only adapter over a package index's
// release metadata (C2) and provides two implementations: a SQLite-backed
// store over a trimmed PyPI metadata dump, and a live store backed by the
// PyPI JSON API.
package metadata

import (
	"context"
	"errors"

	"github.com/bilusteknoloji/pipdep/internal/requirement"
	"github.com/bilusteknoloji/pipdep/internal/version"
)

// ErrUnavailable marks a wholesale adapter failure (connection lost, index
// corrupt) as distinct from a single unparseable row, which is logged and
// skipped rather than surfaced.
var ErrUnavailable = errors.New("metadata store unavailable")

// Store is the read-only interface the resolution core consults for release
// metadata. All name arguments are canonical; implementations must not
// re-canonicalize or otherwise re-interpret them.
type Store interface {
	// AvailableVersions returns every version string recorded for name, in
	// unspecified order. Unknown packages yield an empty, non-error result.
	AvailableVersions(ctx context.Context, name requirement.Name) ([]string, error)

	// Dependencies returns the raw requirement strings recorded for the
	// exact (name, version) release. An absent release yields an empty,
	// non-error result.
	Dependencies(ctx context.Context, name requirement.Name, ver string) ([]string, error)

	// RequiresPython returns the release's requires_python constraint. The
	// second return is false when the release has none recorded.
	RequiresPython(ctx context.Context, name requirement.Name, ver string) (version.SpecifierSet, bool, error)

	// Yanked reports whether the release is flagged as yanked.
	Yanked(ctx context.Context, name requirement.Name, ver string) (bool, error)

	// Exists reports whether at least one recorded version of name is
	// contained in spec. The universal specifier set matches any existing
	// package.
	Exists(ctx context.Context, name requirement.Name, spec version.SpecifierSet) (bool, error)
}

// VulnerabilitySource is an optional capability a Store may implement to
// supply the risk signal the spec's Candidate carries. No bundled Store
// implements it; absent an adapter that does, the engine reports 0 for
// every release (an explicit Open Question in the spec this core resolves
// by preserving the field and defaulting it).
type VulnerabilitySource interface {
	Vulnerabilities(ctx context.Context, name requirement.Name, ver string) (int, error)
}

// isAbsent reports whether a metadata column value should be treated as
// "not present": an empty string, or the literal token some dumps store for
// SQL NULL once serialized through intermediate tooling.
func isAbsent(s string) bool {
	return s == "" || s == "null"
}
