package metadata

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/bilusteknoloji/pipdep/internal/pypi"
	"github.com/bilusteknoloji/pipdep/internal/requirement"
	"github.com/bilusteknoloji/pipdep/internal/version"
)

// PyPIStore adapts a pypi.Client into a Store, resolving directly against
// the live PyPI JSON API instead of a local database dump. A singleflight
// group collapses duplicate fetches for the same package that are in flight
// at the same time, such as the validator's concurrent existence checks.
// Nothing is cached between calls: a repeated, sequential request for the
// same package or release fetches it again.
type PyPIStore struct {
	client pypi.Client
	group  singleflight.Group
}

// compile-time proof that PyPIStore implements Store.
var _ Store = (*PyPIStore)(nil)

// NewPyPIStore wraps client as a Store.
func NewPyPIStore(client pypi.Client) *PyPIStore {
	return &PyPIStore{client: client}
}

func (s *PyPIStore) AvailableVersions(ctx context.Context, name requirement.Name) ([]string, error) {
	info, err := s.fetchPackage(ctx, name)
	if err != nil {
		return nil, err
	}

	if info == nil {
		return nil, nil
	}

	return releaseVersions(info), nil
}

func (s *PyPIStore) Dependencies(ctx context.Context, name requirement.Name, ver string) ([]string, error) {
	info, err := s.fetchRelease(ctx, name, ver)
	if err != nil {
		return nil, err
	}

	if info == nil {
		return nil, nil
	}

	return info.Info.RequiresDist, nil
}

func (s *PyPIStore) RequiresPython(ctx context.Context, name requirement.Name, ver string) (version.SpecifierSet, bool, error) {
	info, err := s.fetchRelease(ctx, name, ver)
	if err != nil {
		return version.Universal, false, err
	}

	if info == nil || isAbsent(info.Info.RequiresPython) {
		return version.Universal, false, nil
	}

	ss, err := version.ParseSpecifierSet(info.Info.RequiresPython)
	if err != nil {
		return version.Universal, false, nil
	}

	return ss, true, nil
}

func (s *PyPIStore) Yanked(ctx context.Context, name requirement.Name, ver string) (bool, error) {
	info, err := s.fetchRelease(ctx, name, ver)
	if err != nil {
		return false, err
	}

	if info == nil {
		return false, nil
	}

	return info.Info.Yanked, nil
}

func (s *PyPIStore) Exists(ctx context.Context, name requirement.Name, spec version.SpecifierSet) (bool, error) {
	versions, err := s.AvailableVersions(ctx, name)
	if err != nil {
		return false, err
	}

	if spec.IsUniversal() {
		return len(versions) > 0, nil
	}

	for _, raw := range versions {
		v, err := version.Parse(raw)
		if err != nil {
			continue
		}

		if spec.Contains(v, true) {
			return true, nil
		}
	}

	return false, nil
}

// fetchPackage fetches the package's latest metadata, deduplicating
// concurrent identical requests.
func (s *PyPIStore) fetchPackage(ctx context.Context, name requirement.Name) (*pypi.PackageInfo, error) {
	v, err, _ := s.group.Do("pkg:"+string(name), func() (any, error) {
		info, err := s.client.GetPackage(ctx, string(name))
		if err != nil {
			if errors.Is(err, pypi.ErrNotFound) {
				return (*pypi.PackageInfo)(nil), nil
			}

			return nil, fmt.Errorf("%w: fetching %s: %w", ErrUnavailable, name, err)
		}

		return info, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*pypi.PackageInfo), nil
}

// fetchRelease fetches metadata for a specific release, reusing the
// already-fetched top-level package info when the version requested is the
// one PyPI reports as current.
func (s *PyPIStore) fetchRelease(ctx context.Context, name requirement.Name, ver string) (*pypi.PackageInfo, error) {
	top, err := s.fetchPackage(ctx, name)
	if err != nil {
		return nil, err
	}

	if top != nil && top.Info.Version == ver {
		return top, nil
	}

	v, err, _ := s.group.Do("ver:"+string(name)+"@"+ver, func() (any, error) {
		info, err := s.client.GetPackageVersion(ctx, string(name), ver)
		if err != nil {
			if errors.Is(err, pypi.ErrNotFound) {
				return (*pypi.PackageInfo)(nil), nil
			}

			return nil, fmt.Errorf("%w: fetching %s %s: %w", ErrUnavailable, name, ver, err)
		}

		return info, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*pypi.PackageInfo), nil
}

// releaseVersions extracts version strings from a PackageInfo's releases,
// falling back to the single version PyPI reports as current.
func releaseVersions(info *pypi.PackageInfo) []string {
	if len(info.Releases) > 0 {
		versions := make([]string, 0, len(info.Releases))

		for v, files := range info.Releases {
			if len(files) > 0 {
				versions = append(versions, v)
			}
		}

		return versions
	}

	if info.Info.Version != "" {
		return []string{info.Info.Version}
	}

	return nil
}
