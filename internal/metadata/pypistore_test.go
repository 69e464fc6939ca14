package metadata_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/bilusteknoloji/pipdep/internal/metadata"
	"github.com/bilusteknoloji/pipdep/internal/pypi"
	"github.com/bilusteknoloji/pipdep/internal/requirement"
	"github.com/bilusteknoloji/pipdep/internal/version"
)

type fakeClient struct {
	packages map[string]*pypi.PackageInfo
}

func (f *fakeClient) GetPackage(_ context.Context, name string) (*pypi.PackageInfo, error) {
	info, ok := f.packages[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", pypi.ErrNotFound, name)
	}

	return info, nil
}

func (f *fakeClient) GetPackageVersion(_ context.Context, name, ver string) (*pypi.PackageInfo, error) {
	info, ok := f.packages[name+"@"+ver]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", pypi.ErrNotFound, name, ver)
	}

	return info, nil
}

func TestPyPIStoreAvailableVersions(t *testing.T) {
	client := &fakeClient{packages: map[string]*pypi.PackageInfo{
		"flask": {
			Info: pypi.Info{Name: "flask", Version: "2.0.0"},
			Releases: map[string][]pypi.URL{
				"1.0.0": {{Filename: "flask-1.0.0.tar.gz"}},
				"2.0.0": {{Filename: "flask-2.0.0.tar.gz"}},
			},
		},
	}}

	store := metadata.NewPyPIStore(client)

	versions, err := store.AvailableVersions(context.Background(), requirement.Name("flask"))
	if err != nil {
		t.Fatalf("AvailableVersions: %v", err)
	}

	if len(versions) != 2 {
		t.Fatalf("got %d versions, want 2", len(versions))
	}
}

func TestPyPIStoreUnknownPackageIsAbsentNotError(t *testing.T) {
	client := &fakeClient{packages: map[string]*pypi.PackageInfo{}}
	store := metadata.NewPyPIStore(client)

	versions, err := store.AvailableVersions(context.Background(), requirement.Name("nope"))
	if err != nil {
		t.Fatalf("expected no error for unknown package, got %v", err)
	}

	if versions != nil {
		t.Fatalf("got %v, want nil", versions)
	}
}

func TestPyPIStoreDependenciesForSpecificRelease(t *testing.T) {
	client := &fakeClient{packages: map[string]*pypi.PackageInfo{
		"flask": {
			Info:     pypi.Info{Name: "flask", Version: "2.0.0", RequiresDist: []string{"werkzeug>=2.0"}},
			Releases: map[string][]pypi.URL{"2.0.0": {{Filename: "f"}}, "1.0.0": {{Filename: "f"}}},
		},
		"flask@1.0.0": {
			Info: pypi.Info{Name: "flask", Version: "1.0.0", RequiresDist: []string{"werkzeug>=0.15"}},
		},
	}}

	store := metadata.NewPyPIStore(client)
	ctx := context.Background()

	deps, err := store.Dependencies(ctx, requirement.Name("flask"), "2.0.0")
	if err != nil || len(deps) != 1 || deps[0] != "werkzeug>=2.0" {
		t.Fatalf("Dependencies(2.0.0) = %v, %v", deps, err)
	}

	deps, err = store.Dependencies(ctx, requirement.Name("flask"), "1.0.0")
	if err != nil || len(deps) != 1 || deps[0] != "werkzeug>=0.15" {
		t.Fatalf("Dependencies(1.0.0) = %v, %v", deps, err)
	}
}

func TestPyPIStoreExists(t *testing.T) {
	client := &fakeClient{packages: map[string]*pypi.PackageInfo{
		"flask": {
			Info:     pypi.Info{Name: "flask", Version: "2.0.0"},
			Releases: map[string][]pypi.URL{"2.0.0": {{Filename: "f"}}},
		},
	}}

	store := metadata.NewPyPIStore(client)
	ctx := context.Background()

	ok, err := store.Exists(ctx, requirement.Name("flask"), version.Universal)
	if err != nil || !ok {
		t.Fatalf("Exists(flask) = %v, %v", ok, err)
	}

	ok, err = store.Exists(ctx, requirement.Name("django"), version.Universal)
	if err != nil || ok {
		t.Fatalf("Exists(django) = %v, %v, want false", ok, err)
	}
}
