// Package request implements the request validator (C7): it shape-checks
// a raw resolution request, validates package names and specifier
// syntax against the metadata store, and rejects fixed/wants conflicts
// before the request is allowed to seed the engine.
package request

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"golang.org/x/sync/errgroup"

	"github.com/bilusteknoloji/pipdep/internal/metadata"
	"github.com/bilusteknoloji/pipdep/internal/requirement"
	"github.com/bilusteknoloji/pipdep/internal/version"
)

var (
	pythonPattern = regexp.MustCompile(`^\d+\.\d+(\.\d+)?$`)
	namePattern   = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)
)

// Request is the raw, JSON-shaped resolution request before validation.
type Request struct {
	Python           *string           `json:"python,omitempty"`
	Fixed            map[string]string `json:"fixed,omitempty"`
	Wants            []string          `json:"wants"`
	MaxVersions      *int              `json:"max_versions,omitempty"`
	AllowPreReleases bool              `json:"allow_prereleases,omitempty"`
}

var allowedFields = map[string]bool{
	"python":            true,
	"fixed":             true,
	"wants":             true,
	"max_versions":      true,
	"allow_prereleases": true,
}

// ParseJSON decodes data into a Request, rejecting any top-level field not
// in the recognized set. Decoding twice (once loosely, once strictly) is
// the simplest way to reject unknown fields without hand-rolling a
// streaming JSON scanner.
func ParseJSON(data []byte) (Request, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Request{}, fmt.Errorf("%w: decoding request body: %v", ErrInvalidRequest, err)
	}

	for name := range fields {
		if !allowedFields[name] {
			return Request{}, fmt.Errorf("%w: unknown field %q", ErrInvalidRequest, name)
		}
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("%w: decoding request body: %v", ErrInvalidRequest, err)
	}

	return req, nil
}

// Validated is a Request after every rule in Validate has passed, with
// fields converted into the types the engine consumes directly.
type Validated struct {
	Python           *version.Version
	Fixed            map[requirement.Name]version.SpecifierSet
	Wants            []requirement.Name
	MaxVersions      *int
	AllowPreReleases bool
}

// ErrInvalidRequest marks any rule violation; callers distinguish the
// specific violation from the error text, since each rule produces a
// distinct message per the validator's contract.
var ErrInvalidRequest = errors.New("invalid request")

// Validate checks req against every C7 rule, using store to confirm
// package existence. Name existence checks run concurrently since they
// are independent I/O-bound lookups against the same store.
func Validate(ctx context.Context, req Request, store metadata.Store) (*Validated, error) {
	if len(req.Wants) == 0 {
		return nil, fmt.Errorf("%w: wants must be non-empty", ErrInvalidRequest)
	}

	var pythonVer *version.Version

	if req.Python != nil {
		if !pythonPattern.MatchString(*req.Python) {
			return nil, fmt.Errorf("%w: python %q does not match X.Y[.Z]", ErrInvalidRequest, *req.Python)
		}

		v, err := version.Parse(*req.Python)
		if err != nil {
			return nil, fmt.Errorf("%w: python %q: %v", ErrInvalidRequest, *req.Python, err)
		}

		pythonVer = &v
	}

	if req.MaxVersions != nil && *req.MaxVersions <= 0 {
		return nil, fmt.Errorf("%w: max_versions must be a positive integer", ErrInvalidRequest)
	}

	fixed := make(map[requirement.Name]version.SpecifierSet, len(req.Fixed))
	fixedSeen := make(map[requirement.Name]bool, len(req.Fixed))

	for rawName, rawSpec := range req.Fixed {
		if !namePattern.MatchString(rawName) {
			return nil, fmt.Errorf("%w: fixed package name %q is not a valid identifier", ErrInvalidRequest, rawName)
		}

		spec, err := version.ParseSpecifierSet(rawSpec)
		if err != nil {
			return nil, fmt.Errorf("%w: fixed[%s] specifier %q: %v", ErrInvalidRequest, rawName, rawSpec, err)
		}

		name := requirement.Canonicalize(rawName)
		fixed[name] = spec
		fixedSeen[name] = true
	}

	wants := make([]requirement.Name, 0, len(req.Wants))

	for _, rawName := range req.Wants {
		if !namePattern.MatchString(rawName) {
			return nil, fmt.Errorf("%w: wants package name %q is not a valid identifier", ErrInvalidRequest, rawName)
		}

		name := requirement.Canonicalize(rawName)

		if fixedSeen[name] {
			return nil, fmt.Errorf("%w: %s appears in both fixed and wants", ErrInvalidRequest, name)
		}

		wants = append(wants, name)
	}

	if err := checkExistence(ctx, store, fixed, wants); err != nil {
		return nil, err
	}

	return &Validated{
		Python:           pythonVer,
		Fixed:            fixed,
		Wants:            wants,
		MaxVersions:      req.MaxVersions,
		AllowPreReleases: req.AllowPreReleases,
	}, nil
}

// checkExistence confirms every fixed and wanted package has at least one
// recorded version satisfying its specifier (universal for wants),
// running the lookups concurrently since they share no state.
func checkExistence(ctx context.Context, store metadata.Store, fixed map[requirement.Name]version.SpecifierSet, wants []requirement.Name) error {
	g, ctx := errgroup.WithContext(ctx)

	for name, spec := range fixed {
		g.Go(func() error {
			ok, err := store.Exists(ctx, name, spec)
			if err != nil {
				return fmt.Errorf("checking existence of fixed[%s]: %w", name, err)
			}

			if !ok {
				return fmt.Errorf("%w: fixed package %s does not exist for %s", ErrInvalidRequest, name, spec.String())
			}

			return nil
		})
	}

	for _, name := range wants {
		g.Go(func() error {
			ok, err := store.Exists(ctx, name, version.Universal)
			if err != nil {
				return fmt.Errorf("checking existence of wants[%s]: %w", name, err)
			}

			if !ok {
				return fmt.Errorf("%w: wanted package %s does not exist", ErrInvalidRequest, name)
			}

			return nil
		})
	}

	return g.Wait()
}
