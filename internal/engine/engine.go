// Package engine implements the resolution engine (C5): a depth-first
// backtracking search over package -> chosen release assignments, with
// constraint accumulation, MRV variable selection, and conflict
// propagation up through the recursion.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/bilusteknoloji/pipdep/internal/candidate"
	"github.com/bilusteknoloji/pipdep/internal/requirement"
	"github.com/bilusteknoloji/pipdep/internal/version"
)

// ErrCancelled is returned when the context is done partway through a
// search; it is checked once per recursive entry, not per candidate.
var ErrCancelled = errors.New("resolution cancelled")

// ConflictError reports why the search failed at some frame. Cause chains
// to the deepest conflict that led here, so the top-level error carries
// the full backtrack trail via errors.Unwrap.
type ConflictError struct {
	Package    requirement.Name
	Constraint version.SpecifierSet
	Reason     string
	Cause      error
	Stats      Stats
}

func (e *ConflictError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (constraint %s): %v", e.Package, e.Reason, e.Constraint.String(), e.Cause)
	}

	return fmt.Sprintf("%s: %s (constraint %s)", e.Package, e.Reason, e.Constraint.String())
}

func (e *ConflictError) Unwrap() error { return e.Cause }

// Stats tracks the shape of the search that produced a result.
type Stats struct {
	Steps      int
	Backtracks int
}

// Assignment maps a canonical package name to its chosen candidate.
type Assignment map[requirement.Name]candidate.Candidate

// ConstraintMap maps a canonical package name to the SpecifierSet
// accumulated against it so far.
type ConstraintMap map[requirement.Name]version.SpecifierSet

// Result is the outcome of a successful resolve.
type Result struct {
	Assignment Assignment
	Stats      Stats
}

// DependencyLister is the subset of metadata.Store the engine needs to
// fetch a chosen release's raw dependency strings; kept narrow so the
// engine doesn't import metadata directly for anything but this.
type DependencyLister interface {
	Dependencies(ctx context.Context, name requirement.Name, ver string) ([]string, error)
}

// CandidateProvider is the interface the engine consults for C3.
type CandidateProvider interface {
	Candidates(ctx context.Context, name requirement.Name, required version.SpecifierSet, env requirement.Environment, cap *int) ([]candidate.Candidate, error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithCandidateCap bounds how many candidates C3 returns per package.
func WithCandidateCap(n int) Option {
	return func(e *Engine) {
		e.cap = &n
	}
}

// Engine runs the backtracking search.
type Engine struct {
	candidates CandidateProvider
	deps       DependencyLister
	env        requirement.Environment
	cap        *int
	logger     *slog.Logger

	// memo caches candidates(name, spec) within a single Resolve call; the
	// same (name, spec) pair recurs often across sibling branches that
	// share an unresolved ancestor's constraint.
	memo map[memoKey][]candidate.Candidate
}

type memoKey struct {
	name requirement.Name
	spec string
}

// New builds an Engine over the given candidate provider and dependency
// lister, resolving against env.
func New(candidates CandidateProvider, deps DependencyLister, env requirement.Environment, opts ...Option) *Engine {
	e := &Engine{
		candidates: candidates,
		deps:       deps,
		env:        env,
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Resolve seeds the constraint map from the initial requirements and runs
// the recursive core to completion.
func (e *Engine) Resolve(ctx context.Context, initial []requirement.Requirement) (*Result, error) {
	e.memo = make(map[memoKey][]candidate.Candidate)

	constraints := make(ConstraintMap, len(initial))
	open := make(map[requirement.Name]struct{}, len(initial))

	for _, req := range initial {
		if existing, ok := constraints[req.Name]; ok {
			constraints[req.Name] = version.Intersect(existing, req.Specifier)
		} else {
			constraints[req.Name] = req.Specifier
		}

		open[req.Name] = struct{}{}
	}

	stats := &Stats{}

	assignment, err := e.search(ctx, Assignment{}, constraints, open, stats)
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			conflict.Stats = *stats
		}

		return nil, err
	}

	return &Result{Assignment: assignment, Stats: *stats}, nil
}

// search is the recursive core described by the engine's algorithm: pick
// the most-constrained open package (MRV), try its candidates in order,
// and recurse on the resulting narrower state.
func (e *Engine) search(
	ctx context.Context,
	assignment Assignment,
	constraints ConstraintMap,
	open map[requirement.Name]struct{},
	stats *Stats,
) (Assignment, error) {
	stats.Steps++

	select {
	case <-ctx.Done():
		return nil, ErrCancelled
	default:
	}

	if len(open) == 0 {
		return assignment, nil
	}

	p, cands, err := e.selectMRV(ctx, constraints, open)
	if err != nil {
		return nil, err
	}

	if len(cands) == 0 {
		stats.Backtracks++

		return nil, &ConflictError{Package: p, Constraint: constraints[p], Reason: "no compatible versions"}
	}

	var lastErr error

	for _, c := range cands {
		nextAssignment, nextConstraints, nextOpen, ok, reason := e.extend(ctx, p, c, assignment, constraints, open)
		if !ok {
			lastErr = &ConflictError{Package: p, Constraint: constraints[p], Reason: reason}

			continue
		}

		result, err := e.search(ctx, nextAssignment, nextConstraints, nextOpen, stats)
		if err == nil {
			return result, nil
		}

		if errors.Is(err, ErrCancelled) {
			return nil, err
		}

		lastErr = err
	}

	stats.Backtracks++

	return nil, &ConflictError{
		Package:    p,
		Constraint: constraints[p],
		Reason:     fmt.Sprintf("all %d versions failed", len(cands)),
		Cause:      lastErr,
	}
}

// extend builds the next frame's Assignment, ConstraintMap, and Open set
// after tentatively choosing c for p. ok is false when c conflicts with an
// already-fixed dependency; reason then explains why.
func (e *Engine) extend(
	ctx context.Context,
	p requirement.Name,
	c candidate.Candidate,
	assignment Assignment,
	constraints ConstraintMap,
	open map[requirement.Name]struct{},
) (Assignment, ConstraintMap, map[requirement.Name]struct{}, bool, string) {
	rawDeps, err := e.deps.Dependencies(ctx, p, c.Version.String())
	if err != nil {
		e.logger.Debug("dependency lookup failed", slog.String("package", string(p)), slog.String("version", c.Version.String()), slog.String("error", err.Error()))

		return nil, nil, nil, false, fmt.Sprintf("fetching dependencies: %v", err)
	}

	nextConstraints := make(ConstraintMap, len(constraints))
	for k, v := range constraints {
		nextConstraints[k] = v
	}

	nextOpen := make(map[requirement.Name]struct{}, len(open))
	for k := range open {
		nextOpen[k] = struct{}{}
	}

	for _, raw := range rawDeps {
		req, err := requirement.Parse(raw)
		if err != nil {
			e.logger.Debug("dropping unparseable dependency", slog.String("raw", raw), slog.String("error", err.Error()))

			continue
		}

		if !requirement.EvalMarker(req.Marker, e.env) {
			continue
		}

		dname := req.Name

		if fixed, ok := assignment[dname]; ok {
			if !req.Specifier.Contains(fixed.Version, true) {
				return nil, nil, nil, false, fmt.Sprintf("incompatible with previously chosen %s", dname)
			}

			continue
		}

		if existing, ok := nextConstraints[dname]; ok {
			nextConstraints[dname] = version.Intersect(existing, req.Specifier)
		} else {
			nextConstraints[dname] = req.Specifier
			nextOpen[dname] = struct{}{}
		}
	}

	nextAssignment := make(Assignment, len(assignment)+1)
	for k, v := range assignment {
		nextAssignment[k] = v
	}

	nextAssignment[p] = c

	delete(nextOpen, p)

	return nextAssignment, nextConstraints, nextOpen, true, ""
}

// selectMRV picks the open package with the fewest viable candidates,
// breaking ties by name for determinism. It returns immediately on the
// first package found to have zero candidates, since that fails the frame
// regardless of what else is open.
func (e *Engine) selectMRV(
	ctx context.Context,
	constraints ConstraintMap,
	open map[requirement.Name]struct{},
) (requirement.Name, []candidate.Candidate, error) {
	names := make([]requirement.Name, 0, len(open))
	for n := range open {
		names = append(names, n)
	}

	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	var (
		bestName  requirement.Name
		bestCands []candidate.Candidate
		bestSet   bool
	)

	for _, name := range names {
		cands, err := e.candidatesFor(ctx, name, constraints[name])
		if err != nil {
			return "", nil, err
		}

		if len(cands) == 0 {
			return name, cands, nil
		}

		if !bestSet || len(cands) < len(bestCands) {
			bestName, bestCands, bestSet = name, cands, true
		}
	}

	return bestName, bestCands, nil
}

func (e *Engine) candidatesFor(ctx context.Context, name requirement.Name, spec version.SpecifierSet) ([]candidate.Candidate, error) {
	key := memoKey{name: name, spec: spec.String()}

	if cached, ok := e.memo[key]; ok {
		return cached, nil
	}

	cands, err := e.candidates.Candidates(ctx, name, spec, e.env, e.cap)
	if err != nil {
		return nil, fmt.Errorf("listing candidates for %s: %w", name, err)
	}

	e.memo[key] = cands

	return cands, nil
}
