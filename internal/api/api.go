// Package api exposes the resolution core over HTTP: a single POST
// endpoint that validates a request, runs it through the engine, and
// renders either an install plan or a structured conflict/invalid-input
// response.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/bilusteknoloji/pipdep/internal/candidate"
	"github.com/bilusteknoloji/pipdep/internal/engine"
	"github.com/bilusteknoloji/pipdep/internal/metadata"
	"github.com/bilusteknoloji/pipdep/internal/plan"
	"github.com/bilusteknoloji/pipdep/internal/request"
	"github.com/bilusteknoloji/pipdep/internal/requirement"
	"github.com/bilusteknoloji/pipdep/internal/version"
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// Server wires the request validator, candidate provider, engine, and
// plan emitter behind an http.Handler. A fresh Engine is constructed per
// request: the search is stateful and single-threaded, and concurrent
// requests must not share that state.
type Server struct {
	store  metadata.Store
	logger *slog.Logger
}

// New builds a Server over store.
func New(store metadata.Store, opts ...Option) *Server {
	s := &Server{store: store, logger: slog.Default()}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Routes returns the HTTP handler for the resolution API.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("POST /resolve", s.handleResolve)

	return mux
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("pipdep resolution service is running\n"))
}

type successResponse struct {
	Status      string              `json:"status"`
	InstallPlan []planEntryResponse `json:"install_plan"`
	Stats       statsResponse       `json:"stats"`
}

type planEntryResponse struct {
	Package         string `json:"package"`
	Version         string `json:"version"`
	Yanked          bool   `json:"yanked"`
	Vulnerabilities int    `json:"vulnerabilities"`
}

type statsResponse struct {
	Steps      int `json:"steps"`
	Backtracks int `json:"backtracks"`
}

type conflictResponse struct {
	Status    string        `json:"status"`
	Message   string        `json:"message"`
	DebugInfo debugInfo     `json:"debug_info"`
	Stats     statsResponse `json:"stats"`
}

type debugInfo struct {
	PackageCausingConflict string `json:"package_causing_conflict"`
	ConstraintViolated     string `json:"constraint_violated"`
}

type invalidResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeInvalid(w, http.StatusBadRequest, "reading request body")

		return
	}

	raw, err := request.ParseJSON(body)
	if err != nil {
		s.writeInvalid(w, http.StatusBadRequest, err.Error())

		return
	}

	validated, err := request.Validate(r.Context(), raw, s.store)
	if err != nil {
		if !errors.Is(err, request.ErrInvalidRequest) {
			s.logger.Error("validation failed with an unexpected error", slog.String("error", err.Error()))
			s.writeInvalid(w, http.StatusInternalServerError, "internal error during validation")

			return
		}

		s.writeInvalid(w, http.StatusUnprocessableEntity, err.Error())

		return
	}

	env := requirement.Environment{Python: validated.Python, AllowPreReleases: validated.AllowPreReleases}

	result, err := s.resolve(r.Context(), validated, env)
	if err != nil {
		s.writeResolutionError(w, err)

		return
	}

	entries, err := plan.Emit(r.Context(), result.Assignment, s.store, env)
	if err != nil {
		s.logger.Error("emitting plan after successful resolve", slog.String("error", err.Error()))
		s.writeInvalid(w, http.StatusInternalServerError, "internal error building install plan")

		return
	}

	s.writeSuccess(w, entries, result.Stats)
}

func (s *Server) resolve(ctx context.Context, v *request.Validated, env requirement.Environment) (*engine.Result, error) {
	provider := candidate.New(s.store)

	initial := make([]requirement.Requirement, 0, len(v.Wants)+len(v.Fixed))

	for _, name := range v.Wants {
		initial = append(initial, requirement.Requirement{Name: name, Specifier: version.Universal})
	}

	for name, spec := range v.Fixed {
		initial = append(initial, requirement.Requirement{Name: name, Specifier: spec})
	}

	var opts []engine.Option
	if v.MaxVersions != nil {
		opts = append(opts, engine.WithCandidateCap(*v.MaxVersions))
	}

	eng := engine.New(provider, s.store, env, opts...)

	return eng.Resolve(ctx, initial)
}

func (s *Server) writeSuccess(w http.ResponseWriter, entries []plan.Entry, stats engine.Stats) {
	resp := successResponse{
		Status:      "ok",
		InstallPlan: make([]planEntryResponse, len(entries)),
		Stats:       statsResponse{Steps: stats.Steps, Backtracks: stats.Backtracks},
	}

	for i, e := range entries {
		resp.InstallPlan[i] = planEntryResponse{
			Package:         string(e.Package),
			Version:         e.Version,
			Yanked:          e.Yanked,
			Vulnerabilities: e.Vulnerabilities,
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeResolutionError(w http.ResponseWriter, err error) {
	var conflict *engine.ConflictError
	if errors.As(err, &conflict) {
		s.writeJSON(w, http.StatusConflict, conflictResponse{
			Status:  "conflict",
			Message: conflict.Error(),
			DebugInfo: debugInfo{
				PackageCausingConflict: string(conflict.Package),
				ConstraintViolated:     conflict.Constraint.String(),
			},
			Stats: statsResponse{Steps: conflict.Stats.Steps, Backtracks: conflict.Stats.Backtracks},
		})

		return
	}

	if errors.Is(err, engine.ErrCancelled) {
		s.writeJSON(w, http.StatusGatewayTimeout, invalidResponse{Status: "cancelled", Message: "resolution cancelled"})

		return
	}

	s.logger.Error("resolution failed with an unexpected error", slog.String("error", err.Error()))
	s.writeInvalid(w, http.StatusInternalServerError, "internal error during resolution")
}

func (s *Server) writeInvalid(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, invalidResponse{Status: "invalid", Message: message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response", slog.String("error", err.Error()))
	}
}
