// Package api serves the history store read-only over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/pricetrail/internal/identity"
	"github.com/kalambet/pricetrail/internal/reconcile"
	"github.com/kalambet/pricetrail/internal/storage"
)

// Reports is the read side of the history store.
type Reports interface {
	ListRuns(ctx context.Context, limit int) ([]storage.RunSummary, error)
	LatestRun(ctx context.Context) (storage.RunSummary, error)
	Run(ctx context.Context, runAt time.Time) (storage.RunSummary, error)
	ChangesForRun(ctx context.Context, runAt time.Time, includeUnchanged bool) ([]reconcile.ChangeEntry, error)
	RunIssues(ctx context.Context, runAt time.Time) ([]reconcile.Issue, error)
	CurrentProducts(ctx context.Context, limit, offset int) ([]storage.CurrentProduct, error)
	CountCurrent(ctx context.Context) (int, error)
	ProductHistory(ctx context.Context, id identity.ProductID) (storage.ProductHistory, error)
}

// Deps wires the HTTP handler. An empty Token leaves the API unauthenticated.
type Deps struct {
	Store Reports
	Token string
}

// RunChanges is the "what changed" view of one run.
type RunChanges struct {
	Run     storage.RunSummary           `json:"run"`
	Counts  map[reconcile.ChangeType]int `json:"counts"`
	Changes []reconcile.ChangeEntry      `json:"changes"`
}

// NewHandler returns the reporting router. /health is never authenticated.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Get("/runs", handleListRuns(deps))
		r.Get("/runs/latest", handleLatestRun(deps))
		r.Get("/runs/{run_at}/changes", handleRunChanges(deps))
		r.Get("/runs/{run_at}/issues", handleRunIssues(deps))
		r.Get("/products", handleCurrentProducts(deps))
		r.Get("/products/{id}/history", handleProductHistory(deps))
	})
	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleListRuns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 500)
		runs, err := deps.Store.ListRuns(r.Context(), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list runs: %v", err)
			return
		}
		if runs == nil {
			runs = []storage.RunSummary{}
		}
		writeJSON(w, runs)
	}
}

func handleLatestRun(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := deps.Store.LatestRun(r.Context())
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no runs committed yet")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get latest run: %v", err)
			return
		}
		writeJSON(w, run)
	}
}

func handleRunChanges(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, ok := lookupRun(w, r, deps)
		if !ok {
			return
		}
		includeUnchanged, _ := strconv.ParseBool(r.URL.Query().Get("include_unchanged"))
		view, err := runChanges(r.Context(), deps.Store, run, includeUnchanged)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load changes: %v", err)
			return
		}
		writeJSON(w, view)
	}
}

func handleRunIssues(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, ok := lookupRun(w, r, deps)
		if !ok {
			return
		}
		issues, err := deps.Store.RunIssues(r.Context(), run.RunAt)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load issues: %v", err)
			return
		}
		if issues == nil {
			issues = []reconcile.Issue{}
		}
		writeJSON(w, map[string]any{"run_at": run.RunAt, "issues": issues})
	}
}

func handleCurrentProducts(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 50, 1000)
		offset := parseIntParam(r, "offset", 0, 0)

		total, err := deps.Store.CountCurrent(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count products: %v", err)
			return
		}
		products, err := deps.Store.CurrentProducts(r.Context(), limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list products: %v", err)
			return
		}
		if products == nil {
			products = []storage.CurrentProduct{}
		}
		writeJSON(w, map[string]any{"total": total, "products": products})
	}
}

func handleProductHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := identity.ProductID(chi.URLParam(r, "id"))
		h, err := deps.Store.ProductHistory(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "product %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load history: %v", err)
			return
		}
		writeJSON(w, h)
	}
}

// lookupRun resolves the {run_at} parameter, which is an RFC 3339 time or "latest".
func lookupRun(w http.ResponseWriter, r *http.Request, deps Deps) (storage.RunSummary, bool) {
	param := chi.URLParam(r, "run_at")
	run, err := resolveRun(r.Context(), deps.Store, param)
	switch {
	case errors.Is(err, errBadRunAt):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return run, false
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "run %s not found", param)
		return run, false
	case err != nil:
		httpError(w, http.StatusInternalServerError, "api_error", "failed to load run: %v", err)
		return run, false
	}
	return run, true
}

var errBadRunAt = errors.New("run_at must be an RFC 3339 timestamp or \"latest\"")

func resolveRun(ctx context.Context, store Reports, param string) (storage.RunSummary, error) {
	if param == "" || param == "latest" {
		return store.LatestRun(ctx)
	}
	t, err := time.Parse(time.RFC3339, param)
	if err != nil {
		return storage.RunSummary{}, fmt.Errorf("%w: %q", errBadRunAt, param)
	}
	return store.Run(ctx, t)
}

func runChanges(ctx context.Context, store Reports, run storage.RunSummary, includeUnchanged bool) (RunChanges, error) {
	changes, err := store.ChangesForRun(ctx, run.RunAt, includeUnchanged)
	if err != nil {
		return RunChanges{}, err
	}
	view := RunChanges{Run: run, Counts: map[reconcile.ChangeType]int{}, Changes: changes}
	if view.Changes == nil {
		view.Changes = []reconcile.ChangeEntry{}
	}
	for _, c := range changes {
		view.Counts[c.Type]++
	}
	return view, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
