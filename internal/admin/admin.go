// Package admin exposes read-only operational endpoints under /admin/,
// guarded by a shared secret header. Nothing here mutates state.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"openrabbit/internal/domain"
	"openrabbit/internal/store"
)

const defaultLimit = 20

// Store is the query surface the endpoints read from.
type Store interface {
	GetStats(ctx context.Context) (*store.Stats, error)
	ListRecentReviews(ctx context.Context, limit int) ([]*domain.Review, error)
	ListRecentErrors(ctx context.Context, limit int) ([]*domain.Review, error)
	ListIndexProgress(ctx context.Context) ([]*domain.Repository, error)
}

// Handler serves the admin endpoints.
type Handler struct {
	store  Store
	secret string
}

func NewHandler(st Store, secret string) *Handler {
	return &Handler{store: st, secret: secret}
}

// Register mounts the endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/admin/stats", h.guard(h.stats))
	mux.HandleFunc("/admin/reviews", h.guard(h.reviews))
	mux.HandleFunc("/admin/errors", h.guard(h.errors))
	mux.HandleFunc("/admin/indexing", h.guard(h.indexing))
}

func (h *Handler) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.secret == "" {
			http.Error(w, "admin endpoints disabled", http.StatusForbidden)
			return
		}
		provided := r.Header.Get("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(h.secret)) != 1 {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetStats(r.Context())
	if err != nil {
		fail(w, "loading stats", err)
		return
	}
	writeJSON(w, stats)
}

func (h *Handler) reviews(w http.ResponseWriter, r *http.Request) {
	revs, err := h.store.ListRecentReviews(r.Context(), limitParam(r))
	if err != nil {
		fail(w, "listing reviews", err)
		return
	}
	writeJSON(w, revs)
}

func (h *Handler) errors(w http.ResponseWriter, r *http.Request) {
	revs, err := h.store.ListRecentErrors(r.Context(), limitParam(r))
	if err != nil {
		fail(w, "listing errors", err)
		return
	}
	writeJSON(w, revs)
}

func (h *Handler) indexing(w http.ResponseWriter, r *http.Request) {
	repos, err := h.store.ListIndexProgress(r.Context())
	if err != nil {
		fail(w, "listing index progress", err)
		return
	}
	writeJSON(w, repos)
}

func limitParam(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			return n
		}
	}
	return defaultLimit
}

func fail(w http.ResponseWriter, what string, err error) {
	slog.Error(what+" failed", "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding admin response failed", "error", err)
	}
}
