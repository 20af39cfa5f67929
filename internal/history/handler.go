package history

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

// MaxLimit caps the limit query parameter.
const MaxLimit = 500

// Handler serves GET requests for recent entries as JSON. The optional query
// parameters are q (full-text search) and limit (defaults to defaultLimit,
// at most [MaxLimit]).
type Handler struct {
	store        Store
	defaultLimit int
}

// NewHandler returns a Handler reading from store. A non-positive
// defaultLimit selects [MaxLimit].
func NewHandler(store Store, defaultLimit int) *Handler {
	if defaultLimit <= 0 || defaultLimit > MaxLimit {
		defaultLimit = MaxLimit
	}
	return &Handler{store: store, defaultLimit: defaultLimit}
}

// ServeHTTP implements [http.Handler].
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := h.defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, MaxLimit)
	}

	var (
		entries []Entry
		err     error
	)
	if q := r.URL.Query().Get("q"); q != "" {
		entries, err = h.store.Search(r.Context(), q, limit)
	} else {
		entries, err = h.store.Recent(r.Context(), limit)
	}
	if err != nil {
		slog.Warn("history: query failed", "err", err)
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []Entry{}
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(entries); err != nil {
		slog.Debug("history: write response", "err", err)
	}
}
