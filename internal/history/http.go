package history

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/example/campustrack/internal/auth"
)

// HTTP serves a driver's recent location history to administrators.
type HTTP struct {
	repo   *Repository
	secret string
	logger *zap.Logger
}

func NewHTTP(repo *Repository, jwtSecret string, logger *zap.Logger) *HTTP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{repo: repo, secret: jwtSecret, logger: logger}
}

// Register adds GET /admin/drivers/{id}/history to r.
func (h *HTTP) Register(r chi.Router) {
	r.With(auth.Middleware(h.secret, auth.RoleAdmin)).Get("/admin/drivers/{id}/history", h.recent)
}

func (h *HTTP) recent(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	points, err := h.repo.Recent(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		h.logger.Error("history query failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"points": points, "count": len(points)})
}
