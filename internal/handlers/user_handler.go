package handlers

import (
	"net/http"

	"github.com/snoozeyoulose/backend/internal/middleware"
)

// UserHandler serves /api/v1/users endpoints.
type UserHandler struct{}

// GetMe handles GET /api/v1/users/me. The middleware already loaded the
// user, balance included, so this is a context read.
func (h *UserHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, user)
}
