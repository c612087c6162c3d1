package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/snoozeyoulose/backend/internal/models"
	"github.com/snoozeyoulose/backend/internal/ratelimit"
)

type SendCodeRequest struct {
	PhoneNumber string `json:"phone_number"`
}

type VerifyRequest struct {
	PhoneNumber string `json:"phone_number"`
	Code        string `json:"code"`
}

type VerifyResponse struct {
	Token string       `json:"token"`
	User  *models.User `json:"user"`
}

type Handler struct {
	svc Service
	log *slog.Logger
}

func NewHandler(svc Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

// SendCode handles POST /api/v1/auth/send-code. The response is the same
// whether or not the number has an account; there is nothing to enumerate.
func (h *Handler) SendCode(w http.ResponseWriter, r *http.Request) {
	var req SendCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.PhoneNumber == "" {
		http.Error(w, `{"error":"phone_number is required"}`, http.StatusBadRequest)
		return
	}

	if err := h.svc.SendCode(r.Context(), req.PhoneNumber, clientIP(r)); err != nil {
		if errors.Is(err, ErrInvalidPhone) {
			http.Error(w, `{"error":"invalid phone number"}`, http.StatusBadRequest)
			return
		}
		var rl *ratelimit.RateLimitedError
		if errors.As(err, &rl) {
			writeLimited(w, rl)
			return
		}
		h.log.Error("send code failed", "error", err)
		http.Error(w, `{"error":"could not send code"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"sent": true})
}

// Verify handles POST /api/v1/auth/verify.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.PhoneNumber == "" || req.Code == "" {
		http.Error(w, `{"error":"phone_number and code are required"}`, http.StatusBadRequest)
		return
	}

	token, user, err := h.svc.Verify(r.Context(), req.PhoneNumber, req.Code)
	if err != nil {
		if errors.Is(err, ErrInvalidPhone) {
			http.Error(w, `{"error":"invalid phone number"}`, http.StatusBadRequest)
			return
		}
		if errors.Is(err, ErrInvalidCode) {
			http.Error(w, `{"error":"invalid or expired code"}`, http.StatusUnauthorized)
			return
		}
		var rl *ratelimit.RateLimitedError
		if errors.As(err, &rl) {
			writeLimited(w, rl)
			return
		}
		h.log.Error("verify failed", "error", err)
		http.Error(w, `{"error":"verification failed"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, VerifyResponse{Token: token, User: user})
}

// clientIP prefers the first X-Forwarded-For hop so per-IP limits survive a
// reverse proxy, falling back to the socket address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeLimited(w http.ResponseWriter, rl *ratelimit.RateLimitedError) {
	secs := int(rl.ResetIn.Seconds())
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": rl.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
