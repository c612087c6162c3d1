package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/snoozeyoulose/backend/internal/middleware"
	"github.com/snoozeyoulose/backend/internal/models"
	"github.com/snoozeyoulose/backend/internal/ratelimit"
	"github.com/snoozeyoulose/backend/internal/services"
)

var validate = validator.New()

// Escrow abstracts the alarm state machine operations the handler drives.
type Escrow interface {
	CreateAlarm(ctx context.Context, tx pgx.Tx, userID uuid.UUID, scheduledFor time.Time, stakeCents int64) (*models.Alarm, error)
	Cancel(ctx context.Context, tx pgx.Tx, userID, alarmID uuid.UUID) (*models.Alarm, error)
	Acknowledge(ctx context.Context, tx pgx.Tx, userID, alarmID uuid.UUID, code string) (*models.Alarm, error)
}

// AlarmLister is the read-only alarm access used by GET endpoints.
type AlarmLister interface {
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Alarm, error)
	GetActiveByUser(ctx context.Context, userID uuid.UUID) (*models.Alarm, error)
}

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// AlarmHandler serves /api/v1/alarms endpoints.
type AlarmHandler struct {
	Pool   TxBeginner
	Alarms AlarmLister
	Escrow Escrow
	Logger *slog.Logger
}

// alarmResponse hides the verification code except while the alarm is
// ringing, when the app needs it on screen for manual entry.
type alarmResponse struct {
	*models.Alarm
	VerificationCode string `json:"verification_code,omitempty"`
}

func alarmToResponse(a *models.Alarm) alarmResponse {
	resp := alarmResponse{Alarm: a}
	if a.Status == models.AlarmStatusRinging {
		resp.VerificationCode = a.VerificationCode
	}
	return resp
}

// --- POST /api/v1/alarms ---

type createAlarmRequest struct {
	ScheduledFor     time.Time `json:"scheduled_for" validate:"required"`
	StakeAmountCents int64     `json:"stake_amount_cents" validate:"required,gt=0"`
}

// Create handles POST /api/v1/alarms.
// Auth (via middleware) -> Validate -> Debit Stake + Insert Alarm in one tx -> 201.
func (h *AlarmHandler) Create(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req createAlarmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if err := validate.Struct(req); err != nil {
		http.Error(w, `{"error":"scheduled_for and stake_amount_cents are required"}`, http.StatusBadRequest)
		return
	}

	tx, err := h.Pool.Begin(r.Context())
	if err != nil {
		h.Logger.Error("begin tx", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	defer tx.Rollback(r.Context())

	alarm, err := h.Escrow.CreateAlarm(r.Context(), tx, user.ID, req.ScheduledFor, req.StakeAmountCents)
	if err != nil {
		h.writeEscrowError(w, err, "create alarm")
		return
	}

	if err := tx.Commit(r.Context()); err != nil {
		h.Logger.Error("commit tx", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, alarmToResponse(alarm))
}

// --- POST /api/v1/alarms/{id}/cancel ---

// Cancel handles POST /api/v1/alarms/{id}/cancel. Only pending alarms can be
// cancelled; the stake comes back in the same transaction.
func (h *AlarmHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	alarmID, ok := extractAlarmID(r)
	if !ok {
		http.Error(w, `{"error":"invalid alarm id"}`, http.StatusBadRequest)
		return
	}

	tx, err := h.Pool.Begin(r.Context())
	if err != nil {
		h.Logger.Error("begin tx", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	defer tx.Rollback(r.Context())

	alarm, err := h.Escrow.Cancel(r.Context(), tx, user.ID, alarmID)
	if err != nil {
		h.writeEscrowError(w, err, "cancel alarm")
		return
	}

	if err := tx.Commit(r.Context()); err != nil {
		h.Logger.Error("commit tx", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, alarmToResponse(alarm))
}

// --- POST /api/v1/alarms/{id}/acknowledge ---

type acknowledgeRequest struct {
	Code string `json:"code" validate:"required"`
}

// Acknowledge handles POST /api/v1/alarms/{id}/acknowledge — the in-app path
// for proving wakefulness.
func (h *AlarmHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	alarmID, ok := extractAlarmID(r)
	if !ok {
		http.Error(w, `{"error":"invalid alarm id"}`, http.StatusBadRequest)
		return
	}

	var req acknowledgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if err := validate.Struct(req); err != nil {
		http.Error(w, `{"error":"code is required"}`, http.StatusBadRequest)
		return
	}

	tx, err := h.Pool.Begin(r.Context())
	if err != nil {
		h.Logger.Error("begin tx", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	defer tx.Rollback(r.Context())

	alarm, err := h.Escrow.Acknowledge(r.Context(), tx, user.ID, alarmID, req.Code)
	if err != nil {
		h.writeEscrowError(w, err, "acknowledge alarm")
		return
	}

	if err := tx.Commit(r.Context()); err != nil {
		h.Logger.Error("commit tx", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, alarmToResponse(alarm))
}

// --- GET /api/v1/alarms ---

type listAlarmsResponse struct {
	Alarms      []alarmResponse `json:"alarms"`
	ActiveAlarm *alarmResponse  `json:"active_alarm"`
}

// List handles GET /api/v1/alarms: full history newest-first plus the one
// active alarm, if any.
func (h *AlarmHandler) List(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	alarms, err := h.Alarms.ListByUser(r.Context(), user.ID)
	if err != nil {
		h.Logger.Error("list alarms", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	active, err := h.Alarms.GetActiveByUser(r.Context(), user.ID)
	if err != nil {
		h.Logger.Error("get active alarm", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	resp := listAlarmsResponse{Alarms: make([]alarmResponse, 0, len(alarms))}
	for _, a := range alarms {
		resp.Alarms = append(resp.Alarms, alarmToResponse(a))
	}
	if active != nil {
		ar := alarmToResponse(active)
		resp.ActiveAlarm = &ar
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- helpers ---

// writeEscrowError maps engine errors onto HTTP statuses. ErrNotOwner gets
// the same 404 as a missing alarm so alarm ids cannot be probed.
func (h *AlarmHandler) writeEscrowError(w http.ResponseWriter, err error, op string) {
	var vErr *services.ValidationError
	var rlErr *ratelimit.RateLimitedError
	switch {
	case errors.As(err, &vErr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": vErr.Reason})
	case errors.As(err, &rlErr):
		secs := int(rlErr.ResetIn.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": rlErr.Error()})
	case errors.Is(err, services.ErrInsufficientFunds):
		http.Error(w, `{"error":"insufficient funds"}`, http.StatusPaymentRequired)
	case errors.Is(err, services.ErrActiveAlarm):
		http.Error(w, `{"error":"an active alarm already exists"}`, http.StatusConflict)
	case errors.Is(err, services.ErrConflict):
		http.Error(w, `{"error":"concurrent update, please retry"}`, http.StatusConflict)
	case errors.Is(err, services.ErrAlarmNotFound), errors.Is(err, services.ErrNotOwner):
		http.Error(w, `{"error":"alarm not found"}`, http.StatusNotFound)
	case errors.Is(err, services.ErrInvalidState):
		http.Error(w, `{"error":"operation not valid for alarm state"}`, http.StatusConflict)
	case errors.Is(err, services.ErrInvalidCode):
		http.Error(w, `{"error":"incorrect code"}`, http.StatusBadRequest)
	default:
		h.Logger.Error(op, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}

// extractAlarmID parses the alarm UUID from the URL path.
// Supports paths like /api/v1/alarms/{id}/cancel and /{id}/acknowledge.
func extractAlarmID(r *http.Request) (uuid.UUID, bool) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/alarms/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) == 0 {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(parts[0])
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
