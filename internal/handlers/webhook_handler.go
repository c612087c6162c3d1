package handlers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/snoozeyoulose/backend/internal/auth"
	"github.com/snoozeyoulose/backend/internal/models"
	"github.com/snoozeyoulose/backend/internal/notify"
	"github.com/snoozeyoulose/backend/internal/services"
)

// FundingEscrow is the engine operation behind the funding webhook.
type FundingEscrow interface {
	CreditFunding(ctx context.Context, tx pgx.Tx, eventID string, userID uuid.UUID, amountCents int64) (bool, error)
}

// WebhookAlarmStore resolves alarms for inbound channel acknowledgements.
type WebhookAlarmStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Alarm, error)
	GetActiveByUser(ctx context.Context, userID uuid.UUID) (*models.Alarm, error)
}

// WebhookUserStore resolves inbound callers by phone number.
type WebhookUserStore interface {
	GetByPhone(ctx context.Context, phoneNumber string) (*models.User, error)
}

// WebhookEscrow is the acknowledge path shared with the API handler.
type WebhookEscrow interface {
	Acknowledge(ctx context.Context, tx pgx.Tx, userID, alarmID uuid.UUID, code string) (*models.Alarm, error)
}

// WebhookHandler serves the unauthenticated /webhooks endpoints. Funding is
// guarded by a shared secret, the Twilio endpoints by signature validation.
type WebhookHandler struct {
	Pool          TxBeginner
	Users         WebhookUserStore
	Alarms        WebhookAlarmStore
	Escrow        WebhookEscrow
	Funding       FundingEscrow
	Logger        *slog.Logger
	FundingSecret string
	TwilioToken   string
	PublicBaseURL string
	SkipSigCheck  bool // test mode only
}

// --- POST /webhooks/funding ---

type fundingEventRequest struct {
	EventID     string `json:"event_id"`
	UserID      string `json:"user_id"`
	AmountCents int64  `json:"amount_cents"`
}

// HandleFunding handles POST /webhooks/funding: a confirmed deposit from the
// payment provider. Redelivery of the same event_id credits nothing.
func (h *WebhookHandler) HandleFunding(w http.ResponseWriter, r *http.Request) {
	if !h.fundingAuthorized(r) {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req fundingEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.EventID == "" {
		http.Error(w, `{"error":"event_id is required"}`, http.StatusBadRequest)
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		http.Error(w, `{"error":"invalid user_id"}`, http.StatusBadRequest)
		return
	}

	tx, err := h.Pool.Begin(r.Context())
	if err != nil {
		h.Logger.Error("begin funding tx", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	defer tx.Rollback(r.Context())

	applied, err := h.Funding.CreditFunding(r.Context(), tx, req.EventID, userID, req.AmountCents)
	if err != nil {
		var vErr *services.ValidationError
		if errors.As(err, &vErr) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": vErr.Reason})
			return
		}
		h.Logger.Error("credit funding", "event_id", req.EventID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	if err := tx.Commit(r.Context()); err != nil {
		h.Logger.Error("commit funding tx", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}

func (h *WebhookHandler) fundingAuthorized(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	want := "Bearer " + h.FundingSecret
	return h.FundingSecret != "" &&
		subtle.ConstantTimeCompare([]byte(header), []byte(want)) == 1
}

// --- POST /webhooks/sms ---

// HandleSMS handles an inbound Twilio SMS: a reply containing the 4-digit
// code acknowledges the sender's ringing alarm. Everything answers TwiML so
// the user always gets a reply text.
func (h *WebhookHandler) HandleSMS(w http.ResponseWriter, r *http.Request) {
	if !h.validTwilioRequest(w, r) {
		return
	}

	from := r.PostFormValue("From")
	body := strings.TrimSpace(r.PostFormValue("Body"))

	phone, err := auth.NormalizePhone(from)
	if err != nil {
		writeTwiML(w, notify.SMSReply("Sorry, we couldn't read your number."))
		return
	}
	user, err := h.Users.GetByPhone(r.Context(), phone)
	if err != nil {
		h.Logger.Error("sms webhook user lookup", "error", err)
		writeTwiML(w, notify.SMSReply("Something went wrong. Please try again."))
		return
	}
	if user == nil {
		writeTwiML(w, notify.SMSReply("We don't recognize this number."))
		return
	}

	alarm, err := h.Alarms.GetActiveByUser(r.Context(), user.ID)
	if err != nil {
		h.Logger.Error("sms webhook alarm lookup", "error", err)
		writeTwiML(w, notify.SMSReply("Something went wrong. Please try again."))
		return
	}
	if alarm == nil || alarm.Status != models.AlarmStatusRinging {
		writeTwiML(w, notify.SMSReply("No alarm is ringing right now."))
		return
	}

	result := h.acknowledge(r.Context(), user.ID, alarm.ID, body)
	switch result {
	case ackOK:
		writeTwiML(w, notify.SMSReply("You're awake! Your stake is back in your balance. Good morning!"))
	case ackWrongCode:
		writeTwiML(w, notify.SMSReply("That's not the right code. Check the message and try again."))
	case ackTooLate:
		writeTwiML(w, notify.SMSReply("Too late — the response window has closed."))
	case ackRateLimited:
		writeTwiML(w, notify.SMSReply("Too many attempts. Wait a moment and try again."))
	default:
		writeTwiML(w, notify.SMSReply("Something went wrong. Please try again."))
	}
}

// --- POST /webhooks/voice ---

// HandleVoice handles the digits gathered during the alarm call. The alarm
// id rides on the query string set when the call was placed.
func (h *WebhookHandler) HandleVoice(w http.ResponseWriter, r *http.Request) {
	if !h.validTwilioRequest(w, r) {
		return
	}

	alarmID, err := uuid.Parse(r.URL.Query().Get("alarmId"))
	if err != nil {
		writeTwiML(w, notify.VoiceSay("Sorry, something went wrong. Goodbye."))
		return
	}
	digits := strings.TrimSpace(r.PostFormValue("Digits"))

	alarm, err := h.Alarms.GetByID(r.Context(), alarmID)
	if err != nil {
		h.Logger.Error("voice webhook alarm lookup", "alarm_id", alarmID, "error", err)
		writeTwiML(w, notify.VoiceSay("Sorry, something went wrong. Goodbye."))
		return
	}
	if alarm.Status != models.AlarmStatusRinging {
		writeTwiML(w, notify.VoiceSay("This alarm is no longer active. Goodbye."))
		return
	}

	result := h.acknowledge(r.Context(), alarm.UserID, alarm.ID, digits)
	switch result {
	case ackOK:
		writeTwiML(w, notify.VoiceSay("Correct! You're awake and your stake is safe. Good morning!"))
	case ackWrongCode:
		// Let them try again on the same call.
		writeTwiML(w, notify.VoiceGather("That code is not correct. Try again.", ""))
	case ackTooLate:
		writeTwiML(w, notify.VoiceSay("The response window has closed. Goodbye."))
	case ackRateLimited:
		writeTwiML(w, notify.VoiceSay("Too many attempts. Goodbye."))
	default:
		writeTwiML(w, notify.VoiceSay("Sorry, something went wrong. Goodbye."))
	}
}

// --- shared plumbing ---

type ackResult int

const (
	ackOK ackResult = iota
	ackWrongCode
	ackTooLate
	ackRateLimited
	ackError
)

// acknowledge runs Engine.Acknowledge in its own transaction and folds the
// outcome into the handful of cases the channel replies distinguish.
func (h *WebhookHandler) acknowledge(ctx context.Context, userID, alarmID uuid.UUID, code string) ackResult {
	tx, err := h.Pool.Begin(ctx)
	if err != nil {
		h.Logger.Error("begin webhook ack tx", "error", err)
		return ackError
	}
	defer tx.Rollback(ctx)

	_, err = h.Escrow.Acknowledge(ctx, tx, userID, alarmID, code)
	if err != nil {
		var vErr *services.ValidationError
		var rlErr *services.RateLimitedError
		switch {
		case errors.Is(err, services.ErrInvalidCode), errors.As(err, &vErr):
			return ackWrongCode
		case errors.Is(err, services.ErrInvalidState):
			return ackTooLate
		case errors.As(err, &rlErr):
			return ackRateLimited
		default:
			h.Logger.Error("webhook acknowledge", "alarm_id", alarmID, "error", err)
			return ackError
		}
	}

	if err := tx.Commit(ctx); err != nil {
		h.Logger.Error("commit webhook ack tx", "error", err)
		return ackError
	}
	return ackOK
}

// validTwilioRequest verifies the X-Twilio-Signature header. On failure it
// writes the 403 itself.
func (h *WebhookHandler) validTwilioRequest(w http.ResponseWriter, r *http.Request) bool {
	if err := r.ParseForm(); err != nil {
		http.Error(w, `{"error":"invalid form"}`, http.StatusBadRequest)
		return false
	}
	if h.SkipSigCheck {
		return true
	}

	fullURL := h.PublicBaseURL + r.URL.RequestURI()
	sig := r.Header.Get("X-Twilio-Signature")
	if !notify.ValidateSignature(h.TwilioToken, sig, fullURL, r.PostForm) {
		http.Error(w, `{"error":"invalid signature"}`, http.StatusForbidden)
		return false
	}
	return true
}

func writeTwiML(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}
