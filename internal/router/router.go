package router

import (
	"net/http"
	"strings"

	"github.com/snoozeyoulose/backend/internal/auth"
	"github.com/snoozeyoulose/backend/internal/handlers"
)

// New returns an http.Handler serving the full surface: public auth
// endpoints, JWT-protected user/alarm endpoints, provider webhooks, and the
// health check. authMW wraps everything that needs a logged-in user.
func New(
	authHandler *auth.Handler,
	userHandler *handlers.UserHandler,
	alarmHandler *handlers.AlarmHandler,
	webhookHandler *handlers.WebhookHandler,
	authMW func(http.Handler) http.Handler,
) http.Handler {
	mux := http.NewServeMux()
	base := "/api/v1"

	mux.HandleFunc(base+"/auth/send-code", methodPOST(authHandler.SendCode))
	mux.HandleFunc(base+"/auth/verify", methodPOST(authHandler.Verify))

	mux.Handle(base+"/users/me", authMW(methodGET(userHandler.GetMe)))
	mux.Handle(base+"/alarms", authMW(alarmsDispatch(alarmHandler)))
	mux.Handle(base+"/alarms/", authMW(alarmActionDispatch(alarmHandler)))

	// Webhooks authenticate themselves (shared secret / Twilio signature).
	mux.HandleFunc("/webhooks/funding", methodPOST(webhookHandler.HandleFunding))
	mux.HandleFunc("/webhooks/sms", methodPOST(webhookHandler.HandleSMS))
	mux.HandleFunc("/webhooks/voice", methodPOST(webhookHandler.HandleVoice))

	mux.HandleFunc("/healthz", methodGET(healthz))

	return mux
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func methodGET(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func methodPOST(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func alarmsDispatch(h *handlers.AlarmHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			h.List(w, r)
		case http.MethodPost:
			h.Create(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// alarmActionDispatch routes /api/v1/alarms/{id}/cancel and /{id}/acknowledge.
func alarmActionDispatch(h *handlers.AlarmHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		switch {
		case strings.HasSuffix(r.URL.Path, "/cancel"):
			h.Cancel(w, r)
		case strings.HasSuffix(r.URL.Path, "/acknowledge"):
			h.Acknowledge(w, r)
		default:
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		}
	}
}
