package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/snoozeyoulose/backend/internal/models"
	"github.com/snoozeyoulose/backend/internal/services"
)

// --- mocks ---

type mockFundingEscrow struct {
	applied   bool
	err       error
	gotEvent  string
	gotUser   uuid.UUID
	gotAmount int64
}

func (m *mockFundingEscrow) CreditFunding(_ context.Context, _ pgx.Tx, eventID string, userID uuid.UUID, amountCents int64) (bool, error) {
	m.gotEvent = eventID
	m.gotUser = userID
	m.gotAmount = amountCents
	return m.applied, m.err
}

type mockWebhookUsers struct {
	user *models.User
}

func (m *mockWebhookUsers) GetByPhone(_ context.Context, phone string) (*models.User, error) {
	if m.user != nil && m.user.PhoneNumber == phone {
		return m.user, nil
	}
	return nil, nil
}

type mockWebhookAlarms struct {
	byID   map[uuid.UUID]*models.Alarm
	active *models.Alarm
}

func (m *mockWebhookAlarms) GetByID(_ context.Context, id uuid.UUID) (*models.Alarm, error) {
	a, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	return a, nil
}

func (m *mockWebhookAlarms) GetActiveByUser(context.Context, uuid.UUID) (*models.Alarm, error) {
	return m.active, nil
}

func newTestWebhookHandler() (*WebhookHandler, *mockEscrow, *mockWebhookAlarms, *mockWebhookUsers) {
	esc := &mockEscrow{}
	alarms := &mockWebhookAlarms{byID: make(map[uuid.UUID]*models.Alarm)}
	users := &mockWebhookUsers{}
	h := &WebhookHandler{
		Pool:          mockPool{},
		Users:         users,
		Alarms:        alarms,
		Escrow:        esc,
		Logger:        slog.Default(),
		FundingSecret: "hook-secret",
		SkipSigCheck:  true,
	}
	return h, esc, alarms, users
}

func postForm(path string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

// =====================================================================
// POST /webhooks/funding
// =====================================================================

func TestFundingWebhook(t *testing.T) {
	h, _, _, _ := newTestWebhookHandler()
	funding := &mockFundingEscrow{applied: true}
	h.Funding = funding

	userID := uuid.New()
	body := fmt.Sprintf(`{"event_id":"evt_1","user_id":%q,"amount_cents":5000}`, userID)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/funding", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer hook-secret")
	rec := httptest.NewRecorder()

	h.HandleFunding(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if funding.gotEvent != "evt_1" || funding.gotUser != userID || funding.gotAmount != 5000 {
		t.Errorf("engine got (%s, %s, %d)", funding.gotEvent, funding.gotUser, funding.gotAmount)
	}
	if !strings.Contains(rec.Body.String(), `"applied":true`) {
		t.Errorf("body: %s", rec.Body.String())
	}
}

func TestFundingWebhook_Redelivery(t *testing.T) {
	h, _, _, _ := newTestWebhookHandler()
	h.Funding = &mockFundingEscrow{applied: false}

	body := fmt.Sprintf(`{"event_id":"evt_1","user_id":%q,"amount_cents":5000}`, uuid.New())
	req := httptest.NewRequest(http.MethodPost, "/webhooks/funding", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer hook-secret")
	rec := httptest.NewRecorder()

	h.HandleFunding(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"applied":false`) {
		t.Errorf("body: %s", rec.Body.String())
	}
}

func TestFundingWebhook_BadSecret(t *testing.T) {
	h, _, _, _ := newTestWebhookHandler()
	h.Funding = &mockFundingEscrow{}

	body := fmt.Sprintf(`{"event_id":"evt_1","user_id":%q,"amount_cents":5000}`, uuid.New())
	for _, header := range []string{"", "Bearer wrong", "hook-secret"} {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/funding", strings.NewReader(body))
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.HandleFunding(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("header %q: expected 401, got %d", header, rec.Code)
		}
	}
}

func TestFundingWebhook_BadAmount(t *testing.T) {
	h, _, _, _ := newTestWebhookHandler()
	h.Funding = &mockFundingEscrow{err: &services.ValidationError{Reason: "funding amount must be positive"}}

	body := fmt.Sprintf(`{"event_id":"evt_1","user_id":%q,"amount_cents":-5}`, uuid.New())
	req := httptest.NewRequest(http.MethodPost, "/webhooks/funding", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer hook-secret")
	rec := httptest.NewRecorder()

	h.HandleFunding(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

// =====================================================================
// POST /webhooks/sms
// =====================================================================

func TestSMSWebhook_Acknowledges(t *testing.T) {
	h, esc, alarms, users := newTestWebhookHandler()

	user := &models.User{ID: uuid.New(), PhoneNumber: "5551234567"}
	users.user = user
	ringing := &models.Alarm{ID: uuid.New(), UserID: user.ID, Status: models.AlarmStatusRinging}
	alarms.active = ringing
	esc.alarm = ringing

	req := postForm("/webhooks/sms", url.Values{"From": {"+15551234567"}, "Body": {" 4321 "}})
	rec := httptest.NewRecorder()
	h.HandleSMS(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "text/xml" {
		t.Errorf("content type: got %q", got)
	}
	if !esc.ackCalled {
		t.Fatal("expected Acknowledge to be called")
	}
	if esc.gotCode != "4321" {
		t.Errorf("code: got %q, want trimmed 4321", esc.gotCode)
	}
	if !strings.Contains(rec.Body.String(), "awake") {
		t.Errorf("reply: %s", rec.Body.String())
	}
}

func TestSMSWebhook_UnknownNumber(t *testing.T) {
	h, esc, _, _ := newTestWebhookHandler()

	req := postForm("/webhooks/sms", url.Values{"From": {"+15550000000"}, "Body": {"4321"}})
	rec := httptest.NewRecorder()
	h.HandleSMS(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 TwiML, got %d", rec.Code)
	}
	if esc.ackCalled {
		t.Error("unknown sender must not reach the engine")
	}
	if !strings.Contains(rec.Body.String(), "recognize") {
		t.Errorf("reply: %s", rec.Body.String())
	}
}

func TestSMSWebhook_NoRingingAlarm(t *testing.T) {
	h, esc, _, users := newTestWebhookHandler()
	users.user = &models.User{ID: uuid.New(), PhoneNumber: "5551234567"}

	req := postForm("/webhooks/sms", url.Values{"From": {"+15551234567"}, "Body": {"4321"}})
	rec := httptest.NewRecorder()
	h.HandleSMS(rec, req)

	if esc.ackCalled {
		t.Error("no ringing alarm: engine must not be called")
	}
	if !strings.Contains(rec.Body.String(), "No alarm") {
		t.Errorf("reply: %s", rec.Body.String())
	}
}

func TestSMSWebhook_WrongCode(t *testing.T) {
	h, esc, alarms, users := newTestWebhookHandler()

	user := &models.User{ID: uuid.New(), PhoneNumber: "5551234567"}
	users.user = user
	alarms.active = &models.Alarm{ID: uuid.New(), UserID: user.ID, Status: models.AlarmStatusRinging}
	esc.err = services.ErrInvalidCode

	req := postForm("/webhooks/sms", url.Values{"From": {"+15551234567"}, "Body": {"0000"}})
	rec := httptest.NewRecorder()
	h.HandleSMS(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 TwiML, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "not the right code") {
		t.Errorf("reply: %s", rec.Body.String())
	}
}

// =====================================================================
// POST /webhooks/voice
// =====================================================================

func TestVoiceWebhook_Acknowledges(t *testing.T) {
	h, esc, alarms, _ := newTestWebhookHandler()

	ringing := &models.Alarm{ID: uuid.New(), UserID: uuid.New(), Status: models.AlarmStatusRinging}
	alarms.byID[ringing.ID] = ringing
	esc.alarm = ringing

	req := postForm("/webhooks/voice?alarmId="+ringing.ID.String(), url.Values{"Digits": {"4321"}})
	rec := httptest.NewRecorder()
	h.HandleVoice(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !esc.ackCalled || esc.gotCode != "4321" {
		t.Errorf("engine call: called=%v code=%q", esc.ackCalled, esc.gotCode)
	}
	if !strings.Contains(rec.Body.String(), "Correct") {
		t.Errorf("reply: %s", rec.Body.String())
	}
}

func TestVoiceWebhook_WrongCodeGathersAgain(t *testing.T) {
	h, esc, alarms, _ := newTestWebhookHandler()

	ringing := &models.Alarm{ID: uuid.New(), UserID: uuid.New(), Status: models.AlarmStatusRinging}
	alarms.byID[ringing.ID] = ringing
	esc.err = services.ErrInvalidCode

	req := postForm("/webhooks/voice?alarmId="+ringing.ID.String(), url.Values{"Digits": {"0000"}})
	rec := httptest.NewRecorder()
	h.HandleVoice(rec, req)

	// The caller gets another <Gather>, not a hangup.
	if !strings.Contains(rec.Body.String(), "<Gather") {
		t.Errorf("reply should re-gather: %s", rec.Body.String())
	}
}

func TestVoiceWebhook_InactiveAlarm(t *testing.T) {
	h, esc, alarms, _ := newTestWebhookHandler()

	done := &models.Alarm{ID: uuid.New(), UserID: uuid.New(), Status: models.AlarmStatusFailed}
	alarms.byID[done.ID] = done

	req := postForm("/webhooks/voice?alarmId="+done.ID.String(), url.Values{"Digits": {"4321"}})
	rec := httptest.NewRecorder()
	h.HandleVoice(rec, req)

	if esc.ackCalled {
		t.Error("inactive alarm must not reach the engine")
	}
	if !strings.Contains(rec.Body.String(), "no longer active") {
		t.Errorf("reply: %s", rec.Body.String())
	}
}

func TestVoiceWebhook_MissingAlarmID(t *testing.T) {
	h, esc, _, _ := newTestWebhookHandler()

	req := postForm("/webhooks/voice", url.Values{"Digits": {"4321"}})
	rec := httptest.NewRecorder()
	h.HandleVoice(rec, req)

	if esc.ackCalled {
		t.Error("engine must not be called without an alarm id")
	}
}
