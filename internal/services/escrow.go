package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/snoozeyoulose/backend/internal/ledger"
	"github.com/snoozeyoulose/backend/internal/models"
	"github.com/snoozeyoulose/backend/internal/notify"
	"github.com/snoozeyoulose/backend/internal/ratelimit"
	"github.com/snoozeyoulose/backend/internal/repository"
)

// Ledger errors surface to callers unchanged.
var (
	ErrInsufficientFunds = ledger.ErrInsufficientFunds
	ErrConflict          = ledger.ErrConflict
)

var (
	// ErrActiveAlarm: at most one pending/ringing alarm per user.
	ErrActiveAlarm = repository.ErrActiveAlarmExists
	// ErrAlarmNotFound is returned when the alarm id does not exist.
	ErrAlarmNotFound = errors.New("alarm not found")
	// ErrNotOwner is returned when the requester does not own the alarm.
	ErrNotOwner = errors.New("not the alarm owner")
	// ErrInvalidState is returned when the operation is not valid for the
	// alarm's current status. It is the guard against duplicate transitions:
	// a second cancel, a late acknowledgement of a failed alarm.
	ErrInvalidState = errors.New("operation not valid for alarm state")
	// ErrInvalidCode is returned on a code mismatch. The stored code never
	// appears in any error payload.
	ErrInvalidCode = errors.New("invalid verification code")
)

// ValidationError rejects bad input before any side effect.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// RateLimitedError rejects a request with a wait hint.
type RateLimitedError = ratelimit.RateLimitedError

// LedgerStore is the balance mutation contract the engine needs.
type LedgerStore interface {
	Debit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amountCents int64) error
	Credit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amountCents int64) error
}

// AlarmStore is the alarm persistence contract. Mark* methods are
// conditioned on the current status and report false when no row matched,
// which the engine reads as "someone else already made this transition".
type AlarmStore interface {
	Create(ctx context.Context, tx pgx.Tx, a *models.Alarm) error
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Alarm, error)
	GetActiveByUser(ctx context.Context, userID uuid.UUID) (*models.Alarm, error)
	MarkAcknowledged(ctx context.Context, tx pgx.Tx, id uuid.UUID, at time.Time) (bool, error)
	MarkCancelled(ctx context.Context, tx pgx.Tx, id uuid.UUID) (bool, error)
	ListDuePending(ctx context.Context, now time.Time) ([]*models.Alarm, error)
	MarkRinging(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	ListExpiredRinging(ctx context.Context, cutoff time.Time) ([]*models.Alarm, error)
	MarkFailed(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
}

// UserStore resolves users for notification delivery.
type UserStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// FundingStore records funding events for idempotent credits.
type FundingStore interface {
	InsertEvent(ctx context.Context, tx pgx.Tx, e *models.FundingEvent) error
}

// EngineConfig holds the centrally enforced bounds. Handlers do shape
// validation only; every bound lives here.
type EngineConfig struct {
	MinStakeCents  int64
	MaxStakeCents  int64
	MinLeadTime    time.Duration
	MaxLeadTime    time.Duration
	ResponseWindow time.Duration
	AckMaxAttempts int
	AckWindow      time.Duration
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MinStakeCents:  100,
		MaxStakeCents:  50000,
		MinLeadTime:    time.Minute,
		MaxLeadTime:    7 * 24 * time.Hour,
		ResponseWindow: 5 * time.Minute,
		AckMaxAttempts: 10,
		AckWindow:      5 * time.Minute,
	}
}

// Engine is the alarm/escrow state machine. It is the only mutator of alarm
// status and the only caller of ledger debit/credit, so the stake is always
// in exactly one place: spendable balance, escrow, or forfeited.
type Engine struct {
	Ledger         LedgerStore
	Alarms         AlarmStore
	Users          UserStore
	Funding        FundingStore
	Limiter        ratelimit.Limiter
	Notifier       notify.Dispatcher
	Config         EngineConfig
	Logger         *slog.Logger
	VoiceGatherURL string

	nowFn func() time.Time
}

func NewEngine(l LedgerStore, a AlarmStore, u UserStore, f FundingStore, limiter ratelimit.Limiter, notifier notify.Dispatcher, cfg EngineConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		Ledger:   l,
		Alarms:   a,
		Users:    u,
		Funding:  f,
		Limiter:  limiter,
		Notifier: notifier,
		Config:   cfg,
		Logger:   logger,
		nowFn:    time.Now,
	}
}

func (e *Engine) now() time.Time { return e.nowFn() }

// conflictRetries bounds retries of optimistic-lock collisions before the
// error is surfaced as "please retry".
const conflictRetries = 3

func (e *Engine) retryConflict(fn func() error) error {
	var err error
	for i := 0; i < conflictRetries; i++ {
		err = fn()
		if !errors.Is(err, ledger.ErrConflict) {
			return err
		}
	}
	return err
}

// CreateAlarm validates bounds, debits the stake, and inserts the alarm in
// pending — all inside the caller's transaction, so neither half happens
// without the other. The "one active alarm" pre-check is advisory; the
// partial unique index on alarms closes the race between concurrent creates.
func (e *Engine) CreateAlarm(ctx context.Context, tx pgx.Tx, userID uuid.UUID, scheduledFor time.Time, stakeCents int64) (*models.Alarm, error) {
	cfg := e.Config
	if stakeCents < cfg.MinStakeCents {
		return nil, &ValidationError{Reason: fmt.Sprintf("minimum stake is %d cents", cfg.MinStakeCents)}
	}
	if stakeCents > cfg.MaxStakeCents {
		return nil, &ValidationError{Reason: fmt.Sprintf("maximum stake is %d cents", cfg.MaxStakeCents)}
	}
	now := e.now()
	if scheduledFor.Before(now.Add(cfg.MinLeadTime)) {
		return nil, &ValidationError{Reason: fmt.Sprintf("alarm must be at least %s in the future", cfg.MinLeadTime)}
	}
	if scheduledFor.After(now.Add(cfg.MaxLeadTime)) {
		return nil, &ValidationError{Reason: fmt.Sprintf("alarm cannot be more than %s in the future", cfg.MaxLeadTime)}
	}

	if active, err := e.Alarms.GetActiveByUser(ctx, userID); err != nil {
		return nil, err
	} else if active != nil {
		return nil, ErrActiveAlarm
	}

	code, err := GenerateCode()
	if err != nil {
		return nil, err
	}

	if err := e.retryConflict(func() error {
		return e.Ledger.Debit(ctx, tx, userID, stakeCents)
	}); err != nil {
		return nil, err
	}

	alarm := &models.Alarm{
		ID:               uuid.New(),
		UserID:           userID,
		ScheduledFor:     scheduledFor.UTC(),
		StakeAmountCents: stakeCents,
		Status:           models.AlarmStatusPending,
		VerificationCode: code,
	}
	if err := e.Alarms.Create(ctx, tx, alarm); err != nil {
		return nil, err
	}
	return alarm, nil
}

// Cancel refunds the stake while the alarm is still pending. Once ringing,
// the only way to get the stake back is entering the code.
func (e *Engine) Cancel(ctx context.Context, tx pgx.Tx, userID, alarmID uuid.UUID) (*models.Alarm, error) {
	alarm, err := e.loadForUpdate(ctx, tx, alarmID)
	if err != nil {
		return nil, err
	}
	if alarm.UserID != userID {
		return nil, ErrNotOwner
	}
	if alarm.Status != models.AlarmStatusPending {
		return nil, ErrInvalidState
	}

	ok, err := e.Alarms.MarkCancelled(ctx, tx, alarmID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidState
	}

	if err := e.retryConflict(func() error {
		return e.Ledger.Credit(ctx, tx, userID, alarm.StakeAmountCents)
	}); err != nil {
		return nil, err
	}

	alarm.Status = models.AlarmStatusCancelled
	return alarm, nil
}

// Acknowledge checks the submitted code against a ringing alarm. A match
// refunds the stake and ends the alarm; a mismatch leaves it ringing with
// the attempt counted. The refund and the status flip share the caller's
// transaction, and the conditioned flip rejects an acknowledgement that
// races the timeout sweep.
func (e *Engine) Acknowledge(ctx context.Context, tx pgx.Tx, userID, alarmID uuid.UUID, code string) (*models.Alarm, error) {
	if !ValidCodeFormat(code) {
		return nil, &ValidationError{Reason: "code must be exactly 4 digits"}
	}

	if res, err := e.Limiter.Check(ctx, "ack:"+alarmID.String(), e.Config.AckMaxAttempts, e.Config.AckWindow); err != nil {
		// A limiter backend outage must not strand a ringing alarm; the
		// guess budget still bounds a healthy attacker.
		e.Logger.Warn("rate limiter check failed, allowing attempt", "alarm_id", alarmID, "error", err)
	} else if !res.Allowed {
		return nil, &RateLimitedError{ResetIn: res.ResetIn}
	}

	alarm, err := e.loadForUpdate(ctx, tx, alarmID)
	if err != nil {
		return nil, err
	}
	if alarm.UserID != userID {
		return nil, ErrNotOwner
	}
	if alarm.Status != models.AlarmStatusRinging {
		return nil, ErrInvalidState
	}
	if !CodeEqual(code, alarm.VerificationCode) {
		return nil, ErrInvalidCode
	}

	now := e.now()
	ok, err := e.Alarms.MarkAcknowledged(ctx, tx, alarmID, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidState
	}

	if err := e.retryConflict(func() error {
		return e.Ledger.Credit(ctx, tx, userID, alarm.StakeAmountCents)
	}); err != nil {
		return nil, err
	}

	alarm.Status = models.AlarmStatusAcknowledged
	alarm.AcknowledgedAt = &now
	return alarm, nil
}

// TriggerDue flips due pending alarms to ringing and dispatches the code.
// Safe to run concurrently or twice: the conditioned flip makes the second
// runner a no-op. Dispatch failure does not undo the transition — the alarm
// is ringing regardless and the in-app path stays available.
func (e *Engine) TriggerDue(ctx context.Context) (int, error) {
	now := e.now()
	due, err := e.Alarms.ListDuePending(ctx, now)
	if err != nil {
		return 0, err
	}

	triggered := 0
	for _, alarm := range due {
		ok, err := e.Alarms.MarkRinging(ctx, alarm.ID, now)
		if err != nil {
			e.Logger.Error("mark ringing", "alarm_id", alarm.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		triggered++

		user, err := e.Users.GetByID(ctx, alarm.UserID)
		if err != nil {
			e.Logger.Error("resolve alarm owner for delivery", "alarm_id", alarm.ID, "error", err)
			continue
		}
		e.dispatchAlarm(ctx, user, alarm)
	}
	return triggered, nil
}

func (e *Engine) dispatchAlarm(ctx context.Context, user *models.User, alarm *models.Alarm) {
	address := notify.FormatE164(user.PhoneNumber)

	if _, err := e.Notifier.Deliver(ctx, notify.ChannelSMS, address, notify.Payload{
		Body: notify.AlarmSMSBody(alarm.VerificationCode, alarm.StakeAmountCents),
	}); err != nil {
		e.Logger.Warn("alarm SMS delivery failed", "alarm_id", alarm.ID, "error", err)
	}

	gatherURL := ""
	if e.VoiceGatherURL != "" {
		gatherURL = e.VoiceGatherURL + "?alarmId=" + alarm.ID.String()
	}
	if _, err := e.Notifier.Deliver(ctx, notify.ChannelVoice, address, notify.Payload{
		Script:    notify.AlarmCallScript(alarm.VerificationCode, alarm.StakeAmountCents),
		GatherURL: gatherURL,
	}); err != nil {
		e.Logger.Warn("alarm call delivery failed", "alarm_id", alarm.ID, "error", err)
	}
}

// TimeoutSweep fails ringing alarms whose response window has elapsed. The
// stake stays out of the user's balance: that is the forfeiture. Idempotent
// for the same reason TriggerDue is.
func (e *Engine) TimeoutSweep(ctx context.Context) (int, error) {
	now := e.now()
	cutoff := now.Add(-e.Config.ResponseWindow)

	expired, err := e.Alarms.ListExpiredRinging(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, alarm := range expired {
		ok, err := e.Alarms.MarkFailed(ctx, alarm.ID, now)
		if err != nil {
			e.Logger.Error("mark failed", "alarm_id", alarm.ID, "error", err)
			continue
		}
		if ok {
			failed++
			e.Logger.Info("alarm forfeited", "alarm_id", alarm.ID, "stake_cents", alarm.StakeAmountCents)
		}
	}
	return failed, nil
}

// CreditFunding applies a confirmed payment to the user's balance, keyed by
// the provider's event id so redelivery credits at most once. Returns false
// when the event was already applied.
func (e *Engine) CreditFunding(ctx context.Context, tx pgx.Tx, eventID string, userID uuid.UUID, amountCents int64) (bool, error) {
	if amountCents <= 0 {
		return false, &ValidationError{Reason: "funding amount must be positive"}
	}
	ev := &models.FundingEvent{
		ID:          uuid.New(),
		EventID:     eventID,
		UserID:      userID,
		AmountCents: amountCents,
	}
	if err := e.Funding.InsertEvent(ctx, tx, ev); err != nil {
		if errors.Is(err, repository.ErrEventAlreadyApplied) {
			return false, nil
		}
		return false, err
	}
	if err := e.retryConflict(func() error {
		return e.Ledger.Credit(ctx, tx, userID, amountCents)
	}); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) loadForUpdate(ctx context.Context, tx pgx.Tx, alarmID uuid.UUID) (*models.Alarm, error) {
	alarm, err := e.Alarms.GetByIDForUpdate(ctx, tx, alarmID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAlarmNotFound
		}
		return nil, err
	}
	return alarm, nil
}
