package models

import (
	"time"

	"github.com/google/uuid"
)

// Alarm status enums. acknowledged, failed and cancelled are terminal.
const (
	AlarmStatusPending      = "pending"
	AlarmStatusRinging      = "ringing"
	AlarmStatusAcknowledged = "acknowledged"
	AlarmStatusFailed       = "failed"
	AlarmStatusCancelled    = "cancelled"
)

type Alarm struct {
	ID               uuid.UUID  `json:"id"`
	UserID           uuid.UUID  `json:"user_id"`
	ScheduledFor     time.Time  `json:"scheduled_for"`
	StakeAmountCents int64      `json:"stake_amount_cents"`
	Status           string     `json:"status"`
	VerificationCode string     `json:"-"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	TriggeredAt      *time.Time `json:"triggered_at,omitempty"`
	AcknowledgedAt   *time.Time `json:"acknowledged_at,omitempty"`
	FailedAt         *time.Time `json:"failed_at,omitempty"`
}

// Active reports whether the alarm still holds the user's stake in escrow.
func (a *Alarm) Active() bool {
	return a.Status == AlarmStatusPending || a.Status == AlarmStatusRinging
}
