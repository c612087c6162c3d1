package models

import (
	"time"

	"github.com/google/uuid"
)

// FundingEvent records a confirmed payment credited to a user's balance.
// EventID is the payment provider's unique id; it deduplicates redeliveries.
type FundingEvent struct {
	ID          uuid.UUID `json:"id"`
	EventID     string    `json:"event_id"`
	UserID      uuid.UUID `json:"user_id"`
	AmountCents int64     `json:"amount_cents"`
	CreatedAt   time.Time `json:"created_at"`
}
