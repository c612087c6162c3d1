package models

import (
	"time"

	"github.com/google/uuid"
)

// Verification is a login code sent to a phone number. The code itself is
// stored as a bcrypt hash; only the delivery path ever sees the plaintext.
type Verification struct {
	ID          uuid.UUID `json:"id"`
	PhoneNumber string    `json:"phone_number"`
	CodeHash    string    `json:"-"`
	ExpiresAt   time.Time `json:"expires_at"`
	Verified    bool      `json:"verified"`
	CreatedAt   time.Time `json:"created_at"`
}
