package models

import (
	"time"

	"github.com/google/uuid"
)

// Account is a player's persisted earnings state. Balance is mutated by the
// claim coordinator (and by consumer subsystems such as the shop); accrual
// never decrements it.
type Account struct {
	ID            uuid.UUID `json:"id"`
	Email         string    `json:"email"`
	DisplayName   string    `json:"display_name"`
	PasswordHash  string    `json:"-"`
	Balance       int64     `json:"balance"`
	RatePerHour   int64     `json:"rate_per_hour"`
	LastAccrualAt time.Time `json:"last_accrual_at"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
