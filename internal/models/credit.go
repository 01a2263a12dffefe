package models

import (
	"time"

	"github.com/google/uuid"
)

// Credit ledger entry_type values.
const (
	CreditEntryOfflineClaim = "offline_claim"
)

// CreditLedger records one committed balance change.
type CreditLedger struct {
	ID           uuid.UUID `json:"id"`
	AccountID    uuid.UUID `json:"account_id"`
	EntryType    string    `json:"entry_type"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	WindowStart  time.Time `json:"window_start"`
	WindowEnd    time.Time `json:"window_end"`
	CreatedAt    time.Time `json:"created_at"`
}
