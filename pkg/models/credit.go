package models

import (
	"time"

	"github.com/google/uuid"
)

// Ledger entry types. Reservation holds credits without spending them;
// usage finalizes a reservation; release returns one.
const (
	EntryReservation     = "reservation"
	EntryUsage           = "usage"
	EntryRelease         = "release"
	EntryPurchase        = "purchase"
	EntryBonus           = "bonus"
	EntryRefund          = "refund"
	EntryAdminAdjustment = "admin_adjustment"
)

// CreditBalance is the authoritative per-user balance row. Available credits
// are always computed as balance - reserved, never by summing history.
type CreditBalance struct {
	UserID    uuid.UUID `db:"user_id"    json:"user_id"`
	Balance   int64     `db:"balance"    json:"balance"`
	Reserved  int64     `db:"reserved"   json:"reserved"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Available returns the spendable portion of the balance.
func (b CreditBalance) Available() int64 {
	return b.Balance - b.Reserved
}

// LedgerEntry is an immutable audit row appended on every credit mutation.
// The idempotency key makes confirm/release retries no-ops.
type LedgerEntry struct {
	ID             uuid.UUID  `db:"id"              json:"id"`
	UserID         uuid.UUID  `db:"user_id"         json:"user_id"`
	Type           string     `db:"type"            json:"type"`
	Amount         int64      `db:"amount"          json:"amount"`
	BalanceAfter   int64      `db:"balance_after"   json:"balance_after"`
	Description    string     `db:"description"     json:"description,omitempty"`
	ReferenceType  *string    `db:"reference_type"  json:"reference_type,omitempty"`
	ReferenceID    *uuid.UUID `db:"reference_id"    json:"reference_id,omitempty"`
	IdempotencyKey *string    `db:"idempotency_key" json:"-"`
	CreatedAt      time.Time  `db:"created_at"      json:"created_at"`
}
