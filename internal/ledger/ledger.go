package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/pixelforge/pixelforge/pkg/models"
)

// ErrInsufficientCredits is returned when a reservation or adjustment would
// drive the available balance below zero.
var ErrInsufficientCredits = errors.New("insufficient credits")

// ErrNoReservation is returned when a confirm or release targets a job that
// holds no matching reservation.
var ErrNoReservation = errors.New("no matching reservation")

// Ledger manages per-user credit balances. Every mutation appends an
// immutable ledger entry; reserve, confirm, and release are idempotent per
// job via a deterministic idempotency key.
type Ledger interface {
	// Reserve holds amount credits for a job. Fails with
	// ErrInsufficientCredits when available (balance - reserved) < amount.
	Reserve(ctx context.Context, userID, jobID uuid.UUID, amount int64) error

	// Confirm converts a job's reservation into spent credits. Calling it
	// again for the same job is a no-op.
	Confirm(ctx context.Context, userID, jobID uuid.UUID, amount int64) error

	// Release returns a job's reserved credits without spending them.
	// Calling it again for the same job is a no-op.
	Release(ctx context.Context, userID, jobID uuid.UUID, amount int64) error

	// Add applies a direct balance adjustment (purchase, bonus, refund,
	// admin adjustment) and returns the updated balance.
	Add(ctx context.Context, userID uuid.UUID, amount int64, entryType, description string) (*models.CreditBalance, error)

	GetBalance(ctx context.Context, userID uuid.UUID) (*models.CreditBalance, error)
	ListEntries(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.LedgerEntry, int, error)
}

// Idempotency keys tie ledger entries to the job lifecycle phase that
// produced them, so queue redeliveries cannot double-charge.
func reserveKey(jobID uuid.UUID) string { return fmt.Sprintf("reserve-%s", jobID) }
func usageKey(jobID uuid.UUID) string   { return fmt.Sprintf("usage-%s", jobID) }
func releaseKey(jobID uuid.UUID) string { return fmt.Sprintf("release-%s", jobID) }
