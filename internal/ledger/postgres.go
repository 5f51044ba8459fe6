package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pixelforge/pixelforge/pkg/models"
)

// PostgresLedger implements Ledger on the credit_balances and credit_ledger
// tables. Balance updates are single guarded statements so concurrent
// reservations cannot oversell the balance.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

func (l *PostgresLedger) Reserve(ctx context.Context, userID, jobID uuid.UUID, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("reserve amount must not be negative, got %d", amount)
	}
	if amount == 0 {
		// Zero-cost operations have nothing to move; succeed without a
		// ledger entry.
		return nil
	}
	key := reserveKey(jobID)

	return l.withTx(ctx, func(tx pgx.Tx) error {
		done, err := entryExists(ctx, tx, key)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		if err := ensureBalanceRow(ctx, tx, userID); err != nil {
			return err
		}

		var balance int64
		err = tx.QueryRow(ctx,
			`UPDATE credit_balances
			 SET reserved = reserved + $2, updated_at = NOW()
			 WHERE user_id = $1 AND balance - reserved >= $2
			 RETURNING balance`, userID, amount,
		).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrInsufficientCredits
		}
		if err != nil {
			return fmt.Errorf("reserve credits: %w", err)
		}

		return insertEntry(ctx, tx, &models.LedgerEntry{
			UserID:         userID,
			Type:           models.EntryReservation,
			Amount:         amount,
			BalanceAfter:   balance,
			Description:    "credits reserved for job",
			ReferenceID:    &jobID,
			IdempotencyKey: &key,
		})
	})
}

func (l *PostgresLedger) Confirm(ctx context.Context, userID, jobID uuid.UUID, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("confirm amount must not be negative, got %d", amount)
	}
	if amount == 0 {
		// Zero-cost operations have nothing to move; succeed without a
		// ledger entry.
		return nil
	}
	key := usageKey(jobID)

	return l.withTx(ctx, func(tx pgx.Tx) error {
		done, err := entryExists(ctx, tx, key)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		var balance int64
		err = tx.QueryRow(ctx,
			`UPDATE credit_balances
			 SET balance = balance - $2, reserved = reserved - $2, updated_at = NOW()
			 WHERE user_id = $1 AND reserved >= $2
			 RETURNING balance`, userID, amount,
		).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNoReservation
		}
		if err != nil {
			return fmt.Errorf("confirm credits: %w", err)
		}

		return insertEntry(ctx, tx, &models.LedgerEntry{
			UserID:         userID,
			Type:           models.EntryUsage,
			Amount:         -amount,
			BalanceAfter:   balance,
			Description:    "credits spent on job",
			ReferenceID:    &jobID,
			IdempotencyKey: &key,
		})
	})
}

func (l *PostgresLedger) Release(ctx context.Context, userID, jobID uuid.UUID, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("release amount must not be negative, got %d", amount)
	}
	if amount == 0 {
		// Zero-cost operations have nothing to move; succeed without a
		// ledger entry.
		return nil
	}
	key := releaseKey(jobID)

	return l.withTx(ctx, func(tx pgx.Tx) error {
		done, err := entryExists(ctx, tx, key)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		var balance int64
		err = tx.QueryRow(ctx,
			`UPDATE credit_balances
			 SET reserved = reserved - $2, updated_at = NOW()
			 WHERE user_id = $1 AND reserved >= $2
			 RETURNING balance`, userID, amount,
		).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNoReservation
		}
		if err != nil {
			return fmt.Errorf("release credits: %w", err)
		}

		return insertEntry(ctx, tx, &models.LedgerEntry{
			UserID:         userID,
			Type:           models.EntryRelease,
			Amount:         amount,
			BalanceAfter:   balance,
			Description:    "reserved credits returned",
			ReferenceID:    &jobID,
			IdempotencyKey: &key,
		})
	})
}

func (l *PostgresLedger) Add(ctx context.Context, userID uuid.UUID, amount int64, entryType, description string) (*models.CreditBalance, error) {
	if amount == 0 {
		return nil, fmt.Errorf("adjustment amount must be non-zero")
	}

	var balance models.CreditBalance
	err := l.withTx(ctx, func(tx pgx.Tx) error {
		if err := ensureBalanceRow(ctx, tx, userID); err != nil {
			return err
		}

		err := tx.QueryRow(ctx,
			`UPDATE credit_balances
			 SET balance = balance + $2, updated_at = NOW()
			 WHERE user_id = $1
			 RETURNING user_id, balance, reserved, updated_at`, userID, amount,
		).Scan(&balance.UserID, &balance.Balance, &balance.Reserved, &balance.UpdatedAt)
		if err != nil {
			// A negative adjustment below the reserved floor trips the
			// balance >= reserved check constraint.
			if isCheckViolation(err) {
				return ErrInsufficientCredits
			}
			return fmt.Errorf("adjust balance: %w", err)
		}

		return insertEntry(ctx, tx, &models.LedgerEntry{
			UserID:       userID,
			Type:         entryType,
			Amount:       amount,
			BalanceAfter: balance.Balance,
			Description:  description,
		})
	})
	if err != nil {
		return nil, err
	}
	return &balance, nil
}

func (l *PostgresLedger) GetBalance(ctx context.Context, userID uuid.UUID) (*models.CreditBalance, error) {
	var b models.CreditBalance
	err := l.pool.QueryRow(ctx,
		`SELECT user_id, balance, reserved, updated_at
		 FROM credit_balances WHERE user_id = $1`, userID,
	).Scan(&b.UserID, &b.Balance, &b.Reserved, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// No row yet means the user has never touched credits.
		return &models.CreditBalance{UserID: userID, UpdatedAt: time.Now().UTC()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return &b, nil
}

func (l *PostgresLedger) ListEntries(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.LedgerEntry, int, error) {
	if limit <= 0 {
		limit = 20
	}

	var total int
	if err := l.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM credit_ledger WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count ledger entries: %w", err)
	}

	rows, err := l.pool.Query(ctx,
		`SELECT id, user_id, type, amount, balance_after, description, reference_type, reference_id, idempotency_key, created_at
		 FROM credit_ledger WHERE user_id = $1
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &e.Amount, &e.BalanceAfter,
			&e.Description, &e.ReferenceType, &e.ReferenceID, &e.IdempotencyKey, &e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, total, rows.Err()
}

func (l *PostgresLedger) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func entryExists(ctx context.Context, tx pgx.Tx, key string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM credit_ledger WHERE idempotency_key = $1)`, key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check idempotency key: %w", err)
	}
	return exists, nil
}

func ensureBalanceRow(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO credit_balances (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID)
	if err != nil {
		return fmt.Errorf("ensure balance row: %w", err)
	}
	return nil
}

func insertEntry(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	var refType *string
	if e.ReferenceID != nil {
		jobRef := "job"
		refType = &jobRef
	}
	if e.ReferenceType != nil {
		refType = e.ReferenceType
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO credit_ledger (id, user_id, type, amount, balance_after, description, reference_type, reference_id, idempotency_key)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		uuid.New(), e.UserID, e.Type, e.Amount, e.BalanceAfter, e.Description, refType, e.ReferenceID, e.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23514"
	}
	return false
}
