package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/idleclaim/internal/models"
)

func insertLedgerTx(ctx context.Context, tx pgx.Tx, c *models.CreditLedger) error {
	return tx.QueryRow(ctx, `
		INSERT INTO credit_ledger (id, account_id, entry_type, amount, balance_after, window_start, window_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, c.ID, c.AccountID, c.EntryType, c.Amount, c.BalanceAfter, c.WindowStart, c.WindowEnd).Scan(&c.CreatedAt)
}

// ListLedger returns the newest entries for an account, at most limit.
func (r *AccountRepo) ListLedger(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.CreditLedger, error) {
	var list []*models.CreditLedger
	err := r.healer.Run(ctx, "list ledger", func() error {
		rows, err := r.pool.Query(ctx, `
			SELECT id, account_id, entry_type, amount, balance_after, window_start, window_end, created_at
			FROM credit_ledger WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2
		`, accountID, limit)
		if err != nil {
			return classifyPg(err)
		}
		defer rows.Close()
		list = list[:0]
		for rows.Next() {
			var c models.CreditLedger
			var start, end *time.Time
			if err := rows.Scan(&c.ID, &c.AccountID, &c.EntryType, &c.Amount, &c.BalanceAfter, &start, &end, &c.CreatedAt); err != nil {
				return classifyPg(err)
			}
			if start != nil {
				c.WindowStart = *start
			}
			if end != nil {
				c.WindowEnd = *end
			}
			list = append(list, &c)
		}
		return classifyPg(rows.Err())
	})
	return list, err
}
