package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/idleclaim/internal/models"
)

// schemaRepairLockKey serialises column repairs across processes sharing
// one database.
const schemaRepairLockKey int64 = 0x1d1ec1a1

const (
	pgUniqueViolation = "23505"
	pgUndefinedColumn = "42703"
)

// ClaimWrite is one conditional claim commit. It applies only while the
// account's last_accrual_at still equals ExpectedLastAccrual and ClaimedAt is
// later than it.
type ClaimWrite struct {
	AccountID           uuid.UUID
	ExpectedLastAccrual time.Time
	Amount              int64
	WindowStart         time.Time
	ClaimedAt           time.Time
}

// ClaimHook runs inside the claim transaction after the ledger entry is
// written. An error aborts the claim.
type ClaimHook func(ctx context.Context, tx pgx.Tx, entry *models.CreditLedger) error

// AccountRepo is the Postgres account store.
type AccountRepo struct {
	pool   *pgxpool.Pool
	healer *Healer
	hook   ClaimHook
}

// NewAccountRepo returns a Postgres store. hook may be nil.
func NewAccountRepo(pool *pgxpool.Pool, hook ClaimHook, opts SchemaOptions) *AccountRepo {
	r := &AccountRepo{pool: pool, hook: hook}
	r.healer = NewHealer(r.addColumn, opts)
	return r
}

// Healer exposes the store's drift healer.
func (r *AccountRepo) Healer() *Healer { return r.healer }

const accountColumns = `id, email, display_name, password_hash, balance, rate_per_hour, last_accrual_at, created_at, updated_at`

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.Email, &a.DisplayName, &a.PasswordHash, &a.Balance, &a.RatePerHour, &a.LastAccrualAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAccount reads one account.
func (r *AccountRepo) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	var acc *models.Account
	err := r.healer.Run(ctx, "read account", func() error {
		a, err := scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
		if err != nil {
			return classifyPg(err)
		}
		acc = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}

// GetByEmail returns the account for login.
func (r *AccountRepo) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	var acc *models.Account
	err := r.healer.Run(ctx, "read account by email", func() error {
		a, err := scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email))
		if err != nil {
			return classifyPg(err)
		}
		acc = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}

// CreateAccount inserts a player on first contact. The accrual clock starts
// at creation.
func (r *AccountRepo) CreateAccount(ctx context.Context, a *models.Account) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return r.healer.Run(ctx, "create account", func() error {
		err := r.pool.QueryRow(ctx, `
			INSERT INTO accounts (id, email, password_hash, display_name, balance, rate_per_hour, last_accrual_at)
			VALUES ($1, $2, $3, $4, $5, $6, now())
			RETURNING last_accrual_at, created_at, updated_at
		`, a.ID, a.Email, a.PasswordHash, a.DisplayName, a.Balance, a.RatePerHour).Scan(&a.LastAccrualAt, &a.CreatedAt, &a.UpdatedAt)
		return classifyPg(err)
	})
}

// ApplyClaim commits a claim: conditional balance update, ledger entry and
// claim hook in one transaction. It returns the new balance, or
// ErrStaleWrite when another claim committed first.
func (r *AccountRepo) ApplyClaim(ctx context.Context, w ClaimWrite) (int64, error) {
	var newBalance int64
	err := r.healer.Run(ctx, "apply claim", func() error {
		nb, err := r.applyClaimTx(ctx, w)
		if err != nil {
			return err
		}
		newBalance = nb
		return nil
	})
	return newBalance, err
}

func (r *AccountRepo) applyClaimTx(ctx context.Context, w ClaimWrite) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var newBalance int64
	err = tx.QueryRow(ctx, `
		UPDATE accounts
		SET balance = balance + $1, last_accrual_at = $2, updated_at = now()
		WHERE id = $3 AND last_accrual_at = $4 AND last_accrual_at < $2
		RETURNING balance
	`, w.Amount, w.ClaimedAt, w.AccountID, w.ExpectedLastAccrual).Scan(&newBalance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrStaleWrite
	}
	if err != nil {
		return 0, classifyPg(err)
	}

	entry := &models.CreditLedger{
		ID:           uuid.New(),
		AccountID:    w.AccountID,
		EntryType:    models.CreditEntryOfflineClaim,
		Amount:       w.Amount,
		BalanceAfter: newBalance,
		WindowStart:  w.WindowStart,
		WindowEnd:    w.ClaimedAt,
	}
	if err := insertLedgerTx(ctx, tx, entry); err != nil {
		return 0, classifyPg(err)
	}
	if r.hook != nil {
		if err := r.hook(ctx, tx, entry); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return newBalance, nil
}

// addColumn repairs one column under a transaction-scoped advisory lock so
// only one process alters the table at a time.
func (r *AccountRepo) addColumn(ctx context.Context, col Column) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaRepairLockKey); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, col.PostgresDDL); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// classifyPg maps driver errors onto the store's error vocabulary.
func classifyPg(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return ErrDuplicateEmail
		case pgUndefinedColumn:
			if m := pgMissingColumn.FindStringSubmatch(pgErr.Message); m != nil {
				return newDriftError(m[2], m[1], err)
			}
			return newDriftError(pgErr.TableName, pgErr.ColumnName, err)
		}
	}
	return err
}
