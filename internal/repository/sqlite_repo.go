package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/inaiurai/idleclaim/internal/models"
)

// SQLiteAccountRepo is the embedded account store used for single-node
// deployments. Timestamps are stored as unix nanoseconds.
type SQLiteAccountRepo struct {
	db     *sql.DB
	healer *Healer
	now    func() time.Time
}

// OpenSQLite opens (or creates) the database at path and applies
// migrations.
func OpenSQLite(path string, opts SchemaOptions) (*SQLiteAccountRepo, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := migrateSQLite(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	r := &SQLiteAccountRepo{db: db, now: time.Now}
	r.healer = NewHealer(r.addColumn, opts)
	return r, nil
}

// Close closes the database.
func (r *SQLiteAccountRepo) Close() error { return r.db.Close() }

// DB returns the underlying handle.
func (r *SQLiteAccountRepo) DB() *sql.DB { return r.db }

// Healer exposes the store's drift healer.
func (r *SQLiteAccountRepo) Healer() *Healer { return r.healer }

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteAccount(row rowScanner) (*models.Account, error) {
	var (
		a                     models.Account
		id                    string
		last, created, update int64
	)
	if err := row.Scan(&id, &a.Email, &a.DisplayName, &a.PasswordHash, &a.Balance, &a.RatePerHour, &last, &created, &update); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("account id %q: %w", id, err)
	}
	a.ID = parsed
	a.LastAccrualAt = fromNanos(last)
	a.CreatedAt = fromNanos(created)
	a.UpdatedAt = fromNanos(update)
	return &a, nil
}

// GetAccount reads one account.
func (r *SQLiteAccountRepo) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return r.getAccountWhere(ctx, "read account", "id = ?", id.String())
}

// GetByEmail returns the account for login.
func (r *SQLiteAccountRepo) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	return r.getAccountWhere(ctx, "read account by email", "email = ?", email)
}

func (r *SQLiteAccountRepo) getAccountWhere(ctx context.Context, op, where string, arg any) (*models.Account, error) {
	var acc *models.Account
	err := r.healer.Run(ctx, op, func() error {
		a, err := scanSQLiteAccount(r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE `+where, arg))
		if err != nil {
			return classifySQLite(err)
		}
		acc = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}

// CreateAccount inserts a player on first contact.
func (r *SQLiteAccountRepo) CreateAccount(ctx context.Context, a *models.Account) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := r.now().UTC()
	return r.healer.Run(ctx, "create account", func() error {
		return retryOnContention(ctx, defaultRetryConfig, func() error {
			_, err := r.db.ExecContext(ctx, `
				INSERT INTO accounts (id, email, password_hash, display_name, balance, rate_per_hour, last_accrual_at, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, a.ID.String(), a.Email, a.PasswordHash, a.DisplayName, a.Balance, a.RatePerHour, toNanos(now), toNanos(now), toNanos(now))
			if err != nil {
				return classifySQLite(err)
			}
			a.LastAccrualAt, a.CreatedAt, a.UpdatedAt = now, now, now
			return nil
		})
	})
}

// ApplyClaim commits a claim with the same conditional semantics as the
// Postgres store.
func (r *SQLiteAccountRepo) ApplyClaim(ctx context.Context, w ClaimWrite) (int64, error) {
	var newBalance int64
	err := r.healer.Run(ctx, "apply claim", func() error {
		return retryOnContention(ctx, defaultRetryConfig, func() error {
			nb, err := r.applyClaimTx(ctx, w)
			if err != nil {
				return err
			}
			newBalance = nb
			return nil
		})
	})
	return newBalance, err
}

func (r *SQLiteAccountRepo) applyClaimTx(ctx context.Context, w ClaimWrite) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	claimedAt := toNanos(w.ClaimedAt)
	var newBalance int64
	err = tx.QueryRowContext(ctx, `
		UPDATE accounts
		SET balance = balance + ?, last_accrual_at = ?, updated_at = ?
		WHERE id = ? AND last_accrual_at = ? AND last_accrual_at < ?
		RETURNING balance
	`, w.Amount, claimedAt, toNanos(r.now()), w.AccountID.String(), toNanos(w.ExpectedLastAccrual), claimedAt).Scan(&newBalance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrStaleWrite
	}
	if err != nil {
		return 0, classifySQLite(err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_ledger (id, account_id, entry_type, amount, balance_after, window_start, window_end, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, uuid.New().String(), w.AccountID.String(), models.CreditEntryOfflineClaim, w.Amount, newBalance,
		toNanos(w.WindowStart), claimedAt, toNanos(r.now())); err != nil {
		return 0, classifySQLite(err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return newBalance, nil
}

// ListLedger returns the newest entries for an account, at most limit.
func (r *SQLiteAccountRepo) ListLedger(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.CreditLedger, error) {
	var list []*models.CreditLedger
	err := r.healer.Run(ctx, "list ledger", func() error {
		rows, err := r.db.QueryContext(ctx, `
			SELECT id, account_id, entry_type, amount, balance_after, window_start, window_end, created_at
			FROM credit_ledger WHERE account_id = ? ORDER BY created_at DESC LIMIT ?
		`, accountID.String(), limit)
		if err != nil {
			return classifySQLite(err)
		}
		defer rows.Close()
		list = list[:0]
		for rows.Next() {
			var (
				c                   models.CreditLedger
				id, acc             string
				start, end, created int64
			)
			if err := rows.Scan(&id, &acc, &c.EntryType, &c.Amount, &c.BalanceAfter, &start, &end, &created); err != nil {
				return classifySQLite(err)
			}
			if c.ID, err = uuid.Parse(id); err != nil {
				return err
			}
			if c.AccountID, err = uuid.Parse(acc); err != nil {
				return err
			}
			c.WindowStart, c.WindowEnd, c.CreatedAt = fromNanos(start), fromNanos(end), fromNanos(created)
			list = append(list, &c)
		}
		return classifySQLite(rows.Err())
	})
	return list, err
}

func (r *SQLiteAccountRepo) addColumn(ctx context.Context, col Column) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, col.SQLiteDDL); err != nil && !strings.Contains(err.Error(), "duplicate column name") {
		return err
	}
	if col.SQLiteBackfill != "" {
		if _, err := tx.ExecContext(ctx, col.SQLiteBackfill, toNanos(r.now())); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func classifySQLite(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed: accounts.email") {
		return ErrDuplicateEmail
	}
	if m := sqliteNoColumnNamed.FindStringSubmatch(msg); m != nil {
		return newDriftError(m[1], m[2], err)
	}
	if m := sqliteNoSuchColumn.FindStringSubmatch(msg); m != nil {
		return newDriftError("", m[1], err)
	}
	return err
}
