package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// repairTimeout bounds one shared repair. It is detached from the request
// that discovered the drift so that caller going away does not fail the
// other callers waiting on the same repair.
const repairTimeout = 10 * time.Second

// ErrRepairDisabled is returned for drift when automatic repair is off.
var ErrRepairDisabled = errors.New("automatic schema repair disabled")

// Column is an attribute that may be re-added with a safe default.
type Column struct {
	Table string
	Name  string
	// PostgresDDL is idempotent (ADD COLUMN IF NOT EXISTS).
	PostgresDDL string
	// SQLiteDDL adds the column; SQLite reports "duplicate column name"
	// when it already exists.
	SQLiteDDL string
	// SQLiteBackfill optionally runs after SQLiteDDL with the current time
	// in unix nanoseconds as its only argument. SQLite cannot use a
	// non-constant default when adding a column.
	SQLiteBackfill string
}

func (c Column) key() string { return c.Table + "." + c.Name }

// repairableColumns is the allow-list of attributes with a known safe
// default. Drift on anything else is never repaired automatically.
var repairableColumns = []Column{
	{
		Table:       "accounts",
		Name:        "display_name",
		PostgresDDL: `ALTER TABLE accounts ADD COLUMN IF NOT EXISTS display_name TEXT NOT NULL DEFAULT ''`,
		SQLiteDDL:   `ALTER TABLE accounts ADD COLUMN display_name TEXT NOT NULL DEFAULT ''`,
	},
	{
		Table:       "accounts",
		Name:        "balance",
		PostgresDDL: `ALTER TABLE accounts ADD COLUMN IF NOT EXISTS balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0)`,
		SQLiteDDL:   `ALTER TABLE accounts ADD COLUMN balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0)`,
	},
	{
		Table:       "accounts",
		Name:        "rate_per_hour",
		PostgresDDL: `ALTER TABLE accounts ADD COLUMN IF NOT EXISTS rate_per_hour BIGINT NOT NULL DEFAULT 0`,
		SQLiteDDL:   `ALTER TABLE accounts ADD COLUMN rate_per_hour INTEGER NOT NULL DEFAULT 0`,
	},
	{
		// Defaulting to now means a repaired account starts a fresh window
		// instead of being credited for time nobody recorded.
		Table:          "accounts",
		Name:           "last_accrual_at",
		PostgresDDL:    `ALTER TABLE accounts ADD COLUMN IF NOT EXISTS last_accrual_at TIMESTAMPTZ NOT NULL DEFAULT now()`,
		SQLiteDDL:      `ALTER TABLE accounts ADD COLUMN last_accrual_at INTEGER NOT NULL DEFAULT 0`,
		SQLiteBackfill: `UPDATE accounts SET last_accrual_at = ? WHERE last_accrual_at = 0`,
	},
	{
		Table:       "accounts",
		Name:        "updated_at",
		PostgresDDL: `ALTER TABLE accounts ADD COLUMN IF NOT EXISTS updated_at TIMESTAMPTZ NOT NULL DEFAULT now()`,
		SQLiteDDL:   `ALTER TABLE accounts ADD COLUMN updated_at INTEGER NOT NULL DEFAULT 0`,
	},
	{
		Table:       "credit_ledger",
		Name:        "balance_after",
		PostgresDDL: `ALTER TABLE credit_ledger ADD COLUMN IF NOT EXISTS balance_after BIGINT NOT NULL DEFAULT 0`,
		SQLiteDDL:   `ALTER TABLE credit_ledger ADD COLUMN balance_after INTEGER NOT NULL DEFAULT 0`,
	},
	{
		Table:       "credit_ledger",
		Name:        "window_start",
		PostgresDDL: `ALTER TABLE credit_ledger ADD COLUMN IF NOT EXISTS window_start TIMESTAMPTZ`,
		SQLiteDDL:   `ALTER TABLE credit_ledger ADD COLUMN window_start INTEGER NOT NULL DEFAULT 0`,
	},
	{
		Table:       "credit_ledger",
		Name:        "window_end",
		PostgresDDL: `ALTER TABLE credit_ledger ADD COLUMN IF NOT EXISTS window_end TIMESTAMPTZ`,
		SQLiteDDL:   `ALTER TABLE credit_ledger ADD COLUMN window_end INTEGER NOT NULL DEFAULT 0`,
	},
}

func lookupColumn(table, name string) (Column, bool) {
	for _, c := range repairableColumns {
		if c.Table == table && c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

func tableForColumn(name string) string {
	for _, c := range repairableColumns {
		if c.Name == name {
			return c.Table
		}
	}
	return ""
}

// RepairFunc adds one missing column. It must be idempotent.
type RepairFunc func(ctx context.Context, col Column) error

// SchemaOptions configures drift handling for a store.
type SchemaOptions struct {
	// AutoRepair enables the one-shot repair. When false drift fails the
	// call with a PersistenceError.
	AutoRepair bool
	Logger     logrus.FieldLogger
}

// Healer runs at most one repair per drifted column for the life of the
// process. Concurrent callers that discover the same drift share a single
// repair; later callers skip straight to their retry.
type Healer struct {
	repair  RepairFunc
	enabled bool
	log     logrus.FieldLogger

	group   singleflight.Group
	healed  sync.Map // column key -> struct{}
	repairs atomic.Int64
}

// NewHealer returns a Healer that repairs columns with repair.
func NewHealer(repair RepairFunc, opts SchemaOptions) *Healer {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Healer{repair: repair, enabled: opts.AutoRepair, log: log}
}

// Repairs returns the number of repairs this process has performed.
func (h *Healer) Repairs() int64 { return h.repairs.Load() }

// Healed reports whether table.column was repaired by this process.
func (h *Healer) Healed(table, column string) bool {
	_, ok := h.healed.Load(table + "." + column)
	return ok
}

// Heal makes sure the column named by d exists.
func (h *Healer) Heal(ctx context.Context, d *DriftError) error {
	col, ok := lookupColumn(d.Table, d.Column)
	if !ok {
		return fmt.Errorf("%w: no safe default for %s.%s", ErrRepairDisabled, d.Table, d.Column)
	}
	key := col.key()
	if _, done := h.healed.Load(key); done {
		return nil
	}
	if !h.enabled {
		return ErrRepairDisabled
	}
	_, err, _ := h.group.Do(key, func() (any, error) {
		if _, done := h.healed.Load(key); done {
			return nil, nil
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), repairTimeout)
		defer cancel()
		if err := h.repair(rctx, col); err != nil {
			h.log.WithError(err).WithField("column", key).Error("schema repair failed")
			return nil, err
		}
		h.healed.Store(key, struct{}{})
		h.repairs.Add(1)
		h.log.WithField("column", key).Warn("schema drift repaired")
		return nil, nil
	})
	return err
}

// Run executes fn, and when it fails with drift repairs the column and
// retries fn exactly once. Drift on the retry, or a failed repair, is
// returned as a PersistenceError.
func (h *Healer) Run(ctx context.Context, op string, fn func() error) error {
	err := fn()
	var drift *DriftError
	if !errors.As(err, &drift) {
		return err
	}
	if herr := h.Heal(ctx, drift); herr != nil {
		return &PersistenceError{Op: op, Err: errors.Join(drift, herr)}
	}
	err = fn()
	if errors.As(err, &drift) {
		return &PersistenceError{Op: op, Err: drift}
	}
	return err
}
