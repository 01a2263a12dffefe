package repository

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func driftOn(column string) error {
	return newDriftError("", column, errors.New("no such column: "+column))
}

func TestHealerRun_RepairsOnceAndRetriesOnce(t *testing.T) {
	var repairs, calls int
	h := NewHealer(func(context.Context, Column) error {
		repairs++
		return nil
	}, SchemaOptions{AutoRepair: true, Logger: quietLogger()})

	err := h.Run(context.Background(), "read account", func() error {
		calls++
		if calls == 1 {
			return driftOn("rate_per_hour")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if repairs != 1 || calls != 2 {
		t.Errorf("repairs=%d calls=%d, want 1 and 2", repairs, calls)
	}
	if !h.Healed("accounts", "rate_per_hour") {
		t.Error("column should be cached as healed")
	}
}

func TestHealerRun_SecondDriftIsPersistenceError(t *testing.T) {
	var repairs, calls int
	h := NewHealer(func(context.Context, Column) error {
		repairs++
		return nil
	}, SchemaOptions{AutoRepair: true, Logger: quietLogger()})

	err := h.Run(context.Background(), "apply claim", func() error {
		calls++
		return driftOn("balance")
	})
	var perr *PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PersistenceError, got %T %v", err, err)
	}
	var drift *DriftError
	if !errors.As(err, &drift) || drift.Column != "balance" {
		t.Errorf("PersistenceError should wrap the drift, got %v", err)
	}
	if calls != 2 {
		t.Errorf("operation calls: got %d, want 2 (no loop)", calls)
	}
	if repairs != 1 {
		t.Errorf("repairs: got %d, want 1", repairs)
	}
}

func TestHealerRun_FailedRepairIsPersistenceError(t *testing.T) {
	calls := 0
	h := NewHealer(func(context.Context, Column) error {
		return errors.New("permission denied for table accounts")
	}, SchemaOptions{AutoRepair: true, Logger: quietLogger()})

	err := h.Run(context.Background(), "read account", func() error {
		calls++
		return driftOn("balance")
	})
	var perr *PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
	if calls != 1 {
		t.Errorf("operation should not be retried after a failed repair, ran %d times", calls)
	}
	if h.Healed("accounts", "balance") {
		t.Error("failed repair must not be cached")
	}
}

func TestHealerRun_DisabledRepairFailsClearly(t *testing.T) {
	repaired := false
	h := NewHealer(func(context.Context, Column) error {
		repaired = true
		return nil
	}, SchemaOptions{AutoRepair: false, Logger: quietLogger()})

	err := h.Run(context.Background(), "read account", func() error { return driftOn("balance") })
	if !errors.Is(err, ErrRepairDisabled) {
		t.Fatalf("expected ErrRepairDisabled, got %v", err)
	}
	if repaired {
		t.Error("repair ran while disabled")
	}
}

func TestHealerRun_UnknownColumnNeverRepaired(t *testing.T) {
	repaired := false
	h := NewHealer(func(context.Context, Column) error {
		repaired = true
		return nil
	}, SchemaOptions{AutoRepair: true, Logger: quietLogger()})

	err := h.Run(context.Background(), "read account", func() error { return driftOn("password_hash") })
	var perr *PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
	if repaired {
		t.Error("columns without a safe default must not be repaired")
	}
}

func TestHealerRun_NonDriftErrorPassesThrough(t *testing.T) {
	h := NewHealer(func(context.Context, Column) error { return nil }, SchemaOptions{AutoRepair: true, Logger: quietLogger()})
	calls := 0
	err := h.Run(context.Background(), "read account", func() error {
		calls++
		return ErrNotFound
	})
	if !errors.Is(err, ErrNotFound) || calls != 1 {
		t.Errorf("got err=%v calls=%d, want ErrNotFound once", err, calls)
	}
}

func TestHeal_ConcurrentDiscoverersShareOneRepair(t *testing.T) {
	var repairs atomic.Int32
	release := make(chan struct{})
	h := NewHealer(func(context.Context, Column) error {
		repairs.Add(1)
		<-release
		return nil
	}, SchemaOptions{AutoRepair: true, Logger: quietLogger()})

	const callers = 20
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.Heal(context.Background(), &DriftError{Table: "accounts", Column: "last_accrual_at"})
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Heal: %v", err)
		}
	}
	if got := repairs.Load(); got != 1 {
		t.Errorf("repairs: got %d, want 1", got)
	}
	if got := h.Repairs(); got != 1 {
		t.Errorf("Repairs(): got %d, want 1", got)
	}

	// Later discoveries skip the repair entirely.
	if err := h.Heal(context.Background(), &DriftError{Table: "accounts", Column: "last_accrual_at"}); err != nil {
		t.Fatalf("Heal after repair: %v", err)
	}
	if got := repairs.Load(); got != 1 {
		t.Errorf("repairs after cache hit: got %d, want 1", got)
	}
}

func TestHeal_RepairSurvivesCallerCancellation(t *testing.T) {
	h := NewHealer(func(ctx context.Context, _ Column) error {
		return ctx.Err()
	}, SchemaOptions{AutoRepair: true, Logger: quietLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.Heal(ctx, &DriftError{Table: "accounts", Column: "balance"}); err != nil {
		t.Fatalf("repair should not inherit caller cancellation: %v", err)
	}
}

func TestClassifyDriverMessages(t *testing.T) {
	tests := []struct {
		msg        string
		wantTable  string
		wantColumn string
	}{
		{"SQL logic error: no such column: rate_per_hour (1)", "accounts", "rate_per_hour"},
		{"SQL logic error: no such column: a.window_end (1)", "credit_ledger", "window_end"},
		{"table accounts has no column named display_name", "accounts", "display_name"},
	}
	for _, tt := range tests {
		err := classifySQLite(errors.New(tt.msg))
		var drift *DriftError
		if !errors.As(err, &drift) {
			t.Errorf("%q: expected DriftError, got %v", tt.msg, err)
			continue
		}
		if drift.Table != tt.wantTable || drift.Column != tt.wantColumn {
			t.Errorf("%q: got %s.%s, want %s.%s", tt.msg, drift.Table, drift.Column, tt.wantTable, tt.wantColumn)
		}
	}

	m := pgMissingColumn.FindStringSubmatch(`column "rate_per_hour" does not exist`)
	if m == nil || m[1] != "rate_per_hour" {
		t.Errorf("postgres message not matched: %v", m)
	}
	m = pgMissingColumn.FindStringSubmatch(`column "balance" of relation "accounts" does not exist`)
	if m == nil || m[1] != "balance" || m[2] != "accounts" {
		t.Errorf("postgres insert message not matched: %v", m)
	}
}
