package repository

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrNotFound is returned when no account matches the identifier.
	ErrNotFound = errors.New("account not found")
	// ErrStaleWrite is returned when a conditional claim write finds the
	// account's accrual timestamp changed since it was read.
	ErrStaleWrite = errors.New("account changed since it was read")
	// ErrDuplicateEmail is returned when registering an email twice.
	ErrDuplicateEmail = errors.New("email already registered")
)

// DriftError reports a column the code expects but the database lacks.
type DriftError struct {
	Table  string
	Column string
	Err    error
}

func (e *DriftError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("schema drift: column %q missing", e.Column)
	}
	return fmt.Sprintf("schema drift: column %s.%s missing", e.Table, e.Column)
}

func (e *DriftError) Unwrap() error { return e.Err }

// PersistenceError is a storage failure the caller should treat as
// transient: an unreachable database, a failed repair, or drift that
// survived its one repair.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *PersistenceError) Unwrap() error { return e.Err }

var (
	pgMissingColumn     = regexp.MustCompile(`column "?(?:\w+\.)?(\w+)"?(?: of relation "(\w+)")? does not exist`)
	sqliteNoSuchColumn  = regexp.MustCompile(`no such column: (?:\w+\.)?(\w+)`)
	sqliteNoColumnNamed = regexp.MustCompile(`table (\w+) has no column named (\w+)`)
)

// newDriftError builds a DriftError, filling the table from the set of
// known columns when the driver message does not name it.
func newDriftError(table, column string, cause error) *DriftError {
	if table == "" {
		table = tableForColumn(column)
	}
	return &DriftError{Table: table, Column: column, Err: cause}
}
