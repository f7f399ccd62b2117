package pgutils

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsUniqueViolation(t *testing.T) {
	pgErr := &pgconn.PgError{Code: CodeUniqueViolation, ConstraintName: "uq_sync_runs_one_running"}

	if !IsUniqueViolation(pgErr) {
		t.Error("typed PgError with 23505 should match")
	}
	if !IsUniqueViolation(fmt.Errorf("insert sync run: %w", pgErr)) {
		t.Error("wrapped PgError should match")
	}
	if !IsUniqueViolation(errors.New(`duplicate key value (SQLSTATE 23505)`)) {
		t.Error("stringified SQLSTATE should match")
	}

	if IsUniqueViolation(nil) {
		t.Error("nil should not match")
	}
	if IsUniqueViolation(errors.New("connection refused")) {
		t.Error("unrelated error should not match")
	}
	if IsUniqueViolation(&pgconn.PgError{Code: CodeForeignKeyViolation}) {
		t.Error("other SQLSTATE should not match")
	}
}

func TestIsForeignKeyViolation(t *testing.T) {
	if !IsForeignKeyViolation(&pgconn.PgError{Code: CodeForeignKeyViolation}) {
		t.Error("typed PgError with 23503 should match")
	}
	if IsForeignKeyViolation(&pgconn.PgError{Code: CodeUniqueViolation}) {
		t.Error("23505 should not match as foreign key violation")
	}
}
