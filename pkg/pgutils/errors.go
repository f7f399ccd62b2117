package pgutils

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes, class 23 (integrity constraint violation).
const (
	CodeUniqueViolation     = "23505"
	CodeForeignKeyViolation = "23503"
)

// IsUniqueViolation reports whether err is a unique constraint violation.
// Callers use it to turn an index conflict into a domain-level answer, for
// example the single-running-sync rule.
func IsUniqueViolation(err error) bool {
	return hasSQLState(err, CodeUniqueViolation)
}

// IsForeignKeyViolation reports whether err is a foreign key violation.
func IsForeignKeyViolation(err error) bool {
	return hasSQLState(err, CodeForeignKeyViolation)
}

func hasSQLState(err error, code string) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	// Errors crossing fmt.Errorf("%s") boundaries lose the typed value but
	// keep the SQLSTATE in the message.
	return strings.Contains(err.Error(), "SQLSTATE "+code)
}
