package postgres

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vietddude/vaultwatch/internal/infra/storage"
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// isFatal reports errors that will not go away by retrying the same statement:
// lost connections, bad credentials and schema mismatches.
func isFatal(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), // connection exception
			strings.HasPrefix(pgErr.Code, "28"), // invalid authorization
			strings.HasPrefix(pgErr.Code, "3D"), // invalid catalog
			strings.HasPrefix(pgErr.Code, "42"), // undefined table/column, syntax
			strings.HasPrefix(pgErr.Code, "57P"): // admin shutdown
			return true
		}
		return false
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var netErr *net.OpError
	return errors.As(err, &netErr)
}

// wrap annotates err with op, marking it fatal where appropriate.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if isFatal(err) {
		return fmt.Errorf("%w: %s: %w", storage.ErrPersistenceFatal, op, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
