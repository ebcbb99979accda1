package store

import (
	"errors"

	"github.com/jackc/pgx/v5"
)

// isNoRows reports whether err is pgx's "no rows in result set" sentinel,
// which callers translate to a nil row rather than an error.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
