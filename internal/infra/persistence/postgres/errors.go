package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/coachpo/audiosum/errs"
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// wrap maps driver errors onto the shared taxonomy. Unique violations become conflicts
// and missing rows become not-found regardless of the requested code.
func wrap(component string, code errs.Code, message string, err error, opts ...errs.Option) error {
	switch {
	case isUniqueViolation(err):
		code = errs.CodeConflict
	case errors.Is(err, pgx.ErrNoRows):
		code = errs.CodeNotFound
	}
	base := []errs.Option{errs.WithMessage(message), errs.WithCause(err)}
	return errs.New(component, code, append(base, opts...)...)
}
