package repo

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"genbot/internal/domain"
)

const uniqueViolationCode = "23505"

// translateError maps driver-level failures onto domain sentinels so callers
// never need to import pgx to classify them.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateEntry, pgErr.ConstraintName)
	}
	return err
}
