package repository

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mattercrawl/engine/internal/crawlerr"
)

// classify maps a raw database error onto the engine's persistence error
// kinds so retry policies can act on the Kind alone.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return crawlerr.New(op, crawlerr.KindCancelled, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return crawlerr.New(op, crawlerr.KindDatabaseTimeout, err)
	}
	if errors.Is(err, driver.ErrBadConn) {
		return crawlerr.New(op, crawlerr.KindDatabaseConnection, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return crawlerr.New(op, crawlerr.KindDatabaseTimeout, err)
		}
		return crawlerr.New(op, crawlerr.KindDatabaseConnection, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505" || pgErr.Code == "23503": // unique / fk violation
			return crawlerr.New(op, crawlerr.KindIntegrityViolation, err)
		case pgErr.Code == "55P03" || pgErr.Code == "40P01": // lock not available / deadlock
			return crawlerr.New(op, crawlerr.KindDatabaseLock, err)
		case pgErr.Code == "57014": // query cancelled (statement timeout)
			return crawlerr.New(op, crawlerr.KindDatabaseTimeout, err)
		case strings.HasPrefix(pgErr.Code, "08"): // connection exception class
			return crawlerr.New(op, crawlerr.KindDatabaseConnection, err)
		}
	}
	return crawlerr.New(op, crawlerr.KindDatabaseConnection, err)
}
