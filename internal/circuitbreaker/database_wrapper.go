package circuitbreaker

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

const databaseService = "run-log"

// DatabaseWrapper is the run log handle behind the CB_DB_* breaker.
type DatabaseWrapper struct {
	db *sqlx.DB
	cb *CircuitBreaker
}

func NewDatabaseWrapper(db *sqlx.DB, logger *zap.Logger) *DatabaseWrapper {
	return &DatabaseWrapper{
		db: db,
		cb: newTracked(db.DriverName(), databaseService, ConfigFor(DepDatabase), logger),
	}
}

func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	return guarded(ctx, dw.cb, databaseService, func() error {
		return dw.db.PingContext(ctx)
	})
}

func (dw *DatabaseWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var res sql.Result
	err := guarded(ctx, dw.cb, databaseService, func() (err error) {
		res, err = dw.db.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

func (dw *DatabaseWrapper) NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error) {
	var res sql.Result
	err := guarded(ctx, dw.cb, databaseService, func() (err error) {
		res, err = dw.db.NamedExecContext(ctx, query, arg)
		return err
	})
	return res, err
}

// GetContext scans one row into dest. sql.ErrNoRows is returned to the
// caller without counting as a failure.
func (dw *DatabaseWrapper) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	found := true
	err := guarded(ctx, dw.cb, databaseService, func() error {
		err := dw.db.GetContext(ctx, dest, query, args...)
		if errors.Is(err, sql.ErrNoRows) {
			found = false
			return nil
		}
		return err
	})
	if err == nil && !found {
		return sql.ErrNoRows
	}
	return err
}

// DB exposes the raw handle for schema setup and pool stats.
func (dw *DatabaseWrapper) DB() *sqlx.DB { return dw.db }

// Open reports whether calls are currently being refused.
func (dw *DatabaseWrapper) Open() bool { return dw.cb.State() == StateOpen }

func (dw *DatabaseWrapper) Close() error { return dw.db.Close() }
