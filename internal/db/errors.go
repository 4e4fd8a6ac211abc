package db

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a targeted row does not exist in the caller's scope
var ErrNotFound = errors.New("not found")

// StoreError is a failed read or write against the notification store.
// Code, Detail and Hint are copied from the Postgres error when there is one.
type StoreError struct {
	Op     string
	Code   string
	Detail string
	Hint   string
	Err    error
}

func (e *StoreError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %v (code %s)", e.Op, e.Err, e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Fields returns the structured context of the error for logging
func (e *StoreError) Fields() []zap.Field {
	return []zap.Field{
		zap.String("op", e.Op),
		zap.String("code", e.Code),
		zap.String("details", e.Detail),
		zap.String("hint", e.Hint),
		zap.Error(e.Err),
	}
}

func storeError(op string, err error) *StoreError {
	se := &StoreError{Op: op, Err: err}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		se.Code = pgErr.Code
		se.Detail = pgErr.Detail
		se.Hint = pgErr.Hint
	}
	return se
}

// IsNotFound reports whether err means the row was missing
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, pgx.ErrNoRows)
}
