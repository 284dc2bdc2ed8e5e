package store

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/anthropics/AIClient-2-API/internal/apierr"
)

// Postgres SQLSTATE codes consulted for error classification.
const (
	sqlStateUniqueViolation     = "23505"
	sqlStateForeignKeyViolation = "23503"
	sqlStateDeadlockDetected    = "40P01"
	sqlStateSerializationFail   = "40001"
	sqlStateLockNotAvailable    = "55P03"
)

// Classify maps a Postgres/pgx error onto the apierr taxonomy:
// deadlock/lock-wait -> CONFLICT, duplicate -> CONFLICT, FK violations ->
// VALIDATION, connection failures -> UPSTREAM_UNAVAILABLE, everything else
// -> INTERNAL.
func Classify(err error) apierr.Kind {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apierr.KindUnavailable
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateUniqueViolation:
			return apierr.KindConflict
		case sqlStateForeignKeyViolation:
			return apierr.KindValidation
		case sqlStateDeadlockDetected, sqlStateSerializationFail, sqlStateLockNotAvailable:
			return apierr.KindConflict
		}
		// Class 08 = connection exception
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08" {
			return apierr.KindUnavailable
		}
		return apierr.KindInternal
	}

	// Connection-refused and similar net-level failures surface as plain
	// errors from pgx's connection establishment, not *pgconn.PgError.
	if isConnectionError(err) {
		return apierr.KindUnavailable
	}

	return apierr.KindInternal
}

// IsTransient reports whether the Storage Adapter retries err
// automatically: deadlock, serialization and lock-wait conflicts, and
// connection/unavailable failures. Duplicate-key conflicts are not retried.
func IsTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == sqlStateUniqueViolation {
		return false
	}
	kind := Classify(err)
	return kind == apierr.KindConflict || kind == apierr.KindUnavailable
}

func isConnectionError(err error) bool {
	msg := err.Error()
	for _, marker := range []string{"connection refused", "connection reset", "broken pipe", "EOF", "no route to host"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
