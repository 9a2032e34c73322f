package warehouse

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// LoadKind classifies warehouse load failures.
type LoadKind string

const (
	KindAuth      LoadKind = "Auth"      // bad role or credentials
	KindFormat    LoadKind = "Format"    // CSV does not match the table
	KindTransient LoadKind = "Transient" // connection drop, timeout, contention
)

// LoadError is a classified warehouse load failure.
type LoadError struct {
	Kind LoadKind
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s error: %v", e.Kind, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ErrorKind returns the taxonomy name of the error, e.g. "LoadError.Transient".
func (e *LoadError) ErrorKind() string { return "LoadError." + string(e.Kind) }

// Retryable reports whether the loader may retry. Only Transient is.
func (e *LoadError) Retryable() bool { return e.Kind == KindTransient }

// Classify wraps err in a *LoadError. Already classified errors and
// context cancellation pass through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var le *LoadError
	if errors.As(err, &le) || errors.Is(err, context.Canceled) {
		return err
	}
	return &LoadError{Kind: kindOf(err), Err: err}
}

func kindOf(err error) LoadKind {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgKind(pgErr)
	}

	// Anything that did not come back from the server failed at the
	// connection level: dial errors, resets, EOF, timeouts.
	return KindTransient
}

func pgKind(e *pgconn.PgError) LoadKind {
	code := e.Code
	msg := strings.ToLower(e.Message + " " + e.Detail)

	switch {
	case strings.HasPrefix(code, "28"), code == "42501":
		return KindAuth
	case strings.HasPrefix(code, "08"), strings.HasPrefix(code, "53"),
		code == "57P01", code == "57P02", code == "57P03",
		code == "40001", code == "40P01":
		return KindTransient
	case strings.HasPrefix(code, "22"):
		return KindFormat
	}

	// Redshift reports COPY failures as XX000 with a descriptive message.
	switch {
	case strings.Contains(msg, "not authorized to assume iam role"),
		strings.Contains(msg, "access denied"),
		strings.Contains(msg, "invalidaccesskeyid"),
		strings.Contains(msg, "signaturedoesnotmatch"):
		return KindAuth
	case strings.Contains(msg, "stl_load_errors"),
		strings.Contains(msg, "delimiter not found"),
		strings.Contains(msg, "invalid digit"),
		strings.Contains(msg, "extra column"):
		return KindFormat
	case strings.Contains(msg, "s3serviceexception"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "serializable isolation violation"):
		return KindTransient
	}
	return KindFormat
}
