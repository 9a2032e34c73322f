package warehouse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want LoadKind
	}{
		{"invalid password", &pgconn.PgError{Code: "28P01", Message: "password authentication failed"}, KindAuth},
		{"permission denied", &pgconn.PgError{Code: "42501", Message: "permission denied for relation realtordata"}, KindAuth},
		{"iam role", &pgconn.PgError{Code: "XX000", Message: "User arn:aws:redshift:us-east-1:1:dbuser:c/u is not authorized to assume IAM Role"}, KindAuth},
		{"s3 access denied", &pgconn.PgError{Code: "XX000", Message: "S3ServiceException:Access Denied,Status 403"}, KindAuth},
		{"load errors", &pgconn.PgError{Code: "XX000", Message: "Load into table 'realtordata' failed. Check 'stl_load_errors' system table for details."}, KindFormat},
		{"bad value", &pgconn.PgError{Code: "22P02", Message: "invalid input syntax for integer"}, KindFormat},
		{"admin shutdown", &pgconn.PgError{Code: "57P01", Message: "terminating connection due to administrator command"}, KindTransient},
		{"connection failure", &pgconn.PgError{Code: "08006", Message: "connection failure"}, KindTransient},
		{"serialization", &pgconn.PgError{Code: "40001", Message: "could not serialize access"}, KindTransient},
		{"eof", fmt.Errorf("copy: %w", io.ErrUnexpectedEOF), KindTransient},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"wrapped pg", fmt.Errorf("copy: %w", &pgconn.PgError{Code: "42501"}), KindAuth},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var le *LoadError
			if !errors.As(Classify(tt.err), &le) {
				t.Fatalf("Classify did not return a LoadError")
			}
			if le.Kind != tt.want {
				t.Errorf("kind = %s, want %s", le.Kind, tt.want)
			}
			if le.Retryable() != (tt.want == KindTransient) {
				t.Errorf("Retryable = %v for %s", le.Retryable(), le.Kind)
			}
		})
	}
}

func TestClassifyPassesThrough(t *testing.T) {
	if Classify(nil) != nil {
		t.Error("nil should stay nil")
	}
	if err := Classify(context.Canceled); err != context.Canceled {
		t.Errorf("cancellation was rewrapped: %v", err)
	}
	orig := &LoadError{Kind: KindFormat, Err: errors.New("x")}
	if err := Classify(orig); err != orig {
		t.Error("classified error was rewrapped")
	}
	if orig.ErrorKind() != "LoadError.Format" {
		t.Errorf("ErrorKind = %q", orig.ErrorKind())
	}
}
