package util

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"wrapped time expired", fmt.Errorf("save: %w", ErrTimeExpired), KindTimeExpired},
		{"question", ErrQuestionNotFound, KindValidation},
		{"unknown", errors.New("boom"), KindInternal},
		{"conflict wins", fmt.Errorf("%w: %w", ErrConcurrentUpdate, ErrTransientStore), KindConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.want {
				t.Fatalf("KindOf = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestTranslateDBError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"mysql lock wait", &mysql.MySQLError{Number: 1205}, KindConflict},
		{"mysql deadlock", &mysql.MySQLError{Number: 1213}, KindConflict},
		{"mysql other", &mysql.MySQLError{Number: 1146}, KindTransient},
		{"pg lock not available", &pgconn.PgError{Code: "55P03"}, KindConflict},
		{"pg serialization", &pgconn.PgError{Code: "40001"}, KindConflict},
		{"duplicated key", gorm.ErrDuplicatedKey, KindConflict},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"business error untouched", ErrTimeExpired, KindTimeExpired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(TranslateDBError(tc.err)); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
	if TranslateDBError(nil) != nil {
		t.Fatal("nil should stay nil")
	}
}

func TestIsRetryableAndStatus(t *testing.T) {
	if !IsRetryable(TranslateDBError(&mysql.MySQLError{Number: 1213})) {
		t.Fatal("deadlock should be retryable")
	}
	if IsRetryable(ErrTimeExpired) {
		t.Fatal("time expiry is final")
	}
	if StatusFor(KindTimeExpired) != http.StatusGone || StatusFor(KindTooLarge) != http.StatusRequestEntityTooLarge {
		t.Fatal("unexpected status mapping")
	}
}
