// Package errors derives low-cardinality error classes for metric tags.
package errors

import (
	"context"
	goerrors "errors"
	"net"
	"os/exec"
	"reflect"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	apperrors "github.com/target/sopline/internal/errors"
)

// Classify returns a short, bounded tag value for err. Application errors use
// their code; well-known infrastructure failures get a fixed class; anything
// else is named after its innermost concrete type.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	if code := apperrors.GetCode(err); code != "" {
		return string(code)
	}
	if class := infraClass(err); class != "" {
		return class
	}
	return typeName(innermost(err))
}

func infraClass(err error) string {
	switch {
	case goerrors.Is(err, context.DeadlineExceeded):
		return "deadline"
	case goerrors.Is(err, context.Canceled):
		return "canceled"
	}

	var pgErr *pgconn.PgError
	if goerrors.As(err, &pgErr) {
		switch {
		case pgerrcode.IsIntegrityConstraintViolation(pgErr.Code):
			return "pg_constraint"
		case pgerrcode.IsTransactionRollback(pgErr.Code):
			return "pg_rollback"
		case len(pgErr.Code) >= 2:
			return "pg_" + strings.ToLower(pgErr.Code[:2])
		}
		return "pg"
	}

	var exitErr *exec.ExitError
	if goerrors.As(err, &exitErr) {
		return "exec_exit"
	}

	var netErr net.Error
	if goerrors.As(err, &netErr) {
		if netErr.Timeout() {
			return "net_timeout"
		}
		return "net"
	}
	return ""
}

func innermost(err error) error {
	for {
		next := goerrors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

func typeName(err error) string {
	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.String() == "" {
		return "unknown"
	}
	return strings.ToLower(strings.ReplaceAll(t.String(), ".", "_"))
}
