package errors

import (
	"context"
	"fmt"
	"net"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	apperrors "github.com/target/sopline/internal/errors"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"app code", apperrors.Transientf("rate limited"), "transient"},
		{"wrapped app code", fmt.Errorf("merge: %w", apperrors.Persistence(context.Canceled, "db")), "persistence"},
		{"deadline", fmt.Errorf("probe: %w", context.DeadlineExceeded), "deadline"},
		{"canceled", context.Canceled, "canceled"},
		{"unique violation", &pgconn.PgError{Code: pgerrcode.UniqueViolation}, "pg_constraint"},
		{"serialization failure", fmt.Errorf("claim: %w", &pgconn.PgError{Code: pgerrcode.SerializationFailure}), "pg_rollback"},
		{"other sqlstate", &pgconn.PgError{Code: pgerrcode.UndefinedTable}, "pg_42"},
		{"net timeout", fmt.Errorf("post: %w", timeoutErr{}), "net_timeout"},
		{"plain", fmt.Errorf("wrap: %w", fmt.Errorf("plain")), "errors_errorstring"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
