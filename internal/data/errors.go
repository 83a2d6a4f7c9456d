package data

import (
	"errors"

	apperrors "github.com/target/sopline/internal/errors"
)

// Shared sentinel errors for data-layer repositories.
var (
	ErrJobNotFound      = apperrors.NotFound("job not found")
	ErrJobProcessing    = apperrors.Conflict("job is processing and cannot be deleted")
	ErrTaskNotFound     = apperrors.NotFound("task not found")
	ErrTaskNotDeletable = errors.New("task cannot be deleted (must be in pending, completed, or failed status)")
	ErrTaskReserved     = errors.New("task is reserved and cannot be deleted")
	ErrWebhookNotFound  = apperrors.NotFound("webhook not found")
)

// storeErr classifies a database failure. Errors the mapper recognizes keep their code;
// anything else is reported as a persistence failure for op.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	mapped := apperrors.MapDBError(err)
	switch apperrors.GetCode(mapped) {
	case "", apperrors.ErrCodeInternal:
		return apperrors.Persistence(err, op)
	default:
		return mapped
	}
}
