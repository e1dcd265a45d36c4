package server

import (
	"errors"
	"net/http"

	"github.com/pixperk/latch/pkg/types"
)

// maps domain errors to HTTP status codes
// the whole taxonomy is recoverable : nothing here is process-fatal
func statusForError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, types.ErrLockNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrNotOwner),
		errors.Is(err, types.ErrFenceMismatch):
		return http.StatusForbidden
	case errors.Is(err, types.ErrLockHeld),
		errors.Is(err, types.ErrAcquireTimeout),
		errors.Is(err, types.ErrRenewalExhausted):
		return http.StatusConflict
	case errors.Is(err, types.ErrLockExpired):
		return http.StatusGone
	case errors.Is(err, types.ErrInvalidTTL),
		errors.Is(err, types.ErrInvalidNamespace):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
