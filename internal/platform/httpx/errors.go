// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/odyssey-erp/salesrecon/internal/shared"
)

// RespondError maps engine errors to HTTP responses using RFC7807 plus a stable code.
func RespondError(w http.ResponseWriter, err error) {
	code := shared.CodeOf(err)
	switch {
	case errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", code, err.Error())
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", code, err.Error())
	case errors.Is(err, shared.ErrConflict):
		Problem(w, http.StatusConflict, "Conflict", code, err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", code, "")
	}
}
