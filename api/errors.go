package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vigiecall/automation-orchestrator/contracts"
)

// ErrorDTO is the wire shape of an error response.
type ErrorDTO struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode is this package's HTTP-facing error taxonomy, separate from
// contracts.ErrorCode since not every HTTP failure originates from a
// classified domain error (e.g. a missing path value never reaches the
// orchestrator at all).
type ErrorCode string

const (
	CodeInvalidInput   ErrorCode = "invalid_input"
	CodeNotFound       ErrorCode = "not_found"
	CodeConflict       ErrorCode = "conflict"
	CodeInternalError  ErrorCode = "internal_error"
)

// HTTPError pairs an error with the status code it maps to.
type HTTPError struct {
	StatusCode int
	Code       ErrorCode
	Err        error
}

func (e *HTTPError) Error() string { return e.Err.Error() }
func (e *HTTPError) Unwrap() error { return e.Err }

// MapError maps a domain error to an HTTPError using the §7 taxonomy
// contracts.Classify attaches, falling back to 500 for anything uncoded.
func MapError(err error) *HTTPError {
	if err == nil {
		return nil
	}

	var classified *contracts.ClassifiedError
	if errors.As(err, &classified) && classified.Code == contracts.CodeConfigError {
		return &HTTPError{http.StatusBadRequest, CodeInvalidInput, err}
	}

	switch {
	case errors.Is(err, contracts.ErrScheduleNotFound):
		return &HTTPError{http.StatusNotFound, CodeNotFound, err}
	case errors.Is(err, contracts.ErrScheduleInactive), errors.Is(err, contracts.ErrScheduleManual):
		return &HTTPError{http.StatusConflict, CodeConflict, err}
	case errors.Is(err, contracts.ErrRunAlreadyRunning):
		return &HTTPError{http.StatusConflict, CodeConflict, err}
	case errors.Is(err, contracts.ErrInvalidInput):
		return &HTTPError{http.StatusBadRequest, CodeInvalidInput, err}
	default:
		return &HTTPError{http.StatusInternalServerError, CodeInternalError, err}
	}
}

// WriteError writes a mapped error response.
func WriteError(w http.ResponseWriter, err error) {
	httpErr := MapError(err)
	if httpErr == nil {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpErr.StatusCode)
	writeJSON(w, ErrorDTO{Code: string(httpErr.Code), Message: httpErr.Error()})
}

func writeJSON(w http.ResponseWriter, v any) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		_ = err
	}
}
