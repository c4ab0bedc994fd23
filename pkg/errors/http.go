package errors

import (
	"encoding/json"
	"errors"
	"net/http"
)

var errorStatusCodes = map[error]int{
	ErrNotFound:           http.StatusNotFound,
	ErrInvalidInput:       http.StatusBadRequest,
	ErrInternalError:      http.StatusInternalServerError,
	ErrUnavailable:        http.StatusServiceUnavailable,
	ErrFailedPrecondition: http.StatusPreconditionFailed,
	ErrUnauthorized:       http.StatusUnauthorized,
	ErrRateLimited:        http.StatusTooManyRequests,

	ErrInvalidConfig:      http.StatusBadRequest,
	ErrDimensionMismatch:  http.StatusUnprocessableEntity,
	ErrIndexOutOfRange:    http.StatusNotFound,
	ErrProfileMissing:     http.StatusConflict,
	ErrEngineClosed:       http.StatusServiceUnavailable,
	ErrUnsupportedFormat:  http.StatusUnsupportedMediaType,
	ErrPublisherNotReady:  http.StatusServiceUnavailable,
	ErrDuplicatePhoneme:   http.StatusConflict,
	ErrDegenerateSpectrum: http.StatusUnprocessableEntity,
}

// WriteError writes a standardized JSON error response
func WriteError(w http.ResponseWriter, err error) {
	var statusCode int
	var response map[string]interface{}

	var serr *Error
	if err == nil {
		statusCode = http.StatusInternalServerError
		response = map[string]interface{}{
			"error": "Unknown error",
		}
	} else if errors.As(err, &serr) {
		statusCode = HTTPStatusFromError(serr.original)
		response = serr.AsJSON()
	} else {
		statusCode = HTTPStatusFromError(err)
		response = map[string]interface{}{
			"error": err.Error(),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(response)
}

// HTTPStatusFromError determines the appropriate HTTP status code for an error
func HTTPStatusFromError(err error) int {
	for err != nil {
		if code, ok := errorStatusCodes[err]; ok {
			return code
		}

		unwrapped := errors.Unwrap(err)
		if unwrapped == err || unwrapped == nil {
			break
		}
		err = unwrapped
	}

	return http.StatusInternalServerError
}
