package errors

import (
	"net/http"
	"strconv"
)

// RequestIDHeader carries the request id in both directions
const RequestIDHeader = "X-Request-ID"

// Handler is an HTTP handler that reports failure by returning an error
type Handler func(w http.ResponseWriter, r *http.Request) error

// HandleFunc adapts h. A returned error becomes an ErrorResponse; rate-limit
// rejections also carry Retry-After.
func HandleFunc(h Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err == nil {
			return
		}
		if seconds, ok := RetryAfterSeconds(err); ok {
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
		}
		WriteError(w, GetRequestID(r.Context()), err)
	}
}

// RetryAfterSeconds returns the wait attached to a RATE_LIMITED error,
// never less than one second.
func RetryAfterSeconds(err error) (int, bool) {
	appErr, ok := AsAppError(err)
	if !ok || appErr.Code != CodeRateLimited {
		return 0, false
	}
	seconds, _ := appErr.Details["retry_after_seconds"].(int)
	return max(seconds, 1), true
}
