package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	CategoryClient      ErrorCategory = "client"
	CategoryUnsupported ErrorCategory = "unsupported"
	CategoryTransient   ErrorCategory = "transient"
	CategoryResource    ErrorCategory = "resource"
	CategoryCancelled   ErrorCategory = "cancelled"
	CategoryServer      ErrorCategory = "server"
	CategoryExternal    ErrorCategory = "external"
)

// Common error codes
const (
	// Client errors (4xx)
	CodeInvalidInput      = "INVALID_INPUT"
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeNotFound          = "NOT_FOUND"
	CodeRateLimited       = "RATE_LIMITED"
	CodeMalformedURL      = "MALFORMED_URL"
	CodeMalformedCallback = "MALFORMED_CALLBACK"

	// Session specific
	CodeSessionNotFound = "SESSION_NOT_FOUND"
	CodeSessionNotReady = "SESSION_NOT_READY"
	CodeInvalidState    = "INVALID_STATE"

	// Job specific
	CodeJobNotFound = "JOB_NOT_FOUND"
	CodeCancelled   = "CANCELLED"

	// Resolution
	CodeUnsupportedPlatform = "UNSUPPORTED_PLATFORM"
	CodeContentUnavailable  = "CONTENT_UNAVAILABLE"
	CodeNetworkTimeout      = "NETWORK_TIMEOUT"

	// Resource caps
	CodeSizeExceeded    = "SIZE_EXCEEDED"
	CodeTimeoutExceeded = "TIMEOUT_EXCEEDED"

	// Server errors (5xx)
	CodeInternalError = "INTERNAL_ERROR"
	CodeStorageError  = "STORAGE_ERROR"
	CodeDatabaseError = "DATABASE_ERROR"

	// External collaborator errors
	CodeTranscodeError = "TRANSCODE_ERROR"
	CodeDeliveryError  = "DELIVERY_ERROR"
)

// AppError represents a structured application error
type AppError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Category   ErrorCategory  `json:"-"`
	HTTPStatus int            `json:"-"`
	Details    map[string]any `json:"details,omitempty"`
	Cause      error          `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches another AppError by code, so sentinel-style comparisons work.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details map[string]any) *AppError {
	e.Details = details
	return e
}

// WithCause sets the underlying cause of the error
func (e *AppError) WithCause(err error) *AppError {
	e.Cause = err
	return e
}

// ErrorResponse is the JSON structure returned to clients
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody contains the error details
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// New creates a new AppError
func New(code string, message string, category ErrorCategory, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		Category:   category,
		HTTPStatus: httpStatus,
	}
}

// Client error constructors

func BadRequest(message string) *AppError {
	return New(CodeInvalidRequest, message, CategoryClient, http.StatusBadRequest)
}

func InvalidInput(message string) *AppError {
	return New(CodeInvalidInput, message, CategoryClient, http.StatusBadRequest)
}

func Unauthorized(message string) *AppError {
	return New(CodeUnauthorized, message, CategoryClient, http.StatusUnauthorized)
}

func NotFound(resource string) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", resource), CategoryClient, http.StatusNotFound)
}

func MalformedURL(url string) *AppError {
	return New(CodeMalformedURL, "invalid URL format", CategoryClient, http.StatusBadRequest).
		WithDetails(map[string]any{"url": url})
}

func MalformedCallback(data string) *AppError {
	return New(CodeMalformedCallback, "malformed callback data", CategoryClient, http.StatusBadRequest).
		WithDetails(map[string]any{"data": data})
}

func SessionNotFound() *AppError {
	return New(CodeSessionNotFound, "no active session", CategoryClient, http.StatusNotFound)
}

func SessionNotReady(stage string) *AppError {
	return New(CodeSessionNotReady, "session is not ready for submission", CategoryClient, http.StatusConflict).
		WithDetails(map[string]any{"stage": stage})
}

func InvalidState(from, input string) *AppError {
	return New(CodeInvalidState, fmt.Sprintf("cannot apply %s in stage %s", input, from), CategoryClient, http.StatusConflict)
}

func JobNotFound() *AppError {
	return New(CodeJobNotFound, "job not found", CategoryClient, http.StatusNotFound)
}

func RateLimited(retryAfterSeconds int) *AppError {
	return New(CodeRateLimited, "rate limit exceeded", CategoryClient, http.StatusTooManyRequests).
		WithDetails(map[string]any{"retry_after_seconds": retryAfterSeconds})
}

func Cancelled() *AppError {
	return New(CodeCancelled, "job cancelled", CategoryCancelled, http.StatusConflict)
}

// Resolution error constructors

func UnsupportedPlatform(platform string) *AppError {
	return New(CodeUnsupportedPlatform, fmt.Sprintf("unsupported platform: %s", platform), CategoryUnsupported, http.StatusUnprocessableEntity)
}

func ContentUnavailable(message string) *AppError {
	return New(CodeContentUnavailable, message, CategoryUnsupported, http.StatusUnprocessableEntity)
}

func NetworkTimeout(service string) *AppError {
	return New(CodeNetworkTimeout, fmt.Sprintf("%s request timed out", service), CategoryTransient, http.StatusGatewayTimeout)
}

// Resource cap constructors

func SizeExceeded(limitMB int) *AppError {
	return New(CodeSizeExceeded, fmt.Sprintf("file exceeds the %d MB limit", limitMB), CategoryResource, http.StatusRequestEntityTooLarge).
		WithDetails(map[string]any{"limit_mb": limitMB})
}

func TimeoutExceeded(stage string) *AppError {
	return New(CodeTimeoutExceeded, fmt.Sprintf("%s took too long", stage), CategoryResource, http.StatusGatewayTimeout).
		WithDetails(map[string]any{"stage": stage})
}

// Server error constructors

func InternalError(message string) *AppError {
	return New(CodeInternalError, message, CategoryServer, http.StatusInternalServerError)
}

func StorageError(message string) *AppError {
	return New(CodeStorageError, message, CategoryServer, http.StatusInternalServerError)
}

func DatabaseError(message string) *AppError {
	return New(CodeDatabaseError, message, CategoryServer, http.StatusInternalServerError)
}

// External collaborator error constructors

func TranscodeError(message string) *AppError {
	return New(CodeTranscodeError, message, CategoryExternal, http.StatusBadGateway)
}

func DeliveryError(message string) *AppError {
	return New(CodeDeliveryError, message, CategoryExternal, http.StatusBadGateway)
}

// WriteError writes an error response to the HTTP response writer
func WriteError(w http.ResponseWriter, requestID string, err error) {
	appErr, ok := AsAppError(err)
	if !ok {
		// Wrap unknown errors as internal errors
		appErr = InternalError("an unexpected error occurred").WithCause(err)
	}

	resp := ErrorResponse{
		Error: ErrorBody{
			Code:      appErr.Code,
			Message:   appErr.Message,
			RequestID: requestID,
			Details:   appErr.Details,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	if requestID != "" {
		w.Header().Set(RequestIDHeader, requestID)
	}
	w.WriteHeader(appErr.HTTPStatus)
	json.NewEncoder(w).Encode(resp)
}

// WriteJSON writes a JSON response with the request ID header
func WriteJSON(w http.ResponseWriter, requestID string, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	if requestID != "" {
		w.Header().Set(RequestIDHeader, requestID)
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// AsAppError unwraps err until it finds an *AppError
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// CodeOf returns the code of the first AppError in the chain, or
// CodeInternalError for anything else.
func CodeOf(err error) string {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return CodeInternalError
}

// HasCode reports whether err carries the given code
func HasCode(err error, code string) bool {
	appErr, ok := AsAppError(err)
	return ok && appErr.Code == code
}

// IsRetryable returns true if the error is retryable
func IsRetryable(err error) bool {
	appErr, ok := AsAppError(err)
	if !ok {
		return false
	}

	switch appErr.Category {
	case CategoryTransient:
		return true
	case CategoryExternal:
		// Delivery hiccups are worth another attempt, a broken transcode is not
		return appErr.Code == CodeDeliveryError
	default:
		return false
	}
}

// IsClientError returns true if the error is a client error
func IsClientError(err error) bool {
	return hasCategory(err, CategoryClient)
}

// IsServerError returns true if the error is a server error
func IsServerError(err error) bool {
	return hasCategory(err, CategoryServer)
}

// IsResourceError returns true if a size or time cap was hit
func IsResourceError(err error) bool {
	return hasCategory(err, CategoryResource)
}

// IsUnsupported returns true if the content cannot be handled at all
func IsUnsupported(err error) bool {
	return hasCategory(err, CategoryUnsupported)
}

func hasCategory(err error, category ErrorCategory) bool {
	appErr, ok := AsAppError(err)
	if !ok {
		return false
	}
	return appErr.Category == category
}
