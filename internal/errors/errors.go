// Package errors maps application errors onto HTTP error responses.
//
// Every API error body has the same shape:
//
//	{"error": {"code": "NOT_FOUND", "message": "...", "details": {...}, "request_id": "..."}}
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/3leaps/aerobatch/pkg/pipeline"
	"github.com/3leaps/aerobatch/pkg/queue"
)

// Error codes used in API responses.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeConflict           = "CONFLICT"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeExternalService    = "EXTERNAL_SERVICE_ERROR"
	CodeInternal           = "INTERNAL_ERROR"
)

// RequestIDHeader carries the request identifier in and out.
const RequestIDHeader = "X-Request-ID"

// HTTPErrorResponse is the body of every error response.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// AppError is an error with an HTTP status and API code attached.
type AppError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails returns e with details attached.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	e.Details = details
	return e
}

func NewBadRequest(message string, err error) *AppError {
	return &AppError{Status: http.StatusBadRequest, Code: CodeBadRequest, Message: message, Err: err}
}

func NewNotFound(message string) *AppError {
	return &AppError{Status: http.StatusNotFound, Code: CodeNotFound, Message: message}
}

func NewConflict(message string, err error) *AppError {
	return &AppError{Status: http.StatusConflict, Code: CodeConflict, Message: message, Err: err}
}

func NewServiceUnavailable(message string) *AppError {
	return &AppError{Status: http.StatusServiceUnavailable, Code: CodeServiceUnavailable, Message: message}
}

// NewExternalServiceError reports a failing dependency such as the session
// bridge or the artifact store.
func NewExternalServiceError(service string, err error) *AppError {
	return &AppError{
		Status:  http.StatusBadGateway,
		Code:    CodeExternalService,
		Message: fmt.Sprintf("%s request failed", service),
		Details: map[string]any{"service": service},
		Err:     err,
	}
}

// WrapInternal hides err behind a generic message. err is kept for logs.
func WrapInternal(err error) *AppError {
	return &AppError{Status: http.StatusInternalServerError, Code: CodeInternal, Message: "internal server error", Err: err}
}

// FromError classifies err. Known domain errors keep their message; anything
// else becomes an internal error.
func FromError(err error) *AppError {
	var appErr *AppError
	switch {
	case err == nil:
		return nil
	case stderrors.As(err, &appErr):
		return appErr
	case stderrors.Is(err, pipeline.ErrInvalidJob):
		return NewBadRequest(err.Error(), err)
	case stderrors.Is(err, queue.ErrDuplicateJob), stderrors.Is(err, queue.ErrQueueClosed):
		return NewConflict(err.Error(), err)
	default:
		return WrapInternal(err)
	}
}

// RespondWithError writes err as a JSON error response.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := FromError(err)
	if appErr == nil {
		appErr = WrapInternal(stderrors.New("nil error"))
	}
	WriteJSON(w, appErr.Status, HTTPErrorResponse{Error: HTTPError{
		Code:      appErr.Code,
		Message:   appErr.Message,
		Details:   appErr.Details,
		RequestID: requestID(w, r),
	}})
}

// WriteJSON writes v with status. Encoding errors are dropped; the header is
// already sent.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requestID(w http.ResponseWriter, r *http.Request) string {
	if id := w.Header().Get(RequestIDHeader); id != "" {
		return id
	}
	if r != nil {
		return r.Header.Get(RequestIDHeader)
	}
	return ""
}
