// Package middleware provides HTTP middleware for the status API.
package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/aerobatch/internal/errors"
	"github.com/3leaps/aerobatch/internal/observability"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// ErrorResponse is the JSON body written for recovered panics.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// RequestID propagates X-Request-ID, generating one when absent, and echoes
// it on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(apperrors.RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(apperrors.RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID returns the request ID stored by RequestID.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// Recovery turns a panic into a 500 INTERNAL_ERROR response.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			requestID := GetRequestID(r.Context())
			observability.CLILogger.Error("Handler panic",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("request_id", requestID),
				zap.Any("panic", rec))

			env := errors.NewErrorEnvelope(apperrors.CodeInternal, fmt.Sprintf("panic: %v", rec))
			if requestID != "" {
				env = env.WithCorrelationID(requestID)
			}
			writeErrorResponse(w, env, http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is Recovery under the name the router chain uses.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

// writeErrorResponse renders a gofulmen envelope in the API error shape.
// Envelope context becomes details; the correlation ID becomes request_id.
func writeErrorResponse(w http.ResponseWriter, env *errors.ErrorEnvelope, status int) {
	var fields map[string]any
	if raw, err := json.Marshal(env); err == nil {
		_ = json.Unmarshal(raw, &fields)
	}

	detail := ErrorDetail{
		Code:    stringField(fields, "code"),
		Message: stringField(fields, "message"),
	}
	if ctx, ok := fields["context"].(map[string]any); ok && len(ctx) > 0 {
		detail.Details = ctx
	} else if d, ok := fields["details"].(map[string]any); ok && len(d) > 0 {
		detail.Details = d
	}
	detail.RequestID = stringField(fields, "correlation_id")
	if detail.RequestID == "" {
		detail.RequestID = w.Header().Get(apperrors.RequestIDHeader)
	}

	apperrors.WriteJSON(w, status, ErrorResponse{Error: detail})
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
