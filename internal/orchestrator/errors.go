// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jeranaias/rigrun-relay/internal/backend"
	"github.com/jeranaias/rigrun-relay/internal/protocol"
	"github.com/jeranaias/rigrun-relay/internal/storage"
)

// =============================================================================
// ERROR CODES
// =============================================================================

// Machine-readable codes carried by pre-stream errors and error events.
const (
	CodeValidation           = "VALIDATION_ERROR"
	CodeUnauthorized         = "UNAUTHORIZED"
	CodeUnsupportedModel     = "UNSUPPORTED_MODEL"
	CodeConfiguration        = "CONFIGURATION_ERROR"
	CodeInvalidAPIKey        = "INVALID_API_KEY"
	CodeRateLimited          = "RATE_LIMITED"
	CodeModelUnavailable     = "MODEL_UNAVAILABLE"
	CodeUpstreamUnavailable  = "UPSTREAM_UNAVAILABLE"
	CodeConversationNotFound = "CONVERSATION_NOT_FOUND"
	CodeInternal             = "INTERNAL_ERROR"
	CodeCanceled             = "REQUEST_CANCELED"

	// CodeStream marks a mid-stream failure that is not a backend error.
	CodeStream = "STREAM_ERROR"
)

// StatusClientClosedRequest is the de facto status for a request the client
// abandoned before a response was produced.
const StatusClientClosedRequest = 499

// Error is a failure that happened before any event was sent. It maps onto
// the JSON error body {error, code, details?}.
type Error struct {
	Code    string
	Status  int
	Message string
	Details map[string]any
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// ValidationError builds a 400 VALIDATION_ERROR.
func ValidationError(format string, args ...any) *Error {
	return &Error{
		Code:    CodeValidation,
		Status:  http.StatusBadRequest,
		Message: fmt.Sprintf(format, args...),
	}
}

// AsError converts any failure into an *Error. Backend kinds, missing
// conversations and context cancellation get their own codes; anything else
// becomes INTERNAL_ERROR with a generic message.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}

	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}

	if errors.Is(err, storage.ErrNotFound) {
		return &Error{
			Code:    CodeConversationNotFound,
			Status:  http.StatusNotFound,
			Message: "Conversation not found",
			Err:     err,
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			Code:    CodeCanceled,
			Status:  StatusClientClosedRequest,
			Message: "Request canceled",
			Err:     err,
		}
	}

	var be *backend.Error
	if errors.As(err, &be) {
		return fromBackend(be)
	}

	return &Error{
		Code:    CodeInternal,
		Status:  http.StatusInternalServerError,
		Message: "Internal server error",
		Err:     err,
	}
}

func fromBackend(be *backend.Error) *Error {
	e := &Error{Err: be}
	switch be.Kind {
	case backend.KindAuth:
		e.Code, e.Status = CodeInvalidAPIKey, http.StatusInternalServerError
		e.Message = fmt.Sprintf("The %s API key was rejected", backendName(be))
	case backend.KindRateLimited:
		e.Code, e.Status = CodeRateLimited, http.StatusTooManyRequests
		e.Message = "The model provider is rate limiting requests. Try again shortly."
		if be.RetryAfter > 0 {
			e.Details = map[string]any{"retryAfterSeconds": int(be.RetryAfter.Seconds())}
		}
	case backend.KindModelUnavailable:
		e.Code, e.Status = CodeModelUnavailable, http.StatusBadGateway
		e.Message = "The requested model is unavailable"
	case backend.KindTransient:
		e.Code, e.Status = CodeUpstreamUnavailable, http.StatusServiceUnavailable
		e.Message = "The model provider is temporarily unavailable"
	case backend.KindUnsupportedModel:
		e.Code, e.Status = CodeUnsupportedModel, http.StatusBadRequest
		e.Message = be.Message
	case backend.KindConfiguration:
		e.Code, e.Status = CodeConfiguration, http.StatusInternalServerError
		e.Message = be.Message
	default:
		e.Code, e.Status = CodeInternal, http.StatusInternalServerError
		e.Message = "Internal server error"
	}
	return e
}

func backendName(be *backend.Error) string {
	if be.Backend == "" {
		return "provider"
	}
	return string(be.Backend)
}

// streamError builds the in-band error event for a mid-stream failure.
// Backend failures keep their taxonomy code.
func streamError(err error) protocol.ErrorEvent {
	var be *backend.Error
	if errors.As(err, &be) {
		e := AsError(be)
		return protocol.ErrorEvent{Message: e.Message, Code: e.Code}
	}
	return protocol.ErrorEvent{Message: "The response stream failed", Code: CodeStream}
}
