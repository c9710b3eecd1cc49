// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jeranaias/rigrun-relay/internal/model"
)

// =============================================================================
// ERROR KINDS
// =============================================================================

// Kind categorizes backend failures for retry and reporting decisions.
type Kind int

const (
	KindUnknown Kind = iota
	// KindAuth means the backend rejected our credentials.
	KindAuth
	// KindRateLimited means the backend asked us to slow down.
	KindRateLimited
	// KindModelUnavailable means the backend does not serve the model right now.
	KindModelUnavailable
	// KindTransient covers network failures and 5xx responses.
	KindTransient
	// KindUnsupportedModel means the model id is unknown or has no adapter.
	KindUnsupportedModel
	// KindConfiguration means no usable credentials exist for the backend.
	KindConfiguration
)

// String returns the wire-level name of the kind.
func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "AuthError"
	case KindRateLimited:
		return "RateLimited"
	case KindModelUnavailable:
		return "ModelUnavailable"
	case KindTransient:
		return "Transient"
	case KindUnsupportedModel:
		return "UnsupportedModel"
	case KindConfiguration:
		return "ConfigurationError"
	default:
		return "Unknown"
	}
}

// =============================================================================
// ERROR TYPE
// =============================================================================

// Error is the typed failure every adapter returns instead of raw transport errors.
type Error struct {
	Kind       Kind
	Backend    model.Backend
	Status     int
	Message    string
	RetryAfter time.Duration
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Backend != "" {
		b.WriteString(string(e.Backend))
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Status != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors of the same Kind so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Backend == "" && t.Message == "" && t.Err == nil
}

// Sentinel errors for errors.Is checks.
var (
	ErrAuth             = &Error{Kind: KindAuth}
	ErrRateLimited      = &Error{Kind: KindRateLimited}
	ErrModelUnavailable = &Error{Kind: KindModelUnavailable}
	ErrTransient        = &Error{Kind: KindTransient}
	ErrUnsupportedModel = &Error{Kind: KindUnsupportedModel}
	ErrNotConfigured    = &Error{Kind: KindConfiguration}
)

// newError builds a typed error.
func newError(kind Kind, b model.Backend, msg string, cause error) *Error {
	return &Error{Kind: kind, Backend: b, Message: msg, Err: cause}
}

// KindOf returns the Kind of err, or KindUnknown if err is not a backend error.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether a setup failure may be retried.
// Only transient failures qualify; auth, rate limit, configuration and
// model errors cannot be fixed by trying again within one request.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return KindOf(err) == KindTransient
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

// apiErrorResponse is the common JSON error envelope used by OpenAI-style APIs.
type apiErrorResponse struct {
	Error struct {
		Code    any    `json:"code"`
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// ClassifyStatus maps an HTTP error response to a typed error.
func ClassifyStatus(b model.Backend, resp *http.Response, body []byte) *Error {
	e := ClassifyCode(b, resp.StatusCode, extractMessage(body))
	if e.Kind == KindRateLimited {
		e.RetryAfter = ParseRetryAfter(resp)
	}
	return e
}

// ClassifyCode maps an HTTP status code and message to a typed error.
func ClassifyCode(b model.Backend, code int, msg string) *Error {
	if msg == "" {
		msg = http.StatusText(code)
	}

	e := &Error{Backend: b, Status: code, Message: msg}
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		e.Kind = KindAuth
	case code == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
	case code == http.StatusNotFound:
		e.Kind = KindModelUnavailable
	case code == http.StatusRequestTimeout || code >= 500:
		e.Kind = KindTransient
	default:
		e.Kind = KindModelUnavailable
	}
	return e
}

// extractMessage pulls a human-readable message from an error body.
func extractMessage(body []byte) string {
	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return apiErr.Error.Message
	}
	var ollamaErr struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &ollamaErr); err == nil && ollamaErr.Error != "" {
		return ollamaErr.Error
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// ClassifyTransport wraps a transport-level failure.
// Context cancellation passes through untouched so callers can tell an abort
// from a failure.
func ClassifyTransport(b model.Backend, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var be *Error
	if errors.As(err, &be) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return newError(KindTransient, b, "connection failed", err)
	}
	return newError(KindTransient, b, "request failed", err)
}

// ParseRetryAfter extracts the Retry-After duration from an HTTP response.
// Supports both seconds and HTTP-date formats. Returns 0 when absent.
func ParseRetryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
