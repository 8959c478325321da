package models

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind categorizes gateway errors and fixes their HTTP mapping.
type ErrorKind string

const (
	// ErrorKindValidation covers malformed client requests (400)
	ErrorKindValidation ErrorKind = "validation"
	// ErrorKindUnauthenticated covers missing, unknown or inactive API keys (401)
	ErrorKindUnauthenticated ErrorKind = "unauthenticated"
	// ErrorKindAccountMissing covers keys whose account no longer exists (403)
	ErrorKindAccountMissing ErrorKind = "account_missing"
	// ErrorKindAccountDisabled covers inactive accounts (403)
	ErrorKindAccountDisabled ErrorKind = "account_disabled"
	// ErrorKindModelForbidden covers models outside a key's allowed set (403)
	ErrorKindModelForbidden ErrorKind = "model_forbidden"
	// ErrorKindBudgetExceeded covers failed budget prechecks (429)
	ErrorKindBudgetExceeded ErrorKind = "budget_exceeded"
	// ErrorKindUpstreamUnavailable covers connect/TLS failures before the first byte (502)
	ErrorKindUpstreamUnavailable ErrorKind = "upstream_unavailable"
	// ErrorKindPricingMissing covers post-facto missing pricing rows; never client-visible
	ErrorKindPricingMissing ErrorKind = "pricing_missing"
	// ErrorKindInternal covers store, bus or pricing failures affecting a call (500)
	ErrorKindInternal ErrorKind = "internal"
)

// AppError is the structured gateway error. Client bodies render as
// {"error":{"kind":..., "message":...}}.
type AppError struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
	Cause      error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// GetStatusCode returns the HTTP status for the error kind.
func (e *AppError) GetStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	switch e.Kind {
	case ErrorKindValidation:
		return http.StatusBadRequest
	case ErrorKindUnauthenticated:
		return http.StatusUnauthorized
	case ErrorKindAccountMissing, ErrorKindAccountDisabled, ErrorKindModelForbidden:
		return http.StatusForbidden
	case ErrorKindBudgetExceeded:
		return http.StatusTooManyRequests
	case ErrorKindUpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AsAppError unwraps err into an *AppError, or wraps it as internal.
func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return NewInternalError("internal server error", err)
}

func NewValidationError(message string) *AppError {
	return &AppError{Kind: ErrorKindValidation, Message: message}
}

func NewUnauthenticatedError(message string) *AppError {
	return &AppError{Kind: ErrorKindUnauthenticated, Message: message}
}

func NewAccountMissingError(userID string) *AppError {
	return &AppError{Kind: ErrorKindAccountMissing, Message: fmt.Sprintf("no account for user %s", userID)}
}

func NewAccountDisabledError(userID string) *AppError {
	return &AppError{Kind: ErrorKindAccountDisabled, Message: fmt.Sprintf("account %s is deactivated", userID)}
}

func NewModelForbiddenError(model string) *AppError {
	return &AppError{Kind: ErrorKindModelForbidden, Message: fmt.Sprintf("api key does not allow model %s", model)}
}

func NewBudgetExceededError(spent, budget string) *AppError {
	return &AppError{
		Kind:    ErrorKindBudgetExceeded,
		Message: fmt.Sprintf("budget exceeded: spent $%s of $%s", spent, budget),
	}
}

func NewUpstreamUnavailableError(provider string, cause error) *AppError {
	return &AppError{
		Kind:    ErrorKindUpstreamUnavailable,
		Message: fmt.Sprintf("upstream provider %s unavailable", provider),
		Cause:   cause,
	}
}

func NewPricingMissingError(model string) *AppError {
	return &AppError{Kind: ErrorKindPricingMissing, Message: fmt.Sprintf("no pricing configured for model %s", model)}
}

func NewInternalError(message string, cause error) *AppError {
	return &AppError{Kind: ErrorKindInternal, Message: message, Cause: cause}
}

// IsPricingMissing reports whether err is the post-facto unpriced-model
// error, which is settled with zero cost instead of propagated.
func IsPricingMissing(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Kind == ErrorKindPricingMissing
}

// ErrorBody is the JSON envelope written for aborted requests.
type ErrorBody struct {
	Error ErrorPayload `json:"error"`
}

type ErrorPayload struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Sanitize strips the internal cause so it never reaches a client.
func (e *AppError) Sanitize() ErrorBody {
	message := e.Message
	if e.Kind == ErrorKindInternal {
		message = "internal server error"
	}
	return ErrorBody{Error: ErrorPayload{Kind: e.Kind, Message: message}}
}
