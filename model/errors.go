package model

import "fmt"

// Standard error codes.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrForbidden          = "FORBIDDEN"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrRateLimited        = "RATE_LIMITED"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout     = "BACKEND_TIMEOUT"
)

// Intake-specific error codes.
const (
	ErrDraftNotFound         = "DRAFT_NOT_FOUND"
	ErrInvalidStep           = "INVALID_STEP"
	ErrPaymentDeclined       = "PAYMENT_DECLINED"
	ErrPaymentRequiresAction = "PAYMENT_REQUIRES_ACTION"
)

// ErrorEnvelope is the standard error response envelope returned by the BFF.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewBackendUnavailableError returns a BACKEND_UNAVAILABLE error.
func NewBackendUnavailableError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendUnavailable,
		Message: "The backend service is temporarily unavailable",
	}
}

// NewBackendTimeoutError returns a BACKEND_TIMEOUT error.
func NewBackendTimeoutError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendTimeout,
		Message: "The backend service did not respond in time",
	}
}

// NewDraftNotFoundError returns a DRAFT_NOT_FOUND error.
func NewDraftNotFoundError(id string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrDraftNotFound,
		Message: fmt.Sprintf("work draft %q not found or no longer open", id),
	}
}

// NewInvalidStepError returns an INVALID_STEP error.
func NewInvalidStepError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidStep, Message: msg}
}

// NewPaymentDeclinedError returns a PAYMENT_DECLINED error carrying the
// processor's decline message. Payment failures are always user-visible.
func NewPaymentDeclinedError(msg string) *ErrorEnvelope {
	if msg == "" {
		msg = "The payment was declined"
	}
	return &ErrorEnvelope{Code: ErrPaymentDeclined, Message: msg}
}

// NewPaymentRequiresActionError returns a PAYMENT_REQUIRES_ACTION error.
// The client secret is surfaced to the SPA so it can run the processor's
// additional-authentication flow and then confirm the payment.
func NewPaymentRequiresActionError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrPaymentRequiresAction,
		Message: "The payment requires additional authentication",
	}
}
