package services

import (
	"errors"
	"time"
)

// Error kinds. Match them with errors.Is.
var (
	ErrValidation  = errors.New("validation error")
	ErrAuthFailed  = errors.New("authentication failed")
	ErrRateLimited = errors.New("rate limited")
	ErrConflict    = errors.New("conflict")
	ErrDependency  = errors.New("dependency failure")
	// ErrDelivery is the dependency failure of the mail collaborator. It
	// also matches ErrDependency.
	ErrDelivery = errors.New("delivery failure")
)

const (
	msgInvalidCredentials  = "Invalid credentials"
	msgInvalidOTP          = "Invalid or expired OTP"
	msgTryAgain            = "Service temporarily unavailable. Please try again."
	msgDeliveryFailed      = "Failed to send email. Please try again."
	msgVerificationExpired = "Email verification expired. Please verify your email again."
	msgEmailTaken          = "An account with this email already exists"
)

// Error is what the auth flows return. Message is safe to show to the caller;
// Err holds the internal cause and never leaves the server.
type Error struct {
	Kind       error
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Kind.Error() + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Kind.Error() + ": " + e.Message
}

func (e *Error) Is(target error) bool {
	if target == e.Kind {
		return true
	}
	return e.Kind == ErrDelivery && target == ErrDependency
}

func (e *Error) Unwrap() error {
	return e.Err
}

func validationError(message string) error {
	return &Error{Kind: ErrValidation, Message: message}
}

func authFailed(message string) error {
	return &Error{Kind: ErrAuthFailed, Message: message}
}

func rateLimited(retryAfter time.Duration) error {
	return &Error{
		Kind:       ErrRateLimited,
		Message:    "Too many attempts. Please try again later.",
		RetryAfter: retryAfter,
	}
}

func conflict(message string) error {
	return &Error{Kind: ErrConflict, Message: message}
}

func dependencyFailure(err error) error {
	return &Error{Kind: ErrDependency, Message: msgTryAgain, Err: err}
}

func deliveryFailure(err error) error {
	return &Error{Kind: ErrDelivery, Message: msgDeliveryFailed, Err: err}
}
