package app

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation wraps every missing or malformed field; the wrapped text is safe to show.
	ErrValidation = errors.New("invalid input")

	ErrDuplicateEmail = errors.New("email already registered")

	// ErrInvalidCredentials is returned for both an unknown email and a wrong password.
	// This message is intended to be shown to end users and should not enable account enumeration.
	ErrInvalidCredentials = errors.New("Incorrect email address or password")

	ErrUnauthorized    = errors.New("login required")
	ErrForbidden       = errors.New("not the owner of this listing")
	ErrNotFound        = errors.New("not found")
	ErrInvalidCategory = errors.New("invalid category")
	ErrUploadRejected  = errors.New("photo upload failed")

	// ErrStorage means the database or blob backend failed; details are logged, not shown.
	ErrStorage = errors.New("storage failure")
)

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// knownErrors pass through transaction boundaries untouched.
var knownErrors = []error{
	ErrValidation,
	ErrDuplicateEmail,
	ErrInvalidCredentials,
	ErrUnauthorized,
	ErrForbidden,
	ErrNotFound,
	ErrInvalidCategory,
	ErrUploadRejected,
	ErrStorage,
}

func storageError(op string, err error) error {
	for _, known := range knownErrors {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
