package account

import (
	"context"
	"errors"
)

// Failure kinds. Wrap them with fmt.Errorf("%w: detail", Err...) so the
// message starts with the kind name and errors.Is still matches.
var (
	ErrResourceExhausted   = errors.New("ResourceExhausted")
	ErrNavigation          = errors.New("NavigationError")
	ErrForm                = errors.New("FormError")
	ErrVerificationTimeout = errors.New("VerificationTimeout")
	ErrAuthExpired         = errors.New("AuthExpired")
	ErrAlreadyInProgress   = errors.New("AlreadyInProgress")
	ErrTimeout             = errors.New("Timeout")
	ErrCancelled           = errors.New("Cancelled")

	ErrConfig        = errors.New("ConfigError")
	ErrNotFound      = errors.New("NotFound")
	ErrAlreadyExists = errors.New("AlreadyExists")
	ErrInvalidState  = errors.New("InvalidState")
)

var kinds = []error{
	ErrResourceExhausted,
	ErrNavigation,
	ErrForm,
	ErrVerificationTimeout,
	ErrAuthExpired,
	ErrAlreadyInProgress,
	ErrTimeout,
	ErrCancelled,
	ErrConfig,
	ErrNotFound,
	ErrAlreadyExists,
	ErrInvalidState,
}

// Kind returns the failure kind name of err, or "Error" for unclassified errors.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k.Error()
		}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout.Error()
	case errors.Is(err, context.Canceled):
		return ErrCancelled.Error()
	}
	return "Error"
}

// IsAuthExpired reports whether err means the stored session is no longer valid.
func IsAuthExpired(err error) bool {
	return errors.Is(err, ErrAuthExpired)
}

// FromContext maps a context error onto the taxonomy.
func FromContext(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, context.Canceled):
		return ErrCancelled
	}
	return err
}
