package dispatch

import "errors"

// Sentinel errors for the dispatch service layer.
var (
	ErrEmailNotFound     = errors.New("email not found")
	ErrContentNotFound   = errors.New("content not found")
	ErrMissingBody       = errors.New("either html or text must be provided")
	ErrTestModeRecipient = errors.New("test mode is enabled, but email address is not a valid resend test address")
	ErrNotCancellable    = errors.New("email has already been sent")
	ErrInvalidArgument   = errors.New("invalid argument")

	// ErrInvariant signals a broken store invariant, such as a missing
	// singleton that must exist. It is a programming error, never retried away.
	ErrInvariant = errors.New("dispatch invariant violated")
)

// IsValidation reports whether err was caused by bad caller input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrMissingBody) ||
		errors.Is(err, ErrTestModeRecipient) ||
		errors.Is(err, ErrInvalidArgument)
}
