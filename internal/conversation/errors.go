package conversation

import (
	"errors"
	"fmt"
)

// Error kinds reported by collaborators. Storage and generation packages
// alias these so callers can match with errors.Is.
var (
	ErrTransportFailure     = errors.New("operation failed")
	ErrConfigurationMissing = errors.New("generation is not configured")
	ErrValidation           = errors.New("validation failed")
	ErrNotFound             = errors.New("not found")
)

// Errors returned by the engine itself.
var (
	ErrStreamInProgress = errors.New("a reply is still streaming")
	ErrNotRetryable     = errors.New("message is not in a failed state")
	ErrStreamStalled    = errors.New("reply stream stalled")
	ErrClosed           = errors.New("conversation closed")
)

// describe turns a collaborator error into the text shown to the user.
func describe(op string, err error) string {
	switch {
	case errors.Is(err, ErrConfigurationMissing):
		return "AI provider is not configured. Add an API key and try again."
	case errors.Is(err, ErrStreamStalled):
		return "The reply timed out. Please try again."
	default:
		return fmt.Sprintf("Failed to %s: %v", op, err)
	}
}
