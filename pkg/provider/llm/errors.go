package llm

import (
	"errors"
	"fmt"
)

// CredentialError reports that a provider call failed because the API key is
// missing, empty, or rejected by the backend (HTTP 401/403). Callers react to
// this differently from a generic transport error: the user is asked to
// re-authenticate rather than retry.
type CredentialError struct {
	// Provider is the provider name the credential belongs to (e.g., "openrouter").
	Provider string

	// Err is the underlying cause, if any. May be nil for a locally detected
	// missing key.
	Err error
}

// Error implements the error interface.
func (e *CredentialError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: credential missing or invalid: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s: credential missing or invalid", e.Provider)
}

// Unwrap returns the underlying cause.
func (e *CredentialError) Unwrap() error { return e.Err }

// IsCredentialError reports whether err (or anything it wraps) is a
// [*CredentialError].
func IsCredentialError(err error) bool {
	var ce *CredentialError
	return errors.As(err, &ce)
}
