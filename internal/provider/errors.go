package provider

import (
	"errors"
	"fmt"

	"github.com/tullo/simulcast/internal/models"
)

var (
	ErrUnsupportedProvider = errors.New("unsupported provider")
	ErrOAuthNotSupported   = errors.New("provider does not support oauth")
)

// AuthError means the credential is invalid or revoked. It is never retried;
// the tenant has to re-link the destination.
type AuthError struct {
	Provider models.ProviderType
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: credential rejected: %v", e.Provider, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// UnavailableError is a transient provider failure.
type UnavailableError struct {
	Provider models.ProviderType
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: unavailable: %v", e.Provider, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func IsAuth(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

func IsUnavailable(err error) bool {
	var unavailable *UnavailableError
	return errors.As(err, &unavailable)
}
