package broadcast

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tullo/simulcast/internal/models"
	"github.com/tullo/simulcast/internal/provider"
)

var (
	ErrAlreadyLive       = errors.New("template is already live")
	ErrTemplateNotFound  = errors.New("template not found")
	ErrSessionNotFound   = errors.New("session not found")
	ErrNoDestinations    = errors.New("template has no usable destinations")
	ErrSessionEnded      = errors.New("session was stopped while starting")
	ErrCredentialMissing = errors.New("channel credential not found")
)

// DestinationFailure is the outcome of one destination that failed to start.
type DestinationFailure struct {
	CredentialID   uuid.UUID           `json:"credential_id"`
	Provider       models.ProviderType `json:"provider"`
	Reason         string              `json:"reason"`
	ReauthRequired bool                `json:"reauth_required"`
	Err            error               `json:"-"`
}

// AllDestinationsFailedError is returned by GoLive when no destination
// started. The session was rolled back and the template released.
type AllDestinationsFailedError struct {
	Failures []DestinationFailure
}

func (e *AllDestinationsFailedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s (%s): %s", f.CredentialID, f.Provider, f.Reason))
	}
	return "all destinations failed to start: " + strings.Join(parts, "; ")
}

func (e *AllDestinationsFailedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}
	return errs
}

// ReauthRequired reports whether any destination needs to be re-linked.
func (e *AllDestinationsFailedError) ReauthRequired() bool {
	for _, f := range e.Failures {
		if f.ReauthRequired {
			return true
		}
	}
	return false
}

func newFailure(rt models.BroadcastChannelRuntime, err error) DestinationFailure {
	return DestinationFailure{
		CredentialID:   rt.CredentialID,
		Provider:       rt.Provider,
		Reason:         err.Error(),
		ReauthRequired: provider.IsAuth(err),
		Err:            err,
	}
}
