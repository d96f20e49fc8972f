package broadcast

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/tullo/simulcast/internal/auth"
	"github.com/tullo/simulcast/internal/models"
	"github.com/tullo/simulcast/internal/provider"
	"github.com/tullo/simulcast/internal/repository"
	"go.uber.org/zap"
)

// Credentials opens stored channel credentials for adapters and persists
// refreshed tokens back, sealed.
type Credentials struct {
	store  CredentialStore
	sealer auth.Sealer
	logger *zap.Logger
}

func NewCredentials(store CredentialStore, sealer auth.Sealer, logger *zap.Logger) *Credentials {
	return &Credentials{store: store, sealer: sealer, logger: logger}
}

func (c *Credentials) Load(ctx context.Context, id uuid.UUID) (*models.ChannelCredential, error) {
	cred, err := c.store.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrCredentialMissing, id)
	}
	return cred, err
}

// Open unseals a stored credential. A secret that cannot be unsealed is
// reported as an auth error so the destination is flagged for re-linking.
func (c *Credentials) Open(cred *models.ChannelCredential) (provider.Credential, error) {
	secret, err := c.sealer.Open(cred.Credential)
	if err != nil {
		return provider.Credential{}, &provider.AuthError{Provider: cred.Provider, Err: err}
	}

	out := provider.Credential{
		ID:     cred.ID,
		Secret: secret,
		Save:   c.save,
	}
	if cred.ExternalID != nil {
		out.ExternalID = *cred.ExternalID
	}
	if cred.IngestURL != nil {
		out.IngestURL = *cred.IngestURL
	}
	return out, nil
}

// LoadAndOpen loads and unseals a credential in one step.
func (c *Credentials) LoadAndOpen(ctx context.Context, id uuid.UUID) (*models.ChannelCredential, provider.Credential, error) {
	cred, err := c.Load(ctx, id)
	if err != nil {
		return nil, provider.Credential{}, err
	}
	opened, err := c.Open(cred)
	return cred, opened, err
}

// Seal seals a raw secret for storage.
func (c *Credentials) Seal(secret []byte) (string, error) {
	return c.sealer.Seal(secret)
}

func (c *Credentials) save(ctx context.Context, id uuid.UUID, secret []byte) error {
	sealed, err := c.sealer.Seal(secret)
	if err != nil {
		return err
	}
	if err := c.store.UpdateCredential(ctx, id, sealed); err != nil {
		c.logger.Warn("failed to persist refreshed credential", zap.String("credential_id", id.String()), zap.Error(err))
		return err
	}
	c.logger.Debug("persisted refreshed credential", zap.String("credential_id", id.String()))
	return nil
}
