package handlers

import (
	"context"

	"github.com/google/uuid"
	"github.com/tullo/simulcast/internal/models"
)

// Broadcaster runs the session lifecycle.
type Broadcaster interface {
	GoLive(ctx context.Context, tenantID, templateID uuid.UUID) (*models.BroadcastSession, error)
	StopEgress(ctx context.Context, tenantID, sessionID uuid.UUID) error
	Session(ctx context.Context, tenantID, sessionID uuid.UUID) (*models.BroadcastSession, error)
}

type CommentFeed interface {
	GetComments(ctx context.Context, tenantID, sessionID uuid.UUID, cursor *int64) (*models.CommentPage, error)
}

type ChannelStore interface {
	Create(ctx context.Context, c *models.ChannelCredential) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.ChannelCredential, error)
	ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]models.ChannelCredential, error)
	Delete(ctx context.Context, tenantID, id uuid.UUID) error
}

type TemplateStore interface {
	Create(ctx context.Context, t *models.BroadcastTemplate) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.BroadcastTemplate, error)
	ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]models.BroadcastTemplate, error)
	Delete(ctx context.Context, tenantID, id uuid.UUID) error
}
