package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// BroadcastTemplate describes what goes live: the destinations and the scene
// layout. IsLive and CurrentSessionID are only changed through the claim and
// release operations of the template repository.
type BroadcastTemplate struct {
	ID               uuid.UUID       `json:"id" db:"id"`
	TenantID         uuid.UUID       `json:"tenant_id" db:"tenant_id"`
	Title            string          `json:"title" db:"title"`
	SceneConfig      json.RawMessage `json:"scene_config,omitempty" db:"scene_config"`
	ChannelIDs       []uuid.UUID     `json:"channel_ids" db:"channel_ids"`
	CurrentSessionID *uuid.UUID      `json:"current_session_id,omitempty" db:"current_session_id"`
	IsLive           bool            `json:"is_live" db:"is_live"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

type CreateTemplateRequest struct {
	Title       string          `json:"title" binding:"required,max=255"`
	SceneConfig json.RawMessage `json:"scene_config,omitempty"`
	ChannelIDs  []uuid.UUID     `json:"channel_ids" binding:"required,min=1"`
}
