package models

import (
	"time"

	"github.com/google/uuid"
)

// ProviderType identifies the external platform a channel broadcasts to.
type ProviderType string

const (
	ProviderYouTube ProviderType = "youtube"
	ProviderTwitch  ProviderType = "twitch"
	ProviderRTMP    ProviderType = "rtmp"
)

// Valid reports whether p is a known provider.
func (p ProviderType) Valid() bool {
	switch p {
	case ProviderYouTube, ProviderTwitch, ProviderRTMP:
		return true
	}
	return false
}

// ChannelCredential is a destination a tenant has linked. Credential holds the
// sealed provider secret and is never serialized.
type ChannelCredential struct {
	ID         uuid.UUID    `json:"id" db:"id"`
	TenantID   uuid.UUID    `json:"tenant_id" db:"tenant_id"`
	Provider   ProviderType `json:"provider" db:"provider"`
	Credential string       `json:"-" db:"credential"`
	Title      string       `json:"title" db:"title"`
	ExternalID *string      `json:"external_id,omitempty" db:"external_id"`
	IngestURL  *string      `json:"ingest_url,omitempty" db:"ingest_url"`
	CreatedAt  time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at" db:"updated_at"`
}

// CreateChannelRequest links a destination. OAuth providers accept either an
// already issued credential or an authorization code to exchange.
type CreateChannelRequest struct {
	Provider   ProviderType `json:"provider" binding:"required"`
	Credential string       `json:"credential"`
	Code       string       `json:"code"`
	Title      *string      `json:"title,omitempty"`
}

type OAuthURLResponse struct {
	URL   string `json:"url"`
	State string `json:"state"`
}
