package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus mirrors the egress state machine. EndedAt remains the single
// source of truth for whether a session is still live.
type SessionStatus string

const (
	SessionStarting SessionStatus = "starting"
	SessionLive     SessionStatus = "live"
	SessionStopping SessionStatus = "stopping"
	SessionEnded    SessionStatus = "ended"
)

type BroadcastSession struct {
	ID         uuid.UUID                 `json:"id" db:"id"`
	TenantID   uuid.UUID                 `json:"tenant_id" db:"tenant_id"`
	TemplateID uuid.UUID                 `json:"template_id" db:"template_id"`
	Title      string                    `json:"title" db:"title"`
	Status     SessionStatus             `json:"status" db:"status"`
	StartedAt  time.Time                 `json:"started_at" db:"started_at"`
	EndedAt    *time.Time                `json:"ended_at,omitempty" db:"ended_at"`
	CreatedAt  time.Time                 `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time                 `json:"updated_at" db:"updated_at"`
	Runtimes   []BroadcastChannelRuntime `json:"runtimes,omitempty"`
}

// Ended reports whether stop has been requested for the session.
func (s *BroadcastSession) Ended() bool {
	return s.EndedAt != nil
}

// RuntimeStatus tracks one destination within a session.
type RuntimeStatus string

const (
	RuntimePending RuntimeStatus = "pending"
	RuntimeActive  RuntimeStatus = "active"
	RuntimeFailed  RuntimeStatus = "failed"
	RuntimeStopped RuntimeStatus = "stopped"
)

// BroadcastChannelRuntime holds the external identifiers and the polling
// cursor of one destination for the lifetime of a session.
type BroadcastChannelRuntime struct {
	ID                  uuid.UUID     `json:"id" db:"id"`
	SessionID           uuid.UUID     `json:"session_id" db:"session_id"`
	CredentialID        uuid.UUID     `json:"credential_id" db:"credential_id"`
	Provider            ProviderType  `json:"provider" db:"provider"`
	Status              RuntimeStatus `json:"status" db:"status"`
	ExternalBroadcastID *string       `json:"external_broadcast_id,omitempty" db:"external_broadcast_id"`
	ExternalStreamID    *string       `json:"external_stream_id,omitempty" db:"external_stream_id"`
	ExternalChatID      *string       `json:"external_chat_id,omitempty" db:"external_chat_id"`
	IngestURL           *string       `json:"ingest_url,omitempty" db:"ingest_url"`
	ViewCount           int64         `json:"view_count" db:"view_count"`
	NextPageToken       *string       `json:"-" db:"next_page_token"`
	FailureReason       *string       `json:"failure_reason,omitempty" db:"failure_reason"`
	ReauthRequired      bool          `json:"reauth_required" db:"reauth_required"`
	CreatedAt           time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at" db:"updated_at"`
}

// HasBroadcast reports whether the destination was started remotely and
// therefore has to be told to stop.
func (r *BroadcastChannelRuntime) HasBroadcast() bool {
	return r.ExternalBroadcastID != nil && *r.ExternalBroadcastID != ""
}

// Pollable reports whether the poller should fetch comments for the runtime.
func (r *BroadcastChannelRuntime) Pollable() bool {
	return r.Status == RuntimeActive && r.ExternalChatID != nil && *r.ExternalChatID != ""
}

// Cursor returns the stored provider page token or "".
func (r *BroadcastChannelRuntime) Cursor() string {
	if r.NextPageToken == nil {
		return ""
	}
	return *r.NextPageToken
}

type StopEgressRequest struct {
	SessionID uuid.UUID `json:"sessionId" binding:"required"`
}

type GoLiveResponse struct {
	SessionID uuid.UUID         `json:"sessionId"`
	Session   *BroadcastSession `json:"session"`
}
