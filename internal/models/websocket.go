package models

import "github.com/google/uuid"

// WebSocket event types
const (
	EventCommentsNew  = "comments.new"
	EventSessionEnded = "session.ended"
	EventError        = "error"
)

type WSMessage struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}

// CommentsEvent is published whenever the poller stores new comments.
type CommentsEvent struct {
	SessionID uuid.UUID          `json:"session_id"`
	Comments  []BroadcastComment `json:"comments"`
}

type SessionEndedEvent struct {
	SessionID uuid.UUID `json:"session_id"`
}

type WSErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}
