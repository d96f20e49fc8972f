// Package provider defines the uniform capability set every broadcast
// destination implements. Orchestration code only ever talks to Adapter;
// provider SDKs stay inside the adapter subpackages.
package provider

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Credential is an opened channel credential handed to an adapter.
type Credential struct {
	ID         uuid.UUID
	Secret     []byte
	ExternalID string
	IngestURL  string
	// Save persists a refreshed secret. It may be nil.
	Save TokenSaver
}

// TokenSaver persists a refreshed secret for a credential. Refresh is the only
// mutation a stored credential ever sees.
type TokenSaver func(ctx context.Context, credentialID uuid.UUID, secret []byte) error

type SessionMetadata struct {
	SessionID uuid.UUID
	Title     string
	StartedAt time.Time
}

// BroadcastInfo is what a destination returns once its egress is started.
// ExternalChatID is empty for destinations without comments.
type BroadcastInfo struct {
	ExternalBroadcastID string
	ExternalStreamID    string
	ExternalChatID      string
	IngestURL           string
}

type Comment struct {
	ExternalID  string
	AuthorName  string
	Content     string
	PublishedAt *time.Time
	IsAdmin     bool
}

// CommentBatch is one fetch result. An empty NextCursor means the caller keeps
// its current cursor.
type CommentBatch struct {
	Comments   []Comment
	NextCursor string
}

// Identity describes the remote channel behind a credential.
type Identity struct {
	ExternalID string
	Title      string
	IngestURL  string
}

type Adapter interface {
	// StartBroadcast creates the remote broadcast and returns its identifiers.
	// Fails with *AuthError or *UnavailableError.
	StartBroadcast(ctx context.Context, cred Credential, meta SessionMetadata) (*BroadcastInfo, error)

	// StopBroadcast ends a remote broadcast. Callers treat failures as best effort.
	StopBroadcast(ctx context.Context, cred Credential, externalBroadcastID string) error

	// FetchComments returns comments after cursor. Calling it twice with the
	// same cursor returns the same items or a superset.
	FetchComments(ctx context.Context, cred Credential, chatID, cursor string) (*CommentBatch, error)

	// Identify verifies a raw secret and returns the channel it belongs to.
	Identify(ctx context.Context, secret []byte) (*Identity, error)
}

// OAuthProvider is implemented by adapters whose credentials come from an
// authorization code flow.
type OAuthProvider interface {
	AuthCodeURL(state string) (string, error)
	Exchange(ctx context.Context, code string) ([]byte, error)
}

// ViewerCounter is implemented by adapters that can report live viewers.
type ViewerCounter interface {
	ViewerCount(ctx context.Context, cred Credential, externalBroadcastID string) (int64, error)
}
