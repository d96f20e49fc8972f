package broadcast

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/tullo/simulcast/internal/models"
	"github.com/tullo/simulcast/internal/provider"
)

// Stores return repository.ErrNotFound for missing rows.

type CredentialStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.ChannelCredential, error)
	UpdateCredential(ctx context.Context, id uuid.UUID, sealed string) error
}

type TemplateStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.BroadcastTemplate, error)
	// Claim atomically marks the template live for sessionID. It returns
	// false when the template is already live.
	Claim(ctx context.Context, templateID, sessionID uuid.UUID) (bool, error)
	// Release clears the claim if it is still held by sessionID.
	Release(ctx context.Context, templateID, sessionID uuid.UUID) error
}

type SessionStore interface {
	// Create stores the session and its runtimes together.
	Create(ctx context.Context, s *models.BroadcastSession, runtimes []models.BroadcastChannelRuntime) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.BroadcastSession, error)
	Delete(ctx context.Context, id uuid.UUID) error
	// MarkLive moves a starting session to live. It returns false when the
	// session was ended in the meantime.
	MarkLive(ctx context.Context, id uuid.UUID) (bool, error)
	// End sets ended_at once. It returns false when the session had already
	// ended.
	End(ctx context.Context, id uuid.UUID, endedAt time.Time) (bool, error)
	SetStatus(ctx context.Context, id uuid.UUID, status models.SessionStatus) error
	ListLive(ctx context.Context) ([]models.BroadcastSession, error)

	ListRuntimes(ctx context.Context, sessionID uuid.UUID) ([]models.BroadcastChannelRuntime, error)
	MarkRuntimeActive(ctx context.Context, id uuid.UUID, info provider.BroadcastInfo) error
	MarkRuntimeFailed(ctx context.Context, id uuid.UUID, reason string, reauthRequired bool) error
	MarkRuntimeStopped(ctx context.Context, id uuid.UUID) error
	UpdateCursor(ctx context.Context, runtimeID uuid.UUID, cursor string) error
	// UpdateViewCount never lowers the stored count.
	UpdateViewCount(ctx context.Context, runtimeID uuid.UUID, count int64) error
}

type CommentStore interface {
	// InsertBatch stores the comments not yet stored for the runtime and
	// returns the inserted rows with their ids.
	InsertBatch(ctx context.Context, runtimeID uuid.UUID, comments []models.BroadcastComment) ([]models.BroadcastComment, error)
	// ListBySession returns published comments of all runtimes of a session,
	// newest first, with ids greater than cursor when cursor is set.
	ListBySession(ctx context.Context, sessionID uuid.UUID, cursor *int64, limit int) ([]models.BroadcastComment, error)
}

// Notifier pushes session events to live subscribers.
type Notifier interface {
	PublishComments(ctx context.Context, event models.CommentsEvent) error
	PublishSessionEnded(ctx context.Context, sessionID uuid.UUID) error
}
