package broadcast

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/tullo/simulcast/internal/models"
	"github.com/tullo/simulcast/internal/repository"
)

const DefaultPageSize = 20

// Feed serves the merged comment feed of a session. It only reads.
type Feed struct {
	sessions SessionStore
	comments CommentStore
	pageSize int
}

func NewFeed(sessions SessionStore, comments CommentStore, pageSize int) *Feed {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Feed{sessions: sessions, comments: comments, pageSize: pageSize}
}

// GetComments returns one page of published comments across every
// destination of the session, newest first. With a cursor, only comments with
// a larger id are returned. NextCursor is the largest id in the page.
func (f *Feed) GetComments(ctx context.Context, tenantID, sessionID uuid.UUID, cursor *int64) (*models.CommentPage, error) {
	session, err := f.sessions.GetByID(ctx, sessionID)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && session.TenantID != tenantID) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	comments, err := f.comments.ListBySession(ctx, sessionID, cursor, f.pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}

	page := &models.CommentPage{Comments: comments}
	if page.Comments == nil {
		page.Comments = []models.BroadcastComment{}
	}
	for _, c := range comments {
		if page.NextCursor == nil || c.ID > *page.NextCursor {
			id := c.ID
			page.NextCursor = &id
		}
	}
	if page.NextCursor == nil && cursor != nil {
		page.NextCursor = cursor
	}
	return page, nil
}
