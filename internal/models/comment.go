package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BroadcastComment is an append-only viewer comment pulled from a
// destination. IDs are sequential so they can serve as a feed cursor.
type BroadcastComment struct {
	ID          int64        `json:"id" db:"id"`
	RuntimeID   uuid.UUID    `json:"runtime_id" db:"runtime_id"`
	Provider    ProviderType `json:"provider,omitempty" db:"provider"`
	ExternalID  *string      `json:"external_id,omitempty" db:"external_id"`
	AuthorName  string       `json:"author_name" db:"author_name"`
	Content     string       `json:"content" db:"content"`
	PublishedAt *time.Time   `json:"published_at,omitempty" db:"published_at"`
	IsAdmin     bool         `json:"is_admin" db:"is_admin"`
	CreatedAt   time.Time    `json:"created_at" db:"created_at"`
}

// DedupKey identifies a comment within its runtime: the external id when the
// provider has one, otherwise the author/content/published tuple.
func (c *BroadcastComment) DedupKey() string {
	if c.ExternalID != nil && *c.ExternalID != "" {
		return "id:" + *c.ExternalID
	}
	published := ""
	if c.PublishedAt != nil {
		published = c.PublishedAt.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("tuple:%s\x00%s\x00%s", c.AuthorName, c.Content, published)
}

type CommentPage struct {
	Comments   []BroadcastComment `json:"comments"`
	NextCursor *int64             `json:"next_cursor,omitempty"`
}
