package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/tullo/simulcast/internal/database"
	"github.com/tullo/simulcast/internal/models"
)

type CommentRepository struct {
	db *database.DB
}

func NewCommentRepository(db *database.DB) *CommentRepository {
	return &CommentRepository{db: db}
}

// InsertBatch stores comments, skipping those already stored for the runtime
// by external id or, without one, by (author, content, published_at). It
// returns only the rows that were inserted.
func (r *CommentRepository) InsertBatch(ctx context.Context, runtimeID uuid.UUID, comments []models.BroadcastComment) ([]models.BroadcastComment, error) {
	query := `
	INSERT INTO broadcast_comments (runtime_id, external_id, author_name, content, published_at, is_admin)
        VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT DO NOTHING
        RETURNING id, created_at
    `
	var inserted []models.BroadcastComment
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to prepare comment insert: %w", err)
		}
		defer stmt.Close()

		for _, c := range comments {
			c.RuntimeID = runtimeID
			err := stmt.QueryRowContext(ctx,
				runtimeID,
				c.ExternalID,
				c.AuthorName,
				c.Content,
				c.PublishedAt,
				c.IsAdmin,
			).Scan(&c.ID, &c.CreatedAt)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to insert comment: %w", err)
			}
			inserted = append(inserted, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

func (r *CommentRepository) ListBySession(ctx context.Context, sessionID uuid.UUID, cursor *int64, limit int) ([]models.BroadcastComment, error) {
	query := `
	SELECT c.id, c.runtime_id, rt.provider, c.external_id, c.author_name, c.content, c.published_at, c.is_admin, c.created_at
        FROM broadcast_comments c
        JOIN broadcast_channel_runtimes rt ON rt.id = c.runtime_id
        WHERE rt.session_id = $1
          AND c.published_at IS NOT NULL
          AND ($2::BIGINT IS NULL OR c.id > $2)
        ORDER BY c.published_at DESC, c.id ASC
        LIMIT $3
    `
	var after sql.NullInt64
	if cursor != nil {
		after = sql.NullInt64{Int64: *cursor, Valid: true}
	}

	rows, err := r.db.QueryContext(ctx, query, sessionID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	defer rows.Close()

	var out []models.BroadcastComment
	for rows.Next() {
		var c models.BroadcastComment
		err := rows.Scan(
			&c.ID,
			&c.RuntimeID,
			&c.Provider,
			&c.ExternalID,
			&c.AuthorName,
			&c.Content,
			&c.PublishedAt,
			&c.IsAdmin,
			&c.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan comment: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
