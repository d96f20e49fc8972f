package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/tullo/simulcast/internal/database"
	"github.com/tullo/simulcast/internal/models"
)

type TemplateRepository struct {
	db *database.DB
}

func NewTemplateRepository(db *database.DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

const templateColumns = `id, tenant_id, title, scene_config, channel_ids, current_session_id, is_live, created_at, updated_at`

func (r *TemplateRepository) Create(ctx context.Context, t *models.BroadcastTemplate) error {
	query := `
	INSERT INTO broadcast_templates (id, tenant_id, title, scene_config, channel_ids)
        VALUES ($1,$2,$3,$4,$5)
        RETURNING created_at, updated_at
    `
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	scene := []byte(t.SceneConfig)
	if len(scene) == 0 {
		scene = []byte("{}")
	}
	err := r.db.QueryRowContext(ctx, query,
		t.ID,
		t.TenantID,
		t.Title,
		scene,
		pq.Array(uuidStrings(t.ChannelIDs)),
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create template: %w", err)
	}
	return nil
}

func (r *TemplateRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.BroadcastTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM broadcast_templates WHERE id = $1`

	t, err := scanTemplate(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	return t, nil
}

func (r *TemplateRepository) ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]models.BroadcastTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM broadcast_templates WHERE tenant_id = $1 ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	var out []models.BroadcastTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// Claim marks the template live for sessionID with a single conditional
// update, so only one of several concurrent callers wins.
func (r *TemplateRepository) Claim(ctx context.Context, templateID, sessionID uuid.UUID) (bool, error) {
	query := `
	UPDATE broadcast_templates
        SET is_live = TRUE, current_session_id = $2, updated_at = NOW()
        WHERE id = $1 AND is_live = FALSE
    `
	res, err := r.db.ExecContext(ctx, query, templateID, sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to claim template: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim template: %w", err)
	}
	return n == 1, nil
}

func (r *TemplateRepository) Release(ctx context.Context, templateID, sessionID uuid.UUID) error {
	query := `
	UPDATE broadcast_templates
        SET is_live = FALSE, current_session_id = NULL, updated_at = NOW()
        WHERE id = $1 AND current_session_id = $2
    `
	if _, err := r.db.ExecContext(ctx, query, templateID, sessionID); err != nil {
		return fmt.Errorf("failed to release template: %w", err)
	}
	return nil
}

// Delete removes a template that is not live.
func (r *TemplateRepository) Delete(ctx context.Context, tenantID, id uuid.UUID) error {
	query := `DELETE FROM broadcast_templates WHERE id = $1 AND tenant_id = $2 AND is_live = FALSE`
	res, err := r.db.ExecContext(ctx, query, id, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}
	return expectRow(res)
}

func scanTemplate(row rowScanner) (*models.BroadcastTemplate, error) {
	t := &models.BroadcastTemplate{}
	var (
		scene      []byte
		channelIDs []string
	)
	err := row.Scan(
		&t.ID,
		&t.TenantID,
		&t.Title,
		&scene,
		pq.Array(&channelIDs),
		&t.CurrentSessionID,
		&t.IsLive,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.SceneConfig = scene
	t.ChannelIDs = make([]uuid.UUID, 0, len(channelIDs))
	for _, s := range channelIDs {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid channel id %q: %w", s, err)
		}
		t.ChannelIDs = append(t.ChannelIDs, id)
	}
	return t, nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
