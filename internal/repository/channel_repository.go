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

// ChannelRepository stores linked destinations (channel_credentials).
type ChannelRepository struct {
	db *database.DB
}

func NewChannelRepository(db *database.DB) *ChannelRepository {
	return &ChannelRepository{db: db}
}

const channelColumns = `id, tenant_id, provider, credential, title, external_id, ingest_url, created_at, updated_at`

func (r *ChannelRepository) Create(ctx context.Context, c *models.ChannelCredential) error {
	query := `
	INSERT INTO channel_credentials (id, tenant_id, provider, credential, title, external_id, ingest_url)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
        RETURNING created_at, updated_at
    `
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	err := r.db.QueryRowContext(ctx, query,
		c.ID,
		c.TenantID,
		c.Provider,
		c.Credential,
		c.Title,
		c.ExternalID,
		c.IngestURL,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create channel credential: %w", err)
	}
	return nil
}

func (r *ChannelRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ChannelCredential, error) {
	query := `SELECT ` + channelColumns + ` FROM channel_credentials WHERE id = $1`

	c, err := scanChannel(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel credential: %w", err)
	}
	return c, nil
}

func (r *ChannelRepository) ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]models.ChannelCredential, error) {
	query := `SELECT ` + channelColumns + ` FROM channel_credentials WHERE tenant_id = $1 ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list channel credentials: %w", err)
	}
	defer rows.Close()

	var out []models.ChannelCredential
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan channel credential: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// UpdateCredential replaces the sealed secret after a token refresh.
func (r *ChannelRepository) UpdateCredential(ctx context.Context, id uuid.UUID, sealed string) error {
	query := `UPDATE channel_credentials SET credential = $1, updated_at = NOW() WHERE id = $2`
	res, err := r.db.ExecContext(ctx, query, sealed, id)
	if err != nil {
		return fmt.Errorf("failed to update channel credential: %w", err)
	}
	return expectRow(res)
}

// Delete removes a credential unless a session that has not ended still
// references it, since stopping that session needs the credential. That
// refusal is ErrInUse, distinct from ErrNotFound.
func (r *ChannelRepository) Delete(ctx context.Context, tenantID, id uuid.UUID) error {
	query := `
		DELETE FROM channel_credentials c
		WHERE c.id = $1 AND c.tenant_id = $2
		  AND NOT EXISTS (
			SELECT 1 FROM broadcast_channel_runtimes rt
			JOIN broadcast_sessions s ON s.id = rt.session_id
			WHERE rt.credential_id = c.id AND s.ended_at IS NULL
		  )
	`
	res, err := r.db.ExecContext(ctx, query, id, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete channel credential: %w", err)
	}
	err = expectRow(res)
	if !errors.Is(err, ErrNotFound) {
		return err
	}

	var exists bool
	query = `SELECT EXISTS(SELECT 1 FROM channel_credentials WHERE id = $1 AND tenant_id = $2)`
	if err := r.db.QueryRowContext(ctx, query, id, tenantID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check channel credential: %w", err)
	}
	if exists {
		return ErrInUse
	}
	return ErrNotFound
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(row rowScanner) (*models.ChannelCredential, error) {
	c := &models.ChannelCredential{}
	err := row.Scan(
		&c.ID,
		&c.TenantID,
		&c.Provider,
		&c.Credential,
		&c.Title,
		&c.ExternalID,
		&c.IngestURL,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
