package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tullo/simulcast/internal/database"
	"github.com/tullo/simulcast/internal/models"
	"github.com/tullo/simulcast/internal/provider"
)

// SessionRepository stores broadcast sessions and their channel runtimes.
type SessionRepository struct {
	db *database.DB
}

func NewSessionRepository(db *database.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `id, tenant_id, template_id, title, status, started_at, ended_at, created_at, updated_at`

const runtimeColumns = `id, session_id, credential_id, provider, status, external_broadcast_id, external_stream_id,
	external_chat_id, ingest_url, view_count, next_page_token, failure_reason, reauth_required, created_at, updated_at`

func (r *SessionRepository) Create(ctx context.Context, s *models.BroadcastSession, runtimes []models.BroadcastChannelRuntime) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
		INSERT INTO broadcast_sessions (id, tenant_id, template_id, title, status, started_at)
            VALUES ($1,$2,$3,$4,$5,$6)
            RETURNING created_at, updated_at
        `,
			s.ID,
			s.TenantID,
			s.TemplateID,
			s.Title,
			s.Status,
			s.StartedAt,
		).Scan(&s.CreatedAt, &s.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}

		for i := range runtimes {
			rt := &runtimes[i]
			err := tx.QueryRowContext(ctx, `
			INSERT INTO broadcast_channel_runtimes (id, session_id, credential_id, provider, status)
                VALUES ($1,$2,$3,$4,$5)
                RETURNING created_at, updated_at
            `,
				rt.ID,
				s.ID,
				rt.CredentialID,
				rt.Provider,
				rt.Status,
			).Scan(&rt.CreatedAt, &rt.UpdatedAt)
			if err != nil {
				return fmt.Errorf("failed to create runtime: %w", err)
			}
		}
		return nil
	})
}

func (r *SessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.BroadcastSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM broadcast_sessions WHERE id = $1`

	s, err := scanSession(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

// Delete removes a session that never went live, together with its runtimes.
func (r *SessionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM broadcast_sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (r *SessionRepository) MarkLive(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
	UPDATE broadcast_sessions SET status = $2, updated_at = NOW()
        WHERE id = $1 AND status = $3 AND ended_at IS NULL
    `
	return r.conditional(ctx, "mark session live", query, id, models.SessionLive, models.SessionStarting)
}

func (r *SessionRepository) End(ctx context.Context, id uuid.UUID, endedAt time.Time) (bool, error) {
	query := `
	UPDATE broadcast_sessions SET ended_at = $2, status = $3, updated_at = NOW()
        WHERE id = $1 AND ended_at IS NULL
    `
	return r.conditional(ctx, "end session", query, id, endedAt, models.SessionStopping)
}

func (r *SessionRepository) SetStatus(ctx context.Context, id uuid.UUID, status models.SessionStatus) error {
	query := `UPDATE broadcast_sessions SET status = $2, updated_at = NOW() WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, status); err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	return nil
}

// ListLive returns sessions that went live and have not ended.
func (r *SessionRepository) ListLive(ctx context.Context) ([]models.BroadcastSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM broadcast_sessions WHERE ended_at IS NULL AND status = $1 ORDER BY started_at`

	rows, err := r.db.QueryContext(ctx, query, models.SessionLive)
	if err != nil {
		return nil, fmt.Errorf("failed to list live sessions: %w", err)
	}
	defer rows.Close()

	var out []models.BroadcastSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (r *SessionRepository) ListRuntimes(ctx context.Context, sessionID uuid.UUID) ([]models.BroadcastChannelRuntime, error) {
	query := `SELECT ` + runtimeColumns + ` FROM broadcast_channel_runtimes WHERE session_id = $1 ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list runtimes: %w", err)
	}
	defer rows.Close()

	var out []models.BroadcastChannelRuntime
	for rows.Next() {
		var rt models.BroadcastChannelRuntime
		err := rows.Scan(
			&rt.ID,
			&rt.SessionID,
			&rt.CredentialID,
			&rt.Provider,
			&rt.Status,
			&rt.ExternalBroadcastID,
			&rt.ExternalStreamID,
			&rt.ExternalChatID,
			&rt.IngestURL,
			&rt.ViewCount,
			&rt.NextPageToken,
			&rt.FailureReason,
			&rt.ReauthRequired,
			&rt.CreatedAt,
			&rt.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan runtime: %w", err)
		}
		out = append(out, rt)
	}
	return out, rows.Err()
}

func (r *SessionRepository) MarkRuntimeActive(ctx context.Context, id uuid.UUID, info provider.BroadcastInfo) error {
	query := `
	UPDATE broadcast_channel_runtimes SET
            status = $2,
            external_broadcast_id = NULLIF($3, ''),
            external_stream_id = NULLIF($4, ''),
            external_chat_id = NULLIF($5, ''),
            ingest_url = NULLIF($6, ''),
            failure_reason = NULL,
            reauth_required = FALSE,
            updated_at = NOW()
        WHERE id = $1
    `
	res, err := r.db.ExecContext(ctx, query, id, models.RuntimeActive,
		info.ExternalBroadcastID, info.ExternalStreamID, info.ExternalChatID, info.IngestURL)
	if err != nil {
		return fmt.Errorf("failed to mark runtime active: %w", err)
	}
	return expectRow(res)
}

func (r *SessionRepository) MarkRuntimeFailed(ctx context.Context, id uuid.UUID, reason string, reauthRequired bool) error {
	query := `
	UPDATE broadcast_channel_runtimes
        SET status = $2, failure_reason = $3, reauth_required = $4, updated_at = NOW()
        WHERE id = $1
    `
	if _, err := r.db.ExecContext(ctx, query, id, models.RuntimeFailed, reason, reauthRequired); err != nil {
		return fmt.Errorf("failed to mark runtime failed: %w", err)
	}
	return nil
}

func (r *SessionRepository) MarkRuntimeStopped(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE broadcast_channel_runtimes SET status = $2, updated_at = NOW() WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, models.RuntimeStopped); err != nil {
		return fmt.Errorf("failed to mark runtime stopped: %w", err)
	}
	return nil
}

func (r *SessionRepository) UpdateCursor(ctx context.Context, runtimeID uuid.UUID, cursor string) error {
	query := `UPDATE broadcast_channel_runtimes SET next_page_token = $2, updated_at = NOW() WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, runtimeID, cursor); err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}
	return nil
}

func (r *SessionRepository) UpdateViewCount(ctx context.Context, runtimeID uuid.UUID, count int64) error {
	query := `
	UPDATE broadcast_channel_runtimes
        SET view_count = GREATEST(view_count, $2), updated_at = NOW()
        WHERE id = $1
    `
	if _, err := r.db.ExecContext(ctx, query, runtimeID, count); err != nil {
		return fmt.Errorf("failed to update view count: %w", err)
	}
	return nil
}

func (r *SessionRepository) conditional(ctx context.Context, op, query string, args ...any) (bool, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to %s: %w", op, err)
	}
	return n == 1, nil
}

func scanSession(row rowScanner) (*models.BroadcastSession, error) {
	s := &models.BroadcastSession{}
	err := row.Scan(
		&s.ID,
		&s.TenantID,
		&s.TemplateID,
		&s.Title,
		&s.Status,
		&s.StartedAt,
		&s.EndedAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}
