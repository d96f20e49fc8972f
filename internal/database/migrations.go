package database

import (
	"database/sql"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// Migration represents a database migration
type Migration struct {
	Version int
	Up      string
	Down    string
}

// Migrations contains all database migrations
var Migrations = []Migration{
	{
		Version: 1,
		Up: `
			CREATE EXTENSION IF NOT EXISTS "uuid-ossp";

			CREATE TABLE IF NOT EXISTS channel_credentials (
				id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
				tenant_id UUID NOT NULL,
				provider VARCHAR(32) NOT NULL,
				credential TEXT NOT NULL,
				title VARCHAR(255) NOT NULL,
				external_id VARCHAR(255),
				ingest_url TEXT,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_channel_credentials_tenant ON channel_credentials(tenant_id);
		`,
		Down: `
			DROP TABLE IF EXISTS channel_credentials;
		`,
	},
	{
		Version: 2,
		Up: `
			CREATE TABLE IF NOT EXISTS broadcast_templates (
				id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
				tenant_id UUID NOT NULL,
				title VARCHAR(255) NOT NULL,
				scene_config JSONB NOT NULL DEFAULT '{}'::jsonb,
				channel_ids UUID[] NOT NULL DEFAULT '{}',
				current_session_id UUID,
				is_live BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_broadcast_templates_tenant ON broadcast_templates(tenant_id);
		`,
		Down: `
			DROP TABLE IF EXISTS broadcast_templates;
		`,
	},
	{
		Version: 3,
		Up: `
			CREATE TABLE IF NOT EXISTS broadcast_sessions (
				id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
				tenant_id UUID NOT NULL,
				template_id UUID NOT NULL REFERENCES broadcast_templates(id) ON DELETE CASCADE,
				title VARCHAR(255) NOT NULL,
				status VARCHAR(16) NOT NULL DEFAULT 'starting',
				started_at TIMESTAMPTZ NOT NULL,
				ended_at TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_broadcast_sessions_template ON broadcast_sessions(template_id);
			CREATE INDEX IF NOT EXISTS idx_broadcast_sessions_live ON broadcast_sessions(started_at) WHERE ended_at IS NULL;

			CREATE TABLE IF NOT EXISTS broadcast_channel_runtimes (
				id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
				session_id UUID NOT NULL REFERENCES broadcast_sessions(id) ON DELETE CASCADE,
				credential_id UUID NOT NULL,
				provider VARCHAR(32) NOT NULL,
				status VARCHAR(16) NOT NULL DEFAULT 'pending',
				external_broadcast_id VARCHAR(255),
				external_stream_id VARCHAR(255),
				external_chat_id VARCHAR(255),
				ingest_url TEXT,
				view_count BIGINT NOT NULL DEFAULT 0,
				next_page_token TEXT,
				failure_reason TEXT,
				reauth_required BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_runtimes_session ON broadcast_channel_runtimes(session_id);
		`,
		Down: `
			DROP TABLE IF EXISTS broadcast_channel_runtimes;
			DROP TABLE IF EXISTS broadcast_sessions;
		`,
	},
	{
		Version: 4,
		Up: `
			CREATE TABLE IF NOT EXISTS broadcast_comments (
				id BIGSERIAL PRIMARY KEY,
				runtime_id UUID NOT NULL REFERENCES broadcast_channel_runtimes(id) ON DELETE CASCADE,
				external_id VARCHAR(255),
				author_name VARCHAR(255) NOT NULL,
				content TEXT NOT NULL,
				published_at TIMESTAMPTZ,
				is_admin BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);

			CREATE UNIQUE INDEX IF NOT EXISTS uq_comments_external
				ON broadcast_comments(runtime_id, external_id)
				WHERE external_id IS NOT NULL;
			CREATE UNIQUE INDEX IF NOT EXISTS uq_comments_tuple
				ON broadcast_comments(runtime_id, author_name, md5(content), published_at)
				WHERE external_id IS NULL;
			CREATE INDEX IF NOT EXISTS idx_comments_feed
				ON broadcast_comments(runtime_id, published_at DESC, id);
		`,
		Down: `
			DROP TABLE IF EXISTS broadcast_comments;
		`,
	},
	{
		// NULL published_at values are distinct in a unique index, which let
		// undated comments without an external id through on every tick.
		Version: 5,
		Up: `
			DELETE FROM broadcast_comments a
				USING broadcast_comments b
				WHERE a.runtime_id = b.runtime_id
				  AND a.external_id IS NULL AND b.external_id IS NULL
				  AND a.published_at IS NULL AND b.published_at IS NULL
				  AND a.author_name = b.author_name
				  AND a.content = b.content
				  AND a.id > b.id;

			DROP INDEX IF EXISTS uq_comments_tuple;
			CREATE UNIQUE INDEX uq_comments_tuple
				ON broadcast_comments(runtime_id, author_name, md5(content), COALESCE(published_at, 'epoch'::timestamptz))
				WHERE external_id IS NULL;
		`,
		Down: `
			DROP INDEX IF EXISTS uq_comments_tuple;
			CREATE UNIQUE INDEX uq_comments_tuple
				ON broadcast_comments(runtime_id, author_name, md5(content), published_at)
				WHERE external_id IS NULL;
		`,
	},
}

// RunMigrations applies every pending migration in version order.
func RunMigrations(db *sql.DB, logger *zap.Logger) error {
	if err := ensureMigrationsTable(db); err != nil {
		return err
	}

	currentVersion, err := getCurrentVersion(db)
	if err != nil {
		return err
	}

	for _, migration := range sorted() {
		if migration.Version <= currentVersion {
			continue
		}

		logger.Info("running migration", zap.Int("version", migration.Version))

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		if _, err := tx.Exec(migration.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to run migration %d: %w", migration.Version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES ($1)", migration.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}

// RollbackLast reverts the most recently applied migration, if any.
func RollbackLast(db *sql.DB, logger *zap.Logger) error {
	if err := ensureMigrationsTable(db); err != nil {
		return err
	}

	currentVersion, err := getCurrentVersion(db)
	if err != nil {
		return err
	}
	if currentVersion == 0 {
		logger.Info("nothing to roll back")
		return nil
	}

	var target *Migration
	for _, m := range Migrations {
		if m.Version == currentVersion {
			m := m
			target = &m
			break
		}
	}
	if target == nil {
		return fmt.Errorf("no migration with version %d", currentVersion)
	}

	logger.Info("rolling back migration", zap.Int("version", target.Version))

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if _, err := tx.Exec(target.Down); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to roll back migration %d: %w", target.Version, err)
	}
	if _, err := tx.Exec("DELETE FROM schema_migrations WHERE version = $1", target.Version); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to unrecord migration %d: %w", target.Version, err)
	}
	return tx.Commit()
}

func sorted() []Migration {
	out := make([]Migration, len(Migrations))
	copy(out, Migrations)
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

func ensureMigrationsTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func getCurrentVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}
