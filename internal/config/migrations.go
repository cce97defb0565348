package config

import (
	"fmt"
	"strings"
)

// dialect captures the per-database differences the store has to care
// about. Queries are written with ? placeholders and rebound by sqlx.
type dialect struct {
	name        string
	sqlDriver   string
	returningID bool
	migrations  []string
}

var dialects = map[string]dialect{
	DriverSQLite: {
		name:      DriverSQLite,
		sqlDriver: "sqlite",
		migrations: []string{
			`CREATE TABLE IF NOT EXISTS accounts (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				kind TEXT NOT NULL,
				login_id TEXT NOT NULL,
				password_hash TEXT NOT NULL,
				name TEXT NOT NULL DEFAULT '',
				role TEXT NOT NULL DEFAULT '',
				is_active INTEGER NOT NULL DEFAULT 1,
				last_login_at DATETIME,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				UNIQUE(kind, login_id)
			)`,

			`CREATE TABLE IF NOT EXISTS auth_keys (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				owner_id INTEGER NOT NULL,
				secret TEXT UNIQUE NOT NULL,
				name TEXT NOT NULL,
				purpose TEXT NOT NULL,
				valid_from DATETIME,
				valid_until DATETIME,
				approved INTEGER NOT NULL DEFAULT 0,
				reject_reason TEXT,
				deleted INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				created_by INTEGER NOT NULL,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_by INTEGER NOT NULL,
				deleted_at DATETIME,
				deleted_by INTEGER,
				last_approved_at DATETIME,
				last_accessed_at DATETIME,
				version INTEGER NOT NULL DEFAULT 1
			)`,

			`CREATE TABLE IF NOT EXISTS audit_events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				actor_kind TEXT NOT NULL,
				actor_id INTEGER NOT NULL,
				event_type TEXT NOT NULL,
				result TEXT NOT NULL,
				target_key_id INTEGER,
				detail TEXT,
				ip TEXT,
				user_agent TEXT,
				occurred_at DATETIME NOT NULL
			)`,

			`CREATE INDEX IF NOT EXISTS idx_auth_keys_owner ON auth_keys(owner_id, deleted)`,
			`CREATE INDEX IF NOT EXISTS idx_audit_events_target ON audit_events(target_key_id)`,
			`CREATE INDEX IF NOT EXISTS idx_audit_events_occurred ON audit_events(occurred_at)`,
		},
	},

	DriverPostgres: {
		name:        DriverPostgres,
		sqlDriver:   "pgx",
		returningID: true,
		migrations: []string{
			`CREATE TABLE IF NOT EXISTS accounts (
				id BIGSERIAL PRIMARY KEY,
				kind TEXT NOT NULL,
				login_id TEXT NOT NULL,
				password_hash TEXT NOT NULL,
				name TEXT NOT NULL DEFAULT '',
				role TEXT NOT NULL DEFAULT '',
				is_active BOOLEAN NOT NULL DEFAULT TRUE,
				last_login_at TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				UNIQUE(kind, login_id)
			)`,

			`CREATE TABLE IF NOT EXISTS auth_keys (
				id BIGSERIAL PRIMARY KEY,
				owner_id BIGINT NOT NULL,
				secret TEXT UNIQUE NOT NULL,
				name TEXT NOT NULL,
				purpose TEXT NOT NULL,
				valid_from TIMESTAMPTZ,
				valid_until TIMESTAMPTZ,
				approved BOOLEAN NOT NULL DEFAULT FALSE,
				reject_reason TEXT,
				deleted BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				created_by BIGINT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_by BIGINT NOT NULL,
				deleted_at TIMESTAMPTZ,
				deleted_by BIGINT,
				last_approved_at TIMESTAMPTZ,
				last_accessed_at TIMESTAMPTZ,
				version BIGINT NOT NULL DEFAULT 1
			)`,

			`CREATE TABLE IF NOT EXISTS audit_events (
				id BIGSERIAL PRIMARY KEY,
				actor_kind TEXT NOT NULL,
				actor_id BIGINT NOT NULL,
				event_type TEXT NOT NULL,
				result TEXT NOT NULL,
				target_key_id BIGINT,
				detail TEXT,
				ip TEXT,
				user_agent TEXT,
				occurred_at TIMESTAMPTZ NOT NULL
			)`,

			`CREATE INDEX IF NOT EXISTS idx_auth_keys_owner ON auth_keys(owner_id, deleted)`,
			`CREATE INDEX IF NOT EXISTS idx_audit_events_target ON audit_events(target_key_id)`,
			`CREATE INDEX IF NOT EXISTS idx_audit_events_occurred ON audit_events(occurred_at)`,
		},
	},

	DriverMySQL: {
		name:      DriverMySQL,
		sqlDriver: "mysql",
		migrations: []string{
			`CREATE TABLE IF NOT EXISTS accounts (
				id BIGINT AUTO_INCREMENT PRIMARY KEY,
				kind VARCHAR(1) NOT NULL,
				login_id VARCHAR(191) NOT NULL,
				password_hash VARCHAR(255) NOT NULL,
				name VARCHAR(255) NOT NULL DEFAULT '',
				role VARCHAR(64) NOT NULL DEFAULT '',
				is_active BOOLEAN NOT NULL DEFAULT TRUE,
				last_login_at DATETIME(6) NULL,
				created_at DATETIME(6) NOT NULL,
				updated_at DATETIME(6) NOT NULL,
				UNIQUE KEY uq_accounts_login (kind, login_id)
			)`,

			`CREATE TABLE IF NOT EXISTS auth_keys (
				id BIGINT AUTO_INCREMENT PRIMARY KEY,
				owner_id BIGINT NOT NULL,
				secret VARCHAR(128) NOT NULL,
				name VARCHAR(255) NOT NULL,
				purpose TEXT NOT NULL,
				valid_from DATETIME(6) NULL,
				valid_until DATETIME(6) NULL,
				approved BOOLEAN NOT NULL DEFAULT FALSE,
				reject_reason TEXT NULL,
				deleted BOOLEAN NOT NULL DEFAULT FALSE,
				created_at DATETIME(6) NOT NULL,
				created_by BIGINT NOT NULL,
				updated_at DATETIME(6) NOT NULL,
				updated_by BIGINT NOT NULL,
				deleted_at DATETIME(6) NULL,
				deleted_by BIGINT NULL,
				last_approved_at DATETIME(6) NULL,
				last_accessed_at DATETIME(6) NULL,
				version BIGINT NOT NULL DEFAULT 1,
				UNIQUE KEY uq_auth_keys_secret (secret),
				KEY idx_auth_keys_owner (owner_id, deleted)
			)`,

			`CREATE TABLE IF NOT EXISTS audit_events (
				id BIGINT AUTO_INCREMENT PRIMARY KEY,
				actor_kind VARCHAR(1) NOT NULL,
				actor_id BIGINT NOT NULL,
				event_type VARCHAR(32) NOT NULL,
				result VARCHAR(16) NOT NULL,
				target_key_id BIGINT NULL,
				detail TEXT NULL,
				ip VARCHAR(64) NULL,
				user_agent TEXT NULL,
				occurred_at DATETIME(6) NOT NULL,
				KEY idx_audit_events_target (target_key_id),
				KEY idx_audit_events_occurred (occurred_at)
			)`,
		},
	},
}

func (s *Store) migrate() error {
	for _, m := range s.dialect.migrations {
		if _, err := s.db.Exec(m); err != nil {
			// ALTER TABLE ADD COLUMN fails if the column already exists;
			// treat "duplicate column" as a no-op for idempotent migrations.
			if strings.Contains(strings.ToLower(err.Error()), "duplicate column") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}
