// Package pg opens the PostgreSQL pool and owns the schema plus the
// classification store. Auth and audit persistence live next to their
// domain packages and share the same *sql.DB.
package pg

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Store struct {
	db *sql.DB
}

// Open dials PostgreSQL through the pgx stdlib driver.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing handle (tests use sqlmock here).
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// EnsureSchema creates all tables when missing. Safe to run on every boot.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`create table if not exists roles (
			id          text primary key,
			name        text not null unique,
			description text not null default '',
			created_at  timestamptz not null default now()
		)`,
		`create table if not exists permissions (
			id          text primary key,
			code        text not null unique,
			description text not null default '',
			created_at  timestamptz not null default now()
		)`,
		`create table if not exists role_permissions (
			role_id       text not null references roles(id) on delete cascade,
			permission_id text not null references permissions(id) on delete cascade,
			primary key (role_id, permission_id)
		)`,
		`create table if not exists users (
			id            text primary key,
			email         text not null unique,
			password_hash text not null,
			name          text not null default '',
			phone         text not null default '',
			role_id       text not null references roles(id),
			active        boolean not null default true,
			created_at    timestamptz not null default now(),
			updated_at    timestamptz not null default now(),
			last_login_at timestamptz
		)`,
		`create table if not exists refresh_tokens (
			id          text primary key,
			user_id     text not null references users(id) on delete cascade,
			token_hash  text not null,
			issued_at   timestamptz not null,
			expires_at  timestamptz not null,
			revoked     boolean not null default false,
			replaced_by text
		)`,
		`create index if not exists refresh_tokens_user_idx on refresh_tokens(user_id)`,
		`create table if not exists classifications (
			id             text primary key,
			user_id        text not null references users(id),
			image_ref      text not null,
			status         text not null,
			grain_type     text not null default '',
			confidence     double precision,
			degraded       boolean not null default false,
			analysis       jsonb,
			failure_reason text not null default '',
			notes          text not null default '',
			deleted        boolean not null default false,
			deleted_at     timestamptz,
			created_at     timestamptz not null default now(),
			updated_at     timestamptz not null default now()
		)`,
		`create index if not exists classifications_user_idx on classifications(user_id, created_at desc)`,
		`create table if not exists audit_log (
			id            text primary key,
			occurred_at   timestamptz not null,
			actor_id      text,
			action        text not null,
			resource_type text not null default '',
			resource_id   text not null default '',
			outcome       text not null,
			metadata      jsonb,
			request_id    text not null default ''
		)`,
		`create index if not exists audit_log_actor_idx on audit_log(actor_id, occurred_at desc)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
