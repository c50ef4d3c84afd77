// Package pgsql stores and retrieves edx-mfe link and session data from PostgreSQL.
package pgsql

import (
	"context"
	"database/sql"
	_ "embed"

	"github.com/SuriyaPasupathi/edx-mfe/storage"

	"github.com/google/uuid"
	"github.com/micromdm/nanolib/log"
)

// Schema holds the schema for the edx-mfe PostgreSQL storage.
//
//go:embed schema.sql
var Schema string

type PgSQLStorage struct {
	logger log.Logger
	db     *sql.DB
}

type config struct {
	driver string
	dsn    string
	db     *sql.DB
	logger log.Logger
}

type Option func(*config)

func WithLogger(logger log.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

func WithDSN(dsn string) Option {
	return func(c *config) {
		c.dsn = dsn
	}
}

func WithDB(db *sql.DB) Option {
	return func(c *config) {
		c.db = db
	}
}

func New(opts ...Option) (*PgSQLStorage, error) {
	cfg := &config{logger: log.NopLogger, driver: "postgres"}
	for _, opt := range opts {
		opt(cfg)
	}
	var err error
	if cfg.db == nil {
		cfg.db, err = sql.Open(cfg.driver, cfg.dsn)
		if err != nil {
			return nil, err
		}
	}
	if err = cfg.db.Ping(); err != nil {
		return nil, err
	}
	return &PgSQLStorage{db: cfg.db, logger: cfg.logger}, nil
}

func (s *PgSQLStorage) RetrieveOrCreateLink(ctx context.Context, email string) (*storage.LinkRecord, bool, error) {
	email = storage.NormalizeEmail(email)
	var linkID string
	// the insert only returns a row when it actually inserted
	err := s.db.QueryRowContext(
		ctx, `
INSERT INTO links (link_id, email) VALUES ($1, $2)
ON CONFLICT (email) DO NOTHING
RETURNING link_id;`,
		uuid.NewString(), email,
	).Scan(&linkID)
	if err == nil {
		return &storage.LinkRecord{LinkID: linkID, Email: email}, true, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, err
	}
	err = s.db.QueryRowContext(
		ctx,
		`SELECT link_id FROM links WHERE email = $1;`,
		email,
	).Scan(&linkID)
	if err != nil {
		return nil, false, err
	}
	return &storage.LinkRecord{LinkID: linkID, Email: email}, false, nil
}

func (s *PgSQLStorage) RetrieveLink(ctx context.Context, linkID string) (*storage.LinkRecord, error) {
	var email string
	err := s.db.QueryRowContext(
		ctx,
		`SELECT email FROM links WHERE link_id = $1;`,
		linkID,
	).Scan(&email)
	if err == sql.ErrNoRows {
		return nil, storage.ErrLinkNotFound
	} else if err != nil {
		return nil, err
	}
	return &storage.LinkRecord{LinkID: linkID, Email: email}, nil
}

func (s *PgSQLStorage) RetrieveLinkByEmail(ctx context.Context, email string) (*storage.LinkRecord, error) {
	email = storage.NormalizeEmail(email)
	var linkID string
	err := s.db.QueryRowContext(
		ctx,
		`SELECT link_id FROM links WHERE email = $1;`,
		email,
	).Scan(&linkID)
	if err == sql.ErrNoRows {
		return nil, storage.ErrLinkNotFound
	} else if err != nil {
		return nil, err
	}
	return &storage.LinkRecord{LinkID: linkID, Email: email}, nil
}

func (s *PgSQLStorage) RetrieveSession(ctx context.Context, email string) (*storage.SessionRecord, error) {
	email = storage.NormalizeEmail(email)
	record := &storage.SessionRecord{Email: email}
	err := s.db.QueryRowContext(
		ctx,
		`SELECT session_cookie, password FROM sessions WHERE email = $1;`,
		email,
	).Scan(&record.SessionCookie, &record.Password)
	if err == sql.ErrNoRows {
		return nil, storage.ErrSessionNotFound
	} else if err != nil {
		return nil, err
	}
	return record, nil
}

func (s *PgSQLStorage) StoreSession(ctx context.Context, record *storage.SessionRecord) error {
	_, err := s.db.ExecContext(
		ctx, `
INSERT INTO sessions (email, session_cookie, password) VALUES ($1, $2, $3)
ON CONFLICT (email) DO UPDATE SET
    session_cookie = EXCLUDED.session_cookie,
    password = EXCLUDED.password,
    updated_at = CURRENT_TIMESTAMP;`,
		storage.NormalizeEmail(record.Email), record.SessionCookie, record.Password,
	)
	return err
}

func (s *PgSQLStorage) UpdateSessionCookie(ctx context.Context, email, sessionCookie string) error {
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE sessions SET session_cookie = $1, updated_at = CURRENT_TIMESTAMP WHERE email = $2;`,
		sessionCookie, storage.NormalizeEmail(email),
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return storage.ErrSessionNotFound
	}
	return nil
}

func (s *PgSQLStorage) RetrieveEmailBySessionCookie(ctx context.Context, sessionCookie string) (string, error) {
	if sessionCookie == "" || sessionCookie == storage.SessionSentinel {
		return "", storage.ErrSessionNotFound
	}
	var email string
	err := s.db.QueryRowContext(
		ctx,
		`SELECT email FROM sessions WHERE session_cookie = $1 LIMIT 1;`,
		sessionCookie,
	).Scan(&email)
	if err == sql.ErrNoRows {
		return "", storage.ErrSessionNotFound
	} else if err != nil {
		return "", err
	}
	return email, nil
}
