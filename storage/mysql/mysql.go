// Package mysql stores and retrieves edx-mfe link and session data from MySQL.
package mysql

import (
	"context"
	"database/sql"
	_ "embed"

	"github.com/SuriyaPasupathi/edx-mfe/storage"

	"github.com/google/uuid"
	"github.com/micromdm/nanolib/log"
)

// Schema holds the schema for the edx-mfe MySQL storage.
//
//go:embed schema.sql
var Schema string

type MySQLStorage struct {
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

func WithDriver(driver string) Option {
	return func(c *config) {
		c.driver = driver
	}
}

func WithDB(db *sql.DB) Option {
	return func(c *config) {
		c.db = db
	}
}

func New(opts ...Option) (*MySQLStorage, error) {
	cfg := &config{logger: log.NopLogger, driver: "mysql"}
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
	return &MySQLStorage{db: cfg.db, logger: cfg.logger}, nil
}

func (s *MySQLStorage) RetrieveOrCreateLink(ctx context.Context, email string) (*storage.LinkRecord, bool, error) {
	email = storage.NormalizeEmail(email)
	result, err := s.db.ExecContext(
		ctx, `
INSERT INTO links (link_id, email) VALUES (?, ?) AS new
ON DUPLICATE KEY
UPDATE link_id = links.link_id;`,
		uuid.NewString(), email,
	)
	if err != nil {
		return nil, false, err
	}
	// 1 affected row means the insert took; 0 means the email already
	// had a link and the no-op update path was taken.
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	var linkID string
	err = s.db.QueryRowContext(
		ctx,
		`SELECT link_id FROM links WHERE email = ?;`,
		email,
	).Scan(&linkID)
	if err != nil {
		return nil, false, err
	}
	return &storage.LinkRecord{LinkID: linkID, Email: email}, affected == 1, nil
}

func (s *MySQLStorage) RetrieveLink(ctx context.Context, linkID string) (*storage.LinkRecord, error) {
	var email string
	err := s.db.QueryRowContext(
		ctx,
		`SELECT email FROM links WHERE link_id = ?;`,
		linkID,
	).Scan(&email)
	if err == sql.ErrNoRows {
		return nil, storage.ErrLinkNotFound
	} else if err != nil {
		return nil, err
	}
	return &storage.LinkRecord{LinkID: linkID, Email: email}, nil
}

func (s *MySQLStorage) RetrieveLinkByEmail(ctx context.Context, email string) (*storage.LinkRecord, error) {
	email = storage.NormalizeEmail(email)
	var linkID string
	err := s.db.QueryRowContext(
		ctx,
		`SELECT link_id FROM links WHERE email = ?;`,
		email,
	).Scan(&linkID)
	if err == sql.ErrNoRows {
		return nil, storage.ErrLinkNotFound
	} else if err != nil {
		return nil, err
	}
	return &storage.LinkRecord{LinkID: linkID, Email: email}, nil
}

func (s *MySQLStorage) RetrieveSession(ctx context.Context, email string) (*storage.SessionRecord, error) {
	email = storage.NormalizeEmail(email)
	record := &storage.SessionRecord{Email: email}
	err := s.db.QueryRowContext(
		ctx,
		`SELECT session_cookie, password FROM sessions WHERE email = ?;`,
		email,
	).Scan(&record.SessionCookie, &record.Password)
	if err == sql.ErrNoRows {
		return nil, storage.ErrSessionNotFound
	} else if err != nil {
		return nil, err
	}
	return record, nil
}

func (s *MySQLStorage) StoreSession(ctx context.Context, record *storage.SessionRecord) error {
	_, err := s.db.ExecContext(
		ctx, `
INSERT INTO sessions (email, session_cookie, password) VALUES (?, ?, ?) AS new
ON DUPLICATE KEY
UPDATE
    session_cookie = new.session_cookie,
    password = new.password;`,
		storage.NormalizeEmail(record.Email), record.SessionCookie, record.Password,
	)
	return err
}

func (s *MySQLStorage) UpdateSessionCookie(ctx context.Context, email, sessionCookie string) error {
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE sessions SET session_cookie = ? WHERE email = ?;`,
		sessionCookie, storage.NormalizeEmail(email),
	)
	if err != nil {
		return err
	}
	// MySQL reports 0 affected rows both for a missing row and for an
	// unchanged value; only the former is an error, so re-check.
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists int
		err = s.db.QueryRowContext(
			ctx,
			`SELECT COUNT(*) FROM sessions WHERE email = ?;`,
			storage.NormalizeEmail(email),
		).Scan(&exists)
		if err != nil {
			return err
		}
		if exists == 0 {
			return storage.ErrSessionNotFound
		}
	}
	return nil
}

func (s *MySQLStorage) RetrieveEmailBySessionCookie(ctx context.Context, sessionCookie string) (string, error) {
	if sessionCookie == "" || sessionCookie == storage.SessionSentinel {
		return "", storage.ErrSessionNotFound
	}
	var email string
	err := s.db.QueryRowContext(
		ctx,
		`SELECT email FROM sessions WHERE session_cookie = ? LIMIT 1;`,
		sessionCookie,
	).Scan(&email)
	if err == sql.ErrNoRows {
		return "", storage.ErrSessionNotFound
	} else if err != nil {
		return "", err
	}
	return email, nil
}
