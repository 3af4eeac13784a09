// Package userdb is the durable user store: permanent user records plus
// the mapping from external provider identities to user ids, on Postgres.
//
// The uniqueness constraint on user_logins.external_id is the arbiter
// for registration races: whichever transaction commits first owns the
// identity, the loser gets ErrDuplicateIdentity.
package userdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/handoffd/handoffd/flow"
)

const uniqueViolation = "23505"

// Store implements flow.UserDirectory over Postgres.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// externalID flattens a provider identity into the single-column form
// stored in user_logins, e.g. "goog|people/1234".
func externalID(ext flow.ExternalID) string {
	provider := ext.Provider
	if provider == "google" {
		provider = "goog"
	}
	return provider + "|" + ext.ResourceName
}

// EnsureSchema creates the two tables when absent. Deployments with real
// migrations can skip it.
func (s *Store) EnsureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS users (
	id           TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	full_name    TEXT,
	photo_url    TEXT,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS user_logins (
	external_id TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL REFERENCES users(id),
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensuring user schema: %w", err)
	}
	return nil
}

// CreateUser inserts the user record and its external-identity mapping in
// one transaction. A losing race on the identity returns
// flow.ErrDuplicateIdentity.
func (s *Store) CreateUser(ctx context.Context, ext flow.ExternalID, profile flow.User) (*flow.User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create user: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	user := profile
	user.ID = uuid.NewString()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO users (id, display_name, full_name, photo_url) VALUES ($1, $2, $3, $4)`,
		user.ID, user.DisplayName, nullable(user.FullName), nullable(user.PhotoURL),
	)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO user_logins (external_id, user_id) VALUES ($1, $2)`,
		externalID(ext), user.ID,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, flow.ErrDuplicateIdentity
		}
		return nil, fmt.Errorf("insert user login: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create user: %w", err)
	}
	return &user, nil
}

// GetUserByExternalID resolves a provider identity to its user, or
// (nil, nil) when the identity was never registered.
func (s *Store) GetUserByExternalID(ctx context.Context, ext flow.ExternalID) (*flow.User, error) {
	const query = `
SELECT u.id, u.display_name, COALESCE(u.full_name, ''), COALESCE(u.photo_url, '')
FROM user_logins l JOIN users u ON u.id = l.user_id
WHERE l.external_id = $1`

	var user flow.User
	err := s.db.QueryRowContext(ctx, query, externalID(ext)).
		Scan(&user.ID, &user.DisplayName, &user.FullName, &user.PhotoURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user by external id: %w", err)
	}
	return &user, nil
}

// GetUserByID loads a user by id, or (nil, nil) when absent.
func (s *Store) GetUserByID(ctx context.Context, id string) (*flow.User, error) {
	const query = `
SELECT id, display_name, COALESCE(full_name, ''), COALESCE(photo_url, '')
FROM users WHERE id = $1`

	var user flow.User
	err := s.db.QueryRowContext(ctx, query, id).
		Scan(&user.ID, &user.DisplayName, &user.FullName, &user.PhotoURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user by id: %w", err)
	}
	return &user, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
