// Package cache persists the last synchronized snapshot and the session
// token in the workspace's SQLite database, so a restarted client can
// render the last-known list before its first fetch completes and stay
// logged in across runs.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"snagline/internal/domain"
)

var ErrNoSession = errors.New("no cached session")

type Cache struct {
	DB  *sql.DB
	Now func() time.Time
}

func New(db *sql.DB) Cache {
	return Cache{DB: db, Now: time.Now}
}

func (c Cache) now() string {
	if c.Now != nil {
		return c.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// SaveSnapshot replaces the cached snapshot wholesale. The snapshot is a
// display convenience, not a sync participant: it never feeds back into
// reconciliation, so replacing it is always safe.
func (c Cache) SaveSnapshot(ctx context.Context, snags []domain.Snag) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshot`); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	now := c.now()
	for _, s := range snags {
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("marshal snag %s: %w", s.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO snapshot(id, project_name, query_no, data_json, saved_at) VALUES (?,?,?,?,?)`,
			s.ID, s.ProjectName, s.QueryNo, string(data), now); err != nil {
			return fmt.Errorf("insert snag %s: %w", s.ID, err)
		}
	}
	return tx.Commit()
}

// LoadSnapshot returns the cached snags ordered by building and query
// number. An empty cache yields an empty slice, not an error.
func (c Cache) LoadSnapshot(ctx context.Context) ([]domain.Snag, error) {
	rows, err := c.DB.QueryContext(ctx, `SELECT data_json FROM snapshot ORDER BY project_name, query_no`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var snags []domain.Snag
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var s domain.Snag
		if err := json.Unmarshal([]byte(data), &s); err != nil {
			return nil, fmt.Errorf("decode cached snag: %w", err)
		}
		snags = append(snags, s)
	}
	return snags, rows.Err()
}

// SaveSession stores the bearer token and the authenticated user.
func (c Cache) SaveSession(ctx context.Context, token string, user domain.User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	_, err = c.DB.ExecContext(ctx,
		`INSERT INTO session(id, token, user_json, saved_at) VALUES (1,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET token=excluded.token, user_json=excluded.user_json, saved_at=excluded.saved_at`,
		token, string(data), c.now())
	return err
}

// LoadSession returns the cached token and user, or ErrNoSession.
func (c Cache) LoadSession(ctx context.Context) (string, domain.User, error) {
	var token, userJSON string
	err := c.DB.QueryRowContext(ctx, `SELECT token, user_json FROM session WHERE id=1`).Scan(&token, &userJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.User{}, ErrNoSession
	}
	if err != nil {
		return "", domain.User{}, err
	}
	var user domain.User
	if err := json.Unmarshal([]byte(userJSON), &user); err != nil {
		return "", domain.User{}, fmt.Errorf("decode cached user: %w", err)
	}
	return token, user, nil
}

// ClearSession logs the workspace out.
func (c Cache) ClearSession(ctx context.Context) error {
	_, err := c.DB.ExecContext(ctx, `DELETE FROM session`)
	return err
}
