package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/marcelomtsv/telegram/internal/model"
)

// SessionStore persists session records so authenticated sessions can be
// restored across restarts. The registry treats it as write-through and
// best-effort; the in-memory registry remains the source of truth. Bulk
// teardown deletes per id so records of sessions created concurrently are
// never swept along.
type SessionStore interface {
	Upsert(ctx context.Context, rec model.SessionRecord) error
	FindByID(ctx context.Context, id string) (*model.SessionRecord, error)
	List(ctx context.Context) ([]model.SessionRecord, error)
	Delete(ctx context.Context, id string) error
}

const sessionSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL DEFAULT '',
	phone         TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	app_id        INTEGER NOT NULL,
	app_hash      TEXT NOT NULL,
	session_token TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

type sessionStore struct {
	db *sqlx.DB
}

func NewSessionStore(db *sqlx.DB) (SessionStore, error) {
	if _, err := db.Exec(sessionSchema); err != nil {
		return nil, err
	}
	return &sessionStore{db: db}, nil
}

func (s *sessionStore) Upsert(ctx context.Context, rec model.SessionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, name, phone, status, app_id, app_hash, session_token, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			phone = EXCLUDED.phone,
			status = EXCLUDED.status,
			session_token = EXCLUDED.session_token
	`, rec.ID, rec.Name, rec.Phone, rec.Status, rec.AppID, rec.AppHash, rec.SessionToken, rec.CreatedAt)
	return err
}

func (s *sessionStore) FindByID(ctx context.Context, id string) (*model.SessionRecord, error) {
	var rec model.SessionRecord
	err := s.db.GetContext(ctx, &rec, `
		SELECT * FROM sessions WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *sessionStore) List(ctx context.Context) ([]model.SessionRecord, error) {
	var recs []model.SessionRecord
	err := s.db.SelectContext(ctx, &recs, `
		SELECT * FROM sessions ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *sessionStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	return err
}
