package model

import "time"

type Session struct {
	ID        string        `db:"id" json:"id"`
	Name      string        `db:"name" json:"name"`
	Phone     string        `db:"phone" json:"phone"`
	Status    SessionStatus `db:"status" json:"status"`
	AppID     int           `db:"app_id" json:"-"`
	AppHash   string        `db:"app_hash" json:"-"`
	CreatedAt time.Time     `db:"created_at" json:"createdAt"`
}

// SessionSummary is the read-only projection returned by List.
type SessionSummary struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Phone     string        `json:"phone"`
	Status    SessionStatus `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
}

func (s *Session) Summary() SessionSummary {
	return SessionSummary{
		ID:        s.ID,
		Name:      s.Name,
		Phone:     s.Phone,
		Status:    s.Status,
		CreatedAt: s.CreatedAt,
	}
}

// SessionRecord is the persisted shape of a session, including the restorable
// transport token needed to resume it after a restart.
type SessionRecord struct {
	ID           string        `db:"id"`
	Name         string        `db:"name"`
	Phone        string        `db:"phone"`
	Status       SessionStatus `db:"status"`
	AppID        int           `db:"app_id"`
	AppHash      string        `db:"app_hash"`
	SessionToken string        `db:"session_token"`
	CreatedAt    time.Time     `db:"created_at"`
}
