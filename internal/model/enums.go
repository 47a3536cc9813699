package model

type SessionStatus string

const (
	// SessionStatusPending means a login code was sent and verification is outstanding.
	SessionStatusPending SessionStatus = "pending"
	// SessionStatusActive means the session is authenticated and forwarding events.
	SessionStatusActive SessionStatus = "active"
	// SessionStatusPaused means the session is authenticated but event delivery is suppressed.
	SessionStatusPaused SessionStatus = "paused"
	// SessionStatusDeleted is terminal; the transport has been released.
	SessionStatusDeleted SessionStatus = "deleted"
)
