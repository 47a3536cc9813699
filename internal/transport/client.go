// Package transport defines the capability this service requires from the
// underlying Telegram protocol implementation. The concrete client owns the
// wire protocol, encryption and retry policy; the rest of the system only
// talks to this interface, one client per session.
package transport

import (
	"context"
	"errors"
	"time"
)

// ErrAuthRejected is returned by implementations when the remote service
// rejects credentials, a login code or a session token. Callers use it to
// distinguish an authentication failure from a connectivity failure.
var ErrAuthRejected = errors.New("transport: authorization rejected")

// Credentials identify the application to the remote service.
type Credentials struct {
	AppID   int
	AppHash string
}

// EntityInfo is the raw identity data returned by an entity lookup.
type EntityInfo struct {
	FirstName string
	LastName  string
	Title     string
	Username  string
}

// InboundEvent is one message event delivered by the remote service.
type InboundEvent struct {
	MessageID  int64
	Text       string
	SenderRef  string
	ReceivedAt time.Time
}

// EventHandler receives inbound events. Implementations invoke it from the
// connection's delivery path, so handlers must not block.
type EventHandler func(ev InboundEvent)

// Client is one live connection to the remote service.
type Client interface {
	// Connect opens the connection. It must be called before any other method.
	Connect(ctx context.Context) error

	// SendCode requests a login code for the phone number and returns the
	// token required to complete sign-in with that code.
	SendCode(ctx context.Context, phone string) (codeToken string, err error)

	// SignIn completes authentication with the code the user received.
	// Returns ErrAuthRejected if the remote service rejects the code.
	SignIn(ctx context.Context, code, codeToken string) error

	// IsAuthorized reports whether the connection carries a valid authorization.
	IsAuthorized(ctx context.Context) (bool, error)

	// ExportSession serializes the authenticated connection state so it can be
	// restored later without repeating sign-in.
	ExportSession() (string, error)

	// ResolveEntity looks up identity data for a remote entity reference.
	ResolveEntity(ctx context.Context, ref string) (*EntityInfo, error)

	// Subscribe registers the handler for inbound events, replacing any
	// previous one. Unsubscribe stops delivery.
	Subscribe(h EventHandler)
	Unsubscribe()

	// Disconnect closes the connection and releases its resources.
	Disconnect(ctx context.Context) error
}

// Factory opens a new Client. sessionToken is empty for fresh sessions, or a
// previously exported token when restoring an authenticated session.
type Factory func(creds Credentials, sessionToken string) (Client, error)
