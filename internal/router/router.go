package router

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marcelomtsv/telegram/internal/batch"
	"github.com/marcelomtsv/telegram/internal/cache"
	"github.com/marcelomtsv/telegram/internal/model"
	"github.com/marcelomtsv/telegram/internal/transport"
)

const lookupTimeout = 10 * time.Second

// StatusFunc reports the owning session's current status.
type StatusFunc func() model.SessionStatus

// Router subscribes to one session's inbound event stream, resolves sender
// labels through the entity cache and forwards normalized events to the
// shared batcher. It is created when a session becomes active and torn down
// only on deletion; pausing leaves it subscribed and just drops events.
type Router struct {
	sessionID string
	client    transport.Client
	status    StatusFunc
	cache     *cache.EntityCache
	batcher   *batch.Batcher
}

func New(sessionID string, client transport.Client, status StatusFunc, c *cache.EntityCache, b *batch.Batcher) *Router {
	return &Router{
		sessionID: sessionID,
		client:    client,
		status:    status,
		cache:     c,
		batcher:   b,
	}
}

// Start registers the router on the transport's event stream.
func (r *Router) Start() {
	r.client.Subscribe(r.handle)
}

// Stop deregisters the router.
func (r *Router) Stop() {
	r.client.Unsubscribe()
}

// handle runs on the transport delivery path and must not block: each event
// is processed on its own goroutine so a slow entity lookup for one event
// cannot delay delivery of the next.
func (r *Router) handle(ev transport.InboundEvent) {
	if r.status() != model.SessionStatusActive {
		// Paused or tearing down: dropped for good, no buffering.
		return
	}
	go r.process(ev)
}

func (r *Router) process(ev transport.InboundEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	sender := r.cache.Resolve(ctx, r.sessionID, ev.SenderRef, func(ctx context.Context) (*transport.EntityInfo, error) {
		return r.client.ResolveEntity(ctx, ev.SenderRef)
	})

	// Re-check after the lookup: the session may have been paused or deleted
	// while the resolution was in flight.
	if r.status() != model.SessionStatusActive {
		return
	}

	receivedAt := ev.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	r.batcher.Enqueue(model.Event{
		SessionID:  r.sessionID,
		MessageID:  ev.MessageID,
		Text:       ev.Text,
		Sender:     sender,
		SenderRef:  ev.SenderRef,
		ReceivedAt: receivedAt,
	})

	log.Debug().
		Str("sessionId", r.sessionID).
		Int64("messageId", ev.MessageID).
		Str("sender", sender).
		Msg("event routed")
}
