package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/marcelomtsv/telegram/internal/batch"
	"github.com/marcelomtsv/telegram/internal/cache"
	apperrors "github.com/marcelomtsv/telegram/internal/errors"
	"github.com/marcelomtsv/telegram/internal/model"
	"github.com/marcelomtsv/telegram/internal/repository"
	"github.com/marcelomtsv/telegram/internal/router"
	"github.com/marcelomtsv/telegram/internal/transport"
)

const disconnectTimeout = 15 * time.Second

type CreateSessionParams struct {
	Name    string
	Phone   string
	AppID   int
	AppHash string
}

type CreateSessionResult struct {
	SessionID         string              `json:"sessionId"`
	Status            model.SessionStatus `json:"status"`
	VerificationToken string              `json:"verificationToken"`
}

type ConnectParams struct {
	Name         string
	Phone        string
	SessionToken string
	AppID        int
	AppHash      string
}

// managedSession pairs a session record with its exclusively owned transport
// client and event router. Its mutex serializes lifecycle transitions for
// this one session; operations on different sessions never contend.
type managedSession struct {
	mu        sync.Mutex
	sess      model.Session
	client    transport.Client
	router    *router.Router
	codeToken string
	token     string
	verifying bool
}

func (m *managedSession) status() model.SessionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess.Status
}

// Registry owns every session's lifecycle: creation, verification,
// reconnection from a stored token, pause/resume, deletion and bulk
// teardown. The registry map is the primary shared mutable resource; its
// lock covers only map access, never transport I/O.
type Registry struct {
	factory  transport.Factory
	cache    *cache.EntityCache
	batcher  *batch.Batcher
	defaults transport.Credentials
	store    repository.SessionStore

	mu       sync.RWMutex
	sessions map[string]*managedSession
}

// New creates a Registry. store may be nil, which disables persistence.
func New(factory transport.Factory, c *cache.EntityCache, b *batch.Batcher, defaults transport.Credentials, store repository.SessionStore) *Registry {
	return &Registry{
		factory:  factory,
		cache:    c,
		batcher:  b,
		defaults: defaults,
		store:    store,
		sessions: make(map[string]*managedSession),
	}
}

func (r *Registry) credentials(appID int, appHash string) (transport.Credentials, error) {
	if appID != 0 && appHash != "" {
		return transport.Credentials{AppID: appID, AppHash: appHash}, nil
	}
	if r.defaults.AppID != 0 && r.defaults.AppHash != "" {
		return r.defaults, nil
	}
	return transport.Credentials{}, apperrors.MissingConfig("telegram application credentials")
}

func (r *Registry) get(id string) *managedSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// CreateSession opens a transport client, requests a login code for the
// phone number and registers the session as pending. Nothing is retained if
// the connection or the code request fails.
func (r *Registry) CreateSession(ctx context.Context, p CreateSessionParams) (*CreateSessionResult, error) {
	creds, err := r.credentials(p.AppID, p.AppHash)
	if err != nil {
		return nil, err
	}

	client, err := r.factory(creds, "")
	if err != nil {
		return nil, apperrors.Transport("failed to create transport client", err)
	}

	if err := client.Connect(ctx); err != nil {
		return nil, apperrors.Transport("failed to connect to telegram", err)
	}

	codeToken, err := client.SendCode(ctx, p.Phone)
	if err != nil {
		r.disconnectQuietly(client, "")
		return nil, apperrors.Transport("failed to request login code", err)
	}

	now := time.Now()
	ms := &managedSession{
		sess: model.Session{
			ID:        uuid.New().String(),
			Name:      p.Name,
			Phone:     p.Phone,
			Status:    model.SessionStatusPending,
			AppID:     creds.AppID,
			AppHash:   creds.AppHash,
			CreatedAt: now,
		},
		client:    client,
		codeToken: codeToken,
	}

	r.mu.Lock()
	r.sessions[ms.sess.ID] = ms
	r.mu.Unlock()

	r.persist(ctx, ms)

	log.Info().
		Str("sessionId", ms.sess.ID).
		Str("phone", p.Phone).
		Msg("session created, awaiting verification code")

	return &CreateSessionResult{
		SessionID:         ms.sess.ID,
		Status:            model.SessionStatusPending,
		VerificationToken: codeToken,
	}, nil
}

// VerifySession completes sign-in for a pending session with the code the
// user received. On success the session becomes active, the restorable
// session token is captured and the event router is subscribed.
func (r *Registry) VerifySession(ctx context.Context, id, code string) (string, error) {
	ms := r.get(id)
	if ms == nil {
		return "", apperrors.NotFound("session")
	}

	ms.mu.Lock()
	if ms.sess.Status != model.SessionStatusPending {
		ms.mu.Unlock()
		return "", apperrors.InvalidState(fmt.Sprintf("cannot verify a %s session", ms.sess.Status))
	}
	if ms.verifying {
		ms.mu.Unlock()
		return "", apperrors.InvalidState("verification already in progress")
	}
	ms.verifying = true
	client := ms.client
	codeToken := ms.codeToken
	ms.mu.Unlock()

	// The sign-in round trip runs without ms.mu held so status readers
	// (List, the router) never stall behind it.
	token, err := r.signIn(ctx, client, code, codeToken)

	ms.mu.Lock()
	ms.verifying = false
	if err != nil {
		ms.mu.Unlock()
		return "", err
	}
	if ms.sess.Status != model.SessionStatusPending {
		// Deleted while the sign-in was in flight; the teardown already
		// released the client.
		ms.mu.Unlock()
		return "", apperrors.InvalidState("session was removed during verification")
	}
	ms.sess.Status = model.SessionStatusActive
	ms.codeToken = ""
	ms.token = token
	r.startRouterLocked(ms)
	rec := r.recordLocked(ms)
	ms.mu.Unlock()

	r.persistRecord(ctx, rec)

	log.Info().Str("sessionId", id).Msg("session verified and active")
	return token, nil
}

func (r *Registry) signIn(ctx context.Context, client transport.Client, code, codeToken string) (string, error) {
	if err := client.SignIn(ctx, code, codeToken); err != nil {
		if errors.Is(err, transport.ErrAuthRejected) {
			return "", apperrors.Auth("telegram rejected the login code", err)
		}
		return "", apperrors.Transport("sign-in failed", err)
	}

	token, err := client.ExportSession()
	if err != nil {
		return "", apperrors.Transport("failed to export session state", err)
	}
	return token, nil
}

// ConnectWithToken opens a transport client from a previously exported
// session token and registers the session directly as active.
func (r *Registry) ConnectWithToken(ctx context.Context, p ConnectParams) (string, error) {
	creds, err := r.credentials(p.AppID, p.AppHash)
	if err != nil {
		return "", err
	}

	client, err := r.factory(creds, p.SessionToken)
	if err != nil {
		return "", apperrors.Transport("failed to create transport client", err)
	}

	if err := client.Connect(ctx); err != nil {
		return "", apperrors.Transport("failed to connect to telegram", err)
	}

	authorized, err := client.IsAuthorized(ctx)
	if err != nil {
		r.disconnectQuietly(client, "")
		return "", apperrors.Transport("authorization check failed", err)
	}
	if !authorized {
		r.disconnectQuietly(client, "")
		return "", apperrors.Auth("session token is no longer valid", nil)
	}

	ms := &managedSession{
		sess: model.Session{
			ID:        uuid.New().String(),
			Name:      p.Name,
			Phone:     p.Phone,
			Status:    model.SessionStatusActive,
			AppID:     creds.AppID,
			AppHash:   creds.AppHash,
			CreatedAt: time.Now(),
		},
		client: client,
		token:  p.SessionToken,
	}
	r.startRouterLocked(ms)

	r.mu.Lock()
	r.sessions[ms.sess.ID] = ms
	r.mu.Unlock()

	r.persist(ctx, ms)

	log.Info().Str("sessionId", ms.sess.ID).Msg("session reconnected from token")
	return ms.sess.ID, nil
}

// Pause suppresses event forwarding for an active session. The transport
// stays connected and the router stays subscribed so resume is instant.
func (r *Registry) Pause(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, model.SessionStatusActive, model.SessionStatusPaused, "pause")
}

// Resume re-enables event forwarding for a paused session.
func (r *Registry) Resume(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, model.SessionStatusPaused, model.SessionStatusActive, "resume")
}

func (r *Registry) setStatus(ctx context.Context, id string, from, to model.SessionStatus, op string) error {
	ms := r.get(id)
	if ms == nil {
		return apperrors.NotFound("session")
	}

	ms.mu.Lock()
	switch ms.sess.Status {
	case to:
		ms.mu.Unlock()
		return nil
	case from:
		ms.sess.Status = to
		rec := r.recordLocked(ms)
		ms.mu.Unlock()

		// The store write-through stays off the status mutex so the flip
		// itself never waits on the database.
		r.persistRecord(ctx, rec)
		log.Info().Str("sessionId", id).Str("status", string(to)).Msgf("session %sd", op)
		return nil
	default:
		status := ms.sess.Status
		ms.mu.Unlock()
		return apperrors.InvalidState(fmt.Sprintf("cannot %s a %s session", op, status))
	}
}

// Delete tears a session down: the router is deregistered, the transport
// disconnect is attempted best-effort and the record is removed. Deleting an
// unknown id is a no-op.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	ms, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}

	ms.mu.Lock()
	ms.sess.Status = model.SessionStatusDeleted
	rt := ms.router
	ms.router = nil
	client := ms.client
	ms.client = nil
	ms.mu.Unlock()

	if rt != nil {
		rt.Stop()
	}
	if client != nil {
		// Disconnect failures must not prevent local cleanup.
		r.disconnectQuietly(client, id)
	}

	if r.store != nil {
		if err := r.store.Delete(ctx, id); err != nil {
			log.Error().Err(err).Str("sessionId", id).Msg("failed to delete stored session")
		}
	}

	log.Info().Str("sessionId", id).Msg("session deleted")
	return nil
}

// DeleteAll disconnects every snapshotted session concurrently, waits for
// all disconnect attempts to finish or fail, then removes exactly those
// sessions and clears the entity cache in one step. Sessions created while
// the teardown is in flight are untouched, so no live transport is ever
// discarded without its own delete. Routers are stopped before the cache is
// cleared so nothing resolves into an emptied cache.
func (r *Registry) DeleteAll(ctx context.Context) error {
	r.mu.Lock()
	all := make([]*managedSession, 0, len(r.sessions))
	for _, ms := range r.sessions {
		all = append(all, ms)
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(all))
	var wg sync.WaitGroup
	for _, ms := range all {
		ms.mu.Lock()
		ms.sess.Status = model.SessionStatusDeleted
		rt := ms.router
		ms.router = nil
		client := ms.client
		ms.client = nil
		id := ms.sess.ID
		ms.mu.Unlock()

		ids = append(ids, id)
		if rt != nil {
			rt.Stop()
		}
		if client == nil {
			continue
		}
		wg.Add(1)
		go func(c transport.Client, id string) {
			defer wg.Done()
			r.disconnectQuietly(c, id)
		}(client, id)
	}
	wg.Wait()

	r.mu.Lock()
	for _, id := range ids {
		delete(r.sessions, id)
	}
	count := len(ids)
	r.cache.Clear()
	r.mu.Unlock()

	if r.store != nil {
		for _, id := range ids {
			if err := r.store.Delete(ctx, id); err != nil {
				log.Error().Err(err).Str("sessionId", id).Msg("failed to delete stored session")
			}
		}
	}

	log.Info().Int("count", count).Msg("all sessions deleted")
	return nil
}

// List returns a snapshot of every non-deleted session. It never touches
// transport state.
func (r *Registry) List() []model.SessionSummary {
	r.mu.RLock()
	all := make([]*managedSession, 0, len(r.sessions))
	for _, ms := range r.sessions {
		all = append(all, ms)
	}
	r.mu.RUnlock()

	summaries := make([]model.SessionSummary, 0, len(all))
	for _, ms := range all {
		ms.mu.Lock()
		summaries = append(summaries, ms.sess.Summary())
		ms.mu.Unlock()
	}

	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].CreatedAt.Equal(summaries[j].CreatedAt) {
			return summaries[i].ID < summaries[j].ID
		}
		return summaries[i].CreatedAt.Before(summaries[j].CreatedAt)
	})
	return summaries
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Restore replays persisted sessions through ConnectWithToken. Records whose
// token is no longer valid are dropped from the store.
func (r *Registry) Restore(ctx context.Context) {
	if r.store == nil {
		return
	}

	records, err := r.store.List(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list stored sessions")
		return
	}

	restored := 0
	for _, rec := range records {
		if rec.SessionToken == "" {
			// Never authenticated; nothing to resume.
			if err := r.store.Delete(ctx, rec.ID); err != nil {
				log.Error().Err(err).Str("sessionId", rec.ID).Msg("failed to drop unverified session record")
			}
			continue
		}

		id, err := r.ConnectWithToken(ctx, ConnectParams{
			Name:         rec.Name,
			Phone:        rec.Phone,
			SessionToken: rec.SessionToken,
			AppID:        rec.AppID,
			AppHash:      rec.AppHash,
		})
		if err != nil {
			log.Warn().Err(err).Str("sessionId", rec.ID).Msg("failed to restore session")
			if apperrors.GetCode(err) == apperrors.ErrCodeAuth {
				if delErr := r.store.Delete(ctx, rec.ID); delErr != nil {
					log.Error().Err(delErr).Str("sessionId", rec.ID).Msg("failed to drop stale session record")
				}
			}
			continue
		}

		// The replay registered a fresh id; retire the old record.
		if err := r.store.Delete(ctx, rec.ID); err != nil {
			log.Error().Err(err).Str("sessionId", rec.ID).Msg("failed to retire restored session record")
		}

		if rec.Status == model.SessionStatusPaused {
			if err := r.Pause(ctx, id); err != nil {
				log.Warn().Err(err).Str("sessionId", id).Msg("failed to re-pause restored session")
			}
		}
		restored++
	}

	if restored > 0 {
		log.Info().Int("count", restored).Msg("sessions restored from store")
	}
}

// Shutdown stops routers and disconnects every session without removing
// stored records, so they can be restored on the next start.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	all := make([]*managedSession, 0, len(r.sessions))
	for _, ms := range r.sessions {
		all = append(all, ms)
	}
	r.sessions = make(map[string]*managedSession)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, ms := range all {
		ms.mu.Lock()
		rt := ms.router
		client := ms.client
		id := ms.sess.ID
		ms.mu.Unlock()

		if rt != nil {
			rt.Stop()
		}
		if client == nil {
			continue
		}
		wg.Add(1)
		go func(c transport.Client, id string) {
			defer wg.Done()
			r.disconnectQuietly(c, id)
		}(client, id)
	}
	wg.Wait()
}

// startRouterLocked wires the event router for an authenticated session.
// Caller holds ms.mu or has exclusive access to ms.
func (r *Registry) startRouterLocked(ms *managedSession) {
	rt := router.New(ms.sess.ID, ms.client, ms.status, r.cache, r.batcher)
	rt.Start()
	ms.router = rt
}

func (r *Registry) disconnectQuietly(client transport.Client, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()

	if err := client.Disconnect(ctx); err != nil {
		log.Warn().Err(err).Str("sessionId", id).Msg("transport disconnect failed")
	}
}

func (r *Registry) persist(ctx context.Context, ms *managedSession) {
	if r.store == nil {
		return
	}
	ms.mu.Lock()
	rec := r.recordLocked(ms)
	ms.mu.Unlock()
	r.persistRecord(ctx, rec)
}

// recordLocked snapshots the persistable state. Caller holds ms.mu.
func (r *Registry) recordLocked(ms *managedSession) model.SessionRecord {
	return model.SessionRecord{
		ID:           ms.sess.ID,
		Name:         ms.sess.Name,
		Phone:        ms.sess.Phone,
		Status:       ms.sess.Status,
		AppID:        ms.sess.AppID,
		AppHash:      ms.sess.AppHash,
		SessionToken: ms.token,
		CreatedAt:    ms.sess.CreatedAt,
	}
}

// persistRecord writes a snapshot through to the optional store. Best-effort:
// failures are logged, never surfaced. Never called with ms.mu held.
func (r *Registry) persistRecord(ctx context.Context, rec model.SessionRecord) {
	if r.store == nil {
		return
	}
	if err := r.store.Upsert(ctx, rec); err != nil {
		log.Error().Err(err).Str("sessionId", rec.ID).Msg("failed to persist session")
	}
}
