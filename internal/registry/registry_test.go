package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcelomtsv/telegram/internal/batch"
	"github.com/marcelomtsv/telegram/internal/cache"
	apperrors "github.com/marcelomtsv/telegram/internal/errors"
	"github.com/marcelomtsv/telegram/internal/model"
	"github.com/marcelomtsv/telegram/internal/transport"
	"github.com/marcelomtsv/telegram/internal/transport/memory"
)

const loginCode = "12345"

type fixture struct {
	reg     *Registry
	factory *memory.Factory
	cache   *cache.EntityCache
	batcher *batch.Batcher
	events  chan model.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		factory: memory.NewFactory(loginCode),
		cache:   cache.New(time.Minute, 100),
		events:  make(chan model.Event, 256),
	}
	f.batcher = batch.New(1, time.Hour, func(b model.Batch) {
		for _, ev := range b.Events {
			f.events <- ev
		}
	})
	t.Cleanup(f.batcher.Stop)

	f.reg = New(f.factory.New, f.cache, f.batcher, transport.Credentials{
		AppID:   12345678,
		AppHash: "default-hash",
	}, nil)
	return f
}

func (f *fixture) createActive(t *testing.T, name, phone string) (string, *memory.Client) {
	t.Helper()
	ctx := context.Background()

	res, err := f.reg.CreateSession(ctx, CreateSessionParams{Name: name, Phone: phone})
	require.NoError(t, err)

	_, err = f.reg.VerifySession(ctx, res.SessionID, loginCode)
	require.NoError(t, err)

	clients := f.factory.Clients()
	return res.SessionID, clients[len(clients)-1]
}

func TestCreateSession(t *testing.T) {
	ctx := context.Background()

	t.Run("registers a pending session and returns the code token", func(t *testing.T) {
		f := newFixture(t)

		res, err := f.reg.CreateSession(ctx, CreateSessionParams{Name: "work", Phone: "+5511999990000"})
		require.NoError(t, err)
		assert.NotEmpty(t, res.SessionID)
		assert.Equal(t, model.SessionStatusPending, res.Status)
		assert.NotEmpty(t, res.VerificationToken)

		summaries := f.reg.List()
		require.Len(t, summaries, 1)
		assert.Equal(t, "work", summaries[0].Name)
		assert.Equal(t, model.SessionStatusPending, summaries[0].Status)
	})

	t.Run("explicit credentials override the configured defaults", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.reg.CreateSession(ctx, CreateSessionParams{
			Name: "alt", Phone: "+551188888", AppID: 777, AppHash: "alt-hash",
		})
		require.NoError(t, err)

		summaries := f.reg.List()
		require.Len(t, summaries, 1)
	})

	t.Run("no credentials anywhere yields a config error", func(t *testing.T) {
		f := newFixture(t)
		f.reg.defaults = transport.Credentials{}

		_, err := f.reg.CreateSession(ctx, CreateSessionParams{Name: "x", Phone: "+1"})
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeConfig, apperrors.GetCode(err))
		assert.Equal(t, 0, f.reg.Count())
	})

	t.Run("connect failure leaves no session behind", func(t *testing.T) {
		f := newFixture(t)
		f.factory.FailConnect(true)

		_, err := f.reg.CreateSession(ctx, CreateSessionParams{Name: "x", Phone: "+1"})
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeTransport, apperrors.GetCode(err))
		assert.Equal(t, 0, f.reg.Count())
	})
}

func TestVerifySession(t *testing.T) {
	ctx := context.Background()

	t.Run("correct code activates the session and returns a token", func(t *testing.T) {
		f := newFixture(t)
		res, err := f.reg.CreateSession(ctx, CreateSessionParams{Name: "work", Phone: "+1"})
		require.NoError(t, err)

		token, err := f.reg.VerifySession(ctx, res.SessionID, loginCode)
		require.NoError(t, err)
		assert.NotEmpty(t, token)

		summaries := f.reg.List()
		require.Len(t, summaries, 1)
		assert.Equal(t, model.SessionStatusActive, summaries[0].Status)
		assert.True(t, f.factory.Clients()[0].Subscribed(), "active session must have its router subscribed")
	})

	t.Run("wrong code fails with AUTH_FAILED and the session stays pending", func(t *testing.T) {
		f := newFixture(t)
		res, err := f.reg.CreateSession(ctx, CreateSessionParams{Name: "work", Phone: "+1"})
		require.NoError(t, err)

		_, err = f.reg.VerifySession(ctx, res.SessionID, "00000")
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeAuth, apperrors.GetCode(err))
		assert.Equal(t, model.SessionStatusPending, f.reg.List()[0].Status)

		// The session is still verifiable with the right code.
		_, err = f.reg.VerifySession(ctx, res.SessionID, loginCode)
		require.NoError(t, err)
	})

	t.Run("unknown session", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.reg.VerifySession(ctx, "missing", loginCode)
		assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))
	})

	t.Run("verifying an active session is an invalid state", func(t *testing.T) {
		f := newFixture(t)
		id, _ := f.createActive(t, "work", "+1")

		_, err := f.reg.VerifySession(ctx, id, loginCode)
		assert.Equal(t, apperrors.ErrCodeInvalidState, apperrors.GetCode(err))
	})
}

func TestConnectWithToken(t *testing.T) {
	ctx := context.Background()

	t.Run("valid token yields an active session", func(t *testing.T) {
		f := newFixture(t)

		id, err := f.reg.ConnectWithToken(ctx, ConnectParams{
			Name: "restored", Phone: "+1", SessionToken: "mem-session-7",
		})
		require.NoError(t, err)
		assert.NotEmpty(t, id)

		summaries := f.reg.List()
		require.Len(t, summaries, 1)
		assert.Equal(t, model.SessionStatusActive, summaries[0].Status)
	})

	t.Run("rejected token fails with AUTH_FAILED and disconnects", func(t *testing.T) {
		f := newFixture(t)
		f.factory.RejectTokens(true)

		_, err := f.reg.ConnectWithToken(ctx, ConnectParams{
			Name: "stale", Phone: "+1", SessionToken: "mem-session-7",
		})
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeAuth, apperrors.GetCode(err))
		assert.Equal(t, 0, f.reg.Count())
		assert.Equal(t, 1, f.factory.Clients()[0].Disconnects())
	})
}

func TestPauseResume(t *testing.T) {
	ctx := context.Background()

	t.Run("pause keeps the transport connected and resume needs no reconnect", func(t *testing.T) {
		f := newFixture(t)
		id, client := f.createActive(t, "work", "+1")

		require.NoError(t, f.reg.Pause(ctx, id))
		assert.Equal(t, model.SessionStatusPaused, f.reg.List()[0].Status)
		assert.True(t, client.Connected())
		assert.True(t, client.Subscribed())
		assert.Equal(t, 0, client.Disconnects())

		require.NoError(t, f.reg.Resume(ctx, id))
		assert.Equal(t, model.SessionStatusActive, f.reg.List()[0].Status)
	})

	t.Run("pause and resume are idempotent", func(t *testing.T) {
		f := newFixture(t)
		id, _ := f.createActive(t, "work", "+1")

		require.NoError(t, f.reg.Pause(ctx, id))
		require.NoError(t, f.reg.Pause(ctx, id))
		require.NoError(t, f.reg.Resume(ctx, id))
		require.NoError(t, f.reg.Resume(ctx, id))
	})

	t.Run("pending sessions cannot be paused", func(t *testing.T) {
		f := newFixture(t)
		res, err := f.reg.CreateSession(ctx, CreateSessionParams{Name: "work", Phone: "+1"})
		require.NoError(t, err)

		err = f.reg.Pause(ctx, res.SessionID)
		assert.Equal(t, apperrors.ErrCodeInvalidState, apperrors.GetCode(err))
	})

	t.Run("unknown session", func(t *testing.T) {
		f := newFixture(t)
		assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(f.reg.Pause(ctx, "missing")))
		assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(f.reg.Resume(ctx, "missing")))
	})
}

func TestPausedSessionDeliversNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id, client := f.createActive(t, "work", "+1")
	client.SetEntity("u1", &transport.EntityInfo{FirstName: "Ana"})

	require.NoError(t, f.reg.Pause(ctx, id))
	client.Emit(transport.InboundEvent{MessageID: 1, Text: "while paused", SenderRef: "u1"})

	require.NoError(t, f.reg.Resume(ctx, id))
	client.Emit(transport.InboundEvent{MessageID: 2, Text: "after resume", SenderRef: "u1"})

	select {
	case ev := <-f.events:
		assert.Equal(t, int64(2), ev.MessageID, "the paused event must never surface")
	case <-time.After(time.Second):
		t.Fatal("resumed session stopped delivering")
	}

	select {
	case ev := <-f.events:
		t.Fatalf("unexpected extra event %d", ev.MessageID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("removes the session and disconnects the transport", func(t *testing.T) {
		f := newFixture(t)
		id, client := f.createActive(t, "work", "+1")

		require.NoError(t, f.reg.Delete(ctx, id))
		assert.Equal(t, 0, f.reg.Count())
		assert.Equal(t, 1, client.Disconnects())
		assert.False(t, client.Subscribed())
	})

	t.Run("unknown id is a no-op", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.reg.Delete(ctx, "missing"))
	})

	t.Run("deleting twice disconnects once", func(t *testing.T) {
		f := newFixture(t)
		id, client := f.createActive(t, "work", "+1")

		require.NoError(t, f.reg.Delete(ctx, id))
		require.NoError(t, f.reg.Delete(ctx, id))
		assert.Equal(t, 1, client.Disconnects())
	})

	t.Run("deleted session emits no further events", func(t *testing.T) {
		f := newFixture(t)
		id, client := f.createActive(t, "work", "+1")
		client.SetEntity("u1", &transport.EntityInfo{FirstName: "Ana"})

		require.NoError(t, f.reg.Delete(ctx, id))
		client.Emit(transport.InboundEvent{MessageID: 1, Text: "ghost", SenderRef: "u1"})

		select {
		case <-f.events:
			t.Fatal("deleted session must not deliver events")
		case <-time.After(50 * time.Millisecond):
		}
	})
}

func TestDeleteAll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, c1 := f.createActive(t, "one", "+1")
	_, c2 := f.createActive(t, "two", "+2")
	_, err := f.reg.CreateSession(ctx, CreateSessionParams{Name: "three", Phone: "+3"})
	require.NoError(t, err)

	// Warm the cache so the clear is observable.
	c1.SetEntity("u1", &transport.EntityInfo{FirstName: "Ana"})
	c1.Emit(transport.InboundEvent{MessageID: 1, Text: "warm", SenderRef: "u1"})
	require.Eventually(t, func() bool { return f.cache.Len() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.reg.DeleteAll(ctx))

	assert.Equal(t, 0, f.reg.Count())
	assert.Empty(t, f.reg.List())
	assert.Equal(t, 0, f.cache.Len(), "entity cache must be cleared with the sessions")
	assert.Equal(t, 1, c1.Disconnects())
	assert.Equal(t, 1, c2.Disconnects())

	// Pending sessions are torn down too.
	clients := f.factory.Clients()
	assert.Equal(t, 1, clients[len(clients)-1].Disconnects())
}

func TestList(t *testing.T) {
	f := newFixture(t)

	t.Run("empty registry lists nothing", func(t *testing.T) {
		assert.Empty(t, f.reg.List())
	})

	t.Run("summaries never expose credentials or tokens", func(t *testing.T) {
		id, _ := f.createActive(t, "work", "+5511999990000")

		summaries := f.reg.List()
		require.Len(t, summaries, 1)
		assert.Equal(t, id, summaries[0].ID)
		assert.Equal(t, "work", summaries[0].Name)
		assert.Equal(t, "+5511999990000", summaries[0].Phone)
		assert.Equal(t, model.SessionStatusActive, summaries[0].Status)
	})
}

// gatedSignInClient parks SignIn until released, simulating a slow remote
// sign-in round trip.
type gatedSignInClient struct {
	transport.Client
	entered chan struct{}
	release chan struct{}
}

func (c *gatedSignInClient) SignIn(ctx context.Context, code, codeToken string) error {
	close(c.entered)
	<-c.release
	return c.Client.SignIn(ctx, code, codeToken)
}

func TestListDoesNotWaitOnSignIn(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	gate := &gatedSignInClient{entered: make(chan struct{}), release: make(chan struct{})}
	base := f.reg.factory
	f.reg.factory = func(creds transport.Credentials, token string) (transport.Client, error) {
		client, err := base(creds, token)
		if err != nil {
			return nil, err
		}
		gate.Client = client
		return gate, nil
	}

	res, err := f.reg.CreateSession(ctx, CreateSessionParams{Name: "work", Phone: "+1"})
	require.NoError(t, err)

	verifyDone := make(chan error, 1)
	go func() {
		_, err := f.reg.VerifySession(ctx, res.SessionID, loginCode)
		verifyDone <- err
	}()
	<-gate.entered

	listDone := make(chan []model.SessionSummary, 1)
	go func() { listDone <- f.reg.List() }()

	select {
	case summaries := <-listDone:
		require.Len(t, summaries, 1)
		assert.Equal(t, model.SessionStatusPending, summaries[0].Status)
	case <-time.After(time.Second):
		t.Fatal("List blocked behind an in-flight sign-in")
	}

	// A second verification attempt during the round trip is refused rather
	// than queued behind it.
	_, err = f.reg.VerifySession(ctx, res.SessionID, loginCode)
	assert.Equal(t, apperrors.ErrCodeInvalidState, apperrors.GetCode(err))

	close(gate.release)
	require.NoError(t, <-verifyDone)
	assert.Equal(t, model.SessionStatusActive, f.reg.List()[0].Status)
}

// gatedDisconnectClient parks Disconnect until released, holding a bulk
// teardown open mid-flight.
type gatedDisconnectClient struct {
	transport.Client
	entered chan struct{}
	release chan struct{}
}

func (c *gatedDisconnectClient) Disconnect(ctx context.Context) error {
	close(c.entered)
	<-c.release
	return c.Client.Disconnect(ctx)
}

func TestDeleteAllSparesConcurrentlyCreatedSessions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	gate := &gatedDisconnectClient{entered: make(chan struct{}), release: make(chan struct{})}
	base := f.reg.factory
	f.reg.factory = func(creds transport.Credentials, token string) (transport.Client, error) {
		client, err := base(creds, token)
		if err != nil {
			return nil, err
		}
		gate.Client = client
		return gate, nil
	}

	resOld, err := f.reg.CreateSession(ctx, CreateSessionParams{Name: "old", Phone: "+1"})
	require.NoError(t, err)
	_, err = f.reg.VerifySession(ctx, resOld.SessionID, loginCode)
	require.NoError(t, err)
	f.reg.factory = base

	done := make(chan struct{})
	go func() {
		f.reg.DeleteAll(ctx)
		close(done)
	}()
	<-gate.entered

	// Lands after the teardown snapshot, before the final sweep.
	resNew, err := f.reg.CreateSession(ctx, CreateSessionParams{Name: "new", Phone: "+2"})
	require.NoError(t, err)

	close(gate.release)
	<-done

	summaries := f.reg.List()
	require.Len(t, summaries, 1)
	assert.Equal(t, resNew.SessionID, summaries[0].ID)

	clients := f.factory.Clients()
	survivor := clients[len(clients)-1]
	assert.True(t, survivor.Connected(), "the concurrently created session must keep its transport")
	assert.Equal(t, 0, survivor.Disconnects())
}

// slowStore records upserts and can park them behind a gate.
type slowStore struct {
	mu      sync.Mutex
	gate    chan struct{}
	entered chan struct{}
	upserts []model.SessionRecord
}

func newSlowStore() *slowStore {
	return &slowStore{entered: make(chan struct{}, 1)}
}

func (s *slowStore) setGate(gate chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = gate
}

func (s *slowStore) Upsert(ctx context.Context, rec model.SessionRecord) error {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		s.entered <- struct{}{}
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts = append(s.upserts, rec)
	return nil
}

func (s *slowStore) FindByID(ctx context.Context, id string) (*model.SessionRecord, error) {
	return nil, nil
}

func (s *slowStore) List(ctx context.Context) ([]model.SessionRecord, error) {
	return nil, nil
}

func (s *slowStore) Delete(ctx context.Context, id string) error {
	return nil
}

func TestStatusFlipDoesNotWaitOnStore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	store := newSlowStore()
	f.reg.store = store

	id, _ := f.createActive(t, "work", "+1")

	gate := make(chan struct{})
	store.setGate(gate)

	pauseDone := make(chan error, 1)
	go func() { pauseDone <- f.reg.Pause(ctx, id) }()
	<-store.entered

	// The flip must already be visible while the store write is parked.
	listDone := make(chan []model.SessionSummary, 1)
	go func() { listDone <- f.reg.List() }()

	select {
	case summaries := <-listDone:
		require.Len(t, summaries, 1)
		assert.Equal(t, model.SessionStatusPaused, summaries[0].Status)
	case <-time.After(time.Second):
		t.Fatal("status flip waited on the store write")
	}

	close(gate)
	require.NoError(t, <-pauseDone)

	store.mu.Lock()
	last := store.upserts[len(store.upserts)-1]
	store.mu.Unlock()
	assert.Equal(t, model.SessionStatusPaused, last.Status)
}

func TestShutdown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, c1 := f.createActive(t, "one", "+1")
	_, c2 := f.createActive(t, "two", "+2")

	f.reg.Shutdown(ctx)

	assert.Equal(t, 0, f.reg.Count())
	assert.Equal(t, 1, c1.Disconnects())
	assert.Equal(t, 1, c2.Disconnects())
}
