// Package memory is an in-process loopback implementation of the transport
// interface. It backs the test suite and keeps the gateway runnable without
// a real MTProto adapter; events are injected with Emit and failures with
// the factory knobs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/marcelomtsv/telegram/internal/transport"
)

type Factory struct {
	mu          sync.Mutex
	loginCode   string
	seq         int
	clients     []*Client
	failConnect bool
	rejectToken bool
}

// NewFactory creates a factory whose clients accept loginCode at sign-in.
func NewFactory(loginCode string) *Factory {
	return &Factory{loginCode: loginCode}
}

// New satisfies transport.Factory as a method value (factory.New).
func (f *Factory) New(creds transport.Credentials, sessionToken string) (transport.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	c := &Client{
		factory:  f,
		creds:    creds,
		token:    sessionToken,
		id:       f.seq,
		entities: make(map[string]*transport.EntityInfo),
	}
	f.clients = append(f.clients, c)
	return c, nil
}

// FailConnect makes subsequent Connect calls fail.
func (f *Factory) FailConnect(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failConnect = v
}

// RejectTokens makes restored clients report unauthorized.
func (f *Factory) RejectTokens(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectToken = v
}

// Clients returns every client the factory has produced, in creation order.
func (f *Factory) Clients() []*Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Client, len(f.clients))
	copy(out, f.clients)
	return out
}

type Client struct {
	mu          sync.Mutex
	factory     *Factory
	creds       transport.Credentials
	token       string
	id          int
	connected   bool
	authorized  bool
	handler     transport.EventHandler
	entities    map[string]*transport.EntityInfo
	lookupErr   error
	lookups     int
	disconnects int
}

var _ transport.Client = (*Client)(nil)

func (c *Client) Connect(ctx context.Context) error {
	c.factory.mu.Lock()
	fail := c.factory.failConnect
	c.factory.mu.Unlock()
	if fail {
		return fmt.Errorf("memory transport: connect refused")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return nil
}

func (c *Client) SendCode(ctx context.Context, phone string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return "", fmt.Errorf("memory transport: not connected")
	}
	return fmt.Sprintf("code-token-%d", c.id), nil
}

func (c *Client) SignIn(ctx context.Context, code, codeToken string) error {
	c.factory.mu.Lock()
	want := c.factory.loginCode
	c.factory.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return fmt.Errorf("memory transport: not connected")
	}
	if code != want {
		return transport.ErrAuthRejected
	}
	c.authorized = true
	return nil
}

func (c *Client) IsAuthorized(ctx context.Context) (bool, error) {
	c.factory.mu.Lock()
	reject := c.factory.rejectToken
	c.factory.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.authorized {
		return true, nil
	}
	if c.token != "" && !reject {
		c.authorized = true
		return true, nil
	}
	return false, nil
}

func (c *Client) ExportSession() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.authorized {
		return "", fmt.Errorf("memory transport: not authorized")
	}
	if c.token == "" {
		c.token = fmt.Sprintf("mem-session-%d", c.id)
	}
	return c.token, nil
}

func (c *Client) ResolveEntity(ctx context.Context, ref string) (*transport.EntityInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lookups++
	if c.lookupErr != nil {
		return nil, c.lookupErr
	}
	info, ok := c.entities[ref]
	if !ok {
		return nil, fmt.Errorf("memory transport: unknown entity %q", ref)
	}
	return info, nil
}

func (c *Client) Subscribe(h transport.EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

func (c *Client) Unsubscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	c.connected = false
	return nil
}

// Emit delivers an inbound event to the subscribed handler, mimicking the
// remote service's delivery path.
func (c *Client) Emit(ev transport.InboundEvent) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// SetEntity registers an entity for ResolveEntity.
func (c *Client) SetEntity(ref string, info *transport.EntityInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entities[ref] = info
}

// SetLookupErr forces ResolveEntity to fail.
func (c *Client) SetLookupErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookupErr = err
}

// Lookups returns how many entity lookups were performed.
func (c *Client) Lookups() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookups
}

// Disconnects returns how many disconnect attempts were made.
func (c *Client) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

// Connected reports the connection state.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Subscribed reports whether a handler is registered.
func (c *Client) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler != nil
}
