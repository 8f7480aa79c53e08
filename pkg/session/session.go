// Package session ties authentication to the gateway client and the realtime channel. The bearer
// token lives here; the client and the channel read it on every request and handshake.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/astromechza/keeplists/pkg/gateway"
	"github.com/astromechza/keeplists/pkg/realtime"
	"github.com/astromechza/keeplists/pkg/store"
)

var ErrLoggedOut = errors.New("not logged in")

type Options struct {
	APIURL      string
	SocketURL   string
	HTTPTimeout time.Duration
	Store       *store.Store
	Logger      *slog.Logger
}

type Session struct {
	client  *gateway.Client
	channel *realtime.Channel
	store   *store.Store
	logger  *slog.Logger

	mu       sync.Mutex
	token    string
	user     *gateway.User
	onLogout []func()
}

// New builds the gateway client and the realtime channel around the session. Nothing is dialled
// until Login, Register or Resume succeeds.
func New(opts Options) (*Session, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Store == nil {
		opts.Store = store.New()
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 30 * time.Second
	}
	s := &Session{store: opts.Store, logger: opts.Logger}
	client, err := gateway.NewClient(
		opts.APIURL,
		gateway.WithHTTPClient(&http.Client{Timeout: opts.HTTPTimeout}),
		gateway.WithToken(s.Token),
		gateway.WithUnauthorizedHook(s.Logout),
		gateway.WithLogger(opts.Logger.With("component", "gateway")),
	)
	if err != nil {
		return nil, err
	}
	s.client = client
	s.channel = realtime.New(
		opts.SocketURL,
		realtime.WithHeader(s.Header),
		realtime.WithLogger(opts.Logger.With("component", "realtime")),
	)
	return s, nil
}

func (s *Session) Gateway() *gateway.Client {
	return s.client
}

func (s *Session) Channel() *realtime.Channel {
	return s.channel
}

func (s *Session) Store() *store.Store {
	return s.store
}

// Token is the current bearer token, or "" when logged out.
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Header is the websocket handshake header carrying the bearer token.
func (s *Session) Header() http.Header {
	h := http.Header{}
	if tok := s.Token(); tok != "" {
		h.Set("Authorization", "Bearer "+tok)
	}
	return h
}

func (s *Session) User() (gateway.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return gateway.User{}, false
	}
	return *s.user, true
}

// OnLogout registers fn to run after every logout, e.g. to drop an open editor.
func (s *Session) OnLogout(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLogout = append(s.onLogout, fn)
}

func (s *Session) Login(ctx context.Context, email, password string) (gateway.User, error) {
	resp, err := s.client.Login(ctx, email, password)
	if err != nil {
		return gateway.User{}, fmt.Errorf("failed to log in: %w", err)
	}
	return s.begin(ctx, resp.Token, resp.User), nil
}

func (s *Session) Register(ctx context.Context, name, email, password string) (gateway.User, error) {
	resp, err := s.client.Register(ctx, name, email, password)
	if err != nil {
		return gateway.User{}, fmt.Errorf("failed to register: %w", err)
	}
	return s.begin(ctx, resp.Token, resp.User), nil
}

// Resume starts a session from a token saved earlier. The token is checked against the backend
// before the channel is connected.
func (s *Session) Resume(ctx context.Context, token string) (gateway.User, error) {
	if token == "" {
		return gateway.User{}, ErrLoggedOut
	}
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	u, err := s.client.CurrentUser(ctx)
	if err != nil {
		s.mu.Lock()
		if s.token == token {
			s.token = ""
		}
		s.mu.Unlock()
		return gateway.User{}, fmt.Errorf("failed to resume session: %w", err)
	}
	return s.begin(ctx, token, u), nil
}

// begin records the identity and connects the channel. A failed dial leaves the session usable
// without realtime updates.
func (s *Session) begin(ctx context.Context, token string, u gateway.User) gateway.User {
	s.mu.Lock()
	s.token = token
	s.user = &u
	s.mu.Unlock()
	s.logger.Info("logged in", "user", u.ID, "email", u.Email)
	if err := s.channel.Connect(ctx); err != nil {
		s.logger.Warn("realtime channel unavailable", "err", err)
	}
	return u
}

// Logout drops the token, disconnects the channel and clears every loaded list. It is safe to call
// repeatedly and is what the gateway runs on a 401.
func (s *Session) Logout() {
	s.mu.Lock()
	wasIn := s.token != "" || s.user != nil
	s.token = ""
	s.user = nil
	hooks := append([]func(){}, s.onLogout...)
	s.mu.Unlock()

	s.channel.Disconnect()
	s.store.Clear()
	for _, fn := range hooks {
		fn()
	}
	if wasIn {
		s.logger.Info("logged out")
	}
}
