// Package realtime multiplexes room membership, outbound change signals and inbound events over one
// websocket per session. Delivery is at-most-once and best-effort: without a live connection every
// emit is a silent no-op.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/keeplists/pkg/lists"
)

type Option func(*Channel)

// WithHeader supplies the handshake headers, typically the bearer token, at every Connect.
func WithHeader(fn func() http.Header) Option {
	return func(c *Channel) { c.header = fn }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Channel) { c.dialer = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) { c.logger = l }
}

type Channel struct {
	url    string
	header func() http.Header
	dialer *websocket.Dialer
	logger *slog.Logger

	mu    sync.Mutex
	conn  *websocket.Conn
	rooms map[string]bool

	writeMu sync.Mutex

	subsMu  sync.RWMutex
	subs    map[string]map[int]func(json.RawMessage)
	nextSub int
}

func New(url string, opts ...Option) *Channel {
	c := &Channel{
		url:    url,
		header: func() http.Header { return nil },
		dialer: websocket.DefaultDialer,
		logger: slog.Default(),
		rooms:  make(map[string]bool),
		subs:   make(map[string]map[int]func(json.RawMessage)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the socket. It is a no-op when already connected.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	conn, _, err := c.dialer.DialContext(ctx, c.url, c.header())
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	c.conn = conn
	c.logger.Info("socket connected", "url", c.url)
	go c.readContinuously(conn)
	return nil
}

// Disconnect releases the connection. Later emits are dropped silently.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.rooms = make(map[string]bool)
	c.mu.Unlock()
	if conn == nil {
		return
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	_ = conn.Close()
	c.logger.Info("socket disconnected")
}

func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Rooms returns the list ids currently joined.
func (c *Channel) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	return out
}

func (c *Channel) readContinuously(conn *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
			c.rooms = make(map[string]bool)
		}
		c.mu.Unlock()
		_ = conn.Close()
	}()
	for {
		if err := c.readAndDispatch(conn); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("socket read stopped", "err", err)
			}
			return
		}
	}
}

func (c *Channel) readAndDispatch(conn *websocket.Conn) error {
	mt, p, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	}
	switch mt {
	case websocket.TextMessage, websocket.BinaryMessage:
		var env Envelope
		if err := json.Unmarshal(p, &env); err != nil {
			c.logger.Warn("dropping malformed event", "err", err)
			return nil
		}
		c.dispatch(env)
	default:
	}
	return nil
}

func (c *Channel) dispatch(env Envelope) {
	c.subsMu.RLock()
	handlers := make([]func(json.RawMessage), 0, len(c.subs[env.Event]))
	for _, h := range c.subs[env.Event] {
		handlers = append(handlers, h)
	}
	c.subsMu.RUnlock()
	for _, h := range handlers {
		h(env.Data)
	}
}

func (c *Channel) emit(event string, data any) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	raw, err := Encode(event, data)
	if err != nil {
		c.logger.Error("failed to encode event", "event", event, "err", err)
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		c.logger.Warn("failed to write event", "event", event, "err", err)
	}
}

func (c *Channel) JoinRoom(listID string) {
	c.mu.Lock()
	if c.conn != nil {
		c.rooms[listID] = true
	}
	c.mu.Unlock()
	c.emit(EventJoinList, listID)
}

func (c *Channel) LeaveRoom(listID string) {
	c.mu.Lock()
	delete(c.rooms, listID)
	c.mu.Unlock()
	c.emit(EventLeaveList, listID)
}

// SendUpdate tells the other members of the list's room that it changed.
func (c *Channel) SendUpdate(listID string, changes Changes) {
	payload := make(Changes, len(changes)+1)
	for k, v := range changes {
		payload[k] = v
	}
	payload["listId"] = listID
	c.emit(EventUpdateList, payload)
}

func (c *Channel) SendCollaboratorAdded(listID, userID string) {
	c.emit(EventCollaboratorAdded, Notice{ListID: listID, UserID: userID})
}

func (c *Channel) SendCollaboratorRemoved(listID, userID string) {
	c.emit(EventCollaboratorRemoved, Notice{ListID: listID, UserID: userID})
}

func (c *Channel) SendPermissionChanged(listID, userID string, permission lists.Permission) {
	c.emit(EventPermissionChanged, Notice{ListID: listID, UserID: userID, Permission: permission})
}

func (c *Channel) subscribe(event string, fn func(json.RawMessage)) func() {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	id := c.nextSub
	c.nextSub++
	if c.subs[event] == nil {
		c.subs[event] = make(map[int]func(json.RawMessage))
	}
	c.subs[event][id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			c.subsMu.Lock()
			defer c.subsMu.Unlock()
			delete(c.subs[event], id)
		})
	}
}

func (c *Channel) onNotice(event string, fn func(Notice)) func() {
	return c.subscribe(event, func(raw json.RawMessage) {
		var n Notice
		if err := json.Unmarshal(raw, &n); err != nil {
			c.logger.Warn("dropping malformed event", "event", event, "err", err)
			return
		}
		fn(n)
	})
}

// OnListUpdated registers fn for list_updated. Every registration fires independently.
func (c *Channel) OnListUpdated(fn func(Changes)) (unsubscribe func()) {
	return c.subscribe(EventListUpdated, func(raw json.RawMessage) {
		changes := Changes{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &changes); err != nil {
				c.logger.Warn("dropping malformed event", "event", EventListUpdated, "err", err)
				return
			}
		}
		fn(changes)
	})
}

func (c *Channel) OnCollaboratorAdded(fn func(Notice)) (unsubscribe func()) {
	return c.onNotice(EventCollaboratorAdded, fn)
}

func (c *Channel) OnCollaboratorRemoved(fn func(Notice)) (unsubscribe func()) {
	return c.onNotice(EventCollaboratorRemoved, fn)
}

func (c *Channel) OnPermissionChanged(fn func(Notice)) (unsubscribe func()) {
	return c.onNotice(EventPermissionChanged, fn)
}
