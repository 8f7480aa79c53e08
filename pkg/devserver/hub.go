package devserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/keeplists/pkg/realtime"
)

const (
	peerBuffer   = 32
	writeTimeout = 5 * time.Second
	maxFrameSize = 64 << 10
)

// peer is one websocket connection of an authenticated user.
type peer struct {
	conn   *websocket.Conn
	userID string
	send   chan []byte
	// rooms is guarded by hub.mu.
	rooms map[string]bool
}

// hub tracks room membership and relays events between peers. It never touches list state; clients
// refetch on every event they receive.
type hub struct {
	state   *state
	logger  *slog.Logger
	metrics *metrics

	mu    sync.Mutex
	peers map[*peer]bool
	rooms map[string]map[*peer]bool
}

func newHub(st *state, logger *slog.Logger, m *metrics) *hub {
	return &hub{
		state:   st,
		logger:  logger,
		metrics: m,
		peers:   make(map[*peer]bool),
		rooms:   make(map[string]map[*peer]bool),
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (h *hub) serve(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade", "err", err)
		return
	}
	p := &peer{conn: conn, userID: userID, send: make(chan []byte, peerBuffer), rooms: make(map[string]bool)}
	h.register(p)

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.writeContinuously(p)
	}()

	conn.SetReadLimit(maxFrameSize)
	for {
		if err := h.readAndHandle(p); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("peer read stopped", "user", userID, "err", err)
			}
			break
		}
	}
	h.unregister(p)
	wg.Wait()
	_ = conn.Close()
}

func (h *hub) writeContinuously(p *peer) {
	for msg := range p.send {
		_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.logger.Debug("peer write failed", "user", p.userID, "err", err)
			_ = p.conn.Close()
			for range p.send {
			}
			return
		}
	}
	_ = p.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
}

func (h *hub) readAndHandle(p *peer) error {
	mt, raw, err := p.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	}
	if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
		return nil
	}
	var env realtime.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		h.logger.Warn("dropping malformed frame", "user", p.userID, "err", err)
		return nil
	}
	h.handle(p, env)
	return nil
}

func (h *hub) handle(p *peer, env realtime.Envelope) {
	switch env.Event {
	case realtime.EventJoinList, realtime.EventLeaveList:
		var listID string
		if err := json.Unmarshal(env.Data, &listID); err != nil {
			h.logger.Warn("dropping malformed room event", "event", env.Event, "err", err)
			return
		}
		if env.Event == realtime.EventJoinList {
			h.join(p, listID)
		} else {
			h.leave(p, listID)
		}
	case realtime.EventUpdateList:
		changes := realtime.Changes{}
		if err := json.Unmarshal(env.Data, &changes); err != nil {
			h.logger.Warn("dropping malformed update", "err", err)
			return
		}
		listID := changes.ListID()
		if !h.state.canView(p.userID, listID) {
			return
		}
		h.relay(p, realtime.EventListUpdated, env.Data, listID, "")
	case realtime.EventCollaboratorAdded, realtime.EventCollaboratorRemoved, realtime.EventPermissionChanged:
		var n realtime.Notice
		if err := json.Unmarshal(env.Data, &n); err != nil {
			h.logger.Warn("dropping malformed notice", "event", env.Event, "err", err)
			return
		}
		if !h.state.canView(p.userID, n.ListID) {
			return
		}
		h.relay(p, env.Event, env.Data, n.ListID, n.UserID)
	default:
		h.logger.Debug("ignoring unknown event", "event", env.Event)
	}
}

func (h *hub) register(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers[p] = true
	h.metrics.peers.Inc()
}

func (h *hub) unregister(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.peers[p] {
		return
	}
	delete(h.peers, p)
	for id := range p.rooms {
		h.leaveLocked(p, id)
	}
	close(p.send)
	h.metrics.peers.Dec()
}

func (h *hub) join(p *peer, listID string) {
	if !h.state.canView(p.userID, listID) {
		h.logger.Debug("refusing room join", "user", p.userID, "list", listID)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[listID] == nil {
		h.rooms[listID] = make(map[*peer]bool)
	}
	h.rooms[listID][p] = true
	p.rooms[listID] = true
}

func (h *hub) leave(p *peer, listID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(p, listID)
}

func (h *hub) leaveLocked(p *peer, listID string) {
	delete(p.rooms, listID)
	if room := h.rooms[listID]; room != nil {
		delete(room, p)
		if len(room) == 0 {
			delete(h.rooms, listID)
		}
	}
}

// relay sends the event to every member of the list's room that may still view the list and to every
// connection of userID, except the sender.
func (h *hub) relay(from *peer, event string, data json.RawMessage, listID, userID string) {
	raw, err := json.Marshal(realtime.Envelope{Event: event, Data: data})
	if err != nil {
		h.logger.Error("failed to encode event", "event", event, "err", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	targets := make(map[*peer]bool)
	for p := range h.rooms[listID] {
		if h.state.canView(p.userID, listID) {
			targets[p] = true
		}
	}
	if userID != "" {
		for p := range h.peers {
			if p.userID == userID {
				targets[p] = true
			}
		}
	}
	delete(targets, from)
	for p := range targets {
		select {
		case p.send <- raw:
		default:
			h.logger.Warn("peer too slow, dropping event", "user", p.userID, "event", event)
		}
	}
	h.metrics.relayed.WithLabelValues(event).Add(float64(len(targets)))
}

func (h *hub) roomSize(listID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[listID])
}

func (h *hub) close() {
	h.mu.Lock()
	peers := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()
	for _, p := range peers {
		_ = p.conn.Close()
	}
}
