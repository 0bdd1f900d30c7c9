// Package hub carries participant sessions over websockets. Each connection
// is one session: inbound {"event","data"} requests are dispatched to the
// conference service one at a time, in arrival order, and answered on the
// same connection. Room events are fanned out to every session that joined
// the room.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zsiec/sofa/internal/failure"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 << 10

	// sendBuffer is the number of outbound messages queued per session
	// before it is considered too slow and disconnected.
	sendBuffer = 256

	// requestBuffer is the number of inbound requests a session may have
	// waiting behind the one being dispatched before reads stop.
	requestBuffer = 64
)

// Service is what a session drives.
type Service interface {
	Connect(sessionID string)
	Dispatch(ctx context.Context, sessionID, event string, payload []byte) (any, error)
	Disconnect(ctx context.Context, sessionID string)
}

// Request is an inbound message. ID, when set, is echoed in the reply.
type Request struct {
	Event string          `json:"event"`
	ID    uint64          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data"`
}

// Result is the outcome of one request, over the websocket or the REST
// API.
type Result struct {
	OK     bool   `json:"ok"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
	Status int    `json:"status,omitempty"`
}

// ResultOf builds the result for an operation's return values.
func ResultOf(data any, err error) Result {
	if err != nil {
		return Result{Error: failure.Message(err), Status: failure.Status(err)}
	}
	return Result{OK: true, Data: data}
}

// Reply answers a Request.
type Reply struct {
	Event string `json:"event"`
	ID    uint64 `json:"id,omitempty"`
	Result
}

// Message is a server-initiated event.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Hub tracks live sessions and room membership. It implements the
// conference broadcaster.
type Hub struct {
	log      *slog.Logger
	svc      Service
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*conn
	rooms map[string]map[string]*conn

	dropped atomic.Int64
	wg      sync.WaitGroup
}

// New creates a hub. SetService must be called before ServeHTTP.
func New(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log: log.With("component", "hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// SECURITY: CheckOrigin accepts all origins. Deployments behind
			// a reverse proxy should enforce origin checks at the proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[string]*conn),
		rooms: make(map[string]map[string]*conn),
	}
}

// SetService sets the service requests are dispatched to. The service is
// built with the hub as its broadcaster, hence the two-step wiring.
func (h *Hub) SetService(svc Service) { h.svc = svc }

// Join adds a session to a room's fan-out set.
func (h *Hub) Join(sessionID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[sessionID]
	if !ok {
		return
	}
	members := h.rooms[roomID]
	if members == nil {
		members = make(map[string]*conn)
		h.rooms[roomID] = members
	}
	members[sessionID] = c
}

// Leave removes a session from a room's fan-out set.
func (h *Hub) Leave(sessionID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.rooms[roomID]
	delete(members, sessionID)
	if len(members) == 0 {
		delete(h.rooms, roomID)
	}
}

// Broadcast queues topic for every session in roomID except except. It
// never blocks: a session whose queue is full is disconnected.
func (h *Hub) Broadcast(roomID, except, topic string, payload any) {
	b, err := json.Marshal(Message{Event: topic, Data: payload})
	if err != nil {
		h.log.Error("encode broadcast", "topic", topic, "error", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, c := range h.rooms[roomID] {
		if id == except {
			continue
		}
		if !c.trySend(b) {
			h.dropped.Add(1)
			h.log.Warn("session too slow, disconnecting", "session", id, "room", roomID, "topic", topic)
			c.kill()
		}
	}
}

// members returns the ids of the sessions in roomID.
func (h *Hub) members(roomID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.rooms[roomID]))
	for id := range h.rooms[roomID] {
		out = append(out, id)
	}
	return out
}

// Len returns the number of live sessions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Dropped returns how many broadcasts were not delivered to slow sessions.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// ServeHTTP upgrades the request and runs the session until the
// connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := newConn(uuid.NewString(), ws)
	h.wg.Add(1)
	defer h.wg.Done()

	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	h.svc.Connect(c.id)
	h.log.Info("session connected", "session", c.id, "remote", r.RemoteAddr)

	go c.writePump()
	c.queue(Message{Event: "connect", Data: map[string]string{"id": c.id}})

	reqs := make(chan Request, requestBuffer)
	served := make(chan struct{})
	go func() {
		defer close(served)
		h.serve(c, reqs)
	}()
	h.readPump(c, reqs)
	close(reqs)
	<-served

	h.svc.Disconnect(context.Background(), c.id)
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
	c.kill()
	h.log.Info("session closed", "session", c.id)
}

func (h *Hub) readPump(c *conn, reqs chan<- Request) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("websocket read", "session", c.id, "error", err)
			}
			return
		}
		var req Request
		if err := json.Unmarshal(raw, &req); err != nil || req.Event == "" {
			c.queue(Reply{Event: "error", Result: ResultOf(nil, failure.Validation("malformed request"))})
			continue
		}
		select {
		case reqs <- req:
		case <-c.done:
			return
		}
	}
}

// serve dispatches a session's requests strictly in the order they arrived.
func (h *Hub) serve(c *conn, reqs <-chan Request) {
	for req := range reqs {
		if c.closed() {
			continue
		}
		data, err := h.svc.Dispatch(context.Background(), c.id, req.Event, req.Data)
		if err != nil {
			h.log.Debug("request failed", "session", c.id, "event", req.Event, "error", err)
		}
		c.queue(Reply{Event: req.Event, ID: req.ID, Result: ResultOf(data, err)})
	}
}

// Close disconnects every session and waits for their teardown.
func (h *Hub) Close() {
	h.mu.RLock()
	for _, c := range h.conns {
		c.kill()
	}
	h.mu.RUnlock()
	h.wg.Wait()
}

type conn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte

	once sync.Once
	done chan struct{}
}

func newConn(id string, ws *websocket.Conn) *conn {
	return &conn{
		id:   id,
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

func (c *conn) trySend(b []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

func (c *conn) queue(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		slog.Error("encode message", "session", c.id, "error", err)
		return
	}
	if !c.trySend(b) {
		c.kill()
	}
}

func (c *conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// kill closes the connection, which ends both pumps.
func (c *conn) kill() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case b := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				c.kill()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.kill()
				return
			}
		case <-c.done:
			return
		}
	}
}
