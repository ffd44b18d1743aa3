// Package live pushes shape log advances to websocket clients so they can
// fetch new changes without holding a long poll open.
package live

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"github.com/janovincze/shapesync/internal/changelog"
	"github.com/janovincze/shapesync/internal/metrics"
	"github.com/janovincze/shapesync/internal/shape"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Event types.
const (
	EventConnected = "connected"
	EventAdvance   = "advance"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
	sendBuffer   = 16
)

// ErrClosed is returned by ServeWS after Close.
var ErrClosed = errors.New("live: hub closed")

// Event tells a client that a table's log moved.
type Event struct {
	Type      string       `json:"type"`
	Table     string       `json:"table"`
	Handle    string       `json:"handle"`
	Offset    shape.Offset `json:"offset"`
	Timestamp time.Time    `json:"timestamp"`
}

// HeadReader reads a table's log position. *changelog.Store implements it.
type HeadReader interface {
	Handle(ctx context.Context, table string) (changelog.HandleInfo, error)
	Head(ctx context.Context, table string) (shape.Offset, error)
}

// Notifier signals log advances. *changelog.Broadcaster implements it.
type Notifier interface {
	Changed(table string) <-chan struct{}
}

type client struct {
	conn  *websocket.Conn
	table string
	send  chan []byte
	once  sync.Once
	done  chan struct{}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// Hub fans log advances out to websocket subscribers. One watcher goroutine
// runs per table while it has subscribers.
type Hub struct {
	log      HeadReader
	notifier Notifier
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu       sync.Mutex
	clients  map[string]map[*client]struct{}
	watchers map[string]context.CancelFunc
	closed   bool
}

// NewHub creates a Hub. An empty origins list, or one containing "*",
// accepts any origin.
func NewHub(log HeadReader, notifier Notifier, origins []string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		log:      log,
		notifier: notifier,
		logger:   logger.With("component", "live-hub"),
		clients:  make(map[string]map[*client]struct{}),
		watchers: make(map[string]context.CancelFunc),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin(origins),
	}
	return h
}

func checkOrigin(origins []string) func(*http.Request) bool {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		if len(allowed) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}

// Clients returns the number of connected clients for table.
func (h *Hub) Clients(table string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[table])
}

// ServeWS upgrades the request and subscribes the connection to table. The
// connection is served in the background.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, table string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &client{conn: conn, table: table, send: make(chan []byte, sendBuffer), done: make(chan struct{})}
	if err := h.subscribe(c); err != nil {
		_ = conn.Close()
		return err
	}

	if ev, err := h.current(r.Context(), table, EventConnected); err == nil {
		h.deliver(c, ev)
	} else {
		h.logger.Warn("failed to read log position", "table", table, "error", err)
	}

	go h.writePump(c)
	go h.readPump(c)
	return nil
}

func (h *Hub) subscribe(c *client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}

	if h.clients[c.table] == nil {
		h.clients[c.table] = make(map[*client]struct{})
	}
	h.clients[c.table][c] = struct{}{}
	metrics.LiveConnections.WithLabelValues(c.table).Inc()

	if _, ok := h.watchers[c.table]; !ok {
		ctx, cancel := context.WithCancel(context.Background())
		h.watchers[c.table] = cancel
		// The first wait channel is taken before the client sees its
		// connected event so no advance after it is missed.
		go h.watch(ctx, c.table, h.notifier.Changed(c.table))
	}
	h.logger.Debug("client subscribed", "table", c.table)
	return nil
}

func (h *Hub) unsubscribe(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.clients[c.table]
	if !ok {
		return
	}
	if _, ok := conns[c]; !ok {
		return
	}
	delete(conns, c)
	metrics.LiveConnections.WithLabelValues(c.table).Dec()
	c.close()

	if len(conns) == 0 {
		delete(h.clients, c.table)
		if cancel, ok := h.watchers[c.table]; ok {
			cancel()
			delete(h.watchers, c.table)
		}
	}
	h.logger.Debug("client unsubscribed", "table", c.table)
}

func (h *Hub) watch(ctx context.Context, table string, changed <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-changed:
		}
		changed = h.notifier.Changed(table)

		ev, err := h.current(ctx, table, EventAdvance)
		if err != nil {
			if ctx.Err() == nil {
				h.logger.Warn("failed to read log position", "table", table, "error", err)
			}
			continue
		}
		h.broadcast(table, ev)
	}
}

func (h *Hub) current(ctx context.Context, table, typ string) (Event, error) {
	info, err := h.log.Handle(ctx, table)
	if err != nil {
		return Event{}, err
	}
	head, err := h.log.Head(ctx, table)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: typ, Table: table, Handle: info.Handle, Offset: head, Timestamp: time.Now()}, nil
}

func (h *Hub) broadcast(table string, ev Event) {
	h.mu.Lock()
	conns := make([]*client, 0, len(h.clients[table]))
	for c := range h.clients[table] {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		h.deliver(c, ev)
	}
}

// deliver queues ev for c. A client that cannot keep up is dropped.
func (h *Hub) deliver(c *client, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to marshal live event", "error", err)
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		h.logger.Debug("dropping slow client", "table", c.table)
		h.unsubscribe(c)
	}
}

// writePump owns every write on the connection.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		h.unsubscribe(c)
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("failed to send message", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client frames and detects dead connections.
func (h *Hub) readPump(c *client) {
	defer h.unsubscribe(c)

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Close disconnects every client and stops all watchers.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*client
	for _, conns := range h.clients {
		for c := range conns {
			all = append(all, c)
		}
	}
	h.mu.Unlock()

	for _, c := range all {
		h.unsubscribe(c)
	}
}
