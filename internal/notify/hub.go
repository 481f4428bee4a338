package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

const (
	sendQueueSize = 32
	writeTimeout  = 5 * time.Second
)

// Control frames a consumer may send.
const (
	ControlActive   = "active"
	ControlInactive = "inactive"
)

// Control is a frame sent by a consumer.
type Control struct {
	Type string `json:"type"`
}

type client struct {
	conn   *websocket.Conn
	send   chan Message
	active bool
}

// Hub is a websocket Notifier. Every connected client is a consumer; the
// consumer is active while any client last reported "active".
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	logger  *slog.Logger
	router  chi.Router
	server  *http.Server

	// inflight counts messages queued or being written.
	inflight atomic.Int64
}

// NewHub returns a hub with routes mounted but not listening.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	h := &Hub{
		clients: make(map[*client]struct{}),
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Get("/ws", h.handleWebSocket)
	r.Get("/healthz", h.handleHealth)
	h.router = r
	return h
}

// Handler returns the HTTP handler serving /ws and /healthz.
func (h *Hub) Handler() http.Handler {
	return h.router
}

// Serve accepts connections on ln until ctx is done.
func (h *Hub) Serve(ctx context.Context, ln net.Listener) error {
	h.server = &http.Server{
		Handler:           h.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- h.server.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		h.drain(shutdownCtx)
		h.closeAll()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// ListenAndServe listens on addr and serves until ctx is done.
func (h *Hub) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	h.logger.Info("notification hub listening", "addr", ln.Addr().String())
	return h.Serve(ctx, ln)
}

// Present implements Notifier.
func (h *Hub) Present() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) > 0
}

// Active implements Notifier.
func (h *Hub) Active() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.active {
			return true
		}
	}
	return false
}

// ClientCount returns the number of connected consumers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Notify implements Notifier. A client whose queue is full misses msg.
func (h *Hub) Notify(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		h.inflight.Add(1)
		select {
		case c.send <- msg:
		default:
			h.inflight.Add(-1)
			h.logger.Warn("notification dropped", "kind", msg.Kind)
		}
	}
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	c := &client{conn: conn, send: make(chan Message, sendQueueSize)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("consumer connected", "clients", n)

	ctx, cancel := context.WithCancel(r.Context())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writeLoop(ctx, c)
	}()
	h.readLoop(ctx, c)
	h.remove(c)
	cancel()
	<-done
	// Nothing sends to c after remove; unsent messages leave the count.
	h.inflight.Add(-int64(len(c.send)))
}

// readLoop applies control frames until the connection ends.
func (h *Hub) readLoop(ctx context.Context, c *client) {
	for {
		var ctl Control
		if err := wsjson.Read(ctx, c.conn, &ctl); err != nil {
			return
		}
		switch ctl.Type {
		case ControlActive:
			h.setActive(c, true)
		case ControlInactive:
			h.setActive(c, false)
		default:
			h.logger.Debug("unknown control frame", "type", ctl.Type)
		}
	}
}

func (h *Hub) writeLoop(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c.conn, msg)
			cancel()
			h.inflight.Add(-1)
			if err != nil {
				h.logger.Debug("notification write failed", "err", err)
				c.conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func (h *Hub) setActive(c *client, active bool) {
	h.mu.Lock()
	c.active = active
	h.mu.Unlock()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		c.conn.Close(websocket.StatusNormalClosure, "")
		h.logger.Info("consumer disconnected", "clients", n)
	}
}

// drain waits until every queued message has been written or ctx is done.
func (h *Hub) drain(ctx context.Context) {
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		if h.inflight.Load() <= 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.conn.CloseNow()
	}
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": h.ClientCount(),
		"active":  h.Active(),
	})
}
