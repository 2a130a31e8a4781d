// Package gateway upgrades HTTP requests to WebSocket connections and pumps
// frames from a connection's hub mailbox to the client.
package gateway

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/btouchard/courier/internal/hub"
)

// AnonymousUserID is the owner of connections opened without a user_id.
var AnonymousUserID = uuid.Nil.String()

const maxMessageSize = 64 * 1024

// Options configures a Gateway. Zero durations take the defaults below.
type Options struct {
	AllowAnonymous bool
	AllowedOrigins []string
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MailboxSize    int
}

func (o *Options) setDefaults() {
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 2 * o.PingInterval
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.MailboxSize <= 0 {
		o.MailboxSize = hub.DefaultMailboxSize
	}
}

// Gateway is the http.Handler behind /ws.
type Gateway struct {
	registry *hub.Registry
	opts     Options
	upgrader websocket.Upgrader
	logger   *slog.Logger

	// mu orders wg.Add against Close so Wait never races a new connection.
	mu      sync.Mutex
	closing chan struct{}
	closed  bool
	wg      sync.WaitGroup
}

// New creates a Gateway registering its connections in registry.
func New(registry *hub.Registry, opts Options, logger *slog.Logger) *Gateway {
	opts.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		registry: registry,
		opts:     opts,
		upgrader: makeUpgrader(opts.AllowedOrigins),
		logger:   logger.With("component", "gateway"),
		closing:  make(chan struct{}),
	}
}

// makeUpgrader creates a WebSocket upgrader with origin checking.
// An empty allow-list, or a single "*", accepts every origin.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// ServeHTTP accepts a connection for the user_id query parameter and,
// when request_id is given, subscribes it to that request's progress.
// It returns once the connection is gone.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	requestID := r.URL.Query().Get("request_id")

	if userID == "" {
		if !g.opts.AllowAnonymous {
			http.Error(w, "user_id is required", http.StatusUnauthorized)
			return
		}
		userID = AnonymousUserID
	}

	if !g.track() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer g.wg.Done()

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		g.logger.Debug("upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	id := uuid.NewString()
	mailbox := hub.NewMailbox(g.opts.MailboxSize)
	if err := g.registry.Register(id, userID, mailbox); err != nil {
		g.logger.Error("registering connection", "conn_id", id, "error", err)
		_ = conn.Close()
		return
	}
	defer g.registry.Unregister(id)

	if requestID != "" {
		if err := g.registry.BindToRequest(id, requestID); err != nil {
			g.logger.Warn("binding connection to request",
				"conn_id", id,
				"request_id", requestID,
				"error", err)
		}
	}

	g.logger.Info("client connected",
		"conn_id", id,
		"user_id", userID,
		"request_id", requestID,
		"remote_addr", r.RemoteAddr)

	g.serve(conn, id, mailbox)

	g.logger.Info("client disconnected", "conn_id", id, "user_id", userID)
}

// serve runs the read pump in its own goroutine and the write pump inline.
func (g *Gateway) serve(conn *websocket.Conn, id string, mailbox *hub.Mailbox) {
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		g.readPump(conn, id)
	}()

	g.writePump(conn, id, mailbox, readDone)

	_ = conn.Close()
	<-readDone
}

// readPump drains inbound frames. Client text frames carry no protocol
// and are ignored; pings and pongs keep the read deadline alive.
func (g *Gateway) readPump(conn *websocket.Conn, id string) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(g.opts.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(g.opts.PongTimeout))
	})
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(g.opts.PongTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(g.opts.WriteTimeout))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				g.logger.Warn("read error", "conn_id", id, "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(g.opts.PongTimeout))

		g.logger.Debug("ignoring client frame",
			"conn_id", id,
			"type", msgType,
			"size", len(data))
	}
}

// writePump writes mailbox frames verbatim and sends keepalive pings.
func (g *Gateway) writePump(conn *websocket.Conn, id string, mailbox *hub.Mailbox, readDone <-chan struct{}) {
	ticker := time.NewTicker(g.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-readDone:
			return

		case <-g.closing:
			g.writeClose(conn, websocket.CloseGoingAway, "server shutting down")
			return

		case msg, ok := <-mailbox.Messages():
			if !ok {
				g.writeClose(conn, websocket.CloseNormalClosure, "")
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(g.opts.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				g.logger.Debug("write failed", "conn_id", id, "error", err)
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(g.opts.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				g.logger.Debug("ping failed", "conn_id", id, "error", err)
				return
			}
		}
	}
}

func (g *Gateway) writeClose(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(g.opts.WriteTimeout))
}

// Close sends a going-away close frame to every connection and waits for
// their pumps to exit. New upgrades are refused afterwards.
func (g *Gateway) Close() {
	g.mu.Lock()
	if !g.closed {
		g.closed = true
		close(g.closing)
	}
	g.mu.Unlock()
	g.wg.Wait()
}

// track counts a new connection unless the gateway is closing.
func (g *Gateway) track() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.wg.Add(1)
	return true
}
