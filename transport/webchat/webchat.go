// Package webchat is a local development transport: a websocket endpoint
// browsers connect to, with create/edit/delete rendered as JSON frames so a
// simple page can mirror the live view a production transport would show.
package webchat

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/aupadhyay/smallbot/logging"
	"github.com/aupadhyay/smallbot/transport"
)

const (
	maxMessageLen   = 4000
	minEditInterval = 250 * time.Millisecond

	writeTimeout = 10 * time.Second
)

// frame is the wire format in both directions. Outbound frames carry
// message lifecycle events; inbound frames carry user chat text.
type frame struct {
	Type      string `json:"type"` // "chat", "create", "edit", "delete", "typing"
	SessionID string `json:"session_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Active    bool   `json:"active,omitempty"`
}

// wsConn is one connected browser. Writes are serialized by mu since
// gorilla connections allow a single concurrent writer.
type wsConn struct {
	sessionID string
	conn      *websocket.Conn
	mu        sync.Mutex
}

func (c *wsConn) write(f frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(f)
}

// Transport serves the websocket endpoint and fans outbound frames to the
// connections attached to the target session.
type Transport struct {
	addr     string
	logger   logging.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    map[*wsConn]struct{}
	lastText map[string]string

	nextID    atomic.Int64
	inbound   chan transport.Message
	done      chan struct{}
	closeOnce sync.Once
}

var _ transport.Transport = (*Transport)(nil)

// Options configures the webchat transport.
type Options struct {
	Logger logging.Logger
}

// New builds a webchat transport listening on addr (host:port).
func New(addr string, optFns ...func(o *Options)) *Transport {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Transport{
		addr:   addr,
		logger: opts.Logger,
		upgrader: websocket.Upgrader{
			// Local development only: accept any origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns:    make(map[*wsConn]struct{}),
		lastText: make(map[string]string),
		inbound:  make(chan transport.Message, 16),
		done:     make(chan struct{}),
	}
}

func (t *Transport) Name() string { return "webchat" }

// Handler returns the HTTP handler serving the websocket endpoint at /ws,
// for embedding into an existing server.
func (t *Transport) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", t.handleWS)
	return mux
}

// Run serves the websocket endpoint until ctx is cancelled.
func (t *Transport) Run(ctx context.Context) error {
	server := &http.Server{Addr: t.addr, Handler: t.Handler()}

	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", t.addr, err)
	}
	t.logger.Info("webchat.listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		t.shutdown()
		return ctx.Err()
	case err := <-errCh:
		t.shutdown()
		return err
	}
}

// shutdown tells the read loops to stop forwarding inbound frames. The
// inbound channel itself is never closed: Shutdown does not wait for
// hijacked websocket connections, so their read loops can outlive Run and
// must not race a close.
func (t *Transport) shutdown() {
	t.closeOnce.Do(func() { close(t.done) })
}

// Receive returns the inbound message channel. It is never closed;
// consumers stop through their own context.
func (t *Transport) Receive() <-chan transport.Message { return t.inbound }

// handleWS upgrades the connection and pumps inbound chat frames. The
// session id comes from the "session" query parameter so a reconnecting
// browser keeps its conversation; absent, a fresh one is assigned.
func (t *Transport) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn("webchat.upgrade.failed", "error", err.Error())
		return
	}

	c := &wsConn{sessionID: sessionID, conn: ws}
	t.mu.Lock()
	t.conns[c] = struct{}{}
	t.mu.Unlock()

	// Tell the client its session id so it can reconnect to it.
	_ = c.write(frame{Type: "session", SessionID: sessionID})

	t.logger.Info("webchat.connected", "session_id", sessionID)

	defer func() {
		t.mu.Lock()
		delete(t.conns, c)
		t.mu.Unlock()
		ws.Close()
		t.logger.Info("webchat.disconnected", "session_id", sessionID)
	}()

	for {
		var f frame
		if err := ws.ReadJSON(&f); err != nil {
			return
		}
		if f.Type != "chat" || f.Text == "" {
			continue
		}
		select {
		case t.inbound <- transport.Message{
			SessionID: sessionID,
			Sender:    sessionID,
			Text:      f.Text,
			Received:  time.Now(),
		}:
		case <-t.done:
			return
		}
	}
}

func (t *Transport) CreateMessage(ctx context.Context, sessionID, text string) (string, error) {
	id := fmt.Sprintf("m%d", t.nextID.Add(1))
	t.broadcast(sessionID, frame{Type: "create", MessageID: id, Text: text})

	t.mu.Lock()
	t.lastText[id] = text
	t.mu.Unlock()
	return id, nil
}

func (t *Transport) EditMessage(ctx context.Context, sessionID, messageID, text string) error {
	t.mu.Lock()
	if t.lastText[messageID] == text {
		t.mu.Unlock()
		return transport.ErrUnchanged
	}
	t.lastText[messageID] = text
	t.mu.Unlock()

	t.broadcast(sessionID, frame{Type: "edit", MessageID: messageID, Text: text})
	return nil
}

func (t *Transport) SendMessage(ctx context.Context, sessionID, text string) (string, error) {
	return t.CreateMessage(ctx, sessionID, text)
}

func (t *Transport) DeleteMessage(ctx context.Context, sessionID, messageID string) error {
	t.mu.Lock()
	delete(t.lastText, messageID)
	t.mu.Unlock()

	t.broadcast(sessionID, frame{Type: "delete", MessageID: messageID})
	return nil
}

func (t *Transport) Typing(ctx context.Context, sessionID string, active bool) error {
	t.broadcast(sessionID, frame{Type: "typing", Active: active})
	return nil
}

func (t *Transport) Limits() transport.Limits {
	return transport.Limits{
		MaxMessageLen:   maxMessageLen,
		MinEditInterval: minEditInterval,
	}
}

// broadcast delivers a frame to every connection on the session. Write
// failures drop silently; the read loop notices the dead connection.
func (t *Transport) broadcast(sessionID string, f frame) {
	t.mu.Lock()
	targets := make([]*wsConn, 0, len(t.conns))
	for c := range t.conns {
		if c.sessionID == sessionID {
			targets = append(targets, c)
		}
	}
	t.mu.Unlock()

	for _, c := range targets {
		if err := c.write(f); err != nil {
			t.logger.Debug("webchat.write.failed", "session_id", sessionID, "error", err.Error())
		}
	}
}
