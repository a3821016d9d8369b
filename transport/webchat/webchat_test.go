package webchat

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aupadhyay/smallbot/transport"
)

func dialTestClient(t *testing.T, tr *Transport, session string) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(tr.Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if session != "" {
		url += "?session=" + session
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// First frame announces the session id.
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, "session", f.Type)
	if session != "" {
		assert.Equal(t, session, f.SessionID)
	}
	return conn
}

func TestInboundChat(t *testing.T) {
	tr := New("127.0.0.1:0")
	conn := dialTestClient(t, tr, "abc")

	require.NoError(t, conn.WriteJSON(frame{Type: "chat", Text: "hello bot"}))

	select {
	case msg := <-tr.Receive():
		assert.Equal(t, "abc", msg.SessionID)
		assert.Equal(t, "hello bot", msg.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound message")
	}
}

func TestOutboundLifecycle(t *testing.T) {
	tr := New("127.0.0.1:0")
	conn := dialTestClient(t, tr, "abc")
	ctx := context.Background()

	id, err := tr.CreateMessage(ctx, "abc", "thinking…")
	require.NoError(t, err)

	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, "create", f.Type)
	assert.Equal(t, id, f.MessageID)
	assert.Equal(t, "thinking…", f.Text)

	require.NoError(t, tr.EditMessage(ctx, "abc", id, "done"))
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, "edit", f.Type)
	assert.Equal(t, "done", f.Text)

	require.NoError(t, tr.DeleteMessage(ctx, "abc", id))
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, "delete", f.Type)
	assert.Equal(t, id, f.MessageID)
}

func TestEditUnchanged(t *testing.T) {
	tr := New("127.0.0.1:0")
	ctx := context.Background()

	id, err := tr.CreateMessage(ctx, "abc", "same")
	require.NoError(t, err)

	assert.ErrorIs(t, tr.EditMessage(ctx, "abc", id, "same"), transport.ErrUnchanged)
}

func TestInboundStopsOnShutdown(t *testing.T) {
	tr := New("127.0.0.1:0")
	conn := dialTestClient(t, tr, "abc")

	// Nobody drains inbound, so the read loop ends up blocked forwarding
	// once the buffer fills.
	for i := 0; i < cap(tr.inbound)+4; i++ {
		require.NoError(t, conn.WriteJSON(frame{Type: "chat", Text: "queued"}))
	}

	tr.shutdown()

	// The read loop must abandon the blocked forward and close the socket
	// instead of sending on a dead channel.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f frame
	var err error
	for err == nil {
		err = conn.ReadJSON(&f)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		t.Fatal("connection still open after shutdown")
	}
}

func TestBroadcastScopedToSession(t *testing.T) {
	tr := New("127.0.0.1:0")
	connA := dialTestClient(t, tr, "a")
	connB := dialTestClient(t, tr, "b")
	ctx := context.Background()

	_, err := tr.CreateMessage(ctx, "a", "for a only")
	require.NoError(t, err)

	var f frame
	require.NoError(t, connA.ReadJSON(&f))
	assert.Equal(t, "for a only", f.Text)

	// connB sees nothing.
	connB.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	assert.Error(t, connB.ReadJSON(&f))
}
