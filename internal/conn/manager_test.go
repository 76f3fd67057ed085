package conn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nightdesk/syncd/internal/protocol"
)

type staticCreds string

func (c staticCreds) Credential(context.Context) (string, error) {
	return string(c), nil
}

// recordingHandler captures lifecycle callbacks on buffered channels.
type recordingHandler struct {
	connected    chan struct{}
	disconnected chan struct{}
	lost         chan error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		connected:    make(chan struct{}, 64),
		disconnected: make(chan struct{}, 64),
		lost:         make(chan error, 64),
	}
}

func (h *recordingHandler) OnConnected()               { h.connected <- struct{}{} }
func (h *recordingHandler) OnDisconnected()            { h.disconnected <- struct{}{} }
func (h *recordingHandler) OnConnectionLost(err error) { h.lost <- err }

// gateway is a scripted websocket endpoint that performs the auth
// handshake and then runs fn with the server side of the connection.
type gateway struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newGateway(t *testing.T, acceptToken string, fn func(ws *websocket.Conn)) *gateway {
	t.Helper()
	return newGatewayWithGate(t, acceptToken, nil, fn)
}

// newGatewayWithGate is newGateway with the auth verdict held back until
// authGate closes, keeping the client mid-handshake for as long as a test
// needs.
func newGatewayWithGate(t *testing.T, acceptToken string, authGate <-chan struct{}, fn func(ws *websocket.Conn)) *gateway {
	t.Helper()
	g := &gateway{}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := g.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		g.mu.Lock()
		g.conns = append(g.conns, ws)
		g.mu.Unlock()

		var auth protocol.Message
		if err := ws.ReadJSON(&auth); err != nil {
			return
		}
		if auth.Type != protocol.CommandAuthenticate {
			return
		}
		var payload protocol.AuthenticatePayload
		if err := auth.ParsePayload(&payload); err != nil {
			return
		}

		greeting, _ := protocol.NewMessage(protocol.EventConnected, nil)
		_ = ws.WriteJSON(greeting)

		if authGate != nil {
			<-authGate
		}

		if payload.Token != acceptToken {
			reject, _ := protocol.NewMessage(protocol.EventAuthError, protocol.AuthErrorPayload{Reason: "bad token"})
			_ = ws.WriteJSON(reject)
			_ = ws.Close()
			return
		}

		accept, _ := protocol.NewMessage(protocol.EventAuthenticated, protocol.AuthenticatedPayload{UserID: "u1"})
		_ = ws.WriteJSON(accept)

		if fn != nil {
			fn(ws)
		}
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *gateway) url() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

func testOptions(url string) Options {
	return Options{
		URL:               url,
		HandshakeTimeout:  2 * time.Second,
		HeartbeatInterval: time.Minute,
		PongTimeout:       time.Minute,
		ReconnectBase:     10 * time.Millisecond,
		ReconnectMax:      50 * time.Millisecond,
		ReconnectAttempts: 3,
	}
}

func TestConnectRunsAuthHandshake(t *testing.T) {
	g := newGateway(t, "secret", func(ws *websocket.Conn) {
		// Hold the connection open until the test ends.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})
	handler := newRecordingHandler()
	m := NewManager(testOptions(g.url()), staticCreds("secret"), handler, zerolog.Nop())
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, "u1", m.UserID())

	select {
	case <-handler.connected:
	case <-time.After(time.Second):
		t.Fatal("OnConnected never fired")
	}
}

func TestConnectRejectedCredential(t *testing.T) {
	g := newGateway(t, "secret", nil)
	handler := newRecordingHandler()
	m := NewManager(testOptions(g.url()), staticCreds("wrong"), handler, zerolog.Nop())
	defer m.Close()

	err := m.Connect(context.Background())
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "bad token", authErr.Reason)
	assert.Equal(t, StateDisconnected, m.State())
}

func TestConnectEmptyCredential(t *testing.T) {
	g := newGateway(t, "secret", nil)
	m := NewManager(testOptions(g.url()), staticCreds(""), newRecordingHandler(), zerolog.Nop())
	defer m.Close()

	var authErr *AuthError
	assert.ErrorAs(t, m.Connect(context.Background()), &authErr)
}

func TestConnectIsIdempotentWhileConnected(t *testing.T) {
	g := newGateway(t, "secret", func(ws *websocket.Conn) {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})
	m := NewManager(testOptions(g.url()), staticCreds("secret"), newRecordingHandler(), zerolog.Nop())
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Connect(context.Background()))

	g.mu.Lock()
	dials := len(g.conns)
	g.mu.Unlock()
	assert.Equal(t, 1, dials, "second Connect must reuse the live connection")
}

func TestSendFailsWhenDisconnected(t *testing.T) {
	m := NewManager(testOptions("ws://127.0.0.1:0"), staticCreds("secret"), newRecordingHandler(), zerolog.Nop())
	defer m.Close()

	err := m.Send(protocol.CommandTypingStart, protocol.TypingCommandPayload{ConversationID: "c1"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSendDeliversFrameWhenConnected(t *testing.T) {
	received := make(chan protocol.Message, 8)
	g := newGateway(t, "secret", func(ws *websocket.Conn) {
		for {
			var msg protocol.Message
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
			received <- msg
		}
	})
	m := NewManager(testOptions(g.url()), staticCreds("secret"), newRecordingHandler(), zerolog.Nop())
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Send(protocol.CommandJoinConversation, protocol.JoinConversationPayload{ConversationID: "c1"}))

	select {
	case msg := <-received:
		assert.Equal(t, protocol.CommandJoinConversation, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("frame never reached the gateway")
	}
}

func TestSendWhileAuthenticatingIsBufferedAndReplayed(t *testing.T) {
	authGate := make(chan struct{})
	received := make(chan protocol.Message, 8)
	g := newGatewayWithGate(t, "secret", authGate, func(ws *websocket.Conn) {
		for {
			var msg protocol.Message
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
			received <- msg
		}
	})
	m := NewManager(testOptions(g.url()), staticCreds("secret"), newRecordingHandler(), zerolog.Nop())
	defer m.Close()

	done := make(chan error, 1)
	go func() { done <- m.Connect(context.Background()) }()

	require.Eventually(t, func() bool {
		return m.State() == StateAuthenticating
	}, 2*time.Second, 5*time.Millisecond, "handshake never reached the auth phase")

	// Mid-handshake the frame must queue, not fail or hit the wire early.
	require.NoError(t, m.Send(protocol.CommandJoinConversation, protocol.JoinConversationPayload{ConversationID: "c1"}))

	close(authGate)
	require.NoError(t, <-done)

	select {
	case msg := <-received:
		assert.Equal(t, protocol.CommandJoinConversation, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("buffered frame never flushed after the handshake")
	}
}

func TestInboundFramesAreDelivered(t *testing.T) {
	g := newGateway(t, "secret", func(ws *websocket.Conn) {
		push, _ := protocol.NewMessage(protocol.EventUserOnline, protocol.PresencePayload{UserID: "u2"})
		_ = ws.WriteJSON(push)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})
	m := NewManager(testOptions(g.url()), staticCreds("secret"), newRecordingHandler(), zerolog.Nop())
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))

	select {
	case msg := <-m.Frames():
		assert.Equal(t, protocol.EventUserOnline, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("pushed frame never delivered")
	}
}

func TestDropTriggersReconnect(t *testing.T) {
	var dials sync.Map
	g := newGateway(t, "secret", func(ws *websocket.Conn) {
		if _, loaded := dials.LoadOrStore("first", true); !loaded {
			// First session: hang up immediately to simulate a drop.
			_ = ws.Close()
			return
		}
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})
	handler := newRecordingHandler()
	m := NewManager(testOptions(g.url()), staticCreds("secret"), handler, zerolog.Nop())
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))
	<-handler.connected

	select {
	case <-handler.disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("drop never surfaced")
	}

	select {
	case <-handler.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect never completed")
	}
	require.Eventually(t, func() bool {
		return m.State() == StateConnected && !m.Reconnecting()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSilenceBeyondPongTimeoutTriggersReconnect(t *testing.T) {
	var sessions atomic.Int32
	g := newGateway(t, "secret", func(ws *websocket.Conn) {
		if sessions.Add(1) == 1 {
			// First session goes mute after the handshake; the client has
			// to notice on its own, nobody closes the socket for it.
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}
		// Later sessions chatter so the liveness deadline keeps resetting.
		go func() {
			for {
				push, _ := protocol.NewMessage(protocol.EventUserOnline, protocol.PresencePayload{UserID: "u2"})
				if err := ws.WriteJSON(push); err != nil {
					return
				}
				time.Sleep(50 * time.Millisecond)
			}
		}()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})
	handler := newRecordingHandler()
	opts := testOptions(g.url())
	opts.PongTimeout = 150 * time.Millisecond
	m := NewManager(opts, staticCreds("secret"), handler, zerolog.Nop())
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))
	<-handler.connected

	select {
	case <-handler.disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("silent peer never detected")
	}

	select {
	case <-handler.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect never completed")
	}
	require.Eventually(t, func() bool {
		return m.State() == StateConnected && !m.Reconnecting()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnectDuringReconnectWaitsForOutcome(t *testing.T) {
	var first atomic.Bool
	g := newGateway(t, "secret", func(ws *websocket.Conn) {
		if first.CompareAndSwap(false, true) {
			_ = ws.Close()
			return
		}
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})
	handler := newRecordingHandler()
	opts := testOptions(g.url())
	// A long backoff keeps the reconnection in its wait phase while the
	// manual Connect lands.
	opts.ReconnectBase = 200 * time.Millisecond
	opts.ReconnectMax = 200 * time.Millisecond
	m := NewManager(opts, staticCreds("secret"), handler, zerolog.Nop())
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))
	<-handler.connected
	<-handler.disconnected

	// Connect during the in-flight reconnection must join its outcome
	// instead of racing it with a second dial.
	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, StateConnected, m.State())

	g.mu.Lock()
	dials := len(g.conns)
	g.mu.Unlock()
	assert.Equal(t, 2, dials, "manual Connect must not open a competing transport")
}

func TestReconnectCeilingSurfacesConnectionLost(t *testing.T) {
	g := newGateway(t, "secret", func(ws *websocket.Conn) {
		_ = ws.Close()
	})
	handler := newRecordingHandler()
	opts := testOptions(g.url())
	opts.ReconnectAttempts = 2
	m := NewManager(opts, staticCreds("secret"), handler, zerolog.Nop())
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))
	<-handler.connected

	// Kill the gateway so every retry fails at the dial.
	g.srv.Close()

	select {
	case err := <-handler.lost:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("connection-lost never surfaced")
	}
	assert.Equal(t, StateDisconnected, m.State())
}

func TestDisconnectIsFinal(t *testing.T) {
	g := newGateway(t, "secret", func(ws *websocket.Conn) {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})
	handler := newRecordingHandler()
	m := NewManager(testOptions(g.url()), staticCreds("secret"), handler, zerolog.Nop())
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))
	<-handler.connected

	m.Disconnect()
	assert.Equal(t, StateDisconnected, m.State())

	select {
	case <-handler.disconnected:
	case <-time.After(time.Second):
		t.Fatal("OnDisconnected never fired")
	}

	// An intentional close never reconnects.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateDisconnected, m.State())
	assert.False(t, m.Reconnecting())
}
