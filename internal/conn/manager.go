// Package conn owns the persistent duplex connection to the realtime
// gateway: the connect/auth state machine, heartbeat, and reconnection
// with bounded exponential backoff.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/nightdesk/syncd/internal/protocol"
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// CredentialProvider supplies the bearer token used at connect time.
type CredentialProvider interface {
	Credential(ctx context.Context) (string, error)
}

// Handler is called on connection lifecycle events.
type Handler interface {
	// OnConnected fires on every transition into Connected, including
	// reconnects. Subscription replay hangs off this.
	OnConnected()
	// OnDisconnected fires when the connection drops or is closed.
	OnDisconnected()
	// OnConnectionLost fires when the reconnection attempt ceiling is
	// exceeded or reconnection hits a fatal auth failure. The manager is
	// idle afterward; callers may Connect again manually.
	OnConnectionLost(err error)
}

// Options configures the manager.
type Options struct {
	URL               string
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int
}

const writeWait = 10 * time.Second

// Manager owns the single websocket connection. All rooms multiplex over
// it; nothing else in the process opens a transport.
type Manager struct {
	opts    Options
	log     zerolog.Logger
	creds   CredentialProvider
	handler Handler
	dialer  *websocket.Dialer

	runCtx context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	state        State
	conn         *websocket.Conn
	userID       string
	gen          int
	intentional  bool
	reconnecting bool
	buffer       []*protocol.Message
	pending      *pendingConnect

	// wmu serializes frame writes; gorilla allows one writer at a time.
	wmu sync.Mutex

	frames chan *protocol.Message
}

// pendingConnect lets concurrent Connect calls share one outcome.
type pendingConnect struct {
	done chan struct{}
	err  error
}

// NewManager creates a manager. Nothing is dialed until Connect.
func NewManager(opts Options, creds CredentialProvider, handler Handler, log zerolog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:    opts,
		log:     log.With().Str("component", "conn").Logger(),
		creds:   creds,
		handler: handler,
		dialer: &websocket.Dialer{
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		runCtx: ctx,
		cancel: cancel,
		frames: make(chan *protocol.Message, 256),
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// UserID returns the authenticated user id, empty before the first
// successful handshake.
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// Reconnecting reports whether a backoff reconnection is in progress.
func (m *Manager) Reconnecting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnecting
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Frames returns the channel of inbound frames.
func (m *Manager) Frames() <-chan *protocol.Message {
	return m.frames
}

// Connect opens the transport and runs the auth handshake. It is
// idempotent: while a connect or reconnect is in progress it waits for
// that outcome instead of opening a second transport.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	// A reconnection counts as in progress even in the instant between a
	// failed attempt and the next backoff wait, when the state briefly
	// reads Disconnected; joining its outcome prevents a competing dial.
	if m.state == StateConnecting || m.state == StateAuthenticating || m.reconnecting {
		p := m.pending
		m.mu.Unlock()
		if p == nil {
			return nil
		}
		select {
		case <-p.done:
			return p.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p := &pendingConnect{done: make(chan struct{})}
	m.pending = p
	m.state = StateConnecting
	m.intentional = false
	m.mu.Unlock()

	err := m.establish(ctx)
	m.resolvePending(p, err)
	return err
}

// resolvePending publishes the connect outcome to all waiters.
func (m *Manager) resolvePending(p *pendingConnect, err error) {
	m.mu.Lock()
	if m.pending == p {
		m.pending = nil
	}
	m.mu.Unlock()
	p.err = err
	close(p.done)
}

// establish dials, authenticates, and promotes the connection to
// Connected. On failure the state is rolled back to Disconnected.
func (m *Manager) establish(ctx context.Context) error {
	token, err := m.creds.Credential(ctx)
	if err != nil || token == "" {
		m.setState(StateDisconnected)
		return &AuthError{Reason: "no credential available"}
	}

	m.log.Debug().Str("url", m.opts.URL).Msg("connecting")

	ws, _, err := m.dialer.DialContext(ctx, m.opts.URL, nil)
	if err != nil {
		m.setState(StateDisconnected)
		return &TransportError{Err: err}
	}

	m.setState(StateAuthenticating)

	if err := m.authenticate(ws, token); err != nil {
		_ = ws.Close()
		m.setState(StateDisconnected)
		return err
	}

	m.mu.Lock()
	m.conn = ws
	m.state = StateConnected
	m.gen++
	gen := m.gen
	buffered := m.buffer
	m.buffer = nil
	m.mu.Unlock()

	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(m.opts.PongTimeout))
	})
	_ = ws.SetReadDeadline(time.Now().Add(m.opts.PongTimeout))

	// Replay frames issued while the handshake was in flight.
	for _, msg := range buffered {
		if err := m.writeFrame(ws, msg); err != nil {
			m.log.Warn().Err(err).Str("type", msg.Type).Msg("failed to replay buffered frame")
			break
		}
	}

	m.log.Info().Msg("connected")
	m.handler.OnConnected()

	go m.readLoop(ws, gen)
	go m.heartbeatLoop(ws, gen)

	return nil
}

// authenticate runs the handshake: send the credential, wait for the
// gateway's verdict within the handshake budget.
func (m *Manager) authenticate(ws *websocket.Conn, token string) error {
	auth, err := protocol.NewMessage(protocol.CommandAuthenticate, protocol.AuthenticatePayload{Token: token})
	if err != nil {
		return err
	}
	if err := m.writeFrame(ws, auth); err != nil {
		return &TransportError{Err: err}
	}

	deadline := time.Now().Add(m.opts.HandshakeTimeout)
	if err := ws.SetReadDeadline(deadline); err != nil {
		return &TransportError{Err: err}
	}

	for {
		var msg protocol.Message
		if err := ws.ReadJSON(&msg); err != nil {
			return &TransportError{Err: err}
		}
		switch msg.Type {
		case protocol.EventConnected:
			// Transport-level greeting, the verdict is still coming.
		case protocol.EventAuthenticated:
			var payload protocol.AuthenticatedPayload
			if err := msg.ParsePayload(&payload); err == nil {
				m.mu.Lock()
				m.userID = payload.UserID
				m.mu.Unlock()
			}
			return nil
		case protocol.EventAuthError:
			var payload protocol.AuthErrorPayload
			if err := msg.ParsePayload(&payload); err != nil || payload.Reason == "" {
				payload.Reason = "credential rejected"
			}
			return &AuthError{Reason: payload.Reason}
		default:
			// The gateway started pushing before the verdict frame;
			// deliver rather than drop.
			m.deliver(&msg)
		}
	}
}

// Send transmits a domain command. While a connect or reconnect is in
// flight the frame is buffered and replayed on Connected; when fully
// disconnected it fails with ErrNotConnected instead of being silently
// lost.
func (m *Manager) Send(msgType string, payload any) error {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	switch m.state {
	case StateConnected:
		ws := m.conn
		m.mu.Unlock()
		if err := m.writeFrame(ws, msg); err != nil {
			return &TransportError{Err: err}
		}
		return nil
	case StateConnecting, StateAuthenticating:
		m.buffer = append(m.buffer, msg)
		m.mu.Unlock()
		return nil
	default:
		m.mu.Unlock()
		return ErrNotConnected
	}
}

// Disconnect closes the connection intentionally. No reconnection follows.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.intentional = true
	ws := m.conn
	m.conn = nil
	wasConnected := m.state == StateConnected
	m.state = StateDisconnected
	m.buffer = nil
	m.mu.Unlock()

	if ws != nil {
		deadline := time.Now().Add(writeWait)
		_ = ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
			deadline,
		)
		_ = ws.Close()
	}
	if wasConnected {
		m.handler.OnDisconnected()
	}
}

// Close tears the manager down for good.
func (m *Manager) Close() {
	m.Disconnect()
	m.cancel()
}

// readLoop pumps inbound frames until the connection breaks. Any inbound
// traffic counts as liveness; silence beyond the pong timeout fails the
// read and is treated as a drop.
func (m *Manager) readLoop(ws *websocket.Conn, gen int) {
	for {
		var msg protocol.Message
		_, data, err := ws.ReadMessage()
		if err != nil {
			m.onReadFailure(ws, gen, err)
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(m.opts.PongTimeout))

		if err := json.Unmarshal(data, &msg); err != nil {
			m.log.Warn().Err(err).Msg("failed to parse frame")
			continue
		}
		m.deliver(&msg)
	}
}

// deliver hands a frame to the dispatcher channel, dropping on overflow.
func (m *Manager) deliver(msg *protocol.Message) {
	select {
	case m.frames <- msg:
	default:
		m.log.Warn().Str("type", msg.Type).Msg("frame queue full, dropping frame")
	}
}

// onReadFailure handles an unexpected drop: it flips to reconnecting and
// kicks off the backoff loop, unless the close was asked for.
func (m *Manager) onReadFailure(ws *websocket.Conn, gen int, err error) {
	m.mu.Lock()
	if m.gen != gen || m.conn != ws {
		// A newer session owns the state now; just release the socket.
		m.mu.Unlock()
		_ = ws.Close()
		return
	}
	intentional := m.intentional
	m.conn = nil
	if intentional {
		m.mu.Unlock()
		return
	}
	m.state = StateConnecting
	m.reconnecting = true
	p := &pendingConnect{done: make(chan struct{})}
	m.pending = p
	m.mu.Unlock()

	_ = ws.Close()
	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		m.log.Warn().Err(err).Msg("connection dropped")
	}
	m.handler.OnDisconnected()

	go m.reconnect(p)
}

// reconnect retries with exponential backoff up to the attempt ceiling.
// Exceeding the ceiling, or a fatal auth failure, surfaces a terminal
// connection-lost notification; manual Connect still works afterward.
func (m *Manager) reconnect(p *pendingConnect) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.opts.ReconnectBase
	bo.MaxInterval = m.opts.ReconnectMax
	bo.MaxElapsedTime = 0

	var lastErr error
	for attempt := 1; attempt <= m.opts.ReconnectAttempts; attempt++ {
		wait := bo.NextBackOff()
		m.log.Info().Int("attempt", attempt).Dur("backoff", wait).Msg("reconnecting")

		select {
		case <-m.runCtx.Done():
			m.resolvePending(p, m.runCtx.Err())
			return
		case <-time.After(wait):
		}

		m.mu.Lock()
		if m.intentional {
			m.mu.Unlock()
			m.resolvePending(p, ErrNotConnected)
			return
		}
		m.mu.Unlock()

		err := m.establish(m.runCtx)
		if err == nil {
			m.mu.Lock()
			m.reconnecting = false
			m.mu.Unlock()
			m.resolvePending(p, nil)
			return
		}
		lastErr = err

		var authErr *AuthError
		if errors.As(err, &authErr) {
			// Credential problems do not heal with retries.
			break
		}

		// establish reset the state; keep it at Connecting while retries
		// remain so outbound frames continue to buffer.
		m.mu.Lock()
		if attempt < m.opts.ReconnectAttempts {
			m.state = StateConnecting
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	m.reconnecting = false
	m.state = StateDisconnected
	m.buffer = nil
	m.mu.Unlock()

	m.log.Error().Err(lastErr).Msg("connection lost, giving up")
	m.resolvePending(p, lastErr)
	m.handler.OnConnectionLost(lastErr)
}

// heartbeatLoop sends periodic pings while connected. The gateway answers
// with traffic that resets the read deadline; a dead link times the read
// loop out instead.
func (m *Manager) heartbeatLoop(ws *websocket.Conn, gen int) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	ping, err := protocol.NewMessage(protocol.CommandPing, nil)
	if err != nil {
		return
	}

	for {
		select {
		case <-m.runCtx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			live := m.gen == gen && m.conn == ws && m.state == StateConnected
			m.mu.Unlock()
			if !live {
				return
			}
			if err := m.writeFrame(ws, ping); err != nil {
				m.log.Debug().Err(err).Msg("ping failed")
				return
			}
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				m.log.Debug().Err(err).Msg("control ping failed")
				return
			}
		}
	}
}

// writeFrame writes one frame with the write deadline applied.
func (m *Manager) writeFrame(ws *websocket.Conn, msg *protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	m.wmu.Lock()
	defer m.wmu.Unlock()
	if err := ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, data)
}
