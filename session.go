package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// SessionConfig configures the transport session.
type SessionConfig struct {
	BaseURL string
	Token   string
	// SocketPath is appended to BaseURL. Defaults to "/ws".
	SocketPath string

	// MaxReconnectAttempts bounds automatic reconnection after a drop.
	// Negative disables automatic reconnection.
	MaxReconnectAttempts int
	// ReconnectDelay is the fixed wait before each reconnect attempt.
	ReconnectDelay    time.Duration
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	// EventBuffer is the capacity of the Events channel.
	EventBuffer int

	HTTPClient *http.Client
	Dialer     Dialer
	Logger     *zerolog.Logger
}

const (
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectDelay       = 3 * time.Second
)

func (c *SessionConfig) defaults() {
	if c.SocketPath == "" {
		c.SocketPath = "/ws"
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = 256
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Dialer == nil {
		c.Dialer = WebsocketDialer(c.HTTPClient)
	}
}

// ============================================================================
// Connection abstraction
// ============================================================================

// Conn is one live socket.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close(reason string) error
}

// Dialer opens a socket to url.
type Dialer func(ctx context.Context, url string) (Conn, error)

// WebsocketDialer dials with nhooyr.io/websocket.
func WebsocketDialer(client *http.Client) Dialer {
	return func(ctx context.Context, u string) (Conn, error) {
		c, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: client})
		if err != nil {
			return nil, err
		}
		c.SetReadLimit(1 << 20)
		return wsConn{c}, nil
	}
}

type wsConn struct{ c *websocket.Conn }

func (w wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w wsConn) Ping(ctx context.Context) error { return w.c.Ping(ctx) }

func (w wsConn) Close(reason string) error {
	return w.c.Close(websocket.StatusNormalClosure, reason)
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	delay       time.Duration
	maxAttempts int
	attempt     int
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts > 0 && r.attempt < r.maxAttempts
}

func (r *reconnector) next() int {
	r.attempt++
	return r.attempt
}

func (r *reconnector) reset() { r.attempt = 0 }

// ============================================================================
// Session
// ============================================================================

// Session owns the single persistent socket. It reconnects with a fixed delay
// up to a bounded number of attempts, then stays disconnected until Reconnect.
type Session struct {
	cfg SessionConfig
	url string
	log zerolog.Logger

	life context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu           sync.Mutex
	state        ConnectionState
	conn         Conn
	connCancel   context.CancelFunc
	reconnecting bool
	closed       bool
	recon        reconnector
	active       func() string

	statusMu       sync.RWMutex
	statusHandlers []func(ConnectionStatus)

	events chan Event
}

// NewSession creates a disconnected session.
func NewSession(cfg SessionConfig) *Session {
	cfg.defaults()
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = cfg.Logger.With().Str("component", "session").Logger()
	}
	life, stop := context.WithCancel(context.Background())
	return &Session{
		cfg:    cfg,
		url:    socketURL(cfg.BaseURL, cfg.SocketPath, cfg.Token),
		log:    log,
		life:   life,
		stop:   stop,
		state:  StateDisconnected,
		recon:  reconnector{delay: cfg.ReconnectDelay, maxAttempts: cfg.MaxReconnectAttempts},
		events: make(chan Event, cfg.EventBuffer),
	}
}

func socketURL(base, path, token string) string {
	u := strings.TrimRight(base, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	u += path
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	return u
}

// Events returns the inbound event stream, in delivery order. It is closed
// after Close.
func (s *Session) Events() <-chan Event { return s.events }

// OnStatus registers a connection status handler. Handlers run synchronously
// on the goroutine that caused the transition.
func (s *Session) OnStatus(h func(ConnectionStatus)) {
	s.statusMu.Lock()
	s.statusHandlers = append(s.statusHandlers, h)
	s.statusMu.Unlock()
}

// SetActiveConversation installs the reader used to re-join the active
// conversation after every successful connect.
func (s *Session) SetActiveConversation(fn func() string) {
	s.mu.Lock()
	s.active = fn
	s.mu.Unlock()
}

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) emit(st ConnectionStatus) {
	s.statusMu.RLock()
	handlers := append([]func(ConnectionStatus){}, s.statusHandlers...)
	s.statusMu.RUnlock()
	for _, h := range handlers {
		h(st)
	}
}

// Connect establishes the socket. Calls while connecting or connected, or
// while an automatic reconnect is underway, are no-ops.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state == StateConnected || s.state == StateConnecting || s.reconnecting {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.mu.Unlock()

	conn, err := s.dial(ctx)
	if err != nil {
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		terr := &TransportError{Op: "dial", Err: err}
		s.emit(ConnectionStatus{Kind: StatusDisconnected, Err: terr})
		return terr
	}
	return s.open(conn)
}

// Reconnect is the user-triggered retry. It resets the attempt budget and
// connects again. While an automatic reconnect is underway it does nothing;
// the budget resets only once that loop has given up.
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.reconnecting {
		s.mu.Unlock()
		return nil
	}
	s.recon.reset()
	s.mu.Unlock()
	return s.Connect(ctx)
}

func (s *Session) dial(ctx context.Context) (Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()
	return s.cfg.Dialer(dctx, s.url)
}

// open promotes a dialed conn to the live connection.
func (s *Session) open(conn Conn) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close("session closed")
		return ErrClosed
	}
	connCtx, cancel := context.WithCancel(s.life)
	s.conn = conn
	s.connCancel = cancel
	s.state = StateConnected
	s.recon.reset()
	active := s.active
	s.wg.Add(2)
	s.mu.Unlock()

	s.log.Info().Msg("connected")
	s.emit(ConnectionStatus{Kind: StatusConnected})

	if active != nil {
		if id := active(); id != "" {
			if err := s.Join(connCtx, id); err != nil {
				s.log.Warn().Err(err).Str("conversation", id).Msg("join after connect failed")
			}
		}
	}

	go s.readLoop(connCtx, conn)
	go s.heartbeatLoop(connCtx, conn)
	return nil
}

// Close tears the session down. No reconnect follows.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	s.stop()
	var err error
	if conn != nil {
		err = conn.Close("client disconnect")
	}
	s.wg.Wait()
	close(s.events)
	return err
}

// Join announces interest in a conversation's push events.
func (s *Session) Join(ctx context.Context, conversationID string) error {
	return s.send(ctx, intentJoinConversation, map[string]string{"conversationId": conversationID})
}

func (s *Session) send(ctx context.Context, typ string, payload any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	p, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(Envelope{Type: typ, Payload: p})
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(wctx, data); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

func (s *Session) readLoop(ctx context.Context, conn Conn) {
	defer s.wg.Done()
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			s.dropped(conn, err)
			return
		}
		s.deliver(ctx, data)
	}
}

func (s *Session) deliver(ctx context.Context, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		EventsDropped.WithLabelValues("parse").Inc()
		s.log.Warn().Err(&ParseError{Source: "frame", Err: err}).Msg("dropping malformed frame")
		return
	}
	if env.Type == eventAuthenticated {
		return
	}
	ev, err := env.Event()
	if err != nil {
		if errors.Is(err, errUnknownEvent) {
			EventsDropped.WithLabelValues("unknown").Inc()
			s.log.Debug().Str("type", env.Type).Msg("ignoring unmodelled event")
			return
		}
		EventsDropped.WithLabelValues("parse").Inc()
		s.log.Warn().Err(err).Str("type", env.Type).Msg("dropping malformed event")
		return
	}
	EventsReceived.WithLabelValues(ev.Kind()).Inc()
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

// dropped handles a read failure on conn.
func (s *Session) dropped(conn Conn, err error) {
	s.mu.Lock()
	if s.closed || s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.state = StateDisconnected
	if s.connCancel != nil {
		s.connCancel()
		s.connCancel = nil
	}
	auto := s.recon.shouldReconnect()
	if auto {
		s.reconnecting = true
	}
	s.mu.Unlock()

	terr := &TransportError{Op: "read", Err: err}
	s.log.Warn().Err(terr).Msg("connection lost")
	if !auto {
		s.emit(ConnectionStatus{Kind: StatusDisconnected, Exhausted: true, Err: terr})
		return
	}
	s.emit(ConnectionStatus{Kind: StatusDisconnected, Err: terr})
	s.reconnectLoop()
}

func (s *Session) reconnectLoop() {
	var lastErr error
	for {
		s.mu.Lock()
		if s.closed {
			s.reconnecting = false
			s.mu.Unlock()
			return
		}
		if !s.recon.shouldReconnect() {
			s.reconnecting = false
			s.mu.Unlock()
			break
		}
		attempt := s.recon.next()
		s.mu.Unlock()

		ReconnectAttempts.Inc()
		s.emit(ConnectionStatus{Kind: StatusReconnecting, Attempt: attempt})

		t := time.NewTimer(s.recon.delay)
		select {
		case <-s.life.Done():
			t.Stop()
			s.mu.Lock()
			s.reconnecting = false
			s.mu.Unlock()
			return
		case <-t.C:
		}

		s.mu.Lock()
		s.state = StateConnecting
		s.mu.Unlock()

		conn, err := s.dial(s.life)
		if err == nil {
			s.mu.Lock()
			s.reconnecting = false
			s.mu.Unlock()
			if s.open(conn) == nil {
				return
			}
			continue
		}
		lastErr = err
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		s.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
	}

	ReconnectExhausted.Inc()
	s.log.Error().Int("attempts", s.cfg.MaxReconnectAttempts).Msg("giving up on reconnection")
	var terr error
	if lastErr != nil {
		terr = &TransportError{Op: "reconnect", Err: lastErr}
	} else {
		terr = &TransportError{Op: "reconnect", Err: fmt.Errorf("no attempts left")}
	}
	s.emit(ConnectionStatus{Kind: StatusDisconnected, Exhausted: true, Err: terr})
}

func (s *Session) heartbeatLoop(ctx context.Context, conn Conn) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				s.log.Warn().Err(err).Msg("heartbeat failed, closing socket")
				conn.Close("heartbeat timeout")
				return
			}
		}
	}
}
