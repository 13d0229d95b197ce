package shuttleplus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Types
// ============================================================================

// Event types sent by the server on the realtime channel.
const (
	RealtimeAuthenticated  = "authenticated"
	RealtimeBookingStatus  = "booking.status"
	RealtimeDriverLocation = "driver.location"
	RealtimeNotification   = "notification"
	RealtimePong           = "pong"
	RealtimeError          = "error"
)

type AuthenticatedPayload struct {
	UserID string `json:"userId"`
}

// BookingStatusPayload announces a server-side status transition.
type BookingStatusPayload struct {
	BookingReference string        `json:"bookingReference"`
	Status           BookingStatus `json:"status"`
	Timestamp        time.Time     `json:"timestamp,omitzero"`
}

// DriverLocationPayload is a live position of the driver assigned to a booking.
type DriverLocationPayload struct {
	BookingReference string      `json:"bookingReference"`
	DriverID         string      `json:"driverId"`
	Location         Coordinates `json:"location"`
	Heading          float64     `json:"heading,omitempty"`
	Speed            float64     `json:"speed,omitempty"`
	ETAMinutes       int         `json:"etaMinutes,omitempty"`
}

type PongPayload struct {
	RequestID string `json:"requestId"`
}

type RealtimeErrorPayload struct {
	Message string `json:"message"`
}

// RealtimeEnvelope is the wire format for all server events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command.
type RealtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

const pingTimeout = 10 * time.Second

// ============================================================================
// Configuration
// ============================================================================

type RealtimeConfig struct {
	Token         string
	AutoReconnect bool
	// MaxReconnectAttempts bounds consecutive reconnects; 0 means 10.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration

	// Network, when set, follows the connection: connected marks it
	// online, an unexpected drop marks it offline.
	Network *NetworkStatus
	// Store, when set, receives booking.status transitions.
	Store  *Storage
	Logger *slog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.Logger == nil {
		c.Logger = discardLogger
	}
}

type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

var ErrNotConnected = errors.New("shuttleplus: realtime not connected")

// ============================================================================
// Handlers
// ============================================================================

// RealtimeEventHandler receives any event by type, payload undecoded.
type RealtimeEventHandler func(eventType string, payload json.RawMessage)

type handlerSet[T any] struct {
	mu  sync.RWMutex
	fns []func(T)
}

func (h *handlerSet[T]) add(fn func(T)) {
	h.mu.Lock()
	h.fns = append(h.fns, fn)
	h.mu.Unlock()
}

// fire runs each handler on its own goroutine.
func (h *handlerSet[T]) fire(v T) {
	h.mu.RLock()
	fns := h.fns
	h.mu.RUnlock()
	for _, fn := range fns {
		go fn(v)
	}
}

func fireDecoded[T any](set *handlerSet[T], raw json.RawMessage) {
	var v T
	if json.Unmarshal(raw, &v) == nil {
		set.fire(v)
	}
}

type closeEvent struct {
	code   int
	reason string
}

type retryEvent struct {
	attempt int
	delay   time.Duration
}

type realtimeHandlers struct {
	status       handlerSet[BookingStatusPayload]
	location     handlerSet[DriverLocationPayload]
	notification handlerSet[*Notification]
	serverError  handlerSet[RealtimeErrorPayload]
	connected    handlerSet[struct{}]
	disconnected handlerSet[closeEvent]
	reconnecting handlerSet[retryEvent]

	mu     sync.RWMutex
	byType map[string][]RealtimeEventHandler
}

func (h *realtimeHandlers) route(env RealtimeEnvelope) {
	switch env.Type {
	case RealtimeBookingStatus:
		fireDecoded(&h.status, env.Payload)
	case RealtimeDriverLocation:
		fireDecoded(&h.location, env.Payload)
	case RealtimeNotification:
		h.notification.fire(BuildNotification(env.Payload))
	case RealtimeError:
		fireDecoded(&h.serverError, env.Payload)
	}

	h.mu.RLock()
	fns := h.byType[env.Type]
	h.mu.RUnlock()
	for _, fn := range fns {
		go fn(env.Type, env.Payload)
	}
}

// ============================================================================
// Backoff
// ============================================================================

// backoff doubles the delay per attempt from base, adds up to half of base as
// jitter and caps the result at max. A connection that stayed up for a minute
// starts the sequence over.
type backoff struct {
	base  time.Duration
	max   time.Duration
	limit int

	attempt int
	upSince time.Time
}

func (b *backoff) exhausted() bool { return b.attempt >= b.limit }

func (b *backoff) connected(now time.Time) { b.upSince = now }

func (b *backoff) next(now time.Time) time.Duration {
	if !b.upSince.IsZero() && now.Sub(b.upSince) > time.Minute {
		b.attempt = 0
	}
	b.upSince = time.Time{}

	d := b.base<<min(b.attempt, 20) + time.Duration(rand.Int63n(int64(b.base)/2+1))
	if d > b.max || d <= 0 {
		d = b.max
	}
	b.attempt++
	return d
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient follows live booking updates over a WebSocket. It
// reconnects with backoff, keeps the link alive with pings and, when wired
// to a store, writes status transitions through.
type RealtimeClient struct {
	baseURL  string
	cfg      *RealtimeConfig
	logger   *slog.Logger
	handlers realtimeHandlers

	mu      sync.Mutex
	conn    *websocket.Conn
	state   RealtimeState
	closing bool
	stop    context.CancelFunc
	retry   backoff
	seq     int

	pongMu sync.Mutex
	pongs  map[string]chan PongPayload
}

// NewRealtimeClient creates a client for baseURL, the API root. The socket
// lives at <baseURL>/ws.
func NewRealtimeClient(baseURL string, cfg *RealtimeConfig) *RealtimeClient {
	if cfg == nil {
		cfg = &RealtimeConfig{}
	}
	cfg.defaults()
	return &RealtimeClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "realtime"),
		handlers: realtimeHandlers{byType: make(map[string][]RealtimeEventHandler)},
		state:    StateDisconnected,
		retry: backoff{
			base:  cfg.ReconnectBaseDelay,
			max:   cfg.ReconnectMaxDelay,
			limit: cfg.MaxReconnectAttempts,
		},
		pongs: make(map[string]chan PongPayload),
	}
}

// Realtime returns a realtime client sharing this client's base URL, token,
// connectivity flag and store.
func (c *Client) Realtime(cfg *RealtimeConfig) *RealtimeClient {
	if cfg == nil {
		cfg = &RealtimeConfig{AutoReconnect: true}
	}
	if cfg.Token == "" {
		cfg.Token = c.Token()
	}
	if cfg.Network == nil {
		cfg.Network = c.network
	}
	if cfg.Store == nil {
		cfg.Store = c.store
	}
	if cfg.Logger == nil {
		cfg.Logger = c.logger
	}
	return NewRealtimeClient(c.baseURL, cfg)
}

func (rc *RealtimeClient) OnBookingStatus(h func(BookingStatusPayload)) { rc.handlers.status.add(h) }

func (rc *RealtimeClient) OnDriverLocation(h func(DriverLocationPayload)) {
	rc.handlers.location.add(h)
}

// OnNotification receives in-app notifications, built with the same template
// as push deliveries.
func (rc *RealtimeClient) OnNotification(h func(*Notification)) { rc.handlers.notification.add(h) }

func (rc *RealtimeClient) OnError(h func(RealtimeErrorPayload)) { rc.handlers.serverError.add(h) }

func (rc *RealtimeClient) OnConnected(h func()) {
	rc.handlers.connected.add(func(struct{}) { h() })
}

func (rc *RealtimeClient) OnDisconnected(h func(code int, reason string)) {
	rc.handlers.disconnected.add(func(e closeEvent) { h(e.code, e.reason) })
}

func (rc *RealtimeClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	rc.handlers.reconnecting.add(func(e retryEvent) { h(e.attempt, e.delay) })
}

// On registers a handler for any event type, including ones without a typed
// registration.
func (rc *RealtimeClient) On(eventType string, h RealtimeEventHandler) {
	rc.handlers.mu.Lock()
	rc.handlers.byType[eventType] = append(rc.handlers.byType[eventType], h)
	rc.handlers.mu.Unlock()
}

func (rc *RealtimeClient) State() RealtimeState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

func (rc *RealtimeClient) setState(s RealtimeState) {
	rc.mu.Lock()
	rc.state = s
	rc.mu.Unlock()
}

func (rc *RealtimeClient) current() *websocket.Conn {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.conn
}

func (rc *RealtimeClient) socketURL() string {
	raw := rc.baseURL + "/ws"
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	if rc.cfg.Token != "" {
		q := u.Query()
		q.Set("token", rc.cfg.Token)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// ── Connection ────────────────────────────────────────────

// Connect dials the socket and waits for the "authenticated" greeting. It is
// a no-op while connected or connecting.
func (rc *RealtimeClient) Connect(ctx context.Context) error {
	rc.mu.Lock()
	if rc.state == StateConnected || rc.state == StateConnecting {
		rc.mu.Unlock()
		return nil
	}
	rc.state = StateConnecting
	rc.closing = false
	rc.mu.Unlock()

	conn, hello, err := rc.handshake(ctx)
	if err != nil {
		rc.setState(StateDisconnected)
		return err
	}
	rc.attach(ctx, conn, hello)
	return nil
}

func (rc *RealtimeClient) handshake(ctx context.Context) (*websocket.Conn, RealtimeEnvelope, error) {
	var hello RealtimeEnvelope
	conn, _, err := websocket.Dial(ctx, rc.socketURL(), nil)
	if err != nil {
		return nil, hello, fmt.Errorf("websocket dial: %w", err)
	}

	_, data, err := conn.Read(ctx)
	switch {
	case err != nil:
		err = fmt.Errorf("read greeting: %w", err)
	case json.Unmarshal(data, &hello) != nil || hello.Type != RealtimeAuthenticated:
		err = fmt.Errorf("expected %q greeting, got %q", RealtimeAuthenticated, hello.Type)
	}
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, hello, err
	}
	return conn, hello, nil
}

// attach makes conn the live connection and starts its read and heartbeat
// loops. They run until Disconnect or the connection drops, independent of
// ctx.
func (rc *RealtimeClient) attach(ctx context.Context, conn *websocket.Conn, hello RealtimeEnvelope) {
	live, cancel := context.WithCancel(context.WithoutCancel(ctx))

	rc.mu.Lock()
	if rc.stop != nil {
		rc.stop()
	}
	rc.conn = conn
	rc.stop = cancel
	rc.state = StateConnected
	rc.retry.connected(time.Now())
	rc.mu.Unlock()

	rc.logger.Info("realtime connected")
	if rc.cfg.Network != nil {
		rc.cfg.Network.Set(true)
	}
	rc.handlers.route(hello)
	rc.handlers.connected.fire(struct{}{})

	go rc.readLoop(live, conn)
	go rc.heartbeat(live)
}

// Disconnect closes the connection and stops reconnecting. The connectivity
// flag is left alone.
func (rc *RealtimeClient) Disconnect() error {
	rc.mu.Lock()
	rc.closing = true
	conn, stop := rc.conn, rc.stop
	rc.conn, rc.stop = nil, nil
	rc.state = StateDisconnected
	rc.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if stop != nil {
		stop()
	}
	rc.failPongs()
	rc.handlers.disconnected.fire(closeEvent{int(websocket.StatusNormalClosure), "client disconnect"})
	return err
}

func (rc *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rc.lost(ctx, conn, err)
			return
		}
		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			rc.logger.Debug("malformed realtime frame dropped")
			continue
		}

		switch env.Type {
		case RealtimePong:
			rc.resolvePong(env.Payload)
		case RealtimeBookingStatus:
			rc.applyStatus(ctx, env.Payload)
		}
		rc.handlers.route(env)
	}
}

// lost handles a read failure on conn. Unless the client closed it, the
// network is marked offline and reconnection starts.
func (rc *RealtimeClient) lost(ctx context.Context, conn *websocket.Conn, err error) {
	rc.mu.Lock()
	if rc.closing || rc.conn != conn {
		rc.mu.Unlock()
		return
	}
	rc.conn = nil
	rc.state = StateDisconnected
	rc.mu.Unlock()

	rc.logger.Warn("realtime connection lost", "error", err)
	rc.failPongs()
	if rc.cfg.Network != nil {
		rc.cfg.Network.Set(false)
	}
	rc.handlers.disconnected.fire(closeEvent{int(websocket.CloseStatus(err)), err.Error()})

	if rc.cfg.AutoReconnect {
		rc.reconnect(ctx)
	}
}

func (rc *RealtimeClient) reconnect(ctx context.Context) {
	for {
		rc.mu.Lock()
		if rc.retry.exhausted() {
			rc.mu.Unlock()
			rc.logger.Warn("realtime reconnect attempts exhausted", "attempts", rc.cfg.MaxReconnectAttempts)
			return
		}
		delay := rc.retry.next(time.Now())
		attempt := rc.retry.attempt
		rc.state = StateReconnecting
		rc.mu.Unlock()
		rc.handlers.reconnecting.fire(retryEvent{attempt, delay})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			rc.setState(StateDisconnected)
			return
		case <-timer.C:
		}

		rc.setState(StateDisconnected)
		err := rc.Connect(ctx)
		if err == nil {
			return
		}
		rc.logger.Debug("reconnect failed", "attempt", attempt, "error", err)
	}
}

func (rc *RealtimeClient) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(rc.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if rc.State() != StateConnected {
			return
		}
		if _, err := rc.Ping(ctx); err != nil {
			rc.logger.Warn("realtime heartbeat failed", "error", err)
			if conn := rc.current(); conn != nil {
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
			}
			return
		}
	}
}

// applyStatus mirrors a server status transition into the local store.
// Bookings unknown to the store are ignored.
func (rc *RealtimeClient) applyStatus(ctx context.Context, payload json.RawMessage) {
	if rc.cfg.Store == nil {
		return
	}
	var p BookingStatusPayload
	if json.Unmarshal(payload, &p) != nil || p.BookingReference == "" || p.Status == "" {
		return
	}
	_, err := rc.cfg.Store.Bookings.UpdateStatus(ctx, p.BookingReference, p.Status)
	if err != nil && !errors.Is(err, ErrNotFound) {
		rc.logger.Warn("status update not stored", "ref", p.BookingReference, "error", err)
	}
}

// ── Commands ──────────────────────────────────────────────

// SubscribeBooking asks for status and driver updates of one booking.
func (rc *RealtimeClient) SubscribeBooking(ctx context.Context, ref string) error {
	return rc.Send(ctx, &RealtimeCommand{
		Type:    "booking.subscribe",
		Payload: map[string]string{"bookingReference": ref},
	})
}

func (rc *RealtimeClient) UnsubscribeBooking(ctx context.Context, ref string) error {
	return rc.Send(ctx, &RealtimeCommand{
		Type:    "booking.unsubscribe",
		Payload: map[string]string{"bookingReference": ref},
	})
}

// Send writes a raw command.
func (rc *RealtimeClient) Send(ctx context.Context, cmd *RealtimeCommand) error {
	conn := rc.current()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits up to ten seconds for the matching pong.
func (rc *RealtimeClient) Ping(ctx context.Context) (*PongPayload, error) {
	rc.mu.Lock()
	rc.seq++
	id := fmt.Sprintf("ping-%d", rc.seq)
	rc.mu.Unlock()

	ch := make(chan PongPayload, 1)
	rc.pongMu.Lock()
	rc.pongs[id] = ch
	rc.pongMu.Unlock()
	defer func() {
		rc.pongMu.Lock()
		delete(rc.pongs, id)
		rc.pongMu.Unlock()
	}()

	err := rc.Send(ctx, &RealtimeCommand{Type: "ping", Payload: map[string]string{"requestId": id}})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return &pong, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("ping %s: %w", id, ctx.Err())
	}
}

func (rc *RealtimeClient) resolvePong(payload json.RawMessage) {
	var p PongPayload
	if json.Unmarshal(payload, &p) != nil || p.RequestID == "" {
		return
	}
	rc.pongMu.Lock()
	ch, ok := rc.pongs[p.RequestID]
	delete(rc.pongs, p.RequestID)
	rc.pongMu.Unlock()
	if ok {
		ch <- p
	}
}

// failPongs wakes every pending Ping with ErrNotConnected.
func (rc *RealtimeClient) failPongs() {
	rc.pongMu.Lock()
	for id, ch := range rc.pongs {
		close(ch)
		delete(rc.pongs, id)
	}
	rc.pongMu.Unlock()
}
