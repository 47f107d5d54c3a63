package sanago

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Types
// ============================================================================

// Event names carrying a notification.
const (
	EventNotification          = "notification"
	EventBroadcastNotification = `Illuminate\Notifications\Events\BroadcastNotificationCreated`
)

// RealtimeEnvelope is the wire format of WebSocket frames.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command (WebSocket only).
type RealtimeCommand struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	RequestID string `json:"requestId,omitempty"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

func isNotificationEvent(name string) bool {
	return name == EventNotification || name == EventBroadcastNotification
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the push clients.
type RealtimeConfig struct {
	Token string
	// UserID selects the private channel (see PrivateChannel).
	UserID               string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	// StaleAfter closes an SSE stream that has been silent this long.
	StaleAfter time.Duration
	HTTPClient *http.Client
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
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
	if c.StaleAfter == 0 {
		c.StaleAfter = 45 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

type eventDispatcher struct {
	mu             sync.RWMutex
	onNotification []func(json.RawMessage)
	onConnected    []func()
	onDisconnected []func(int, string)
	onReconnecting []func(int, time.Duration)
}

func (d *eventDispatcher) dispatchNotification(payload json.RawMessage) {
	d.mu.RLock()
	handlers := append([]func(json.RawMessage){}, d.onNotification...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(payload)
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *eventDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(code, reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}

// realtimeHandlers is embedded by both clients for handler registration.
type realtimeHandlers struct {
	dispatcher eventDispatcher
}

// OnNotification registers a handler for notification events. Handlers run
// on the read goroutine, in order.
func (r *realtimeHandlers) OnNotification(h func(json.RawMessage)) {
	r.dispatcher.mu.Lock()
	r.dispatcher.onNotification = append(r.dispatcher.onNotification, h)
	r.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (r *realtimeHandlers) OnConnected(h func()) {
	r.dispatcher.mu.Lock()
	r.dispatcher.onConnected = append(r.dispatcher.onConnected, h)
	r.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (r *realtimeHandlers) OnDisconnected(h func(code int, reason string)) {
	r.dispatcher.mu.Lock()
	r.dispatcher.onDisconnected = append(r.dispatcher.onDisconnected, h)
	r.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (r *realtimeHandlers) OnReconnecting(h func(attempt int, delay time.Duration)) {
	r.dispatcher.mu.Lock()
	r.dispatcher.onReconnecting = append(r.dispatcher.onReconnecting, h)
	r.dispatcher.mu.Unlock()
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

// nextDelay returns the backoff for the next attempt. A connection that
// stayed up for a minute resets the attempt counter.
func (r *reconnector) nextDelay() (int, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return r.attempt, delay
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// ============================================================================
// RealtimeWSClient
// ============================================================================

var (
	_ PushChannel = (*RealtimeWSClient)(nil)
	_ PushChannel = (*RealtimeSSEClient)(nil)
)

// RealtimeWSClient receives notifications over a WebSocket subscribed to the
// user's private channel. It reconnects with backoff and pings on a
// heartbeat.
type RealtimeWSClient struct {
	realtimeHandlers

	baseURL          string
	channel          string
	config           *RealtimeConfig
	recon            *reconnector
	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	lifeCtx          context.Context
	cancelLife       context.CancelFunc
	cancelConn       context.CancelFunc
	pingCounter      int
	pendingMu        sync.Mutex
	pendingPings     map[string]chan PongPayload
}

// NewRealtimeWSClient creates a WebSocket push client for baseURL
// (http/https is rewritten to ws/wss).
func NewRealtimeWSClient(baseURL string, config *RealtimeConfig) *RealtimeWSClient {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &RealtimeWSClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		channel:      PrivateChannel(cfg.UserID),
		config:       &cfg,
		recon:        newReconnector(&cfg),
		state:        StateDisconnected,
		pendingPings: make(map[string]chan PongPayload),
	}
}

// State returns the current connection state.
func (ws *RealtimeWSClient) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

func (ws *RealtimeWSClient) setState(s RealtimeState) {
	ws.mu.Lock()
	ws.state = s
	ws.mu.Unlock()
}

// Connect dials, waits for the "authenticated" frame and subscribes to the
// private channel. Reconnects outlive ctx's deadline but stop on
// Disconnect.
func (ws *RealtimeWSClient) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.intentionalClose = false
	if ws.lifeCtx == nil || ws.lifeCtx.Err() != nil {
		ws.lifeCtx, ws.cancelLife = context.WithCancel(context.WithoutCancel(ctx))
	}
	life := ws.lifeCtx
	ws.mu.Unlock()

	if err := ws.dial(ctx, life); err != nil {
		ws.setState(StateDisconnected)
		return err
	}
	return nil
}

func (ws *RealtimeWSClient) dial(ctx, life context.Context) error {
	wsURL := strings.Replace(ws.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws"

	header := http.Header{}
	if ws.config.Token != "" {
		header.Set("Authorization", "Bearer "+ws.config.Token)
	}
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: ws.config.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	// First frame must be "authenticated".
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("read auth message: %w", err)
	}
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}

	sub, _ := json.Marshal(&RealtimeCommand{
		Type:    "subscribe",
		Payload: map[string]string{"channel": ws.channel},
	})
	if err := conn.Write(ctx, websocket.MessageText, sub); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("subscribe %s: %w", ws.channel, err)
	}

	connCtx, cancel := context.WithCancel(life)
	ws.mu.Lock()
	ws.conn = conn
	ws.state = StateConnected
	ws.cancelConn = cancel
	ws.mu.Unlock()
	ws.recon.markConnected()
	ws.dispatcher.emitConnected()
	log.Info().Str("channel", ws.channel).Msg("websocket push connected")

	go ws.readLoop(connCtx, cancel, conn)
	go ws.heartbeatLoop(connCtx, conn)
	return nil
}

// Disconnect closes the connection and stops reconnecting.
func (ws *RealtimeWSClient) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelConn != nil {
		ws.cancelConn()
		ws.cancelConn = nil
	}
	if ws.cancelLife != nil {
		ws.cancelLife()
		ws.cancelLife = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.state = StateDisconnected
	ws.mu.Unlock()

	ws.clearPendingPings()
	ws.dispatcher.emitDisconnected(1000, "client disconnect")
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Send writes a raw command.
func (ws *RealtimeWSClient) Send(ctx context.Context, cmd *RealtimeCommand) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits up to 10s for the pong.
func (ws *RealtimeWSClient) Ping(ctx context.Context) (*PongPayload, error) {
	ws.mu.Lock()
	ws.pingCounter++
	requestID := fmt.Sprintf("ping-%d", ws.pingCounter)
	ws.mu.Unlock()

	ch := make(chan PongPayload, 1)
	ws.pendingMu.Lock()
	ws.pendingPings[requestID] = ch
	ws.pendingMu.Unlock()
	defer func() {
		ws.pendingMu.Lock()
		delete(ws.pendingPings, requestID)
		ws.pendingMu.Unlock()
	}()

	if err := ws.Send(ctx, &RealtimeCommand{
		Type:    "ping",
		Payload: map[string]string{"requestId": requestID},
	}); err != nil {
		return nil, err
	}

	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, errors.New("connection closed")
		}
		return &pong, nil
	case <-time.After(10 * time.Second):
		return nil, errors.New("ping timeout")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readLoop owns one connection. cancel ends that connection's heartbeat
// before any reconnect, so each live connection has exactly one.
func (ws *RealtimeWSClient) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			cancel()
			ws.mu.Lock()
			intentional := ws.intentionalClose
			if !intentional {
				ws.state = StateDisconnected
				ws.conn = nil
			}
			ws.mu.Unlock()
			if intentional {
				return
			}

			log.Warn().Err(err).Msg("websocket push lost")
			ws.dispatcher.emitDisconnected(0, err.Error())
			if ws.config.AutoReconnect {
				ws.scheduleReconnect()
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		switch {
		case env.Type == "pong":
			var p PongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				ws.pendingMu.Lock()
				if ch, ok := ws.pendingPings[p.RequestID]; ok {
					select {
					case ch <- p:
					default:
					}
				}
				ws.pendingMu.Unlock()
			}
		case isNotificationEvent(env.Type):
			if env.Channel != "" && env.Channel != ws.channel {
				continue
			}
			ws.dispatcher.dispatchNotification(env.Payload)
		}
	}
}

func (ws *RealtimeWSClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ws.State() != StateConnected {
				return
			}
			if _, err := ws.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				// Heartbeat failed; closing makes readLoop reconnect.
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (ws *RealtimeWSClient) scheduleReconnect() {
	ws.mu.Lock()
	life := ws.lifeCtx
	ws.mu.Unlock()
	if life == nil {
		return
	}

	for ws.recon.shouldReconnect() {
		attempt, delay := ws.recon.nextDelay()
		ws.setState(StateReconnecting)
		ws.dispatcher.emitReconnecting(attempt, delay)
		if !sleepCtx(life, delay) {
			return
		}
		err := ws.dial(life, life)
		if err == nil {
			return
		}
		log.Debug().Err(err).Int("attempt", attempt).Msg("websocket reconnect failed")
	}
	ws.setState(StateDisconnected)
}

func (ws *RealtimeWSClient) clearPendingPings() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pendingPings {
		close(ch)
		delete(ws.pendingPings, k)
	}
	ws.pendingMu.Unlock()
}

// ============================================================================
// RealtimeSSEClient
// ============================================================================

// RealtimeSSEClient receives notifications from the server-sent event
// stream at /notifications/stream.
type RealtimeSSEClient struct {
	realtimeHandlers

	baseURL          string
	config           *RealtimeConfig
	recon            *reconnector
	mu               sync.Mutex
	state            RealtimeState
	intentionalClose bool
	lifeCtx          context.Context
	cancelLife       context.CancelFunc
	cancelConn       context.CancelFunc
	lastDataTime     time.Time
}

// NewRealtimeSSEClient creates an SSE push client for baseURL.
func NewRealtimeSSEClient(baseURL string, config *RealtimeConfig) *RealtimeSSEClient {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &RealtimeSSEClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		config:  &cfg,
		recon:   newReconnector(&cfg),
		state:   StateDisconnected,
	}
}

// State returns the current connection state.
func (sse *RealtimeSSEClient) State() RealtimeState {
	sse.mu.Lock()
	defer sse.mu.Unlock()
	return sse.state
}

func (sse *RealtimeSSEClient) setState(s RealtimeState) {
	sse.mu.Lock()
	sse.state = s
	sse.mu.Unlock()
}

// Connect opens the stream.
func (sse *RealtimeSSEClient) Connect(ctx context.Context) error {
	sse.mu.Lock()
	if sse.state == StateConnected || sse.state == StateConnecting {
		sse.mu.Unlock()
		return nil
	}
	sse.state = StateConnecting
	sse.intentionalClose = false
	if sse.lifeCtx == nil || sse.lifeCtx.Err() != nil {
		sse.lifeCtx, sse.cancelLife = context.WithCancel(context.WithoutCancel(ctx))
	}
	life := sse.lifeCtx
	sse.mu.Unlock()

	if err := sse.open(life); err != nil {
		sse.setState(StateDisconnected)
		return err
	}
	return nil
}

func (sse *RealtimeSSEClient) open(life context.Context) error {
	connCtx, cancel := context.WithCancel(life)

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, sse.baseURL+"/notifications/stream", nil)
	if err != nil {
		cancel()
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if sse.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+sse.config.Token)
	}

	resp, err := sse.config.HTTPClient.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("SSE connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		if resp.StatusCode == http.StatusUnauthorized {
			return &APIError{Status: resp.StatusCode, Message: "stream rejected token"}
		}
		return fmt.Errorf("SSE HTTP %d", resp.StatusCode)
	}

	sse.mu.Lock()
	sse.state = StateConnected
	sse.lastDataTime = time.Now()
	sse.cancelConn = cancel
	sse.mu.Unlock()
	sse.recon.markConnected()
	sse.dispatcher.emitConnected()
	log.Info().Msg("sse push connected")

	go sse.readLoop(connCtx, cancel, resp)
	go sse.heartbeatWatchdog(connCtx, cancel)
	return nil
}

// Disconnect closes the stream and stops reconnecting.
func (sse *RealtimeSSEClient) Disconnect() error {
	sse.mu.Lock()
	sse.intentionalClose = true
	if sse.cancelConn != nil {
		sse.cancelConn()
		sse.cancelConn = nil
	}
	if sse.cancelLife != nil {
		sse.cancelLife()
		sse.cancelLife = nil
	}
	sse.state = StateDisconnected
	sse.mu.Unlock()

	sse.dispatcher.emitDisconnected(1000, "client disconnect")
	return nil
}

func (sse *RealtimeSSEClient) readLoop(ctx context.Context, cancel context.CancelFunc, resp *http.Response) {
	defer cancel()
	defer resp.Body.Close()

	var (
		event string
		data  strings.Builder
	)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()

		sse.mu.Lock()
		sse.lastDataTime = time.Now()
		sse.mu.Unlock()

		switch {
		case line == "":
			sse.dispatchFrame(event, data.String())
			event = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// heartbeat comment
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	// Stop this stream's watchdog before a reconnect opens the next one.
	cancel()

	sse.mu.Lock()
	intentional := sse.intentionalClose
	if !intentional {
		sse.state = StateDisconnected
	}
	sse.mu.Unlock()
	if intentional {
		return
	}

	log.Warn().Msg("sse push stream ended")
	sse.dispatcher.emitDisconnected(0, "stream ended")
	if sse.config.AutoReconnect {
		sse.scheduleReconnect()
	}
}

// dispatchFrame forwards one complete SSE frame. Unnamed frames may carry
// an envelope whose type names the event.
func (sse *RealtimeSSEClient) dispatchFrame(event, data string) {
	if data == "" {
		return
	}
	if isNotificationEvent(event) {
		sse.dispatcher.dispatchNotification(json.RawMessage(data))
		return
	}
	if event != "" && event != "message" {
		return
	}
	var env RealtimeEnvelope
	if json.Unmarshal([]byte(data), &env) == nil && isNotificationEvent(env.Type) {
		sse.dispatcher.dispatchNotification(env.Payload)
	}
}

func (sse *RealtimeSSEClient) heartbeatWatchdog(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(sse.config.StaleAfter / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sse.mu.Lock()
			stale := time.Since(sse.lastDataTime) > sse.config.StaleAfter
			sse.mu.Unlock()
			if stale {
				log.Warn().Msg("sse push stream stale, closing")
				cancel()
				return
			}
		}
	}
}

func (sse *RealtimeSSEClient) scheduleReconnect() {
	sse.mu.Lock()
	life := sse.lifeCtx
	sse.mu.Unlock()
	if life == nil {
		return
	}

	for sse.recon.shouldReconnect() {
		attempt, delay := sse.recon.nextDelay()
		sse.setState(StateReconnecting)
		sse.dispatcher.emitReconnecting(attempt, delay)
		if !sleepCtx(life, delay) {
			return
		}
		err := sse.open(life)
		if err == nil {
			return
		}
		log.Debug().Err(err).Int("attempt", attempt).Msg("sse reconnect failed")
	}
	sse.setState(StateDisconnected)
}
