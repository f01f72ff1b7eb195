// Package realtime maintains the one long-lived duplex connection to the
// relay. The channel re-declares its subscription set on every
// (re)connect, decodes inbound envelopes once at the boundary into typed
// events, and reconnects after a fixed delay for as long as a session
// exists. Deliberate shutdown cancels any pending reconnect.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	"github.com/syncflowapp/syncflow-go/internal/relay"
)

const (
	// reconnectDelay is deliberately a fixed delay, not a backoff: the
	// channel runs for the lifetime of the process and a 3 second cadence
	// is gentle enough on the relay.
	reconnectDelay = 3 * time.Second

	pingAfter       = 30 * time.Second
	disconnectAfter = 120 * time.Second
)

// State is the connection state of the channel.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// sessionSource is the slice of the auth manager the channel needs.
type sessionSource interface {
	AccessToken() string
	DeviceID() string
	ClearSession() error
}

// subscriptionStore persists the channel subscription set across
// restarts as well as reconnects.
type subscriptionStore interface {
	Subscriptions() ([]string, error)
	SetSubscriptions(subs []string) error
}

// wsConn abstracts the WebSocket connection so the channel can be
// tested without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

type subscribeFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// Channel is the realtime link to the relay.
type Channel struct {
	dialURL string
	auth    sessionSource
	store   subscriptionStore
	logger  *slog.Logger

	// lifeCtx spans the channel's lifetime. Close cancels it, which
	// suppresses any scheduled reconnect.
	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	// dialFn is swapped in tests.
	dialFn func(ctx context.Context, rawURL string) (wsConn, error)

	mu               sync.Mutex
	conn             wsConn
	state            State
	subs             map[string]struct{}
	listener         Listener
	callListener     CallListener
	callStarter      CallStarter
	connCancel       context.CancelFunc
	reconnectPending bool
	closed           bool

	// wmu serializes writes: subscribe calls and the pinger can race.
	wmu sync.Mutex

	lastMessage time.Time
	lastMsgMu   sync.Mutex
}

// NewChannel creates a realtime channel. seedChannels populates the
// subscription set when the store has none persisted yet.
func NewChannel(dialURL string, auth sessionSource, store subscriptionStore, seedChannels []string, logger *slog.Logger) (*Channel, error) {
	subs, err := store.Subscriptions()
	if err != nil {
		return nil, fmt.Errorf("loading subscriptions: %w", err)
	}

	if len(subs) == 0 {
		subs = seedChannels
		if err := store.SetSubscriptions(subs); err != nil {
			return nil, fmt.Errorf("seeding subscriptions: %w", err)
		}
	}

	set := make(map[string]struct{}, len(subs))
	for _, s := range subs {
		set[s] = struct{}{}
	}

	lifeCtx, lifeCancel := context.WithCancel(context.Background())

	c := &Channel{
		dialURL:    dialURL,
		auth:       auth,
		store:      store,
		logger:     logger,
		lifeCtx:    lifeCtx,
		lifeCancel: lifeCancel,
		subs:       set,
	}
	c.dialFn = c.dialWebSocket

	return c, nil
}

func (c *Channel) dialWebSocket(ctx context.Context, rawURL string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// Connect establishes the WebSocket connection. A nil listener never
// clears a previously registered one: independent components call
// Connect just to ensure the link is up without owning the listener
// relationship. Without an access token Connect is a no-op, not an
// error. Already connected or connecting is also a no-op.
func (c *Channel) Connect(ctx context.Context, listener Listener) error {
	c.mu.Lock()
	if listener != nil {
		c.listener = listener
	}

	if c.closed || c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}

	token := c.auth.AccessToken()
	if token == "" {
		c.mu.Unlock()
		return nil
	}

	c.state = StateConnecting
	c.mu.Unlock()

	u, err := url.Parse(c.dialURL)
	if err != nil {
		c.setDisconnected()
		return fmt.Errorf("parsing realtime url: %w", err)
	}

	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, err := c.dialFn(ctx, u.String())
	if err != nil {
		c.setDisconnected()
		c.scheduleReconnect()

		return fmt.Errorf("dialing realtime channel: %w", err)
	}

	c.touchLastMessage()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "closed during connect")

		return nil
	}

	c.conn = conn
	c.state = StateConnected
	connCtx, connCancel := context.WithCancel(c.lifeCtx)
	c.connCancel = connCancel

	subs := make([]string, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	sort.Strings(subs)

	l := c.listener
	c.mu.Unlock()

	// Re-declare every subscription before processing inbound events so
	// the set survives reconnects without caller intervention.
	for _, ch := range subs {
		if err := c.writeJSON(ctx, conn, subscribeFrame{Type: "subscribe", Channel: ch}); err != nil {
			c.handleFailure(fmt.Errorf("redeclaring subscription %s: %w", ch, err))

			return fmt.Errorf("redeclaring subscription %s: %w", ch, err)
		}
	}

	c.logger.Info("realtime channel connected", slog.Int("subscriptions", len(subs)))

	go c.readLoop(connCtx, conn)
	go c.pingLoop(connCtx, conn)

	if l != nil {
		l.OnConnectionChange(true)
	}

	return nil
}

// SetCallListener registers the call-signaling listener.
func (c *Channel) SetCallListener(l CallListener) {
	c.mu.Lock()
	c.callListener = l
	c.mu.Unlock()
}

// SetCallStarter registers the fallback for call frames that arrive
// before a call listener exists.
func (c *Channel) SetCallStarter(f CallStarter) {
	c.mu.Lock()
	c.callStarter = f
	c.mu.Unlock()
}

// ConnState returns the current connection state.
func (c *Channel) ConnState() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Connected reports whether the channel is currently up.
func (c *Channel) Connected() bool {
	return c.ConnState() == StateConnected
}

// Subscribe adds a channel to the subscription set, persists the set,
// and declares it to the relay when connected.
func (c *Channel) Subscribe(ctx context.Context, channel string) error {
	return c.changeSubscription(ctx, channel, true)
}

// Unsubscribe removes a channel from the subscription set.
func (c *Channel) Unsubscribe(ctx context.Context, channel string) error {
	return c.changeSubscription(ctx, channel, false)
}

func (c *Channel) changeSubscription(ctx context.Context, channel string, add bool) error {
	c.mu.Lock()
	if add {
		c.subs[channel] = struct{}{}
	} else {
		delete(c.subs, channel)
	}

	subs := make([]string, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	sort.Strings(subs)

	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if err := c.store.SetSubscriptions(subs); err != nil {
		return fmt.Errorf("persisting subscriptions: %w", err)
	}

	if !connected {
		return nil
	}

	typ := "subscribe"
	if !add {
		typ = "unsubscribe"
	}

	if err := c.writeJSON(ctx, conn, subscribeFrame{Type: typ, Channel: channel}); err != nil {
		return fmt.Errorf("sending %s frame: %w", typ, err)
	}

	return nil
}

// Close shuts the channel down deliberately. Any pending reconnect is
// suppressed; a reconnect firing after Close is a defect, not a retry.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	c.lifeCancel()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "bye")
	}

	return nil
}

func (c *Channel) readLoop(connCtx context.Context, conn wsConn) {
	for {
		typ, data, err := conn.Read(connCtx)
		if err != nil {
			c.handleFailure(err)
			return
		}

		c.touchLastMessage()

		if typ != websocket.MessageText {
			c.logger.Debug("unexpected binary frame", slog.Int("bytes", len(data)))
			continue
		}

		c.dispatch(data)
	}
}

func (c *Channel) pingLoop(connCtx context.Context, conn wsConn) {
	ticker := time.NewTicker(pingAfter / 2)
	defer ticker.Stop()

	for {
		select {
		case <-connCtx.Done():
			return
		case <-ticker.C:
			c.lastMsgMu.Lock()
			elapsed := time.Since(c.lastMessage)
			c.lastMsgMu.Unlock()

			if elapsed > disconnectAfter {
				c.logger.Warn("realtime channel timed out, closing")
				conn.Close(websocket.StatusGoingAway, "timeout")

				return
			}

			if elapsed > pingAfter {
				if err := c.writeJSON(connCtx, conn, map[string]string{"type": "ping"}); err != nil {
					return
				}
			}
		}
	}
}

// handleFailure transitions to Disconnected, notifies the listener, and
// schedules a reconnect while a session still exists.
func (c *Channel) handleFailure(err error) {
	c.mu.Lock()
	if c.closed || c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}

	c.state = StateDisconnected
	conn := c.conn
	c.conn = nil
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}

	l := c.listener
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusInternalError, "connection failure")
	}

	c.logger.Warn("realtime channel disconnected", slog.String("error", err.Error()))

	if l != nil {
		l.OnConnectionChange(false)
	}

	if c.auth.AccessToken() != "" {
		c.scheduleReconnect()
	}
}

// scheduleReconnect arms a single fixed-delay reconnect attempt tied to
// the channel's lifetime context.
func (c *Channel) scheduleReconnect() {
	c.mu.Lock()
	if c.closed || c.reconnectPending {
		c.mu.Unlock()
		return
	}

	c.reconnectPending = true
	c.mu.Unlock()

	go func() {
		timer := time.NewTimer(reconnectDelay)
		defer timer.Stop()

		select {
		case <-c.lifeCtx.Done():
			return
		case <-timer.C:
		}

		c.mu.Lock()
		c.reconnectPending = false
		c.mu.Unlock()

		if err := c.Connect(c.lifeCtx, nil); err != nil {
			c.logger.Warn("reconnect failed", slog.String("error", err.Error()))
		}
	}()
}

func (c *Channel) setDisconnected() {
	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
}

// dispatch decodes one inbound frame and routes it. Frames carry a type
// and a data envelope; server-relayed frames nest the payload one level
// deeper (data.data) than client-originated echoes (data), so one level
// of data.data is unwrapped when present.
func (c *Channel) dispatch(data []byte) {
	typ := gjson.GetBytes(data, "type").Str
	if typ == "" || typ == "pong" {
		return
	}

	payload := gjson.GetBytes(data, "data.data")
	if !payload.Exists() {
		payload = gjson.GetBytes(data, "data")
	}

	raw := json.RawMessage(payload.Raw)

	switch typ {
	case FrameWebRTCSignal, FrameCallIncoming, FrameCallStatus:
		c.dispatchCall(typ, raw)
	case "device_removed":
		c.handleDeviceRemoved(payload)
	default:
		c.dispatchEvent(typ, raw)
	}
}

// dispatchCall routes call frames to the call listener, or to the
// fallback starter when none is registered yet. Call frames are the one
// class that must never be dropped for lack of a listener.
func (c *Channel) dispatchCall(typ string, raw json.RawMessage) {
	ev := CallEvent{
		Type:       typ,
		CallID:     gjson.GetBytes(raw, "call_id").Str,
		SignalType: gjson.GetBytes(raw, "signal_type").Str,
		FromDevice: gjson.GetBytes(raw, "from_device").Str,
		Payload:    raw,
	}

	if gjson.GetBytes(raw, "command").Exists() {
		var cmd relay.CallCommand
		if err := json.Unmarshal(raw, &cmd); err == nil && cmd.ID != "" {
			ev.Command = &cmd
		}
	}

	c.mu.Lock()
	cl := c.callListener
	starter := c.callStarter
	c.mu.Unlock()

	switch {
	case cl != nil:
		cl.OnCallEvent(ev)
	case starter != nil:
		c.logger.Info("no call listener, starting call handler",
			slog.String("type", typ),
			slog.String("call_id", ev.CallID),
		)
		starter(ev)
	default:
		c.logger.Warn("call frame with no handler registered",
			slog.String("type", typ),
			slog.String("call_id", ev.CallID),
		)
	}
}

// handleDeviceRemoved clears the session when this device was removed;
// removals of peer devices are informational only.
func (c *Channel) handleDeviceRemoved(payload gjson.Result) {
	removedID := payload.Get("id").Str
	if removedID == "" {
		removedID = payload.Get("device_id").Str
	}

	if removedID == c.auth.DeviceID() {
		c.logger.Warn("this device was removed remotely, clearing session")

		if err := c.auth.ClearSession(); err != nil {
			c.logger.Error("clearing session after remote removal", slog.String("error", err.Error()))
		}

		c.emit(Event{Type: EventRemotelyUnpaired, ID: removedID})

		// No session left, so the failure path will not reschedule.
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "unpaired")
		}

		return
	}

	c.emit(Event{Type: EventPeerRemoved, ID: removedID})
}

// dispatchEvent decodes a non-call frame into a typed event. Frames with
// no registered listener are dropped.
func (c *Channel) dispatchEvent(typ string, raw json.RawMessage) {
	ev := Event{Type: EventType(typ), Raw: raw}

	switch EventType(typ) {
	case EventMessageNew, EventOutgoingMessage:
		var msg relay.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Warn("decoding message frame", slog.String("error", err.Error()))
			return
		}

		ev.Message = &msg

	case EventMessageDeleted, EventContactDeleted:
		ev.ID = gjson.GetBytes(raw, "id").Str

	case EventMessageRead:
		var receipt relay.ReadReceipt
		if err := json.Unmarshal(raw, &receipt); err != nil {
			c.logger.Warn("decoding read receipt frame", slog.String("error", err.Error()))
			return
		}

		ev.Receipt = &receipt

	case EventContactUpdated:
		var contact relay.Contact
		if err := json.Unmarshal(raw, &contact); err != nil {
			c.logger.Warn("decoding contact frame", slog.String("error", err.Error()))
			return
		}

		ev.Contact = &contact

	default:
		c.logger.Debug("unknown frame type", slog.String("type", typ))
	}

	c.emit(ev)
}

func (c *Channel) emit(ev Event) {
	c.mu.Lock()
	l := c.listener
	c.mu.Unlock()

	if l == nil {
		c.logger.Debug("no listener registered, dropping event", slog.String("type", string(ev.Type)))
		return
	}

	l.OnEvent(ev)
}

// SendSignal forwards an opaque signaling payload over the channel.
func (c *Channel) SendSignal(ctx context.Context, ev CallEvent) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected {
		return fmt.Errorf("realtime channel not connected")
	}

	frame := map[string]any{
		"type": ev.Type,
		"data": map[string]any{
			"call_id":     ev.CallID,
			"signal_type": ev.SignalType,
			"from_device": c.auth.DeviceID(),
			"payload":     ev.Payload,
		},
	}

	if err := c.writeJSON(ctx, conn, frame); err != nil {
		return fmt.Errorf("sending signal: %w", err)
	}

	return nil
}

// writeJSON marshals v and writes it as a text frame. Serialized by wmu
// because subscribe calls, signaling, and the pinger share the socket.
func (c *Channel) writeJSON(ctx context.Context, conn wsConn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling frame: %w", err)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	return conn.Write(ctx, websocket.MessageText, data)
}

func (c *Channel) touchLastMessage() {
	c.lastMsgMu.Lock()
	c.lastMessage = time.Now()
	c.lastMsgMu.Unlock()
}
