// Package call drives the lifecycle of at most one active call per
// device. Transitions come from two sources that must be reconciled:
// realtime call frames and a periodic fallback poll of pending commands
// for calls that arrived while realtime delivery was not guaranteed.
// Command consumption is exactly-once: the relay delivers at least once,
// the local processed set deduplicates.
package call

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/syncflowapp/syncflow-go/internal/errs"
	"github.com/syncflowapp/syncflow-go/internal/realtime"
	"github.com/syncflowapp/syncflow-go/internal/relay"
)

// CallState is one step of the call lifecycle.
type CallState string

const (
	StateRinging  CallState = "ringing"
	StateActive   CallState = "active"
	StateEnded    CallState = "ended"
	StateRejected CallState = "rejected"
	StateMissed   CallState = "missed"
	StateFailed   CallState = "failed"
)

// terminal reports whether a state ends the call.
func terminal(s CallState) bool {
	switch s {
	case StateEnded, StateRejected, StateMissed, StateFailed:
		return true
	}

	return false
}

// Direction of a call relative to this device.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// ActiveCall is the one call currently tracked by the machine.
type ActiveCall struct {
	ID          string
	PhoneNumber string
	ContactName string
	State       CallState
	Direction   Direction
	Timestamp   int64
}

// Handler executes call actions on the device's telephony layer.
type Handler interface {
	AnswerCall(ctx context.Context, callID string) error
	RejectCall(ctx context.Context, callID string) error
	EndCall(ctx context.Context, callID string) error
	PlaceCall(ctx context.Context, phoneNumber string) error
}

// Notifier shows and dismisses the local incoming-call notification.
type Notifier interface {
	ShowIncomingCall(call ActiveCall)
	DismissIncomingCall(callID string)
}

// relayAPI is the slice of the relay client the machine uses.
type relayAPI interface {
	PendingCallCommands(ctx context.Context) ([]relay.CallCommand, error)
	MarkCommandProcessed(ctx context.Context, id string) error
	UpdateCallStatus(ctx context.Context, callID, status string) error
}

// commandLog is the local exactly-once gate for command consumption.
type commandLog interface {
	MarkCommandProcessed(id string) (bool, error)
}

// signalSender forwards opaque signaling payloads to peers.
type signalSender interface {
	SendSignal(ctx context.Context, ev realtime.CallEvent) error
}

// Machine is the call signaling state machine.
type Machine struct {
	relay    relayAPI
	log      commandLog
	handler  Handler
	notifier Notifier
	sender   signalSender
	logger   *slog.Logger

	pollInterval time.Duration

	mu     sync.Mutex
	active *ActiveCall

	// signalSink receives webrtc_signal events for the active call. The
	// machine never inspects signal payloads, only envelope fields.
	signalSink func(ev realtime.CallEvent)
}

// NewMachine creates a call state machine.
func NewMachine(r relayAPI, log commandLog, handler Handler, notifier Notifier, sender signalSender, pollInterval time.Duration, logger *slog.Logger) *Machine {
	return &Machine{
		relay:        r,
		log:          log,
		handler:      handler,
		notifier:     notifier,
		sender:       sender,
		logger:       logger,
		pollInterval: pollInterval,
	}
}

// SetSignalSink registers the consumer of pass-through signaling
// payloads (the WebRTC layer).
func (m *Machine) SetSignalSink(sink func(ev realtime.CallEvent)) {
	m.mu.Lock()
	m.signalSink = sink
	m.mu.Unlock()
}

// Active returns a copy of the tracked call, or nil when idle.
func (m *Machine) Active() *ActiveCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return nil
	}

	call := *m.active

	return &call
}

// OnCallEvent consumes a call frame from the realtime channel. This is
// the method registered as the channel's call listener.
func (m *Machine) OnCallEvent(ev realtime.CallEvent) {
	ctx := context.Background()

	switch ev.Type {
	case realtime.FrameCallIncoming:
		if ev.Command != nil {
			if err := m.ProcessCommand(ctx, *ev.Command); err != nil {
				m.logger.Warn("processing realtime call command",
					slog.String("command_id", ev.Command.ID),
					slog.String("error", err.Error()),
				)
			}

			return
		}

		m.handleIncomingFrame(ev)

	case realtime.FrameCallStatus:
		m.handleStatusFrame(ctx, ev)

	case realtime.FrameWebRTCSignal:
		m.forwardSignal(ev)

	default:
		m.logger.Debug("ignoring call frame", slog.String("type", ev.Type))
	}
}

// handleIncomingFrame starts ringing for an incoming call frame.
func (m *Machine) handleIncomingFrame(ev realtime.CallEvent) {
	var payload struct {
		CallID      string `json:"call_id"`
		PhoneNumber string `json:"phone_number"`
		ContactName string `json:"contact_name"`
		Timestamp   int64  `json:"timestamp"`
	}
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		m.logger.Warn("decoding incoming call frame", slog.String("error", err.Error()))
		return
	}

	call := ActiveCall{
		ID:          payload.CallID,
		PhoneNumber: payload.PhoneNumber,
		ContactName: payload.ContactName,
		State:       StateRinging,
		Direction:   DirectionIncoming,
		Timestamp:   payload.Timestamp,
	}

	if err := m.StartRinging(call); err != nil {
		m.logger.Warn("starting incoming call",
			slog.String("call_id", call.ID),
			slog.String("error", err.Error()),
		)
	}
}

// handleStatusFrame applies a peer-reported status to the active call.
func (m *Machine) handleStatusFrame(ctx context.Context, ev realtime.CallEvent) {
	status := CallState(statusFromPayload(ev.Payload))
	if status == "" {
		return
	}

	if err := m.Transition(ctx, ev.CallID, status); err != nil {
		m.logger.Warn("applying call status",
			slog.String("call_id", ev.CallID),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
	}
}

func statusFromPayload(raw json.RawMessage) string {
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ""
	}

	return payload.Status
}

// forwardSignal passes an opaque signaling payload to the registered
// sink, filtered to the active call id.
func (m *Machine) forwardSignal(ev realtime.CallEvent) {
	m.mu.Lock()
	sink := m.signalSink
	active := m.active
	m.mu.Unlock()

	if active == nil || active.ID != ev.CallID {
		m.logger.Debug("dropping signal for inactive call", slog.String("call_id", ev.CallID))
		return
	}

	if sink == nil {
		m.logger.Debug("no signal sink registered", slog.String("call_id", ev.CallID))
		return
	}

	sink(ev)
}

// SendSignal forwards an offer/answer/candidate blob for the active call
// to peers over the realtime channel. The payload is never inspected.
func (m *Machine) SendSignal(ctx context.Context, signalType string, payload json.RawMessage) error {
	m.mu.Lock()
	active := m.active
	m.mu.Unlock()

	if active == nil {
		return errs.ErrNoActiveCall
	}

	return m.sender.SendSignal(ctx, realtime.CallEvent{
		Type:       realtime.FrameWebRTCSignal,
		CallID:     active.ID,
		SignalType: signalType,
		Payload:    payload,
	})
}

// StartRinging registers a new incoming or outgoing call. Only one call
// may be active at a time.
func (m *Machine) StartRinging(call ActiveCall) error {
	m.mu.Lock()
	if m.active != nil && !terminal(m.active.State) {
		m.mu.Unlock()
		return fmt.Errorf("%w: call %s", errs.ErrCallInProgress, call.ID)
	}

	call.State = StateRinging
	if call.Timestamp == 0 {
		call.Timestamp = time.Now().UnixMilli()
	}

	m.active = &call
	m.mu.Unlock()

	if call.Direction == DirectionIncoming && m.notifier != nil {
		m.notifier.ShowIncomingCall(call)
	}

	m.logger.Info("call ringing",
		slog.String("call_id", call.ID),
		slog.String("direction", string(call.Direction)),
	)

	return nil
}

// Transition moves the active call to a new state. Terminal states
// trigger two mandatory side effects: the server-side status update and
// the dismissal of any local incoming-call notification. Neither may be
// skipped; they run in either order and failures in one do not suppress
// the other.
func (m *Machine) Transition(ctx context.Context, callID string, to CallState) error {
	m.mu.Lock()
	if m.active == nil || m.active.ID != callID {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", errs.ErrNoActiveCall, callID)
	}

	from := m.active.State
	if !validTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("invalid call transition %s -> %s", from, to)
	}

	m.active.State = to
	isTerminal := terminal(to)
	if isTerminal {
		m.active = nil
	}
	m.mu.Unlock()

	m.logger.Info("call state changed",
		slog.String("call_id", callID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)

	if !isTerminal {
		return nil
	}

	var firstErr error

	if err := m.relay.UpdateCallStatus(ctx, callID, string(to)); err != nil {
		firstErr = fmt.Errorf("updating call status: %w", err)
		m.logger.Warn("updating server call status",
			slog.String("call_id", callID),
			slog.String("error", err.Error()),
		)
	}

	if m.notifier != nil {
		m.notifier.DismissIncomingCall(callID)
	}

	return firstErr
}

func validTransition(from, to CallState) bool {
	switch from {
	case StateRinging:
		return to == StateActive || terminal(to)
	case StateActive:
		return to == StateEnded || to == StateFailed
	}

	return false
}

// ProcessCommand consumes one peer command exactly once. Commands
// already marked processed (locally or by the relay) are ignored; the
// relay may redeliver.
func (m *Machine) ProcessCommand(ctx context.Context, cmd relay.CallCommand) error {
	if cmd.Processed {
		return nil
	}

	first, err := m.log.MarkCommandProcessed(cmd.ID)
	if err != nil {
		return fmt.Errorf("checking command log: %w", err)
	}

	if !first {
		m.logger.Debug("ignoring redelivered command", slog.String("command_id", cmd.ID))
		return nil
	}

	if err := m.execute(ctx, cmd); err != nil {
		// The local log already claimed the command; executing twice
		// would be worse than failing once, so the claim stands.
		m.logger.Warn("executing call command",
			slog.String("command_id", cmd.ID),
			slog.String("command", cmd.Command),
			slog.String("error", err.Error()),
		)
	}

	// Remote ack is best effort; the local log is what guarantees
	// exactly-once execution if the relay redelivers before the ack.
	if err := m.relay.MarkCommandProcessed(ctx, cmd.ID); err != nil {
		m.logger.Warn("acking command to relay",
			slog.String("command_id", cmd.ID),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

func (m *Machine) execute(ctx context.Context, cmd relay.CallCommand) error {
	switch cmd.Command {
	case relay.CommandAnswer:
		if err := m.handler.AnswerCall(ctx, cmd.CallID); err != nil {
			return err
		}

		return m.Transition(ctx, cmd.CallID, StateActive)

	case relay.CommandReject:
		if err := m.handler.RejectCall(ctx, cmd.CallID); err != nil {
			return err
		}

		return m.Transition(ctx, cmd.CallID, StateRejected)

	case relay.CommandEnd:
		if err := m.handler.EndCall(ctx, cmd.CallID); err != nil {
			return err
		}

		return m.Transition(ctx, cmd.CallID, StateEnded)

	case relay.CommandMakeCall:
		if err := m.StartRinging(ActiveCall{
			ID:          cmd.CallID,
			PhoneNumber: cmd.PhoneNumber,
			Direction:   DirectionOutgoing,
			Timestamp:   cmd.Timestamp,
		}); err != nil {
			return err
		}

		return m.handler.PlaceCall(ctx, cmd.PhoneNumber)

	default:
		return fmt.Errorf("unknown call command %q", cmd.Command)
	}
}

// Poll fetches and consumes pending commands once. Used at startup and
// by the fallback ticker.
func (m *Machine) Poll(ctx context.Context) error {
	commands, err := m.relay.PendingCallCommands(ctx)
	if err != nil {
		return fmt.Errorf("polling pending commands: %w", err)
	}

	for _, cmd := range commands {
		if err := m.ProcessCommand(ctx, cmd); err != nil {
			m.logger.Warn("processing polled command",
				slog.String("command_id", cmd.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}

// Run polls on a fixed interval until the context is cancelled. The
// poll is the fallback for calls that arrive while realtime delivery
// could not be guaranteed.
func (m *Machine) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Poll(ctx); err != nil {
				m.logger.Warn("fallback poll failed", slog.String("error", err.Error()))
			}
		}
	}
}
