package call

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncflowapp/syncflow-go/internal/errs"
	"github.com/syncflowapp/syncflow-go/internal/realtime"
	"github.com/syncflowapp/syncflow-go/internal/relay"
)

type fakeRelay struct {
	mu            sync.Mutex
	pending       []relay.CallCommand
	pendingErr    error
	acked         []string
	ackErr        error
	statusUpdates map[string]string
	statusErr     error
}

func (f *fakeRelay) PendingCallCommands(context.Context) ([]relay.CallCommand, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]relay.CallCommand(nil), f.pending...), f.pendingErr
}

func (f *fakeRelay) MarkCommandProcessed(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ackErr != nil {
		return f.ackErr
	}
	f.acked = append(f.acked, id)
	return nil
}

func (f *fakeRelay) UpdateCallStatus(_ context.Context, callID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return f.statusErr
	}
	if f.statusUpdates == nil {
		f.statusUpdates = make(map[string]string)
	}
	f.statusUpdates[callID] = status
	return nil
}

func (f *fakeRelay) status(callID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusUpdates[callID]
}

// memLog is an in-memory exactly-once command log.
type memLog struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (m *memLog) MarkCommandProcessed(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen == nil {
		m.seen = make(map[string]bool)
	}
	if m.seen[id] {
		return false, nil
	}
	m.seen[id] = true
	return true, nil
}

type recordingHandler struct {
	mu       sync.Mutex
	answered []string
	rejected []string
	ended    []string
	placed   []string
	err      error
}

func (h *recordingHandler) AnswerCall(_ context.Context, callID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.answered = append(h.answered, callID)
	return nil
}

func (h *recordingHandler) RejectCall(_ context.Context, callID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rejected = append(h.rejected, callID)
	return nil
}

func (h *recordingHandler) EndCall(_ context.Context, callID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ended = append(h.ended, callID)
	return nil
}

func (h *recordingHandler) PlaceCall(_ context.Context, phoneNumber string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.placed = append(h.placed, phoneNumber)
	return nil
}

type recordingNotifier struct {
	mu        sync.Mutex
	shown     []string
	dismissed []string
}

func (n *recordingNotifier) ShowIncomingCall(c ActiveCall) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.shown = append(n.shown, c.ID)
}

func (n *recordingNotifier) DismissIncomingCall(callID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dismissed = append(n.dismissed, callID)
}

type fakeSender struct {
	mu   sync.Mutex
	sent []realtime.CallEvent
}

func (f *fakeSender) SendSignal(_ context.Context, ev realtime.CallEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, ev)
	return nil
}

type fixture struct {
	relay    *fakeRelay
	log      *memLog
	handler  *recordingHandler
	notifier *recordingNotifier
	sender   *fakeSender
	machine  *Machine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		relay:    &fakeRelay{},
		log:      &memLog{},
		handler:  &recordingHandler{},
		notifier: &recordingNotifier{},
		sender:   &fakeSender{},
	}
	f.machine = NewMachine(f.relay, f.log, f.handler, f.notifier, f.sender, 15*time.Second, slog.Default())

	return f
}

func ringing(t *testing.T, f *fixture, callID string) {
	t.Helper()

	require.NoError(t, f.machine.StartRinging(ActiveCall{
		ID:          callID,
		PhoneNumber: "+15550100",
		Direction:   DirectionIncoming,
	}))
}

func TestStartRinging_ShowsNotification(t *testing.T) {
	f := newFixture(t)
	ringing(t, f, "c1")

	active := f.machine.Active()
	require.NotNil(t, active)
	assert.Equal(t, StateRinging, active.State)
	assert.Equal(t, []string{"c1"}, f.notifier.shown)
}

func TestStartRinging_OneCallAtATime(t *testing.T) {
	f := newFixture(t)
	ringing(t, f, "c1")

	err := f.machine.StartRinging(ActiveCall{ID: "c2", Direction: DirectionIncoming})
	assert.ErrorIs(t, err, errs.ErrCallInProgress)

	active := f.machine.Active()
	require.NotNil(t, active)
	assert.Equal(t, "c1", active.ID)
}

func TestTransition_TerminalDoesBothSideEffects(t *testing.T) {
	f := newFixture(t)
	ringing(t, f, "c1")

	require.NoError(t, f.machine.Transition(context.Background(), "c1", StateRejected))

	// Terminal transition updates the server and dismisses the
	// notification; neither may be skipped.
	assert.Equal(t, "rejected", f.relay.status("c1"))
	assert.Equal(t, []string{"c1"}, f.notifier.dismissed)
	assert.Nil(t, f.machine.Active())
}

func TestTransition_NotifierStillDismissedWhenServerFails(t *testing.T) {
	f := newFixture(t)
	f.relay.statusErr = fmt.Errorf("relay down")
	ringing(t, f, "c1")

	err := f.machine.Transition(context.Background(), "c1", StateEnded)
	require.Error(t, err)
	assert.Equal(t, []string{"c1"}, f.notifier.dismissed)
	assert.Nil(t, f.machine.Active())
}

func TestTransition_InvalidTransitionRejected(t *testing.T) {
	f := newFixture(t)
	ringing(t, f, "c1")

	require.NoError(t, f.machine.Transition(context.Background(), "c1", StateActive))

	// Active can only end or fail.
	err := f.machine.Transition(context.Background(), "c1", StateMissed)
	assert.ErrorContains(t, err, "invalid call transition")
}

func TestTransition_UnknownCall(t *testing.T) {
	f := newFixture(t)

	err := f.machine.Transition(context.Background(), "ghost", StateEnded)
	assert.ErrorIs(t, err, errs.ErrNoActiveCall)
}

func TestProcessCommand_ExactlyOnceOnRedelivery(t *testing.T) {
	f := newFixture(t)
	ringing(t, f, "c1")

	cmd := relay.CallCommand{ID: "cmd-1", CallID: "c1", Command: relay.CommandAnswer}

	require.NoError(t, f.machine.ProcessCommand(context.Background(), cmd))
	// The relay redelivers the same command.
	require.NoError(t, f.machine.ProcessCommand(context.Background(), cmd))

	assert.Equal(t, []string{"c1"}, f.handler.answered)
	assert.Equal(t, []string{"cmd-1"}, f.relay.acked)

	active := f.machine.Active()
	require.NotNil(t, active)
	assert.Equal(t, StateActive, active.State)
}

func TestProcessCommand_AlreadyProcessedFlagSkips(t *testing.T) {
	f := newFixture(t)
	ringing(t, f, "c1")

	cmd := relay.CallCommand{ID: "cmd-1", CallID: "c1", Command: relay.CommandAnswer, Processed: true}
	require.NoError(t, f.machine.ProcessCommand(context.Background(), cmd))

	assert.Empty(t, f.handler.answered)
	assert.Empty(t, f.relay.acked)
}

func TestProcessCommand_RemoteAckFailureDoesNotUndoLocal(t *testing.T) {
	f := newFixture(t)
	f.relay.ackErr = fmt.Errorf("relay down")
	ringing(t, f, "c1")

	cmd := relay.CallCommand{ID: "cmd-1", CallID: "c1", Command: relay.CommandAnswer}
	require.NoError(t, f.machine.ProcessCommand(context.Background(), cmd))

	// Redelivery after a failed remote ack must still be a no-op; the
	// local log wins.
	require.NoError(t, f.machine.ProcessCommand(context.Background(), cmd))
	assert.Equal(t, []string{"c1"}, f.handler.answered)
}

func TestProcessCommand_MakeCall(t *testing.T) {
	f := newFixture(t)

	cmd := relay.CallCommand{ID: "cmd-1", CallID: "c9", Command: relay.CommandMakeCall, PhoneNumber: "+15550123"}
	require.NoError(t, f.machine.ProcessCommand(context.Background(), cmd))

	assert.Equal(t, []string{"+15550123"}, f.handler.placed)

	active := f.machine.Active()
	require.NotNil(t, active)
	assert.Equal(t, DirectionOutgoing, active.Direction)
	assert.Equal(t, StateRinging, active.State)
	// Outgoing calls do not ring the local notifier.
	assert.Empty(t, f.notifier.shown)
}

func TestProcessCommand_Reject(t *testing.T) {
	f := newFixture(t)
	ringing(t, f, "c1")

	cmd := relay.CallCommand{ID: "cmd-1", CallID: "c1", Command: relay.CommandReject}
	require.NoError(t, f.machine.ProcessCommand(context.Background(), cmd))

	assert.Equal(t, []string{"c1"}, f.handler.rejected)
	assert.Equal(t, "rejected", f.relay.status("c1"))
	assert.Nil(t, f.machine.Active())
}

func TestOnCallEvent_IncomingFrameStartsRinging(t *testing.T) {
	f := newFixture(t)

	f.machine.OnCallEvent(realtime.CallEvent{
		Type:    realtime.FrameCallIncoming,
		Payload: json.RawMessage(`{"call_id":"c1","phone_number":"+15550100","contact_name":"Sam"}`),
	})

	active := f.machine.Active()
	require.NotNil(t, active)
	assert.Equal(t, "c1", active.ID)
	assert.Equal(t, "Sam", active.ContactName)
	assert.Equal(t, []string{"c1"}, f.notifier.shown)
}

func TestOnCallEvent_StatusFrameAppliesTransition(t *testing.T) {
	f := newFixture(t)
	ringing(t, f, "c1")

	f.machine.OnCallEvent(realtime.CallEvent{
		Type:    realtime.FrameCallStatus,
		CallID:  "c1",
		Payload: json.RawMessage(`{"status":"missed"}`),
	})

	assert.Equal(t, "missed", f.relay.status("c1"))
	assert.Nil(t, f.machine.Active())
}

func TestOnCallEvent_SignalForwardedToSink(t *testing.T) {
	f := newFixture(t)
	ringing(t, f, "c1")

	var got []realtime.CallEvent
	f.machine.SetSignalSink(func(ev realtime.CallEvent) { got = append(got, ev) })

	f.machine.OnCallEvent(realtime.CallEvent{
		Type:    realtime.FrameWebRTCSignal,
		CallID:  "c1",
		Payload: json.RawMessage(`{"sdp":"blob"}`),
	})
	// Signals for other calls are dropped.
	f.machine.OnCallEvent(realtime.CallEvent{
		Type:    realtime.FrameWebRTCSignal,
		CallID:  "other",
		Payload: json.RawMessage(`{}`),
	})

	require.Len(t, got, 1)
	assert.Equal(t, "c1", got[0].CallID)
	assert.JSONEq(t, `{"sdp":"blob"}`, string(got[0].Payload))
}

func TestSendSignal_RequiresActiveCall(t *testing.T) {
	f := newFixture(t)

	err := f.machine.SendSignal(context.Background(), "offer", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, errs.ErrNoActiveCall)

	ringing(t, f, "c1")
	require.NoError(t, f.machine.SendSignal(context.Background(), "offer", json.RawMessage(`{"sdp":"x"}`)))

	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, "c1", f.sender.sent[0].CallID)
	assert.Equal(t, "offer", f.sender.sent[0].SignalType)
}

func TestPoll_ConsumesPendingCommands(t *testing.T) {
	f := newFixture(t)
	f.relay.pending = []relay.CallCommand{
		{ID: "cmd-1", CallID: "c1", Command: relay.CommandMakeCall, PhoneNumber: "+15550100"},
		{ID: "cmd-2", Command: "bogus"},
	}

	require.NoError(t, f.machine.Poll(context.Background()))

	assert.Equal(t, []string{"+15550100"}, f.handler.placed)
	// Both commands are claimed and acked even when execution fails;
	// redelivering a bogus command forever helps nobody.
	assert.ElementsMatch(t, []string{"cmd-1", "cmd-2"}, f.relay.acked)

	// A second poll with the same pending set is a no-op.
	require.NoError(t, f.machine.Poll(context.Background()))
	assert.Len(t, f.handler.placed, 1)
}
