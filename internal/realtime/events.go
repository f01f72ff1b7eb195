package realtime

import (
	"encoding/json"

	"github.com/syncflowapp/syncflow-go/internal/relay"
)

// EventType tags a decoded realtime frame.
type EventType string

const (
	EventMessageNew       EventType = "message_new"
	EventMessageDeleted   EventType = "message_deleted"
	EventMessageRead      EventType = "message_read"
	EventContactUpdated   EventType = "contact_updated"
	EventContactDeleted   EventType = "contact_deleted"
	EventOutgoingMessage  EventType = "outgoing_message"
	EventPeerRemoved      EventType = "peer_removed"
	EventRemotelyUnpaired EventType = "remotely_unpaired"
)

// Event is a tagged union of the non-call frames the relay delivers.
// Exactly one payload field is populated, matching Type. Frames are
// decoded once at the channel boundary; listeners never see raw JSON
// envelopes except through Raw, kept for unknown frame types.
type Event struct {
	Type    EventType
	Message *relay.Message
	Contact *relay.Contact
	Receipt *relay.ReadReceipt

	// ID carries the subject id for deletion and device events.
	ID string

	Raw json.RawMessage
}

// Call frame types. These bypass the normal listener rules: an incoming
// call must reach the user even when no call listener is registered yet.
const (
	FrameWebRTCSignal = "webrtc_signal"
	FrameCallIncoming = "syncflow_call_incoming"
	FrameCallStatus   = "syncflow_call_status"
)

// CallEvent is a decoded call-signaling frame. Payload is opaque; only
// the envelope fields are interpreted.
type CallEvent struct {
	Type       string
	CallID     string
	SignalType string
	FromDevice string
	Command    *relay.CallCommand
	Payload    json.RawMessage
}

// Listener receives non-call events and connectivity changes.
type Listener interface {
	OnEvent(ev Event)
	OnConnectionChange(connected bool)
}

// CallListener receives call-signaling events.
type CallListener interface {
	OnCallEvent(ev CallEvent)
}

// CallStarter is the fallback invoked for call frames when no call
// listener is registered, so an incoming call is never dropped just
// because the call service has not started yet.
type CallStarter func(ev CallEvent)
