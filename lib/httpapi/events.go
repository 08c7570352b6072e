package httpapi

import (
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/modular-agent/modular-agent-slack/lib/socketmode"
	"github.com/modular-agent/modular-agent-slack/lib/util"
)

// SessionStatus is the API-facing rendition of the event transport
// state. The values mirror socketmode.State one to one; the separate
// type keeps the wire contract stable if the transport grows states.
type SessionStatus string

const (
	SessionStatusDisconnected   SessionStatus = "disconnected"
	SessionStatusConnecting     SessionStatus = "connecting"
	SessionStatusAuthenticating SessionStatus = "authenticating"
	SessionStatusConnected      SessionStatus = "connected"
	SessionStatusReconnecting   SessionStatus = "reconnecting"
)

var SessionStatusValues = []SessionStatus{
	SessionStatusDisconnected,
	SessionStatusConnecting,
	SessionStatusAuthenticating,
	SessionStatusConnected,
	SessionStatusReconnecting,
}

func (s SessionStatus) Schema(r huma.Registry) *huma.Schema {
	return util.OpenAPISchema(r, "SessionStatus", SessionStatusValues)
}

func convertState(state socketmode.State) SessionStatus {
	switch state {
	case socketmode.StateDisconnected:
		return SessionStatusDisconnected
	case socketmode.StateConnecting:
		return SessionStatusConnecting
	case socketmode.StateAuthenticating:
		return SessionStatusAuthenticating
	case socketmode.StateConnected:
		return SessionStatusConnected
	case socketmode.StateReconnecting:
		return SessionStatusReconnecting
	}
	panic(fmt.Sprintf("unknown transport state: %s", state))
}

type EventType string

const (
	EventTypeLiveEvent    EventType = "live_event"
	EventTypeStatusChange EventType = "status_change"
	EventTypeError        EventType = "error"
)

// LiveEventBody is the wire form of a user message picked up by the
// listener.
type LiveEventBody struct {
	Text     string `json:"text" doc:"Message text"`
	User     string `json:"user" doc:"Author user ID"`
	Channel  string `json:"channel" doc:"Channel ID the message was posted in"`
	TS       string `json:"ts" doc:"Message timestamp, an opaque sortable string"`
	ThreadTS string `json:"thread_ts,omitempty" doc:"Parent timestamp when the message is a thread reply"`
}

type StatusChangeBody struct {
	Status SessionStatus `json:"status" doc:"Current state of the event transport session"`
}

type ErrorBody struct {
	Message string    `json:"message" doc:"Error message"`
	Time    time.Time `json:"time" doc:"Time the error occurred"`
}

type Event struct {
	Type    EventType
	Payload any
}

const defaultSubscriptionBufSize = 1024

type EventEmitterOption func(*EventEmitter)

// WithSubscriptionBufSize overrides the per-subscriber channel buffer.
func WithSubscriptionBufSize(size int) EventEmitterOption {
	return func(e *EventEmitter) {
		e.bufSize = size
	}
}

// WithClock overrides the clock used to stamp error events.
func WithClock(clock quartz.Clock) EventEmitterOption {
	return func(e *EventEmitter) {
		e.clock = clock
	}
}

// EventEmitter fans session events out to SSE subscribers. Delivery is
// best effort: a subscriber that stops draining its channel is dropped
// rather than allowed to stall the transport.
type EventEmitter struct {
	mu       sync.Mutex
	bufSize  int
	clock    quartz.Clock
	status   SessionStatus
	channels map[uuid.UUID]chan Event
	closed   bool
}

func NewEventEmitter(opts ...EventEmitterOption) *EventEmitter {
	e := &EventEmitter{
		bufSize:  defaultSubscriptionBufSize,
		clock:    quartz.NewReal(),
		status:   SessionStatusDisconnected,
		channels: make(map[uuid.UUID]chan Event),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Subscribe registers a new consumer. It returns the subscription id,
// the event channel and the current state rendered as events, to be
// replayed to the consumer before anything read from the channel.
func (e *EventEmitter) Subscribe() (uuid.UUID, <-chan Event, []Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := uuid.New()
	ch := make(chan Event, e.bufSize)
	if e.closed {
		close(ch)
	} else {
		e.channels[id] = ch
	}
	return id, ch, e.currentStateAsEvents()
}

func (e *EventEmitter) Unsubscribe(id uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unsubscribeInner(id)
}

func (e *EventEmitter) unsubscribeInner(id uuid.UUID) {
	ch, ok := e.channels[id]
	if !ok {
		return
	}
	delete(e.channels, id)
	close(ch)
}

func (e *EventEmitter) currentStateAsEvents() []Event {
	return []Event{
		{
			Type:    EventTypeStatusChange,
			Payload: StatusChangeBody{Status: e.status},
		},
	}
}

// EmitLiveEvent publishes a message picked up by the listener.
func (e *EventEmitter) EmitLiveEvent(ev socketmode.LiveEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifyChannels(EventTypeLiveEvent, LiveEventBody{
		Text:     ev.Text,
		User:     ev.User,
		Channel:  ev.Channel,
		TS:       ev.TS,
		ThreadTS: ev.ThreadTS,
	})
}

// EmitStatus publishes a session state transition. Repeats of the
// current status are dropped so subscribers only ever see changes.
func (e *EventEmitter) EmitStatus(state socketmode.State) {
	status := convertState(state)
	e.mu.Lock()
	defer e.mu.Unlock()
	if status == e.status {
		return
	}
	e.status = status
	e.notifyChannels(EventTypeStatusChange, StatusChangeBody{Status: status})
}

// EmitError publishes a transport error, stamped with the emitter's
// clock.
func (e *EventEmitter) EmitError(message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifyChannels(EventTypeError, ErrorBody{
		Message: message,
		Time:    e.clock.Now(),
	})
}

// notifyChannels delivers an event to every subscriber without
// blocking. A full buffer means the consumer stopped draining; its
// subscription is closed instead of holding up the caller.
func (e *EventEmitter) notifyChannels(eventType EventType, payload any) {
	for id, ch := range e.channels {
		select {
		case ch <- Event{Type: eventType, Payload: payload}:
		default:
			e.unsubscribeInner(id)
		}
	}
}

// Close drops every subscription and closes its channel. Later
// Subscribe calls still return the state snapshot, with an already
// closed channel.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for id := range e.channels {
		e.unsubscribeInner(id)
	}
}
