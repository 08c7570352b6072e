package socketmode

import (
	"encoding/json"

	"golang.org/x/xerrors"
)

// FrameKind distinguishes transport-level frame categories. Data frames
// carry JSON envelopes; ping and pong are the transport's heartbeat
// control frames.
type FrameKind int

const (
	FrameData FrameKind = iota
	FramePing
	FramePong
)

// Frame is one unit read from or written to the transport connection.
// For data frames, Data holds the raw JSON envelope; for ping and pong
// frames it holds the peer's opaque heartbeat payload, which must be
// echoed back in the acknowledgement.
type Frame struct {
	Kind FrameKind
	Data []byte
}

// Envelope type strings used by the push transport.
const (
	envelopeTypeHello      = "hello"
	envelopeTypeEventsAPI  = "events_api"
	envelopeTypeDisconnect = "disconnect"
)

// envelope is the wire shape shared by all inbound data frames. Frames
// carrying an envelope_id must be acknowledged regardless of whether
// their payload is consumed; redelivery is keyed to acknowledgements.
type envelope struct {
	Type       string          `json:"type"`
	EnvelopeID string          `json:"envelope_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

func parseEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, xerrors.Errorf("failed to parse envelope: %w", err)
	}
	if env.Type == "" {
		return envelope{}, xerrors.Errorf("envelope carries no type")
	}
	return env, nil
}

// ackFrame builds the acknowledgement for an envelope.
func ackFrame(envelopeID string) (Frame, error) {
	data, err := json.Marshal(struct {
		EnvelopeID string `json:"envelope_id"`
	}{EnvelopeID: envelopeID})
	if err != nil {
		return Frame{}, xerrors.Errorf("failed to encode ack: %w", err)
	}
	return Frame{Kind: FrameData, Data: data}, nil
}

// LiveEvent is one user message received over the push transport. The
// (Channel, TS) pair identifies the underlying platform event and is the
// deduplication key within a connection epoch.
type LiveEvent struct {
	Text     string `json:"text"`
	User     string `json:"user"`
	Channel  string `json:"channel"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts,omitempty"`
}

// eventCallback is the events_api payload wrapper.
type eventCallback struct {
	Type  string `json:"type"`
	Event struct {
		Type     string `json:"type"`
		SubType  string `json:"subtype"`
		Channel  string `json:"channel"`
		User     string `json:"user"`
		BotID    string `json:"bot_id"`
		Text     string `json:"text"`
		TS       string `json:"ts"`
		ThreadTS string `json:"thread_ts"`
	} `json:"event"`
}

// decodeLiveEvent turns an events_api payload into a LiveEvent. The
// second return is false for payloads that are well-formed but not user
// messages (edits, joins, bot chatter); an error means the payload is
// malformed and should be counted as such.
func decodeLiveEvent(payload []byte) (LiveEvent, bool, error) {
	var cb eventCallback
	if err := json.Unmarshal(payload, &cb); err != nil {
		return LiveEvent{}, false, xerrors.Errorf("failed to parse event payload: %w", err)
	}
	ev := cb.Event
	if ev.Type != "message" || ev.SubType != "" || ev.BotID != "" || ev.User == "" {
		return LiveEvent{}, false, nil
	}
	if ev.Channel == "" || ev.TS == "" {
		return LiveEvent{}, false, xerrors.Errorf("message event missing channel or ts")
	}
	return LiveEvent{
		Text:     ev.Text,
		User:     ev.User,
		Channel:  ev.Channel,
		TS:       ev.TS,
		ThreadTS: ev.ThreadTS,
	}, true, nil
}
