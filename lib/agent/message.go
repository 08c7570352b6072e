package agent

import (
	"bytes"
	"context"
	"encoding/json"

	"golang.org/x/xerrors"

	"github.com/modular-agent/modular-agent-slack/lib/socketmode"
)

// HostMessage is the host's chat-message shape.
type HostMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// DefaultMessageRole is assigned to converted messages unless the agent
// is configured otherwise.
const DefaultMessageRole = "user"

// ToMessage converts a live event or plain text into a HostMessage. It
// makes no network calls.
type ToMessage struct {
	role string
}

func NewToMessage(role string) *ToMessage {
	if role == "" {
		role = DefaultMessageRole
	}
	return &ToMessage{role: role}
}

func (a *ToMessage) Invoke(_ context.Context, input []byte) (HostMessage, error) {
	trimmed := bytes.TrimSpace(input)
	if len(trimmed) == 0 {
		return HostMessage{}, xerrors.Errorf("empty message input")
	}
	switch trimmed[0] {
	case '{':
		var ev socketmode.LiveEvent
		if err := json.Unmarshal(trimmed, &ev); err != nil {
			return HostMessage{}, xerrors.Errorf("failed to parse message input: %w", err)
		}
		return HostMessage{Role: a.role, Content: ev.Text}, nil
	case '"':
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return HostMessage{}, xerrors.Errorf("failed to parse message input: %w", err)
		}
		return HostMessage{Role: a.role, Content: text}, nil
	default:
		return HostMessage{Role: a.role, Content: string(trimmed)}, nil
	}
}
