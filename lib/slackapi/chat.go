package slackapi

import (
	"context"
	"encoding/json"
	"net/http"

	"golang.org/x/xerrors"
)

type PostMessageRequest struct {
	Channel  string          `json:"channel"`
	Text     string          `json:"text,omitempty"`
	Blocks   json.RawMessage `json:"blocks,omitempty"`
	ThreadTS string          `json:"thread_ts,omitempty"`
}

// PostMessageResponse carries the platform's acknowledgement verbatim.
type PostMessageResponse struct {
	OK      bool   `json:"ok"`
	Channel string `json:"channel"`
	TS      string `json:"ts"`
}

// PostMessage sends a message via chat.postMessage. Channel must already
// be a platform ID; name resolution is the caller's concern.
func (c *Client) PostMessage(ctx context.Context, token string, req PostMessageRequest) (*PostMessageResponse, error) {
	if req.Channel == "" {
		return nil, xerrors.Errorf("chat.postMessage: channel is required")
	}
	raw, err := c.call(ctx, http.MethodPost, "chat.postMessage", token, nil, req)
	if err != nil {
		return nil, err
	}
	var res PostMessageResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, xerrors.Errorf("chat.postMessage: failed to parse response: %w", err)
	}
	return &res, nil
}
