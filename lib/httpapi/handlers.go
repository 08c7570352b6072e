package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/modular-agent/modular-agent-slack/lib/agent"
	"github.com/modular-agent/modular-agent-slack/lib/credential"
	"github.com/modular-agent/modular-agent-slack/lib/logctx"
	"github.com/modular-agent/modular-agent-slack/lib/slackapi"
	"github.com/modular-agent/modular-agent-slack/lib/socketmode"
)

type StatusResponse struct {
	Body struct {
		Status        SessionStatus    `json:"status" doc:"State of the event transport session"`
		Channel       string           `json:"channel,omitempty" doc:"Configured channel scope, empty when listening workspace-wide"`
		Stats         socketmode.Stats `json:"stats" doc:"Transport counters since the server started"`
		UptimeSeconds int64            `json:"uptime_seconds" doc:"Seconds since the server started"`
	}
}

type MessageRequest struct {
	Body struct {
		Channel  string          `json:"channel,omitempty" doc:"Channel override: an ID, #name or a bare name. Defaults to the configured channel"`
		Text     string          `json:"text,omitempty" doc:"Message text"`
		Blocks   json.RawMessage `json:"blocks,omitempty" doc:"Rich layout blocks, forwarded to the platform verbatim"`
		ThreadTS string          `json:"thread_ts,omitempty" doc:"Parent timestamp to reply in a thread"`
	}
}

type MessageResponse struct {
	Body struct {
		OK      bool   `json:"ok" doc:"Whether the platform accepted the message"`
		Channel string `json:"channel" doc:"Channel ID the message was posted to"`
		TS      string `json:"ts" doc:"Timestamp the platform assigned to the message"`
	}
}

type MessagesResponse struct {
	Body struct {
		Messages []slackapi.Message `json:"messages" doc:"Channel history, newest first"`
	}
}

type ChannelsResponse struct {
	Body struct {
		Channels []slackapi.ChannelInfo `json:"channels" doc:"Channels visible to the bot"`
	}
}

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Get session status",
		Description: "Returns the event transport session state and counters.",
	}, s.getStatus)
	huma.Register(s.api, huma.Operation{
		OperationID: "create-message",
		Method:      http.MethodPost,
		Path:        "/message",
		Summary:     "Post a message",
		Description: "Posts a message to a channel. Either text or blocks must be set.",
	}, s.createMessage)
	huma.Register(s.api, huma.Operation{
		OperationID: "get-messages",
		Method:      http.MethodGet,
		Path:        "/messages",
		Summary:     "Get channel history",
		Description: "Returns the most recent messages of a channel, newest first.",
	}, s.getMessages)
	huma.Register(s.api, huma.Operation{
		OperationID: "get-channels",
		Method:      http.MethodGet,
		Path:        "/channels",
		Summary:     "List channels",
		Description: "Lists the channels visible to the bot.",
	}, s.getChannels)
	sse.Register(s.api, huma.Operation{
		OperationID: "subscribe-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Subscribe to events",
		Description: "Streams live message events and session status changes over SSE. New subscribers first receive the current status.",
	}, map[string]any{
		string(EventTypeLiveEvent):    LiveEventBody{},
		string(EventTypeStatusChange): StatusChangeBody{},
		string(EventTypeError):        ErrorBody{},
	}, s.subscribeEvents)
}

func (s *Server) getStatus(ctx context.Context, input *struct{}) (*StatusResponse, error) {
	resp := &StatusResponse{}
	resp.Body.Status = convertState(s.listener.State())
	resp.Body.Channel = s.agentCfg.Channel
	resp.Body.Stats = s.listener.Stats()

	s.mu.Lock()
	startedAt := s.startedAt
	s.mu.Unlock()
	if !startedAt.IsZero() {
		resp.Body.UptimeSeconds = int64(s.clock.Since(startedAt).Seconds())
	}
	return resp, nil
}

func (s *Server) createMessage(ctx context.Context, input *MessageRequest) (*MessageResponse, error) {
	if input.Body.Text == "" && len(input.Body.Blocks) == 0 {
		return nil, huma.Error400BadRequest("message carries neither text nor blocks")
	}
	cfg := s.agentCfg
	if input.Body.Channel != "" {
		cfg.Channel = input.Body.Channel
	}
	if cfg.Channel == "" {
		return nil, huma.Error400BadRequest("no channel: set one in the request or configure a default")
	}

	payload, err := json.Marshal(agent.PostInput{
		Text:     input.Body.Text,
		Blocks:   input.Body.Blocks,
		ThreadTS: input.Body.ThreadTS,
	})
	if err != nil {
		return nil, err
	}
	res, err := agent.NewPost(cfg, s.resolver, s.client).Invoke(ctx, payload)
	if err != nil {
		return nil, mapPlatformError(err)
	}
	resp := &MessageResponse{}
	resp.Body.OK = res.OK
	resp.Body.Channel = res.Channel
	resp.Body.TS = res.TS
	return resp, nil
}

func (s *Server) getMessages(ctx context.Context, input *struct {
	Channel string `query:"channel" doc:"Channel override: an ID, #name or a bare name. Defaults to the configured channel"`
	Limit   int    `query:"limit" default:"10" minimum:"1" maximum:"1000" doc:"Maximum number of messages to return"`
}) (*MessagesResponse, error) {
	cfg := s.agentCfg
	if input.Channel != "" {
		cfg.Channel = input.Channel
	}
	if cfg.Channel == "" {
		return nil, huma.Error400BadRequest("no channel: set one in the request or configure a default")
	}
	cfg.Limit = input.Limit

	messages, err := agent.NewHistory(cfg, s.resolver, s.client).Invoke(ctx, nil)
	if err != nil {
		return nil, mapPlatformError(err)
	}
	resp := &MessagesResponse{}
	resp.Body.Messages = messages
	return resp, nil
}

func (s *Server) getChannels(ctx context.Context, input *struct {
	Limit int    `query:"limit" default:"100" minimum:"1" maximum:"1000" doc:"Maximum number of channels to return"`
	Types string `query:"types" doc:"Comma-separated conversation types, e.g. public_channel,private_channel"`
}) (*ChannelsResponse, error) {
	cfg := s.agentCfg
	cfg.Limit = input.Limit
	if input.Types != "" {
		cfg.Types = input.Types
	}

	channels, err := agent.NewChannels(cfg, s.resolver, s.client).Invoke(ctx, nil)
	if err != nil {
		return nil, mapPlatformError(err)
	}
	resp := &ChannelsResponse{}
	resp.Body.Channels = channels
	return resp, nil
}

func (s *Server) subscribeEvents(ctx context.Context, input *struct{}, send sse.Sender) {
	logger := logctx.From(ctx)
	subscriberId, ch, stateEvents := s.emitter.Subscribe()
	defer s.emitter.Unsubscribe(subscriberId)

	for _, event := range stateEvents {
		if err := send.Data(event.Payload); err != nil {
			logger.Error("Failed to send state event", "error", err)
			return
		}
	}
	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return
			}
			if err := send.Data(event.Payload); err != nil {
				logger.Error("Failed to send event", "error", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// mapPlatformError turns upstream failures into API status codes:
// unknown channels are the caller's mistake, rate limits pass through
// and anything else the platform rejects is a bad gateway.
func mapPlatformError(err error) error {
	if errors.Is(err, slackapi.ErrRateLimited) {
		return huma.Error429TooManyRequests("the platform rate limited the request, try again later")
	}
	if errors.Is(err, credential.ErrMissingCredential) {
		return huma.Error500InternalServerError("server credentials are not configured")
	}
	var apiErr *slackapi.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case slackapi.ErrCodeChannelNotFound:
			return huma.Error404NotFound(apiErr.Error())
		case slackapi.ErrCodeNotInChannel:
			return huma.Error403Forbidden(apiErr.Error())
		default:
			return huma.Error502BadGateway(apiErr.Error())
		}
	}
	if slackapi.IsTransportError(err) {
		return huma.Error502BadGateway("could not reach the platform")
	}
	return err
}
