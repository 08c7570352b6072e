package agent

import (
	"bytes"
	"context"
	"encoding/json"

	"golang.org/x/xerrors"

	"github.com/modular-agent/modular-agent-slack/lib/credential"
	"github.com/modular-agent/modular-agent-slack/lib/slackapi"
)

// PostInput is the post payload. A bare or JSON-encoded string is
// shorthand for PostInput{Text: s}.
type PostInput struct {
	Text     string          `json:"text"`
	Blocks   json.RawMessage `json:"blocks,omitempty"`
	ThreadTS string          `json:"thread_ts,omitempty"`
}

// Post sends one message per invocation. It holds no per-call state:
// credential and channel are resolved fresh every time.
type Post struct {
	cfg      Config
	resolver *credential.Resolver
	client   *slackapi.Client
}

func NewPost(cfg Config, resolver *credential.Resolver, client *slackapi.Client) *Post {
	resolver, client = defaultedDeps(resolver, client)
	return &Post{cfg: cfg, resolver: resolver, client: client}
}

func (p *Post) Invoke(ctx context.Context, input []byte) (*slackapi.PostMessageResponse, error) {
	in, err := parsePostInput(input)
	if err != nil {
		return nil, err
	}
	if in.Text == "" && len(in.Blocks) == 0 {
		return nil, xerrors.Errorf("post input carries neither text nor blocks")
	}
	cred, err := p.resolver.Resolve(p.cfg.Token, DefaultBotTokenVar)
	if err != nil {
		return nil, err
	}
	channelID, err := p.client.ResolveChannelID(ctx, cred.Token(), p.cfg.Channel)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.PostMessage(ctx, cred.Token(), slackapi.PostMessageRequest{
		Channel:  channelID,
		Text:     in.Text,
		Blocks:   in.Blocks,
		ThreadTS: in.ThreadTS,
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// parsePostInput accepts a JSON object, a JSON string or raw text.
func parsePostInput(raw []byte) (PostInput, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return PostInput{}, xerrors.Errorf("empty post input")
	}
	switch trimmed[0] {
	case '{':
		var in PostInput
		if err := json.Unmarshal(trimmed, &in); err != nil {
			return PostInput{}, xerrors.Errorf("failed to parse post input: %w", err)
		}
		return in, nil
	case '"':
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return PostInput{}, xerrors.Errorf("failed to parse post input: %w", err)
		}
		return PostInput{Text: text}, nil
	default:
		return PostInput{Text: string(trimmed)}, nil
	}
}
