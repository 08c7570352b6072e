package agent

import (
	"context"

	"github.com/modular-agent/modular-agent-slack/lib/credential"
	"github.com/modular-agent/modular-agent-slack/lib/slackapi"
)

// History fetches the most recent messages of a channel. Results come
// back in platform order, newest first.
type History struct {
	cfg      Config
	resolver *credential.Resolver
	client   *slackapi.Client
}

func NewHistory(cfg Config, resolver *credential.Resolver, client *slackapi.Client) *History {
	resolver, client = defaultedDeps(resolver, client)
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultHistoryLimit
	}
	return &History{cfg: cfg, resolver: resolver, client: client}
}

// Invoke runs one fetch. The input is a bare trigger; its content is
// ignored.
func (h *History) Invoke(ctx context.Context, _ []byte) ([]slackapi.Message, error) {
	cred, err := h.resolver.Resolve(h.cfg.Token, DefaultBotTokenVar)
	if err != nil {
		return nil, err
	}
	channelID, err := h.client.ResolveChannelID(ctx, cred.Token(), h.cfg.Channel)
	if err != nil {
		return nil, err
	}
	return h.client.ConversationsHistory(ctx, cred.Token(), channelID, h.cfg.Limit)
}
