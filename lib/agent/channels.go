package agent

import (
	"context"

	"github.com/modular-agent/modular-agent-slack/lib/credential"
	"github.com/modular-agent/modular-agent-slack/lib/slackapi"
)

// Channels lists the workspace's conversations in platform order.
type Channels struct {
	cfg      Config
	resolver *credential.Resolver
	client   *slackapi.Client
}

func NewChannels(cfg Config, resolver *credential.Resolver, client *slackapi.Client) *Channels {
	resolver, client = defaultedDeps(resolver, client)
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultChannelsLimit
	}
	return &Channels{cfg: cfg, resolver: resolver, client: client}
}

// Invoke runs one listing. The input is a bare trigger; its content is
// ignored.
func (c *Channels) Invoke(ctx context.Context, _ []byte) ([]slackapi.ChannelInfo, error) {
	cred, err := c.resolver.Resolve(c.cfg.Token, DefaultBotTokenVar)
	if err != nil {
		return nil, err
	}
	return c.client.ConversationsList(ctx, cred.Token(), c.cfg.Limit, c.cfg.Types)
}
