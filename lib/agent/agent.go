// Package agent implements the host-facing Slack agents: stateless
// single-call agents (post, history, channels, message conversion) and
// the long-running listener. Agents take raw input bytes from the host,
// do their one job against the platform and return a typed result.
package agent

import (
	"github.com/modular-agent/modular-agent-slack/lib/credential"
	"github.com/modular-agent/modular-agent-slack/lib/slackapi"
)

// Default environment variables holding the platform credentials. The
// bot token authorizes Web API calls; the app token is only ever used to
// bootstrap the push transport.
const (
	DefaultBotTokenVar = "SLACK_BOT_TOKEN"
	DefaultAppTokenVar = "SLACK_APP_TOKEN"
)

const (
	DefaultHistoryLimit  = 10
	DefaultChannelsLimit = 100
)

// Config is the shared agent configuration. Fields apply as far as they
// make sense for the agent at hand: the channels agent has no use for
// Channel, only the listener reads AppToken.
type Config struct {
	// Channel is a channel reference: an ID, a #name or a bare name.
	// Empty means "no channel": required for post and history, optional
	// filter for the listener.
	Channel string
	// Token is the credential config value for the bot token, resolved
	// through credential.Resolver rules.
	Token string
	// AppToken is the credential config value for the app token.
	AppToken string
	// Limit bounds history and channel listings. Zero picks the
	// per-agent default.
	Limit int
	// Types is the conversation type selector for channel listings,
	// e.g. "public_channel,private_channel". Empty uses the platform
	// default.
	Types string
}

func defaultedDeps(resolver *credential.Resolver, client *slackapi.Client) (*credential.Resolver, *slackapi.Client) {
	if resolver == nil {
		resolver = credential.NewResolver()
	}
	if client == nil {
		client = slackapi.NewClient(slackapi.ClientConfig{})
	}
	return resolver, client
}
