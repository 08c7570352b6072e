package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/xerrors"

	"github.com/modular-agent/modular-agent-slack/cmd/cmdutil"
	"github.com/modular-agent/modular-agent-slack/lib/agent"
	"github.com/modular-agent/modular-agent-slack/lib/logctx"
)

const (
	FlagLimit = "limit"
	FlagTypes = "types"
)

func CreateChannelsCmd() *cobra.Command {
	v := cmdutil.NewViper()
	channelsCmd := &cobra.Command{
		Use:   "channels",
		Short: "List channels visible to the bot",
		Long:  "List channels visible to the bot and print them as JSON lines.",
		Run: func(cmd *cobra.Command, args []string) {
			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
			ctx := logctx.WithLogger(context.Background(), logger)
			if err := runChannels(ctx, v); err != nil {
				fmt.Fprintf(os.Stderr, "%+v\n", err)
				os.Exit(1)
			}
		},
	}
	specs := append(cmdutil.CommonSpecs(),
		cmdutil.FlagSpec{Name: FlagLimit, Shorthand: "n", DefaultValue: agent.DefaultChannelsLimit, Usage: "Maximum number of channels to list", FlagType: "int"},
		cmdutil.FlagSpec{Name: FlagTypes, Shorthand: "", DefaultValue: "", Usage: "Conversation types to include, e.g. public_channel,private_channel", FlagType: "string"},
	)
	cmdutil.Bind(channelsCmd, v, specs)
	return channelsCmd
}

func runChannels(ctx context.Context, v *viper.Viper) error {
	if err := cmdutil.LoadEnvFile(v); err != nil {
		return err
	}
	cfg := agent.Config{
		Token: v.GetString(cmdutil.FlagToken),
		Limit: v.GetInt(FlagLimit),
		Types: v.GetString(FlagTypes),
	}
	channels, err := agent.NewChannels(cfg, nil, nil).Invoke(ctx, nil)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for _, channel := range channels {
		if err := enc.Encode(channel); err != nil {
			return xerrors.Errorf("failed to encode channel: %w", err)
		}
	}
	return nil
}
