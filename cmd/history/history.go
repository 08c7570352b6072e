package history

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
	FlagChannel = "channel"
	FlagLimit   = "limit"
)

func CreateHistoryCmd() *cobra.Command {
	v := cmdutil.NewViper()
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Fetch recent messages from a channel",
		Long:  "Fetch recent messages from a channel and print them as JSON lines, newest first.",
		Run: func(cmd *cobra.Command, args []string) {
			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
			ctx := logctx.WithLogger(context.Background(), logger)
			if err := runHistory(ctx, v); err != nil {
				fmt.Fprintf(os.Stderr, "%+v\n", err)
				os.Exit(1)
			}
		},
	}
	specs := append(cmdutil.CommonSpecs(),
		cmdutil.FlagSpec{Name: FlagChannel, Shorthand: "c", DefaultValue: "", Usage: "Channel to read: an ID, #name or bare name", FlagType: "string"},
		cmdutil.FlagSpec{Name: FlagLimit, Shorthand: "n", DefaultValue: agent.DefaultHistoryLimit, Usage: "Maximum number of messages to fetch", FlagType: "int"},
	)
	cmdutil.Bind(historyCmd, v, specs)
	return historyCmd
}

func runHistory(ctx context.Context, v *viper.Viper) error {
	if err := cmdutil.LoadEnvFile(v); err != nil {
		return err
	}
	cfg := agent.Config{
		Channel: v.GetString(FlagChannel),
		Token:   v.GetString(cmdutil.FlagToken),
		Limit:   v.GetInt(FlagLimit),
	}
	messages, err := agent.NewHistory(cfg, nil, nil).Invoke(ctx, nil)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for _, message := range messages {
		if err := enc.Encode(message); err != nil {
			return xerrors.Errorf("failed to encode message: %w", err)
		}
	}
	return nil
}
