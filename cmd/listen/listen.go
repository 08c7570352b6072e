package listen

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/xerrors"

	"github.com/modular-agent/modular-agent-slack/cmd/cmdutil"
	"github.com/modular-agent/modular-agent-slack/lib/agent"
	"github.com/modular-agent/modular-agent-slack/lib/logctx"
	"github.com/modular-agent/modular-agent-slack/lib/socketmode"
)

const FlagChannel = "channel"

func CreateListenCmd() *cobra.Command {
	v := cmdutil.NewViper()
	listenCmd := &cobra.Command{
		Use:   "listen",
		Short: "Stream user messages from the push transport",
		Long: "Connect to the push transport and print incoming user messages as " +
			"JSON lines until interrupted. Reconnects with backoff when the " +
			"connection drops.",
		Run: func(cmd *cobra.Command, args []string) {
			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
			ctx := logctx.WithLogger(context.Background(), logger)
			if err := runListen(ctx, logger, v); err != nil {
				fmt.Fprintf(os.Stderr, "%+v\n", err)
				os.Exit(1)
			}
		},
	}
	specs := append(cmdutil.CommonSpecs(),
		cmdutil.FlagSpec{Name: FlagChannel, Shorthand: "c", DefaultValue: "", Usage: "Only print messages from this channel: an ID, #name or bare name", FlagType: "string"},
	)
	cmdutil.Bind(listenCmd, v, specs)
	return listenCmd
}

func runListen(ctx context.Context, logger *slog.Logger, v *viper.Viper) error {
	if err := cmdutil.LoadEnvFile(v); err != nil {
		return err
	}
	cfg := agent.Config{
		Channel:  v.GetString(FlagChannel),
		Token:    v.GetString(cmdutil.FlagToken),
		AppToken: v.GetString(cmdutil.FlagAppToken),
	}
	listener := agent.NewListener(cfg, nil, nil, agent.WithStateCallback(func(prev, next socketmode.State) {
		logger.Info("Session state changed", "from", prev, "to", next)
	}))
	if err := listener.Start(ctx); err != nil {
		return xerrors.Errorf("failed to start listener: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", "signal", sig)
		listener.Stop()
	}()

	enc := json.NewEncoder(os.Stdout)
	for ev := range listener.Events() {
		if err := enc.Encode(ev); err != nil {
			return xerrors.Errorf("failed to encode event: %w", err)
		}
	}
	return listener.Err()
}
