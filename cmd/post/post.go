package post

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/xerrors"

	"github.com/modular-agent/modular-agent-slack/cmd/cmdutil"
	"github.com/modular-agent/modular-agent-slack/lib/agent"
	"github.com/modular-agent/modular-agent-slack/lib/logctx"
)

const (
	FlagChannel  = "channel"
	FlagThreadTS = "thread-ts"
)

func CreatePostCmd() *cobra.Command {
	v := cmdutil.NewViper()
	postCmd := &cobra.Command{
		Use:   "post [text]",
		Short: "Post a message to a channel",
		Long: "Post a message to a channel. The message comes from the argument or " +
			"from piped stdin. A JSON object input is treated as structured input " +
			"with text, blocks and thread_ts fields; anything else is plain text.",
		Args: cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
			ctx := logctx.WithLogger(context.Background(), logger)
			if err := runPost(ctx, v, args); err != nil {
				fmt.Fprintf(os.Stderr, "%+v\n", err)
				os.Exit(1)
			}
		},
	}
	specs := append(cmdutil.CommonSpecs(),
		cmdutil.FlagSpec{Name: FlagChannel, Shorthand: "c", DefaultValue: "", Usage: "Channel to post to: an ID, #name or bare name", FlagType: "string"},
		cmdutil.FlagSpec{Name: FlagThreadTS, Shorthand: "", DefaultValue: "", Usage: "Parent message timestamp to reply to as a thread", FlagType: "string"},
	)
	cmdutil.Bind(postCmd, v, specs)
	return postCmd
}

func runPost(ctx context.Context, v *viper.Viper, args []string) error {
	if err := cmdutil.LoadEnvFile(v); err != nil {
		return err
	}

	input := ""
	if len(args) > 0 {
		input = args[0]
	}
	if input == "" && !isatty.IsTerminal(os.Stdin.Fd()) {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return xerrors.Errorf("failed to read message from stdin: %w", err)
		}
		input = string(data)
	}
	if strings.TrimSpace(input) == "" {
		return xerrors.Errorf("no message: pass text as an argument or pipe it on stdin")
	}

	payload := []byte(input)
	if threadTS := v.GetString(FlagThreadTS); threadTS != "" {
		if strings.HasPrefix(strings.TrimSpace(input), "{") {
			return xerrors.Errorf("--thread-ts cannot be combined with object input: set thread_ts inside the object")
		}
		wrapped, err := json.Marshal(agent.PostInput{Text: input, ThreadTS: threadTS})
		if err != nil {
			return xerrors.Errorf("failed to build message payload: %w", err)
		}
		payload = wrapped
	}

	cfg := agent.Config{
		Channel: v.GetString(FlagChannel),
		Token:   v.GetString(cmdutil.FlagToken),
	}
	res, err := agent.NewPost(cfg, nil, nil).Invoke(ctx, payload)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return xerrors.Errorf("failed to encode response: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
