package serve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/xerrors"

	"github.com/modular-agent/modular-agent-slack/cmd/cmdutil"
	"github.com/modular-agent/modular-agent-slack/lib/agent"
	"github.com/modular-agent/modular-agent-slack/lib/credential"
	"github.com/modular-agent/modular-agent-slack/lib/httpapi"
	"github.com/modular-agent/modular-agent-slack/lib/logctx"
	"github.com/modular-agent/modular-agent-slack/lib/slackapi"
)

const (
	FlagPort           = "port"
	FlagPrintOpenAPI   = "print-openapi"
	FlagAllowedHosts   = "allowed-hosts"
	FlagAllowedOrigins = "allowed-origins"
	FlagChannel        = "channel"
	FlagExit           = "exit"
	FlagPidFile        = "pid-file"
)

func CreateServeCmd() *cobra.Command {
	v := cmdutil.NewViper()
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		Long: "Run the HTTP gateway: the agents behind a REST API plus a live " +
			"event stream fed by the push transport.",
		Run: func(cmd *cobra.Command, args []string) {
			// The --exit flag is used for testing validation of flags in the test suite
			if v.GetBool(FlagExit) {
				return
			}
			logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
			if v.GetBool(FlagPrintOpenAPI) {
				// We don't want log output here.
				logger = slog.New(logctx.DiscardHandler)
			}
			ctx := logctx.WithLogger(context.Background(), logger)
			if err := runServer(ctx, logger, v); err != nil {
				fmt.Fprintf(os.Stderr, "%+v\n", err)
				os.Exit(1)
			}
		},
	}

	specs := append(cmdutil.CommonSpecs(),
		cmdutil.FlagSpec{Name: FlagPort, Shorthand: "p", DefaultValue: 3291, Usage: "Port to run the server on", FlagType: "int"},
		cmdutil.FlagSpec{Name: FlagPrintOpenAPI, Shorthand: "P", DefaultValue: false, Usage: "Print the OpenAPI schema to stdout and exit", FlagType: "bool"},
		cmdutil.FlagSpec{Name: FlagChannel, Shorthand: "c", DefaultValue: "", Usage: "Default channel for posting, history and the event stream filter", FlagType: "string"},
		// localhost is the default host for the server. Port is ignored during matching.
		cmdutil.FlagSpec{Name: FlagAllowedHosts, Shorthand: "a", DefaultValue: []string{"localhost", "127.0.0.1", "[::1]"}, Usage: "HTTP allowed hosts (hostnames only, no ports). Use '*' for all, comma-separated list via flag, space-separated list via SLACK_AGENTS_ALLOWED_HOSTS env var", FlagType: "stringSlice"},
		// The server's own origin, for browser clients reading the event stream.
		cmdutil.FlagSpec{Name: FlagAllowedOrigins, Shorthand: "o", DefaultValue: []string{"http://localhost:3291"}, Usage: "HTTP allowed origins. Use '*' for all, comma-separated list via flag, space-separated list via SLACK_AGENTS_ALLOWED_ORIGINS env var", FlagType: "stringSlice"},
		cmdutil.FlagSpec{Name: FlagPidFile, Shorthand: "", DefaultValue: "", Usage: "Path to file where the server process ID will be written for shutdown scripts", FlagType: "string"},
	)
	cmdutil.Bind(serveCmd, v, specs)

	serveCmd.Flags().Bool(FlagExit, false, "Exit immediately after parsing arguments")
	if err := serveCmd.Flags().MarkHidden(FlagExit); err != nil {
		panic(fmt.Sprintf("failed to mark flag %s as hidden: %v", FlagExit, err))
	}
	if err := v.BindPFlag(FlagExit, serveCmd.Flags().Lookup(FlagExit)); err != nil {
		panic(fmt.Sprintf("failed to bind flag %s: %v", FlagExit, err))
	}

	return serveCmd
}

func runServer(ctx context.Context, logger *slog.Logger, v *viper.Viper) error {
	if err := cmdutil.LoadEnvFile(v); err != nil {
		return err
	}

	pidFile := v.GetString(FlagPidFile)
	if pidFile != "" {
		if err := writePIDFile(pidFile, logger); err != nil {
			return xerrors.Errorf("failed to write PID file: %w", err)
		}
		defer cleanupPIDFile(pidFile, logger)
	}

	port := v.GetInt(FlagPort)
	srv, err := httpapi.NewServer(ctx, httpapi.ServerConfig{
		Port:           port,
		AllowedHosts:   v.GetStringSlice(FlagAllowedHosts),
		AllowedOrigins: v.GetStringSlice(FlagAllowedOrigins),
		Agent: agent.Config{
			Channel:  v.GetString(FlagChannel),
			Token:    v.GetString(cmdutil.FlagToken),
			AppToken: v.GetString(cmdutil.FlagAppToken),
		},
	})
	if err != nil {
		return xerrors.Errorf("failed to create server: %w", err)
	}
	if v.GetBool(FlagPrintOpenAPI) {
		fmt.Println(srv.GetOpenAPI())
		return nil
	}

	// Pre-flight identity check: a bad bot token should fail at startup,
	// not on the first request.
	resolver := credential.NewResolver()
	if cred, err := resolver.Resolve(v.GetString(cmdutil.FlagToken), agent.DefaultBotTokenVar); err != nil {
		logger.Warn("Bot token not configured; posting and history will fail until it is set")
	} else {
		identity, err := slackapi.NewClient(slackapi.ClientConfig{}).AuthTest(ctx, cred.Token())
		if err != nil {
			return xerrors.Errorf("identity check failed: %w", err)
		}
		logger.Info("Authenticated with the platform", "user", identity.User, "team", identity.Team)
	}

	// Create a context for graceful shutdown
	gracefulCtx, gracefulCancel := context.WithCancel(ctx)
	defer gracefulCancel()

	// Setup signal handlers (they will call gracefulCancel)
	handleSignals(gracefulCtx, gracefulCancel, logger)

	logger.Info("Starting server on port", "port", port)

	serverErrCh := make(chan error, 1)
	go func() {
		defer close(serverErrCh)
		if err := srv.Start(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	select {
	case err := <-serverErrCh:
		if err != nil {
			return xerrors.Errorf("failed to start server: %w", err)
		}
	case <-gracefulCtx.Done():
	}

	// Stop the HTTP server
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("Failed to stop HTTP server", "error", err)
	}
	return nil
}

// writePIDFile writes the current process ID to the specified file
func writePIDFile(pidFile string, logger *slog.Logger) error {
	pid := os.Getpid()
	pidContent := fmt.Sprintf("%d\n", pid)

	// Create directory if it doesn't exist
	dir := filepath.Dir(pidFile)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return xerrors.Errorf("failed to create PID file directory: %w", err)
	}

	// Write PID file
	if err := os.WriteFile(pidFile, []byte(pidContent), 0o600); err != nil {
		return xerrors.Errorf("failed to write PID file: %w", err)
	}

	logger.Info("Wrote PID file", "pidFile", pidFile, "pid", pid)
	return nil
}

// cleanupPIDFile removes the PID file if it exists
func cleanupPIDFile(pidFile string, logger *slog.Logger) {
	if err := os.Remove(pidFile); err != nil && !os.IsNotExist(err) {
		logger.Error("Failed to remove PID file", "pidFile", pidFile, "error", err)
	} else if err == nil {
		logger.Info("Removed PID file", "pidFile", pidFile)
	}
}
