package tail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tmaxmax/go-sse"
	"golang.org/x/xerrors"

	"github.com/modular-agent/modular-agent-slack/lib/util"
)

var (
	urlArg    string
	apiKeyArg string
)

var TailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Follow a running gateway's event stream",
	Long: "Connect to a running gateway and print its event stream as JSON " +
		"lines: live messages, session status changes and transport errors.",
	Run: func(cmd *cobra.Command, args []string) {
		remoteUrl := urlArg
		if !strings.HasPrefix(remoteUrl, "http") {
			remoteUrl = "http://" + remoteUrl
		}
		remoteUrl = strings.TrimRight(remoteUrl, "/")
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := runTail(ctx, remoteUrl, apiKeyArg); err != nil {
			fmt.Fprintf(os.Stderr, "%+v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	TailCmd.Flags().StringVarP(&urlArg, "url", "u", "localhost:3291", "URL of the gateway to follow. May optionally include a protocol.")
	TailCmd.Flags().StringVarP(&apiKeyArg, "api-key", "k", "", "API key when the gateway requires authentication")
}

type statusBody struct {
	Status string `json:"status"`
}

func getStatus(ctx context.Context, baseUrl string, apiKey string) (statusBody, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseUrl+"/status", nil)
	if err != nil {
		return statusBody{}, xerrors.Errorf("failed to create status request: %w", err)
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return statusBody{}, xerrors.Errorf("failed to get status: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return statusBody{}, xerrors.Errorf("status request failed: %s", res.Status)
	}
	var status statusBody
	if err := json.NewDecoder(res.Body).Decode(&status); err != nil {
		return statusBody{}, xerrors.Errorf("failed to decode status: %w", err)
	}
	return status, nil
}

// eventLine is the printed form of one stream event.
type eventLine struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func runTail(ctx context.Context, baseUrl string, apiKey string) error {
	// Wait until the gateway answers /status before opening the stream.
	err := util.WaitFor(ctx, util.WaitConfig{Timeout: 30 * time.Second}, func() (bool, error) {
		if _, err := getStatus(ctx, baseUrl, apiKey); err != nil {
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return xerrors.Errorf("gateway unreachable at %s: %w", baseUrl, err)
	}

	eventsUrl := baseUrl + "/events"
	if apiKey != "" {
		// EventSource clients can't set headers, so the key rides in the
		// query string. We do the same for parity with them.
		eventsUrl += "?api_key=" + url.QueryEscape(apiKey)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, eventsUrl, nil)
	if err != nil {
		return xerrors.Errorf("failed to create events request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return xerrors.Errorf("failed to open event stream: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return xerrors.Errorf("event stream request failed: %s", res.Status)
	}

	enc := json.NewEncoder(os.Stdout)
	for ev, err := range sse.Read(res.Body, &sse.ReadConfig{MaxEventSize: 256 * 1024}) {
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return xerrors.Errorf("failed to read event stream: %w", err)
		}
		line := eventLine{Event: ev.Type, Data: json.RawMessage(ev.Data)}
		if err := enc.Encode(line); err != nil {
			return xerrors.Errorf("failed to encode event: %w", err)
		}
	}
	return nil
}
