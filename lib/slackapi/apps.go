package slackapi

import (
	"context"
	"encoding/json"
	"net/http"

	"golang.org/x/xerrors"
)

// AppsConnectionsOpen requests a fresh Socket Mode endpoint using the
// app-level token. The returned URL is short-lived: it must be requested
// again for every connection attempt, never reused.
func (c *Client) AppsConnectionsOpen(ctx context.Context, appToken string) (string, error) {
	raw, err := c.call(ctx, http.MethodPost, "apps.connections.open", appToken, nil, nil)
	if err != nil {
		return "", err
	}
	var res struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", xerrors.Errorf("apps.connections.open: failed to parse response: %w", err)
	}
	if res.URL == "" {
		return "", xerrors.Errorf("apps.connections.open: response carried no url")
	}
	return res.URL, nil
}

// AuthTestResponse identifies the authenticated bot and workspace.
type AuthTestResponse struct {
	URL    string `json:"url"`
	Team   string `json:"team"`
	User   string `json:"user"`
	TeamID string `json:"team_id"`
	UserID string `json:"user_id"`
	BotID  string `json:"bot_id"`
}

// AuthTest checks the bot token and reports the identity behind it.
func (c *Client) AuthTest(ctx context.Context, token string) (*AuthTestResponse, error) {
	raw, err := c.call(ctx, http.MethodPost, "auth.test", token, nil, nil)
	if err != nil {
		return nil, err
	}
	var res AuthTestResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, xerrors.Errorf("auth.test: failed to parse response: %w", err)
	}
	return &res, nil
}
