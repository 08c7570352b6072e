package slackapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

// resolvePageSize is the page size used while scanning the channel list
// for a name match. Distinct from caller-supplied limits, which bound
// result set sizes, not a search.
const resolvePageSize = 200

// ConversationsHistory fetches up to limit messages of a channel's
// history, following continuation cursors across pages. The platform's
// newest-first order is preserved; if the final page overshoots, the
// result is truncated client-side so it never exceeds limit.
func (c *Client) ConversationsHistory(ctx context.Context, token, channelID string, limit int) ([]Message, error) {
	if channelID == "" {
		return nil, xerrors.Errorf("conversations.history: channel is required")
	}
	if limit <= 0 {
		return nil, xerrors.Errorf("conversations.history: limit must be positive, got %d", limit)
	}

	var messages []Message
	cursor := ""
	for {
		query := url.Values{
			"channel": {channelID},
			"limit":   {strconv.Itoa(limit)},
		}
		if cursor != "" {
			query.Set("cursor", cursor)
		}
		raw, err := c.call(ctx, http.MethodGet, "conversations.history", token, query, nil)
		if err != nil {
			return nil, err
		}
		var page struct {
			Messages         []Message        `json:"messages"`
			HasMore          bool             `json:"has_more"`
			ResponseMetadata responseMetadata `json:"response_metadata"`
		}
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, xerrors.Errorf("conversations.history: failed to parse response: %w", err)
		}
		messages = append(messages, page.Messages...)
		cursor = page.ResponseMetadata.NextCursor
		if cursor == "" || len(messages) >= limit {
			break
		}
	}
	if len(messages) > limit {
		messages = messages[:limit]
	}
	return messages, nil
}

// ConversationsList fetches up to limit channels, following continuation
// cursors and truncating client-side like ConversationsHistory. types is
// the platform's comma-separated conversation type filter; empty means
// public channels only.
func (c *Client) ConversationsList(ctx context.Context, token string, limit int, types string) ([]ChannelInfo, error) {
	if limit <= 0 {
		return nil, xerrors.Errorf("conversations.list: limit must be positive, got %d", limit)
	}

	var channels []ChannelInfo
	cursor := ""
	for {
		query := url.Values{
			"limit": {strconv.Itoa(limit)},
		}
		if types != "" {
			query.Set("types", types)
		}
		if cursor != "" {
			query.Set("cursor", cursor)
		}
		raw, err := c.call(ctx, http.MethodGet, "conversations.list", token, query, nil)
		if err != nil {
			return nil, err
		}
		var page struct {
			Channels         []conversation   `json:"channels"`
			ResponseMetadata responseMetadata `json:"response_metadata"`
		}
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, xerrors.Errorf("conversations.list: failed to parse response: %w", err)
		}
		for _, ch := range page.Channels {
			channels = append(channels, ch.info())
		}
		cursor = page.ResponseMetadata.NextCursor
		if cursor == "" || len(channels) >= limit {
			break
		}
	}
	if len(channels) > limit {
		channels = channels[:limit]
	}
	return channels, nil
}

// ResolveChannelID maps a channel reference to its platform ID. Platform
// IDs pass through untouched; a "#name" or bare name is looked up by
// scanning conversations.list. Name and ID are never assumed
// interchangeable without this call.
func (c *Client) ResolveChannelID(ctx context.Context, token, ref string) (string, error) {
	if ref == "" {
		return "", xerrors.Errorf("resolve channel: empty reference")
	}
	if looksLikeChannelID(ref) {
		return ref, nil
	}
	name := strings.TrimPrefix(ref, "#")

	cursor := ""
	for {
		query := url.Values{
			"limit": {strconv.Itoa(resolvePageSize)},
			"types": {"public_channel,private_channel"},
		}
		if cursor != "" {
			query.Set("cursor", cursor)
		}
		raw, err := c.call(ctx, http.MethodGet, "conversations.list", token, query, nil)
		if err != nil {
			return "", err
		}
		var page struct {
			Channels         []conversation   `json:"channels"`
			ResponseMetadata responseMetadata `json:"response_metadata"`
		}
		if err := json.Unmarshal(raw, &page); err != nil {
			return "", xerrors.Errorf("conversations.list: failed to parse response: %w", err)
		}
		for _, ch := range page.Channels {
			if ch.Name == name {
				return ch.ID, nil
			}
		}
		cursor = page.ResponseMetadata.NextCursor
		if cursor == "" {
			return "", &APIError{Code: ErrCodeChannelNotFound, Message: "no channel named " + name, StatusCode: http.StatusOK}
		}
	}
}

// looksLikeChannelID reports whether ref already has the platform's ID
// shape: a C/G/D prefix followed by uppercase alphanumerics.
func looksLikeChannelID(ref string) bool {
	if len(ref) < 9 {
		return false
	}
	switch ref[0] {
	case 'C', 'G', 'D':
	default:
		return false
	}
	for _, r := range ref[1:] {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
