package slackapi

import "encoding/json"

// Message is one entry of a channel's history. Timestamps are opaque
// sortable strings assigned by the platform; they are never parsed as
// numbers. Blocks are forwarded verbatim without interpretation.
type Message struct {
	Type     string          `json:"type,omitempty"`
	SubType  string          `json:"subtype,omitempty"`
	User     string          `json:"user,omitempty"`
	BotID    string          `json:"bot_id,omitempty"`
	Text     string          `json:"text"`
	Blocks   json.RawMessage `json:"blocks,omitempty"`
	TS       string          `json:"ts"`
	ThreadTS string          `json:"thread_ts,omitempty"`
}

// ChannelInfo is a read-only snapshot of a channel. It may be stale
// immediately after fetch; the platform is eventually consistent.
type ChannelInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	IsPrivate  bool   `json:"is_private"`
	IsArchived bool   `json:"is_archived"`
	IsMember   bool   `json:"is_member"`
	NumMembers int    `json:"num_members"`
	Topic      string `json:"topic"`
	Purpose    string `json:"purpose"`
}

// conversation is the wire shape of a channel in conversations.list
// responses. Topic and purpose arrive as objects and are flattened to
// their value strings for ChannelInfo.
type conversation struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	IsPrivate  bool   `json:"is_private"`
	IsArchived bool   `json:"is_archived"`
	IsMember   bool   `json:"is_member"`
	NumMembers int    `json:"num_members"`
	Topic      struct {
		Value string `json:"value"`
	} `json:"topic"`
	Purpose struct {
		Value string `json:"value"`
	} `json:"purpose"`
}

func (c conversation) info() ChannelInfo {
	return ChannelInfo{
		ID:         c.ID,
		Name:       c.Name,
		IsPrivate:  c.IsPrivate,
		IsArchived: c.IsArchived,
		IsMember:   c.IsMember,
		NumMembers: c.NumMembers,
		Topic:      c.Topic.Value,
		Purpose:    c.Purpose.Value,
	}
}

// envelope is the part of every Web API response shared across
// endpoints. ok=false turns into an *APIError.
type envelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

type responseMetadata struct {
	NextCursor string `json:"next_cursor"`
}
