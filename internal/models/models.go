// Package models defines the chat entities shared across internal
// packages. Entities are created by the store from REST results or
// gateway events; other packages treat them as values.
package models

import (
	"strings"
	"time"
)

// ChannelType distinguishes direct messages, group DMs and server channels.
type ChannelType string

const (
	ChannelTypeDM      ChannelType = "dm"
	ChannelTypeGroup   ChannelType = "group"
	ChannelTypeChannel ChannelType = "channel"
)

// MessageStatus tracks a message through the optimistic send lifecycle.
// Messages received from the server are always StatusSent.
type MessageStatus string

const (
	StatusSending MessageStatus = "sending"
	StatusSent    MessageStatus = "sent"
	StatusFailed  MessageStatus = "failed"
)

// User is an account on the messaging backend.
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// Name returns the display name, falling back to the username.
func (u User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}

	return u.Username
}

// Member is a user's membership in a channel.
type Member struct {
	ID          string    `json:"id"`
	User        User      `json:"user"`
	ChannelID   string    `json:"channel_id"`
	Permissions int64     `json:"permissions"`
	JoinedAt    time.Time `json:"joined_at"`
}

// Attachment is a file already uploaded to storage.
type Attachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size"`
}

// Message is a chat message. Within a channel, messages are ordered by
// (CreatedAt, ID) and IDs are unique.
type Message struct {
	ID          string        `json:"id"`
	Content     string        `json:"content"`
	Author      Member        `json:"author"`
	ChannelID   string        `json:"channel_id"`
	Attachments []Attachment  `json:"attachments"`
	CreatedAt   time.Time     `json:"created_at"`
	EditedAt    *time.Time    `json:"edited_at,omitempty"`
	Status      MessageStatus `json:"status"`

	// LocalID is set on messages that started as optimistic sends. It
	// survives reconciliation with the server id.
	LocalID string `json:"local_id,omitempty"`
}

// Clone returns a copy that shares no mutable state with m.
func (m Message) Clone() Message {
	if m.Attachments != nil {
		m.Attachments = append([]Attachment(nil), m.Attachments...)
	}

	if m.EditedAt != nil {
		t := *m.EditedAt
		m.EditedAt = &t
	}

	return m
}

// Channel is a conversation: a DM, a group DM or a server channel.
type Channel struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	DisplayName string      `json:"display_name,omitempty"`
	Icon        string      `json:"icon,omitempty"`
	Type        ChannelType `json:"type"`
	MemberCount int         `json:"member_count"`
	Owner       string      `json:"owner"`
	CreatedAt   time.Time   `json:"created_at"`
	LastMessage *Message    `json:"last_message,omitempty"`
}

// Clone returns a copy that shares no mutable state with c.
func (c Channel) Clone() Channel {
	if c.LastMessage != nil {
		lm := c.LastMessage.Clone()
		c.LastMessage = &lm
	}

	return c
}

// File is attachment content waiting to be uploaded.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// PendingSend tracks an optimistic send until the server acknowledges
// it. It is never persisted.
type PendingSend struct {
	LocalID   string
	ChannelID string
	Content   string
	Files     []string
	Attempt   int
	Status    MessageStatus
	CreatedAt time.Time

	// ServerID is set once a gateway push has been matched to this send.
	ServerID string
}

// ChannelSyncState is the pagination state of one channel's history.
type ChannelSyncState struct {
	ChannelID             string    `json:"channel_id"`
	HasMore               bool      `json:"has_more"`
	IsLoadingHistory      bool      `json:"is_loading_history"`
	OldestLoadedTimestamp time.Time `json:"oldest_loaded_timestamp"`
	ActiveRequest         bool      `json:"active_request"`
}

// CompareIDs orders message ids. Snowflake-style decimal ids compare
// numerically (shorter is smaller); anything else falls back to
// lexical order.
func CompareIDs(a, b string) int {
	if isDecimal(a) && isDecimal(b) {
		a = strings.TrimLeft(a, "0")
		b = strings.TrimLeft(b, "0")

		if len(a) != len(b) {
			if len(a) < len(b) {
				return -1
			}

			return 1
		}
	}

	return strings.Compare(a, b)
}

// CompareMessages orders messages by (CreatedAt, ID).
func CompareMessages(a, b *Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}

	return CompareIDs(a.ID, b.ID)
}

func isDecimal(s string) bool {
	if s == "" {
		return false
	}

	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}

	return true
}
