package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Timestamp decodes either an RFC 3339 string or a unix millisecond
// number. The backend has used both over time.
type Timestamp struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		t.Time = time.Time{}
		return nil
	}

	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}

		if s == "" {
			t.Time = time.Time{}
			return nil
		}

		if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
			t.Time = parsed
			return nil
		}

		b = []byte(s)
	}

	ms, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q", string(b))
	}

	t.Time = time.UnixMilli(ms).UTC()

	return nil
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}

	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// RawUser is the wire shape of a user.
type RawUser struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// Normalize converts the wire shape into a User.
func (r RawUser) Normalize() User {
	return User(r)
}

// RawMember is the wire shape of a channel membership.
type RawMember struct {
	ID          string    `json:"id"`
	User        RawUser   `json:"user"`
	ChannelID   string    `json:"channel_id"`
	Permissions int64     `json:"permissions"`
	JoinedAt    Timestamp `json:"joined_at"`
}

// Normalize converts the wire shape into a Member. A member without
// its own id takes the user id.
func (r RawMember) Normalize() Member {
	m := Member{
		ID:          r.ID,
		User:        r.User.Normalize(),
		ChannelID:   r.ChannelID,
		Permissions: r.Permissions,
		JoinedAt:    r.JoinedAt.Time,
	}
	if m.ID == "" {
		m.ID = m.User.ID
	}

	return m
}

// RawAttachment is the wire shape of an uploaded file.
type RawAttachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size"`
}

// RawMessage is the wire shape of a message as returned by the REST API
// and carried in MESSAGE_* gateway events.
type RawMessage struct {
	ID          string          `json:"id"`
	Content     string          `json:"content"`
	Author      RawMember       `json:"author"`
	ChannelID   string          `json:"channel_id"`
	Attachments []RawAttachment `json:"attachments"`
	CreatedAt   Timestamp       `json:"created_at"`
	EditedAt    *Timestamp      `json:"edited_at,omitempty"`
}

// Normalize converts the wire shape into a sent Message. This is the
// only conversion path for messages, whichever way they arrive.
func (r RawMessage) Normalize() Message {
	m := Message{
		ID:          r.ID,
		Content:     r.Content,
		Author:      r.Author.Normalize(),
		ChannelID:   r.ChannelID,
		Attachments: make([]Attachment, 0, len(r.Attachments)),
		CreatedAt:   r.CreatedAt.Time,
		Status:      StatusSent,
	}

	if m.Author.ChannelID == "" {
		m.Author.ChannelID = r.ChannelID
	}

	for _, a := range r.Attachments {
		m.Attachments = append(m.Attachments, Attachment(a))
	}

	if r.EditedAt != nil && !r.EditedAt.IsZero() {
		t := r.EditedAt.Time
		m.EditedAt = &t
	}

	return m
}

// RawChannel is the wire shape of a channel.
type RawChannel struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	DisplayName string      `json:"display_name,omitempty"`
	Icon        string      `json:"icon,omitempty"`
	Type        string      `json:"type"`
	MemberCount int         `json:"member_count"`
	OwnerID     string      `json:"owner_id"`
	CreatedAt   Timestamp   `json:"created_at"`
	LastMessage *RawMessage `json:"last_message,omitempty"`
}

// Normalize converts the wire shape into a Channel. Unknown channel
// types are treated as server channels.
func (r RawChannel) Normalize() Channel {
	c := Channel{
		ID:          r.ID,
		Name:        r.Name,
		DisplayName: r.DisplayName,
		Icon:        r.Icon,
		Type:        ChannelType(r.Type),
		MemberCount: r.MemberCount,
		Owner:       r.OwnerID,
		CreatedAt:   r.CreatedAt.Time,
	}

	switch c.Type {
	case ChannelTypeDM, ChannelTypeGroup, ChannelTypeChannel:
	default:
		c.Type = ChannelTypeChannel
	}

	if r.LastMessage != nil {
		lm := r.LastMessage.Normalize()
		c.LastMessage = &lm
	}

	return c
}

// RawMessageDelete is the payload of MESSAGE_DELETE.
type RawMessageDelete struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
}

// RawChannelDelete is the payload of CHANNEL_DELETE.
type RawChannelDelete struct {
	ID string `json:"id"`
}

// RawMemberRemove is the payload of CHANNEL_MEMBER_REMOVE.
type RawMemberRemove struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
}
