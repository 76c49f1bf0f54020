package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompareIDs(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want int
	}{
		{"equal", "42", "42", 0},
		{"shorter numeric is smaller", "9", "10", -1},
		{"longer numeric is larger", "100", "99", 1},
		{"same length numeric", "123", "124", -1},
		{"leading zeros ignored", "009", "10", -1},
		{"non numeric lexical", "abc", "abd", -1},
		{"mixed falls back to lexical", "a1", "10", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CompareIDs(tt.a, tt.b))
		})
	}
}

func TestCompareMessages(t *testing.T) {
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	a := &Message{ID: "2", CreatedAt: base}
	b := &Message{ID: "1", CreatedAt: base.Add(time.Second)}
	c := &Message{ID: "3", CreatedAt: base}

	assert.Equal(t, -1, CompareMessages(a, b))
	assert.Equal(t, -1, CompareMessages(a, c))
	assert.Equal(t, 1, CompareMessages(c, a))
	assert.Equal(t, 0, CompareMessages(a, a))
}

func TestTimestamp_Unmarshal(t *testing.T) {
	want := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)

	tests := []struct {
		name string
		in   string
		want time.Time
	}{
		{"rfc3339", `"2025-03-04T05:06:07Z"`, want},
		{"unix millis", `1741064767000`, want},
		{"unix millis as string", `"1741064767000"`, want},
		{"null", `null`, time.Time{}},
		{"empty string", `""`, time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ts Timestamp
			require.NoError(t, json.Unmarshal([]byte(tt.in), &ts))
			assert.True(t, tt.want.Equal(ts.Time), "got %v", ts.Time)
		})
	}
}

func TestTimestamp_UnmarshalInvalid(t *testing.T) {
	var ts Timestamp
	assert.Error(t, json.Unmarshal([]byte(`"yesterday"`), &ts))
	assert.Error(t, json.Unmarshal([]byte(`true`), &ts))
}

func TestRawMessage_Normalize(t *testing.T) {
	raw := `{
		"id": "100",
		"content": "hello",
		"channel_id": "c1",
		"author": {"user": {"id": "u1", "username": "ann"}},
		"attachments": [{"id": "a1", "filename": "x.png", "url": "https://cdn/x.png", "size": 3}],
		"created_at": "2025-01-01T00:00:00Z",
		"edited_at": 1735689660000
	}`

	var rm RawMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &rm))

	m := rm.Normalize()
	assert.Equal(t, "100", m.ID)
	assert.Equal(t, StatusSent, m.Status)
	assert.Equal(t, "u1", m.Author.ID, "member id falls back to user id")
	assert.Equal(t, "c1", m.Author.ChannelID)
	require.Len(t, m.Attachments, 1)
	assert.Equal(t, "x.png", m.Attachments[0].Filename)
	require.NotNil(t, m.EditedAt)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 1, 0, 0, time.UTC), m.EditedAt.UTC())
}

func TestRawMessage_NormalizeNoAttachments(t *testing.T) {
	m := RawMessage{ID: "1"}.Normalize()
	assert.NotNil(t, m.Attachments)
	assert.Empty(t, m.Attachments)
	assert.Nil(t, m.EditedAt)
}

func TestRawChannel_Normalize(t *testing.T) {
	rc := RawChannel{
		ID:          "c1",
		Name:        "general",
		Type:        "voice",
		MemberCount: 3,
		OwnerID:     "u1",
		LastMessage: &RawMessage{ID: "9", ChannelID: "c1"},
	}

	c := rc.Normalize()
	assert.Equal(t, ChannelTypeChannel, c.Type)
	assert.Equal(t, "u1", c.Owner)
	require.NotNil(t, c.LastMessage)
	assert.Equal(t, "9", c.LastMessage.ID)

	dm := RawChannel{ID: "c2", Type: "dm"}.Normalize()
	assert.Equal(t, ChannelTypeDM, dm.Type)
}

func TestMessage_CloneIsIndependent(t *testing.T) {
	edited := time.Now()
	m := Message{ID: "1", Attachments: []Attachment{{ID: "a"}}, EditedAt: &edited}

	c := m.Clone()
	c.Attachments[0].ID = "b"
	*c.EditedAt = edited.Add(time.Hour)

	assert.Equal(t, "a", m.Attachments[0].ID)
	assert.Equal(t, edited, *m.EditedAt)
}

func TestUser_Name(t *testing.T) {
	assert.Equal(t, "Ann", User{Username: "ann", DisplayName: "Ann"}.Name())
	assert.Equal(t, "ann", User{Username: "ann"}.Name())
}
