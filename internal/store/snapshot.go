package store

import (
	"slices"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

// Snapshot is an immutable view of the store after one command. Message
// slices are shared between snapshots until their channel changes, so
// accessors return copies.
type Snapshot struct {
	Version          uint64
	CurrentChannel   string
	ConnectionError  error
	IsSendingMessage bool

	currentUser *models.User
	channels    []models.Channel
	messages    map[string][]models.Message
	syncStates  map[string]models.ChannelSyncState
	pending     []models.PendingSend
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		messages:   map[string][]models.Message{},
		syncStates: map[string]models.ChannelSyncState{},
	}
}

// Channels returns the channel list in server order.
func (s *Snapshot) Channels() []models.Channel {
	out := make([]models.Channel, len(s.channels))
	for i, c := range s.channels {
		out[i] = c.Clone()
	}

	return out
}

// Channel returns one channel by id.
func (s *Snapshot) Channel(id string) (models.Channel, bool) {
	for _, c := range s.channels {
		if c.ID == id {
			return c.Clone(), true
		}
	}

	return models.Channel{}, false
}

// Messages returns a channel's messages ordered by (CreatedAt, ID).
func (s *Snapshot) Messages(channelID string) []models.Message {
	src := s.messages[channelID]

	out := make([]models.Message, len(src))
	for i, m := range src {
		out[i] = m.Clone()
	}

	return out
}

// Message finds a message by id within a channel.
func (s *Snapshot) Message(channelID, id string) (models.Message, bool) {
	for _, m := range s.messages[channelID] {
		if m.ID == id {
			return m.Clone(), true
		}
	}

	return models.Message{}, false
}

// SyncState returns a channel's pagination state. Channels never
// fetched report HasMore so the first page is always requested.
func (s *Snapshot) SyncState(channelID string) models.ChannelSyncState {
	if st, ok := s.syncStates[channelID]; ok {
		return st
	}

	return models.ChannelSyncState{ChannelID: channelID, HasMore: true}
}

// CurrentUser returns the authenticated user, or nil.
func (s *Snapshot) CurrentUser() *models.User {
	if s.currentUser == nil {
		return nil
	}

	u := *s.currentUser

	return &u
}

// PendingSends returns sends not yet acknowledged by the server.
func (s *Snapshot) PendingSends() []models.PendingSend {
	return slices.Clone(s.pending)
}
