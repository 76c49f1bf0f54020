package store

import (
	"log/slog"
	"slices"
	"sort"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

// storeState is the mutable state owned by the loop goroutine. Nothing
// outside apply methods may touch it.
type storeState struct {
	logger *slog.Logger

	channels       map[string]*models.Channel
	channelOrder   []string
	messages       map[string][]*models.Message
	syncStates     map[string]*models.ChannelSyncState
	pending        map[string]*models.PendingSend
	currentChannel string
	currentUser    *models.User
	connErr        error
	sendsInFlight  int

	// touched marks channels whose message lists changed since the
	// last published snapshot.
	touched map[string]bool

	dirtyChannels   map[string]bool
	dirtyMessages   map[string]bool
	dirtySync       map[string]bool
	deletedChannels map[string]bool
	dirtyUser       bool
	dirtySelection  bool

	effects []func()
	version uint64
}

func newStoreState(logger *slog.Logger) *storeState {
	return &storeState{
		logger:          logger,
		channels:        make(map[string]*models.Channel),
		messages:        make(map[string][]*models.Message),
		syncStates:      make(map[string]*models.ChannelSyncState),
		pending:         make(map[string]*models.PendingSend),
		touched:         make(map[string]bool),
		dirtyChannels:   make(map[string]bool),
		dirtyMessages:   make(map[string]bool),
		dirtySync:       make(map[string]bool),
		deletedChannels: make(map[string]bool),
	}
}

func (st *storeState) effect(fn func()) {
	st.effects = append(st.effects, fn)
}

func (st *storeState) takeEffects() []func() {
	fx := st.effects
	st.effects = nil

	return fx
}

// snapshot builds the next immutable view. Message slices of channels
// that did not change are reused from prev.
func (st *storeState) snapshot(prev *Snapshot) *Snapshot {
	st.version++

	next := &Snapshot{
		Version:          st.version,
		CurrentChannel:   st.currentChannel,
		ConnectionError:  st.connErr,
		IsSendingMessage: st.sendsInFlight > 0,
		channels:         make([]models.Channel, 0, len(st.channelOrder)),
		messages:         make(map[string][]models.Message, len(st.messages)),
		syncStates:       make(map[string]models.ChannelSyncState, len(st.syncStates)),
		pending:          make([]models.PendingSend, 0, len(st.pending)),
	}

	if st.currentUser != nil {
		u := *st.currentUser
		next.currentUser = &u
	}

	for _, id := range st.channelOrder {
		next.channels = append(next.channels, st.channels[id].Clone())
	}

	for id, list := range st.messages {
		if prevList, ok := prev.messages[id]; ok && !st.touched[id] {
			next.messages[id] = prevList
			continue
		}

		copied := make([]models.Message, len(list))
		for i, m := range list {
			copied[i] = m.Clone()
		}

		next.messages[id] = copied
	}

	for id, ss := range st.syncStates {
		next.syncStates[id] = *ss
	}

	for _, p := range st.pending {
		cp := *p
		cp.Files = slices.Clone(p.Files)
		next.pending = append(next.pending, cp)
	}

	sort.Slice(next.pending, func(i, j int) bool {
		return next.pending[i].CreatedAt.Before(next.pending[j].CreatedAt)
	})

	clear(st.touched)

	return next
}

func (st *storeState) markMessages(channelID string) {
	st.touched[channelID] = true
	st.dirtyMessages[channelID] = true
}

func (st *storeState) syncState(channelID string) *models.ChannelSyncState {
	ss, ok := st.syncStates[channelID]
	if !ok {
		ss = &models.ChannelSyncState{ChannelID: channelID, HasMore: true}
		st.syncStates[channelID] = ss
	}

	return ss
}

func (st *storeState) findMessage(channelID, id string) (int, *models.Message) {
	for i, m := range st.messages[channelID] {
		if m.ID == id {
			return i, m
		}
	}

	return -1, nil
}

func (st *storeState) sortMessages(channelID string) {
	slices.SortStableFunc(st.messages[channelID], models.CompareMessages)
}

// upsertMessage replaces the message with the same id in place or
// appends it. The caller sorts afterwards.
func (st *storeState) upsertMessage(m models.Message) {
	if _, existing := st.findMessage(m.ChannelID, m.ID); existing != nil {
		if m.LocalID == "" {
			m.LocalID = existing.LocalID
		}

		*existing = m
	} else {
		cp := m
		st.messages[m.ChannelID] = append(st.messages[m.ChannelID], &cp)
	}

	st.markMessages(m.ChannelID)
}

func (st *storeState) removeMessage(channelID, id string) bool {
	i, _ := st.findMessage(channelID, id)
	if i < 0 {
		return false
	}

	st.messages[channelID] = slices.Delete(st.messages[channelID], i, i+1)
	st.markMessages(channelID)

	return true
}

// setLastMessage points the channel's LastMessage at m unless the
// channel already references a newer message.
func (st *storeState) setLastMessage(m models.Message) {
	c, ok := st.channels[m.ChannelID]
	if !ok || m.Status != models.StatusSent {
		return
	}

	if c.LastMessage != nil && c.LastMessage.ID != m.ID && models.CompareMessages(c.LastMessage, &m) > 0 {
		return
	}

	lm := m.Clone()
	c.LastMessage = &lm
	st.dirtyChannels[c.ID] = true
}

// refreshLastMessage recomputes LastMessage after a removal.
func (st *storeState) refreshLastMessage(channelID, removedID string) {
	c, ok := st.channels[channelID]
	if !ok || c.LastMessage == nil || c.LastMessage.ID != removedID {
		return
	}

	c.LastMessage = nil

	list := st.messages[channelID]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Status == models.StatusSent {
			lm := list[i].Clone()
			c.LastMessage = &lm

			break
		}
	}

	st.dirtyChannels[channelID] = true
}

func (st *storeState) addChannel(c models.Channel) {
	cp := c
	st.channels[c.ID] = &cp
	st.channelOrder = append(st.channelOrder, c.ID)
	st.dirtyChannels[c.ID] = true
	delete(st.deletedChannels, c.ID)
}

func (st *storeState) dropChannel(id string) {
	if _, ok := st.channels[id]; !ok {
		return
	}

	delete(st.channels, id)
	st.channelOrder = slices.DeleteFunc(st.channelOrder, func(s string) bool { return s == id })
	delete(st.messages, id)
	delete(st.syncStates, id)
	delete(st.dirtyChannels, id)
	delete(st.dirtyMessages, id)
	delete(st.dirtySync, id)
	st.deletedChannels[id] = true

	for localID, p := range st.pending {
		if p.ChannelID == id {
			delete(st.pending, localID)
		}
	}

	if st.currentChannel == id {
		st.currentChannel = ""
		st.dirtySelection = true
	}
}
