package store

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
	"golang.org/x/text/unicode/norm"

	chaterr "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
)

// --- connection and errors ---

type setErrorCmd struct {
	err error
}

func (c *setErrorCmd) apply(st *storeState) {
	st.connErr = c.err
}

type setUserCmd struct {
	user models.User
}

func (c *setUserCmd) apply(st *storeState) {
	u := c.user
	st.currentUser = &u
	st.dirtyUser = true
}

type selectChannelCmd struct {
	channelID string
}

func (c *selectChannelCmd) apply(st *storeState) {
	if st.currentChannel == c.channelID {
		return
	}

	st.currentChannel = c.channelID
	st.dirtySelection = true
}

// --- channel list ---

// mergeChannelsCmd replaces the channel list with a fetched one. Known
// channels are updated in place so their identity survives.
type mergeChannelsCmd struct {
	channels []models.Channel
}

func (c *mergeChannelsCmd) apply(st *storeState) {
	seen := make(map[string]bool, len(c.channels))
	order := make([]string, 0, len(c.channels))

	for _, ch := range c.channels {
		if seen[ch.ID] {
			continue
		}

		seen[ch.ID] = true
		order = append(order, ch.ID)

		if existing, ok := st.channels[ch.ID]; ok {
			if ch.LastMessage == nil {
				ch.LastMessage = existing.LastMessage
			}

			*existing = ch
			st.dirtyChannels[ch.ID] = true

			continue
		}

		cp := ch
		st.channels[ch.ID] = &cp
		st.dirtyChannels[ch.ID] = true
		delete(st.deletedChannels, ch.ID)
	}

	// dropChannel edits channelOrder, so collect first.
	var gone []string

	for _, id := range st.channelOrder {
		if !seen[id] {
			gone = append(gone, id)
		}
	}

	for _, id := range gone {
		st.dropChannel(id)
	}

	st.channelOrder = order

	if errors.Is(st.connErr, chaterr.ErrFetch) {
		st.connErr = nil
	}
}

type upsertChannelCmd struct {
	channel models.Channel
}

func (c *upsertChannelCmd) apply(st *storeState) {
	existing, ok := st.channels[c.channel.ID]
	if !ok {
		st.addChannel(c.channel)
		return
	}

	ch := c.channel
	if ch.LastMessage == nil {
		ch.LastMessage = existing.LastMessage
	}

	*existing = ch
	st.dirtyChannels[ch.ID] = true
}

type deleteChannelCmd struct {
	channelID string
}

func (c *deleteChannelCmd) apply(st *storeState) {
	st.dropChannel(c.channelID)
}

// --- members ---

type memberCountCmd struct {
	channelID string
	delta     int
}

func (c *memberCountCmd) apply(st *storeState) {
	ch, ok := st.channels[c.channelID]
	if !ok {
		return
	}

	ch.MemberCount = max(0, ch.MemberCount+c.delta)
	st.dirtyChannels[c.channelID] = true
}

// memberUpdateCmd refreshes the author record on cached messages.
type memberUpdateCmd struct {
	member models.Member
}

func (c *memberUpdateCmd) apply(st *storeState) {
	changed := false

	for _, m := range st.messages[c.member.ChannelID] {
		if m.Author.ID == c.member.ID {
			m.Author = c.member
			changed = true
		}
	}

	if changed {
		st.markMessages(c.member.ChannelID)
	}
}

// --- history ---

type beginFetchCmd struct {
	channelID string
}

func (c *beginFetchCmd) apply(st *storeState) {
	ss := st.syncState(c.channelID)
	ss.IsLoadingHistory = true
	ss.ActiveRequest = true
}

// applyPageCmd merges one fetched page. A cancelled fetch only clears
// the loading flags.
type applyPageCmd struct {
	channelID string
	batch     []models.Message
	limit     int
	err       error
	cancelled bool
}

func (c *applyPageCmd) apply(st *storeState) {
	ss := st.syncState(c.channelID)
	ss.IsLoadingHistory = false
	ss.ActiveRequest = false

	if c.cancelled {
		return
	}

	if c.err != nil {
		st.connErr = c.err
		return
	}

	for _, m := range c.batch {
		st.upsertMessage(m)
	}

	st.markMessages(c.channelID)
	st.sortMessages(c.channelID)

	ss.HasMore = len(c.batch) >= c.limit

	if list := st.messages[c.channelID]; len(list) > 0 {
		ss.OldestLoadedTimestamp = list[0].CreatedAt
	}

	st.dirtySync[c.channelID] = true

	if n := len(c.batch); n > 0 {
		newest := c.batch[0]
		for _, m := range c.batch[1:] {
			if models.CompareMessages(&m, &newest) > 0 {
				newest = m
			}
		}

		st.setLastMessage(newest)
	}

	if errors.Is(st.connErr, chaterr.ErrFetch) {
		st.connErr = nil
	}
}

// --- sends ---

// startSendCmd inserts an optimistic message and its PendingSend.
type startSendCmd struct {
	localID   string
	channelID string
	content   string
	files     []models.File
	createdAt time.Time

	// attachments, when set, seeds the optimistic entry instead of
	// files so a retried message keeps its original URLs.
	attachments []models.Attachment

	// results
	err     error
	message models.Message
}

func (c *startSendCmd) apply(st *storeState) {
	if c.channelID == "" {
		c.channelID = st.currentChannel
	}

	if c.channelID == "" {
		c.err = chaterr.ErrNoChannel
		return
	}

	if st.currentUser == nil {
		c.err = chaterr.ErrNoCurrentUser
		return
	}

	names := make([]string, 0, len(c.files))
	attachments := make([]models.Attachment, 0, len(c.files))

	for _, f := range c.files {
		names = append(names, f.Name)
		attachments = append(attachments, models.Attachment{
			Filename:    f.Name,
			ContentType: f.ContentType,
			Size:        int64(len(f.Data)),
		})
	}

	if c.attachments != nil {
		attachments = slices.Clone(c.attachments)
	}

	msg := models.Message{
		ID:      c.localID,
		LocalID: c.localID,
		Content: c.content,
		Author: models.Member{
			ID:        st.currentUser.ID,
			User:      *st.currentUser,
			ChannelID: c.channelID,
		},
		ChannelID:   c.channelID,
		Attachments: attachments,
		CreatedAt:   c.createdAt,
		Status:      models.StatusSending,
	}

	st.upsertMessage(msg)
	st.sortMessages(c.channelID)

	st.pending[c.localID] = &models.PendingSend{
		LocalID:   c.localID,
		ChannelID: c.channelID,
		Content:   c.content,
		Files:     names,
		Attempt:   0,
		Status:    models.StatusSending,
		CreatedAt: c.createdAt,
	}
	st.sendsInFlight++

	c.message = msg
}

// findSend locates the optimistic entry for localID, which may already
// carry its server id if a push was matched to it.
func (st *storeState) findSend(channelID, localID string) *models.Message {
	if _, m := st.findMessage(channelID, localID); m != nil {
		return m
	}

	if p, ok := st.pending[localID]; ok && p.ServerID != "" {
		if _, m := st.findMessage(channelID, p.ServerID); m != nil {
			return m
		}
	}

	return nil
}

type sendAttemptCmd struct {
	localID string
	attempt int
}

func (c *sendAttemptCmd) apply(st *storeState) {
	if p, ok := st.pending[c.localID]; ok {
		p.Attempt = c.attempt
	}
}

// uploadedCmd records the uploaded attachments on the optimistic entry
// so a failed send can later be retried from their URLs.
type uploadedCmd struct {
	channelID   string
	localID     string
	attachments []models.Attachment
}

func (c *uploadedCmd) apply(st *storeState) {
	if m := st.findSend(c.channelID, c.localID); m != nil {
		m.Attachments = slices.Clone(c.attachments)
		st.markMessages(c.channelID)
	}
}

// abortSendCmd removes the optimistic entry entirely. Used when
// attachment upload fails, so no partial message remains.
type abortSendCmd struct {
	channelID string
	localID   string
	err       error
}

func (c *abortSendCmd) apply(st *storeState) {
	if m := st.findSend(c.channelID, c.localID); m != nil {
		st.removeMessage(c.channelID, m.ID)
	}

	delete(st.pending, c.localID)
	st.sendsInFlight--
	st.connErr = c.err
}

// failSendCmd keeps the optimistic entry, marked failed, for a retry.
type failSendCmd struct {
	channelID string
	localID   string
	err       error
}

func (c *failSendCmd) apply(st *storeState) {
	if m := st.findSend(c.channelID, c.localID); m != nil && m.Status != models.StatusSent {
		m.Status = models.StatusFailed
		st.markMessages(c.channelID)
	}

	delete(st.pending, c.localID)
	st.sendsInFlight--
	st.connErr = c.err
}

// completeSendCmd reconciles the optimistic entry with the server's
// copy in place.
type completeSendCmd struct {
	channelID string
	localID   string
	message   models.Message
}

func (c *completeSendCmd) apply(st *storeState) {
	optimistic := st.findSend(c.channelID, c.localID)

	// A push for another send with the same content claimed this entry
	// first. That entry is a real message; leave it and place ours by id.
	if p, ok := st.pending[c.localID]; ok && p.ServerID != "" && p.ServerID != c.message.ID {
		optimistic = nil
	}

	delete(st.pending, c.localID)
	st.sendsInFlight--

	msg := c.message
	msg.LocalID = c.localID
	msg.Status = models.StatusSent

	if _, ok := st.channels[c.channelID]; !ok && st.messages[c.channelID] == nil {
		return
	}

	// A push for this message may have landed separately; keep one entry.
	if optimistic != nil && optimistic.ID != msg.ID {
		if _, dup := st.findMessage(c.channelID, msg.ID); dup != nil {
			st.removeMessage(c.channelID, optimistic.ID)
			optimistic = nil
		}
	}

	if optimistic != nil {
		*optimistic = msg
		st.markMessages(c.channelID)
	} else {
		st.upsertMessage(msg)
	}

	st.sortMessages(c.channelID)
	st.setLastMessage(msg)
}

// prepareRetryCmd validates a retry and returns the failed message.
type prepareRetryCmd struct {
	messageID string

	// results
	channelID string
	message   models.Message
	err       error
}

func (c *prepareRetryCmd) apply(st *storeState) {
	if st.currentChannel == "" {
		c.err = chaterr.ErrNoChannel
		return
	}

	_, m := st.findMessage(st.currentChannel, c.messageID)
	if m == nil || m.Status != models.StatusFailed {
		c.err = fmt.Errorf("retrying %s: %w", c.messageID, chaterr.ErrMessageNotFound)
		return
	}

	c.channelID = st.currentChannel
	c.message = m.Clone()
}

type removeMessageCmd struct {
	channelID string
	id        string
}

func (c *removeMessageCmd) apply(st *storeState) {
	if st.removeMessage(c.channelID, c.id) {
		st.refreshLastMessage(c.channelID, c.id)
	}
}

// --- pushes ---

// pushMessageCmd applies a message delivered by the gateway.
type pushMessageCmd struct {
	message     models.Message
	matchWindow time.Duration
	hooks       Hooks
}

func (c *pushMessageCmd) apply(st *storeState) {
	msg := c.message
	channelID := msg.ChannelID

	switch {
	case st.replaceExisting(msg):
	case st.matchPending(msg, c.matchWindow):
	default:
		st.upsertMessage(msg)
	}

	st.sortMessages(channelID)
	st.setLastMessage(msg)

	if channelID != st.currentChannel {
		return
	}

	hooks := c.hooks
	delivered := msg.Clone()

	if hooks.ScrollToBottom != nil {
		st.effect(func() { hooks.ScrollToBottom(channelID) })
	}

	if hooks.Incoming != nil {
		st.effect(func() { hooks.Incoming(delivered) })
	}
}

func (st *storeState) replaceExisting(msg models.Message) bool {
	_, existing := st.findMessage(msg.ChannelID, msg.ID)
	if existing == nil {
		return false
	}

	msg.LocalID = existing.LocalID
	*existing = msg
	st.markMessages(msg.ChannelID)

	return true
}

// matchPending promotes an optimistic entry when msg is the server's
// echo of a pending send: same channel, same author, same content after
// NFC normalization, created within the window.
func (st *storeState) matchPending(msg models.Message, window time.Duration) bool {
	if st.currentUser == nil || (msg.Author.User.ID != st.currentUser.ID && msg.Author.ID != st.currentUser.ID) {
		return false
	}

	content := norm.NFC.String(msg.Content)

	var best *models.PendingSend

	for _, p := range st.pending {
		if p.ChannelID != msg.ChannelID || p.ServerID != "" {
			continue
		}

		if norm.NFC.String(p.Content) != content {
			continue
		}

		if d := msg.CreatedAt.Sub(p.CreatedAt).Abs(); d > window {
			continue
		}

		if best == nil || p.CreatedAt.Before(best.CreatedAt) {
			best = p
		}
	}

	if best == nil {
		return false
	}

	_, optimistic := st.findMessage(msg.ChannelID, best.LocalID)
	if optimistic == nil {
		return false
	}

	msg.LocalID = best.LocalID
	msg.Status = models.StatusSent
	*optimistic = msg
	best.ServerID = msg.ID
	st.markMessages(msg.ChannelID)

	return true
}

// updateMessageCmd applies an edit to the current channel only.
type updateMessageCmd struct {
	message models.Message
}

func (c *updateMessageCmd) apply(st *storeState) {
	msg := c.message
	if msg.ChannelID != st.currentChannel {
		return
	}

	_, existing := st.findMessage(msg.ChannelID, msg.ID)
	if existing == nil {
		return
	}

	if msg.Content != "" && existing.Content != msg.Content {
		ins, del := diffStats(existing.Content, msg.Content)
		st.logger.Debug("message edited",
			slog.String("id", msg.ID),
			slog.Int("inserted", ins),
			slog.Int("deleted", del),
		)
	}

	mergeEdit(existing, msg)
	st.markMessages(msg.ChannelID)
	st.sortMessages(msg.ChannelID)

	if ch, ok := st.channels[msg.ChannelID]; ok && ch.LastMessage != nil && ch.LastMessage.ID == msg.ID {
		st.setLastMessage(*existing)
	}
}

// mergeEdit copies the fields an update actually carries. Update
// payloads may be partial; absent fields keep their stored values.
func mergeEdit(dst *models.Message, edit models.Message) {
	if edit.Content != "" {
		dst.Content = edit.Content
	}

	if edit.Author.User.ID != "" || edit.Author.ID != "" {
		dst.Author = edit.Author
	}

	if edit.Attachments != nil {
		dst.Attachments = edit.Attachments
	}

	if !edit.CreatedAt.IsZero() {
		dst.CreatedAt = edit.CreatedAt
	}

	if edit.EditedAt != nil {
		dst.EditedAt = edit.EditedAt
	}

	if edit.Status != "" {
		dst.Status = edit.Status
	}
}

// deleteMessageCmd removes a message from the current channel only.
// Deleting an unknown id is a no-op.
type deleteMessageCmd struct {
	channelID string
	id        string
}

func (c *deleteMessageCmd) apply(st *storeState) {
	if c.channelID != st.currentChannel {
		return
	}

	if st.removeMessage(c.channelID, c.id) {
		st.refreshLastMessage(c.channelID, c.id)
	}
}

// diffStats counts inserted and deleted characters between two texts.
func diffStats(before, after string) (inserted, deleted int) {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			inserted += len([]rune(d.Text))
		case diffmatchpatch.DiffDelete:
			deleted += len([]rune(d.Text))
		}
	}

	return inserted, deleted
}

// --- restore ---

// restoreCmd warms empty state from the cache. Anything already loaded
// from the network wins.
type restoreCmd struct {
	channels   []models.Channel
	messages   map[string][]models.Message
	syncStates map[string]models.ChannelSyncState
	user       *models.User
	selected   string
}

func (c *restoreCmd) apply(st *storeState) {
	if len(st.channels) == 0 {
		for _, ch := range c.channels {
			cp := ch
			st.channels[ch.ID] = &cp
			st.channelOrder = append(st.channelOrder, ch.ID)
		}
	}

	for id, msgs := range c.messages {
		if _, ok := st.channels[id]; !ok || len(st.messages[id]) > 0 {
			continue
		}

		list := make([]*models.Message, 0, len(msgs))
		for i := range msgs {
			m := msgs[i]
			list = append(list, &m)
		}

		st.messages[id] = list
		st.touched[id] = true
		st.sortMessages(id)
	}

	for id, ss := range c.syncStates {
		if _, known := st.channels[id]; !known {
			continue
		}

		if _, ok := st.syncStates[id]; ok {
			continue
		}

		cp := ss
		st.syncStates[id] = &cp
	}

	if st.currentUser == nil && c.user != nil {
		u := *c.user
		st.currentUser = &u
	}

	if st.currentChannel == "" && c.selected != "" {
		if _, ok := st.channels[c.selected]; ok {
			st.currentChannel = c.selected
		}
	}
}
