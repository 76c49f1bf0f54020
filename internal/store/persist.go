package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

// persist writes dirty state to the cache. It runs on the loop
// goroutine, so it reads storeState directly.
func (s *Store) persist() {
	st := s.st

	if s.cache == nil {
		st.clearDirty()
		return
	}

	for id := range st.deletedChannels {
		if err := s.cache.DeleteChannel(id); err != nil {
			s.logger.Warn("deleting cached channel", slog.String("channel", id), slog.String("error", err.Error()))
			continue
		}

		delete(st.deletedChannels, id)
	}

	for id := range st.dirtyChannels {
		ch, ok := st.channels[id]
		if !ok {
			delete(st.dirtyChannels, id)
			continue
		}

		if err := s.cache.SaveChannel(ch.Clone()); err != nil {
			s.logger.Warn("caching channel", slog.String("channel", id), slog.String("error", err.Error()))
			continue
		}

		delete(st.dirtyChannels, id)
	}

	for id := range st.dirtyMessages {
		msgs := make([]models.Message, 0, len(st.messages[id]))
		for _, m := range st.messages[id] {
			if m.Status == models.StatusSent {
				msgs = append(msgs, m.Clone())
			}
		}

		if err := s.cache.ReplaceMessages(id, msgs); err != nil {
			s.logger.Warn("caching messages", slog.String("channel", id), slog.String("error", err.Error()))
			continue
		}

		delete(st.dirtyMessages, id)
	}

	for id := range st.dirtySync {
		ss, ok := st.syncStates[id]
		if !ok {
			delete(st.dirtySync, id)
			continue
		}

		if err := s.cache.SaveSyncState(*ss); err != nil {
			s.logger.Warn("caching sync state", slog.String("channel", id), slog.String("error", err.Error()))
			continue
		}

		delete(st.dirtySync, id)
	}

	if st.dirtyUser && st.currentUser != nil {
		if err := s.cache.SetCurrentUser(*st.currentUser); err != nil {
			s.logger.Warn("caching current user", slog.String("error", err.Error()))
		} else {
			st.dirtyUser = false
		}
	}

	if st.dirtySelection {
		if err := s.cache.SetSelectedChannel(st.currentChannel); err != nil {
			s.logger.Warn("caching selected channel", slog.String("error", err.Error()))
		} else {
			st.dirtySelection = false
		}
	}
}

func (st *storeState) clearDirty() {
	clear(st.dirtyChannels)
	clear(st.dirtyMessages)
	clear(st.dirtySync)
	clear(st.deletedChannels)
	st.dirtyUser = false
	st.dirtySelection = false
}

// Restore warms the store from the cache. State already loaded from
// the network is kept.
func (s *Store) Restore(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}

	channels, err := s.cache.LoadChannels()
	if err != nil {
		return fmt.Errorf("restoring channels: %w", err)
	}

	cmd := &restoreCmd{
		channels:   channels,
		messages:   make(map[string][]models.Message, len(channels)),
		syncStates: make(map[string]models.ChannelSyncState, len(channels)),
		selected:   s.cache.SelectedChannel(),
	}

	for _, ch := range channels {
		msgs, err := s.cache.LoadMessages(ch.ID)
		if err != nil {
			return fmt.Errorf("restoring messages for %s: %w", ch.ID, err)
		}

		if len(msgs) > 0 {
			cmd.messages[ch.ID] = msgs
		}

		ss, ok, err := s.cache.LoadSyncState(ch.ID)
		if err != nil {
			return fmt.Errorf("restoring sync state for %s: %w", ch.ID, err)
		}

		if ok {
			cmd.syncStates[ch.ID] = ss
		}
	}

	if cmd.user, err = s.cache.CurrentUser(); err != nil {
		return fmt.Errorf("restoring current user: %w", err)
	}

	if err := s.exec(ctx, cmd); err != nil {
		return err
	}

	s.logger.Info("store restored from cache",
		slog.Int("channels", len(channels)),
		slog.Int("channels_with_messages", len(cmd.messages)),
	)

	return nil
}

// Flush writes dirty state to the cache now.
func (s *Store) Flush(ctx context.Context) error {
	return s.exec(ctx, flushCmd{s: s})
}

type flushCmd struct {
	s *Store
}

func (c flushCmd) apply(*storeState) {
	c.s.persist()
}
