package store

import (
	"context"
	"fmt"
	"log/slog"

	chaterr "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/rest"
)

// FetchOptions selects a page of history. Before is a message id
// cursor; empty means the latest page.
type FetchOptions struct {
	Before string
	Limit  int
}

// FetchChannels loads the channel list and merges it into the store.
// Concurrent calls share one request.
func (s *Store) FetchChannels(ctx context.Context) ([]models.Channel, error) {
	v, err, _ := s.group.Do("channels", func() (any, error) {
		raw, err := s.api.ListChannels(ctx)
		if err != nil {
			err = fmt.Errorf("%w: listing channels: %w", chaterr.ErrFetch, err)
			s.update(ctx, &setErrorCmd{err: err})

			return nil, err
		}

		channels := make([]models.Channel, 0, len(raw))
		for _, r := range raw {
			channels = append(channels, r.Normalize())
		}

		if err := s.exec(ctx, &mergeChannelsCmd{channels: channels}); err != nil {
			return nil, err
		}

		return channels, nil
	})
	if err != nil {
		return nil, err
	}

	return v.([]models.Channel), nil
}

// FetchMessages loads one page of a channel's history and merges it.
// Only one request per channel is active at a time; concurrent callers
// share its outcome. The request outlives a cancelled caller and is
// stopped only by CancelFetch.
func (s *Store) FetchMessages(ctx context.Context, channelID string, opts FetchOptions) ([]models.Message, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = s.cfg.PageSize
	}

	ch := s.group.DoChan("messages:"+channelID, func() (any, error) {
		return s.fetchMessages(ctx, channelID, opts.Before, limit)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}

		return res.Val.([]models.Message), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Store) fetchMessages(parent context.Context, channelID, before string, limit int) ([]models.Message, error) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))

	s.fetchMu.Lock()
	s.fetchCancels[channelID] = cancel
	s.fetchMu.Unlock()

	defer func() {
		s.fetchMu.Lock()
		delete(s.fetchCancels, channelID)
		s.fetchMu.Unlock()
		cancel()
	}()

	if err := s.exec(ctx, &beginFetchCmd{channelID: channelID}); err != nil {
		return nil, err
	}

	raw, err := s.api.ListMessages(ctx, channelID, rest.MessageQuery{Before: before, Limit: limit})

	page := &applyPageCmd{channelID: channelID, limit: limit}

	switch {
	case err != nil && ctx.Err() != nil:
		page.cancelled = true
		err = fmt.Errorf("fetching messages for %s: %w", channelID, ctx.Err())
	case err != nil:
		err = fmt.Errorf("%w: messages for %s: %w", chaterr.ErrFetch, channelID, err)
		page.err = err
	default:
		page.batch = make([]models.Message, 0, len(raw))

		for _, r := range raw {
			m := r.Normalize()
			if m.ChannelID != channelID {
				if m.ChannelID != "" {
					s.logger.Warn("dropping message from another channel",
						slog.String("channel", channelID),
						slog.String("message_channel", m.ChannelID),
					)

					continue
				}

				m.ChannelID = channelID
			}

			page.batch = append(page.batch, m)
		}
	}

	s.update(ctx, page)

	if err != nil {
		return nil, err
	}

	return page.batch, nil
}

// CancelFetch stops an in-flight history fetch for the channel. The
// store keeps its previous messages and only clears the loading flags.
func (s *Store) CancelFetch(channelID string) {
	s.fetchMu.Lock()
	cancel, ok := s.fetchCancels[channelID]
	s.fetchMu.Unlock()

	if ok {
		cancel()
	}
}

// FetchOlder loads the page before the oldest loaded message. It does
// nothing once the channel has no more history.
func (s *Store) FetchOlder(ctx context.Context, channelID string) ([]models.Message, error) {
	snap := s.Snapshot()
	if !snap.SyncState(channelID).HasMore {
		return nil, nil
	}

	var before string

	for _, m := range snap.Messages(channelID) {
		if m.Status == models.StatusSent {
			before = m.ID
			break
		}
	}

	return s.FetchMessages(ctx, channelID, FetchOptions{Before: before})
}

// SelectChannel makes channelID current and loads its latest page.
func (s *Store) SelectChannel(ctx context.Context, channelID string) error {
	if err := s.exec(ctx, &selectChannelCmd{channelID: channelID}); err != nil {
		return err
	}

	if channelID == "" {
		return nil
	}

	_, err := s.FetchMessages(ctx, channelID, FetchOptions{})

	return err
}

// LoadCurrentUser fetches the authenticated user.
func (s *Store) LoadCurrentUser(ctx context.Context) (models.User, error) {
	raw, err := s.api.GetCurrentUser(ctx)
	if err != nil {
		err = fmt.Errorf("%w: current user: %w", chaterr.ErrFetch, err)
		s.update(ctx, &setErrorCmd{err: err})

		return models.User{}, err
	}

	u := raw.Normalize()

	return u, s.exec(ctx, &setUserCmd{user: u})
}

// SetCurrentUser records the authenticated user.
func (s *Store) SetCurrentUser(ctx context.Context, u models.User) error {
	return s.exec(ctx, &setUserCmd{user: u})
}
