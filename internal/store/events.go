package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	chaterr "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/gateway"
	"github.com/alexjbarnes/chat-sync/internal/models"
)

// EventSource is the subscription surface of the gateway client.
type EventSource interface {
	On(name gateway.EventName, fn gateway.Listener) gateway.ListenerID
	Off(name gateway.EventName, id gateway.ListenerID)
}

// Attach feeds every event from src into the store. The returned
// function detaches it.
func (s *Store) Attach(src EventSource) func() {
	names := gateway.EventNames()
	ids := make([]gateway.ListenerID, len(names))

	for i, name := range names {
		ids[i] = src.On(name, func(ev gateway.Event) {
			if err := s.HandleEvent(context.Background(), ev); err != nil {
				s.logger.Debug("gateway event not applied",
					slog.String("event", string(ev.Name())),
					slog.String("error", err.Error()),
				)
			}
		})
	}

	return func() {
		for i, name := range names {
			src.Off(name, ids[i])
		}
	}
}

// HandleEvent applies one gateway event.
func (s *Store) HandleEvent(ctx context.Context, ev gateway.Event) error {
	switch e := ev.(type) {
	case gateway.ConnectedEvent:
		return s.exec(ctx, &setErrorCmd{})
	case gateway.ErrorEvent:
		err := e.Err
		if !errors.Is(err, chaterr.ErrTransport) {
			err = fmt.Errorf("%w: %w", chaterr.ErrTransport, err)
		}

		return s.exec(ctx, &setErrorCmd{err: err})
	case gateway.CloseEvent:
		if e.Explicit {
			return nil
		}

		return s.exec(ctx, &setErrorCmd{
			err: fmt.Errorf("%w: connection closed (%d %s)", chaterr.ErrTransport, e.Code, e.Reason),
		})
	case gateway.MessageCreateEvent:
		return s.HandleNewMessage(ctx, e.Message)
	case gateway.MessageUpdateEvent:
		return s.UpdateMessage(ctx, e.Message)
	case gateway.MessageDeleteEvent:
		return s.DeleteMessage(ctx, e.ChannelID, e.ID)
	case gateway.ChannelCreateEvent:
		return s.exec(ctx, &upsertChannelCmd{channel: e.Channel})
	case gateway.ChannelUpdateEvent:
		return s.exec(ctx, &upsertChannelCmd{channel: e.Channel})
	case gateway.ChannelDeleteEvent:
		return s.exec(ctx, &deleteChannelCmd{channelID: e.ID})
	case gateway.MemberAddEvent:
		return s.exec(ctx, &memberCountCmd{channelID: e.Member.ChannelID, delta: 1})
	case gateway.MemberUpdateEvent:
		return s.exec(ctx, &memberUpdateCmd{member: e.Member})
	case gateway.MemberRemoveEvent:
		return s.exec(ctx, &memberCountCmd{channelID: e.ChannelID, delta: -1})
	default:
		s.logger.Warn("unhandled gateway event", slog.String("event", string(ev.Name())))
		return nil
	}
}

// HandleNewMessage applies a pushed message. A push that echoes one of
// our pending sends replaces the optimistic entry instead of adding a
// second copy.
func (s *Store) HandleNewMessage(ctx context.Context, msg models.Message) error {
	if msg.Status == "" {
		msg.Status = models.StatusSent
	}

	return s.exec(ctx, &pushMessageCmd{message: msg, matchWindow: s.cfg.MatchWindow, hooks: s.hooks})
}

// UpdateMessage applies an edit. Edits outside the current channel and
// edits of unknown messages are ignored.
func (s *Store) UpdateMessage(ctx context.Context, msg models.Message) error {
	if msg.Status == "" {
		msg.Status = models.StatusSent
	}

	return s.exec(ctx, &updateMessageCmd{message: msg})
}

// DeleteMessage removes a message from the current channel. Deleting
// an unknown id does nothing.
func (s *Store) DeleteMessage(ctx context.Context, channelID, id string) error {
	return s.exec(ctx, &deleteMessageCmd{channelID: channelID, id: id})
}
