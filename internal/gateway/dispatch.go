package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

// Vendor dispatch event types.
const (
	TypeReady         = "READY"
	TypeChannelCreate = "CHANNEL_CREATE"
	TypeChannelUpdate = "CHANNEL_UPDATE"
	TypeChannelDelete = "CHANNEL_DELETE"
	TypeMemberAdd     = "CHANNEL_MEMBER_ADD"
	TypeMemberUpdate  = "CHANNEL_MEMBER_UPDATE"
	TypeMemberRemove  = "CHANNEL_MEMBER_REMOVE"
	TypeMessageCreate = "MESSAGE_CREATE"
	TypeMessageUpdate = "MESSAGE_UPDATE"
	TypeMessageDelete = "MESSAGE_DELETE"
)

type handlerFunc func(data json.RawMessage, emit func(Event)) error

type handlerGroup map[string]handlerFunc

var channelHandlers = handlerGroup{
	TypeChannelCreate: func(data json.RawMessage, emit func(Event)) error {
		var rc models.RawChannel
		if err := json.Unmarshal(data, &rc); err != nil {
			return err
		}

		emit(ChannelCreateEvent{Channel: rc.Normalize()})

		return nil
	},
	TypeChannelUpdate: func(data json.RawMessage, emit func(Event)) error {
		var rc models.RawChannel
		if err := json.Unmarshal(data, &rc); err != nil {
			return err
		}

		emit(ChannelUpdateEvent{Channel: rc.Normalize()})

		return nil
	},
	TypeChannelDelete: func(data json.RawMessage, emit func(Event)) error {
		var rd models.RawChannelDelete
		if err := json.Unmarshal(data, &rd); err != nil {
			return err
		}

		emit(ChannelDeleteEvent{ID: rd.ID})

		return nil
	},
}

var memberHandlers = handlerGroup{
	TypeMemberAdd: func(data json.RawMessage, emit func(Event)) error {
		var rm models.RawMember
		if err := json.Unmarshal(data, &rm); err != nil {
			return err
		}

		emit(MemberAddEvent{Member: rm.Normalize()})

		return nil
	},
	TypeMemberUpdate: func(data json.RawMessage, emit func(Event)) error {
		var rm models.RawMember
		if err := json.Unmarshal(data, &rm); err != nil {
			return err
		}

		emit(MemberUpdateEvent{Member: rm.Normalize()})

		return nil
	},
	TypeMemberRemove: func(data json.RawMessage, emit func(Event)) error {
		var rr models.RawMemberRemove
		if err := json.Unmarshal(data, &rr); err != nil {
			return err
		}

		emit(MemberRemoveEvent{ChannelID: rr.ChannelID, UserID: rr.UserID})

		return nil
	},
}

var messageHandlers = handlerGroup{
	TypeMessageCreate: func(data json.RawMessage, emit func(Event)) error {
		var rm models.RawMessage
		if err := json.Unmarshal(data, &rm); err != nil {
			return err
		}

		emit(MessageCreateEvent{Message: rm.Normalize()})

		return nil
	},
	TypeMessageUpdate: func(data json.RawMessage, emit func(Event)) error {
		var rm models.RawMessage
		if err := json.Unmarshal(data, &rm); err != nil {
			return err
		}

		emit(MessageUpdateEvent{Message: rm.Normalize()})

		return nil
	},
	TypeMessageDelete: func(data json.RawMessage, emit func(Event)) error {
		var rd models.RawMessageDelete
		if err := json.Unmarshal(data, &rd); err != nil {
			return err
		}

		emit(MessageDeleteEvent{ID: rd.ID, ChannelID: rd.ChannelID})

		return nil
	},
}

// defaultHandlers is composed at init so an overlapping key fails every
// test run instead of silently shadowing a handler.
var defaultHandlers = mustCompose(channelHandlers, memberHandlers, messageHandlers)

// Dispatcher routes vendor dispatch events to their handlers.
type Dispatcher struct {
	handlers handlerGroup
	logger   *slog.Logger
}

// NewDispatcher returns a dispatcher over the standard channel, member
// and message handler groups.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{handlers: defaultHandlers, logger: logger}
}

func compose(groups ...handlerGroup) (handlerGroup, error) {
	merged := make(handlerGroup)

	for _, g := range groups {
		keys := make([]string, 0, len(g))
		for k := range g {
			keys = append(keys, k)
		}

		sort.Strings(keys)

		for _, k := range keys {
			if _, dup := merged[k]; dup {
				return nil, fmt.Errorf("duplicate handler for event type %s", k)
			}

			merged[k] = g[k]
		}
	}

	return merged, nil
}

func mustCompose(groups ...handlerGroup) handlerGroup {
	h, err := compose(groups...)
	if err != nil {
		panic(err)
	}

	return h
}

// Dispatch decodes data for eventType and passes the resulting events to
// emit. Unknown event types and undecodable payloads are logged and
// dropped.
func (d *Dispatcher) Dispatch(eventType string, data json.RawMessage, emit func(Event)) {
	h, ok := d.handlers[eventType]
	if !ok {
		d.logger.Debug("ignoring unhandled gateway event", slog.String("type", eventType))
		return
	}

	if err := h(data, emit); err != nil {
		d.logger.Warn("dropping undecodable gateway event",
			slog.String("type", eventType),
			slog.String("error", err.Error()),
		)
	}
}
