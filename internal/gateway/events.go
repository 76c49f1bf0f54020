package gateway

import "github.com/alexjbarnes/chat-sync/internal/models"

// EventName is the internal name listeners subscribe to.
type EventName string

const (
	EventConnected     EventName = "connected"
	EventError         EventName = "error"
	EventClose         EventName = "close"
	EventMessageCreate EventName = "message-create"
	EventMessageUpdate EventName = "message-update"
	EventMessageDelete EventName = "message-delete"
	EventChannelCreate EventName = "channel-create"
	EventChannelUpdate EventName = "channel-update"
	EventChannelDelete EventName = "channel-delete"
	EventMemberAdd     EventName = "member-add"
	EventMemberUpdate  EventName = "member-update"
	EventMemberRemove  EventName = "member-remove"
)

// EventNames lists every event the client emits.
func EventNames() []EventName {
	return []EventName{
		EventConnected, EventError, EventClose,
		EventMessageCreate, EventMessageUpdate, EventMessageDelete,
		EventChannelCreate, EventChannelUpdate, EventChannelDelete,
		EventMemberAdd, EventMemberUpdate, EventMemberRemove,
	}
}

// Event is emitted by the gateway client. The set of implementations is
// closed; consumers switch on the concrete type.
type Event interface {
	Name() EventName
	isEvent()
}

// ConnectedEvent is emitted once the gateway session is ready.
type ConnectedEvent struct{}

// ErrorEvent carries a transport or reconnect error.
type ErrorEvent struct {
	Err error
}

// CloseEvent is emitted when the connection closes. Explicit is true when
// the client closed it on purpose.
type CloseEvent struct {
	Code     int
	Reason   string
	Explicit bool
}

type MessageCreateEvent struct {
	Message models.Message
}

type MessageUpdateEvent struct {
	Message models.Message
}

type MessageDeleteEvent struct {
	ID        string
	ChannelID string
}

type ChannelCreateEvent struct {
	Channel models.Channel
}

type ChannelUpdateEvent struct {
	Channel models.Channel
}

type ChannelDeleteEvent struct {
	ID string
}

type MemberAddEvent struct {
	Member models.Member
}

type MemberUpdateEvent struct {
	Member models.Member
}

type MemberRemoveEvent struct {
	ChannelID string
	UserID    string
}

func (ConnectedEvent) Name() EventName     { return EventConnected }
func (ErrorEvent) Name() EventName         { return EventError }
func (CloseEvent) Name() EventName         { return EventClose }
func (MessageCreateEvent) Name() EventName { return EventMessageCreate }
func (MessageUpdateEvent) Name() EventName { return EventMessageUpdate }
func (MessageDeleteEvent) Name() EventName { return EventMessageDelete }
func (ChannelCreateEvent) Name() EventName { return EventChannelCreate }
func (ChannelUpdateEvent) Name() EventName { return EventChannelUpdate }
func (ChannelDeleteEvent) Name() EventName { return EventChannelDelete }
func (MemberAddEvent) Name() EventName     { return EventMemberAdd }
func (MemberUpdateEvent) Name() EventName  { return EventMemberUpdate }
func (MemberRemoveEvent) Name() EventName  { return EventMemberRemove }

func (ConnectedEvent) isEvent()     {}
func (ErrorEvent) isEvent()         {}
func (CloseEvent) isEvent()         {}
func (MessageCreateEvent) isEvent() {}
func (MessageUpdateEvent) isEvent() {}
func (MessageDeleteEvent) isEvent() {}
func (ChannelCreateEvent) isEvent() {}
func (ChannelUpdateEvent) isEvent() {}
func (ChannelDeleteEvent) isEvent() {}
func (MemberAddEvent) isEvent()     {}
func (MemberUpdateEvent) isEvent()  {}
func (MemberRemoveEvent) isEvent()  {}
