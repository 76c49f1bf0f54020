package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chaterr "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/gateway"
	"github.com/alexjbarnes/chat-sync/internal/models"
)

func TestHandleEvent_ConnectionState(t *testing.T) {
	s := startStore(t, &fakeAPI{}, nil, Hooks{})
	ctx := context.Background()

	require.NoError(t, s.HandleEvent(ctx, gateway.CloseEvent{Code: 1006, Reason: "gone"}))
	assert.ErrorIs(t, s.ConnectionError(), chaterr.ErrTransport)

	require.NoError(t, s.HandleEvent(ctx, gateway.ConnectedEvent{}))
	assert.NoError(t, s.ConnectionError())

	require.NoError(t, s.HandleEvent(ctx, gateway.ErrorEvent{Err: chaterr.ErrReconnectExhausted}))
	assert.ErrorIs(t, s.ConnectionError(), chaterr.ErrReconnectExhausted)
	assert.ErrorIs(t, s.ConnectionError(), chaterr.ErrTransport)

	require.NoError(t, s.HandleEvent(ctx, gateway.ConnectedEvent{}))
	require.NoError(t, s.HandleEvent(ctx, gateway.CloseEvent{Code: 1000, Explicit: true}))
	assert.NoError(t, s.ConnectionError())
}

func TestHandleEvent_Channels(t *testing.T) {
	s := startStore(t, &fakeAPI{}, nil, Hooks{})
	ctx := context.Background()

	require.NoError(t, s.HandleEvent(ctx, gateway.ChannelCreateEvent{Channel: models.Channel{ID: "C1", Name: "one"}}))
	require.NoError(t, s.HandleEvent(ctx, gateway.ChannelCreateEvent{Channel: models.Channel{ID: "C2", Name: "two"}}))
	require.NoError(t, s.HandleEvent(ctx, gateway.MessageCreateEvent{Message: msg("1", 100, "C1")}))
	require.NoError(t, s.HandleEvent(ctx, gateway.ChannelUpdateEvent{Channel: models.Channel{ID: "C1", Name: "renamed"}}))

	ch, ok := s.Snapshot().Channel("C1")
	require.True(t, ok)
	assert.Equal(t, "renamed", ch.Name)
	require.NotNil(t, ch.LastMessage, "update without last message keeps the known one")
	assert.Equal(t, "1", ch.LastMessage.ID)

	require.NoError(t, s.HandleEvent(ctx, gateway.ChannelDeleteEvent{ID: "C1"}))

	channels := s.Channels()
	require.Len(t, channels, 1)
	assert.Equal(t, "C2", channels[0].ID)
	assert.Empty(t, s.Messages("C1"))
	assert.False(t, hasSyncState(s.Snapshot(), "C1"))
}

func TestHandleEvent_Members(t *testing.T) {
	s := startStore(t, &fakeAPI{}, nil, Hooks{})
	enterChannel(t, s, "C1")
	ctx := context.Background()

	require.NoError(t, s.HandleEvent(ctx, gateway.MessageCreateEvent{Message: msg("1", 100, "C1")}))

	require.NoError(t, s.HandleEvent(ctx, gateway.MemberAddEvent{Member: models.Member{ID: "u3", ChannelID: "C1"}}))
	require.NoError(t, s.HandleEvent(ctx, gateway.MemberAddEvent{Member: models.Member{ID: "u4", ChannelID: "C1"}}))
	require.NoError(t, s.HandleEvent(ctx, gateway.MemberRemoveEvent{ChannelID: "C1", UserID: "u3"}))

	ch, _ := s.Snapshot().Channel("C1")
	assert.Equal(t, 1, ch.MemberCount)

	for range 3 {
		require.NoError(t, s.HandleEvent(ctx, gateway.MemberRemoveEvent{ChannelID: "C1", UserID: "x"}))
	}

	ch, _ = s.Snapshot().Channel("C1")
	assert.Zero(t, ch.MemberCount)

	renamed := models.Member{ID: "u2", ChannelID: "C1", User: models.User{ID: "u2", DisplayName: "New Name"}}
	require.NoError(t, s.HandleEvent(ctx, gateway.MemberUpdateEvent{Member: renamed}))

	assert.Equal(t, "New Name", s.Messages("C1")[0].Author.User.DisplayName)
}

func TestHandleEvent_MessageEvents(t *testing.T) {
	s := startStore(t, &fakeAPI{}, nil, Hooks{})
	enterChannel(t, s, "C1")
	ctx := context.Background()

	m := msg("1", 100, "C1")
	m.Status = ""
	require.NoError(t, s.HandleEvent(ctx, gateway.MessageCreateEvent{Message: m}))
	require.NoError(t, s.HandleEvent(ctx, gateway.MessageCreateEvent{Message: m}))

	got := s.Messages("C1")
	require.Len(t, got, 1)
	assert.Equal(t, models.StatusSent, got[0].Status)

	m.Content = "changed"
	require.NoError(t, s.HandleEvent(ctx, gateway.MessageUpdateEvent{Message: m}))
	assert.Equal(t, "changed", s.Messages("C1")[0].Content)

	require.NoError(t, s.HandleEvent(ctx, gateway.MessageDeleteEvent{ID: "1", ChannelID: "C1"}))
	assert.Empty(t, s.Messages("C1"))
}

type fakeSource struct {
	listeners map[gateway.EventName]map[gateway.ListenerID]gateway.Listener
	next      gateway.ListenerID
}

func (f *fakeSource) On(name gateway.EventName, fn gateway.Listener) gateway.ListenerID {
	if f.listeners == nil {
		f.listeners = make(map[gateway.EventName]map[gateway.ListenerID]gateway.Listener)
	}

	if f.listeners[name] == nil {
		f.listeners[name] = make(map[gateway.ListenerID]gateway.Listener)
	}

	f.next++
	f.listeners[name][f.next] = fn

	return f.next
}

func (f *fakeSource) Off(name gateway.EventName, id gateway.ListenerID) {
	delete(f.listeners[name], id)
}

func (f *fakeSource) emit(ev gateway.Event) {
	for _, fn := range f.listeners[ev.Name()] {
		fn(ev)
	}
}

func (f *fakeSource) count() int {
	n := 0
	for _, ls := range f.listeners {
		n += len(ls)
	}

	return n
}

func TestAttach_RoutesAndDetaches(t *testing.T) {
	s := startStore(t, &fakeAPI{}, nil, Hooks{})
	enterChannel(t, s, "C1")

	src := &fakeSource{}
	detach := s.Attach(src)
	assert.Equal(t, len(gateway.EventNames()), src.count())

	src.emit(gateway.MessageCreateEvent{Message: msg("1", 100, "C1")})
	src.emit(gateway.ErrorEvent{Err: errors.New("socket reset")})

	assert.Equal(t, []string{"1"}, ids(s.Messages("C1")))
	assert.ErrorIs(t, s.ConnectionError(), chaterr.ErrTransport)

	detach()
	assert.Zero(t, src.count())

	src.emit(gateway.MessageCreateEvent{Message: msg("2", 200, "C1")})
	assert.Equal(t, []string{"1"}, ids(s.Messages("C1")))
}

func TestFetchChannels_RemovesSeveralAtOnce(t *testing.T) {
	result := []models.RawChannel{
		{ID: "A", Name: "a", Type: "channel"},
		{ID: "B", Name: "b", Type: "channel"},
		{ID: "C", Name: "c", Type: "channel"},
	}

	api := &fakeAPI{
		listChannels: func(context.Context) ([]models.RawChannel, error) {
			return result, nil
		},
	}

	s := startStore(t, api, nil, Hooks{})
	ctx := context.Background()

	_, err := s.FetchChannels(ctx)
	require.NoError(t, err)
	require.NoError(t, s.HandleNewMessage(ctx, msg("1", 100, "B")))

	result = []models.RawChannel{{ID: "C", Name: "c", Type: "channel"}}

	_, err = s.FetchChannels(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"C"}, channelIDs(s.Channels()))
	assert.Empty(t, s.Messages("A"))
	assert.Empty(t, s.Messages("B"))

	require.NoError(t, s.HandleEvent(ctx, gateway.ChannelCreateEvent{Channel: models.Channel{ID: "B", Name: "b"}}))

	assert.Equal(t, []string{"C", "B"}, channelIDs(s.Channels()))
}

func channelIDs(channels []models.Channel) []string {
	out := make([]string, 0, len(channels))
	for _, c := range channels {
		out = append(out, c.ID)
	}

	return out
}

func hasSyncState(snap *Snapshot, channelID string) bool {
	_, ok := snap.syncStates[channelID]
	return ok
}
