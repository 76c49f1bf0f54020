package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chaterr "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/logging"
)

type fakeTransport struct {
	mu          sync.Mutex
	connectErrs []error
	failAll     error
	autoAck     bool
	connects    int
	heartbeats  int
	closes      int
	emit        func(TransportEvent)
}

func (f *fakeTransport) Connect(_ context.Context, _ string, emit func(TransportEvent)) error {
	f.mu.Lock()
	f.connects++

	if f.failAll != nil {
		err := f.failAll
		f.mu.Unlock()

		return err
	}

	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]

		if err != nil {
			f.mu.Unlock()
			return err
		}
	}

	f.emit = emit
	f.mu.Unlock()

	emit(TransportEvent{Kind: TransportReady})

	return nil
}

func (f *fakeTransport) Heartbeat(context.Context) error {
	f.mu.Lock()
	f.heartbeats++
	ack, emit := f.autoAck, f.emit
	f.mu.Unlock()

	if ack && emit != nil {
		emit(TransportEvent{Kind: TransportHeartbeatAck})
	}

	return nil
}

func (f *fakeTransport) HeartbeatInterval() time.Duration { return 10 * time.Second }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()

	return nil
}

func (f *fakeTransport) send(ev TransportEvent) {
	f.mu.Lock()
	emit := f.emit
	f.mu.Unlock()

	emit(ev)
}

func (f *fakeTransport) currentEmit() func(TransportEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.emit
}

func (f *fakeTransport) counts() (connects, heartbeats, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.connects, f.heartbeats, f.closes
}

func (f *fakeTransport) setFailAll(err error) {
	f.mu.Lock()
	f.failAll = err
	f.mu.Unlock()
}

type fakeAuth struct {
	token string

	mu           sync.Mutex
	unauthorized int
	onUnauth     func()
}

func (a *fakeAuth) Token() (string, bool) { return a.token, a.token != "" }

func (a *fakeAuth) OnUnauthorized() {
	a.mu.Lock()
	a.unauthorized++
	hook := a.onUnauth
	a.mu.Unlock()

	if hook != nil {
		hook()
	}
}

func (a *fakeAuth) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.unauthorized
}

// recorder collects events delivered to listeners.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Event(nil), r.events...)
}

func newTestClient(ft *fakeTransport, auth *fakeAuth, cfg ClientConfig) *Client {
	return NewClient(ft, auth, cfg, logging.Discard())
}

func TestClient_ConnectWithoutToken(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestClient(ft, &fakeAuth{}, ClientConfig{})

	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, chaterr.ErrNoToken)

	connects, _, _ := ft.counts()
	assert.Zero(t, connects)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClient_ConnectSuccess(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ft := &fakeTransport{autoAck: true}
		c := newTestClient(ft, &fakeAuth{token: "t"}, ClientConfig{})

		rec := &recorder{}
		c.On(EventConnected, rec.listen)

		require.NoError(t, c.Connect(context.Background()))
		assert.True(t, c.Connected())
		assert.Equal(t, []Event{ConnectedEvent{}}, rec.all())

		_, beats, _ := ft.counts()
		assert.Equal(t, 1, beats, "first heartbeat is sent immediately")

		time.Sleep(10 * time.Second)
		synctest.Wait()

		_, beats, _ = ft.counts()
		assert.Equal(t, 2, beats)

		require.NoError(t, c.Close())
	})
}

func TestClient_ConnectUnauthorized(t *testing.T) {
	ft := &fakeTransport{connectErrs: []error{fmt.Errorf("identify rejected: %w", chaterr.ErrUnauthorized)}}
	auth := &fakeAuth{token: "stale"}
	c := newTestClient(ft, auth, ClientConfig{})

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, chaterr.ErrLoginFailed)
	assert.ErrorIs(t, err, chaterr.ErrUnauthorized)
	assert.Equal(t, 1, auth.count())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClient_ConnectTransportFailure(t *testing.T) {
	ft := &fakeTransport{connectErrs: []error{fmt.Errorf("dialing: %w", chaterr.ErrTransport)}}
	auth := &fakeAuth{token: "t"}
	c := newTestClient(ft, auth, ClientConfig{})

	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, chaterr.ErrLoginFailed)
	assert.Zero(t, auth.count())
}

func TestClient_DispatchReachesListeners(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ft := &fakeTransport{autoAck: true}
		c := newTestClient(ft, &fakeAuth{token: "t"}, ClientConfig{})

		rec := &recorder{}
		id := c.On(EventMessageCreate, rec.listen)

		require.NoError(t, c.Connect(context.Background()))

		ft.send(TransportEvent{Kind: TransportDispatch, EventType: TypeMessageCreate, Data: []byte(`{"id":"m1","channel_id":"c1"}`)})

		got := rec.all()
		require.Len(t, got, 1)
		assert.Equal(t, "m1", got[0].(MessageCreateEvent).Message.ID)

		c.Off(EventMessageCreate, id)
		c.Off(EventMessageCreate, id)
		c.Off(EventClose, 999)

		ft.send(TransportEvent{Kind: TransportDispatch, EventType: TypeMessageCreate, Data: []byte(`{"id":"m2"}`)})
		assert.Len(t, rec.all(), 1)

		require.NoError(t, c.Close())
	})
}

func TestClient_SocketErrorEmitsError(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ft := &fakeTransport{autoAck: true}
		c := newTestClient(ft, &fakeAuth{token: "t"}, ClientConfig{})

		rec := &recorder{}
		c.On(EventError, rec.listen)

		require.NoError(t, c.Connect(context.Background()))
		ft.send(TransportEvent{Kind: TransportSocketError, Err: chaterr.ErrTransport})

		got := rec.all()
		require.Len(t, got, 1)
		assert.ErrorIs(t, got[0].(ErrorEvent).Err, chaterr.ErrTransport)

		require.NoError(t, c.Close())
	})
}

func TestClient_UnauthorizedCloseDoesNotReconnect(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var (
			mu    sync.Mutex
			order []string
		)

		record := func(s string) {
			mu.Lock()
			order = append(order, s)
			mu.Unlock()
		}

		ft := &fakeTransport{autoAck: true}
		auth := &fakeAuth{token: "t", onUnauth: func() { record("unauthorized") }}
		c := newTestClient(ft, auth, ClientConfig{ReconnectBaseDelay: time.Second})
		c.On(EventClose, func(Event) { record("close") })

		require.NoError(t, c.Connect(context.Background()))
		ft.send(TransportEvent{Kind: TransportClosed, Code: CloseUnauthorized, Reason: "invalid session"})

		mu.Lock()
		assert.Equal(t, []string{"unauthorized", "close"}, order)
		mu.Unlock()

		time.Sleep(time.Minute)
		synctest.Wait()

		connects, _, _ := ft.counts()
		assert.Equal(t, 1, connects)
		assert.Equal(t, StateDisconnected, c.State())
	})
}

func TestClient_ReconnectsAfterAbnormalClose(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ft := &fakeTransport{autoAck: true}
		c := newTestClient(ft, &fakeAuth{token: "t"}, ClientConfig{
			ReconnectBaseDelay: time.Second,
			ReconnectMaxDelay:  4 * time.Second,
		})

		closes := &recorder{}
		connected := &recorder{}
		c.On(EventClose, closes.listen)
		c.On(EventConnected, connected.listen)

		require.NoError(t, c.Connect(context.Background()))
		ft.send(TransportEvent{Kind: TransportClosed, Code: CloseNoStatus, Reason: "EOF"})

		require.Len(t, closes.all(), 1)
		assert.Equal(t, CloseEvent{Code: CloseNoStatus, Reason: "EOF"}, closes.all()[0])
		assert.Equal(t, StateDisconnected, c.State())

		time.Sleep(2 * time.Second)
		synctest.Wait()

		connects, _, _ := ft.counts()
		assert.Equal(t, 2, connects)
		assert.Len(t, connected.all(), 2)
		assert.True(t, c.Connected())

		require.NoError(t, c.Close())
	})
}

func TestClient_ReconnectExhausted(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ft := &fakeTransport{autoAck: true}
		c := newTestClient(ft, &fakeAuth{token: "t"}, ClientConfig{
			ReconnectBaseDelay:   time.Second,
			ReconnectMaxDelay:    time.Second,
			MaxReconnectAttempts: 2,
		})

		errs := &recorder{}
		c.On(EventError, errs.listen)

		require.NoError(t, c.Connect(context.Background()))

		ft.setFailAll(errors.New("dial refused"))
		ft.send(TransportEvent{Kind: TransportClosed, Code: CloseNoStatus})

		time.Sleep(10 * time.Second)
		synctest.Wait()

		connects, _, _ := ft.counts()
		assert.Equal(t, 3, connects)

		got := errs.all()
		require.NotEmpty(t, got)
		assert.ErrorIs(t, got[len(got)-1].(ErrorEvent).Err, chaterr.ErrReconnectExhausted)
		assert.Equal(t, StateDisconnected, c.State())

		require.NoError(t, c.Close())
	})
}

func TestClient_CloseIsExplicit(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ft := &fakeTransport{autoAck: true}
		c := newTestClient(ft, &fakeAuth{token: "t"}, ClientConfig{})

		closes := &recorder{}
		c.On(EventClose, closes.listen)

		require.NoError(t, c.Connect(context.Background()))
		require.NoError(t, c.Close())

		assert.Equal(t, []Event{CloseEvent{Code: CloseNormal, Reason: "client closed", Explicit: true}}, closes.all())
		assert.Equal(t, StateDisconnected, c.State())

		_, beats, _ := ft.counts()

		time.Sleep(time.Minute)
		synctest.Wait()

		connects, beatsAfter, transportCloses := ft.counts()
		assert.Equal(t, 1, connects)
		assert.Equal(t, beats, beatsAfter, "heartbeat stops on close")
		assert.Equal(t, 1, transportCloses)

		require.NoError(t, c.Close())
		assert.Len(t, closes.all(), 1, "second close is a no-op")
	})
}

func TestClient_CloseCancelsPendingReconnect(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ft := &fakeTransport{autoAck: true}
		c := newTestClient(ft, &fakeAuth{token: "t"}, ClientConfig{ReconnectBaseDelay: 5 * time.Second})

		require.NoError(t, c.Connect(context.Background()))
		ft.send(TransportEvent{Kind: TransportClosed, Code: CloseReconnect})
		require.NoError(t, c.Close())

		time.Sleep(time.Minute)
		synctest.Wait()

		connects, _, _ := ft.counts()
		assert.Equal(t, 1, connects)
	})
}

func TestClient_HealthCheckForcesReconnect(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ft := &fakeTransport{autoAck: false}
		c := newTestClient(ft, &fakeAuth{token: "t"}, ClientConfig{
			HeartbeatInterval:   10 * time.Second,
			HealthCheckInterval: 25 * time.Second,
			ReconnectBaseDelay:  time.Second,
		})

		closes := &recorder{}
		c.On(EventClose, closes.listen)

		require.NoError(t, c.Connect(context.Background()))

		time.Sleep(26 * time.Second)
		synctest.Wait()

		connects, _, _ := ft.counts()
		assert.Equal(t, 1, connects, "first check passes on the ready grace")

		time.Sleep(26 * time.Second)
		synctest.Wait()

		connects, _, transportCloses := ft.counts()
		assert.Equal(t, 2, connects)
		assert.Equal(t, 1, transportCloses)
		require.NotEmpty(t, closes.all())
		assert.Equal(t, CloseNoStatus, closes.all()[0].(CloseEvent).Code)

		require.NoError(t, c.Close())
	})
}

func TestClient_HealthyConnectionStays(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ft := &fakeTransport{autoAck: true}
		c := newTestClient(ft, &fakeAuth{token: "t"}, ClientConfig{
			HeartbeatInterval:   10 * time.Second,
			HealthCheckInterval: 25 * time.Second,
		})

		require.NoError(t, c.Connect(context.Background()))

		time.Sleep(2 * time.Minute)
		synctest.Wait()

		connects, _, _ := ft.counts()
		assert.Equal(t, 1, connects)
		assert.True(t, c.Connected())

		require.NoError(t, c.Close())
	})
}

func TestClient_IgnoresSupersededConnection(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ft := &fakeTransport{autoAck: true}
		c := newTestClient(ft, &fakeAuth{token: "t"}, ClientConfig{ReconnectBaseDelay: time.Second})

		msgs := &recorder{}
		c.On(EventMessageCreate, msgs.listen)

		require.NoError(t, c.Connect(context.Background()))
		stale := ft.currentEmit()

		ft.send(TransportEvent{Kind: TransportClosed, Code: CloseNoStatus})

		time.Sleep(2 * time.Second)
		synctest.Wait()
		require.True(t, c.Connected())

		stale(TransportEvent{Kind: TransportDispatch, EventType: TypeMessageCreate, Data: []byte(`{"id":"old"}`)})
		stale(TransportEvent{Kind: TransportClosed, Code: CloseNoStatus})

		assert.Empty(t, msgs.all())
		assert.True(t, c.Connected())

		require.NoError(t, c.Close())
	})
}
