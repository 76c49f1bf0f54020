// Package store is the client-side synchronization store. It keeps a
// deduplicated, chronologically ordered view of channels and messages
// consistent across REST pagination, gateway pushes and optimistic
// sends.
//
// A single goroutine (Run) owns all state. Every mutation is a typed
// command applied by that goroutine; after each command an immutable
// Snapshot is published, so readers only ever observe state before or
// after a complete mutation. Network I/O happens in the calling
// goroutine, outside the loop.
package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	chaterr "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/rest"
)

const (
	defaultPageSize        = 50
	defaultSendMaxAttempts = 3
	defaultSendRetryDelay  = 500 * time.Millisecond
	defaultMatchWindow     = 2 * time.Minute
	defaultPersistInterval = 5 * time.Second
)

// API is the REST capability the store depends on.
type API interface {
	GetCurrentUser(ctx context.Context) (models.RawUser, error)
	ListChannels(ctx context.Context) ([]models.RawChannel, error)
	ListMessages(ctx context.Context, channelID string, q rest.MessageQuery) ([]models.RawMessage, error)
	CreateMessage(ctx context.Context, channelID, content string, attachmentIDs []string) (models.RawMessage, error)
	CreateAttachments(ctx context.Context, channelID string, files []models.File) ([]rest.UploadSlot, error)
	UploadToStorage(ctx context.Context, uploadURL string, file models.File) error
	DownloadAttachment(ctx context.Context, url string) ([]byte, error)
}

// Cache persists the store between runs. Only sent messages are
// written; pending sends never are.
type Cache interface {
	LoadChannels() ([]models.Channel, error)
	SaveChannel(c models.Channel) error
	DeleteChannel(channelID string) error
	LoadMessages(channelID string) ([]models.Message, error)
	ReplaceMessages(channelID string, msgs []models.Message) error
	LoadSyncState(channelID string) (models.ChannelSyncState, bool, error)
	SaveSyncState(st models.ChannelSyncState) error
	CurrentUser() (*models.User, error)
	SetCurrentUser(u models.User) error
	SelectedChannel() string
	SetSelectedChannel(channelID string) error
}

// Hooks are observable side effects for the rendering layer. They run
// in the goroutine that issued the mutation, never inside the loop.
type Hooks struct {
	// ScrollToBottom is called when a message arrives for the current
	// channel.
	ScrollToBottom func(channelID string)

	// Incoming is called with every pushed message for the current
	// channel. The caller decides whether it deserves a sound.
	Incoming func(msg models.Message)
}

// Config tunes the store. Zero values take defaults.
type Config struct {
	PageSize        int
	SendMaxAttempts int
	SendRetryDelay  time.Duration

	// MatchWindow bounds how far apart a pushed message and a pending
	// send may be created and still be treated as the same message.
	MatchWindow time.Duration

	PersistInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = defaultPageSize
	}

	if c.SendMaxAttempts <= 0 {
		c.SendMaxAttempts = defaultSendMaxAttempts
	}

	if c.SendRetryDelay <= 0 {
		c.SendRetryDelay = defaultSendRetryDelay
	}

	if c.MatchWindow <= 0 {
		c.MatchWindow = defaultMatchWindow
	}

	if c.PersistInterval <= 0 {
		c.PersistInterval = defaultPersistInterval
	}

	return c
}

// command is one atomic mutation applied by the loop.
type command interface {
	apply(st *storeState)
}

type envelope struct {
	cmd     command
	done    chan struct{}
	effects []func()
}

// Store is the synchronization store. Create it with New and start the
// loop with Run before calling any other method.
type Store struct {
	api    API
	cache  Cache
	hooks  Hooks
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	cmds    chan *envelope
	stopped chan struct{}
	st      *storeState
	snap    atomic.Pointer[Snapshot]

	group singleflight.Group

	fetchMu      sync.Mutex
	fetchCancels map[string]context.CancelFunc

	subMu     sync.Mutex
	subs      map[int]chan struct{}
	nextSubID int
}

// New creates a store. cache may be nil to disable persistence.
func New(api API, cache Cache, hooks Hooks, cfg Config, logger *slog.Logger) *Store {
	s := &Store{
		api:          api,
		cache:        cache,
		hooks:        hooks,
		cfg:          cfg.withDefaults(),
		logger:       logger,
		now:          time.Now,
		cmds:         make(chan *envelope),
		stopped:      make(chan struct{}),
		st:           newStoreState(logger),
		fetchCancels: make(map[string]context.CancelFunc),
		subs:         make(map[int]chan struct{}),
	}

	s.snap.Store(emptySnapshot())

	return s
}

// Run applies commands until ctx is cancelled. Dirty state is written
// to the cache on a ticker and once more on shutdown.
func (s *Store) Run(ctx context.Context) error {
	defer close(s.stopped)

	ticker := time.NewTicker(s.cfg.PersistInterval)
	defer ticker.Stop()

	for {
		select {
		case env := <-s.cmds:
			env.cmd.apply(s.st)
			env.effects = s.st.takeEffects()
			s.publish()
			close(env.done)

		case <-ticker.C:
			s.persist()

		case <-ctx.Done():
			s.persist()
			return ctx.Err()
		}
	}
}

// exec hands cmd to the loop and waits for it to be applied. Effects
// produced by the command run here, in the caller's goroutine.
func (s *Store) exec(ctx context.Context, cmd command) error {
	env := &envelope{cmd: cmd, done: make(chan struct{})}

	select {
	case s.cmds <- env:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return chaterr.ErrStoreClosed
	}

	<-env.done

	for _, fn := range env.effects {
		fn()
	}

	return nil
}

// update runs cmd for bookkeeping that must happen even when the
// caller's context is already cancelled.
func (s *Store) update(ctx context.Context, cmd command) {
	if err := s.exec(context.WithoutCancel(ctx), cmd); err != nil {
		s.logger.Debug("store update dropped", slog.String("error", err.Error()))
	}
}

func (s *Store) publish() {
	next := s.st.snapshot(s.snap.Load())
	s.snap.Store(next)

	s.subMu.Lock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	s.subMu.Unlock()
}

// Subscribe returns a channel that receives a value after state
// changes. Notifications coalesce: a slow reader sees one pending
// signal, then reads the latest Snapshot. Call cancel to unsubscribe.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = ch
	s.subMu.Unlock()

	return ch, func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// Snapshot returns the latest published state.
func (s *Store) Snapshot() *Snapshot {
	return s.snap.Load()
}

// Channels returns the channel list.
func (s *Store) Channels() []models.Channel {
	return s.Snapshot().Channels()
}

// Messages returns a channel's messages ordered by (CreatedAt, ID).
func (s *Store) Messages(channelID string) []models.Message {
	return s.Snapshot().Messages(channelID)
}

// SyncState returns a channel's pagination state.
func (s *Store) SyncState(channelID string) models.ChannelSyncState {
	return s.Snapshot().SyncState(channelID)
}

// ConnectionError returns the last recorded connection, fetch or send
// error, or nil.
func (s *Store) ConnectionError() error {
	return s.Snapshot().ConnectionError
}

// IsSendingMessage reports whether any send is in flight.
func (s *Store) IsSendingMessage() bool {
	return s.Snapshot().IsSendingMessage
}

// IsLoadingHistory reports whether a history fetch for the channel is
// in flight.
func (s *Store) IsLoadingHistory(channelID string) bool {
	return s.Snapshot().SyncState(channelID).IsLoadingHistory
}

// CurrentChannel returns the selected channel id.
func (s *Store) CurrentChannel() string {
	return s.Snapshot().CurrentChannel
}

// CurrentUser returns the authenticated user, or nil before it is known.
func (s *Store) CurrentUser() *models.User {
	return s.Snapshot().CurrentUser()
}

// Status summarizes the store for status displays.
type Status struct {
	Version          uint64
	Channels         int
	Messages         int
	PendingSends     int
	CurrentChannel   string
	IsSendingMessage bool
	ConnectionError  string
}

// Status returns a summary of the latest snapshot.
func (s *Store) Status() Status {
	snap := s.Snapshot()

	st := Status{
		Version:          snap.Version,
		Channels:         len(snap.channels),
		PendingSends:     len(snap.pending),
		CurrentChannel:   snap.CurrentChannel,
		IsSendingMessage: snap.IsSendingMessage,
	}

	for _, msgs := range snap.messages {
		st.Messages += len(msgs)
	}

	if snap.ConnectionError != nil {
		st.ConnectionError = snap.ConnectionError.Error()
	}

	return st
}
