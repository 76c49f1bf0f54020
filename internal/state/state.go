// Package state persists the local chat cache in a bbolt database: the
// session token, the current user, channels, and each channel's sent
// messages and pagination state.
package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.chat-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket       = []byte("app")
	channelsBucket  = []byte("channels")
	syncBucket      = []byte("sync")
	tokenKey        = []byte("token")
	currentUserKey  = []byte("current_user")
	selectedChanKey = []byte("selected_channel")
)

func messagesBucket(channelID string) []byte {
	return []byte("channel:" + channelID + ":messages")
}

// State wraps a bbolt database for all persistent application state.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.chat-sync/state.db, creating it
// if it does not exist.
func Load() (*State, error) {
	return LoadAt(DefaultPath())
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{appBucket, channelsBucket, syncBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Token returns the cached authentication token, or empty string.
func (s *State) Token() string {
	return s.appValue(tokenKey)
}

// SetToken persists the authentication token.
func (s *State) SetToken(token string) error {
	return s.setAppValue(tokenKey, []byte(token))
}

// ClearToken removes the cached token. Called when the server rejects it.
func (s *State) ClearToken() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Delete(tokenKey)
	})
}

// SelectedChannel returns the last selected channel id, or empty string.
func (s *State) SelectedChannel() string {
	return s.appValue(selectedChanKey)
}

// SetSelectedChannel remembers the selected channel across restarts.
func (s *State) SetSelectedChannel(channelID string) error {
	return s.setAppValue(selectedChanKey, []byte(channelID))
}

// CurrentUser returns the cached current user, or nil.
func (s *State) CurrentUser() (*models.User, error) {
	var u *models.User

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(currentUserKey)
		if v == nil {
			return nil
		}

		u = &models.User{}

		return json.Unmarshal(v, u)
	})
	if err != nil {
		return nil, fmt.Errorf("reading current user: %w", err)
	}

	return u, nil
}

// SetCurrentUser caches the current user.
func (s *State) SetCurrentUser(u models.User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshalling user: %w", err)
	}

	return s.setAppValue(currentUserKey, data)
}

func (s *State) appValue(key []byte) string {
	var value string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(key); v != nil {
			value = string(v)
		}

		return nil
	})

	return value
}

func (s *State) setAppValue(key, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(key, value)
	})
}

// LoadChannels returns every cached channel ordered by id.
func (s *State) LoadChannels() ([]models.Channel, error) {
	var channels []models.Channel

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(channelsBucket).ForEach(func(_, v []byte) error {
			var c models.Channel
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}

			channels = append(channels, c)

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("loading channels: %w", err)
	}

	return channels, nil
}

// SaveChannel upserts one channel.
func (s *State) SaveChannel(c models.Channel) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshalling channel: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(channelsBucket).Put([]byte(c.ID), data)
	})
}

// DeleteChannel removes a channel along with its messages and sync state.
func (s *State) DeleteChannel(channelID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(channelsBucket).Delete([]byte(channelID)); err != nil {
			return err
		}

		if err := tx.Bucket(syncBucket).Delete([]byte(channelID)); err != nil {
			return err
		}

		if tx.Bucket(messagesBucket(channelID)) == nil {
			return nil
		}

		return tx.DeleteBucket(messagesBucket(channelID))
	})
}

// LoadMessages returns a channel's cached messages ordered by
// (CreatedAt, ID).
func (s *State) LoadMessages(channelID string) ([]models.Message, error) {
	var msgs []models.Message

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(messagesBucket(channelID))
		if b == nil {
			return nil
		}

		return b.ForEach(func(_, v []byte) error {
			var m models.Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}

			msgs = append(msgs, m)

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("loading messages for %s: %w", channelID, err)
	}

	slices.SortFunc(msgs, func(a, b models.Message) int {
		return models.CompareMessages(&a, &b)
	})

	return msgs, nil
}

// ReplaceMessages stores msgs as the complete cached history of a
// channel. Messages that are not sent are skipped.
func (s *State) ReplaceMessages(channelID string, msgs []models.Message) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		name := messagesBucket(channelID)
		if tx.Bucket(name) != nil {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}

		b, err := tx.CreateBucket(name)
		if err != nil {
			return err
		}

		for _, m := range msgs {
			if m.Status != models.StatusSent {
				continue
			}

			data, err := json.Marshal(m)
			if err != nil {
				return fmt.Errorf("marshalling message %s: %w", m.ID, err)
			}

			if err := b.Put([]byte(m.ID), data); err != nil {
				return err
			}
		}

		return nil
	})
}

// MessageCount returns the number of cached messages for a channel.
func (s *State) MessageCount(channelID string) int {
	var n int

	_ = s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(messagesBucket(channelID)); b != nil {
			n = b.Stats().KeyN
		}

		return nil
	})

	return n
}

// LoadSyncState returns a channel's pagination state. ok is false when
// none was stored.
func (s *State) LoadSyncState(channelID string) (models.ChannelSyncState, bool, error) {
	var (
		st models.ChannelSyncState
		ok bool
	)

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(syncBucket).Get([]byte(channelID))
		if v == nil {
			return nil
		}

		ok = true

		return json.Unmarshal(v, &st)
	})
	if err != nil {
		return models.ChannelSyncState{}, false, fmt.Errorf("loading sync state for %s: %w", channelID, err)
	}

	return st, ok, nil
}

// SaveSyncState stores a channel's pagination state. In-flight flags
// are cleared since no request survives a restart.
func (s *State) SaveSyncState(st models.ChannelSyncState) error {
	st.IsLoadingHistory = false
	st.ActiveRequest = false

	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshalling sync state: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(syncBucket).Put([]byte(st.ChannelID), data)
	})
}

// DefaultPath returns ~/.chat-sync/state.db.
func DefaultPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		// Fail loudly rather than silently writing to the current directory
		// where the database (containing session tokens) might end up with
		// wrong permissions or inside a source-controlled tree.
		fmt.Fprintf(os.Stderr, "fatal: cannot determine home directory: %v\n", err)
		os.Exit(1)
	}

	return filepath.Join(dir, ".chat-sync", "state.db")
}
