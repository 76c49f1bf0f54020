package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const (
	// APIKeyPrefix distinguishes chat-sync API keys from other bearer
	// tokens.
	APIKeyPrefix = "cs_"

	// APIKeyMinLen is the minimum accepted key length, prefix included.
	APIKeyMinLen = len(APIKeyPrefix) + 32
)

// APIKey is a configured key: a user id and the bcrypt hash of the key.
type APIKey struct {
	UserID string
	Hash   []byte
}

// APIKeys validates bearer API keys against bcrypt hashes. Keys that
// verified once are remembered by their SHA-256 digest so bcrypt runs
// only on first use.
type APIKeys struct {
	keys []APIKey

	mu       sync.RWMutex
	verified map[[sha256.Size]byte]string
}

// NewAPIKeys wraps the configured keys.
func NewAPIKeys(keys []APIKey) *APIKeys {
	return &APIKeys{keys: keys, verified: make(map[[sha256.Size]byte]string)}
}

// ParseAPIKeys parses "user1:hash1,user2:hash2". Hashes are bcrypt
// output as printed by the hash-key command.
func ParseAPIKeys(s string) ([]APIKey, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	seen := make(map[string]struct{})

	var keys []APIKey

	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		// User ids may not contain ':'.
		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid API key entry (missing ':')")
		}

		userID, hash := pair[:idx], pair[idx+1:]
		if userID == "" || hash == "" {
			return nil, fmt.Errorf("empty user or hash in entry %d", len(keys)+1)
		}

		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("entry %d for %q is not a bcrypt hash: %w", len(keys)+1, userID, err)
		}

		if _, dup := seen[userID]; dup {
			return nil, fmt.Errorf("duplicate user_id %q in MCP_API_KEYS", userID)
		}

		seen[userID] = struct{}{}
		keys = append(keys, APIKey{UserID: userID, Hash: []byte(hash)})
	}

	return keys, nil
}

// Len returns the number of configured keys.
func (a *APIKeys) Len() int {
	return len(a.keys)
}

// Validate returns the user id owning key, or "" when no key matches.
func (a *APIKeys) Validate(key string) string {
	if !strings.HasPrefix(key, APIKeyPrefix) || len(key) < APIKeyMinLen {
		return ""
	}

	digest := sha256.Sum256([]byte(key))

	a.mu.RLock()
	userID, ok := a.verified[digest]
	a.mu.RUnlock()

	if ok {
		return userID
	}

	for _, k := range a.keys {
		if bcrypt.CompareHashAndPassword(k.Hash, []byte(key)) == nil {
			a.mu.Lock()
			a.verified[digest] = k.UserID
			a.mu.Unlock()

			return k.UserID
		}
	}

	return ""
}

// GenerateAPIKey returns a new random key and its bcrypt hash.
func GenerateAPIKey() (key string, hash []byte, err error) {
	key = APIKeyPrefix + RandomHex(24)

	hash, err = bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("hashing key: %w", err)
	}

	return key, hash, nil
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}
