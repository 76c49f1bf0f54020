// Package auth supplies credentials to the chat API and guards the
// local MCP endpoint.
//
// TokenSource is the Auth capability shared by the gateway and REST
// clients. Middleware authenticates MCP requests with bcrypt-hashed
// API keys.
package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// TokenStore persists the last good token between runs.
type TokenStore interface {
	Token() string
	SetToken(token string) error
	ClearToken() error
}

// TokenSource resolves the chat API token. Candidates are tried in
// order: the configured token, the token file, then the persisted
// token. A token rejected by the server is skipped until a different
// one appears.
type TokenSource struct {
	mu        sync.RWMutex
	static    string
	file      string
	fileToken string
	revoked   map[string]bool
	store     TokenStore
	logger    *slog.Logger
}

// NewTokenSource creates a TokenSource. file and store are optional.
func NewTokenSource(static, file string, store TokenStore, logger *slog.Logger) (*TokenSource, error) {
	ts := &TokenSource{
		static:  strings.TrimSpace(static),
		file:    file,
		revoked: make(map[string]bool),
		store:   store,
		logger:  logger,
	}

	if file != "" {
		if err := ts.ReloadFile(); err != nil {
			return nil, err
		}
	}

	return ts, nil
}

// Token returns the first usable token.
func (ts *TokenSource) Token() (string, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	candidates := []string{ts.static, ts.fileToken}
	if ts.store != nil {
		candidates = append(candidates, ts.store.Token())
	}

	for _, tok := range candidates {
		if tok != "" && !ts.revoked[tok] {
			return tok, true
		}
	}

	return "", false
}

// OnUnauthorized marks the current token as rejected and drops it from
// persistent storage.
func (ts *TokenSource) OnUnauthorized() {
	tok, ok := ts.Token()
	if !ok {
		return
	}

	ts.mu.Lock()
	ts.revoked[tok] = true
	ts.mu.Unlock()

	ts.logger.Warn("auth token rejected by server")

	if ts.store != nil && ts.store.Token() == tok {
		if err := ts.store.ClearToken(); err != nil {
			ts.logger.Warn("clearing stored token", slog.String("error", err.Error()))
		}
	}
}

// ReloadFile re-reads the token file. A new token is also persisted so
// it survives the file going away.
func (ts *TokenSource) ReloadFile() error {
	if ts.file == "" {
		return nil
	}

	data, err := os.ReadFile(ts.file)
	if errors.Is(err, os.ErrNotExist) {
		ts.mu.Lock()
		ts.fileToken = ""
		ts.mu.Unlock()

		return nil
	}

	if err != nil {
		return fmt.Errorf("reading token file: %w", err)
	}

	tok := strings.TrimSpace(string(data))

	ts.mu.Lock()
	changed := tok != ts.fileToken
	ts.fileToken = tok
	ts.mu.Unlock()

	if !changed || tok == "" {
		return nil
	}

	ts.logger.Info("auth token loaded from file", slog.String("path", ts.file))

	if ts.store != nil {
		if err := ts.store.SetToken(tok); err != nil {
			return fmt.Errorf("persisting token: %w", err)
		}
	}

	return nil
}

// File returns the token file path, or "".
func (ts *TokenSource) File() string {
	return ts.file
}
