// Package errors defines the sentinel errors shared by the gateway,
// REST and store layers. Callers match them with errors.Is.
package errors

import "errors"

// Wire and transport errors.
var (
	ErrMalformedFrame     = errors.New("malformed gateway frame")
	ErrTransport          = errors.New("gateway transport error")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// Session errors. Both are fatal to the current session.
var (
	ErrNoToken      = errors.New("no auth token available")
	ErrUnauthorized = errors.New("unauthorized")
	ErrLoginFailed  = errors.New("gateway login failed")
)

// Store errors. These are recorded as store state as well as returned.
var (
	ErrFetch           = errors.New("fetch failed")
	ErrSendFailure     = errors.New("message send failed")
	ErrNoChannel       = errors.New("no channel selected")
	ErrNoCurrentUser   = errors.New("current user unknown")
	ErrMessageNotFound = errors.New("message not found")
	ErrStoreClosed     = errors.New("store closed")
)
