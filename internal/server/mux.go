// Package server provides HTTP server construction for chat-sync.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/chat-sync/internal/auth"
	"github.com/alexjbarnes/chat-sync/internal/store"
)

// StatusFunc reports store health for the unauthenticated probe.
type StatusFunc func() store.Status

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Keys       *auth.APIKeys
	MCPHandler http.Handler
	Status     StatusFunc
	Logger     *slog.Logger
}

// NewMux builds the HTTP mux with a health probe and the MCP endpoint.
// The MCP endpoint is protected by API key middleware.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth(cfg.Status))

	authMiddleware := auth.Middleware(cfg.Keys, cfg.Logger)
	mux.Handle("/mcp", authMiddleware(cfg.MCPHandler))

	return mux
}

type healthResponse struct {
	Status   string `json:"status"`
	Channels int    `json:"channels"`
	Degraded bool   `json:"degraded,omitempty"`
}

// handleHealth never exposes message content or error text; it is
// reachable without credentials.
func handleHealth(status StatusFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := healthResponse{Status: "ok"}

		if status != nil {
			st := status()
			resp.Channels = st.Channels
			resp.Degraded = st.ConnectionError != ""
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
