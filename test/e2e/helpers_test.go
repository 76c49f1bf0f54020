package e2e_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/chat-sync/internal/auth"
	"github.com/alexjbarnes/chat-sync/internal/gateway"
	"github.com/alexjbarnes/chat-sync/internal/logging"
	"github.com/alexjbarnes/chat-sync/internal/mcpserver"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/rest"
	"github.com/alexjbarnes/chat-sync/internal/server"
	"github.com/alexjbarnes/chat-sync/internal/store"
)

const (
	testToken   = "e2e-chat-token"
	testChannel = "general"
)

var (
	selfUser  = models.RawUser{ID: "u-self", Username: "self"}
	otherUser = models.RawUser{ID: "u-bob", Username: "bob"}
)

// backend is an in-process chat service: the REST API plus a gateway
// websocket that fans out MESSAGE_CREATE to every identified session.
type backend struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	messages map[string][]models.RawMessage
	nextID   int
	seq      int64
	sessions map[*websocket.Conn]struct{}
}

func newBackend(t *testing.T) *backend {
	t.Helper()

	b := &backend{
		t:        t,
		messages: map[string][]models.RawMessage{testChannel: nil, "random": nil},
		sessions: make(map[*websocket.Conn]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/@me", b.authed(b.handleMe))
	mux.HandleFunc("GET /channels", b.authed(b.handleChannels))
	mux.HandleFunc("GET /channels/{id}/messages", b.authed(b.handleListMessages))
	mux.HandleFunc("POST /channels/{id}/messages", b.authed(b.handleCreateMessage))
	mux.HandleFunc("GET /gateway", b.handleGateway)

	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)

	return b
}

func (b *backend) apiURL() string { return b.srv.URL }

func (b *backend) gatewayURL() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/gateway"
}

func (b *backend) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid token"})
			return
		}

		next(w, r)
	}
}

func (b *backend) handleMe(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, selfUser)
}

func (b *backend) handleChannels(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	channels := make([]models.RawChannel, 0, len(b.messages))
	for _, id := range []string{testChannel, "random"} {
		ch := models.RawChannel{ID: id, Name: id, Type: "text", MemberCount: 2, OwnerID: otherUser.ID}
		if msgs := b.messages[id]; len(msgs) > 0 {
			last := msgs[len(msgs)-1]
			ch.LastMessage = &last
		}

		channels = append(channels, ch)
	}

	writeJSON(w, http.StatusOK, channels)
}

func (b *backend) handleListMessages(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	msgs, ok := b.messages[r.PathValue("id")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "unknown channel"})
		return
	}

	if before := r.URL.Query().Get("before"); before != "" {
		for i, m := range msgs {
			if m.ID == before {
				msgs = msgs[:i]
				break
			}
		}
	}

	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && limit < len(msgs) {
		msgs = msgs[len(msgs)-limit:]
	}

	writeJSON(w, http.StatusOK, msgs)
}

func (b *backend) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}

	msg, ok := b.post(r.PathValue("id"), selfUser, req.Content)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "unknown channel"})
		return
	}

	writeJSON(w, http.StatusOK, msg)
}

// post stores a message and pushes it to every gateway session before
// returning, so a sender sees the push ahead of its REST response.
func (b *backend) post(channelID string, author models.RawUser, content string) (models.RawMessage, bool) {
	b.mu.Lock()

	if _, ok := b.messages[channelID]; !ok {
		b.mu.Unlock()
		return models.RawMessage{}, false
	}

	b.nextID++
	msg := models.RawMessage{
		ID:        fmt.Sprintf("m-%d", b.nextID),
		Content:   content,
		ChannelID: channelID,
		Author: models.RawMember{
			ID:        "mem-" + author.ID,
			User:      author,
			ChannelID: channelID,
		},
		CreatedAt: models.Timestamp{Time: time.Now().UTC()},
	}
	b.messages[channelID] = append(b.messages[channelID], msg)

	b.mu.Unlock()

	b.broadcast(gateway.TypeMessageCreate, msg)

	return msg, true
}

func (b *backend) messageCount(channelID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.messages[channelID])
}

func (b *backend) broadcast(eventType string, payload any) {
	data, err := json.Marshal(payload)
	require.NoError(b.t, err)

	b.mu.Lock()
	b.seq++
	seq := b.seq
	conns := make([]*websocket.Conn, 0, len(b.sessions))
	for c := range b.sessions {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	frame, err := gateway.Encode(gateway.Envelope{Opcode: gateway.OpDispatch, Sequence: &seq, EventType: eventType, Data: data})
	require.NoError(b.t, err)

	for _, c := range conns {
		_ = c.Write(context.Background(), websocket.MessageText, frame)
	}
}

// handleGateway runs the server side of a gateway session: Hello,
// Identify, READY, then heartbeat acks until the client goes away.
func (b *backend) handleGateway(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	if err := writeFrame(ctx, conn, gateway.Envelope{Opcode: gateway.OpHello, Data: json.RawMessage(`{"heartbeat_interval":45000}`)}); err != nil {
		return
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		return
	}

	identify, err := gateway.Decode(data)
	if err != nil || identify.Opcode != gateway.OpIdentify || gjson.GetBytes(identify.Data, "token").Str != testToken {
		_ = writeFrame(ctx, conn, gateway.Envelope{Opcode: gateway.OpInvalidSession})
		conn.Close(websocket.StatusCode(gateway.CloseUnauthorized), "invalid session")

		return
	}

	ready, _ := json.Marshal(map[string]any{"user": selfUser})
	if err := writeFrame(ctx, conn, gateway.Envelope{Opcode: gateway.OpDispatch, EventType: gateway.TypeReady, Data: ready}); err != nil {
		return
	}

	b.mu.Lock()
	b.sessions[conn] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.sessions, conn)
		b.mu.Unlock()
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		if env, err := gateway.Decode(data); err == nil && env.Opcode == gateway.OpHeartbeat {
			if err := writeFrame(ctx, conn, gateway.Envelope{Opcode: gateway.OpHeartbeatAck}); err != nil {
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, env gateway.Envelope) error {
	frame, err := gateway.Encode(env)
	if err != nil {
		return err
	}

	return conn.Write(ctx, websocket.MessageText, frame)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// harness is the full client stack running against a backend: REST
// client, gateway client, store, and the authenticated MCP endpoint.
type harness struct {
	Backend *backend
	Store   *store.Store
	Gateway *gateway.Client
	URL     string
	APIKey  string
	Client  *http.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	b := newBackend(t)
	logger := logging.Discard()

	tokens, err := auth.NewTokenSource(testToken, "", nil, logger)
	require.NoError(t, err)

	api := rest.NewClient(b.apiURL(), tokens, nil, 0, logger)
	gw := gateway.NewClient(gateway.NewWSTransport(b.gatewayURL(), logger), tokens, gateway.ClientConfig{}, logger)

	st := store.New(api, nil, store.Hooks{}, store.Config{}, logger)
	detach := st.Attach(gw)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = st.Run(ctx)
	}()

	t.Cleanup(func() {
		_ = gw.Close()
		detach()
		cancel()
		<-done
	})

	_, err = st.LoadCurrentUser(t.Context())
	require.NoError(t, err)

	_, err = st.FetchChannels(t.Context())
	require.NoError(t, err)

	require.NoError(t, gw.Connect(t.Context()))

	key, hash, err := auth.GenerateAPIKey()
	require.NoError(t, err)

	mcpServer := mcp.NewServer(&mcp.Implementation{Name: "chat-sync-e2e", Version: "test"}, nil)
	mcpserver.RegisterTools(mcpServer, st, gw)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	ts := httptest.NewServer(server.NewMux(server.MuxConfig{
		Keys:       auth.NewAPIKeys([]auth.APIKey{{UserID: "agent", Hash: hash}}),
		MCPHandler: mcpHandler,
		Status:     st.Status,
		Logger:     logger,
	}))
	t.Cleanup(ts.Close)

	return &harness{
		Backend: b,
		Store:   st,
		Gateway: gw,
		URL:     ts.URL,
		APIKey:  key,
		Client:  ts.Client(),
	}
}

// mcpSession creates an MCP client session authenticated with the given
// API key.
func (h *harness) mcpSession(t *testing.T, key string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: key,
				base:  h.Client.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "e2e-test-client", Version: "test"}, nil)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

func (h *harness) callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any) string {
	t.Helper()

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)

	text := extractTextContent(t, result)
	require.False(t, result.IsError, text)

	return text
}

func (h *harness) doGet(t *testing.T, path string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, h.URL+path, nil)
	require.NoError(t, err)

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	return resp
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}

func extractTextContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()

	require.NotEmpty(t, result.Content)

	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])

	return tc.Text
}
