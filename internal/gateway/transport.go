package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	chaterr "github.com/alexjbarnes/chat-sync/internal/errors"
)

const (
	// wsReadLimit caps a single inbound frame. Dispatches carry at most
	// one message or channel, so 4MB leaves room for large embeds.
	wsReadLimit = 4 * 1024 * 1024

	// Close codes seen on the gateway. Codes in the 4000 range are
	// application defined.
	CloseNormal       = int(websocket.StatusNormalClosure)
	CloseNoStatus     = int(websocket.StatusAbnormalClosure)
	CloseReconnect    = 4000
	CloseUnauthorized = 4004

	defaultHeartbeatInterval = 41250 * time.Millisecond
)

// wsConn abstracts the WebSocket connection so the transport can be
// tested without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// TransportEventKind identifies a TransportEvent.
type TransportEventKind int

const (
	TransportReady TransportEventKind = iota
	TransportDispatch
	TransportHeartbeatAck
	TransportSocketError
	TransportClosed
)

// TransportEvent is a connection-level event delivered to the client.
type TransportEvent struct {
	Kind      TransportEventKind
	EventType string
	Data      json.RawMessage
	Code      int
	Reason    string
	Err       error
}

// Transport is the gateway connection capability used by Client.
type Transport interface {
	// Connect dials and authenticates. It returns once the session is
	// ready; afterwards events arrive through emit until the connection
	// closes.
	Connect(ctx context.Context, token string, emit func(TransportEvent)) error
	Heartbeat(ctx context.Context) error
	HeartbeatInterval() time.Duration
	Close() error
}

// WSTransport is a Transport over a websocket connection.
type WSTransport struct {
	url    string
	logger *slog.Logger
	dial   func(ctx context.Context, url string) (wsConn, error)

	mu         sync.Mutex
	writeMu    sync.Mutex
	conn       wsConn
	connCancel context.CancelFunc
	interval   time.Duration

	seq    atomic.Int64
	hasSeq atomic.Bool
}

// NewWSTransport creates a transport that dials url.
func NewWSTransport(url string, logger *slog.Logger) *WSTransport {
	return &WSTransport{
		url:    url,
		logger: logger,
		dial:   dialWebsocket,
	}
}

func dialWebsocket(ctx context.Context, url string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: http.Header{
			"User-Agent": []string{"chat-sync"},
		},
	})
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// Connect implements Transport. Any previous connection is closed first.
func (t *WSTransport) Connect(ctx context.Context, token string, emit func(TransportEvent)) error {
	t.closeCurrent(websocket.StatusNormalClosure, "reconnecting")

	t.logger.Debug("connecting to gateway", slog.String("url", t.url))

	conn, err := t.dial(ctx, t.url)
	if err != nil {
		return fmt.Errorf("dialing gateway: %w", errors.Join(chaterr.ErrTransport, err))
	}

	interval, err := t.handshake(ctx, conn, token)
	if err != nil {
		return err
	}

	connCtx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	t.conn = conn
	t.connCancel = cancel
	t.interval = interval
	t.mu.Unlock()

	emit(TransportEvent{Kind: TransportReady})
	t.startReader(connCtx, conn, emit)

	return nil
}

// handshake reads Hello, sends Identify and waits for READY. Extracted
// from Connect so it can be tested against a mock wsConn.
func (t *WSTransport) handshake(ctx context.Context, conn wsConn, token string) (time.Duration, error) {
	conn.SetReadLimit(wsReadLimit)
	t.hasSeq.Store(false)

	hello, err := t.readEnvelope(ctx, conn)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "hello read failed")
		return 0, err
	}

	if hello.Opcode != OpHello {
		conn.Close(websocket.StatusProtocolError, "expected hello")
		return 0, fmt.Errorf("expected hello, got %s: %w", hello.Opcode, chaterr.ErrTransport)
	}

	interval := defaultHeartbeatInterval
	if ms := gjson.GetBytes(hello.Data, "heartbeat_interval").Int(); ms > 0 {
		interval = time.Duration(ms) * time.Millisecond
	}

	identify, err := json.Marshal(map[string]any{
		"token": token,
		"properties": map[string]string{
			"os":      "linux",
			"browser": "chat-sync",
			"device":  "chat-sync",
		},
	})
	if err != nil {
		return 0, fmt.Errorf("marshalling identify: %w", err)
	}

	if err := t.write(ctx, conn, Envelope{Opcode: OpIdentify, Data: identify}); err != nil {
		conn.Close(websocket.StatusInternalError, "identify failed")
		return 0, fmt.Errorf("sending identify: %w", err)
	}

	for {
		env, err := t.readEnvelope(ctx, conn)
		if errors.Is(err, chaterr.ErrMalformedFrame) {
			t.logger.Warn("dropping malformed frame during handshake", slog.String("error", err.Error()))
			continue
		}

		if err != nil {
			conn.Close(websocket.StatusInternalError, "ready read failed")
			return 0, err
		}

		switch env.Opcode {
		case OpInvalidSession:
			conn.Close(websocket.StatusCode(CloseUnauthorized), "invalid session")
			return 0, fmt.Errorf("identify rejected: %w", chaterr.ErrUnauthorized)
		case OpDispatch:
			t.recordSequence(env)

			if env.EventType == TypeReady {
				t.logger.Info("gateway session ready",
					slog.Duration("heartbeat_interval", interval),
					slog.String("user_id", gjson.GetBytes(env.Data, "user.id").Str),
				)

				return interval, nil
			}

			t.logger.Debug("dispatch before ready", slog.String("type", env.EventType))
		default:
			t.logger.Debug("ignoring frame before ready", slog.String("opcode", env.Opcode.String()))
		}
	}
}

// readEnvelope reads and decodes one text frame. Close frames carrying
// the unauthorized code map to ErrUnauthorized.
func (t *WSTransport) readEnvelope(ctx context.Context, conn wsConn) (Envelope, error) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if int(websocket.CloseStatus(err)) == CloseUnauthorized {
				return Envelope{}, fmt.Errorf("gateway closed session: %w", chaterr.ErrUnauthorized)
			}

			return Envelope{}, fmt.Errorf("reading frame: %w", errors.Join(chaterr.ErrTransport, err))
		}

		if typ != websocket.MessageText {
			t.logger.Debug("unexpected binary frame", slog.Int("bytes", len(data)))
			continue
		}

		return Decode(data)
	}
}

// startReader reads frames until the connection fails or connCtx is
// cancelled. conn and emit are captured by value so a reader from a
// previous connection cannot deliver into the current one.
func (t *WSTransport) startReader(connCtx context.Context, conn wsConn, emit func(TransportEvent)) {
	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			if err != nil {
				if connCtx.Err() != nil {
					return
				}

				code, reason := closeDetails(err)
				emit(TransportEvent{Kind: TransportSocketError, Err: errors.Join(chaterr.ErrTransport, err)})
				emit(TransportEvent{Kind: TransportClosed, Code: code, Reason: reason})

				return
			}

			if typ != websocket.MessageText {
				t.logger.Debug("unexpected binary frame", slog.Int("bytes", len(data)))
				continue
			}

			env, err := Decode(data)
			if err != nil {
				t.logger.Warn("dropping malformed frame", slog.String("error", err.Error()))
				continue
			}

			if stop := t.handleFrame(env, emit); stop {
				return
			}
		}
	}()
}

// handleFrame translates one frame into transport events. It returns
// true when the server ended the session.
func (t *WSTransport) handleFrame(env Envelope, emit func(TransportEvent)) bool {
	switch env.Opcode {
	case OpDispatch:
		t.recordSequence(env)
		emit(TransportEvent{Kind: TransportDispatch, EventType: env.EventType, Data: env.Data})
	case OpHeartbeatAck:
		emit(TransportEvent{Kind: TransportHeartbeatAck})
	case OpHeartbeat:
		// Server-requested beat; the client's ticker covers it.
		t.logger.Debug("server requested heartbeat")
	case OpReconnect:
		emit(TransportEvent{Kind: TransportClosed, Code: CloseReconnect, Reason: "server requested reconnect"})
		return true
	case OpInvalidSession:
		emit(TransportEvent{Kind: TransportClosed, Code: CloseUnauthorized, Reason: "invalid session"})
		return true
	default:
		t.logger.Debug("ignoring frame", slog.String("opcode", env.Opcode.String()))
	}

	return false
}

func (t *WSTransport) recordSequence(env Envelope) {
	if env.Sequence != nil {
		t.seq.Store(*env.Sequence)
		t.hasSeq.Store(true)
	}
}

// Heartbeat implements Transport. The payload is the last sequence
// number seen, or null before any dispatch.
func (t *WSTransport) Heartbeat(ctx context.Context) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("heartbeat on closed connection: %w", chaterr.ErrTransport)
	}

	data := json.RawMessage("null")
	if t.hasSeq.Load() {
		data = json.RawMessage(fmt.Sprintf("%d", t.seq.Load()))
	}

	return t.write(ctx, conn, Envelope{Opcode: OpHeartbeat, Data: data})
}

// HeartbeatInterval implements Transport.
func (t *WSTransport) HeartbeatInterval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.interval <= 0 {
		return defaultHeartbeatInterval
	}

	return t.interval
}

// Close implements Transport. It is idempotent.
func (t *WSTransport) Close() error {
	return t.closeCurrent(websocket.StatusNormalClosure, "bye")
}

func (t *WSTransport) closeCurrent(code websocket.StatusCode, reason string) error {
	t.mu.Lock()
	conn, cancel := t.conn, t.connCancel
	t.conn, t.connCancel = nil, nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if conn == nil {
		return nil
	}

	return conn.Close(code, reason)
}

func (t *WSTransport) write(ctx context.Context, conn wsConn, env Envelope) error {
	data, err := Encode(env)
	if err != nil {
		return fmt.Errorf("marshalling frame: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing frame: %w", errors.Join(chaterr.ErrTransport, err))
	}

	return nil
}

// closeDetails extracts the close code and reason from a read error.
// Errors without a close frame report CloseNoStatus.
func closeDetails(err error) (int, string) {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return int(ce.Code), ce.Reason
	}

	return CloseNoStatus, err.Error()
}
