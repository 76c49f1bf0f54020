// Package gateway implements the realtime gateway client: the wire codec,
// heartbeat and reconnect scheduling, event dispatch, the websocket
// transport, and the Client that ties them together.
package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	chaterr "github.com/alexjbarnes/chat-sync/internal/errors"
)

// Opcode identifies the kind of a gateway frame.
type Opcode int

const (
	OpDispatch       Opcode = 0
	OpHeartbeat      Opcode = 1
	OpIdentify       Opcode = 2
	OpResume         Opcode = 6
	OpReconnect      Opcode = 7
	OpInvalidSession Opcode = 9
	OpHello          Opcode = 10
	OpHeartbeatAck   Opcode = 11
)

var opcodeNames = map[Opcode]string{
	OpDispatch:       "dispatch",
	OpHeartbeat:      "heartbeat",
	OpIdentify:       "identify",
	OpResume:         "resume",
	OpReconnect:      "reconnect",
	OpInvalidSession: "invalid_session",
	OpHello:          "hello",
	OpHeartbeatAck:   "heartbeat_ack",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}

	return fmt.Sprintf("opcode(%d)", int(o))
}

// Known reports whether o is one of the opcodes this client understands.
func (o Opcode) Known() bool {
	_, ok := opcodeNames[o]
	return ok
}

// Envelope is one decoded gateway frame. Sequence is only present on
// dispatches; EventType names the dispatch (e.g. MESSAGE_CREATE).
type Envelope struct {
	Opcode    Opcode          `json:"opcode"`
	Sequence  *int64          `json:"sequence,omitempty"`
	EventType string          `json:"event,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// DecodeError describes why a frame was rejected.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return chaterr.ErrMalformedFrame.Error() + ": " + e.Reason
}

func (e *DecodeError) Unwrap() error { return chaterr.ErrMalformedFrame }

// Decode validates and decodes a raw frame. Any shape problem returns a
// *DecodeError; a partially valid envelope is never returned.
func Decode(raw []byte) (Envelope, error) {
	if !gjson.ValidBytes(raw) {
		return Envelope{}, &DecodeError{Reason: "invalid json"}
	}

	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return Envelope{}, &DecodeError{Reason: "frame is not an object"}
	}

	op := root.Get("opcode")
	if op.Type != gjson.Number {
		return Envelope{}, &DecodeError{Reason: "missing or non-numeric opcode"}
	}

	if float64(op.Int()) != op.Num {
		return Envelope{}, &DecodeError{Reason: "opcode is not an integer"}
	}

	code := Opcode(op.Int())
	if !code.Known() {
		return Envelope{}, &DecodeError{Reason: "unknown " + code.String()}
	}

	env := Envelope{Opcode: code}

	if seq := root.Get("sequence"); seq.Exists() && seq.Type != gjson.Null {
		if seq.Type != gjson.Number {
			return Envelope{}, &DecodeError{Reason: "non-numeric sequence"}
		}

		n := seq.Int()
		env.Sequence = &n
	}

	if ev := root.Get("event"); ev.Exists() && ev.Type != gjson.Null {
		if ev.Type != gjson.String {
			return Envelope{}, &DecodeError{Reason: "non-string event type"}
		}

		env.EventType = ev.Str
	}

	if data := root.Get("data"); data.Exists() {
		env.Data = json.RawMessage(data.Raw)
	}

	return env, nil
}

// Encode serializes an envelope. It does not validate.
func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}
