// Package message defines the messages exchanged between the panel and the home controller.
//
// Two channels carry them:
//
//   - RPC channel (HTTP POST): Request out, Response back, correlated by ID.
//   - Event socket (WebSocket): Outbound frames out, Event frames in, tagged by event name only.
package message

import (
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC version string sent by default.
const Version = "2.0"

// Request is one RPC call on the wire.
//
//	{"jsonrpc": "2.0", "method": "read_sensor", "params": {"id": 1}, "id": "<token>"}
type Request struct {
	JSONRPC string         `json:"jsonrpc,omitempty"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params"`
	ID      string         `json:"id"`
}

// Response is the controller's reply to a Request.
//
//   - On success: Result holds the payload, Error is nil.
//   - On failure: Error describes the application-level failure.
type Response struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the failure descriptor carried by a Response.
type ErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// IDString returns the response id as text. String ids are unquoted; numeric ids are
// returned in their JSON form. An absent or null id yields "".
func (r *Response) IDString() string {
	if len(r.ID) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(r.ID, &v); err != nil {
		return string(r.ID)
	}
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	default:
		return fmt.Sprint(id)
	}
}

// Event is an inbound socket frame pushed by the controller.
//
//	{"event": "sensors", "result": {"1": 21.5}}
type Event struct {
	Name   string          `json:"event"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Outbound is a frame the panel sends over the socket.
//
//	{"event": "add", "payload": {"a": 5, "b": 4}}
type Outbound struct {
	Name    string `json:"event"`
	Payload any    `json:"payload"`
}
