// Package protocol implements framing for the event socket.
//
// Each WebSocket message carries exactly one JSON frame. The socket has no
// correlation ids: frames are tagged only by event name.
//
//	outbound (panel → controller):  {"event": "<name>", "payload": {<named args>}}
//	inbound  (controller → panel):  {"event": "<name>", "result": <any>}
//
// The reserved lifecycle names LifecycleOpen and LifecycleClose are never
// sent on the wire; the socket client synthesizes them on state transitions.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"homepanel/message"
	"homepanel/rpcerr"
	"strings"
)

const (
	LifecycleOpen  = "$open"
	LifecycleClose = "$close"

	// MaxEventNameLen bounds the event tag; longer names are treated as malformed.
	MaxEventNameLen = 256
)

var (
	errEmptyFrame    = errors.New("empty frame")
	errMissingEvent  = errors.New("frame has no event name")
	errReservedEvent = errors.New("frame uses a reserved lifecycle name")
)

// EncodeEvent builds an outbound frame. Payload must marshal to a JSON object;
// nil is sent as {}.
func EncodeEvent(name string, payload any) ([]byte, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if payload == nil {
		payload = map[string]any{}
	}

	data, err := json.Marshal(message.Outbound{Name: name, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %q: %w", name, err)
	}
	return data, nil
}

// DecodeFrame parses one inbound frame. Any failure is a *rpcerr.ProtocolError.
func DecodeFrame(data []byte) (message.Event, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return message.Event{}, protocolErr(errEmptyFrame)
	}

	var ev message.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return message.Event{}, protocolErr(err)
	}
	if err := validateName(ev.Name); err != nil {
		return message.Event{}, err
	}
	return ev, nil
}

// EncodeResult builds a controller → panel frame.
func EncodeResult(name string, result any) ([]byte, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %q: %w", name, err)
	}
	return json.Marshal(message.Event{Name: name, Result: raw})
}

// DecodeOutbound parses a panel → controller frame. A missing payload decodes
// as {}.
func DecodeOutbound(data []byte) (string, json.RawMessage, error) {
	var frame struct {
		Name    string          `json:"event"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(data), &frame); err != nil {
		return "", nil, protocolErr(err)
	}
	if err := validateName(frame.Name); err != nil {
		return "", nil, err
	}
	if len(frame.Payload) == 0 || string(frame.Payload) == "null" {
		frame.Payload = json.RawMessage("{}")
	}
	return frame.Name, frame.Payload, nil
}

// IsLifecycle reports whether name is one of the synthesized lifecycle events.
func IsLifecycle(name string) bool {
	return name == LifecycleOpen || name == LifecycleClose
}

func validateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return protocolErr(errMissingEvent)
	case len(name) > MaxEventNameLen:
		return protocolErr(fmt.Errorf("event name exceeds %d bytes", MaxEventNameLen))
	case IsLifecycle(name):
		return protocolErr(errReservedEvent)
	}
	return nil
}

func protocolErr(err error) error {
	return &rpcerr.ProtocolError{Channel: "socket", Err: err}
}
