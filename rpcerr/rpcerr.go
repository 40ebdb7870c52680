// Package rpcerr defines the error taxonomy shared by the RPC client and the event socket.
//
//	TransportError     could not reach the controller (refused, timeout, bad status)
//	ProtocolError      a message on either channel could not be parsed or correlated
//	RPCError           the controller reported an application-level failure for one call
//	NotConnectedError  a socket send was attempted while the socket was not Open
//
// Every type wraps its cause, so errors.Is and errors.As see through them.
package rpcerr

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is wrapped by errors returned after the owning client was closed.
	ErrClosed = errors.New("client closed")

	// ErrEmptyMethod is returned for calls without an operation name.
	ErrEmptyMethod = errors.New("empty method name")

	// ErrIDMismatch is wrapped when a reply carries a token other than the request's.
	ErrIDMismatch = errors.New("response id does not match request")
)

// TransportError reports a connection-level failure reaching the controller.
type TransportError struct {
	Op         string // "post", "dial", "write", ...
	URL        string
	StatusCode int // HTTP status when the server answered with a non-2xx code
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport: %s %s: unexpected status %d: %v", e.Op, e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed or uncorrelatable message.
type ProtocolError struct {
	Channel string // "rpc" or "socket"
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %s: %v", e.Channel, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// RPCError is an application-level failure reported by the controller.
type RPCError struct {
	Method  string
	Code    int
	Message string
	Data    []byte
}

func (e *RPCError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("rpc %s: error %d: %s", e.Method, e.Code, e.Message)
}

// NotConnectedError is returned by socket sends while the connection is not Open.
type NotConnectedError struct {
	Event string
	State string
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("socket: cannot send %q: connection is %s", e.Event, e.State)
}

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsProtocol reports whether err is (or wraps) a ProtocolError.
func IsProtocol(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// AsRPC returns the RPCError inside err, if any.
func AsRPC(err error) (*RPCError, bool) {
	var re *RPCError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// IsNotConnected reports whether err is (or wraps) a NotConnectedError.
func IsNotConnected(err error) bool {
	var ne *NotConnectedError
	return errors.As(err, &ne)
}
