// Copyright 2012 Apcera Inc. All rights reserved.

package nitox

import (
	"errors"
	"fmt"
	"io"
)

// Sentinel errors carried over from the teacher client, kept as package
// vars so callers can compare with errors.Is.
var (
	ErrConnectionClosed   = errors.New("nitox: connection closed")
	ErrSecureConnRequired = errors.New("nitox: secure connection required")
	ErrSecureConnWanted   = errors.New("nitox: secure connection not available")
	ErrBadSubscription    = errors.New("nitox: invalid subscription")
	ErrSlowConsumer       = errors.New("nitox: slow consumer, messages dropped")
	ErrTimeout            = errors.New("nitox: timeout")

	// ErrArgumentValidation is returned when a subject, inbox or queue
	// group token contains a space or tab, or is otherwise malformed.
	ErrArgumentValidation = errors.New("nitox: argument contains whitespace or is empty")
	// ErrCommandMalformed is returned by the decoder when a frame's
	// declared payload length does not match its observed length, or
	// the frame otherwise does not match the wire grammar.
	ErrCommandMalformed = errors.New("nitox: command malformed")
	// ErrTLSHostMissing is returned when TLS is required but no host
	// was supplied to verify the server's identity against.
	ErrTLSHostMissing = errors.New("nitox: TLS host is missing, cannot verify server identity")
	// ErrCannotReconnect names the case where reconnection has failed for
	// good. The Connection does not return it: after its last failed
	// reconnect attempt it stays Disconnected and Write keeps returning
	// ErrNotReady.
	ErrCannotReconnect = errors.New("nitox: cannot reconnect to server")
	// ErrInnerChainBroken is returned when the in-memory queue between
	// the Sender and its writer goroutine has been torn down.
	ErrInnerChainBroken = errors.New("nitox: inner sender/receiver chain is broken")
	// ErrNotReady is returned by Connection.Write while the Connection
	// is Reconnecting or Disconnected; the read pump waits instead.
	ErrNotReady = errors.New("nitox: connection not ready")
	// ErrURIResolve names a cluster address that resolves to no host.
	// Connect does not return it: an unresolvable address surfaces as
	// the dial error from net.Dialer.
	ErrURIResolve = errors.New("nitox: could not resolve cluster URI to any address")
)

// ServerDisconnectedError wraps the underlying I/O error (if any) that
// caused the connection to be considered disconnected.
type ServerDisconnectedError struct {
	Err error
}

func (e *ServerDisconnectedError) Error() string {
	if e.Err == nil {
		return "nitox: server disconnected"
	}
	return fmt.Sprintf("nitox: server disconnected: %s", e.Err)
}

func (e *ServerDisconnectedError) Unwrap() error { return e.Err }

// coerceIOErr turns ConnectionReset/ConnectionRefused-class I/O errors,
// io.EOF and net.ErrClosed into a *ServerDisconnectedError, uniformly, the way the teacher's
// From<io::Error> impl does in the original Rust client.
func coerceIOErr(err error) error {
	if err == nil {
		return nil
	}
	if err == io.EOF {
		return &ServerDisconnectedError{Err: err}
	}
	if isResetOrRefused(err) {
		return &ServerDisconnectedError{Err: err}
	}
	return err
}

// MaxPayloadError is returned when a publish or request payload exceeds
// the server-advertised max_payload.
type MaxPayloadError struct {
	Max int64
}

func (e *MaxPayloadError) Error() string {
	return fmt.Sprintf("nitox: payload exceeds max_payload of %d bytes", e.Max)
}

// SubscriptionMaxMsgsError is returned to a subscriber once its delivery
// channel has been closed after reaching the cap set by Unsubscribe's
// max_msgs argument.
type SubscriptionMaxMsgsError struct {
	Max uint32
}

func (e *SubscriptionMaxMsgsError) Error() string {
	return fmt.Sprintf("nitox: subscription reached max messages after %d messages", e.Max)
}

// ProtocolError wraps a frame/codec-level parsing failure.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("nitox: protocol error: %s", e.Err) }
func (e *ProtocolError) Unwrap() error { return e.Err }
