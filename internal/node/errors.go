package node

import (
	"errors"
	"fmt"
)

var (
	ErrClosed             = errors.New("node closed")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrTimeout            = errors.New("timeout")
	ErrSelfConnection     = errors.New("connection to self")
	ErrAlreadyConnected   = errors.New("already connected")
	ErrSend               = errors.New("send failed")
	ErrNoTransport        = errors.New("no transport for address type")
	ErrTooManyConnections = errors.New("too many connections")
)

const (
	HandshakeBadSignature      = "bad_signature"
	HandshakeCapabilityMissing = "capability_mismatch"
	HandshakeSelf              = "self_connection"
	HandshakeDuplicate         = "duplicate"
	HandshakeTimeout           = "timeout"
	HandshakeProtocol          = "protocol"
	HandshakeUnauthorized      = "bad_token"
	HandshakeStale             = "stale"
	HandshakeIdentityMismatch  = "identity_mismatch"
)

// HandshakeError closes the connection it occurred on. Node never retries.
type HandshakeError struct {
	Reason string
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("handshake %s: %v", e.Reason, e.Err)
	}
	return "handshake " + e.Reason
}

func (e *HandshakeError) Unwrap() error { return e.Err }

func (e *HandshakeError) Timeout() bool { return e.Reason == HandshakeTimeout }

func handshakeErr(reason string, err error) error {
	return &HandshakeError{Reason: reason, Err: err}
}

// SendError reports a failed single-connection delivery attempt.
type SendError struct {
	ConnID string
	Type   string
	Err    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %s on %s: %v", e.Type, e.ConnID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

func (e *SendError) Is(target error) bool { return target == ErrSend }

func (e *SendError) Timeout() bool { return errors.Is(e.Err, ErrTimeout) }

// CloseReason says why a connection ended.
type CloseReason string

const (
	CloseReasonShutdown           CloseReason = "shutdown"
	CloseReasonHandshake          CloseReason = "handshake_failed"
	CloseReasonAuthorization      CloseReason = "authorization"
	CloseReasonKeepAliveTimeout   CloseReason = "keepalive_timeout"
	CloseReasonTooManyConnections CloseReason = "too_many_connections"
	CloseReasonDuplicate          CloseReason = "duplicate_connection"
	CloseReasonRemote             CloseReason = "remote_closed"
	CloseReasonIO                 CloseReason = "io_error"
	CloseReasonPolicy             CloseReason = "policy"
)
