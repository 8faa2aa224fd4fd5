package device

import (
	"context"
	"errors"
	"fmt"
	"net"
)

type ErrorKind string

const (
	KindTimeout     ErrorKind = "timeout"
	KindAuth        ErrorKind = "auth"
	KindProtocol    ErrorKind = "protocol"
	KindUnreachable ErrorKind = "unreachable"
)

// TransportError is returned by transports when a router cannot be reached,
// rejects the login, or answers with something we cannot parse.
type TransportError struct {
	Kind     ErrorKind
	DeviceID string
	Op       string
	Err      error
}

func (e *TransportError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("device %s: %s: %v", e.DeviceID, e.Kind, e.Err)
	}
	return fmt.Sprintf("device %s: %s %s: %v", e.DeviceID, e.Op, e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransportError reports whether err (or anything it wraps) is a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// WrapTransport classifies err into a TransportError. Errors that are already
// TransportErrors are returned unchanged.
func WrapTransport(deviceID, op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Kind: classify(err), DeviceID: deviceID, Op: op, Err: err}
}

func classify(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return KindTimeout
	}
	var operr *net.OpError
	if errors.As(err, &operr) {
		return KindUnreachable
	}
	return KindProtocol
}
