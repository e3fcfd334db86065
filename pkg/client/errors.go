package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"storagegrid/pkg/types"
)

var (
	// ErrMissingSecret is returned before any I/O when an operation needs a
	// secret the caller did not supply.
	ErrMissingSecret = errors.New("required secret not supplied")

	// ErrInvalidRequest is returned for arguments the protocol cannot express.
	ErrInvalidRequest = errors.New("invalid request")
)

// ProtocolError means the server answered, but not with what the operation
// expects: an unexpected status or an undecodable body.
type ProtocolError struct {
	Op     string
	Status int
	Detail string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("%s: unexpected response %d %s", e.Op, e.Status, http.StatusText(e.Status))
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// TransportError means no response was received at all.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport failure: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RangeMismatchError means a ranged read came back with a different range
// than requested. The returned bytes are never handed to the caller.
type RangeMismatchError struct {
	Requested types.Range
	GotRange  string // Content-Range header, if any
	GotLength int
}

func (e *RangeMismatchError) Error() string {
	if e.GotRange != "" {
		return fmt.Sprintf("read_share_chunk: requested bytes %s, server sent %q (%d bytes)", e.Requested, e.GotRange, e.GotLength)
	}
	return fmt.Sprintf("read_share_chunk: requested bytes %s (%d bytes), server sent %d bytes",
		e.Requested, e.Requested.Len(), e.GotLength)
}

// IsTransient reports whether retrying the same request might succeed.
// Local validation errors, 4xx responses and range mismatches are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return protoErr.Status >= 500 || protoErr.Status == http.StatusTooManyRequests ||
			protoErr.Status == http.StatusRequestTimeout
	}

	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded)
}

// outcome is the metrics label for an operation result.
func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return "transport_error"
	}
	var rangeErr *RangeMismatchError
	if errors.As(err, &rangeErr) {
		return "range_mismatch"
	}
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return "protocol_error"
	}
	return "invalid_request"
}
