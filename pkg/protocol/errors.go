package protocol

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable, machine-readable classification carried in the
// "kind" field of an error response.
type ErrorKind string

// Error kinds returned to clients.
const (
	KindNotFound       ErrorKind = "not_found"
	KindAlreadyActive  ErrorKind = "already_active"
	KindNotRunning     ErrorKind = "not_running"
	KindNotActive      ErrorKind = "not_active"
	KindEngineProtocol ErrorKind = "engine_protocol"
	KindSpawn          ErrorKind = "spawn"
	KindDecode         ErrorKind = "decode"
	KindVersion        ErrorKind = "version"
	KindUnknownOp      ErrorKind = "unknown_op"
	KindBadRequest     ErrorKind = "bad_request"
	KindInternal       ErrorKind = "internal"
)

// NotFoundError is returned when an index name is not in the registry.
type NotFoundError struct {
	Index string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("index %q not found", e.Index)
}

// Kind implements Kinded.
func (e *NotFoundError) Kind() ErrorKind { return KindNotFound }

// AlreadyActiveError is returned when starting an index that is already
// loading or running.
type AlreadyActiveError struct {
	Index  string
	Status string
}

func (e *AlreadyActiveError) Error() string {
	return fmt.Sprintf("index %q is already active (status: %s)", e.Index, e.Status)
}

// Kind implements Kinded.
func (e *AlreadyActiveError) Kind() ErrorKind { return KindAlreadyActive }

// NotRunningError is returned by operations that need a running worker.
type NotRunningError struct {
	Index  string
	Status string
}

func (e *NotRunningError) Error() string {
	return fmt.Sprintf("index %q not running (status: %s)", e.Index, e.Status)
}

// Kind implements Kinded.
func (e *NotRunningError) Kind() ErrorKind { return KindNotRunning }

// NotActiveError is returned when killing an index that has no worker.
type NotActiveError struct {
	Index string
}

func (e *NotActiveError) Error() string {
	return fmt.Sprintf("index %q not started", e.Index)
}

// Kind implements Kinded.
func (e *NotActiveError) Kind() ErrorKind { return KindNotActive }

// EngineProtocolError wraps a failed round trip with a worker: a socket
// error, an empty reply, or a reply that does not carry the expected marker.
type EngineProtocolError struct {
	Index   string
	Command string
	Reason  string
	Err     error
}

func (e *EngineProtocolError) Error() string {
	msg := fmt.Sprintf("index %q: %s", e.Index, e.Reason)
	if e.Command != "" {
		msg = fmt.Sprintf("index %q: %s failed: %s", e.Index, e.Command, e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EngineProtocolError) Unwrap() error { return e.Err }

// Kind implements Kinded.
func (e *EngineProtocolError) Kind() ErrorKind { return KindEngineProtocol }

// SpawnError is returned when the worker process could not be launched.
type SpawnError struct {
	Index string
	Err   error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("index %q could not be loaded: %v", e.Index, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Kind implements Kinded.
func (e *SpawnError) Kind() ErrorKind { return KindSpawn }

// DecodeError is returned when an inbound frame cannot be decoded.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed request: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Kind implements Kinded.
func (e *DecodeError) Kind() ErrorKind { return KindDecode }

// VersionMismatchError is returned when client and server majors differ.
type VersionMismatchError struct {
	Client string
	Server string
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("server and client do not have the same major version (client: %s - server: %s)", e.Client, e.Server)
}

// Kind implements Kinded.
func (e *VersionMismatchError) Kind() ErrorKind { return KindVersion }

// UnknownOpError is returned for a request type outside the closed set.
type UnknownOpError struct {
	Op string
}

func (e *UnknownOpError) Error() string {
	return fmt.Sprintf("request type %q not handled", e.Op)
}

// Kind implements Kinded.
func (e *UnknownOpError) Kind() ErrorKind { return KindUnknownOp }

// BadRequestError is returned for a structurally valid request that is
// missing a required field.
type BadRequestError struct {
	Reason string
}

func (e *BadRequestError) Error() string {
	return "bad request: " + e.Reason
}

// Kind implements Kinded.
func (e *BadRequestError) Kind() ErrorKind { return KindBadRequest }

// Kinded is implemented by every typed error above.
type Kinded interface {
	error
	Kind() ErrorKind
}

// KindOf returns the kind of the first typed error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) ErrorKind {
	var k Kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindInternal
}

// RemoteError is the client-side view of an error response. Its Unwrap
// returns a typed error matching Kind so callers can use errors.As with the
// same types the server raised.
type RemoteError struct {
	Kind    ErrorKind
	Message string
	Index   string
}

func (e *RemoteError) Error() string { return e.Message }

func (e *RemoteError) Unwrap() error {
	switch e.Kind {
	case KindNotFound:
		return &NotFoundError{Index: e.Index}
	case KindAlreadyActive:
		return &AlreadyActiveError{Index: e.Index}
	case KindNotRunning:
		return &NotRunningError{Index: e.Index}
	case KindNotActive:
		return &NotActiveError{Index: e.Index}
	case KindEngineProtocol:
		return &EngineProtocolError{Index: e.Index, Reason: e.Message}
	case KindSpawn:
		return &SpawnError{Index: e.Index, Err: errors.New(e.Message)}
	case KindDecode:
		return &DecodeError{Err: errors.New(e.Message)}
	case KindVersion:
		return &VersionMismatchError{}
	case KindUnknownOp:
		return &UnknownOpError{}
	case KindBadRequest:
		return &BadRequestError{Reason: e.Message}
	default:
		return nil
	}
}

// ErrorFromResponse converts an error response into a *RemoteError. It
// returns nil for a success response.
func ErrorFromResponse(resp *Response, index string) error {
	if resp == nil || resp.Status == StatusSuccess {
		return nil
	}
	return &RemoteError{Kind: resp.Kind, Message: resp.Message(), Index: index}
}
