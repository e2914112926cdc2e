package porthole

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rexliu/porthole/pkg/jsonrpc"
)

// Kind identifies one failure mode of a call.
type Kind int

const (
	// KindServerNotRunning: the host is dead, unreachable, unresolvable or
	// answered with a non-200 status.
	KindServerNotRunning Kind = iota + 1
	// KindTimeout: the host accepted the call but did not finish in time,
	// usually because it is busy with other work.
	KindTimeout
	// KindMethodNotExposed: the procedure is unknown or not permitted.
	KindMethodNotExposed
	// KindInternalMethod: the procedure ran and raised an error.
	KindInternalMethod
	// KindMalformedResponse: the reply is not a JSON-RPC 2.0 response.
	KindMalformedResponse
	KindParseError
	KindInvalidRequest
	KindInvalidParams
	// KindRPC is any other error code the host sent.
	KindRPC
)

var kindNames = map[Kind]string{
	KindServerNotRunning:  "server not running",
	KindTimeout:           "timeout",
	KindMethodNotExposed:  "method not exposed",
	KindInternalMethod:    "internal method error",
	KindMalformedResponse: "malformed response",
	KindParseError:        "parse error",
	KindInvalidRequest:    "invalid request",
	KindInvalidParams:     "invalid params",
	KindRPC:               "json-rpc error",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Connection reports whether k belongs to the connection layer.
func (k Kind) Connection() bool {
	return k == KindServerNotRunning || k == KindTimeout
}

// Layer sentinels. Every error returned by a call that is not a caller
// mistake matches exactly one of them with errors.Is.
var (
	ErrConnection = errors.New("porthole connection error")
	ErrRPC        = errors.New("porthole rpc error")
)

// Kind sentinels, for errors.Is.
var (
	ErrServerNotRunning  = errors.New(KindServerNotRunning.String())
	ErrTimeout           = errors.New(KindTimeout.String())
	ErrMethodNotExposed  = errors.New(KindMethodNotExposed.String())
	ErrInternalMethod    = errors.New(KindInternalMethod.String())
	ErrMalformedResponse = errors.New(KindMalformedResponse.String())
	ErrParseError        = errors.New(KindParseError.String())
	ErrInvalidRequest    = errors.New(KindInvalidRequest.String())
	ErrInvalidParams     = errors.New(KindInvalidParams.String())
)

func (k Kind) sentinel() error {
	switch k {
	case KindServerNotRunning:
		return ErrServerNotRunning
	case KindTimeout:
		return ErrTimeout
	case KindMethodNotExposed:
		return ErrMethodNotExposed
	case KindInternalMethod:
		return ErrInternalMethod
	case KindMalformedResponse:
		return ErrMalformedResponse
	case KindParseError:
		return ErrParseError
	case KindInvalidRequest:
		return ErrInvalidRequest
	case KindInvalidParams:
		return ErrInvalidParams
	default:
		return nil
	}
}

// ConnectionError means the call never produced a response envelope.
type ConnectionError struct {
	Kind   Kind
	Server string
	// StatusCode is set when the host answered with a non-200 status.
	StatusCode int
	// Timeout is the wait that elapsed, for KindTimeout.
	Timeout time.Duration
	Err     error
}

func (e *ConnectionError) Error() string {
	var msg string
	switch {
	case e.Kind == KindTimeout:
		msg = fmt.Sprintf("timed out after %s waiting for server %q; it may be busy", e.Timeout, e.Server)
	case e.StatusCode != 0:
		msg = fmt.Sprintf("server %q answered http %d; assuming it is not running", e.Server, e.StatusCode)
	default:
		msg = fmt.Sprintf("could not reach server %q; it does not appear to be running", e.Server)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is matches ErrConnection and the sentinel of e.Kind.
func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnection || (target != nil && target == e.Kind.sentinel())
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// RPCError means the host answered, but not with a result.
type RPCError struct {
	Kind   Kind
	Server string
	Method string

	// Code, Message and Data mirror the error member of the response.
	Code    int
	Message string
	Data    json.RawMessage

	// UnderlyingType and UnderlyingData describe the host-side failure when
	// the host attached one (always for KindInternalMethod).
	UnderlyingType string
	UnderlyingData []any

	// Response is the full envelope, nil for KindMalformedResponse.
	Response *jsonrpc.Response
	// Snippet holds the start of an undecodable body.
	Snippet string
	Err     error
}

func (e *RPCError) Error() string {
	switch e.Kind {
	case KindMalformedResponse:
		msg := fmt.Sprintf("server %q sent a malformed response to %s", e.Server, e.Method)
		if e.Err != nil {
			msg += ": " + e.Err.Error()
		}
		return msg
	case KindInternalMethod:
		return fmt.Sprintf("error executing %s on %q: %s %v", e.Method, e.Server, e.UnderlyingType, e.UnderlyingData)
	case KindMethodNotExposed:
		return fmt.Sprintf("method %s is not exposed by server %q", e.Method, e.Server)
	default:
		msg := fmt.Sprintf("%s calling %s on %q: %d %s", e.Kind, e.Method, e.Server, e.Code, e.Message)
		if e.UnderlyingType != "" {
			msg += fmt.Sprintf(" (%s %v)", e.UnderlyingType, e.UnderlyingData)
		}
		return msg
	}
}

// Is matches ErrRPC and the sentinel of e.Kind.
func (e *RPCError) Is(target error) bool {
	return target == ErrRPC || (target != nil && target == e.Kind.sentinel())
}

func (e *RPCError) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of a call error.
func KindOf(err error) (Kind, bool) {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.Kind, true
	}
	var rerr *RPCError
	if errors.As(err, &rerr) {
		return rerr.Kind, true
	}
	return 0, false
}
